// Package logging provides a small chainable field builder shared by every
// component, so that log lines carry the same standard keys (component,
// operation, resource type/name, duration, error) regardless of which
// package emits them.
package logging

import "time"

// Fields is a chainable builder of structured log key/value pairs.
type Fields map[string]any

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

// Component records which subsystem emitted the log line.
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation records the logical operation in progress.
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource records the kind and name of the resource the log line concerns.
// An empty name omits the resource_name key, for log lines about a kind in
// general rather than one specific instance.
func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Duration records an elapsed time in whole milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records err.Error() under the "error" key. A nil err is a no-op, so
// callers can write `.Error(err)` unconditionally at the end of a chain.
func (f Fields) Error(err error) Fields {
	if err == nil {
		return f
	}
	f["error"] = err.Error()
	return f
}

// KeysAndValues flattens Fields into the logr.Logger.WithValues variadic
// form, in unspecified but deterministic-per-call order.
func (f Fields) KeysAndValues() []any {
	out := make([]any, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}
