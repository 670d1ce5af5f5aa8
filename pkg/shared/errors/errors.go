// Package errors provides small, structured error types shared across
// Wasmbed's components so that component, operation and resource context
// survive error wrapping instead of being flattened into an opaque string.
package errors

import "fmt"

// OperationError describes a failure to perform an operation, optionally
// scoped to a component and a resource, wrapping an underlying cause.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += ", component: " + e.Component
	}
	if e.Resource != "" {
		msg += ", resource: " + e.Resource
	}
	if e.Cause != nil {
		msg += ", cause: " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a plain "failed to <action>[: cause]" error.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds a FailedTo error annotated with component and
// resource context, for call sites that want both a wrapped cause and the
// structured OperationError fields.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{
		Operation: action,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Code identifies the stable, machine-readable error codes surfaced on the
// admin HTTP API and in resource status conditions. Codes are namespaced by
// the taxonomy in the error handling design: protocol, policy, store,
// transport, and application failures.
type Code string

const (
	CodeProtocolError      Code = "PROTOCOL_ERROR"
	CodeUnsupportedVersion Code = "UNSUPPORTED_VERSION"
	CodeFrameTooLarge      Code = "FRAME_TOO_LARGE"
	CodeIdentityMismatch   Code = "IDENTITY_MISMATCH"
	CodeNotPaired          Code = "NOT_PAIRED"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
	CodeDuplicateDevice    Code = "DUPLICATE_DEVICE"
	CodePolicyRejected     Code = "POLICY_REJECTED"
	CodeNotConnected       Code = "NOT_CONNECTED"
	CodeQueueFull          Code = "QUEUE_FULL"
	CodeTimeout            Code = "TIMEOUT"
	CodeDisconnected       Code = "DISCONNECTED"
	CodeStoreConflict      Code = "STORE_CONFLICT"
	CodeStoreNotFound      Code = "STORE_NOT_FOUND"
	CodeTargetMissing      Code = "TARGET_MISSING"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// CodedError pairs a stable Code with a human-readable message, the shape
// every admin-surface error response and resource status condition carries.
type CodedError struct {
	Code    Code
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a CodedError.
func New(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}
