// Package store is the Resource Store Adapter: a thin, synchronous
// contract over the cluster API that every controller goes through
// instead of a client.Client directly, so unit tests can substitute an
// in-memory fake (see storetest) with injectable conflict and latency
// behavior.
package store

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Finalizer is added to every resource kind this adapter manages,
// blocking removal until the owning controller has released whatever
// runtime state (an open Session, an in-flight deploy) the resource
// depends on.
const Finalizer = "wasmbed.io/finalizer"

// Conflict reports that a Update/UpdateStatus call's resourceVersion no
// longer matches the stored object. The adapter never retries internally;
// callers decide whether and how to re-read and retry.
type Conflict struct {
	Kind string
	Name string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("store: conflict updating %s %q", e.Kind, e.Name)
}

// NotFound reports that the requested resource does not exist.
type NotFound struct {
	Kind string
	Name string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("store: %s %q not found", e.Kind, e.Name)
}

// AlreadyExists reports that Create targeted a name already in use.
type AlreadyExists struct {
	Kind string
	Name string
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("store: %s %q already exists", e.Kind, e.Name)
}

// Store is the adapter surface: get/patch/create/delete of custom
// resources, preserving optimistic-concurrency semantics on every write.
type Store interface {
	// Get populates obj with the current state of the named resource.
	Get(ctx context.Context, key client.ObjectKey, obj client.Object) error

	// List populates list with every resource of its kind matching opts.
	List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error

	// Create persists a brand new resource, failing with *AlreadyExists if
	// the name is taken.
	Create(ctx context.Context, obj client.Object) error

	// UpdateSpec persists obj's metadata and spec against the
	// resourceVersion obj was read at, failing with *Conflict if the
	// stored resource has moved on, or *NotFound if it is gone.
	UpdateSpec(ctx context.Context, obj client.Object) error

	// UpdateStatus persists obj's status subresource against the
	// resourceVersion obj was read at, with the same failure modes as
	// UpdateSpec.
	UpdateStatus(ctx context.Context, obj client.Object) error

	// Delete removes the resource, failing with *NotFound if it is
	// already gone.
	Delete(ctx context.Context, obj client.Object) error
}

func kindOf(obj client.Object) string {
	if gvk := obj.GetObjectKind().GroupVersionKind(); gvk.Kind != "" {
		return gvk.Kind
	}
	return fmt.Sprintf("%T", obj)
}
