// Package storetest provides an in-memory store.Store for controller unit
// tests. The fake wraps a controller-runtime fake client (itself a
// versioned in-memory object tracker) and adds the conflict- and
// latency-injection hooks controller retry-path tests need.
package storetest

import (
	"context"
	"reflect"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/store"
)

// NewScheme builds the runtime.Scheme every Fake (and production binary)
// registers Wasmbed's kinds against, alongside the core Kubernetes types.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		panic(err)
	}
	if err := wasmbedv1alpha1.AddToScheme(scheme); err != nil {
		panic(err)
	}
	return scheme
}

// Fake is an in-memory store.Store for controller unit tests. It is safe
// for concurrent use.
type Fake struct {
	inner store.Store

	mu               sync.Mutex
	latency          time.Duration
	pendingConflicts map[string]int // "Kind/name" -> remaining conflicting writes
}

// New builds a Fake seeded with objs, with status subresources enabled for
// Wasmbed's three kinds (matching how the cluster API server itself
// separates spec and status writes).
func New(objs ...client.Object) *Fake {
	scheme := NewScheme()
	builder := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&wasmbedv1alpha1.Device{}, &wasmbedv1alpha1.Application{}, &wasmbedv1alpha1.Gateway{}).
		WithObjects(objs...)
	return &Fake{
		inner:            store.NewKubeStore(builder.Build()),
		pendingConflicts: make(map[string]int),
	}
}

// SetLatency makes every subsequent call sleep for d before executing,
// simulating a slow cluster store for timeout/backoff tests.
func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	f.latency = d
	f.mu.Unlock()
}

// InjectConflicts makes the next n UpdateSpec/UpdateStatus calls against
// the named resource of kind (e.g. "Device", "Application", "Gateway")
// fail with *store.Conflict, regardless of resourceVersion, letting tests
// exercise a controller's conflict-retry path deterministically.
func (f *Fake) InjectConflicts(kind, name string, n int) {
	f.mu.Lock()
	f.pendingConflicts[kind+"/"+name] = n
	f.mu.Unlock()
}

func typeName(obj client.Object) string {
	t := reflect.TypeOf(obj)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func (f *Fake) delay() {
	f.mu.Lock()
	d := f.latency
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func (f *Fake) consumeConflict(kind, name string) bool {
	key := kind + "/" + name
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.pendingConflicts[key]
	if n <= 0 {
		return false
	}
	f.pendingConflicts[key] = n - 1
	return true
}

func (f *Fake) Get(ctx context.Context, key client.ObjectKey, obj client.Object) error {
	f.delay()
	return f.inner.Get(ctx, key, obj)
}

func (f *Fake) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	f.delay()
	return f.inner.List(ctx, list, opts...)
}

func (f *Fake) Create(ctx context.Context, obj client.Object) error {
	f.delay()
	return f.inner.Create(ctx, obj)
}

func (f *Fake) UpdateSpec(ctx context.Context, obj client.Object) error {
	f.delay()
	kind := typeName(obj)
	if f.consumeConflict(kind, obj.GetName()) {
		return &store.Conflict{Kind: kind, Name: obj.GetName()}
	}
	return f.inner.UpdateSpec(ctx, obj)
}

func (f *Fake) UpdateStatus(ctx context.Context, obj client.Object) error {
	f.delay()
	kind := typeName(obj)
	if f.consumeConflict(kind, obj.GetName()) {
		return &store.Conflict{Kind: kind, Name: obj.GetName()}
	}
	return f.inner.UpdateStatus(ctx, obj)
}

func (f *Fake) Delete(ctx context.Context, obj client.Object) error {
	f.delay()
	return f.inner.Delete(ctx, obj)
}

var _ store.Store = (*Fake)(nil)
