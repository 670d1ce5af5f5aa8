package store

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// kubeStore is the production Store implementation, backed by a real
// controller-runtime client.Client talking to the cluster API server.
type kubeStore struct {
	c client.Client
}

// NewKubeStore wraps c as a Store, translating apierrors into this
// package's Conflict/NotFound/AlreadyExists types so callers never need
// to import k8s.io/apimachinery/pkg/api/errors directly.
func NewKubeStore(c client.Client) Store {
	return &kubeStore{c: c}
}

func (s *kubeStore) Get(ctx context.Context, key client.ObjectKey, obj client.Object) error {
	if err := s.c.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return &NotFound{Kind: kindOf(obj), Name: key.Name}
		}
		return err
	}
	return nil
}

func (s *kubeStore) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	return s.c.List(ctx, list, opts...)
}

func (s *kubeStore) Create(ctx context.Context, obj client.Object) error {
	if err := s.c.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return &AlreadyExists{Kind: kindOf(obj), Name: obj.GetName()}
		}
		return err
	}
	return nil
}

func (s *kubeStore) UpdateSpec(ctx context.Context, obj client.Object) error {
	if err := s.c.Update(ctx, obj); err != nil {
		return translateWriteErr(obj, err)
	}
	return nil
}

func (s *kubeStore) UpdateStatus(ctx context.Context, obj client.Object) error {
	if err := s.c.Status().Update(ctx, obj); err != nil {
		return translateWriteErr(obj, err)
	}
	return nil
}

func (s *kubeStore) Delete(ctx context.Context, obj client.Object) error {
	if err := s.c.Delete(ctx, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return &NotFound{Kind: kindOf(obj), Name: obj.GetName()}
		}
		return err
	}
	return nil
}

func translateWriteErr(obj client.Object, err error) error {
	switch {
	case apierrors.IsConflict(err):
		return &Conflict{Kind: kindOf(obj), Name: obj.GetName()}
	case apierrors.IsNotFound(err):
		return &NotFound{Kind: kindOf(obj), Name: obj.GetName()}
	default:
		return err
	}
}

var _ Store = (*kubeStore)(nil)
