package cluster

import (
	"context"

	"golang.org/x/time/rate"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// RateLimited wraps an Interface with a shared token-bucket limiter.
// Callers block on the limiter rather than receive throttling errors, so a
// burst of concurrent syncs queues against the platform instead of failing.
type RateLimited struct {
	inner   Interface
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with the given sustained rate and burst.
func NewRateLimited(inner Interface, qps float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

func (r *RateLimited) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Get(ctx, gvk, namespace, name)
}

func (r *RateLimited) List(ctx context.Context, gvk schema.GroupVersionKind, selector map[string]string) ([]*unstructured.Unstructured, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.List(ctx, gvk, selector)
}

func (r *RateLimited) Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Create(ctx, obj)
}

func (r *RateLimited) Update(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Update(ctx, obj)
}

func (r *RateLimited) Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.Delete(ctx, gvk, namespace, name)
}

// Watch establishes the stream without consuming tokens; events are pushed
// by the platform and need no request budget.
func (r *RateLimited) Watch(ctx context.Context, gvks []schema.GroupVersionKind, selector map[string]string) (Watch, error) {
	return r.inner.Watch(ctx, gvks, selector)
}
