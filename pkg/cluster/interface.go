// Package cluster abstracts the target execution platform: a declarative
// resource API with get/list/create/update/delete and watch semantics.
package cluster

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// EventType classifies a watch event.
type EventType string

// Watch event types.
const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
)

// Event is a single change notification from the platform.
type Event struct {
	Type   EventType
	Object *unstructured.Unstructured
}

// Watch is a stream of events. Stop releases the stream; Events is closed
// afterwards.
type Watch interface {
	Events() <-chan Event
	Stop()
}

// Interface is the declarative resource API of the target platform.
// Not-found conditions are reported as Kubernetes-style NotFound errors so
// callers can test them with apierrors.IsNotFound.
type Interface interface {
	Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error)
	List(ctx context.Context, gvk schema.GroupVersionKind, selector map[string]string) ([]*unstructured.Unstructured, error)
	Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Update(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) error

	// Watch streams events for resources matching the label selector
	// across the given kinds.
	Watch(ctx context.Context, gvks []schema.GroupVersionKind, selector map[string]string) (Watch, error)
}
