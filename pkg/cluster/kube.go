package cluster

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Kube adapts a Kubernetes API server to the platform Interface using a
// controller-runtime client.
type Kube struct {
	c client.WithWatch
}

// NewKube creates a Kube adapter from a rest config.
func NewKube(cfg *rest.Config) (*Kube, error) {
	c, err := client.NewWithWatch(cfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	return &Kube{c: c}, nil
}

// NewKubeWithClient wraps an existing client, mainly for tests.
func NewKubeWithClient(c client.WithWatch) *Kube {
	return &Kube{c: c}
}

func (k *Kube) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	if err := k.c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (k *Kube) List(ctx context.Context, gvk schema.GroupVersionKind, selector map[string]string) ([]*unstructured.Unstructured, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
	if err := k.c.List(ctx, list, client.MatchingLabels(selector)); err != nil {
		return nil, err
	}
	out := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, &list.Items[i])
	}
	return out, nil
}

func (k *Kube) Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	created := obj.DeepCopy()
	if err := k.c.Create(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (k *Kube) Update(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	updated := obj.DeepCopy()
	if err := k.c.Update(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (k *Kube) Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(namespace)
	obj.SetName(name)
	return k.c.Delete(ctx, obj)
}

// Watch opens one API watch per kind and merges the streams.
func (k *Kube) Watch(ctx context.Context, gvks []schema.GroupVersionKind, selector map[string]string) (Watch, error) {
	merged := &mergedWatch{events: make(chan Event, 256)}

	for _, gvk := range gvks {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

		w, err := k.c.Watch(ctx, list, client.MatchingLabels(selector))
		if err != nil {
			merged.Stop()
			return nil, fmt.Errorf("failed to watch %s: %w", gvk.Kind, err)
		}
		merged.add(w)
	}

	merged.start()
	return merged, nil
}

type mergedWatch struct {
	mu       sync.Mutex
	sources  []apiwatch.Interface
	events   chan Event
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (m *mergedWatch) add(w apiwatch.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, w)
}

func (m *mergedWatch) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		m.wg.Add(1)
		go m.forward(src)
	}
	go func() {
		m.wg.Wait()
		close(m.events)
	}()
}

func (m *mergedWatch) forward(src apiwatch.Interface) {
	defer m.wg.Done()
	for ev := range src.ResultChan() {
		obj, ok := ev.Object.(*unstructured.Unstructured)
		if !ok {
			continue
		}
		var typ EventType
		switch ev.Type {
		case apiwatch.Added:
			typ = Added
		case apiwatch.Modified:
			typ = Modified
		case apiwatch.Deleted:
			typ = Deleted
		default:
			continue
		}
		m.events <- Event{Type: typ, Object: obj}
	}
}

func (m *mergedWatch) Events() <-chan Event { return m.events }

func (m *mergedWatch) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, src := range m.sources {
			src.Stop()
		}
	})
}
