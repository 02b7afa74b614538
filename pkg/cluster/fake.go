package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ReactionFunc can veto a mutation on the fake platform. Returning a non-nil
// error fails the call without changing state.
type ReactionFunc func(verb string, obj *unstructured.Unstructured) error

// Fake is an in-memory implementation of Interface for tests. It assigns
// monotonically increasing resource versions, bumps generation on spec
// changes, and feeds registered watchers on every mutation.
type Fake struct {
	mu       sync.Mutex
	objects  map[objectKey]*unstructured.Unstructured
	version  uint64
	watchers map[*fakeWatch]struct{}
	reactor  ReactionFunc

	// autoReady populates workload status on create/update so readiness
	// checks pass without a separate status writer.
	autoReady bool
}

type objectKey struct {
	group     string
	kind      string
	namespace string
	name      string
}

func keyFor(gvk schema.GroupVersionKind, namespace, name string) objectKey {
	return objectKey{group: gvk.Group, kind: gvk.Kind, namespace: namespace, name: name}
}

// NewFake creates an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		objects:  make(map[objectKey]*unstructured.Unstructured),
		watchers: make(map[*fakeWatch]struct{}),
	}
}

// SetReactor installs a mutation hook. Pass nil to clear.
func (f *Fake) SetReactor(fn ReactionFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactor = fn
}

// SetAutoReady toggles automatic status population for workloads.
func (f *Fake) SetAutoReady(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoReady = v
}

func notFound(gvk schema.GroupVersionKind, name string) error {
	return apierrors.NewNotFound(schema.GroupResource{
		Group:    gvk.Group,
		Resource: strings.ToLower(gvk.Kind) + "s",
	}, name)
}

func (f *Fake) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[keyFor(gvk, namespace, name)]
	if !ok {
		return nil, notFound(gvk, name)
	}
	return obj.DeepCopy(), nil
}

func (f *Fake) List(ctx context.Context, gvk schema.GroupVersionKind, selector map[string]string) ([]*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*unstructured.Unstructured
	for key, obj := range f.objects {
		if key.group != gvk.Group || key.kind != gvk.Kind {
			continue
		}
		if !matchesSelector(obj, selector) {
			continue
		}
		out = append(out, obj.DeepCopy())
	}
	return out, nil
}

func (f *Fake) Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reactor != nil {
		if err := f.reactor("create", obj); err != nil {
			return nil, err
		}
	}

	gvk := obj.GroupVersionKind()
	key := keyFor(gvk, obj.GetNamespace(), obj.GetName())
	if _, exists := f.objects[key]; exists {
		return nil, apierrors.NewAlreadyExists(schema.GroupResource{
			Group:    gvk.Group,
			Resource: strings.ToLower(gvk.Kind) + "s",
		}, obj.GetName())
	}

	stored := obj.DeepCopy()
	f.version++
	stored.SetResourceVersion(strconv.FormatUint(f.version, 10))
	stored.SetGeneration(1)
	if f.autoReady {
		populateReadyStatus(stored)
	}
	f.objects[key] = stored

	f.notifyLocked(Event{Type: Added, Object: stored.DeepCopy()})
	return stored.DeepCopy(), nil
}

func (f *Fake) Update(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reactor != nil {
		if err := f.reactor("update", obj); err != nil {
			return nil, err
		}
	}

	gvk := obj.GroupVersionKind()
	key := keyFor(gvk, obj.GetNamespace(), obj.GetName())
	current, exists := f.objects[key]
	if !exists {
		return nil, notFound(gvk, obj.GetName())
	}

	if rv := obj.GetResourceVersion(); rv != "" && rv != current.GetResourceVersion() {
		return nil, apierrors.NewConflict(schema.GroupResource{
			Group:    gvk.Group,
			Resource: strings.ToLower(gvk.Kind) + "s",
		}, obj.GetName(), fmt.Errorf("resource version %s is stale", rv))
	}

	stored := obj.DeepCopy()
	f.version++
	stored.SetResourceVersion(strconv.FormatUint(f.version, 10))
	stored.SetGeneration(current.GetGeneration() + 1)
	if f.autoReady {
		populateReadyStatus(stored)
	}
	f.objects[key] = stored

	f.notifyLocked(Event{Type: Modified, Object: stored.DeepCopy()})
	return stored.DeepCopy(), nil
}

func (f *Fake) Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyFor(gvk, namespace, name)
	current, exists := f.objects[key]
	if !exists {
		return notFound(gvk, name)
	}

	if f.reactor != nil {
		if err := f.reactor("delete", current); err != nil {
			return err
		}
	}

	delete(f.objects, key)
	f.notifyLocked(Event{Type: Deleted, Object: current.DeepCopy()})
	return nil
}

func (f *Fake) Watch(ctx context.Context, gvks []schema.GroupVersionKind, selector map[string]string) (Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWatch{
		fake:     f,
		gvks:     gvks,
		selector: selector,
		events:   make(chan Event, 256),
	}
	f.watchers[w] = struct{}{}
	return w, nil
}

// notifyLocked fans the event out to matching watchers. Caller holds f.mu.
func (f *Fake) notifyLocked(ev Event) {
	for w := range f.watchers {
		if !w.matches(ev.Object) {
			continue
		}
		select {
		case w.events <- ev:
		default:
			// Watcher is not draining; drop rather than block the
			// store. The observer's poll fallback reconciles misses.
		}
	}
}

type fakeWatch struct {
	fake     *Fake
	gvks     []schema.GroupVersionKind
	selector map[string]string

	stopOnce sync.Once
	events   chan Event
}

func (w *fakeWatch) Events() <-chan Event { return w.events }

func (w *fakeWatch) Stop() {
	w.stopOnce.Do(func() {
		w.fake.mu.Lock()
		delete(w.fake.watchers, w)
		w.fake.mu.Unlock()
		close(w.events)
	})
}

func (w *fakeWatch) matches(obj *unstructured.Unstructured) bool {
	if len(w.gvks) > 0 {
		gvk := obj.GroupVersionKind()
		found := false
		for _, g := range w.gvks {
			if g.Group == gvk.Group && g.Kind == gvk.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return matchesSelector(obj, w.selector)
}

func matchesSelector(obj *unstructured.Unstructured, selector map[string]string) bool {
	labels := obj.GetLabels()
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// populateReadyStatus fills in the status fields the readiness checks look
// at for common workload kinds.
func populateReadyStatus(obj *unstructured.Unstructured) {
	switch obj.GetKind() {
	case "Deployment", "StatefulSet", "ReplicaSet":
		replicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		if !found {
			replicas = 1
		}
		_ = unstructured.SetNestedField(obj.Object, replicas, "status", "replicas")
		_ = unstructured.SetNestedField(obj.Object, replicas, "status", "readyReplicas")
		_ = unstructured.SetNestedField(obj.Object, replicas, "status", "availableReplicas")
		_ = unstructured.SetNestedField(obj.Object, obj.GetGeneration(), "status", "observedGeneration")
	}
}
