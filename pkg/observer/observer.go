// Package observer maintains eventually-consistent mirrors of live resource
// state, one per Application, fed by watch events with a reconciling poll
// fallback.
package observer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/cluster"
	"github.com/syncwave-io/syncwave/pkg/diff"
)

const (
	reconnectInitialBackoff = time.Second
	reconnectMaxBackoff     = 30 * time.Second
)

// Observer mirrors live state for tracked Applications. Snapshots are
// refreshed by watch events as they arrive and by a full poll every poll
// interval, so a snapshot is never older than one poll interval.
type Observer struct {
	client       cluster.Interface
	pollInterval time.Duration
	log          logr.Logger

	mu   sync.RWMutex
	apps map[string]*mirror

	// runCtx is non-nil once Start has been called.
	runCtx context.Context
}

// mirror is the per-Application live state.
type mirror struct {
	app  string
	gvks []schema.GroupVersionKind

	mu        sync.RWMutex
	resources map[v1alpha1.ResourceRef]*unstructured.Unstructured

	// restart is signaled when the tracked kind set changes and the watch
	// must be re-established.
	restart chan struct{}

	// subscribers are pinged on every mirror mutation.
	subscribers []chan struct{}
}

// New creates an Observer.
func New(client cluster.Interface, pollInterval time.Duration, log logr.Logger) *Observer {
	return &Observer{
		client:       client,
		pollInterval: pollInterval,
		log:          log.WithName("observer"),
		apps:         make(map[string]*mirror),
	}
}

// Start runs the observer until ctx is done. Applications tracked before or
// after Start are picked up either way.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	mirrors := make([]*mirror, 0, len(o.apps))
	for _, m := range o.apps {
		mirrors = append(mirrors, m)
	}
	o.mu.Unlock()

	for _, m := range mirrors {
		go o.run(ctx, m)
	}
	<-ctx.Done()
}

// Track registers an Application and the resource kinds to mirror for it.
// Calling Track again extends the kind set; the watch is re-established
// when new kinds appear.
func (o *Observer) Track(app string, gvks []schema.GroupVersionKind) {
	o.mu.Lock()
	m, ok := o.apps[app]
	if !ok {
		m = &mirror{
			app:       app,
			resources: make(map[v1alpha1.ResourceRef]*unstructured.Unstructured),
			restart:   make(chan struct{}, 1),
		}
		o.apps[app] = m
		if o.runCtx != nil {
			go o.run(o.runCtx, m)
		}
	}
	o.mu.Unlock()

	if m.extendKinds(gvks) {
		select {
		case m.restart <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns a copy of the current live state for the Application.
// Non-blocking; never hits the platform API.
func (o *Observer) Snapshot(app string) []*unstructured.Unstructured {
	o.mu.RLock()
	m, ok := o.apps[app]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.snapshot()
}

// Subscribe returns a channel pinged whenever the Application's mirror
// changes. Used by the reconciliation loop for drift ticks.
func (o *Observer) Subscribe(app string) <-chan struct{} {
	o.mu.Lock()
	m, ok := o.apps[app]
	if !ok {
		m = &mirror{
			app:       app,
			resources: make(map[v1alpha1.ResourceRef]*unstructured.Unstructured),
			restart:   make(chan struct{}, 1),
		}
		o.apps[app] = m
		if o.runCtx != nil {
			go o.run(o.runCtx, m)
		}
	}
	o.mu.Unlock()

	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Refresh forces a full poll for the Application, bounding staleness before
// a sync computes its plan.
func (o *Observer) Refresh(ctx context.Context, app string) error {
	o.mu.RLock()
	m, ok := o.apps[app]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	return o.poll(ctx, m)
}

// run keeps one watch session alive per Application, reconnecting with
// backoff. Observation must never silently stop.
func (o *Observer) run(ctx context.Context, m *mirror) {
	backoff := reconnectInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := o.watchSession(ctx, m)
		if err == nil {
			// Clean restart (kind set changed).
			backoff = reconnectInitialBackoff
			continue
		}

		o.log.Error(err, "watch session failed, reconnecting", "app", m.app, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMaxBackoff)
	}
}

// watchSession primes the mirror with a full poll, then consumes watch
// events with a reconciling poll on every poll interval. Returns nil when
// the kind set changed and the session must restart.
func (o *Observer) watchSession(ctx context.Context, m *mirror) error {
	gvks := m.kinds()
	if len(gvks) == 0 {
		// Nothing to watch yet; wait for Track.
		select {
		case <-ctx.Done():
			return nil
		case <-m.restart:
			return nil
		}
	}

	selector := map[string]string{v1alpha1.ApplicationLabel: m.app}
	w, err := o.client.Watch(ctx, gvks, selector)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := o.poll(ctx, m); err != nil {
		return err
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-m.restart:
			return nil

		case <-ticker.C:
			if err := o.poll(ctx, m); err != nil {
				return err
			}

		case ev, ok := <-w.Events():
			if !ok {
				return context.Canceled // stream ended, reconnect
			}
			m.apply(ev)
		}
	}
}

// poll lists every tracked kind and reconciles the mirror against the
// result.
func (o *Observer) poll(ctx context.Context, m *mirror) error {
	selector := map[string]string{v1alpha1.ApplicationLabel: m.app}
	fresh := make(map[v1alpha1.ResourceRef]*unstructured.Unstructured)

	for _, gvk := range m.kinds() {
		objs, err := o.client.List(ctx, gvk, selector)
		if err != nil {
			return err
		}
		for _, obj := range objs {
			fresh[diff.RefOf(obj)] = obj
		}
	}

	m.replace(fresh)
	return nil
}

func (m *mirror) extendKinds(gvks []schema.GroupVersionKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, gvk := range gvks {
		found := false
		for _, have := range m.gvks {
			if have == gvk {
				found = true
				break
			}
		}
		if !found {
			m.gvks = append(m.gvks, gvk)
			changed = true
		}
	}
	return changed
}

func (m *mirror) kinds() []schema.GroupVersionKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.GroupVersionKind, len(m.gvks))
	copy(out, m.gvks)
	return out
}

// apply folds one watch event into the mirror. Versions are compared
// numerically per resource, so duplicated and reordered events are both
// discarded. A delete notification carries the object's final state, whose
// version equals the stored one, so for deletes only strictly older events
// are stale.
func (m *mirror) apply(ev cluster.Event) {
	if ev.Object == nil {
		return
	}
	ref := diff.RefOf(ev.Object)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case cluster.Deleted:
		current, ok := m.resources[ref]
		if !ok || olderVersion(ev.Object, current) {
			return
		}
		delete(m.resources, ref)
	default:
		if current, ok := m.resources[ref]; ok && !newerVersion(ev.Object, current) {
			return
		}
		m.resources[ref] = ev.Object.DeepCopy()
	}
	m.notifyLocked()
}

// replace reconciles the mirror against a full poll listing. A listing can
// race a watch event that was already applied, so stored objects with a
// newer version than the listed one are kept.
func (m *mirror) replace(fresh map[v1alpha1.ResourceRef]*unstructured.Unstructured) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[v1alpha1.ResourceRef]*unstructured.Unstructured, len(fresh))
	for ref, obj := range fresh {
		if current, ok := m.resources[ref]; ok && olderVersion(obj, current) {
			merged[ref] = current
			continue
		}
		merged[ref] = obj
	}
	m.resources = merged
	m.notifyLocked()
}

func (m *mirror) snapshot() []*unstructured.Unstructured {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*unstructured.Unstructured, 0, len(m.resources))
	for _, obj := range m.resources {
		out = append(out, obj.DeepCopy())
	}
	return out
}

func (m *mirror) notifyLocked() {
	for _, ch := range m.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// newerVersion compares resource versions numerically. Non-numeric versions
// are treated as newer, since no ordering can be derived from them.
func newerVersion(incoming, stored *unstructured.Unstructured) bool {
	in, err1 := strconv.ParseUint(incoming.GetResourceVersion(), 10, 64)
	st, err2 := strconv.ParseUint(stored.GetResourceVersion(), 10, 64)
	if err1 != nil || err2 != nil {
		return true
	}
	return in > st
}

// olderVersion reports whether incoming is strictly older than stored. Only
// numerically comparable versions can be ordered.
func olderVersion(incoming, stored *unstructured.Unstructured) bool {
	in, err1 := strconv.ParseUint(incoming.GetResourceVersion(), 10, 64)
	st, err2 := strconv.ParseUint(stored.GetResourceVersion(), 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	return in < st
}
