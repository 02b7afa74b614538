package observer

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/cluster"
	"github.com/syncwave-io/syncwave/pkg/diff"
)

var cmGVK = schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}

func configMap(app, name, value string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "prod",
			"labels":    map[string]interface{}{v1alpha1.ApplicationLabel: app},
		},
		"data": map[string]interface{}{"k": value},
	}}
}

func TestRefreshAndSnapshot(t *testing.T) {
	f := cluster.NewFake()
	o := New(f, time.Minute, logr.Discard())
	ctx := context.Background()

	_, err := f.Create(ctx, configMap("demo", "cm-1", "a"))
	require.NoError(t, err)
	_, err = f.Create(ctx, configMap("other", "cm-2", "b"))
	require.NoError(t, err)

	// Refresh works without Start; rollback runs one-shot this way.
	o.Track("demo", []schema.GroupVersionKind{cmGVK})
	require.NoError(t, o.Refresh(ctx, "demo"))

	snap := o.Snapshot("demo")
	require.Len(t, snap, 1)
	assert.Equal(t, "cm-1", snap[0].GetName())

	// Snapshots are copies; mutating one does not corrupt the mirror.
	snap[0].SetName("mutated")
	snap2 := o.Snapshot("demo")
	require.Len(t, snap2, 1)
	assert.Equal(t, "cm-1", snap2[0].GetName())
}

func TestSnapshotUntrackedApp(t *testing.T) {
	o := New(cluster.NewFake(), time.Minute, logr.Discard())
	assert.Nil(t, o.Snapshot("nobody"))
	assert.NoError(t, o.Refresh(context.Background(), "nobody"))
}

func TestWatchEventsUpdateMirror(t *testing.T) {
	f := cluster.NewFake()
	o := New(f, time.Minute, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Track("demo", []schema.GroupVersionKind{cmGVK})
	sub := o.Subscribe("demo")
	go o.Start(ctx)

	_, err := f.Create(ctx, configMap("demo", "cm-1", "a"))
	require.NoError(t, err)

	waitForPing(t, sub)
	require.Eventually(t, func() bool {
		return len(o.Snapshot("demo")) == 1
	}, time.Second, 5*time.Millisecond)

	// Deletion propagates too.
	require.NoError(t, f.Delete(ctx, cmGVK, "prod", "cm-1"))
	require.Eventually(t, func() bool {
		return len(o.Snapshot("demo")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTrackAfterStart(t *testing.T) {
	f := cluster.NewFake()
	o := New(f, time.Minute, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Start(ctx)

	_, err := f.Create(ctx, configMap("late", "cm-9", "x"))
	require.NoError(t, err)

	// Give Start a moment to install the run context.
	time.Sleep(10 * time.Millisecond)
	o.Track("late", []schema.GroupVersionKind{cmGVK})

	require.Eventually(t, func() bool {
		return len(o.Snapshot("late")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMirrorDropsStaleEvents(t *testing.T) {
	m := &mirror{
		app:       "demo",
		resources: make(map[v1alpha1.ResourceRef]*unstructured.Unstructured),
		restart:   make(chan struct{}, 1),
	}

	fresh := configMap("demo", "cm", "new")
	fresh.SetResourceVersion("10")
	m.apply(cluster.Event{Type: cluster.Added, Object: fresh})

	stale := configMap("demo", "cm", "old")
	stale.SetResourceVersion("4")
	m.apply(cluster.Event{Type: cluster.Modified, Object: stale})

	snap := m.snapshot()
	require.Len(t, snap, 1)
	v, _, _ := unstructured.NestedString(snap[0].Object, "data", "k")
	assert.Equal(t, "new", v)

	// A stale delete is discarded as well.
	m.apply(cluster.Event{Type: cluster.Deleted, Object: stale})
	assert.Len(t, m.snapshot(), 1)
}

func TestMirrorAppliesDeleteAtFinalVersion(t *testing.T) {
	m := &mirror{
		app:       "demo",
		resources: make(map[v1alpha1.ResourceRef]*unstructured.Unstructured),
		restart:   make(chan struct{}, 1),
	}

	obj := configMap("demo", "cm", "v")
	obj.SetResourceVersion("7")
	m.apply(cluster.Event{Type: cluster.Added, Object: obj})
	require.Len(t, m.snapshot(), 1)

	// A delete notification carries the object's final state, at the same
	// version the mirror already holds.
	m.apply(cluster.Event{Type: cluster.Deleted, Object: obj.DeepCopy()})
	assert.Empty(t, m.snapshot())

	// Deleting an object the mirror never held is a no-op.
	m.apply(cluster.Event{Type: cluster.Deleted, Object: obj.DeepCopy()})
	assert.Empty(t, m.snapshot())
}

func TestPollDoesNotRegressNewerState(t *testing.T) {
	m := &mirror{
		app:       "demo",
		resources: make(map[v1alpha1.ResourceRef]*unstructured.Unstructured),
		restart:   make(chan struct{}, 1),
	}

	fresh := configMap("demo", "cm", "new")
	fresh.SetResourceVersion("10")
	m.apply(cluster.Event{Type: cluster.Added, Object: fresh})

	// A listing taken before the watch event was applied reports older
	// state; folding it in must not step the mirror backwards.
	stale := configMap("demo", "cm", "old")
	stale.SetResourceVersion("4")
	m.replace(map[v1alpha1.ResourceRef]*unstructured.Unstructured{
		diff.RefOf(stale): stale,
	})

	snap := m.snapshot()
	require.Len(t, snap, 1)
	v, _, _ := unstructured.NestedString(snap[0].Object, "data", "k")
	assert.Equal(t, "new", v)

	// Resources absent from the listing are still dropped.
	m.replace(map[v1alpha1.ResourceRef]*unstructured.Unstructured{})
	assert.Empty(t, m.snapshot())
}

func TestNewerVersion(t *testing.T) {
	withRV := func(rv string) *unstructured.Unstructured {
		obj := configMap("demo", "cm", "v")
		obj.SetResourceVersion(rv)
		return obj
	}

	assert.True(t, newerVersion(withRV("11"), withRV("10")))
	assert.False(t, newerVersion(withRV("10"), withRV("10")))
	assert.False(t, newerVersion(withRV("9"), withRV("10")))
	// Non-numeric versions carry no ordering; always accepted.
	assert.True(t, newerVersion(withRV("abc"), withRV("10")))
}

func waitForPing(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mirror notification")
	}
}
