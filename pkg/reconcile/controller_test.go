package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/config"
)

func newTestController(t *testing.T, h *harness) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.Controller.Retry.InitialBackoff = time.Millisecond
	cfg.Controller.Retry.MaxBackoff = 2 * time.Millisecond
	cfg.Applications = []v1alpha1.Application{h.appSpec}
	return NewController(cfg, h.rec, h.obs, logr.Discard())
}

func resolveCount(h *harness) int {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	return h.repo.resolves
}

func TestRequestSyncCoalesces(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	// While a sync is in flight, any number of triggers collapse into one
	// pending follow-up; the in-flight sync is never cancelled.
	w.mu.Lock()
	w.syncing = true
	w.mu.Unlock()

	c.requestSync(w, TriggerRevision)
	c.requestSync(w, TriggerDrift)
	c.requestSync(w, TriggerManual)

	w.mu.Lock()
	assert.Equal(t, TriggerRevision, w.pending, "first trigger wins, later ones fold into it")
	w.mu.Unlock()

	select {
	case <-w.wake:
		t.Fatal("no wake-up may be sent while syncing")
	default:
	}
}

func TestSyncUntilSettledRunsPendingFollowUp(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	w.mu.Lock()
	w.trigger = TriggerManual
	w.pending = TriggerRevision
	w.mu.Unlock()

	c.syncUntilSettled(context.Background(), w)

	// Exactly two cycles ran: the original plus one coalesced follow-up.
	assert.Equal(t, 2, resolveCount(h))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.False(t, w.syncing)
	assert.Empty(t, w.pending)
	assert.Equal(t, v1alpha1.AppSynced, w.status.Phase)
	assert.Equal(t, "rev-1", w.status.SyncedRevision)
}

func TestSyncOnceUpdatesStatus(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	c.syncOnce(context.Background(), w, TriggerManual)

	status, ok := c.Status("demo")
	require.True(t, ok)
	assert.Equal(t, v1alpha1.AppSynced, status.Phase)
	assert.Equal(t, "rev-1", status.SyncedRevision)
	assert.NotEmpty(t, status.OperationID)
	assert.False(t, status.LastSyncTime.IsZero())

	_, ok = c.Status("unknown")
	assert.False(t, ok)
}

func TestSyncOnceFailureSetsFailedStatus(t *testing.T) {
	h := newHarness(t)
	h.appSpec.Source.TargetRevision = "no-such-branch"
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	c.syncOnce(context.Background(), w, TriggerManual)

	status, ok := c.Status("demo")
	require.True(t, ok)
	assert.Equal(t, v1alpha1.AppFailed, status.Phase)
	assert.Contains(t, status.Message, "no-such-branch")

	w.mu.Lock()
	assert.Equal(t, 1, w.failures)
	w.mu.Unlock()
}

func TestTriggerSync(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)

	require.NoError(t, c.TriggerSync("demo"))
	assert.Error(t, c.TriggerSync("unknown"))

	w := c.worker("demo")
	select {
	case <-w.wake:
	default:
		t.Fatal("expected a wake-up for the idle worker")
	}
	w.mu.Lock()
	assert.Equal(t, TriggerManual, w.trigger)
	w.mu.Unlock()
}

func TestTriggerRepoMatchesSource(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)

	c.TriggerRepo("mem://other")
	w := c.worker("demo")
	select {
	case <-w.wake:
		t.Fatal("unrelated repository must not wake the worker")
	default:
	}

	c.TriggerRepo("mem://repo")
	select {
	case <-w.wake:
	default:
		t.Fatal("expected a wake-up for the matching repository")
	}
}

func TestCheckDriftSelfHeals(t *testing.T) {
	h := newHarness(t)
	h.appSpec.SyncPolicy.SelfHeal = true
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	c.syncOnce(context.Background(), w, TriggerManual)
	drainWake(w)

	// Someone scales the deployment out-of-band.
	live, err := h.fake.Get(context.Background(), depGVK, "prod", "web")
	require.NoError(t, err)
	require.NoError(t, unstructured.SetNestedField(live.Object, int64(9), "spec", "replicas"))
	_, err = h.fake.Update(context.Background(), live)
	require.NoError(t, err)
	require.NoError(t, h.obs.Refresh(context.Background(), "demo"))

	c.checkDrift(w)

	status, _ := c.Status("demo")
	assert.Equal(t, v1alpha1.AppOutOfSync, status.Phase)
	assert.Equal(t, "drift detected", status.Message)

	select {
	case <-w.wake:
	default:
		t.Fatal("self-heal should trigger an immediate sync")
	}
	w.mu.Lock()
	assert.Equal(t, TriggerDrift, w.trigger)
	w.mu.Unlock()
}

func TestCheckDriftWithoutSelfHealOnlyReports(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	c.syncOnce(context.Background(), w, TriggerManual)
	drainWake(w)

	live, err := h.fake.Get(context.Background(), depGVK, "prod", "web")
	require.NoError(t, err)
	require.NoError(t, unstructured.SetNestedField(live.Object, int64(9), "spec", "replicas"))
	_, err = h.fake.Update(context.Background(), live)
	require.NoError(t, err)
	require.NoError(t, h.obs.Refresh(context.Background(), "demo"))

	c.checkDrift(w)

	status, _ := c.Status("demo")
	assert.Equal(t, v1alpha1.AppOutOfSync, status.Phase)

	select {
	case <-w.wake:
		t.Fatal("without self-heal drift must not trigger a sync")
	default:
	}
}

func TestCheckDriftIgnoresUnsyncedApps(t *testing.T) {
	h := newHarness(t)
	c := newTestController(t, h)
	w := c.worker("demo")
	require.NotNil(t, w)

	// Never synced: no cached desired state, nothing to compare.
	c.checkDrift(w)
	status, _ := c.Status("demo")
	assert.Equal(t, v1alpha1.AppIdle, status.Phase)
}

func drainWake(w *appWorker) {
	select {
	case <-w.wake:
	default:
	}
}
