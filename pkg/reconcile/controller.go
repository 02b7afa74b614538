package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/config"
	"github.com/syncwave-io/syncwave/pkg/metrics"
	"github.com/syncwave-io/syncwave/pkg/observer"
)

// Trigger identifies what requested a sync.
type Trigger string

// Sync triggers.
const (
	TriggerPoll     Trigger = "poll"
	TriggerRevision Trigger = "revision"
	TriggerManual   Trigger = "manual"
	TriggerDrift    Trigger = "drift"
	TriggerRetry    Trigger = "retry"
)

// Controller drives the reconciliation loop for every configured
// Application. Applications reconcile independently and in parallel, bounded
// by a global semaphore; within one Application, cycles are strictly
// sequential.
type Controller struct {
	cfg        *config.Config
	reconciler *Reconciler
	observer   *observer.Observer
	clock      clock.PassiveClock
	log        logr.Logger

	// sem bounds concurrently syncing Applications.
	sem *semaphore.Weighted

	mu      sync.RWMutex
	workers map[string]*appWorker
}

// appWorker holds the per-Application loop state.
type appWorker struct {
	app v1alpha1.Application

	mu      sync.Mutex
	syncing bool
	// pending coalesces triggers arriving while a sync is in flight:
	// however many arrive, exactly one follow-up cycle runs.
	pending Trigger
	trigger Trigger
	status  v1alpha1.ApplicationStatus

	// desired caches the last rendered desired state for cheap drift
	// checks against observer snapshots.
	desired []*unstructured.Unstructured

	failures int

	wake chan struct{}
}

// NewController creates the controller for the configured Applications.
func NewController(cfg *config.Config, rec *Reconciler, obs *observer.Observer, log logr.Logger) *Controller {
	c := &Controller{
		cfg:        cfg,
		reconciler: rec,
		observer:   obs,
		clock:      clock.RealClock{},
		log:        log.WithName("controller"),
		sem:        semaphore.NewWeighted(int64(cfg.Controller.MaxConcurrentSyncs)),
		workers:    make(map[string]*appWorker),
	}
	for i := range cfg.Applications {
		app := cfg.Applications[i]
		c.workers[app.Name] = &appWorker{
			app:    app,
			status: v1alpha1.ApplicationStatus{Phase: v1alpha1.AppIdle},
			wake:   make(chan struct{}, 1),
		}
	}
	return c
}

// Start runs every Application worker until ctx is done. Each Application
// gets an immediate initial sync.
func (c *Controller) Start(ctx context.Context) {
	c.mu.RLock()
	workers := make([]*appWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *appWorker) {
			defer wg.Done()
			c.requestSync(w, TriggerManual)
			c.runWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

// TriggerSync requests a manual sync for the Application.
func (c *Controller) TriggerSync(app string) error {
	w := c.worker(app)
	if w == nil {
		return fmt.Errorf("unknown application %q", app)
	}
	c.requestSync(w, TriggerManual)
	return nil
}

// TriggerRepo requests syncs for every Application sourced from repoURL,
// typically on a new-revision notification.
func (c *Controller) TriggerRepo(repoURL string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, w := range c.workers {
		if w.app.Source.RepoURL == repoURL {
			c.requestSync(w, TriggerRevision)
		}
	}
}

// TriggerAll requests syncs for every Application.
func (c *Controller) TriggerAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, w := range c.workers {
		c.requestSync(w, TriggerRevision)
	}
}

// Status returns the Application's current status.
func (c *Controller) Status(app string) (v1alpha1.ApplicationStatus, bool) {
	w := c.worker(app)
	if w == nil {
		return v1alpha1.ApplicationStatus{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, true
}

func (c *Controller) worker(app string) *appWorker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workers[app]
}

// requestSync wakes the worker, or marks exactly one pending follow-up when
// a sync is already in flight. An in-flight sync is never cancelled.
func (c *Controller) requestSync(w *appWorker, tr Trigger) {
	w.mu.Lock()
	if w.syncing {
		if w.pending == "" {
			w.pending = tr
		}
		w.mu.Unlock()
		return
	}
	w.trigger = tr
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runWorker is the per-Application loop: poll timer, drift ticks, observer
// pings, and explicit wake-ups all funnel into sequential sync cycles.
func (c *Controller) runWorker(ctx context.Context, w *appWorker) {
	pollTicker := time.NewTicker(c.cfg.Controller.PollInterval)
	defer pollTicker.Stop()

	driftTicker := time.NewTicker(c.cfg.Controller.DriftInterval)
	defer driftTicker.Stop()

	obsCh := c.observer.Subscribe(w.app.Name)

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollTicker.C:
			c.requestSync(w, TriggerPoll)

		case <-driftTicker.C:
			c.checkDrift(w)

		case <-obsCh:
			c.checkDrift(w)

		case <-w.wake:
			c.syncUntilSettled(ctx, w)
		}
	}
}

// syncUntilSettled runs one cycle plus at most the single coalesced
// follow-up cycles requested while syncing.
func (c *Controller) syncUntilSettled(ctx context.Context, w *appWorker) {
	for {
		w.mu.Lock()
		tr := w.trigger
		w.syncing = true
		w.status.Phase = v1alpha1.AppSyncing
		w.mu.Unlock()

		c.syncOnce(ctx, w, tr)

		w.mu.Lock()
		w.syncing = false
		pending := w.pending
		w.pending = ""
		if pending != "" {
			w.trigger = pending
		}
		w.mu.Unlock()

		if pending == "" || ctx.Err() != nil {
			return
		}
	}
}

// syncOnce acquires the global slot and runs one reconciliation cycle,
// folding the outcome into the Application status.
func (c *Controller) syncOnce(ctx context.Context, w *appWorker, tr Trigger) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	log := c.log.WithValues("app", w.app.Name, "trigger", tr)
	log.V(1).Info("starting reconciliation cycle")

	outcome, err := c.reconciler.Reconcile(ctx, &w.app)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastSyncTime = c.clock.Now()

	if err != nil {
		w.failures++
		w.status.Phase = v1alpha1.AppFailed
		w.status.Message = err.Error()
		log.Error(err, "reconciliation cycle failed", "consecutiveFailures", w.failures)
		c.scheduleRetry(w)
		return
	}

	w.desired = outcome.Desired
	w.status.SyncedRevision = outcome.Revision

	if outcome.Op == nil {
		w.failures = 0
		w.status.Phase = v1alpha1.AppSynced
		w.status.Message = ""
		return
	}

	w.status.OperationID = outcome.Op.ID
	switch outcome.Op.Phase {
	case v1alpha1.OperationSucceeded:
		w.failures = 0
		w.status.Phase = v1alpha1.AppSynced
		w.status.Message = ""
	default:
		w.failures++
		w.status.Phase = v1alpha1.AppFailed
		w.status.Message = outcome.Op.Message
		c.scheduleRetry(w)
	}
}

// scheduleRetry arms a delayed re-sync after a failed cycle, with
// exponential backoff on consecutive failures. Caller holds w.mu.
func (c *Controller) scheduleRetry(w *appWorker) {
	retry := c.cfg.Controller.Retry
	delay := retry.InitialBackoff
	for i := 1; i < w.failures && delay < retry.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > retry.MaxBackoff {
		delay = retry.MaxBackoff
	}
	delay = wait.Jitter(delay, 0.25)

	time.AfterFunc(delay, func() {
		c.requestSync(w, TriggerRetry)
	})
}

// checkDrift compares the cached desired state against the live snapshot.
// Detected drift moves a Synced Application to OutOfSync; with self-heal
// enabled it also triggers an immediate sync instead of waiting for the
// poll timer.
func (c *Controller) checkDrift(w *appWorker) {
	w.mu.Lock()
	if w.syncing || len(w.desired) == 0 || w.status.Phase != v1alpha1.AppSynced {
		w.mu.Unlock()
		return
	}
	desired := w.desired
	w.mu.Unlock()

	actual := c.observer.Snapshot(w.app.Name)
	diffs, err := c.reconciler.differ.Diff(desired, actual)
	if err != nil {
		c.log.Error(err, "drift check failed", "app", w.app.Name)
		return
	}
	if !needsSync(diffs, w.app.SyncPolicy.Prune) {
		return
	}

	w.mu.Lock()
	w.status.Phase = v1alpha1.AppOutOfSync
	w.status.Message = "drift detected"
	w.mu.Unlock()

	metrics.DriftDetections.WithLabelValues(w.app.Name).Inc()
	c.log.Info("drift detected", "app", w.app.Name, "selfHeal", w.app.SyncPolicy.SelfHeal)

	if w.app.SyncPolicy.SelfHeal {
		c.requestSync(w, TriggerDrift)
	}
}
