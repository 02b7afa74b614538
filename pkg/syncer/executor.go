// Package syncer applies ordered resource operations to converge actual
// state toward desired state.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/cluster"
	"github.com/syncwave-io/syncwave/pkg/diff"
)

// Options control a single sync.
type Options struct {
	// Prune deletes orphaned resources. Without it orphans are only
	// reported, never deleted.
	Prune bool

	// DryRun computes and records actions without touching the platform.
	DryRun bool

	// Force resolves immutable-field rejections by delete-and-recreate.
	Force bool
}

// Config tunes the executor.
type Config struct {
	// FanOut bounds concurrent applies within one wave.
	FanOut int

	// MaxAttempts bounds apply attempts per resource per sync.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the retry delay. Jitter is
	// always applied to avoid thundering herds against the platform.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ReadinessTimeout bounds the post-apply wait per resource; exceeding
	// it marks the resource Degraded without blocking others.
	ReadinessTimeout time.Duration

	// ReadinessPoll is the poll cadence during the readiness wait.
	ReadinessPoll time.Duration
}

// Executor applies sync plans.
type Executor struct {
	client cluster.Interface
	cfg    Config
	clock  clock.Clock
	log    logr.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		e.clock = c
	}
}

// New creates an Executor.
func New(client cluster.Interface, cfg Config, log logr.Logger, opts ...Option) *Executor {
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.ReadinessTimeout == 0 {
		cfg.ReadinessTimeout = 2 * time.Minute
	}
	if cfg.ReadinessPoll == 0 {
		cfg.ReadinessPoll = 500 * time.Millisecond
	}

	e := &Executor{
		client: client,
		cfg:    cfg,
		clock:  clock.RealClock{},
		log:    log.WithName("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply executes the diffs as one SyncOperation. Resource failures are
// scoped: a failed resource blocks only resources that declare a dependency
// on it, everything else proceeds. The returned operation is complete and
// ready for the history store.
func (e *Executor) Apply(ctx context.Context, app, revision string, diffs []diff.ResourceDiff, opts Options) *v1alpha1.SyncOperation {
	op := &v1alpha1.SyncOperation{
		ID:          uuid.NewString(),
		Application: app,
		Revision:    revision,
		Phase:       v1alpha1.OperationRunning,
		DryRun:      opts.DryRun,
		StartedAt:   e.clock.Now(),
	}

	p, err := buildPlan(diffs)
	if err != nil {
		// A broken plan means nothing is applied at all.
		op.Phase = v1alpha1.OperationFailed
		op.Message = fmt.Sprintf("plan failed: %v", err)
		op.FinishedAt = e.clock.Now()
		return op
	}

	sink := newResultSink()

	for _, w := range p.waves {
		var g errgroup.Group
		g.SetLimit(e.cfg.FanOut)

		for _, item := range w.items {
			if item.Type == diff.InSync {
				sink.record(v1alpha1.ResourceResult{
					Ref:    item.Ref,
					Action: v1alpha1.ActionNone,
					Status: v1alpha1.ResultSynced,
				})
				continue
			}

			if blocked, dep := sink.blockedBy(p.deps, item.Ref); blocked {
				sink.fail(item.Ref, v1alpha1.ResourceResult{
					Ref:     item.Ref,
					Action:  actionFor(item.Type),
					Status:  v1alpha1.ResultSkipped,
					Message: fmt.Sprintf("skipped: dependency %s did not converge", dep),
				})
				continue
			}

			item := item
			g.Go(func() error {
				e.applyOne(ctx, item, opts, sink)
				return nil
			})
		}
		_ = g.Wait()
	}

	e.prune(ctx, diffs, opts, sink)

	op.Results = sink.list()
	op.Phase, op.Message = sink.aggregate()
	op.FinishedAt = e.clock.Now()

	e.log.Info("sync operation finished",
		"app", app, "revision", revision, "operation", op.ID,
		"phase", op.Phase, "resources", len(op.Results))
	return op
}

func actionFor(t diff.Type) v1alpha1.ActionType {
	switch t {
	case diff.Missing:
		return v1alpha1.ActionCreate
	case diff.OutOfSync:
		return v1alpha1.ActionUpdate
	case diff.Orphaned:
		return v1alpha1.ActionDelete
	default:
		return v1alpha1.ActionNone
	}
}

// applyOne converges a single resource with bounded retries, then waits for
// readiness.
func (e *Executor) applyOne(ctx context.Context, rd diff.ResourceDiff, opts Options, sink *resultSink) {
	action := actionFor(rd.Type)

	if opts.DryRun {
		sink.record(v1alpha1.ResourceResult{
			Ref:     rd.Ref,
			Action:  action,
			Status:  v1alpha1.ResultSynced,
			Message: "dry run",
		})
		return
	}

	backoff := wait.Backoff{
		Duration: e.cfg.InitialBackoff,
		Factor:   2.0,
		Jitter:   0.25,
		Steps:    e.cfg.MaxAttempts,
		Cap:      e.cfg.MaxBackoff,
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = e.applyOnce(ctx, rd, opts)
		if lastErr == nil || attempt == e.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-e.clock.After(backoff.Step()):
			continue
		}
		break
	}

	if lastErr != nil {
		// Attempt budget exhausted; surfaced for manual intervention.
		sink.fail(rd.Ref, v1alpha1.ResourceResult{
			Ref:      rd.Ref,
			Action:   action,
			Status:   v1alpha1.ResultFailed,
			Attempts: attempts,
			Message:  lastErr.Error(),
		})
		return
	}

	if err := e.awaitReady(ctx, rd); err != nil {
		sink.record(v1alpha1.ResourceResult{
			Ref:      rd.Ref,
			Action:   action,
			Status:   v1alpha1.ResultDegraded,
			Attempts: attempts,
			Message:  err.Error(),
		})
		return
	}

	sink.record(v1alpha1.ResourceResult{
		Ref:      rd.Ref,
		Action:   action,
		Status:   v1alpha1.ResultSynced,
		Attempts: attempts,
	})
}

// applyOnce performs one create or update attempt.
func (e *Executor) applyOnce(ctx context.Context, rd diff.ResourceDiff, opts Options) error {
	if rd.Type == diff.Missing {
		_, err := e.client.Create(ctx, rd.Desired)
		if apierrors.IsAlreadyExists(err) {
			// Created behind our back since the diff was computed;
			// converge it as an update instead.
			return e.updateResource(ctx, rd, opts)
		}
		return err
	}
	return e.updateResource(ctx, rd, opts)
}

// updateResource patches the live object toward the desired definition.
// The minimal patch from the diff preserves server-populated fields; when
// it no longer applies cleanly (the live object moved since the diff), the
// full desired definition is used instead.
func (e *Executor) updateResource(ctx context.Context, rd diff.ResourceDiff, opts Options) error {
	gvk := rd.Desired.GroupVersionKind()
	live, err := e.client.Get(ctx, gvk, rd.Desired.GetNamespace(), rd.Desired.GetName())
	if err != nil {
		if apierrors.IsNotFound(err) {
			_, err = e.client.Create(ctx, rd.Desired)
			return err
		}
		return err
	}

	updated := e.patchedLive(rd, live)
	updated.SetResourceVersion(live.GetResourceVersion())

	_, err = e.client.Update(ctx, updated)
	if apierrors.IsInvalid(err) && opts.Force {
		// Immutable field change; replace the object.
		if derr := e.client.Delete(ctx, gvk, rd.Desired.GetNamespace(), rd.Desired.GetName()); derr != nil && !apierrors.IsNotFound(derr) {
			return derr
		}
		_, err = e.client.Create(ctx, rd.Desired)
	}
	return err
}

func (e *Executor) patchedLive(rd diff.ResourceDiff, live *unstructured.Unstructured) *unstructured.Unstructured {
	if len(rd.Patch) == 0 {
		return rd.Desired.DeepCopy()
	}

	patchJSON, err := json.Marshal(rd.Patch)
	if err != nil {
		return rd.Desired.DeepCopy()
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return rd.Desired.DeepCopy()
	}
	liveJSON, err := json.Marshal(live.Object)
	if err != nil {
		return rd.Desired.DeepCopy()
	}
	patchedJSON, err := patch.Apply(liveJSON)
	if err != nil {
		e.log.V(1).Info("minimal patch no longer applies, replacing with desired",
			"ref", rd.Ref.String(), "reason", err.Error())
		return rd.Desired.DeepCopy()
	}

	// Decode through the Unstructured codec so whole numbers stay int64,
	// matching what the platform returns.
	patched := &unstructured.Unstructured{}
	if err := patched.UnmarshalJSON(patchedJSON); err != nil {
		return rd.Desired.DeepCopy()
	}
	return patched
}

// awaitReady polls until the resource reports ready or the readiness
// timeout elapses.
func (e *Executor) awaitReady(ctx context.Context, rd diff.ResourceDiff) error {
	gvk := rd.Desired.GroupVersionKind()
	deadline := e.clock.Now().Add(e.cfg.ReadinessTimeout)

	for {
		live, err := e.client.Get(ctx, gvk, rd.Desired.GetNamespace(), rd.Desired.GetName())
		if err == nil && isReady(live) {
			return nil
		}

		if !e.clock.Now().Before(deadline) {
			return fmt.Errorf("resource did not become ready within %s", e.cfg.ReadinessTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.cfg.ReadinessPoll):
		}
	}
}

// prune handles orphans after all waves, in reverse priority order. With
// pruning disabled orphans are reported only; nothing is ever deleted.
func (e *Executor) prune(ctx context.Context, diffs []diff.ResourceDiff, opts Options, sink *resultSink) {
	for _, rd := range pruneOrder(diffs) {
		if !opts.Prune {
			sink.record(v1alpha1.ResourceResult{
				Ref:     rd.Ref,
				Action:  v1alpha1.ActionNone,
				Status:  v1alpha1.ResultSkipped,
				Message: "orphaned resource left in place (prune disabled)",
			})
			continue
		}
		if opts.DryRun {
			sink.record(v1alpha1.ResourceResult{
				Ref:     rd.Ref,
				Action:  v1alpha1.ActionDelete,
				Status:  v1alpha1.ResultSynced,
				Message: "dry run",
			})
			continue
		}

		gvk := rd.Live.GroupVersionKind()
		err := e.client.Delete(ctx, gvk, rd.Ref.Namespace, rd.Ref.Name)
		if err != nil && !apierrors.IsNotFound(err) {
			sink.fail(rd.Ref, v1alpha1.ResourceResult{
				Ref:     rd.Ref,
				Action:  v1alpha1.ActionDelete,
				Status:  v1alpha1.ResultFailed,
				Message: err.Error(),
			})
			continue
		}
		sink.record(v1alpha1.ResourceResult{
			Ref:    rd.Ref,
			Action: v1alpha1.ActionDelete,
			Status: v1alpha1.ResultSynced,
		})
	}
}

// resultSink collects per-resource outcomes across concurrent applies.
type resultSink struct {
	mu      sync.Mutex
	results []v1alpha1.ResourceResult
	failed  map[v1alpha1.ResourceRef]struct{}
}

func newResultSink() *resultSink {
	return &resultSink{failed: make(map[v1alpha1.ResourceRef]struct{})}
}

func (s *resultSink) record(r v1alpha1.ResourceResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *resultSink) fail(ref v1alpha1.ResourceRef, r v1alpha1.ResourceResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	s.failed[ref] = struct{}{}
}

// blockedBy returns whether any declared dependency of ref failed. Skipped
// dependents are marked failed themselves, so blocking cascades down the
// dependency chain wave by wave.
func (s *resultSink) blockedBy(deps map[v1alpha1.ResourceRef][]v1alpha1.ResourceRef, ref v1alpha1.ResourceRef) (bool, v1alpha1.ResourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range deps[ref] {
		if _, ok := s.failed[dep]; ok {
			return true, dep
		}
	}
	return false, v1alpha1.ResourceRef{}
}

func (s *resultSink) list() []v1alpha1.ResourceResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1alpha1.ResourceResult, len(s.results))
	copy(out, s.results)
	return out
}

func (s *resultSink) aggregate() (v1alpha1.OperationPhase, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed, degraded := 0, 0
	for _, r := range s.results {
		switch r.Status {
		case v1alpha1.ResultFailed:
			failed++
		case v1alpha1.ResultDegraded:
			degraded++
		case v1alpha1.ResultSkipped:
			if _, ok := s.failed[r.Ref]; ok {
				failed++
			}
		}
	}

	switch {
	case failed > 0:
		return v1alpha1.OperationFailed, fmt.Sprintf("%d resource(s) did not converge", failed)
	case degraded > 0:
		return v1alpha1.OperationDegraded, fmt.Sprintf("%d resource(s) not ready in time", degraded)
	default:
		return v1alpha1.OperationSucceeded, ""
	}
}
