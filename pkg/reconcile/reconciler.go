// Package reconcile ties fetching, diffing, and applying together into the
// per-Application control loop.
package reconcile

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/clock"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/diff"
	"github.com/syncwave-io/syncwave/pkg/history"
	"github.com/syncwave-io/syncwave/pkg/metrics"
	"github.com/syncwave-io/syncwave/pkg/observer"
	"github.com/syncwave-io/syncwave/pkg/source"
	"github.com/syncwave-io/syncwave/pkg/syncer"
)

// Reconciler runs one fetch-diff-apply cycle at a time for an Application.
// Fetch and diff failures abort the cycle before anything is applied; a
// partially computed plan is never executed.
type Reconciler struct {
	fetcher  *source.Fetcher
	observer *observer.Observer
	differ   *diff.Differ
	executor *syncer.Executor
	history  *history.Store
	clock    clock.PassiveClock
	log      logr.Logger
}

// NewReconciler wires a Reconciler from its collaborators.
func NewReconciler(fetcher *source.Fetcher, obs *observer.Observer, differ *diff.Differ, executor *syncer.Executor, hist *history.Store, log logr.Logger) *Reconciler {
	return &Reconciler{
		fetcher:  fetcher,
		observer: obs,
		differ:   differ,
		executor: executor,
		history:  hist,
		clock:    clock.RealClock{},
		log:      log.WithName("reconciler"),
	}
}

// Outcome is the result of one reconciliation cycle.
type Outcome struct {
	// Revision is the resolved revision the cycle ran against.
	Revision string

	// Desired is the rendered desired state of the cycle.
	Desired []*unstructured.Unstructured

	// Diffs is the full comparison result.
	Diffs []diff.ResourceDiff

	// Op is the executed sync operation, nil when nothing needed to be
	// applied.
	Op *v1alpha1.SyncOperation
}

// Reconcile runs one cycle against the Application's target revision.
func (r *Reconciler) Reconcile(ctx context.Context, app *v1alpha1.Application) (*Outcome, error) {
	return r.reconcileRevision(ctx, app, app.Source.TargetRevision, syncer.Options{
		Prune: app.SyncPolicy.Prune,
		Force: app.SyncPolicy.Force,
	}, false)
}

// Rollback reverts the Application to an earlier revision recorded in
// history. The desired state is re-rendered from the immutable revision, so
// it is identical to the state originally computed for it. A SyncOperation
// is always recorded, even when the cluster already matches.
func (r *Reconciler) Rollback(ctx context.Context, app *v1alpha1.Application, revision string, opts syncer.Options) (*v1alpha1.SyncOperation, error) {
	target, err := r.history.FindRevision(app.Name, revision)
	if err != nil {
		return nil, fmt.Errorf("rollback target: %w", err)
	}

	outcome, err := r.reconcileRevision(ctx, app, target.Revision, opts, true)
	if err != nil {
		return nil, err
	}
	return outcome.Op, nil
}

func (r *Reconciler) reconcileRevision(ctx context.Context, app *v1alpha1.Application, ref string, opts syncer.Options, always bool) (*Outcome, error) {
	desired, err := r.fetcher.FetchRevision(ctx, app, ref)
	if err != nil {
		r.recordFailure(app.Name, ref, err)
		return nil, err
	}

	// Make sure the observer mirrors every kind the desired state uses,
	// and bound snapshot staleness before planning.
	r.observer.Track(app.Name, gvksOf(desired.Resources))
	if err := r.observer.Refresh(ctx, app.Name); err != nil {
		r.recordFailure(app.Name, desired.Revision, err)
		return nil, fmt.Errorf("failed to refresh live state: %w", err)
	}
	actual := r.observer.Snapshot(app.Name)

	diffs, err := r.differ.Diff(desired.Resources, actual)
	if err != nil {
		r.recordFailure(app.Name, desired.Revision, err)
		return nil, err
	}

	outcome := &Outcome{
		Revision: desired.Revision,
		Desired:  desired.Resources,
		Diffs:    diffs,
	}

	if !always && !needsSync(diffs, opts.Prune) {
		r.log.V(1).Info("application in sync", "app", app.Name, "revision", desired.Revision)
		return outcome, nil
	}

	op := r.executor.Apply(ctx, app.Name, desired.Revision, diffs, opts)
	if err := r.history.Append(op); err != nil {
		return nil, fmt.Errorf("failed to record sync operation: %w", err)
	}
	r.observeOp(op)

	outcome.Op = op
	return outcome, nil
}

// recordFailure appends a failed operation so no failure is silently
// swallowed; the history carries enough detail to diagnose.
func (r *Reconciler) recordFailure(app, revision string, cause error) {
	now := r.clock.Now()
	op := &v1alpha1.SyncOperation{
		ID:          uuid.NewString(),
		Application: app,
		Revision:    revision,
		Phase:       v1alpha1.OperationFailed,
		StartedAt:   now,
		FinishedAt:  now,
		Message:     cause.Error(),
	}
	if err := r.history.Append(op); err != nil {
		r.log.Error(err, "failed to record failure", "app", app)
	}
	r.observeOp(op)
}

func (r *Reconciler) observeOp(op *v1alpha1.SyncOperation) {
	metrics.SyncsTotal.WithLabelValues(op.Application, string(op.Phase)).Inc()
	if !op.FinishedAt.IsZero() {
		metrics.SyncDuration.WithLabelValues(op.Application).Observe(op.FinishedAt.Sub(op.StartedAt).Seconds())
	}
	for _, res := range op.Results {
		metrics.ResourceActions.WithLabelValues(op.Application, string(res.Action), string(res.Status)).Inc()
	}
}

// needsSync reports whether any diff requires action.
func needsSync(diffs []diff.ResourceDiff, prune bool) bool {
	for _, rd := range diffs {
		switch rd.Type {
		case diff.Missing, diff.OutOfSync:
			return true
		case diff.Orphaned:
			if prune {
				return true
			}
		}
	}
	return false
}

func gvksOf(resources []*unstructured.Unstructured) []schema.GroupVersionKind {
	seen := make(map[schema.GroupVersionKind]struct{})
	var gvks []schema.GroupVersionKind
	for _, obj := range resources {
		gvk := obj.GroupVersionKind()
		if _, ok := seen[gvk]; ok {
			continue
		}
		seen[gvk] = struct{}{}
		gvks = append(gvks, gvk)
	}
	return gvks
}
