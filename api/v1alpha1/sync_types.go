package v1alpha1

import (
	"time"
)

// OperationPhase is the status of a SyncOperation.
type OperationPhase string

// SyncOperation phases.
const (
	OperationRunning   OperationPhase = "Running"
	OperationSucceeded OperationPhase = "Succeeded"
	OperationFailed    OperationPhase = "Failed"
	OperationDegraded  OperationPhase = "Degraded"
)

// Completed reports whether the phase is terminal.
func (p OperationPhase) Completed() bool {
	return p == OperationSucceeded || p == OperationFailed || p == OperationDegraded
}

// ActionType is the kind of change applied to a single resource.
type ActionType string

// Resource-level actions.
const (
	ActionCreate ActionType = "Create"
	ActionUpdate ActionType = "Update"
	ActionDelete ActionType = "Delete"
	ActionNone   ActionType = "None"
)

// ResultStatus is the outcome of one resource-level action.
type ResultStatus string

// Resource-level outcomes.
const (
	ResultSynced   ResultStatus = "Synced"
	ResultFailed   ResultStatus = "Failed"
	ResultDegraded ResultStatus = "Degraded"
	ResultSkipped  ResultStatus = "Skipped"
)

// ResourceRef is the canonical identity of a managed resource.
type ResourceRef struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String returns "group/Kind namespace/name" with empty parts elided.
func (r ResourceRef) String() string {
	s := r.Kind
	if r.Group != "" {
		s = r.Group + "/" + s
	}
	if r.Namespace != "" {
		return s + " " + r.Namespace + "/" + r.Name
	}
	return s + " " + r.Name
}

// ResourceResult records the outcome of one resource-level action within a
// SyncOperation.
type ResourceResult struct {
	Ref      ResourceRef  `json:"ref"`
	Action   ActionType   `json:"action"`
	Status   ResultStatus `json:"status"`
	Attempts int          `json:"attempts,omitempty"`
	// Message holds the error detail for Failed and Degraded results.
	Message string `json:"message,omitempty"`
}

// SyncOperation records one reconciliation attempt. Immutable once appended
// to the history store; entries are totally ordered per Application by
// Sequence.
type SyncOperation struct {
	// ID uniquely identifies the operation.
	ID string `json:"id"`

	// Application is the owning Application name.
	Application string `json:"application"`

	// Sequence is the per-Application, monotonically increasing position
	// in the history log.
	Sequence uint64 `json:"sequence"`

	// Revision is the resolved source revision this operation applied.
	// Exactly one revision per operation.
	Revision string `json:"revision"`

	// Phase is the overall outcome.
	Phase OperationPhase `json:"phase"`

	// DryRun marks operations that computed but did not apply changes.
	DryRun bool `json:"dryRun,omitempty"`

	// StartedAt and FinishedAt bound the attempt.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Results holds the per-resource outcomes in apply order.
	Results []ResourceResult `json:"results,omitempty"`

	// Message summarizes the outcome for operators.
	Message string `json:"message,omitempty"`
}
