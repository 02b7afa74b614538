// Package v1alpha1 contains the core API types of the syncwave controller.
package v1alpha1

import (
	"fmt"
	"time"
)

// Application identifies one deployment unit: a source location, a revision
// pointer, a target namespace, and parameter overrides.
type Application struct {
	// Name uniquely identifies the Application.
	Name string `json:"name" yaml:"name"`

	// Source describes where the desired state comes from.
	Source Source `json:"source" yaml:"source"`

	// DestNamespace is the namespace resources are applied into when the
	// manifest does not set one.
	DestNamespace string `json:"destNamespace,omitempty" yaml:"destNamespace,omitempty"`

	// SyncPolicy controls automated reconciliation behavior.
	SyncPolicy SyncPolicy `json:"syncPolicy,omitempty" yaml:"syncPolicy,omitempty"`
}

// Source describes the desired-state source of an Application.
type Source struct {
	// RepoURL locates the source repository. The interpretation is up to
	// the configured repository backend.
	RepoURL string `json:"repoURL" yaml:"repoURL"`

	// Path is the directory within the repository tree holding the
	// manifests or templates for this Application.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// TargetRevision is the revision pointer (branch, tag, or commit-like
	// identifier) to render from.
	TargetRevision string `json:"targetRevision" yaml:"targetRevision"`

	// ValueFiles are value layer files within the tree, merged in order on
	// top of base defaults. Later files win.
	ValueFiles []string `json:"valueFiles,omitempty" yaml:"valueFiles,omitempty"`

	// Values are inline scalar overrides with the highest precedence.
	Values map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
}

// SyncPolicy controls how an Application reconciles.
type SyncPolicy struct {
	// SelfHeal re-syncs when drift is detected without waiting for the
	// poll timer.
	SelfHeal bool `json:"selfHeal,omitempty" yaml:"selfHeal,omitempty"`

	// Prune deletes orphaned resources during sync.
	Prune bool `json:"prune,omitempty" yaml:"prune,omitempty"`

	// Force resolves immutable-field rejections by deleting and recreating
	// the resource.
	Force bool `json:"force,omitempty" yaml:"force,omitempty"`
}

// AppPhase is the reconciliation state of an Application.
type AppPhase string

// Application phases.
const (
	AppIdle      AppPhase = "Idle"
	AppSyncing   AppPhase = "Syncing"
	AppSynced    AppPhase = "Synced"
	AppOutOfSync AppPhase = "OutOfSync"
	AppFailed    AppPhase = "Failed"
)

// ApplicationStatus mirrors the last observed reconciliation outcome.
type ApplicationStatus struct {
	// Phase is the current state machine phase.
	Phase AppPhase `json:"phase"`

	// SyncedRevision is the last revision a sync converged to.
	SyncedRevision string `json:"syncedRevision,omitempty"`

	// OperationID identifies the most recent SyncOperation.
	OperationID string `json:"operationID,omitempty"`

	// Message carries a human-readable summary of the last outcome.
	Message string `json:"message,omitempty"`

	// LastSyncTime is when the last sync attempt finished.
	LastSyncTime time.Time `json:"lastSyncTime,omitempty"`
}

// Validate checks the Application for required fields.
func (a *Application) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("application name must not be empty")
	}
	if a.Source.RepoURL == "" {
		return fmt.Errorf("application %q: source.repoURL must not be empty", a.Name)
	}
	if a.Source.TargetRevision == "" {
		return fmt.Errorf("application %q: source.targetRevision must not be empty", a.Name)
	}
	return nil
}
