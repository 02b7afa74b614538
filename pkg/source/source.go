// Package source fetches and renders desired state from versioned
// repositories.
package source

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Repository is a versioned tree store. Any Git-compatible or
// object-storage-compatible backend qualifies.
type Repository interface {
	// ResolveRevision resolves a revision pointer (branch, tag, or
	// commit-like identifier) to an immutable revision ID.
	ResolveRevision(ctx context.Context, ref string) (string, error)

	// FetchTree returns the file tree at the given revision ID, keyed by
	// slash-separated path relative to the repository root.
	FetchTree(ctx context.Context, revision string) (map[string][]byte, error)
}

// Provider opens repositories by URL.
type Provider interface {
	Open(ctx context.Context, repoURL string) (Repository, error)
}

// DesiredState is the ordered set of resource definitions rendered from a
// source at a resolved revision. Immutable once computed.
type DesiredState struct {
	// Revision is the resolved, immutable revision ID.
	Revision string

	// Resources are the rendered resource definitions in file order.
	Resources []*unstructured.Unstructured
}
