package diff

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/wI2L/jsondiff"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

// IgnorePathsFunc supplies configured per-kind ignore paths.
type IgnorePathsFunc func(schema.GroupKind) []string

// Differ compares desired and actual state.
type Differ struct {
	ignorePaths IgnorePathsFunc
	log         logr.Logger
}

// NewDiffer creates a Differ. ignorePaths may be nil.
func NewDiffer(ignorePaths IgnorePathsFunc, log logr.Logger) *Differ {
	if ignorePaths == nil {
		ignorePaths = func(schema.GroupKind) []string { return nil }
	}
	return &Differ{
		ignorePaths: ignorePaths,
		log:         log.WithName("differ"),
	}
}

// Diff compares every desired resource against the live snapshot and
// detects orphans. Results keep desired order; orphans follow, ordered by
// identity. Returns an AmbiguousResourceError if two desired resources
// share an identity.
func (d *Differ) Diff(desired []*unstructured.Unstructured, actual []*unstructured.Unstructured) ([]ResourceDiff, error) {
	live := make(map[v1alpha1.ResourceRef]*unstructured.Unstructured, len(actual))
	for _, obj := range actual {
		live[RefOf(obj)] = obj
	}

	seen := make(map[v1alpha1.ResourceRef]struct{}, len(desired))
	diffs := make([]ResourceDiff, 0, len(desired))

	for _, want := range desired {
		ref := RefOf(want)
		if _, dup := seen[ref]; dup {
			return nil, &AmbiguousResourceError{Ref: ref}
		}
		seen[ref] = struct{}{}

		got, exists := live[ref]
		if !exists {
			diffs = append(diffs, ResourceDiff{Ref: ref, Type: Missing, Desired: want})
			continue
		}

		rd, err := d.compare(ref, want, got)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, rd)
	}

	// Resources bearing the ownership label but absent from desired state
	// are orphans, candidates for pruning.
	var orphans []ResourceDiff
	for ref, obj := range live {
		if _, ok := seen[ref]; ok {
			continue
		}
		if _, owned := obj.GetLabels()[v1alpha1.ApplicationLabel]; !owned {
			continue
		}
		orphans = append(orphans, ResourceDiff{Ref: ref, Type: Orphaned, Live: obj})
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].Ref.String() < orphans[j].Ref.String()
	})

	return append(diffs, orphans...), nil
}

// compare classifies one matched desired/live pair.
func (d *Differ) compare(ref v1alpha1.ResourceRef, want, got *unstructured.Unstructured) (ResourceDiff, error) {
	extra := d.ignorePaths(schema.GroupKind{Group: ref.Group, Kind: ref.Kind})

	wantNorm := normalize(want, extra)
	gotNorm := normalize(got, extra)

	patch, err := jsondiff.Compare(gotNorm.Object, wantNorm.Object)
	if err != nil {
		return ResourceDiff{}, fmt.Errorf("failed to diff %s: %w", ref, err)
	}

	if len(patch) == 0 {
		return ResourceDiff{Ref: ref, Type: InSync, Desired: want, Live: got}, nil
	}

	d.log.V(1).Info("resource out of sync", "ref", ref.String(), "ops", len(patch))
	return ResourceDiff{Ref: ref, Type: OutOfSync, Desired: want, Live: got, Patch: patch}, nil
}

// OutOfSyncCount returns how many diffs require action.
func OutOfSyncCount(diffs []ResourceDiff) int {
	n := 0
	for _, rd := range diffs {
		if rd.Type == OutOfSync || rd.Type == Missing {
			n++
		}
	}
	return n
}
