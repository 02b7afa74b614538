// Package diff computes structured differences between desired and actual
// state per resource.
package diff

import (
	"fmt"

	"github.com/wI2L/jsondiff"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

// Type classifies a per-resource comparison result.
type Type string

// Comparison results.
const (
	InSync    Type = "InSync"
	OutOfSync Type = "OutOfSync"
	Missing   Type = "Missing"
	Orphaned  Type = "Orphaned"
)

// ResourceDiff is the comparison result for one resource identity.
type ResourceDiff struct {
	// Ref is the canonical identity (group, kind, namespace, name).
	Ref v1alpha1.ResourceRef

	// Type classifies the divergence.
	Type Type

	// Desired is the rendered definition; nil for Orphaned.
	Desired *unstructured.Unstructured

	// Live is the observed object; nil for Missing.
	Live *unstructured.Unstructured

	// Patch is the minimal set of operations converging Live toward
	// Desired. Only set for OutOfSync.
	Patch jsondiff.Patch
}

// AmbiguousResourceError reports two desired resources rendering to the same
// canonical identity, usually a templating error. The sync cycle is aborted
// rather than silently picking one.
type AmbiguousResourceError struct {
	Ref v1alpha1.ResourceRef
}

func (e *AmbiguousResourceError) Error() string {
	return fmt.Sprintf("ambiguous resource: multiple desired resources render to identity %s", e.Ref)
}

// RefOf returns the canonical identity of an object.
func RefOf(obj *unstructured.Unstructured) v1alpha1.ResourceRef {
	return v1alpha1.ResourceRef{
		Group:     obj.GroupVersionKind().Group,
		Kind:      obj.GetKind(),
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}
