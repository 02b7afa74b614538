package diff

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

func deployment(name string, replicas int64, image string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "prod",
			"labels":    map[string]interface{}{v1alpha1.ApplicationLabel: "demo"},
		},
		"spec": map[string]interface{}{
			"replicas": replicas,
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{"name": "main", "image": image},
					},
				},
			},
		},
	}}
}

func service(name string, port int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "prod",
			"labels":    map[string]interface{}{v1alpha1.ApplicationLabel: "demo"},
		},
		"spec": map[string]interface{}{
			"ports": []interface{}{
				map[string]interface{}{"port": port},
			},
		},
	}}
}

// withServerFields simulates the platform decorating a stored object.
func withServerFields(obj *unstructured.Unstructured) *unstructured.Unstructured {
	out := obj.DeepCopy()
	out.SetResourceVersion("42")
	out.SetUID("f6c9e2b0-aaaa-bbbb-cccc-000000000001")
	out.SetGeneration(3)
	_ = unstructured.SetNestedField(out.Object, "2026-01-01T00:00:00Z", "metadata", "creationTimestamp")
	_ = unstructured.SetNestedMap(out.Object, map[string]interface{}{"readyReplicas": int64(3)}, "status")
	return out
}

func TestDiffIdenticalStateIsEmpty(t *testing.T) {
	differ := NewDiffer(nil, logr.Discard())

	desired := []*unstructured.Unstructured{deployment("web", 3, "nginx:1.26"), service("web", 80)}
	actual := []*unstructured.Unstructured{
		withServerFields(deployment("web", 3, "nginx:1.26")),
		withServerFields(service("web", 80)),
	}

	diffs, err := differ.Diff(desired, actual)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	for _, rd := range diffs {
		assert.Equal(t, InSync, rd.Type, "ref %s", rd.Ref)
	}
	assert.Zero(t, OutOfSyncCount(diffs))
}

func TestDiffClassification(t *testing.T) {
	differ := NewDiffer(nil, logr.Discard())

	desired := []*unstructured.Unstructured{
		deployment("web", 5, "nginx:1.26"),
		service("web", 80),
	}
	orphan := withServerFields(service("old-svc", 9090))
	actual := []*unstructured.Unstructured{
		withServerFields(deployment("web", 3, "nginx:1.26")),
		orphan,
	}

	diffs, err := differ.Diff(desired, actual)
	require.NoError(t, err)
	require.Len(t, diffs, 3)

	// Desired order first, orphans appended.
	assert.Equal(t, OutOfSync, diffs[0].Type)
	assert.Equal(t, "web", diffs[0].Ref.Name)
	assert.NotEmpty(t, diffs[0].Patch)

	assert.Equal(t, Missing, diffs[1].Type)
	assert.Equal(t, "Service", diffs[1].Ref.Kind)
	assert.Nil(t, diffs[1].Live)

	assert.Equal(t, Orphaned, diffs[2].Type)
	assert.Equal(t, "old-svc", diffs[2].Ref.Name)
	assert.Nil(t, diffs[2].Desired)

	assert.Equal(t, 2, OutOfSyncCount(diffs))
}

func TestDiffUnlabeledLiveObjectsAreNotOrphans(t *testing.T) {
	differ := NewDiffer(nil, logr.Discard())

	foreign := withServerFields(service("unmanaged", 443))
	unstructured.RemoveNestedField(foreign.Object, "metadata", "labels")

	diffs, err := differ.Diff(nil, []*unstructured.Unstructured{foreign})
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestDiffAmbiguousIdentity(t *testing.T) {
	differ := NewDiffer(nil, logr.Discard())

	desired := []*unstructured.Unstructured{
		service("web", 80),
		service("web", 8080),
	}

	_, err := differ.Diff(desired, nil)
	require.Error(t, err)
	var ambiguous *AmbiguousResourceError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, "web", ambiguous.Ref.Name)
}

func TestDiffConfiguredIgnorePaths(t *testing.T) {
	ignore := func(gk schema.GroupKind) []string {
		if gk.Kind == "Deployment" {
			return []string{"/spec/replicas"}
		}
		return nil
	}
	differ := NewDiffer(ignore, logr.Discard())

	desired := []*unstructured.Unstructured{deployment("web", 3, "nginx:1.26"), service("web", 80)}
	actual := []*unstructured.Unstructured{
		// An autoscaler moved replicas; the configured rule masks it.
		withServerFields(deployment("web", 7, "nginx:1.26")),
		withServerFields(service("web", 81)),
	}

	diffs, err := differ.Diff(desired, actual)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, InSync, diffs[0].Type)
	assert.Equal(t, OutOfSync, diffs[1].Type)
}

func TestDiffOrphanOrderDeterministic(t *testing.T) {
	differ := NewDiffer(nil, logr.Discard())

	actual := []*unstructured.Unstructured{
		withServerFields(service("zeta", 80)),
		withServerFields(service("alpha", 80)),
	}

	diffs, err := differ.Diff(nil, actual)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "alpha", diffs[0].Ref.Name)
	assert.Equal(t, "zeta", diffs[1].Ref.Name)
}
