package diff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestNormalizeRemovesServerFields(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name":              "cm",
			"resourceVersion":   "7",
			"uid":               "abc",
			"creationTimestamp": "2026-01-01T00:00:00Z",
			"labels":            map[string]interface{}{},
		},
		"status": map[string]interface{}{"phase": "Active"},
		"data":   map[string]interface{}{"k": "v"},
	}}

	out := normalize(obj, nil)

	want := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name": "cm",
		},
		"data": map[string]interface{}{"k": "v"},
	}
	if diff := cmp.Diff(want, out.Object); diff != "" {
		t.Errorf("normalized object mismatch (-want +got):\n%s", diff)
	}

	// Input is untouched.
	assert.Contains(t, obj.Object, "status")
}

func TestNormalizeExtraPaths(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"spec": map[string]interface{}{
			"replicas":  int64(3),
			"clusterIP": "10.0.0.1",
		},
	}}

	out := normalize(obj, []string{"/spec/clusterIP"})

	spec := out.Object["spec"].(map[string]interface{})
	assert.Equal(t, int64(3), spec["replicas"])
	assert.NotContains(t, spec, "clusterIP")
}

func TestRemovePointer(t *testing.T) {
	tests := []struct {
		name    string
		pointer string
		obj     map[string]interface{}
		check   func(t *testing.T, obj map[string]interface{})
	}{
		{
			name:    "nested key",
			pointer: "/a/b",
			obj:     map[string]interface{}{"a": map[string]interface{}{"b": 1, "c": 2}},
			check: func(t *testing.T, obj map[string]interface{}) {
				a := obj["a"].(map[string]interface{})
				assert.NotContains(t, a, "b")
				assert.Contains(t, a, "c")
			},
		},
		{
			name:    "missing segment is a no-op",
			pointer: "/x/y/z",
			obj:     map[string]interface{}{"a": 1},
			check: func(t *testing.T, obj map[string]interface{}) {
				assert.Contains(t, obj, "a")
			},
		},
		{
			name:    "non-map intermediate is a no-op",
			pointer: "/a/b",
			obj:     map[string]interface{}{"a": []interface{}{1, 2}},
			check: func(t *testing.T, obj map[string]interface{}) {
				assert.Len(t, obj["a"], 2)
			},
		},
		{
			name:    "escaped slash in key",
			pointer: "/annotations/example.com~1hint",
			obj: map[string]interface{}{
				"annotations": map[string]interface{}{"example.com/hint": "x"},
			},
			check: func(t *testing.T, obj map[string]interface{}) {
				assert.Empty(t, obj["annotations"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removePointer(tt.obj, tt.pointer)
			tt.check(t, tt.obj)
		})
	}
}
