package diff

import (
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// defaultIgnorePaths are server-populated fields excluded from comparison
// for every kind. Per-kind additions come from configuration; the right
// ignore set is policy and varies by platform version.
var defaultIgnorePaths = []string{
	"/status",
	"/metadata/resourceVersion",
	"/metadata/uid",
	"/metadata/generation",
	"/metadata/creationTimestamp",
	"/metadata/managedFields",
	"/metadata/selfLink",
}

// normalize returns a copy of obj with ignored paths removed. extra paths
// are applied on top of the built-in defaults.
func normalize(obj *unstructured.Unstructured, extra []string) *unstructured.Unstructured {
	out := obj.DeepCopy()
	for _, p := range defaultIgnorePaths {
		removePointer(out.Object, p)
	}
	for _, p := range extra {
		removePointer(out.Object, p)
	}

	// Empty metadata maps left behind by pruning compare unequal against
	// their absence.
	dropEmptyMaps(out.Object, "metadata", "labels")
	dropEmptyMaps(out.Object, "metadata", "annotations")

	return out
}

// removePointer deletes the field addressed by an RFC 6901 JSON pointer.
// Pointers address map keys only; missing segments are a no-op.
func removePointer(m map[string]interface{}, pointer string) {
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	cur := m
	for i, raw := range parts {
		key := decodePointerSegment(raw)
		if i == len(parts)-1 {
			delete(cur, key)
			return
		}
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}

func decodePointerSegment(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

func dropEmptyMaps(m map[string]interface{}, path ...string) {
	cur := m
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
	last := path[len(path)-1]
	if inner, ok := cur[last].(map[string]interface{}); ok && len(inner) == 0 {
		delete(cur, last)
	}
}
