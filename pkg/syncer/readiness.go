package syncer

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// isReady reports whether a live resource has converged. Kinds without a
// meaningful readiness signal are ready as soon as they exist.
func isReady(obj *unstructured.Unstructured) bool {
	switch obj.GetKind() {
	case "Deployment", "StatefulSet", "ReplicaSet":
		return workloadReady(obj)
	case "DaemonSet":
		desired, _, _ := unstructured.NestedInt64(obj.Object, "status", "desiredNumberScheduled")
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberReady")
		return ready >= desired
	case "Job":
		succeeded, _, _ := unstructured.NestedInt64(obj.Object, "status", "succeeded")
		if succeeded >= 1 {
			return true
		}
		return hasCondition(obj, "Complete")
	case "Pod":
		phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
		return phase == "Running" || phase == "Succeeded"
	default:
		return true
	}
}

func workloadReady(obj *unstructured.Unstructured) bool {
	observed, found, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if found && observed < obj.GetGeneration() {
		return false
	}
	want, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if !found {
		want = 1
	}
	ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
	return ready >= want
}

func hasCondition(obj *unstructured.Unstructured, condType string) bool {
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == condType && cond["status"] == "True" {
			return true
		}
	}
	return false
}
