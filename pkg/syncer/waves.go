package syncer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/diff"
)

type waveNumber int

// lastWave is assigned to kinds not in the priority table.
const lastWave waveNumber = 99

// waveByKind is the fixed kind-priority ordering used when no explicit
// dependency is declared. Based on the Helm resource installation order:
// namespaces first, then static configuration, RBAC, workloads, and finally
// API registrations and webhooks.
var waveByKind = map[string]waveNumber{
	"Namespace":     0,
	"PriorityClass": 0,

	"NetworkPolicy":            1,
	"ResourceQuota":            1,
	"LimitRange":               1,
	"PodDisruptionBudget":      1,
	"ServiceAccount":           1,
	"Secret":                   1,
	"ConfigMap":                1,
	"StorageClass":             1,
	"PersistentVolume":         1,
	"PersistentVolumeClaim":    1,
	"CustomResourceDefinition": 1,
	"IngressClass":             1,

	"ClusterRole": 2,
	"Role":        2,

	"ClusterRoleBinding": 3,
	"RoleBinding":        3,

	"Service":                 4,
	"DaemonSet":               4,
	"Pod":                     4,
	"ReplicaSet":              4,
	"Deployment":              4,
	"HorizontalPodAutoscaler": 4,
	"StatefulSet":             4,
	"Job":                     4,
	"CronJob":                 4,
	"Ingress":                 4,

	"APIService":                     5,
	"ValidatingWebhookConfiguration": 5,
	"MutatingWebhookConfiguration":   5,
}

func kindWave(kind string) waveNumber {
	if w, ok := waveByKind[kind]; ok {
		return w
	}
	return lastWave
}

// wave is a set of resources that may be applied concurrently. Waves are
// strictly ordered among themselves.
type wave struct {
	num   waveNumber
	items []diff.ResourceDiff
}

// plan is the ordered execution plan for one sync.
type plan struct {
	waves []wave

	// deps holds the explicit dependency edges (resource -> its declared
	// dependencies), used to block dependents of failed resources.
	deps map[v1alpha1.ResourceRef][]v1alpha1.ResourceRef
}

// buildPlan orders the apply candidates into waves. The tier of a resource
// is a topological ordering over declared depends-on references, falling
// back to the kind-priority table; a resource is never placed before one it
// declares a dependency on. Dependency cycles fail the plan.
func buildPlan(diffs []diff.ResourceDiff) (*plan, error) {
	byRef := make(map[v1alpha1.ResourceRef]*diff.ResourceDiff, len(diffs))
	for i := range diffs {
		if diffs[i].Type == diff.Orphaned {
			continue
		}
		byRef[diffs[i].Ref] = &diffs[i]
	}

	deps := make(map[v1alpha1.ResourceRef][]v1alpha1.ResourceRef)
	for ref, rd := range byRef {
		for _, depRef := range parseDependsOn(rd) {
			if resolved, ok := resolveDep(depRef, byRef); ok {
				deps[ref] = append(deps[ref], resolved)
			}
		}
	}

	tiers := make(map[v1alpha1.ResourceRef]waveNumber, len(byRef))
	visiting := make(map[v1alpha1.ResourceRef]bool)

	var tierOf func(ref v1alpha1.ResourceRef) (waveNumber, error)
	tierOf = func(ref v1alpha1.ResourceRef) (waveNumber, error) {
		if t, ok := tiers[ref]; ok {
			return t, nil
		}
		if visiting[ref] {
			return 0, fmt.Errorf("dependency cycle involving %s", ref)
		}
		visiting[ref] = true
		defer delete(visiting, ref)

		t := kindWave(ref.Kind)
		for _, dep := range deps[ref] {
			dt, err := tierOf(dep)
			if err != nil {
				return 0, err
			}
			if dt+1 > t {
				t = dt + 1
			}
		}
		tiers[ref] = t
		return t, nil
	}

	byTier := make(map[waveNumber][]diff.ResourceDiff)
	for ref, rd := range byRef {
		t, err := tierOf(ref)
		if err != nil {
			return nil, err
		}
		byTier[t] = append(byTier[t], *rd)
	}

	nums := make([]waveNumber, 0, len(byTier))
	for n := range byTier {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	p := &plan{deps: deps}
	for _, n := range nums {
		items := byTier[n]
		sort.Slice(items, func(i, j int) bool {
			return items[i].Ref.String() < items[j].Ref.String()
		})
		p.waves = append(p.waves, wave{num: n, items: items})
	}
	return p, nil
}

// pruneOrder returns the orphans in deletion order: reverse kind priority,
// so dependents go before what they depend on.
func pruneOrder(diffs []diff.ResourceDiff) []diff.ResourceDiff {
	var orphans []diff.ResourceDiff
	for _, rd := range diffs {
		if rd.Type == diff.Orphaned {
			orphans = append(orphans, rd)
		}
	}
	sort.SliceStable(orphans, func(i, j int) bool {
		wi, wj := kindWave(orphans[i].Ref.Kind), kindWave(orphans[j].Ref.Kind)
		if wi != wj {
			return wi > wj
		}
		return orphans[i].Ref.String() < orphans[j].Ref.String()
	})
	return orphans
}

// parseDependsOn reads the depends-on annotation from the desired object.
// Entries are "Kind/name" or "Kind/namespace/name".
func parseDependsOn(rd *diff.ResourceDiff) []v1alpha1.ResourceRef {
	if rd.Desired == nil {
		return nil
	}
	raw := rd.Desired.GetAnnotations()[v1alpha1.DependsOnAnnotation]
	if raw == "" {
		return nil
	}

	var refs []v1alpha1.ResourceRef
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "/")
		switch len(parts) {
		case 2:
			refs = append(refs, v1alpha1.ResourceRef{Kind: parts[0], Name: parts[1]})
		case 3:
			refs = append(refs, v1alpha1.ResourceRef{Kind: parts[0], Namespace: parts[1], Name: parts[2]})
		}
	}
	return refs
}

// resolveDep matches a declared reference against the plan's resources.
// Group and namespace are matched loosely: a reference without a namespace
// matches any single resource with that kind and name. References to
// resources outside the plan are ignored; their ordering is not ours to
// enforce.
func resolveDep(dep v1alpha1.ResourceRef, byRef map[v1alpha1.ResourceRef]*diff.ResourceDiff) (v1alpha1.ResourceRef, bool) {
	for ref := range byRef {
		if ref.Kind != dep.Kind || ref.Name != dep.Name {
			continue
		}
		if dep.Namespace != "" && ref.Namespace != dep.Namespace {
			continue
		}
		return ref, true
	}
	return v1alpha1.ResourceRef{}, false
}
