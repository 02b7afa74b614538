package v1alpha1

// Label and annotation keys for syncwave.io metadata on managed resources.
const (
	// ApplicationLabel marks a resource as owned by an Application.
	// Value: the Application name. Resources carrying this label but absent
	// from the desired state are pruning candidates.
	ApplicationLabel = "syncwave.io/application"

	// DependsOnAnnotation declares explicit ordering dependencies.
	// Value: comma-separated list of "Kind/name" or "Kind/namespace/name"
	// references to other resources in the same Application.
	DependsOnAnnotation = "syncwave.io/depends-on"

	// RevisionAnnotation records the source revision a resource was last
	// applied from.
	RevisionAnnotation = "syncwave.io/revision"
)
