package source

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

// clusterScopedKinds are kinds that never receive a namespace default.
var clusterScopedKinds = sets.New(
	"Namespace",
	"CustomResourceDefinition",
	"ClusterRole",
	"ClusterRoleBinding",
	"PriorityClass",
	"StorageClass",
	"PersistentVolume",
	"IngressClass",
	"APIService",
	"ValidatingWebhookConfiguration",
	"MutatingWebhookConfiguration",
)

// Fetcher computes desired state: it resolves the revision pointer, fetches
// the tree, merges value layers, and renders manifests. Fetching has no side
// effects, so failed fetches are safe to retry.
type Fetcher struct {
	provider Provider
	log      logr.Logger
}

// NewFetcher creates a Fetcher backed by the given repository provider.
func NewFetcher(provider Provider, log logr.Logger) *Fetcher {
	return &Fetcher{
		provider: provider,
		log:      log.WithName("fetcher"),
	}
}

// Fetch renders the desired state for the Application at its target
// revision. Every returned resource carries the ownership label and the
// revision annotation.
func (f *Fetcher) Fetch(ctx context.Context, app *v1alpha1.Application) (*DesiredState, error) {
	return f.FetchRevision(ctx, app, app.Source.TargetRevision)
}

// FetchRevision renders the desired state at an explicit revision pointer,
// used for rollback to a historical revision.
func (f *Fetcher) FetchRevision(ctx context.Context, app *v1alpha1.Application, ref string) (*DesiredState, error) {
	src := app.Source

	repo, err := f.provider.Open(ctx, src.RepoURL)
	if err != nil {
		return nil, &FetchError{Kind: SourceUnreachable, RepoURL: src.RepoURL, Revision: ref, Err: err}
	}

	revision, err := repo.ResolveRevision(ctx, ref)
	if err != nil {
		return nil, &FetchError{Kind: RevisionNotFound, RepoURL: src.RepoURL, Revision: ref, Err: err}
	}

	tree, err := repo.FetchTree(ctx, revision)
	if err != nil {
		return nil, &FetchError{Kind: SourceUnreachable, RepoURL: src.RepoURL, Revision: revision, Err: err}
	}

	values, err := mergeValueLayers(tree, src.Path, src.ValueFiles, src.Values)
	if err != nil {
		return nil, &FetchError{Kind: RenderError, RepoURL: src.RepoURL, Revision: revision, Err: err}
	}

	rc := renderContext{
		Values: values,
		App: appContext{
			Name:      app.Name,
			Namespace: app.DestNamespace,
			Revision:  revision,
		},
	}

	resources, err := renderTree(tree, src.Path, rc, src.ValueFiles)
	if err != nil {
		return nil, &FetchError{Kind: RenderError, RepoURL: src.RepoURL, Revision: revision, Err: err}
	}
	if len(resources) == 0 {
		return nil, &FetchError{Kind: RenderError, RepoURL: src.RepoURL, Revision: revision,
			Err: fmt.Errorf("no resources rendered from path %q", src.Path)}
	}

	for _, obj := range resources {
		f.decorate(obj, app, revision)
	}

	f.log.V(1).Info("fetched desired state",
		"app", app.Name, "revision", revision, "resources", len(resources))

	return &DesiredState{Revision: revision, Resources: resources}, nil
}

// decorate stamps ownership and revision metadata and defaults the namespace
// for namespaced kinds.
func (f *Fetcher) decorate(obj *unstructured.Unstructured, app *v1alpha1.Application, revision string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[v1alpha1.ApplicationLabel] = app.Name
	obj.SetLabels(labels)

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string)
	}
	annotations[v1alpha1.RevisionAnnotation] = revision
	obj.SetAnnotations(annotations)

	if obj.GetNamespace() == "" && app.DestNamespace != "" && !clusterScopedKinds.Has(obj.GetKind()) {
		obj.SetNamespace(app.DestNamespace)
	}
}
