package source

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

type memRepo struct {
	refs  map[string]string
	trees map[string]map[string][]byte
}

func (r *memRepo) ResolveRevision(_ context.Context, ref string) (string, error) {
	if rev, ok := r.refs[ref]; ok {
		return rev, nil
	}
	if _, ok := r.trees[ref]; ok {
		return ref, nil
	}
	return "", errors.New("unknown revision " + ref)
}

func (r *memRepo) FetchTree(_ context.Context, revision string) (map[string][]byte, error) {
	tree, ok := r.trees[revision]
	if !ok {
		return nil, errors.New("no tree at " + revision)
	}
	return tree, nil
}

type memProvider struct {
	repos map[string]*memRepo
}

func (p *memProvider) Open(_ context.Context, repoURL string) (Repository, error) {
	repo, ok := p.repos[repoURL]
	if !ok {
		return nil, errors.New("cannot reach " + repoURL)
	}
	return repo, nil
}

func testApp() *v1alpha1.Application {
	return &v1alpha1.Application{
		Name: "demo",
		Source: v1alpha1.Source{
			RepoURL:        "mem://repo",
			Path:           "app",
			TargetRevision: "main",
		},
		DestNamespace: "prod",
	}
}

func testProvider() *memProvider {
	return &memProvider{
		repos: map[string]*memRepo{
			"mem://repo": {
				refs: map[string]string{"main": "rev-1"},
				trees: map[string]map[string][]byte{
					"rev-1": {
						"app/values.yaml": []byte("name: web"),
						"app/dep.yaml": []byte(`
apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Values.name }}
`),
						"app/ns.yaml": []byte(`
apiVersion: v1
kind: Namespace
metadata:
  name: prod
`),
					},
				},
			},
		},
	}
}

func TestFetch(t *testing.T) {
	fetcher := NewFetcher(testProvider(), logr.Discard())

	state, err := fetcher.Fetch(context.Background(), testApp())
	require.NoError(t, err)
	assert.Equal(t, "rev-1", state.Revision)
	require.Len(t, state.Resources, 2)

	// Lexical order: dep.yaml before ns.yaml.
	dep := state.Resources[0]
	assert.Equal(t, "Deployment", dep.GetKind())
	assert.Equal(t, "web", dep.GetName())

	// Decoration: ownership label, revision annotation, namespace default.
	assert.Equal(t, "demo", dep.GetLabels()[v1alpha1.ApplicationLabel])
	assert.Equal(t, "rev-1", dep.GetAnnotations()[v1alpha1.RevisionAnnotation])
	assert.Equal(t, "prod", dep.GetNamespace())

	// Cluster-scoped kinds never receive a namespace default.
	ns := state.Resources[1]
	assert.Equal(t, "Namespace", ns.GetKind())
	assert.Empty(t, ns.GetNamespace())
}

func TestFetchRevisionPinsRevision(t *testing.T) {
	fetcher := NewFetcher(testProvider(), logr.Discard())

	state, err := fetcher.FetchRevision(context.Background(), testApp(), "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", state.Revision)
}

func TestFetchErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(app *v1alpha1.Application, provider *memProvider)
		kind   FetchErrorKind
	}{
		{
			name: "unreachable repo",
			mutate: func(app *v1alpha1.Application, _ *memProvider) {
				app.Source.RepoURL = "mem://gone"
			},
			kind: SourceUnreachable,
		},
		{
			name: "unknown revision",
			mutate: func(app *v1alpha1.Application, _ *memProvider) {
				app.Source.TargetRevision = "no-such-branch"
			},
			kind: RevisionNotFound,
		},
		{
			name: "template failure",
			mutate: func(_ *v1alpha1.Application, provider *memProvider) {
				tree := provider.repos["mem://repo"].trees["rev-1"]
				tree["app/dep.yaml"] = []byte("name: {{ .Values.missing.deep }}")
			},
			kind: RenderError,
		},
		{
			name: "empty render",
			mutate: func(app *v1alpha1.Application, _ *memProvider) {
				app.Source.Path = "empty"
			},
			kind: RenderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := testApp()
			provider := testProvider()
			tt.mutate(app, provider)

			fetcher := NewFetcher(provider, logr.Discard())
			_, err := fetcher.Fetch(context.Background(), app)
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)

			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.NotNil(t, fe.Unwrap())
		})
	}
}
