package v1alpha1

import "testing"

func TestApplicationValidate(t *testing.T) {
	valid := Application{
		Name: "demo",
		Source: Source{
			RepoURL:        "file:///srv/deploy",
			TargetRevision: "main",
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(a *Application)
	}{
		{name: "missing name", mutate: func(a *Application) { a.Name = "" }},
		{name: "missing repoURL", mutate: func(a *Application) { a.Source.RepoURL = "" }},
		{name: "missing targetRevision", mutate: func(a *Application) { a.Source.TargetRevision = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := valid
			tt.mutate(&app)
			if err := app.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestOperationPhaseCompleted(t *testing.T) {
	completed := map[OperationPhase]bool{
		OperationRunning:   false,
		OperationSucceeded: true,
		OperationFailed:    true,
		OperationDegraded:  true,
	}
	for phase, want := range completed {
		if got := phase.Completed(); got != want {
			t.Errorf("%s.Completed() = %v, want %v", phase, got, want)
		}
	}
}

func TestResourceRefString(t *testing.T) {
	tests := []struct {
		ref  ResourceRef
		want string
	}{
		{ResourceRef{Kind: "Namespace", Name: "prod"}, "Namespace prod"},
		{ResourceRef{Kind: "ConfigMap", Namespace: "prod", Name: "cm"}, "ConfigMap prod/cm"},
		{ResourceRef{Group: "apps", Kind: "Deployment", Namespace: "prod", Name: "web"}, "apps/Deployment prod/web"},
	}
	for _, tt := range tests {
		if got := tt.ref.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
