package source

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds. Any of them aborts the sync cycle before anything is
// applied.
const (
	SourceUnreachable FetchErrorKind = "SourceUnreachable"
	RevisionNotFound  FetchErrorKind = "RevisionNotFound"
	RenderError       FetchErrorKind = "RenderError"
)

// FetchError is the error type returned by the Fetcher.
type FetchError struct {
	Kind     FetchErrorKind
	RepoURL  string
	Revision string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: repo %q revision %q: %v", e.Kind, e.RepoURL, e.Revision, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsKind reports whether err is a FetchError of the given kind.
func IsKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}
