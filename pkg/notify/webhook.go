// Package notify receives revision notifications over HTTP and turns them
// into reconciliation triggers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// Triggerer is the notification sink, implemented by the reconciliation
// controller.
type Triggerer interface {
	TriggerSync(app string) error
	TriggerRepo(repoURL string)
	TriggerAll()
}

// Event is the notification payload. Either Application or RepoURL selects
// the targets; with neither set, every Application is triggered.
type Event struct {
	// Application names a single Application to sync.
	Application string `json:"application,omitempty"`

	// RepoURL triggers every Application sourced from this repository.
	RepoURL string `json:"repoURL,omitempty"`

	// Revision is informational; the sync always resolves the
	// Application's own target revision.
	Revision string `json:"revision,omitempty"`
}

// Server is the webhook listener.
type Server struct {
	addr      string
	triggerer Triggerer
	log       logr.Logger
}

// NewServer creates a webhook server on addr.
func NewServer(addr string, triggerer Triggerer, log logr.Logger) *Server {
	return &Server{
		addr:      addr,
		triggerer: triggerer,
		log:       log.WithName("webhook"),
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handle)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.log.Info("webhook listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	s.log.V(1).Info("received notification",
		"application", ev.Application, "repoURL", ev.RepoURL, "revision", ev.Revision)

	switch {
	case ev.Application != "":
		if err := s.triggerer.TriggerSync(ev.Application); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	case ev.RepoURL != "":
		s.triggerer.TriggerRepo(ev.RepoURL)
	default:
		s.triggerer.TriggerAll()
	}

	w.WriteHeader(http.StatusAccepted)
}
