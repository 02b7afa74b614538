// Package history persists the append-only log of sync operations, one
// totally ordered log per Application, sufficient to reconstruct rollback
// targets.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
)

// Store is a file-backed history store. Each Application gets one JSON-lines
// log file; entries are immutable once written and ordered by sequence.
type Store struct {
	dir   string
	limit int
	log   logr.Logger

	mu      sync.Mutex
	nextSeq map[string]uint64
}

// NewStore opens (creating if needed) a store rooted at dir. limit caps
// retained entries per Application; 0 keeps everything.
func NewStore(dir string, limit int, log logr.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &Store{
		dir:     dir,
		limit:   limit,
		log:     log.WithName("history"),
		nextSeq: make(map[string]uint64),
	}, nil
}

func (s *Store) path(app string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(app, string(os.PathSeparator), "_")+".log")
}

// Append assigns the next sequence number and writes the operation to the
// Application's log. The operation must be completed; running operations
// are not recorded.
func (s *Store) Append(op *v1alpha1.SyncOperation) error {
	if !op.Phase.Completed() {
		return fmt.Errorf("refusing to record operation %s in non-terminal phase %s", op.ID, op.Phase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeqLocked(op.Application)
	if err != nil {
		return err
	}
	op.Sequence = seq

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}

	f, err := os.OpenFile(s.path(op.Application), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync history log: %w", err)
	}

	s.nextSeq[op.Application] = seq + 1

	if s.limit > 0 {
		if err := s.compactLocked(op.Application); err != nil {
			// Retention is best effort; the log is still correct.
			s.log.Error(err, "failed to compact history", "app", op.Application)
		}
	}
	return nil
}

// nextSeqLocked determines the next sequence number, scanning the existing
// log on first use.
func (s *Store) nextSeqLocked(app string) (uint64, error) {
	if seq, ok := s.nextSeq[app]; ok {
		return seq, nil
	}

	ops, err := s.readLocked(app)
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if n := len(ops); n > 0 {
		next = ops[n-1].Sequence + 1
	}
	s.nextSeq[app] = next
	return next, nil
}

// List returns all recorded operations for the Application in order.
func (s *Store) List(app string) ([]v1alpha1.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(app)
}

// Last returns the most recent operation, or nil if none is recorded.
func (s *Store) Last(app string) (*v1alpha1.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.readLocked(app)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return &ops[len(ops)-1], nil
}

// FindRevision returns the most recent operation that converged to the
// given revision, the rollback target for that revision.
func (s *Store) FindRevision(app, revision string) (*v1alpha1.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.readLocked(app)
	if err != nil {
		return nil, err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Revision == revision && ops[i].Phase == v1alpha1.OperationSucceeded && !ops[i].DryRun {
			return &ops[i], nil
		}
	}
	return nil, fmt.Errorf("no successful sync recorded for revision %q", revision)
}

func (s *Store) readLocked(app string) ([]v1alpha1.SyncOperation, error) {
	f, err := os.Open(s.path(app))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	var ops []v1alpha1.SyncOperation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var op v1alpha1.SyncOperation
		if err := json.Unmarshal(line, &op); err != nil {
			return nil, fmt.Errorf("corrupt history entry for %q: %w", app, err)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history log: %w", err)
	}
	return ops, nil
}

// compactLocked rewrites the log keeping only the newest limit entries.
func (s *Store) compactLocked(app string) error {
	ops, err := s.readLocked(app)
	if err != nil {
		return err
	}
	if len(ops) <= s.limit {
		return nil
	}
	keep := ops[len(ops)-s.limit:]

	tmp := s.path(app) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for i := range keep {
		data, err := json.Marshal(&keep[i])
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(app))
}
