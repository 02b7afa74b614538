package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// refsFile maps revision pointers (branch/tag names) to revision IDs.
const refsFile = "refs.yaml"

// FSProvider opens filesystem-backed repositories. The repository URL is a
// directory path, optionally prefixed with "file://".
type FSProvider struct{}

// Open implements Provider.
func (FSProvider) Open(ctx context.Context, repoURL string) (Repository, error) {
	root := strings.TrimPrefix(repoURL, "file://")
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository %q: %w", repoURL, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository %q is not a directory", repoURL)
	}
	return &FSRepository{root: root}, nil
}

// FSRepository is a filesystem revision store: one subdirectory per revision
// ID, with refs.yaml mapping symbolic refs to revision IDs.
type FSRepository struct {
	root string
}

// NewFSRepository creates an FSRepository rooted at dir.
func NewFSRepository(dir string) *FSRepository {
	return &FSRepository{root: dir}
}

// ResolveRevision implements Repository. A ref naming an existing revision
// directory resolves to itself; otherwise it is looked up in refs.yaml.
func (r *FSRepository) ResolveRevision(ctx context.Context, ref string) (string, error) {
	if info, err := os.Stat(filepath.Join(r.root, ref)); err == nil && info.IsDir() {
		return ref, nil
	}

	data, err := os.ReadFile(filepath.Join(r.root, refsFile))
	if err != nil {
		return "", fmt.Errorf("revision %q not found and no %s: %w", ref, refsFile, err)
	}

	refs := make(map[string]string)
	if err := yaml.Unmarshal(data, &refs); err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", refsFile, err)
	}

	revision, ok := refs[ref]
	if !ok {
		return "", fmt.Errorf("revision %q not found", ref)
	}
	if info, err := os.Stat(filepath.Join(r.root, revision)); err != nil || !info.IsDir() {
		return "", fmt.Errorf("ref %q points to missing revision %q", ref, revision)
	}
	return revision, nil
}

// FetchTree implements Repository.
func (r *FSRepository) FetchTree(ctx context.Context, revision string) (map[string][]byte, error) {
	dir := filepath.Join(r.root, revision)
	tree := make(map[string][]byte)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tree at revision %q: %w", revision, err)
	}
	return tree, nil
}

// Notifier emits a signal when a filesystem repository changes, serving as
// the revision notification channel for locally hosted sources.
type Notifier struct {
	root string
	log  logr.Logger

	// debounce coalesces bursts of filesystem events into one signal.
	debounce time.Duration
}

// NewNotifier creates a Notifier for the repository rooted at dir.
func NewNotifier(dir string, log logr.Logger) *Notifier {
	return &Notifier{
		root:     strings.TrimPrefix(dir, "file://"),
		log:      log.WithName("source-notifier"),
		debounce: 100 * time.Millisecond,
	}
}

// Start watches the repository root until ctx is done, invoking fn after
// each burst of changes.
func (n *Notifier) Start(ctx context.Context, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(n.root); err != nil {
		return fmt.Errorf("failed to watch %q: %w", n.root, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			n.log.V(1).Info("repository changed", "file", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(n.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			n.log.Error(err, "watcher error")

		case <-fire:
			fn()
		}
	}
}
