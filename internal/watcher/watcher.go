// Package watcher feeds local edits of vault files to the autosave scheduler.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/vault"
)

// Registry resolves vault files to documents.
type Registry interface {
	Root() string
	IDForPath(path string) (string, bool)
	Entry(id string) (*vault.Entry, error)
}

// Scheduler receives the content of edited documents.
type Scheduler interface {
	Schedule(id, content string)
}

// Watcher watches a vault working tree.
type Watcher struct {
	registry Registry
	target   Scheduler
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New creates a watcher. Start begins delivering events.
func New(registry Registry, target Scheduler, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		registry: registry,
		target:   target,
		logger:   slog.Default(),
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the vault root and its subdirectories.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := w.addTree(w.registry.Root()); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents(ctx)

	w.logger.InfoContext(ctx, "Watching vault", "dir", w.registry.Root())
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(ctx, "Watcher error", "error", err)
		}
	}
}

// handle schedules a save when a document file changed content.
// Chmod, remove and rename events are ignored.
func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if w.skipped(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.WarnContext(ctx, "Failed to watch directory", "dir", event.Name, "error", err)
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	id, ok := w.registry.IDForPath(event.Name)
	if !ok {
		return
	}

	data, err := os.ReadFile(event.Name) //nolint:gosec // path comes from the watched tree
	if err != nil {
		w.logger.DebugContext(ctx, "Changed file not readable", "path", event.Name, "error", err)
		return
	}
	content := string(data)

	entry, err := w.registry.Entry(id)
	switch {
	case err == nil && entry.ContentHash == vault.Hash(content):
		return
	case err != nil && !errors.Is(err, apperrors.ErrNotFound):
		w.logger.WarnContext(ctx, "Failed to read registry", "file_id", id, "error", err)
		return
	}

	w.logger.DebugContext(ctx, "Local edit detected", "file_id", id, "path", event.Name)
	w.target.Schedule(id, content)
}

// skipped reports whether path lies under .git or the registry.
func (w *Watcher) skipped(path string) bool {
	rel, err := filepath.Rel(w.registry.Root(), path)
	if err != nil {
		return true
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == ".git" || first == ".kbsync"
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.skipped(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
