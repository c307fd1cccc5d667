// Package editor implements the conflict-aware save path for open documents.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/markdown"
	"github.com/fclairamb/kbsync/internal/store"
)

// State is the save state of a session.
type State int

const (
	// Clean means the buffer matches the last saved content.
	Clean State = iota
	// Dirty means the buffer has unsaved edits.
	Dirty
	// Saving means a write is in flight.
	Saving
	// ConflictDetected means the remote changed since the baseline. Reload or Overwrite resolves it.
	ConflictDetected
	// SaveFailed means the last save failed. The buffer is kept.
	SaveFailed
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	case ConflictDetected:
		return "conflict"
	case SaveFailed:
		return "save-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Remote is the subset of the Drive client a session needs.
type Remote interface {
	FetchContent(ctx context.Context, cred drive.Credential, id string) (string, error)
	FetchMetadata(ctx context.Context, cred drive.Credential, id string) (drive.Metadata, error)
	WriteContent(ctx context.Context, cred drive.Credential, id, content string) (drive.Metadata, error)
}

const defaultSnippetSize = 4096

// Session is the editing state of one document. It is safe for concurrent use.
type Session struct {
	id          string
	remote      Remote
	store       *store.Store
	cred        drive.Credential
	logger      *slog.Logger
	snippetSize int

	mu       sync.Mutex
	loaded   bool
	state    State
	buffer   string
	saved    string
	baseline drive.Metadata
	lastErr  error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithSnippetSize bounds the snippet stored after a load or save.
func WithSnippetSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.snippetSize = n
		}
	}
}

// NewSession creates an unloaded session for id. Call Open or Resume before editing.
func NewSession(id string, remote Remote, st *store.Store, cred drive.Credential, opts ...SessionOption) *Session {
	s := &Session{
		id:          id,
		remote:      remote,
		store:       st,
		cred:        cred,
		logger:      slog.Default(),
		snippetSize: defaultSnippetSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the document id.
func (s *Session) ID() string {
	return s.id
}

// Loaded reports whether Open or Resume has succeeded.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// State returns the current save state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Content returns the edit buffer.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Baseline returns the remote metadata the buffer was loaded or last saved against.
func (s *Session) Baseline() drive.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// Err returns the error of the last failed save, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Open loads the content and metadata of the document in parallel and makes
// them the baseline. Local edits are discarded.
func (s *Session) Open(ctx context.Context) error {
	var (
		content string
		meta    drive.Metadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		content, err = s.remote.FetchContent(gctx, s.cred, s.id)
		return err
	})
	g.Go(func() error {
		var err error
		meta, err = s.remote.FetchMetadata(gctx, s.cred, s.id)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("open %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.loaded = true
	s.state = Clean
	s.buffer = content
	s.saved = content
	s.baseline = meta
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "Opened document", "file_id", s.id, "modified", meta.ModifiedTime, "version", meta.Version)
	s.reconcile(ctx, content, meta)
	return nil
}

// Resume restores a session from previously synced content and its baseline
// without contacting the remote.
func (s *Session) Resume(content string, baseline drive.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = true
	s.state = Clean
	s.buffer = content
	s.saved = content
	s.baseline = baseline
	s.lastErr = nil
}

// Edit replaces the buffer. Returning to the saved content makes a dirty session clean.
func (s *Session) Edit(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = content
	switch s.state {
	case Clean, SaveFailed:
		if content != s.saved {
			s.state = Dirty
		}
	case Dirty:
		if content == s.saved {
			s.state = Clean
		}
	case Saving, ConflictDetected:
		// Unchanged: the save in flight or the pending resolution decides.
	}
}

// Save writes the buffer when the remote has not changed since the baseline.
// A newer remote yields ConflictDetected and a *apperrors.ConflictError. A
// network failure queues the content and returns an error matching
// apperrors.ErrQueuedOffline.
func (s *Session) Save(ctx context.Context) error {
	return s.save(ctx, false)
}

// Overwrite writes the buffer without checking the remote.
func (s *Session) Overwrite(ctx context.Context) error {
	return s.save(ctx, true)
}

// Reload discards local edits, including queued ones, and reloads the remote version.
func (s *Session) Reload(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	s.dropQueued(ctx)
	return nil
}

func (s *Session) save(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return fmt.Errorf("save %s: %w", s.id, apperrors.ErrNotLoaded)
	}
	switch s.state {
	case Saving:
		s.mu.Unlock()
		return fmt.Errorf("save %s: %w", s.id, apperrors.ErrSaveInProgress)
	case Clean:
		if !force {
			s.mu.Unlock()
			return nil
		}
	case ConflictDetected:
		if !force {
			err := s.lastErr
			s.mu.Unlock()
			return err
		}
	case Dirty, SaveFailed:
	}
	content := s.buffer
	baseline := s.baseline
	s.state = Saving
	s.mu.Unlock()

	// A forced write replays without a conflict check.
	base := baseline.ModifiedTime
	if force {
		base = time.Time{}
	}

	if !force && !baseline.ModifiedTime.IsZero() {
		remote, err := s.remote.FetchMetadata(ctx, s.cred, s.id)
		if err != nil {
			return s.fail(ctx, content, base, err)
		}
		if remote.ModifiedTime.After(baseline.ModifiedTime) {
			conflict := &apperrors.ConflictError{
				FileID:   s.id,
				LoadedAt: baseline.ModifiedTime,
				RemoteAt: remote.ModifiedTime,
			}
			s.mu.Lock()
			s.state = ConflictDetected
			s.lastErr = conflict
			s.mu.Unlock()

			s.logger.WarnContext(ctx, "Save conflict", "file_id", s.id,
				"loaded_at", baseline.ModifiedTime, "remote_at", remote.ModifiedTime)
			return conflict
		}
	}

	meta, err := s.remote.WriteContent(ctx, s.cred, s.id, content)
	if err != nil {
		return s.fail(ctx, content, base, err)
	}

	s.mu.Lock()
	s.baseline = meta
	s.saved = content
	s.lastErr = nil
	if s.buffer == content {
		s.state = Clean
	} else {
		s.state = Dirty
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Saved document", "file_id", s.id, "version", meta.Version, "forced", force)
	s.reconcile(ctx, content, meta)
	s.dropQueued(ctx)
	return nil
}

// fail records a failed save. Network failures queue the content for replay
// against base.
func (s *Session) fail(ctx context.Context, content string, base time.Time, err error) error {
	s.mu.Lock()
	s.state = SaveFailed
	s.lastErr = err
	s.mu.Unlock()

	if !apperrors.IsTransport(err) {
		s.logger.WarnContext(ctx, "Save failed", "file_id", s.id, "error", err)
		return fmt.Errorf("save %s: %w", s.id, err)
	}

	s.dropQueued(ctx)
	pc, qerr := s.store.EnqueueChange(ctx, s.id, store.OpUpdate, &store.ChangePayload{
		Content:          content,
		BaseModifiedTime: base,
	})
	if qerr != nil {
		return fmt.Errorf("save %s: %w (queue: %w)", s.id, err, qerr)
	}

	queued := fmt.Errorf("save %s: %w: %w", s.id, apperrors.ErrQueuedOffline, err)
	s.mu.Lock()
	s.lastErr = queued
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Save queued offline", "file_id", s.id, "local_id", pc.LocalID)
	return queued
}

// dropQueued removes queued updates of this document that a newer write supersedes.
func (s *Session) dropQueued(ctx context.Context) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to list pending changes", "error", err)
		return
	}
	for _, pc := range pending {
		if pc.TargetFileID != s.id || pc.Operation != store.OpUpdate {
			continue
		}
		if err := s.store.DeletePending(ctx, pc.LocalID); err != nil {
			s.logger.WarnContext(ctx, "Failed to drop superseded change", "local_id", pc.LocalID, "error", err)
		}
	}
}

// reconcile refreshes the stored metadata and derived fields after a load or save.
// The document may not be mirrored yet, which is not an error.
func (s *Session) reconcile(ctx context.Context, content string, meta drive.Metadata) {
	err := s.store.UpdateMetadata(ctx, s.id, meta.ModifiedTime, meta.Version)
	if err == nil {
		err = s.store.ReconcileDerived(ctx, s.id, markdown.Derive(content, s.snippetSize))
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		s.logger.DebugContext(ctx, "Document not in local store", "file_id", s.id)
		return
	}
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to reconcile document", "file_id", s.id, "error", err)
	}
}
