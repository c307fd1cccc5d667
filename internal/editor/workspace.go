package editor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/store"
	"github.com/fclairamb/kbsync/internal/vault"
)

// DefaultAutosaveDelay is the debounce used by Schedule.
const DefaultAutosaveDelay = 2 * time.Second

// Mirror keeps a local copy of saved documents.
type Mirror interface {
	Put(ctx context.Context, doc vault.Document) (*vault.Entry, error)
	Get(ctx context.Context, id string) (*vault.Document, error)
}

// Workspace owns one session per open document, routes autosaves to them,
// and mirrors saved content.
type Workspace struct {
	remote      Remote
	store       *store.Store
	cred        drive.Credential
	mirror      Mirror
	logger      *slog.Logger
	delay       time.Duration
	snippetSize int

	mu        sync.Mutex
	sessions  map[string]*Session
	scheduler *Scheduler
}

// WorkspaceOption configures a Workspace.
type WorkspaceOption func(*Workspace)

// WithMirror mirrors opened and saved documents into m.
func WithMirror(m Mirror) WorkspaceOption {
	return func(w *Workspace) {
		w.mirror = m
	}
}

// WithWorkspaceLogger sets a custom logger.
func WithWorkspaceLogger(l *slog.Logger) WorkspaceOption {
	return func(w *Workspace) {
		w.logger = l
	}
}

// WithAutosaveDelay sets the debounce used by Schedule.
func WithAutosaveDelay(d time.Duration) WorkspaceOption {
	return func(w *Workspace) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithWorkspaceSnippetSize bounds the snippets of every session.
func WithWorkspaceSnippetSize(n int) WorkspaceOption {
	return func(w *Workspace) {
		w.snippetSize = n
	}
}

// NewWorkspace creates a workspace. Timed saves run with ctx; Close stops them.
func NewWorkspace(ctx context.Context, remote Remote, st *store.Store, cred drive.Credential, opts ...WorkspaceOption) *Workspace {
	w := &Workspace{
		remote:   remote,
		store:    st,
		cred:     cred,
		logger:   slog.Default(),
		delay:    DefaultAutosaveDelay,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.scheduler = NewScheduler(ctx, w.save, WithSchedulerLogger(w.logger))
	return w
}

// Close stops the autosave scheduler.
func (w *Workspace) Close() {
	w.scheduler.Stop()
}

// Flush saves every pending autosave now.
func (w *Workspace) Flush(ctx context.Context) error {
	return w.scheduler.Flush(ctx)
}

// Open loads id from the remote, replacing any local session state, and
// mirrors the content.
func (w *Workspace) Open(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, apperrors.ErrFileIDRequired
	}
	s := w.session(id)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	w.mirrorSession(ctx, s)
	return s, nil
}

// Session returns the session of id, resuming it from the mirror or opening
// it from the remote the first time.
func (w *Workspace) Session(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, apperrors.ErrFileIDRequired
	}

	s := w.session(id)
	if s.Loaded() {
		return s, nil
	}
	if w.mirror != nil {
		doc, err := w.mirror.Get(ctx, id)
		switch {
		case err == nil:
			s.Resume(doc.Content, drive.Metadata{ModifiedTime: doc.ModifiedTime, Version: doc.Version})
			w.logger.DebugContext(ctx, "Resumed document from vault", "file_id", id)
			return s, nil
		case !errors.Is(err, apperrors.ErrNotFound):
			w.logger.WarnContext(ctx, "Failed to read vault copy", "file_id", id, "error", err)
		}
	}

	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	w.mirrorSession(ctx, s)
	return s, nil
}

// Schedule debounces a save of content for id.
func (w *Workspace) Schedule(id, content string) {
	w.scheduler.Schedule(id, content, w.delay)
}

// Pending returns the content waiting to be autosaved for id.
func (w *Workspace) Pending(id string) (string, bool) {
	return w.scheduler.Pending(id)
}

// Save cancels any pending autosave of id and saves content now.
func (w *Workspace) Save(ctx context.Context, id, content string) error {
	return w.scheduler.SaveNow(ctx, id, content)
}

// Overwrite saves content for id without conflict detection.
func (w *Workspace) Overwrite(ctx context.Context, id, content string) error {
	w.scheduler.Cancel(id)
	s, err := w.Session(ctx, id)
	if err != nil {
		return err
	}
	s.Edit(content)
	err = s.Overwrite(ctx)
	w.afterSave(ctx, s, err)
	return err
}

// Reload discards local edits of id, queued ones included, and reloads the
// remote version.
func (w *Workspace) Reload(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, apperrors.ErrFileIDRequired
	}
	w.scheduler.Cancel(id)
	s := w.session(id)
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	w.mirrorSession(ctx, s)
	return s, nil
}

func (w *Workspace) save(ctx context.Context, id, content string) error {
	s, err := w.Session(ctx, id)
	if err != nil {
		return err
	}
	s.Edit(content)
	err = s.Save(ctx)
	w.afterSave(ctx, s, err)
	return err
}

// afterSave mirrors the buffer when it was written or queued.
func (w *Workspace) afterSave(ctx context.Context, s *Session, err error) {
	if err == nil || errors.Is(err, apperrors.ErrQueuedOffline) {
		w.mirrorSession(ctx, s)
	}
}

func (w *Workspace) session(id string) *Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s, ok := w.sessions[id]; ok {
		return s
	}
	s := NewSession(id, w.remote, w.store, w.cred, WithLogger(w.logger), WithSnippetSize(w.snippetSize))
	w.sessions[id] = s
	return s
}

func (w *Workspace) mirrorSession(ctx context.Context, s *Session) {
	if w.mirror == nil {
		return
	}

	name := s.ID()
	if rec, err := w.store.GetFile(ctx, s.ID()); err == nil {
		name = rec.Name
	}
	base := s.Baseline()
	doc := vault.Document{
		ID:           s.ID(),
		Name:         name,
		Content:      s.Content(),
		ModifiedTime: base.ModifiedTime,
		Version:      base.Version,
	}
	if _, err := w.mirror.Put(ctx, doc); err != nil {
		w.logger.WarnContext(ctx, "Failed to mirror document", "file_id", s.ID(), "error", err)
	}
}
