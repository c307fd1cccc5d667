// Package sync mirrors the remote file listing into the local store, either
// as a full replace or by applying the remote change feed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/markdown"
	"github.com/fclairamb/kbsync/internal/store"
)

// Remote is the listing subset of the Drive client used by the engine.
type Remote interface {
	ListEntries(ctx context.Context, cred drive.Credential, collectionID, pageToken string) (drive.EntryPage, error)
	GetChangeCursor(ctx context.Context, cred drive.Credential, collectionID string) (string, error)
	ListChanges(ctx context.Context, cred drive.Credential, collectionID, pageToken string) (drive.ChangePage, error)
	FetchContent(ctx context.Context, cred drive.Credential, id string) (string, error)
}

// Mode is the kind of a sync run.
type Mode string

// Sync modes.
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeBackfill    Mode = "backfill"
)

// Engine runs sync operations against one store. At most one run is in
// flight at a time.
type Engine struct {
	remote       Remote
	store        *store.Store
	logger       *slog.Logger
	now          func() time.Time
	fetchContent bool
	snippetSize  int

	running gosync.Mutex
	active  atomic.Bool

	statusMu gosync.Mutex
	status   Status
}

// Status describes the engine activity and the outcome of the last Sync.
type Status struct {
	Running    bool      `json:"running"`
	LastRun    time.Time `json:"lastRun,omitzero"`
	LastResult *Result   `json:"lastResult,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the clock used for cursor timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithFetchContent makes incremental syncs download the content of upserted
// markdown files and refresh their derived fields.
func WithFetchContent(enabled bool) EngineOption {
	return func(e *Engine) {
		e.fetchContent = enabled
	}
}

// WithSnippetSize sets the maximum snippet size in bytes.
func WithSnippetSize(n int) EngineOption {
	return func(e *Engine) {
		e.snippetSize = n
	}
}

// NewEngine creates a sync engine.
func NewEngine(remote Remote, st *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		remote:      remote,
		store:       st,
		logger:      slog.Default(),
		now:         time.Now,
		snippetSize: markdownSnippetSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

const markdownSnippetSize = 4096

// Sync runs a full sync when forced, when no full sync completed yet, or when
// collectionID names another drive than the bound one. Otherwise it runs an
// incremental sync. An empty collectionID means the bound drive.
func (e *Engine) Sync(ctx context.Context, cred drive.Credential, collectionID string, force bool) (*Result, error) {
	cursor, err := e.store.GetCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	if collectionID == "" {
		collectionID = cursor.DriveID
	}

	if force || !cursor.HasToken() || cursor.DriveID != collectionID {
		if collectionID == "" {
			return nil, apperrors.ErrDriveIDRequired
		}
		return e.record(e.RunFullSync(ctx, cred, collectionID, nil))
	}

	return e.record(e.RunIncrementalSync(ctx, cred, nil))
}

// Status returns a snapshot of the engine status.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	st := e.status
	e.statusMu.Unlock()
	st.Running = e.active.Load()
	return st
}

// record keeps the outcome of a run for Status. A run rejected because
// another one is in flight is not recorded.
func (e *Engine) record(res *Result, err error) (*Result, error) {
	if errors.Is(err, apperrors.ErrSyncInProgress) {
		return res, err
	}

	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status.LastRun = e.now()
	if err != nil {
		e.status.LastError = apperrors.Message(err)
		return res, err
	}
	e.status.LastResult = res
	e.status.LastError = ""
	return res, nil
}

// lock claims the engine for one run.
func (e *Engine) lock() error {
	if !e.running.TryLock() {
		return apperrors.ErrSyncInProgress
	}
	e.active.Store(true)
	return nil
}

func (e *Engine) unlock() {
	e.active.Store(false)
	e.running.Unlock()
}

// refreshDerived downloads the content of one file and stores its derived fields.
func (e *Engine) refreshDerived(ctx context.Context, cred drive.Credential, id string) error {
	content, err := e.remote.FetchContent(ctx, cred, id)
	if err != nil {
		return err
	}
	if err := e.store.ReconcileDerived(ctx, id, markdown.Derive(content, e.snippetSize)); err != nil {
		return err
	}
	return nil
}
