// Package queue replays pending changes that could not reach the remote.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/markdown"
	"github.com/fclairamb/kbsync/internal/retry"
	"github.com/fclairamb/kbsync/internal/store"
)

const defaultSnippetSize = 4096

// Remote is the subset of the Drive client used to replay changes.
type Remote interface {
	FetchMetadata(ctx context.Context, cred drive.Credential, id string) (drive.Metadata, error)
	WriteContent(ctx context.Context, cred drive.Credential, id, content string) (drive.Metadata, error)
	CreateFile(ctx context.Context, cred drive.Credential, name, parentID, content string) (*store.FileRecord, error)
	TrashFile(ctx context.Context, cred drive.Credential, id string) error
}

// ReplayResult summarizes one replay.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Remaining int `json:"remaining"`
}

// Manager replays the pending change queue.
type Manager struct {
	store       *store.Store
	remote      Remote
	logger      *slog.Logger
	now         func() time.Time
	backoff     func(attempt int) time.Duration
	snippetSize int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock sets the time source used for backoff decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithBackoff replaces retry.Backoff as the wait between attempts of one change.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(m *Manager) {
		m.backoff = fn
	}
}

// WithSnippetSize bounds the snippet stored after a replayed write.
func WithSnippetSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.snippetSize = n
		}
	}
}

// NewManager creates a queue manager.
func NewManager(st *store.Store, remote Remote, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		remote:      remote,
		logger:      slog.Default(),
		now:         time.Now,
		backoff:     retry.Backoff,
		snippetSize: defaultSnippetSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends change to the queue and returns it with its LocalID.
func (m *Manager) Enqueue(ctx context.Context, change *store.PendingChange) (*store.PendingChange, error) {
	if change.TargetFileID == "" && change.Operation != store.OpCreate {
		return nil, apperrors.ErrFileIDRequired
	}
	return m.store.EnqueueChange(ctx, change.TargetFileID, change.Operation, change.Payload)
}

// List returns the queued changes in LocalID order.
func (m *Manager) List(ctx context.Context) ([]*store.PendingChange, error) {
	return m.store.ListPending(ctx)
}

// Replay applies the queued changes in order. A change whose backoff has not
// elapsed is skipped. A failed change stays queued with its attempt recorded.
// An update whose document changed remotely since it was queued is held as a
// conflict and not retried. An authentication failure stops the replay.
func (m *Manager) Replay(ctx context.Context, cred drive.Credential) (*ReplayResult, error) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{}
	now := m.now()
	for _, pc := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if pc.Conflicted() {
			res.Conflicts++
			continue
		}
		if !pc.LastAttempt.IsZero() && now.Sub(pc.LastAttempt) < m.backoff(pc.RetryCount) {
			res.Skipped++
			continue
		}

		res.Attempted++
		err := m.apply(ctx, cred, pc)
		if err == nil {
			if err := m.store.DeletePending(ctx, pc.LocalID); err != nil {
				return res, err
			}
			res.Replayed++
			m.logger.InfoContext(ctx, "Replayed pending change",
				"local_id", pc.LocalID, "operation", pc.Operation, "file_id", pc.TargetFileID)
			continue
		}

		if apperrors.IsAuth(err) {
			return res, fmt.Errorf("replay change %d: %w", pc.LocalID, err)
		}
		var conflict *apperrors.ConflictError
		if errors.As(err, &conflict) {
			res.Conflicts++
			m.logger.WarnContext(ctx, "Pending change conflicts with a remote edit",
				"local_id", pc.LocalID, "file_id", pc.TargetFileID,
				"loaded_at", conflict.LoadedAt, "remote_at", conflict.RemoteAt)
			if err := m.store.MarkConflict(ctx, pc.LocalID, err.Error()); err != nil {
				return res, err
			}
			continue
		}
		res.Failed++
		m.logger.WarnContext(ctx, "Pending change failed",
			"local_id", pc.LocalID, "operation", pc.Operation, "attempt", pc.RetryCount+1, "error", err)
		if err := m.store.RecordAttempt(ctx, pc.LocalID, err.Error()); err != nil {
			return res, err
		}
	}

	remaining, err := m.store.CountPending(ctx)
	if err != nil {
		return res, err
	}
	res.Remaining = remaining
	return res, nil
}

func (m *Manager) apply(ctx context.Context, cred drive.Credential, pc *store.PendingChange) error {
	payload := pc.Payload
	if payload == nil {
		payload = &store.ChangePayload{}
	}

	switch pc.Operation {
	case store.OpUpdate:
		if err := m.checkRemote(ctx, cred, pc.TargetFileID, payload.BaseModifiedTime); err != nil {
			return err
		}
		meta, err := m.remote.WriteContent(ctx, cred, pc.TargetFileID, payload.Content)
		if err != nil {
			return err
		}
		return m.refresh(ctx, pc.TargetFileID, payload.Content, meta)

	case store.OpCreate:
		rec, err := m.remote.CreateFile(ctx, cred, payload.Name, payload.ParentID, payload.Content)
		if err != nil {
			return err
		}
		d := markdown.Derive(payload.Content, m.snippetSize)
		rec.ContentSnippet, rec.Tags, rec.Aliases = d.Snippet, d.Tags, d.Aliases
		if err := m.store.UpsertFile(ctx, rec); err != nil {
			return err
		}
		// The queued id was a local placeholder.
		if pc.TargetFileID != "" && pc.TargetFileID != rec.ID {
			return m.store.DeleteFile(ctx, pc.TargetFileID)
		}
		return nil

	case store.OpDelete:
		if err := m.remote.TrashFile(ctx, cred, pc.TargetFileID); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		return m.store.DeleteFile(ctx, pc.TargetFileID)

	default:
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidOperation, pc.Operation)
	}
}

// checkRemote returns a *apperrors.ConflictError when the document was
// modified remotely after base.
func (m *Manager) checkRemote(ctx context.Context, cred drive.Credential, id string, base time.Time) error {
	if base.IsZero() {
		return nil
	}
	remote, err := m.remote.FetchMetadata(ctx, cred, id)
	if err != nil {
		return err
	}
	if remote.ModifiedTime.After(base) {
		return &apperrors.ConflictError{FileID: id, LoadedAt: base, RemoteAt: remote.ModifiedTime}
	}
	return nil
}

// refresh stores the metadata and derived fields of a replayed write. The
// record may have been removed by a sync in the meantime.
func (m *Manager) refresh(ctx context.Context, id, content string, meta drive.Metadata) error {
	err := m.store.UpdateMetadata(ctx, id, meta.ModifiedTime, meta.Version)
	if err == nil {
		err = m.store.ReconcileDerived(ctx, id, markdown.Derive(content, m.snippetSize))
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}
