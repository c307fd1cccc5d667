package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/queue"
	"github.com/fclairamb/kbsync/internal/retry"
	"github.com/fclairamb/kbsync/internal/sync"
)

// Syncer runs one sync against the bound drive.
type Syncer interface {
	Sync(ctx context.Context, cred drive.Credential, collectionID string, force bool) (*sync.Result, error)
}

// Replayer replays the pending change queue.
type Replayer interface {
	Replay(ctx context.Context, cred drive.Credential) (*queue.ReplayResult, error)
}

// Committer records and publishes the vault working tree.
type Committer interface {
	Commit(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context) error
}

// Push retry settings.
const (
	pushMaxRetries    = 3
	pushInitialDelay  = 5 * time.Second
	pushBackoffFactor = 2
)

// SyncWorker runs syncs in the background when notified.
type SyncWorker struct {
	engine   Syncer
	replayer Replayer
	vault    Committer
	push     bool
	cred     drive.Credential
	driveID  string
	policy   retry.Policy
	logger   *slog.Logger
	now      func() time.Time

	syncDelay time.Duration
	schedule  string
	pushDelay time.Duration
	notify    chan struct{}
}

// SyncWorkerOption configures the SyncWorker.
type SyncWorkerOption func(*SyncWorker)

// WithSyncDelay sets the debounce delay before processing.
// This allows multiple rapid notifications to coalesce into a single sync.
func WithSyncDelay(d time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.syncDelay = d
	}
}

// WithSchedule adds periodic notifications following a cron spec.
func WithSchedule(spec string) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.schedule = spec
	}
}

// WithReplayer replays the pending queue after each sync.
func WithReplayer(r Replayer) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.replayer = r
	}
}

// WithVault commits the vault after each run, and pushes it when push is set.
func WithVault(c Committer, push bool) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.vault = c
		w.push = push
	}
}

// WithDriveID sets the drive passed to Sync. Empty means the bound drive.
func WithDriveID(id string) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.driveID = id
	}
}

// WithRetryPolicy replaces retry.DefaultPolicy for sync runs.
func WithRetryPolicy(p retry.Policy) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.policy = p
	}
}

// WithWorkerLogger sets a custom logger.
func WithWorkerLogger(l *slog.Logger) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.logger = l
	}
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(engine Syncer, cred drive.Credential, opts ...SyncWorkerOption) *SyncWorker {
	worker := &SyncWorker{
		engine:    engine,
		cred:      cred,
		policy:    retry.DefaultPolicy(),
		logger:    slog.Default(),
		now:       time.Now,
		pushDelay: pushInitialDelay,
		notify:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(worker)
	}
	if worker.policy.Logger == nil {
		worker.policy.Logger = worker.logger
	}

	return worker
}

// Notify signals that there is new work to process.
// This is non-blocking - if a notification is already pending, it's a no-op.
func (w *SyncWorker) Notify() {
	select {
	case w.notify <- struct{}{}:
		w.logger.Debug("sync worker notified")
	default:
		w.logger.Debug("sync worker notification skipped (already pending)")
	}
}

// Start runs the sync worker until the context is canceled or an
// authentication failure makes further runs pointless.
// This method blocks and should be called in a goroutine.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "sync worker started", "sync_delay", w.syncDelay, "schedule", w.schedule)

	if w.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(w.schedule, w.Notify); err != nil {
			return fmt.Errorf("parse sync schedule %q: %w", w.schedule, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "sync worker stopping")
			return nil
		case <-w.notify:
			if err := w.processWithDelay(ctx); err != nil {
				w.logger.ErrorContext(ctx, "sync worker stopping on fatal error", "error", err)
				return err
			}
		}
	}
}

// processWithDelay waits for the sync delay (if configured) then runs once.
// Notifications received while waiting are folded into the run.
func (w *SyncWorker) processWithDelay(ctx context.Context) error {
	if w.syncDelay > 0 {
		w.logger.DebugContext(ctx, "waiting for sync delay", "delay", w.syncDelay)

		timer := time.NewTimer(w.syncDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}

	select {
	case <-w.notify:
	default:
	}

	return w.RunOnce(ctx)
}

// RunOnce syncs, replays the pending queue and commits the vault. Only an
// authentication failure is returned: other failures are logged and left to
// the next run.
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	var res *sync.Result
	err := retry.Do(ctx, w.policy, func(ctx context.Context) error {
		var err error
		res, err = w.engine.Sync(ctx, w.cred, w.driveID, false)
		return err
	})
	switch {
	case err == nil:
		w.logger.InfoContext(ctx, "sync worker completed sync",
			"mode", res.Mode, "changes", res.Changes, "upserted", res.Upserted, "deleted", res.Deleted)
	case apperrors.IsAuth(err):
		return fmt.Errorf("sync: %w", err)
	case errors.Is(err, apperrors.ErrSyncInProgress):
		w.logger.InfoContext(ctx, "sync already running, skipping")
	case ctx.Err() != nil:
		return nil
	default:
		w.logger.ErrorContext(ctx, "sync worker failed to sync",
			"category", apperrors.Category(err), "error", err)
	}

	if w.replayer != nil {
		rr, err := w.replayer.Replay(ctx, w.cred)
		switch {
		case apperrors.IsAuth(err):
			return fmt.Errorf("replay: %w", err)
		case err != nil:
			w.logger.WarnContext(ctx, "failed to replay pending changes", "error", err)
		case rr.Attempted > 0 || rr.Conflicts > 0:
			w.logger.InfoContext(ctx, "replayed pending changes",
				"replayed", rr.Replayed, "failed", rr.Failed, "conflicts", rr.Conflicts, "remaining", rr.Remaining)
		}
	}

	if w.vault != nil {
		w.commitAndPush(ctx, "sync complete")
	}
	return nil
}

// commitAndPush commits vault changes and optionally pushes them.
// Failures are logged: the vault stays consistent for the next run.
func (w *SyncWorker) commitAndPush(ctx context.Context, reason string) {
	message := fmt.Sprintf("[kbsync] %s at %s", reason, w.now().Format(time.RFC3339))
	committed, err := w.vault.Commit(ctx, message)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to commit vault", "error", err, "reason", reason)
		return
	}
	if !committed || !w.push {
		return
	}

	if err := w.pushWithRetry(ctx); err != nil {
		w.logger.ErrorContext(ctx, "failed to push vault", "error", err)
	}
}

// pushWithRetry attempts to push with exponential backoff.
func (w *SyncWorker) pushWithRetry(ctx context.Context) error {
	var lastErr error
	delay := w.pushDelay

	for attempt := 0; attempt <= pushMaxRetries; attempt++ {
		if attempt > 0 {
			w.logger.InfoContext(ctx, "retrying push after delay",
				"attempt", attempt,
				"max_attempts", pushMaxRetries,
				"delay", delay,
				"previous_error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= pushBackoffFactor
		}

		if err := w.vault.Push(ctx); err != nil {
			lastErr = err
			w.logger.WarnContext(ctx, "push failed",
				"attempt", attempt+1,
				"max_attempts", pushMaxRetries+1,
				"error", err)
			continue
		}

		if attempt > 0 {
			w.logger.InfoContext(ctx, "push succeeded after retry", "attempt", attempt+1)
		}
		return nil
	}

	return fmt.Errorf("push failed after %d attempts: %w", pushMaxRetries+1, lastErr)
}
