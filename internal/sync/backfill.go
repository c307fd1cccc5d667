package sync

import (
	"context"
	"fmt"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/store"
)

// BackfillOptions configures a content backfill.
type BackfillOptions struct {
	All   bool // Refresh every markdown file, not only stale ones
	Limit int  // Maximum number of files to fetch (0 = unlimited)
}

// Backfill downloads the content of markdown files whose derived fields are
// missing or stale and stores their snippet, tags and aliases. Per-file
// failures are counted; an auth failure aborts.
func (e *Engine) Backfill(
	ctx context.Context, cred drive.Credential, opts BackfillOptions, onProgress ProgressFunc,
) (*Result, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()

	files, err := e.store.ListFiles(ctx, store.Filter{ResourceType: store.ResourceMarkdown})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	start := e.now()
	res := &Result{Mode: ModeBackfill}
	for _, f := range files {
		if !opts.All && !f.DerivedStale() {
			continue
		}
		if opts.Limit > 0 && res.Fetched+res.Failed >= opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, res.fail(PhaseBackfill, err)
		}

		if err := e.refreshDerived(ctx, cred, f.ID); err != nil {
			if apperrors.IsAuth(err) {
				return nil, res.fail(PhaseBackfill, err)
			}
			res.Failed++
			e.logger.WarnContext(ctx, "Failed to backfill file", "file_id", f.ID, "name", f.Name, "error", err)
			continue
		}
		res.Fetched++
		res.Entries = res.Fetched
		onProgress.report(Progress{Phase: PhaseBackfill, Entries: res.Fetched})
	}

	res.LocalFiles = len(files)
	res.Duration = e.now().Sub(start)
	onProgress.report(Progress{Phase: PhaseDone, Entries: res.Fetched, LocalFiles: len(files), Done: true})

	e.logger.InfoContext(ctx, "Backfill complete", "fetched", res.Fetched, "failed", res.Failed)
	return res, nil
}
