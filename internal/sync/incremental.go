package sync

import (
	"context"
	"fmt"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/store"
)

// RunIncrementalSync applies the remote change feed since the stored cursor
// token. Each change is committed on its own, so an interrupted run leaves
// every applied change in place and the cursor unchanged; replaying the same
// changes is harmless.
func (e *Engine) RunIncrementalSync(ctx context.Context, cred drive.Credential, onProgress ProgressFunc) (*Result, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()

	cursor, err := e.store.GetCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if !cursor.HasToken() {
		return nil, &apperrors.SyncStateError{Reason: "no change token stored"}
	}
	if cursor.DriveID == "" {
		return nil, &apperrors.SyncStateError{Reason: "no drive bound"}
	}

	start := e.now()
	res := &Result{Mode: ModeIncremental}
	e.logger.InfoContext(ctx, "Starting incremental sync", "drive_id", cursor.DriveID)

	pageToken := cursor.NextChangeToken
	newToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, res.fail(PhaseChanges, err)
		}

		page, err := e.remote.ListChanges(ctx, cred, cursor.DriveID, pageToken)
		if err != nil {
			return nil, res.fail(PhaseChanges, err)
		}
		res.Pages++

		for _, change := range page.Changes {
			if err := e.applyChange(ctx, cred, change, res); err != nil {
				return nil, res.fail(PhaseChanges, err)
			}
			res.Changes++
		}

		if page.NewCursorToken != "" {
			newToken = page.NewCursorToken
		}

		onProgress.report(Progress{Phase: PhaseChanges, Pages: res.Pages, Changes: res.Changes})

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := e.store.UpdateCursorToken(ctx, newToken, e.now()); err != nil {
		return nil, res.fail(PhaseCommitting, err)
	}

	count, err := e.store.CountFiles(ctx, store.Filter{Trashed: store.IncludeTrashed})
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}

	res.LocalFiles = count
	res.Token = newToken
	if res.Token == "" {
		res.Token = cursor.NextChangeToken
	}
	res.Duration = e.now().Sub(start)

	onProgress.report(Progress{
		Phase: PhaseDone, Pages: res.Pages, Changes: res.Changes, LocalFiles: count, Done: true,
	})

	e.logger.InfoContext(ctx, "Incremental sync complete",
		"changes", res.Changes, "upserted", res.Upserted, "deleted", res.Deleted,
		"ignored", res.Ignored, "local_files", count)

	return res, nil
}

// applyChange applies one change entry to the store.
func (e *Engine) applyChange(ctx context.Context, cred drive.Credential, change drive.Change, res *Result) error {
	switch {
	case change.Removed || change.Trashed:
		if err := e.store.DeleteFile(ctx, change.FileID); err != nil {
			return err
		}
		res.Deleted++
		e.logger.DebugContext(ctx, "Deleted file", "file_id", change.FileID)
		return nil

	case change.Entry == nil:
		// The file is not markdown or a folder, possibly because its type
		// changed. A stale local copy must not survive.
		if err := e.store.DeleteFile(ctx, change.FileID); err != nil {
			return err
		}
		res.Ignored++
		return nil
	}

	if err := e.store.UpsertFile(ctx, change.Entry); err != nil {
		return err
	}
	res.Upserted++

	if !e.fetchContent || change.Entry.ResourceType != store.ResourceMarkdown {
		return nil
	}

	if err := e.refreshDerived(ctx, cred, change.Entry.ID); err != nil {
		if apperrors.IsAuth(err) {
			return err
		}
		res.Failed++
		e.logger.WarnContext(ctx, "Failed to fetch content", "file_id", change.Entry.ID, "error", err)
		return nil
	}
	res.Fetched++
	return nil
}
