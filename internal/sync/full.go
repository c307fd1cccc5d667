package sync

import (
	"context"
	"fmt"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/store"
)

// RunFullSync lists every entry of the collection and replaces the local
// file collection and cursor with the result in one transaction. Nothing is
// written unless every page and the change cursor were fetched.
func (e *Engine) RunFullSync(
	ctx context.Context, cred drive.Credential, collectionID string, onProgress ProgressFunc,
) (*Result, error) {
	if collectionID == "" {
		return nil, apperrors.ErrDriveIDRequired
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()

	start := e.now()
	res := &Result{Mode: ModeFull}
	e.logger.InfoContext(ctx, "Starting full sync", "drive_id", collectionID)

	var records []*store.FileRecord
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, res.fail(PhaseListing, err)
		}

		page, err := e.remote.ListEntries(ctx, cred, collectionID, pageToken)
		if err != nil {
			return nil, res.fail(PhaseListing, err)
		}

		records = append(records, page.Entries...)
		res.Pages++
		res.Entries = len(records)
		onProgress.report(Progress{Phase: PhaseListing, Pages: res.Pages, Entries: res.Entries})

		e.logger.DebugContext(ctx, "Fetched listing page",
			"page", res.Pages, "entries", len(page.Entries), "total", res.Entries)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	token, err := e.remote.GetChangeCursor(ctx, cred, collectionID)
	if err != nil {
		return nil, res.fail(PhaseCursor, err)
	}
	if token == "" {
		return nil, res.fail(PhaseCursor, apperrors.ErrEmptyChangeCursor)
	}
	if err := ctx.Err(); err != nil {
		return nil, res.fail(PhaseCursor, err)
	}

	onProgress.report(Progress{Phase: PhaseCommitting, Pages: res.Pages, Entries: res.Entries})

	cursor := store.SyncCursor{
		NextChangeToken: token,
		LastSync:        e.now(),
		DriveID:         collectionID,
		RootFolderID:    collectionID,
	}
	if err := e.store.ReplaceAll(ctx, records, cursor); err != nil {
		return nil, res.fail(PhaseCommitting, err)
	}

	count, err := e.store.CountFiles(ctx, store.Filter{Trashed: store.IncludeTrashed})
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}

	res.Upserted = len(records)
	res.LocalFiles = count
	res.Token = token
	res.Duration = e.now().Sub(start)

	onProgress.report(Progress{
		Phase: PhaseDone, Pages: res.Pages, Entries: res.Entries, LocalFiles: count, Done: true,
	})

	e.logger.InfoContext(ctx, "Full sync complete",
		"pages", res.Pages, "entries", res.Entries, "local_files", count, "duration", res.Duration)

	return res, nil
}
