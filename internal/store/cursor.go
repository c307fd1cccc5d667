package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCursor returns the singleton sync cursor.
func (s *Store) GetCursor(ctx context.Context) (*SyncCursor, error) {
	return getCursor(ctx, s.db)
}

// PutCursor overwrites the singleton sync cursor.
func (s *Store) PutCursor(ctx context.Context, c SyncCursor) error {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		return putCursor(ctx, tx, c)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, Event{Collection: CollectionCursor, Op: EventUpsert})
	return nil
}

// UpdateCursorToken records a new change token and sync time, keeping the
// bound drive and root. An empty token keeps the current one.
func (s *Store) UpdateCursorToken(ctx context.Context, token string, at time.Time) error {
	query := "UPDATE sync_cursor SET last_sync_ms = ? WHERE key = 'main'"
	args := []any{at.UnixMilli()}
	if token != "" {
		query = "UPDATE sync_cursor SET next_change_token = ?, last_sync_ms = ? WHERE key = 'main'"
		args = []any{token, at.UnixMilli()}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionCursor, Op: EventUpsert})
	return nil
}

func getCursor(ctx context.Context, q querier) (*SyncCursor, error) {
	var (
		token, driveID, rootID sql.NullString
		lastMs                 int64
	)
	err := q.QueryRowContext(ctx,
		"SELECT next_change_token, last_sync_ms, drive_id, root_folder_id FROM sync_cursor WHERE key = 'main'",
	).Scan(&token, &lastMs, &driveID, &rootID)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	c := &SyncCursor{
		NextChangeToken: token.String,
		DriveID:         driveID.String,
		RootFolderID:    rootID.String,
	}
	if lastMs > 0 {
		c.LastSync = time.UnixMilli(lastMs)
	}
	return c, nil
}

func putCursor(ctx context.Context, tx *sql.Tx, c SyncCursor) error {
	var lastMs int64
	if !c.LastSync.IsZero() {
		lastMs = c.LastSync.UnixMilli()
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE sync_cursor SET next_change_token = ?, last_sync_ms = ?, drive_id = ?, root_folder_id = ?
		WHERE key = 'main'`,
		nullString(c.NextChangeToken), lastMs, nullString(c.DriveID), nullString(c.RootFolderID))
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}
