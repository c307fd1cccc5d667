package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

const pendingColumns = `local_id, target_file_id, operation, payload, queued_at_ms, retry_count, last_error, last_attempt_ms, conflicted_at_ms`

// EnqueueChange appends a pending change and returns it with its assigned LocalID.
func (s *Store) EnqueueChange(
	ctx context.Context, target string, op Operation, payload *ChangePayload,
) (*PendingChange, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidOperation, op)
	}

	var raw sql.NullString
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = sql.NullString{String: string(data), Valid: true}
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pending_changes (target_file_id, operation, payload, queued_at_ms) VALUES (?, ?, ?, ?)",
		target, string(op), raw, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("enqueue change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue change: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionPending, Op: EventUpsert, IDs: []string{strconv.FormatInt(id, 10)}})

	return &PendingChange{
		LocalID:      id,
		TargetFileID: target,
		Operation:    op,
		Payload:      payload,
		QueuedAt:     time.UnixMilli(now.UnixMilli()),
	}, nil
}

// ListPending returns the queued changes in LocalID order.
func (s *Store) ListPending(ctx context.Context) ([]*PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+pendingColumns+" FROM pending_changes ORDER BY local_id")
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PendingChange
	for rows.Next() {
		var (
			pc         PendingChange
			op         string
			payload    sql.NullString
			lastErr    sql.NullString
			queuedMs   int64
			attemptMs  int64
			conflictMs int64
		)
		if err := rows.Scan(&pc.LocalID, &pc.TargetFileID, &op, &payload, &queuedMs,
			&pc.RetryCount, &lastErr, &attemptMs, &conflictMs); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}

		pc.Operation = Operation(op)
		pc.LastError = lastErr.String
		pc.QueuedAt = time.UnixMilli(queuedMs)
		if attemptMs > 0 {
			pc.LastAttempt = time.UnixMilli(attemptMs)
		}
		if conflictMs > 0 {
			pc.ConflictedAt = time.UnixMilli(conflictMs)
		}
		if payload.Valid {
			var p ChangePayload
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("unmarshal payload %d: %w", pc.LocalID, err)
			}
			pc.Payload = &p
		}
		out = append(out, &pc)
	}
	return out, rows.Err()
}

// CountPending returns the number of queued changes.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_changes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// RecordAttempt increments the retry count of a change and stores the error.
func (s *Store) RecordAttempt(ctx context.Context, localID int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pending_changes SET retry_count = retry_count + 1, last_error = ?, last_attempt_ms = ? WHERE local_id = ?",
		nullString(errMsg), s.now().UnixMilli(), localID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending change %d: %w", localID, apperrors.ErrNotFound)
	}

	s.publish(ctx, Event{Collection: CollectionPending, Op: EventUpsert, IDs: []string{strconv.FormatInt(localID, 10)}})
	return nil
}

// MarkConflict holds a change back from replay because the remote changed
// after it was queued.
func (s *Store) MarkConflict(ctx context.Context, localID int64, errMsg string) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		"UPDATE pending_changes SET last_error = ?, last_attempt_ms = ?, conflicted_at_ms = ? WHERE local_id = ?",
		nullString(errMsg), now, now, localID)
	if err != nil {
		return fmt.Errorf("mark conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending change %d: %w", localID, apperrors.ErrNotFound)
	}

	s.publish(ctx, Event{Collection: CollectionPending, Op: EventUpsert, IDs: []string{strconv.FormatInt(localID, 10)}})
	return nil
}

// DeletePending removes a replayed change.
func (s *Store) DeletePending(ctx context.Context, localID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_changes WHERE local_id = ?", localID); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionPending, Op: EventDelete, IDs: []string{strconv.FormatInt(localID, 10)}})
	return nil
}
