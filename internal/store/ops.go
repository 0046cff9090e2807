// ABOUTME: Operator-facing reads and the replay mutation backing the ops API.
// ABOUTME: List uses squirrel for the filter combinations and keyset pagination.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("work item not found")

// ErrNotReplayable is returned by Replay when the row is not completely
// failed — only exhausted rows may be replayed.
var ErrNotReplayable = errors.New("work item is not in a replayable state")

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Kind   string
	Status Status
	// Keyset cursor: return rows strictly older than (CursorTime, CursorID).
	CursorTime time.Time
	CursorID   uuid.UUID
	Limit      int
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// List returns work items newest-first with keyset pagination on
// (created_at DESC, id DESC).
func (s *Store) List(ctx context.Context, f ListFilter) ([]WorkItem, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := psql.Select(
		"id", "kind", "status", "lock_token", "locked_at", "due_at",
		"retry_count", "max_retries", "backoff_base_seconds", "payload",
		"last_error", "created_at", "updated_at",
	).From("work_items").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": f.Kind})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if !f.CursorTime.IsZero() {
		q = q.Where(sq.Expr("(created_at, id) < (?, ?)", f.CursorTime, f.CursorID))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var it WorkItem
		if err := rows.Scan(
			&it.ID, &it.Kind, &it.Status, &it.LockToken, &it.LockedAt,
			&it.DueAt, &it.RetryCount, &it.MaxRetries, &it.BackoffBaseSeconds,
			&it.Payload, &it.LastError, &it.CreatedAt, &it.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Get returns the work item with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	var it WorkItem
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, status, lock_token, locked_at, due_at, retry_count,
		       max_retries, backoff_base_seconds, payload, last_error,
		       created_at, updated_at
		FROM work_items WHERE id = $1`, id,
	).Scan(
		&it.ID, &it.Kind, &it.Status, &it.LockToken, &it.LockedAt,
		&it.DueAt, &it.RetryCount, &it.MaxRetries, &it.BackoffBaseSeconds,
		&it.Payload, &it.LastError, &it.CreatedAt, &it.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return &it, nil
}

// Replay resets a completely-failed row back to queued with a fresh retry
// budget. The status condition in the UPDATE keeps the operation atomic —
// a concurrent replay or state change makes this one a no-op.
func (s *Store) Replay(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'queued', retry_count = 0, lock_token = NULL,
		    locked_at = NULL, due_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'completely_failed'`, id)
	if err != nil {
		return fmt.Errorf("replay work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotReplayable
	}
	return nil
}

// Stats returns row counts per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[st] = n
	}
	return stats, rows.Err()
}
