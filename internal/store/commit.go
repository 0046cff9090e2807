// ABOUTME: State writer: persists classified outcomes back to work_items,
// ABOUTME: batching identical resolutions into single multi-row updates.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// commitBatchSQL resolves a group of rows to one status in a single
// statement. Each row is matched against the lock token of the claim that
// produced its resolution: a row whose lock expired and was reclaimed by
// another worker carries that worker's token and is left untouched.
const commitBatchSQL = `
UPDATE work_items w
SET status = $3, lock_token = NULL, locked_at = NULL, updated_at = now()
FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::uuid[]) AS lock_token) AS claim
WHERE w.id = claim.id AND w.lock_token = claim.lock_token AND w.status = 'in_progress'`

// Commit persists a batch of resolutions. Succeeded and deleted rows carry
// no per-row data, so each group is written in one multi-row update; failed
// and completely-failed rows have distinct due times and error records and
// are written per row. The lock token is always cleared — terminal rows are
// unclaimable by status alone.
//
// Every write is fenced on the resolution's lock token and in_progress
// status. A resolution that matches no row lost its lock to expiry and a
// reclaiming worker already resolved it; the stale result is dropped with
// a warning rather than overwriting the newer one.
func (s *Store) Commit(ctx context.Context, resolutions []Resolution) error {
	var succeeded, deleted []Resolution
	for _, r := range resolutions {
		switch r.Status {
		case StatusSucceeded:
			succeeded = append(succeeded, r)
		case StatusDeleted:
			deleted = append(deleted, r)
		}
	}

	if err := s.commitBatch(ctx, succeeded, StatusSucceeded); err != nil {
		return err
	}
	if err := s.commitBatch(ctx, deleted, StatusDeleted); err != nil {
		return err
	}

	for _, r := range resolutions {
		switch r.Status {
		case StatusFailed:
			tag, err := s.pool.Exec(ctx, `
				UPDATE work_items
				SET status = 'failed', lock_token = NULL, locked_at = NULL,
				    retry_count = $2, due_at = $3, last_error = $4, updated_at = now()
				WHERE id = $1 AND lock_token = $5 AND status = 'in_progress'`,
				r.ItemID, r.RetryCount, r.DueAt, r.LastError, r.LockToken)
			if err != nil {
				return fmt.Errorf("commit failed item %s: %w", r.ItemID, err)
			}
			if tag.RowsAffected() == 0 {
				logFenced(r)
			}
		case StatusCompletelyFailed:
			tag, err := s.pool.Exec(ctx, `
				UPDATE work_items
				SET status = 'completely_failed', lock_token = NULL, locked_at = NULL,
				    retry_count = $2, last_error = $3, updated_at = now()
				WHERE id = $1 AND lock_token = $4 AND status = 'in_progress'`,
				r.ItemID, r.RetryCount, r.LastError, r.LockToken)
			if err != nil {
				return fmt.Errorf("commit completely failed item %s: %w", r.ItemID, err)
			}
			if tag.RowsAffected() == 0 {
				logFenced(r)
			}
		}
	}
	return nil
}

func (s *Store) commitBatch(ctx context.Context, group []Resolution, status Status) error {
	if len(group) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(group))
	tokens := make([]uuid.UUID, len(group))
	for i, r := range group {
		ids[i] = r.ItemID
		tokens[i] = r.LockToken
	}
	tag, err := s.pool.Exec(ctx, commitBatchSQL, ids, tokens, string(status))
	if err != nil {
		return fmt.Errorf("commit %s: %w", status, err)
	}
	if n := tag.RowsAffected(); n != int64(len(group)) {
		slog.Warn("dropped resolutions whose lock was reclaimed",
			"status", string(status), "resolved", n, "dropped", int64(len(group))-n)
	}
	return nil
}

func logFenced(r Resolution) {
	slog.Warn("dropping resolution, lock was reclaimed by another worker",
		"item_id", r.ItemID, "status", string(r.Status))
}
