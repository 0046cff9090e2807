// ABOUTME: The claim primitive: one conditional UPDATE marks a batch in_progress
// ABOUTME: under a fresh lock token, then a re-read by that token returns the batch.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// claimSQL stamps up to $3 eligible rows with a fresh lock token. The inner
// SELECT uses FOR UPDATE SKIP LOCKED so racing workers never block on, nor
// double-claim, the same rows.
const claimSQL = `
UPDATE work_items
SET lock_token = $1, locked_at = now(), status = 'in_progress', updated_at = now()
WHERE id IN (
    SELECT id FROM work_items
    WHERE status = ANY($2) AND lock_token IS NULL AND due_at <= now()
    ORDER BY due_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)`

// claimReclaimSQL additionally treats in_progress rows whose lock is older
// than the expiry as eligible, so work abandoned by a crashed worker is
// picked up again instead of aging silently.
const claimReclaimSQL = `
UPDATE work_items
SET lock_token = $1, locked_at = now(), status = 'in_progress', updated_at = now()
WHERE id IN (
    SELECT id FROM work_items
    WHERE ((status = ANY($2) AND lock_token IS NULL)
           OR (status = 'in_progress' AND locked_at <= now() - make_interval(secs => $4)))
      AND due_at <= now()
    ORDER BY due_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)`

const readByTokenSQL = `
SELECT id, kind, status, lock_token, locked_at, due_at, retry_count,
       max_retries, backoff_base_seconds, payload, last_error,
       created_at, updated_at
FROM work_items
WHERE lock_token = $1
ORDER BY due_at`

// Claim atomically claims up to batchSize eligible rows for this call and
// returns them. lockExpiry > 0 folds expired-lock reclaim into the
// eligibility filter; zero claims only unlocked queued/failed rows.
//
// The claim is two statements: the conditional UPDATE does not return the
// matched rows, so the claimed set is re-read by the token just written.
// The token is unique to this call, so the read set is exactly this claim
// regardless of other workers claiming the next batch in between.
func (s *Store) Claim(ctx context.Context, batchSize int, lockExpiry time.Duration) ([]WorkItem, error) {
	token := uuid.New()
	statuses := statusStrings(claimableStatuses)

	var err error
	if lockExpiry > 0 {
		_, err = s.pool.Exec(ctx, claimReclaimSQL, token, statuses, batchSize, lockExpiry.Seconds())
	} else {
		_, err = s.pool.Exec(ctx, claimSQL, token, statuses, batchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	items, err := s.readByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("claim read: %w", err)
	}
	return items, nil
}

// ClaimByID claims the single named row if it is currently eligible.
// Returns (nil, nil) when another worker won the race or the row is not
// due; used by the broker-driven consumer, which learns IDs by push.
func (s *Store) ClaimByID(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	token := uuid.New()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET lock_token = $1, locked_at = now(), status = 'in_progress', updated_at = now()
		WHERE id = $2 AND status = ANY($3) AND lock_token IS NULL AND due_at <= now()`,
		token, id, statusStrings(claimableStatuses))
	if err != nil {
		return nil, fmt.Errorf("claim by id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	items, err := s.readByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("claim by id read: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) readByToken(ctx context.Context, token uuid.UUID) ([]WorkItem, error) {
	rows, err := s.pool.Query(ctx, readByTokenSQL, token)
	if err != nil {
		return nil, err
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
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
