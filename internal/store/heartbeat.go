package store

import (
	"context"
	"fmt"
	"time"
)

// Heartbeat is a worker liveness record scanned by the monitor process.
type Heartbeat struct {
	WorkerID      string
	Mode          string // "continuous" or "periodic"
	LastStartedAt *time.Time
	LastEndedAt   *time.Time
	UpdatedAt     time.Time
}

// RecordWorkerStart upserts the heartbeat row for workerID with
// last_started_at = now. Called once when the lifecycle controller starts;
// TouchWorker advances updated_at on every beat after that.
func (s *Store) RecordWorkerStart(ctx context.Context, workerID, mode string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, mode, last_started_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (worker_id)
		DO UPDATE SET mode = $2, last_started_at = now(), updated_at = now()`,
		workerID, mode)
	if err != nil {
		return fmt.Errorf("record worker start: %w", err)
	}
	return nil
}

// TouchWorker advances updated_at for a running worker.
func (s *Store) TouchWorker(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE worker_heartbeats SET updated_at = now() WHERE worker_id = $1`,
		workerID)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	return nil
}

// RecordWorkerEnd stamps last_ended_at once the drain completes.
func (s *Store) RecordWorkerEnd(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE worker_heartbeats SET last_ended_at = now(), updated_at = now()
		WHERE worker_id = $1`,
		workerID)
	if err != nil {
		return fmt.Errorf("record worker end: %w", err)
	}
	return nil
}

// ListHeartbeats returns all worker heartbeat rows.
func (s *Store) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, mode, last_started_at, last_ended_at, updated_at
		FROM worker_heartbeats
		ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.Mode, &hb.LastStartedAt, &hb.LastEndedAt, &hb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}
