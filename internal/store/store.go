// Package store is the data access layer over the work_items and
// worker_heartbeats tables. Every queue mutation is a single atomic
// statement executed on a native pgx pool; the atomic conditional update
// is the only coordination primitive between worker processes.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for the queue.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (the LISTEN subscription opens a dedicated connection from it).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity. Used by the ops healthz endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
