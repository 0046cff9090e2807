// ABOUTME: Producer surface: enqueue a work item with per-kind retry policy,
// ABOUTME: canonical-payload dedup, and a NOTIFY wakeup for push consumers.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnqueueParams describes a new work item. MaxRetries and BackoffBase are
// fixed per kind by the producer's registry and frozen onto the row.
type EnqueueParams struct {
	Kind               string
	Payload            json.RawMessage
	DueAt              time.Time // zero means now
	MaxRetries         int
	BackoffBaseSeconds int
	// NotifyChannel, when non-empty, receives a NOTIFY with the new item id
	// so push-driven consumers wake without polling.
	NotifyChannel string
}

// Enqueue inserts a work item in status queued and returns its id. A queued
// row with the same kind and canonical payload already present suppresses
// the insert and returns the existing id — producers may fire the same
// event from racing request paths.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	if p.Kind == "" {
		return uuid.Nil, errors.New("enqueue: kind is required")
	}
	digest, err := payloadDigest(p.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: digest payload: %w", err)
	}

	var dueAt interface{}
	if !p.DueAt.IsZero() {
		dueAt = p.DueAt
	}

	var id uuid.UUID
	for attempt := 0; ; attempt++ {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO work_items (kind, payload, payload_digest, due_at, max_retries, backoff_base_seconds)
			VALUES ($1, $2, $3, COALESCE($4::timestamptz, now()), $5, $6)
			ON CONFLICT (kind, payload_digest) WHERE status = 'queued' AND payload_digest IS NOT NULL
			DO NOTHING
			RETURNING id`,
			p.Kind, p.Payload, digest, dueAt, p.MaxRetries, p.BackoffBaseSeconds,
		).Scan(&id)
		if err == nil {
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("enqueue: %w", err)
		}

		// Duplicate suppressed; hand back the pending row's id.
		err = s.pool.QueryRow(ctx, `
			SELECT id FROM work_items
			WHERE kind = $1 AND payload_digest = $2 AND status = 'queued'`,
			p.Kind, digest,
		).Scan(&id)
		if err == nil {
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("enqueue: %w", err)
		}

		// The duplicate was claimed between the insert and the select, so
		// it no longer blocks the unique index. Insert again; a second
		// full loss of this race means something is churning the queue
		// faster than we can observe it.
		if attempt == 1 {
			return uuid.Nil, fmt.Errorf("enqueue: duplicate row vanished twice for kind %q", p.Kind)
		}
	}

	if p.NotifyChannel != "" {
		if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, p.NotifyChannel, id.String()); err != nil {
			// The row is durable either way; polling workers will find it.
			return id, fmt.Errorf("enqueue notify: %w", err)
		}
	}
	return id, nil
}

// payloadDigest returns the hex SHA-256 of the RFC 8785 canonical form of
// payload, so key order and whitespace do not defeat dedup.
func payloadDigest(payload json.RawMessage) (string, error) {
	canonical, err := jsoncanonicalizer.Transform(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
