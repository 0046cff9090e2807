// ABOUTME: Push-style delivery over the same store: a dedicated connection
// ABOUTME: LISTENs for enqueue wakeups and forwards item ids to the consumer.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Listener forwards Postgres NOTIFY payloads (work item ids) from a channel
// into a Go channel. It holds one dedicated connection from the pool for
// the lifetime of Listen.
type Listener struct {
	store   *Store
	channel string
	log     *slog.Logger
}

// NewListener creates a Listener on the named Postgres notification channel.
func NewListener(s *Store, channel string) *Listener {
	return &Listener{store: s, channel: channel, log: slog.Default()}
}

// Listen blocks delivering item ids into out until ctx is cancelled.
// Notifications carrying a malformed id are logged and dropped — the row is
// durable and the polling path will still find it. Delivery into out blocks
// when the buffer is full, which is the backpressure bound on prefetch.
func (l *Listener) Listen(ctx context.Context, out chan<- uuid.UUID) error {
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listener acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		id, err := uuid.Parse(notification.Payload)
		if err != nil {
			l.log.Warn("dropping malformed notification payload",
				"channel", l.channel, "payload", notification.Payload)
			continue
		}
		select {
		case out <- id:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
