package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/conveyor/internal/store"
)

// Producer enqueues work items with the retry policy of their kind frozen
// onto the row. Rows carry their own policy so a later registry change
// never rewrites the schedule of items already queued.
type Producer struct {
	store         *store.Store
	registry      *Registry
	notifyChannel string
}

// NewProducer creates a Producer. notifyChannel may be empty to skip the
// enqueue wakeup NOTIFY.
func NewProducer(st *store.Store, registry *Registry, notifyChannel string) *Producer {
	return &Producer{store: st, registry: registry, notifyChannel: notifyChannel}
}

// EnqueueOptions override the kind's defaults for one item. Zero values
// mean "use the kind's policy".
type EnqueueOptions struct {
	DueAt              time.Time
	MaxRetries         int
	BackoffBaseSeconds int
}

// Enqueue inserts one item of the given kind. Unknown kinds are rejected:
// a row no handler can execute would sit queued forever.
func (p *Producer) Enqueue(ctx context.Context, kind string, payload json.RawMessage, opts EnqueueOptions) (uuid.UUID, error) {
	cfg, ok := p.registry.Lookup(kind)
	if !ok {
		return uuid.Nil, fmt.Errorf("enqueue: unknown kind %q", kind)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if opts.BackoffBaseSeconds <= 0 {
		opts.BackoffBaseSeconds = cfg.BackoffBaseSeconds
	}
	return p.store.Enqueue(ctx, store.EnqueueParams{
		Kind:               kind,
		Payload:            payload,
		DueAt:              opts.DueAt,
		MaxRetries:         opts.MaxRetries,
		BackoffBaseSeconds: opts.BackoffBaseSeconds,
		NotifyChannel:      p.notifyChannel,
	})
}
