// ABOUTME: Integration tests for the broker-driven consumer: push delivery,
// ABOUTME: duplicate-notification claims, and the per-item timeout path.
package engine_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/conveyor/internal/engine"
	"github.com/scarson/conveyor/internal/store"
	"github.com/scarson/conveyor/internal/testutil"
)

// chanSubscription is a channel-backed Subscription fake.
type chanSubscription struct {
	ids chan uuid.UUID
}

func (s *chanSubscription) Listen(ctx context.Context, out chan<- uuid.UUID) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.ids:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- id:
			}
		}
	}
}

func startConsumer(ctx context.Context, s *testutil.TestDB, h engine.Handler, sub engine.Subscription, perItemTimeout time.Duration) chan struct{} {
	d := engine.NewDispatcher(newTestRegistry(h), 4, nil)
	c := engine.NewConsumer(s.Store, d, sub, engine.ConsumerConfig{
		WorkerID:       "consumer-" + uuid.NewString()[:8],
		PrefetchCount:  2,
		PerItemTimeout: perItemTimeout,
	}, nil)
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	return done
}

// TestConsumerProcessesDeliveredIDs pushes ids through the subscription and
// expects each row claimed, executed, and committed without polling.
func TestConsumerProcessesDeliveredIDs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	var calls atomic.Int32
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		calls.Add(1)
		return engine.Outcome{Success: true}
	})

	sub := &chanSubscription{ids: make(chan uuid.UUID, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startConsumer(ctx, s, handler, sub, 5*time.Second)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = enqueueKind(t, s, "hook", 3, 2)
		sub.ids <- ids[i]
	}

	for _, id := range ids {
		waitForStatus(t, s, id, store.StatusSucceeded, 10*time.Second)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}

	cancel()
	<-done
}

// TestConsumerDropsLostClaimRace delivers the same id twice: the second
// claim-by-id finds the row already resolved and must execute nothing.
func TestConsumerDropsLostClaimRace(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	var calls atomic.Int32
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		calls.Add(1)
		return engine.Outcome{Success: true}
	})

	sub := &chanSubscription{ids: make(chan uuid.UUID, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startConsumer(ctx, s, handler, sub, 5*time.Second)

	id := enqueueKind(t, s, "hook", 3, 2)
	sub.ids <- id
	waitForStatus(t, s, id, store.StatusSucceeded, 10*time.Second)

	sub.ids <- id
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("handler called %d times after duplicate delivery, want 1", n)
	}

	cancel()
	<-done
}

// TestConsumerPerItemTimeout hangs the handler past the per-item timeout and
// expects a forced transient resolution with the retry schedule advanced.
func TestConsumerPerItemTimeout(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	block := make(chan struct{})
	handler := engine.HandlerFunc(func(ctx context.Context, _ json.RawMessage) engine.Outcome {
		select {
		case <-ctx.Done():
		case <-block:
		}
		return engine.Outcome{Success: true}
	})
	defer close(block)

	sub := &chanSubscription{ids: make(chan uuid.UUID, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startConsumer(ctx, s, handler, sub, 100*time.Millisecond)

	id := enqueueKind(t, s, "hook", 3, 2)
	sub.ids <- id

	waitForStatus(t, s, id, store.StatusFailed, 10*time.Second)
	it, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", it.RetryCount)
	}
	var rec store.ErrorRecord
	if err := json.Unmarshal(it.LastError, &rec); err != nil {
		t.Fatalf("unmarshal last_error: %v", err)
	}
	if rec.Code != engine.CodeTimeout {
		t.Errorf("error code = %q, want %q", rec.Code, engine.CodeTimeout)
	}

	cancel()
	<-done
}
