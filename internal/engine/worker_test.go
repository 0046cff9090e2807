// ABOUTME: Integration tests for the polling worker lifecycle: end-to-end
// ABOUTME: retry, graceful drain, and no-claims-after-shutdown.
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

func enqueueKind(t *testing.T, s *testutil.TestDB, kind string, maxRetries, backoffBase int) uuid.UUID {
	t.Helper()
	id, err := s.Enqueue(context.Background(), store.EnqueueParams{
		Kind:               kind,
		Payload:            json.RawMessage(`{"n":"` + uuid.NewString() + `"}`),
		MaxRetries:         maxRetries,
		BackoffBaseSeconds: backoffBase,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func startWorker(ctx context.Context, s *testutil.TestDB, h engine.Handler, batch int) (*engine.Worker, chan struct{}) {
	d := engine.NewDispatcher(newTestRegistry(h), 4, nil)
	w := engine.NewWorker(s.Store, d, engine.WorkerConfig{
		WorkerID:         "test-" + uuid.NewString()[:8],
		BatchSize:        batch,
		IdlePollInterval: 25 * time.Millisecond,
	}, nil)
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	return w, done
}

func waitForStatus(t *testing.T, s *testutil.TestDB, id uuid.UUID, want store.Status, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		it, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if it.Status == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	it, _ := s.Get(context.Background(), id)
	t.Fatalf("item %s never reached %q (now %q, retry %d)", id, want, it.Status, it.RetryCount)
}

// TestWorkerRetriesThenSucceeds runs the full loop against a handler that
// fails transiently twice before succeeding: the row must pass through
// failed(1) and failed(2) and land succeeded with backoff-delayed claims.
func TestWorkerRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	var attempts atomic.Int32
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		if attempts.Add(1) <= 2 {
			return engine.Outcome{Retryable: true, ErrorCode: engine.CodeUnavailable, ErrorDetail: "503"}
		}
		return engine.Outcome{Success: true}
	})

	id := enqueueKind(t, s, "hook", 3, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, done := startWorker(ctx, s, handler, 5)

	waitForStatus(t, s, id, store.StatusSucceeded, 15*time.Second)
	if n := attempts.Load(); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}

	it, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", it.RetryCount)
	}

	cancel()
	<-done
}

// TestWorkerExhaustsBudget verifies the terminal path: a persistently
// failing handler drives the row to completely_failed with
// retry_count = maxRetries + 1, after which it is never claimed again.
func TestWorkerExhaustsBudget(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	var attempts atomic.Int32
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		attempts.Add(1)
		return engine.Outcome{Retryable: true, ErrorCode: engine.CodeUnavailable, ErrorDetail: "503"}
	})

	id := enqueueKind(t, s, "hook", 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, done := startWorker(ctx, s, handler, 5)

	waitForStatus(t, s, id, store.StatusCompletelyFailed, 15*time.Second)

	it, _ := s.Get(context.Background(), id)
	if it.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3 (budget 2 + exhausting attempt)", it.RetryCount)
	}

	// Give the loop a few more polls: the attempt count must not move.
	settled := attempts.Load()
	time.Sleep(300 * time.Millisecond)
	if n := attempts.Load(); n != settled {
		t.Errorf("terminal row was dispatched again (%d -> %d attempts)", settled, n)
	}

	cancel()
	<-done
}

// TestWorkerGracefulDrain signals shutdown while items are in flight: all
// of them must commit, no new claims may happen, and the worker must reach
// Stopped with a zero pending count.
func TestWorkerGracefulDrain(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	const inFlight = 3
	started := make(chan struct{}, inFlight*2)
	release := make(chan struct{})
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		started <- struct{}{}
		<-release
		return engine.Outcome{Success: true}
	})

	ids := make([]uuid.UUID, inFlight)
	for i := range ids {
		ids[i] = enqueueKind(t, s, "hook", 3, 2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w, done := startWorker(ctx, s, handler, inFlight)

	for i := 0; i < inFlight; i++ {
		<-started
	}

	// Shutdown with the whole batch in flight, then enqueue one more item:
	// it must stay queued because draining workers issue no new claims.
	cancel()
	lateID := enqueueKind(t, s, "hook", 3, 2)
	close(release)
	<-done

	if st := w.State(); st != engine.StateStopped {
		t.Errorf("worker state = %v, want stopped", st)
	}
	if n := w.Pending(); n != 0 {
		t.Errorf("pending after stop = %d, want 0", n)
	}
	for _, id := range ids {
		it, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if it.Status != store.StatusSucceeded {
			t.Errorf("in-flight item %s = %q, want succeeded", id, it.Status)
		}
	}
	late, err := s.Get(context.Background(), lateID)
	if err != nil {
		t.Fatalf("Get late: %v", err)
	}
	if late.Status != store.StatusQueued {
		t.Errorf("item enqueued after shutdown = %q, want queued", late.Status)
	}
}
