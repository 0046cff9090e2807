package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scarson/conveyor/internal/engine"
	"github.com/scarson/conveyor/internal/store"
)

func newTestRegistry(h engine.Handler) *engine.Registry {
	r := engine.NewRegistry()
	r.Register("hook", engine.KindConfig{Handler: h, MaxRetries: 3, BackoffBaseSeconds: 2})
	return r
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	t.Parallel()
	const limit = 3

	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return engine.Outcome{Success: true}
	})

	d := engine.NewDispatcher(newTestRegistry(handler), limit, nil)
	items := make([]store.WorkItem, 12)
	for i := range items {
		items[i] = testItem(0, 3, 2)
	}

	resolutions := d.Dispatch(context.Background(), items)

	assert.Len(t, resolutions, len(items))
	for i, r := range resolutions {
		assert.Equal(t, items[i].ID, r.ItemID, "resolution order must match item order")
		assert.Equal(t, store.StatusSucceeded, r.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(limit), "in-flight calls exceeded the concurrency limit")
}

func TestDispatchRecoversPanicAsTransient(t *testing.T) {
	t.Parallel()
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		panic("boom")
	})
	d := engine.NewDispatcher(newTestRegistry(handler), 2, nil)

	resolutions := d.Dispatch(context.Background(), []store.WorkItem{testItem(0, 3, 2)})

	assert.Len(t, resolutions, 1)
	assert.Equal(t, store.StatusFailed, resolutions[0].Status, "a panic maps to a retryable failure")
	assert.Equal(t, 1, resolutions[0].RetryCount)
}

func TestDispatchPanicDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	handler := engine.HandlerFunc(func(_ context.Context, payload json.RawMessage) engine.Outcome {
		calls.Add(1)
		if string(payload) == `{"explode":true}` {
			panic("boom")
		}
		return engine.Outcome{Success: true}
	})
	d := engine.NewDispatcher(newTestRegistry(handler), 4, nil)

	items := []store.WorkItem{testItem(0, 3, 2), testItem(0, 3, 2), testItem(0, 3, 2)}
	items[1].Payload = json.RawMessage(`{"explode":true}`)

	resolutions := d.Dispatch(context.Background(), items)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, store.StatusSucceeded, resolutions[0].Status)
	assert.Equal(t, store.StatusFailed, resolutions[1].Status)
	assert.Equal(t, store.StatusSucceeded, resolutions[2].Status)
}

func TestDispatchUnknownKindRetries(t *testing.T) {
	t.Parallel()
	d := engine.NewDispatcher(engine.NewRegistry(), 1, nil)

	item := testItem(0, 3, 2)
	item.Kind = "unregistered"
	resolutions := d.Dispatch(context.Background(), []store.WorkItem{item})

	// An unserved kind retries so a correctly configured worker can claim it.
	assert.Equal(t, store.StatusFailed, resolutions[0].Status)
}

func TestDispatchOneTimeoutForcesTransient(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	handler := engine.HandlerFunc(func(ctx context.Context, _ json.RawMessage) engine.Outcome {
		close(started)
		<-ctx.Done() // never returns on its own
		return engine.Outcome{Success: true}
	})
	d := engine.NewDispatcher(newTestRegistry(handler), 1, nil)

	start := time.Now()
	r := d.DispatchOne(context.Background(), testItem(0, 3, 2), 50*time.Millisecond)
	<-started

	assert.Equal(t, store.StatusFailed, r.Status, "timed-out dispatch resolves as transient")
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not block the worker")
}

func TestDispatchOneWithinTimeout(t *testing.T) {
	t.Parallel()
	handler := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		return engine.Outcome{Success: true}
	})
	d := engine.NewDispatcher(newTestRegistry(handler), 1, nil)

	r := d.DispatchOne(context.Background(), testItem(0, 3, 2), time.Second)
	assert.Equal(t, store.StatusSucceeded, r.Status)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	t.Parallel()
	r := engine.NewRegistry()
	h := engine.HandlerFunc(func(context.Context, json.RawMessage) engine.Outcome {
		return engine.Outcome{Success: true}
	})
	r.Register("hook", engine.KindConfig{Handler: h})

	assert.Panics(t, func() {
		r.Register("hook", engine.KindConfig{Handler: h})
	})
	assert.Equal(t, []string{"hook"}, r.Kinds())
}
