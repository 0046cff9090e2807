// ABOUTME: Batch dispatcher: fans claimed items out to their handlers under
// ABOUTME: the concurrency bound, fans results back in for classification.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scarson/conveyor/internal/metrics"
	"github.com/scarson/conveyor/internal/store"
)

// Dispatcher invokes side-effect handlers for claimed items and classifies
// their outcomes. The semaphore bounds in-flight handler calls per process;
// it is shared between Dispatch calls so the bound holds globally.
type Dispatcher struct {
	registry   *Registry
	classifier *Classifier
	sem        chan struct{}
	log        *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given concurrency limit.
func NewDispatcher(registry *Registry, concurrencyLimit int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		classifier: NewClassifier(log),
		sem:        make(chan struct{}, concurrencyLimit),
		log:        log,
	}
}

// Dispatch runs the handlers for all items concurrently up to the limit
// and returns one resolution per item, in item order. No per-item failure
// of any sort propagates out of the batch: handler errors, panics, and
// unknown kinds all come back as resolutions.
func (d *Dispatcher) Dispatch(ctx context.Context, items []store.WorkItem) []store.Resolution {
	resolutions := make([]store.Resolution, len(items))
	done := make(chan struct{})

	for i := range items {
		go func(i int) {
			d.sem <- struct{}{}
			defer func() { <-d.sem }()
			resolutions[i] = d.dispatchOne(ctx, items[i], 0)
			done <- struct{}{}
		}(i)
	}
	for range items {
		<-done
	}
	return resolutions
}

// DispatchOne runs a single item's handler. timeout > 0 bounds the call
// (broker-driven consumption); when it fires, the item is forcibly
// resolved as a transient failure and the late result is discarded.
func (d *Dispatcher) DispatchOne(ctx context.Context, item store.WorkItem, timeout time.Duration) store.Resolution {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	return d.dispatchOne(ctx, item, timeout)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item store.WorkItem, timeout time.Duration) store.Resolution {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	cfg, ok := d.registry.Lookup(item.Kind)
	if !ok {
		// A row for a kind this process does not serve is an engine-side
		// fault, not an external outage: retry so a correctly configured
		// worker can pick it up.
		d.log.Error("no handler registered for kind", "kind", item.Kind, "item_id", item.ID)
		return d.classifier.Classify(item, Outcome{
			Retryable:   true,
			ErrorCode:   CodeInternal,
			ErrorDetail: fmt.Sprintf("no handler registered for kind %q", item.Kind),
		}, time.Now())
	}

	if timeout <= 0 {
		outcome := d.invoke(ctx, cfg.Handler, item)
		return d.classifier.Classify(item, outcome, time.Now())
	}

	// Bounded call: the handler runs under a deadline and its result is
	// awaited only until the timer fires, so one slow external call cannot
	// starve the worker. The goroutine itself finishes in the background
	// once the (cancelled) handler returns.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan Outcome, 1)
	go func() {
		result <- d.invoke(callCtx, cfg.Handler, item)
	}()

	select {
	case outcome := <-result:
		return d.classifier.Classify(item, outcome, time.Now())
	case <-callCtx.Done():
		metrics.TimeoutsTotal.Inc()
		d.log.Warn("dispatch exceeded per-item timeout, resolving as transient",
			"item_id", item.ID, "kind", item.Kind, "timeout", timeout)
		return d.classifier.Classify(item, Outcome{
			Retryable:   true,
			ErrorCode:   CodeTimeout,
			ErrorDetail: fmt.Sprintf("handler exceeded %s timeout", timeout),
		}, time.Now())
	}
}

// invoke runs the handler, converting a panic into a transient internal
// outcome so one item's crash never aborts the batch.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, item store.WorkItem) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "item_id", item.ID, "kind", item.Kind, "panic", r)
			outcome = Outcome{
				Retryable:   true,
				ErrorCode:   CodeInternal,
				ErrorDetail: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()
	return h.Handle(ctx, item.Payload)
}
