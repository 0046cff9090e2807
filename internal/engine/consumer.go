// ABOUTME: Broker-driven consumption: a subscription feeds item ids into a
// ABOUTME: bounded channel; a goroutine pool drains it under the same limits.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/conveyor/internal/metrics"
	"github.com/scarson/conveyor/internal/store"
)

// Subscription is a push-style message source delivering work-item ids.
// The production implementation is store.Listener (Postgres
// LISTEN/NOTIFY); tests substitute a channel-backed fake.
type Subscription interface {
	// Listen delivers ids into out until ctx is cancelled. It must respect
	// out's capacity: a full buffer is the consumer's backpressure bound.
	Listen(ctx context.Context, out chan<- uuid.UUID) error
}

// ConsumerConfig holds broker-driven consumer tuning parameters.
type ConsumerConfig struct {
	WorkerID string
	// PrefetchCount is both the subscription buffer capacity and the size
	// of the draining goroutine pool.
	PrefetchCount int
	// PerItemTimeout forcibly resolves a dispatch as transient when
	// exceeded; this is the only forced-cancellation mechanism.
	PerItemTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// Consumer executes work pushed by a Subscription instead of polling. Each
// delivered id is claimed individually with the same atomic conditional
// update as the polling path, so a notification for a row another worker
// already claimed is simply dropped.
type Consumer struct {
	store      *store.Store
	dispatcher *Dispatcher
	sub        Subscription
	cfg        ConsumerConfig
	log        *slog.Logger

	pending atomic.Int64
}

// NewConsumer creates a broker-driven Consumer.
func NewConsumer(st *store.Store, dispatcher *Dispatcher, sub Subscription, cfg ConsumerConfig, log *slog.Logger) *Consumer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		store:      st,
		dispatcher: dispatcher,
		sub:        sub,
		cfg:        cfg,
		log:        log.With("worker_id", cfg.WorkerID),
	}
}

// Pending returns the number of claimed items not yet committed.
func (c *Consumer) Pending() int64 { return c.pending.Load() }

// Run blocks until ctx is cancelled and all in-flight work has committed.
// The subscription is restarted with a short delay if it fails, so a
// dropped database connection does not kill the consumer.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.store.RecordWorkerStart(ctx, c.cfg.WorkerID, "continuous"); err != nil {
		return err
	}

	// Heartbeats outlive the shutdown signal so a slow drain keeps beating.
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx)

	inbox := make(chan uuid.UUID, c.cfg.PrefetchCount)
	go c.subscribe(ctx, inbox)

	drainCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.PrefetchCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-inbox:
					c.processOne(ctx, drainCtx, id)
				}
			}
		}()
	}

	c.log.Info("consumer running", "prefetch", c.cfg.PrefetchCount, "per_item_timeout", c.cfg.PerItemTimeout)
	<-ctx.Done()

	drainDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(drainDone)
	}()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-drainDone:
			if err := c.store.RecordWorkerEnd(drainCtx, c.cfg.WorkerID); err != nil {
				c.log.Error("record worker end", "error", err)
			}
			c.log.Info("consumer stopped")
			return nil
		case <-ticker.C:
			c.log.Info("draining, waiting for in-flight work", "pending", c.pending.Load())
		}
	}
}

// subscribe runs the subscription, restarting it after transient failures.
func (c *Consumer) subscribe(ctx context.Context, inbox chan<- uuid.UUID) {
	for ctx.Err() == nil {
		if err := c.sub.Listen(ctx, inbox); err != nil && ctx.Err() == nil {
			c.log.Error("subscription failed, restarting", "error", err)
			timer := time.NewTimer(2 * time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// processOne claims the named row and dispatches it under the per-item
// timeout. The claim losing the race to another worker is the normal case
// under fan-out and is ignored silently.
func (c *Consumer) processOne(ctx, drainCtx context.Context, id uuid.UUID) {
	item, err := c.store.ClaimByID(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("claim by id failed", "item_id", id, "error", err)
		}
		return
	}
	if item == nil {
		return
	}
	metrics.ClaimedTotal.WithLabelValues("broker").Inc()

	c.pending.Add(1)
	defer c.pending.Add(-1)

	resolution := c.dispatcher.DispatchOne(drainCtx, *item, c.cfg.PerItemTimeout)
	if err := c.store.Commit(drainCtx, []store.Resolution{resolution}); err != nil {
		c.log.Error("commit failed", "item_id", id, "error", err)
		return
	}
	metrics.OutcomesTotal.WithLabelValues(string(resolution.Status)).Inc()
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.TouchWorker(ctx, c.cfg.WorkerID); err != nil && ctx.Err() == nil {
				c.log.Warn("heartbeat update failed", "error", err)
			}
		}
	}
}
