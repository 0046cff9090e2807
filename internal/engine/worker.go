// ABOUTME: Lifecycle controller for the polling worker: Starting → Running
// ABOUTME: → Draining → Stopped, with heartbeats and a logged drain.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scarson/conveyor/internal/metrics"
	"github.com/scarson/conveyor/internal/store"
)

// State is the lifecycle phase of a worker.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String returns the lowercase phase name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// WorkerConfig holds polling worker tuning parameters (sourced from
// config.Config by the CLI layer).
type WorkerConfig struct {
	WorkerID         string
	BatchSize        int
	IdlePollInterval time.Duration
	// LockExpiry folds expired-lock reclaim into the claim filter; zero
	// disables it.
	LockExpiry time.Duration
	// HeartbeatInterval is how often the liveness row is touched while
	// Running. Defaults to 30s when zero.
	HeartbeatInterval time.Duration
}

// Worker drives the poll loop: claim → dispatch → classify → commit, with
// an idle sleep when nothing is claimable. Multiple Worker processes run
// concurrently and coordinate only through the store's claim update.
type Worker struct {
	store      *store.Store
	dispatcher *Dispatcher
	cfg        WorkerConfig
	log        *slog.Logger

	state   atomic.Int32
	pending atomic.Int64
}

// NewWorker creates a polling Worker.
func NewWorker(st *store.Store, dispatcher *Dispatcher, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:      st,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With("worker_id", cfg.WorkerID),
	}
}

// State returns the worker's current lifecycle phase.
func (w *Worker) State() State { return State(w.state.Load()) }

// Pending returns the number of claimed items not yet committed.
func (w *Worker) Pending() int64 { return w.pending.Load() }

// Run blocks until ctx is cancelled and the drain completes. Cancelling
// ctx stops new claims immediately; the in-flight batch finishes its
// side-effect calls and commits before Run returns. Store errors inside
// the loop are logged and absorbed by the idle sleep, never fatal.
func (w *Worker) Run(ctx context.Context) error {
	w.state.Store(int32(StateStarting))
	if err := w.store.RecordWorkerStart(ctx, w.cfg.WorkerID, "continuous"); err != nil {
		return err
	}

	// Heartbeats run on an undying context so a slow drain keeps beating
	// and the monitor does not flag the worker stuck mid-shutdown.
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	w.state.Store(int32(StateRunning))
	w.log.Info("worker running",
		"batch_size", w.cfg.BatchSize,
		"idle_poll_interval", w.cfg.IdlePollInterval,
		"lock_expiry", w.cfg.LockExpiry)

	// Side effects and commits survive shutdown: a drain completes the
	// in-flight batch rather than aborting it.
	drainCtx := context.WithoutCancel(ctx)

	go func() {
		<-ctx.Done()
		w.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	}()

	for ctx.Err() == nil {
		if !w.runIteration(ctx, drainCtx) {
			w.idleSleep(ctx)
		}
	}

	// The loop is synchronous per iteration, so by here the last batch has
	// committed; pending is logged for the record and must be zero.
	w.log.Info("worker drained", "pending", w.pending.Load())

	if err := w.store.RecordWorkerEnd(drainCtx, w.cfg.WorkerID); err != nil {
		w.log.Error("record worker end", "error", err)
	}
	w.state.Store(int32(StateStopped))
	w.log.Info("worker stopped")
	return nil
}

// runIteration performs one claim/dispatch/commit pass. Returns false when
// the caller should idle-sleep (nothing claimed, or a store error).
func (w *Worker) runIteration(ctx, drainCtx context.Context) bool {
	start := time.Now()

	items, err := w.store.Claim(ctx, w.cfg.BatchSize, w.cfg.LockExpiry)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("claim failed", "error", err)
		}
		return false
	}
	if len(items) == 0 {
		return false
	}

	metrics.ClaimedTotal.WithLabelValues("poll").Add(float64(len(items)))
	w.pending.Add(int64(len(items)))
	defer w.pending.Add(-int64(len(items)))

	logDone := w.logOutstanding(ctx)
	resolutions := w.dispatcher.Dispatch(drainCtx, items)
	logDone()

	if err := w.store.Commit(drainCtx, resolutions); err != nil {
		// The rows stay locked; lock expiry makes them claimable again.
		w.log.Error("commit failed", "error", err, "items", len(items))
		return false
	}
	for _, r := range resolutions {
		metrics.OutcomesTotal.WithLabelValues(string(r.Status)).Inc()
	}
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	w.log.Debug("batch committed", "items", len(items), "elapsed", time.Since(start))
	return true
}

// logOutstanding reports the in-flight count periodically once shutdown has
// been signalled, so a slow drain is visible to the operator. The returned
// func stops the reporter.
func (w *Worker) logOutstanding(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					w.log.Info("draining, waiting for in-flight work", "pending", w.pending.Load())
				}
			}
		}
	}()
	return func() { close(done) }
}

// idleSleep waits the idle poll interval or until shutdown, whichever
// comes first. Distinct from per-item retry backoff.
func (w *Worker) idleSleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.IdlePollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchWorker(ctx, w.cfg.WorkerID); err != nil && ctx.Err() == nil {
				w.log.Warn("heartbeat update failed", "error", err)
			}
		}
	}
}
