// Package monitor is the companion process that watches worker heartbeats
// and raises operator alerts when a worker is stuck or stopped longer than
// expected.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scarson/conveyor/internal/metrics"
	"github.com/scarson/conveyor/internal/store"
)

// Config holds monitor tuning parameters.
type Config struct {
	ScanInterval time.Duration
	// StuckAfter is the heartbeat age after which a continuous worker is
	// considered stuck.
	StuckAfter time.Duration
	// RestartWindow is how long a periodic worker may stay ended before it
	// is reported stopped.
	RestartWindow time.Duration
}

// Finding is one problem detected in a heartbeat scan.
type Finding struct {
	WorkerID string
	// Kind is "stuck" (heartbeat stale while apparently running) or
	// "stopped" (ended and not restarted within the window).
	Kind string
	// Age is how long the worker has been in this condition.
	Age time.Duration
}

func (f Finding) String() string {
	return fmt.Sprintf("worker %s %s for %s", f.WorkerID, f.Kind, f.Age.Round(time.Second))
}

// Monitor periodically scans heartbeats and forwards findings to an
// Alerter.
type Monitor struct {
	store   *store.Store
	alerter Alerter
	cfg     Config
	log     *slog.Logger
}

// New creates a Monitor. alerter may be a composite; nil means log-only.
func New(st *store.Store, alerter Alerter, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if alerter == nil {
		alerter = LogAlerter{Log: log}
	}
	return &Monitor{store: st, alerter: alerter, cfg: cfg, log: log}
}

// Run scans on the configured interval until ctx is cancelled. Scan errors
// are logged and retried on the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor running",
		"scan_interval", m.cfg.ScanInterval,
		"stuck_after", m.cfg.StuckAfter,
		"restart_window", m.cfg.RestartWindow)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.scan(ctx); err != nil {
				m.log.Error("heartbeat scan failed", "error", err)
			}
		}
	}
}

func (m *Monitor) scan(ctx context.Context) error {
	beats, err := m.store.ListHeartbeats(ctx)
	if err != nil {
		return err
	}
	findings := Evaluate(beats, m.cfg, time.Now())

	var stuck, stopped float64
	for _, f := range findings {
		switch f.Kind {
		case "stuck":
			stuck++
		case "stopped":
			stopped++
		}
		m.alerter.Alert(ctx, f)
	}
	metrics.WorkersStuck.Set(stuck)
	metrics.WorkersStopped.Set(stopped)
	return nil
}

// Evaluate applies the stuck/stopped rules to a heartbeat snapshot. Pure,
// so the rules are testable without a database.
//
// A worker is stuck when it has started, not ended, and its heartbeat has
// not advanced within StuckAfter — the process is alive-in-name-only or
// died without draining. A periodic worker is stopped when it ended longer
// than RestartWindow ago without restarting.
func Evaluate(beats []store.Heartbeat, cfg Config, now time.Time) []Finding {
	var findings []Finding
	for _, hb := range beats {
		running := hb.LastStartedAt != nil &&
			(hb.LastEndedAt == nil || hb.LastEndedAt.Before(*hb.LastStartedAt))
		if running {
			if age := now.Sub(hb.UpdatedAt); age > cfg.StuckAfter {
				findings = append(findings, Finding{WorkerID: hb.WorkerID, Kind: "stuck", Age: age})
			}
			continue
		}
		if hb.Mode == "periodic" && hb.LastEndedAt != nil {
			if age := now.Sub(*hb.LastEndedAt); age > cfg.RestartWindow {
				findings = append(findings, Finding{WorkerID: hb.WorkerID, Kind: "stopped", Age: age})
			}
		}
	}
	return findings
}
