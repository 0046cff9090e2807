// ABOUTME: worker and consumer subcommands: engine startup, ops listener,
// ABOUTME: signal handling, and the graceful drain on shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/conveyor/internal/config"
	"github.com/scarson/conveyor/internal/engine"
	"github.com/scarson/conveyor/internal/hook"
	"github.com/scarson/conveyor/internal/ops"
	"github.com/scarson/conveyor/internal/store"
)

func workerCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the poll-driven engine and ops listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, workerID, false)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker identifier (default hostname-suffixed)")
	return cmd
}

func consumerCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Start the broker-driven engine (LISTEN/NOTIFY)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, workerID, true)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker identifier (default hostname-suffixed)")
	return cmd
}

func runWorker(cmd *cobra.Command, workerID string, brokerDriven bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// Startup validation failures exit non-zero before any work is claimed.
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if workerID == "" {
		workerID = defaultWorkerID()
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	registry := buildRegistry(hook.BuildSafeClient())
	dispatcher := engine.NewDispatcher(registry, cfg.ConcurrencyLimit, logger)

	// Ops listener: queue inspection, /healthz, /metrics.
	opsSrv := &http.Server{
		Addr:              cfg.OpsListenAddr,
		Handler:           ops.NewServer(st, cfg.OpsRatePerSecond, cfg.OpsRateBurst).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	opsErr := make(chan error, 1)
	go func() {
		slog.Info("ops listener started", "addr", cfg.OpsListenAddr)
		if err := opsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			opsErr <- err
		}
		close(opsErr)
	}()

	engineDone := make(chan error, 1)
	go func() {
		if brokerDriven {
			sub := store.NewListener(st, cfg.NotifyChannel)
			consumer := engine.NewConsumer(st, dispatcher, sub, engine.ConsumerConfig{
				WorkerID:       workerID,
				PrefetchCount:  cfg.ConcurrencyLimit,
				PerItemTimeout: cfg.PerItemTimeout,
			}, logger)
			engineDone <- consumer.Run(ctx)
			return
		}
		worker := engine.NewWorker(st, dispatcher, engine.WorkerConfig{
			WorkerID:         workerID,
			BatchSize:        cfg.BatchSize,
			IdlePollInterval: cfg.IdlePollInterval,
			LockExpiry:       cfg.LockExpiry,
		}, logger)
		engineDone <- worker.Run(ctx)
	}()

	select {
	case err := <-opsErr:
		stop()
		<-engineDone // drain before exiting on a listener failure
		return fmt.Errorf("ops listener: %w", err)
	case err := <-engineDone:
		// Engine has drained (or failed at startup); shut the listener down.
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if shutdownErr := opsSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Error("ops listener shutdown", "error", shutdownErr)
		}
		return err
	}
}
