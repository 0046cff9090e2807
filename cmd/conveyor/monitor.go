// ABOUTME: monitor subcommand: heartbeat scanning with alert sinks built
// ABOUTME: from configuration (log always; webhook and e-mail when set).
package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scarson/conveyor/internal/config"
	"github.com/scarson/conveyor/internal/hook"
	"github.com/scarson/conveyor/internal/monitor"
	"github.com/scarson/conveyor/internal/store"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch worker heartbeats and raise operator alerts",
		RunE:  runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	alerters := monitor.Composite{monitor.LogAlerter{Log: logger}}
	if cfg.AlertWebhookURL != "" {
		alerters = append(alerters, monitor.WebhookAlerter{
			Client: hook.BuildSafeClient(),
			URL:    cfg.AlertWebhookURL,
			Secret: cfg.AlertWebhookSecret,
			Log:    logger,
		})
	}
	if cfg.SMTPHost != "" && cfg.SMTPTo != "" {
		alerters = append(alerters, monitor.EmailAlerter{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			To:       strings.Split(cfg.SMTPTo, ","),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Log:      logger,
		})
	}

	m := monitor.New(store.New(db), alerters, monitor.Config{
		ScanInterval:  cfg.MonitorScanInterval,
		StuckAfter:    cfg.MonitorStuckAfter,
		RestartWindow: cfg.MonitorRestartWindow,
	}, logger)
	return m.Run(ctx)
}
