// ABOUTME: enqueue subcommand: inserts a work item from the command line,
// ABOUTME: for operators, scripts, and smoke tests.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/conveyor/internal/config"
	"github.com/scarson/conveyor/internal/engine"
	"github.com/scarson/conveyor/internal/hook"
	"github.com/scarson/conveyor/internal/store"
)

func enqueueCmd() *cobra.Command {
	var (
		kind        string
		payload     string
		delay       time.Duration
		maxRetries  int
		backoffBase int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			producer := engine.NewProducer(
				store.New(db),
				buildRegistry(hook.BuildSafeClient()),
				cfg.NotifyChannel,
			)
			opts := engine.EnqueueOptions{
				MaxRetries:         maxRetries,
				BackoffBaseSeconds: backoffBase,
			}
			if delay > 0 {
				opts.DueAt = time.Now().Add(delay)
			}
			id, err := producer.Enqueue(cmd.Context(), kind, json.RawMessage(payload), opts)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "hook", "work-item kind")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().DurationVar(&delay, "delay", 0, "defer execution by this duration")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (0 = kind default)")
	cmd.Flags().IntVar(&backoffBase, "backoff-base", 0, "backoff base in seconds (0 = kind default)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}
