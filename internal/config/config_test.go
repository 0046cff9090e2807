package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/scarson/conveyor/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/conveyor")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.IdlePollInterval != 5*time.Second {
		t.Errorf("IdlePollInterval = %s, want 5s", cfg.IdlePollInterval)
	}
	if cfg.LockExpiry != 10*time.Minute {
		t.Errorf("LockExpiry = %s, want 10m", cfg.LockExpiry)
	}
	if cfg.NotifyChannel != "conveyor_work" {
		t.Errorf("NotifyChannel = %q, want conveyor_work", cfg.NotifyChannel)
	}
	if cfg.ConcurrencyLimit != 0 {
		t.Errorf("ConcurrencyLimit = %d, want 0 (no default)", cfg.ConcurrencyLimit)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false for default APP_ENV")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := config.Load(); err == nil {
		t.Fatal("Load succeeded without DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/conveyor")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("CONCURRENCY_LIMIT", "8")
	t.Setenv("IDLE_POLL_INTERVAL", "250ms")
	t.Setenv("LOCK_EXPIRY", "30s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.ConcurrencyLimit != 8 {
		t.Errorf("ConcurrencyLimit = %d, want 8", cfg.ConcurrencyLimit)
	}
	if cfg.IdlePollInterval != 250*time.Millisecond {
		t.Errorf("IdlePollInterval = %s, want 250ms", cfg.IdlePollInterval)
	}
	if cfg.LockExpiry != 30*time.Second {
		t.Errorf("LockExpiry = %s, want 30s", cfg.LockExpiry)
	}
}

func TestValidateWorker(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(c *config.Config) { c.ConcurrencyLimit = 4 },
		},
		{
			name:    "missing concurrency limit",
			mutate:  func(c *config.Config) {},
			wantErr: config.ErrMissingConcurrencyLimit,
		},
		{
			name:    "negative concurrency limit",
			mutate:  func(c *config.Config) { c.ConcurrencyLimit = -1 },
			wantErr: config.ErrMissingConcurrencyLimit,
		},
		{
			name: "zero batch size",
			mutate: func(c *config.Config) {
				c.ConcurrencyLimit = 4
				c.BatchSize = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/conveyor")
			cfg, err := config.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)

			err = cfg.ValidateWorker()
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("ValidateWorker() = %v, want %v", err, tc.wantErr)
				}
			case tc.name == "valid":
				if err != nil {
					t.Errorf("ValidateWorker() = %v, want nil", err)
				}
			default:
				if err == nil {
					t.Error("ValidateWorker() = nil, want error")
				}
			}
		})
	}
}
