// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing or any
// validated field is out of range.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"extended_protocol"`

	// ── Engine ───────────────────────────────────────────────────────────────────
	// BatchSize is the number of items claimed per poll iteration.
	BatchSize int `env:"BATCH_SIZE" envDefault:"25"`
	// ConcurrencyLimit bounds in-flight side-effect calls per worker process.
	// No default: a worker refuses to start without an explicit limit.
	ConcurrencyLimit int `env:"CONCURRENCY_LIMIT"`
	// IdlePollInterval is the sleep between claim attempts when the queue is
	// empty. Distinct from per-item retry backoff.
	IdlePollInterval time.Duration `env:"IDLE_POLL_INTERVAL" envDefault:"5s"`
	// PerItemTimeout bounds a single side-effect call in broker-driven
	// consumption. Polling-driven workers rely on the handler's own timeouts.
	PerItemTimeout time.Duration `env:"PER_ITEM_TIMEOUT" envDefault:"30s"`
	// LockExpiry is the age at which an in_progress lock is considered
	// abandoned and the row becomes claimable again. Zero disables reclaim.
	LockExpiry             time.Duration `env:"LOCK_EXPIRY" envDefault:"10m"`
	ShutdownTimeoutSeconds int           `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Broker subscription ──────────────────────────────────────────────────────
	// NotifyChannel is the Postgres LISTEN/NOTIFY channel carrying enqueue
	// wakeups for `conveyor consumer`.
	NotifyChannel string `env:"NOTIFY_CHANNEL" envDefault:"conveyor_work"`

	// ── Ops listener ─────────────────────────────────────────────────────────────
	OpsListenAddr    string  `env:"OPS_LISTEN_ADDR"     envDefault:":9090"`
	OpsRatePerSecond float64 `env:"OPS_RATE_PER_SECOND" envDefault:"20"`
	OpsRateBurst     int     `env:"OPS_RATE_BURST"      envDefault:"40"`

	// ── Monitor ──────────────────────────────────────────────────────────────────
	MonitorScanInterval time.Duration `env:"MONITOR_SCAN_INTERVAL" envDefault:"1m"`
	// MonitorStuckAfter is the heartbeat age after which a continuous worker
	// is reported stuck.
	MonitorStuckAfter time.Duration `env:"MONITOR_STUCK_AFTER" envDefault:"5m"`
	// MonitorRestartWindow is how long a periodic worker may stay stopped
	// before it is reported.
	MonitorRestartWindow time.Duration `env:"MONITOR_RESTART_WINDOW" envDefault:"30m"`
	// AlertWebhookURL, when set, receives HMAC-signed operator alerts.
	AlertWebhookURL    string `env:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `env:"ALERT_WEBHOOK_SECRET"`

	// ── Alert e-mail (optional) ──────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPTo       string `env:"SMTP_TO"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
}

// ErrMissingConcurrencyLimit is returned by ValidateWorker when
// CONCURRENCY_LIMIT is unset or not positive. Startup validation failures
// exit the process with a non-zero code before any work is claimed.
var ErrMissingConcurrencyLimit = errors.New("CONCURRENCY_LIMIT must be set to a positive value")

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateWorker checks the fields a worker or consumer process cannot run
// without. Called before the poll loop starts.
func (c *Config) ValidateWorker() error {
	if c.ConcurrencyLimit <= 0 {
		return ErrMissingConcurrencyLimit
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.IdlePollInterval <= 0 {
		return fmt.Errorf("IDLE_POLL_INTERVAL must be positive, got %s", c.IdlePollInterval)
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
