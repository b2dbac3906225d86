// Package am loads and persists pulsejob configuration.
//
// Values are layered with viper, lowest precedence first: built-in defaults,
// /etc/pulsejob/am.toml, ~/.pulsejob/am.toml, ~/.pulsejob/am_from_cli.toml,
// the nearest am.toml walking up from the working directory, and finally
// PULSEJOB_* environment variables.
package am

// Config represents the pulsejob configuration
type Config struct {
	// Requires is a version constraint (e.g. ">= 0.3") on the binary reading this file
	Requires string `mapstructure:"requires" toml:"requires"`

	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	External ExternalConfig `mapstructure:"external" toml:"external"`
}

// DatabaseConfig selects the job store backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // sqlite3 (default), sqlite (pure Go) or postgres
	DSN    string `mapstructure:"dsn" toml:"dsn"`       // File path for SQLite, connection string for postgres
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Host           string   `mapstructure:"host" toml:"host"`
	Port           *int     `mapstructure:"port" toml:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8090
)

// PulseConfig configures the executor
type PulseConfig struct {
	ExecutorID string `mapstructure:"executor_id" toml:"executor_id"` // Lock owner name (default: hostname-pid)
	Workers    int    `mapstructure:"workers" toml:"workers"`         // Concurrent handler executions

	PollIntervalMS int     `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"` // Delay between poll cycles
	PollJitterMS   int     `mapstructure:"poll_jitter_ms" toml:"poll_jitter_ms"`     // Random extra delay per cycle
	BatchSize      int     `mapstructure:"batch_size" toml:"batch_size"`             // Max jobs fetched per query
	LeaseSeconds   int     `mapstructure:"lease_seconds" toml:"lease_seconds"`       // How long a dispatched job stays locked
	WakeRate       float64 `mapstructure:"wake_rate" toml:"wake_rate"`               // Max immediate re-polls per second

	// Retry policy for executable jobs
	MaxRetries            int `mapstructure:"max_retries" toml:"max_retries"`
	BackoffInitialSeconds int `mapstructure:"backoff_initial_seconds" toml:"backoff_initial_seconds"` // 0 = retry in place
	BackoffMaxSeconds     int `mapstructure:"backoff_max_seconds" toml:"backoff_max_seconds"`

	// Categories is the allow-list of job categories this node acquires.
	// Empty means every category.
	Categories []string `mapstructure:"categories" toml:"categories"`

	// Job history retention
	HistoryRetentionHours int    `mapstructure:"history_retention_hours" toml:"history_retention_hours"` // 0 = keep forever
	HistoryCleanupCron    string `mapstructure:"history_cleanup_cron" toml:"history_cleanup_cron"`
}

// ExternalConfig configures the external-worker lease manager
type ExternalConfig struct {
	FollowUpRetries int `mapstructure:"follow_up_retries" toml:"follow_up_retries"` // Retries of the job continuing a scope after complete/terminate/error
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
