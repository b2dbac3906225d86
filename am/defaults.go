package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "pulsejob.db")

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Pulse executor defaults
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.poll_interval_ms", 5000)
	v.SetDefault("pulse.poll_jitter_ms", 1000)
	v.SetDefault("pulse.batch_size", 16)
	v.SetDefault("pulse.lease_seconds", 300)
	v.SetDefault("pulse.wake_rate", 10.0)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.backoff_initial_seconds", 10)
	v.SetDefault("pulse.backoff_max_seconds", 3600)
	v.SetDefault("pulse.categories", []string{})
	v.SetDefault("pulse.history_retention_hours", 168)       // One week
	v.SetDefault("pulse.history_cleanup_cron", "0 0 3 * * ?") // Daily at 03:00

	// External worker defaults
	v.SetDefault("external.follow_up_retries", 3)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.dsn", "PULSEJOB_DATABASE_DSN")
	v.BindEnv("database.driver", "PULSEJOB_DATABASE_DRIVER")
}

// GetServerPort returns the configured port, or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetServerAddr returns host:port for the HTTP listener
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.GetServerPort())
}

// GetDatabaseDSN returns the configured DSN (default: pulsejob.db)
func (c *Config) GetDatabaseDSN() string {
	if c.Database.DSN == "" {
		return "pulsejob.db"
	}
	return c.Database.DSN
}

// PollInterval returns the base delay between poll cycles
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// PollJitter returns the random extra delay per cycle
func (p PulseConfig) PollJitter() time.Duration {
	return time.Duration(p.PollJitterMS) * time.Millisecond
}

// Lease returns how long a dispatched job stays locked
func (p PulseConfig) Lease() time.Duration {
	return time.Duration(p.LeaseSeconds) * time.Second
}

// HistoryRetention returns how long job history is kept, zero for forever
func (p PulseConfig) HistoryRetention() time.Duration {
	return time.Duration(p.HistoryRetentionHours) * time.Hour
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: {Driver: %s}, Server: %s, Pulse: {Workers: %d, Categories: %v}}",
		c.Database.Driver, c.GetServerAddr(), c.Pulse.Workers, c.Pulse.Categories)
}
