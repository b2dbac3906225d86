package am

import (
	"time"

	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/version"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := version.Satisfies(c.Requires); err != nil {
		return errors.Wrap(err, "requires")
	}
	if _, err := db.ParseDialect(c.Database.Driver); err != nil {
		return errors.Wrap(err, "database.driver")
	}

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	// Pulse workers: 0 = no background execution (external workers only), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.PollJitterMS < 0 {
		return errors.Newf("pulse.poll_jitter_ms must be >= 0, got %d", c.Pulse.PollJitterMS)
	}
	if c.Pulse.BatchSize < 0 {
		return errors.Newf("pulse.batch_size must be >= 0, got %d", c.Pulse.BatchSize)
	}
	if c.Pulse.LeaseSeconds < 0 {
		return errors.Newf("pulse.lease_seconds must be >= 0, got %d", c.Pulse.LeaseSeconds)
	}
	if c.Pulse.WakeRate < 0 {
		return errors.Newf("pulse.wake_rate must be >= 0, got %f", c.Pulse.WakeRate)
	}
	if c.Pulse.MaxRetries < 0 {
		return errors.Newf("pulse.max_retries must be >= 0, got %d", c.Pulse.MaxRetries)
	}
	if c.Pulse.BackoffInitialSeconds < 0 {
		return errors.Newf("pulse.backoff_initial_seconds must be >= 0, got %d", c.Pulse.BackoffInitialSeconds)
	}
	if c.Pulse.BackoffMaxSeconds < c.Pulse.BackoffInitialSeconds {
		return errors.Newf("pulse.backoff_max_seconds (%d) must be >= pulse.backoff_initial_seconds (%d)",
			c.Pulse.BackoffMaxSeconds, c.Pulse.BackoffInitialSeconds)
	}
	if c.Pulse.HistoryRetentionHours < 0 {
		return errors.Newf("pulse.history_retention_hours must be >= 0, got %d", c.Pulse.HistoryRetentionHours)
	}
	if c.Pulse.HistoryRetentionHours > 0 && c.Pulse.HistoryCleanupCron != "" {
		if err := duedate.Validate(duedate.Cron(c.Pulse.HistoryCleanupCron, nil), time.Now()); err != nil {
			return errors.Wrapf(err, "pulse.history_cleanup_cron %q", c.Pulse.HistoryCleanupCron)
		}
	}

	if c.External.FollowUpRetries < 0 {
		return errors.Newf("external.follow_up_retries must be >= 0, got %d", c.External.FollowUpRetries)
	}
	return nil
}
