package am

import "github.com/teranos/kairos/errors"

// Validate checks that the configuration is valid.
// Zero means "use default" where the field docs say so; negatives are always invalid.
func (c *Config) Validate() error {
	p := c.Pulse

	if p.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", p.Workers)
	}
	if p.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", p.PollIntervalMS)
	}
	if p.JobTimeoutSeconds < 0 {
		return errors.Newf("pulse.job_timeout_seconds must be >= 0, got %d", p.JobTimeoutSeconds)
	}
	if p.TimeoutGraceMS < 0 {
		return errors.Newf("pulse.timeout_grace_ms must be >= 0, got %d", p.TimeoutGraceMS)
	}
	if p.MaxAttempts < 0 {
		return errors.Newf("pulse.max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	for i, d := range p.RetryDelaysSeconds {
		if d < 0 {
			return errors.Newf("pulse.retry_delays_seconds[%d] must be >= 0, got %d", i, d)
		}
	}
	if p.DispatchRatePerSecond < 0 {
		return errors.Newf("pulse.dispatch_rate_per_second must be >= 0, got %f", p.DispatchRatePerSecond)
	}
	if p.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("pulse.shutdown_timeout_seconds must be >= 0, got %d", p.ShutdownTimeoutSeconds)
	}
	if _, err := p.Location(); err != nil {
		return errors.Wrapf(err, "pulse.timezone %q", p.Timezone)
	}

	if c.Database.RetentionHours < 0 {
		return errors.Newf("database.retention_hours must be >= 0, got %d", c.Database.RetentionHours)
	}

	return nil
}
