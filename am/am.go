// Package am loads kairos configuration.
//
// Values are merged from (lowest to highest precedence) built-in defaults,
// /etc/kairos/am.toml, ~/.kairos/am.toml, the nearest project am.toml found
// walking up from the working directory, and KAIROS_* environment variables.
package am

import "time"

// Config represents the core kairos configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`

	// Terminal jobs older than this are removed by the dispatcher's cleanup pass.
	// 0 = keep forever.
	RetentionHours int `mapstructure:"retention_hours" toml:"retention_hours" json:"retention_hours" yaml:"retention_hours"`
}

// PulseConfig configures the scheduler: dispatcher, worker pool and retry defaults
type PulseConfig struct {
	Workers                int     `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`                                   // Concurrent job slots (0 = logical CPU count)
	PollIntervalMS         int     `mapstructure:"poll_interval_ms" toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`                 // Dispatcher claim cycle (default: 1000)
	JobTimeoutSeconds      int     `mapstructure:"job_timeout_seconds" toml:"job_timeout_seconds" json:"job_timeout_seconds" yaml:"job_timeout_seconds"`           // Per-job execution timeout (0 = unbounded)
	TimeoutGraceMS         int     `mapstructure:"timeout_grace_ms" toml:"timeout_grace_ms" json:"timeout_grace_ms" yaml:"timeout_grace_ms"`                 // Wait after timeout before abandoning a payload
	MaxAttempts            int     `mapstructure:"max_attempts" toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`                         // Default retry ceiling (default: 5)
	RetryDelaysSeconds     []int   `mapstructure:"retry_delays_seconds" toml:"retry_delays_seconds" json:"retry_delays_seconds" yaml:"retry_delays_seconds"`         // Default backoff sequence, last value reused
	DispatchRatePerSecond  float64 `mapstructure:"dispatch_rate_per_second" toml:"dispatch_rate_per_second" json:"dispatch_rate_per_second" yaml:"dispatch_rate_per_second"` // Max job starts per second (0 = unlimited)
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"` // Wait for in-flight jobs on stop
	Timezone               string  `mapstructure:"timezone" toml:"timezone" json:"timezone" yaml:"timezone"`                                 // IANA zone for cron rules (default: Local)
}

// PollInterval returns the dispatcher polling interval
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// JobTimeout returns the default per-job timeout, 0 meaning unbounded
func (p PulseConfig) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutSeconds) * time.Second
}

// TimeoutGrace returns how long a timed-out payload may keep its slot
func (p PulseConfig) TimeoutGrace() time.Duration {
	return time.Duration(p.TimeoutGraceMS) * time.Millisecond
}

// ShutdownTimeout returns how long Stop waits for in-flight jobs
func (p PulseConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSeconds) * time.Second
}

// RetryDelays returns the default backoff sequence
func (p PulseConfig) RetryDelays() []time.Duration {
	delays := make([]time.Duration, len(p.RetryDelaysSeconds))
	for i, s := range p.RetryDelaysSeconds {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}

// Location resolves Timezone, falling back to the local zone when unset
func (p PulseConfig) Location() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(p.Timezone)
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
