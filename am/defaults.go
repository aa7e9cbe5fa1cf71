package am

import (
	"bytes"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Default values, exported for callers that build configuration in code
const (
	DefaultDatabasePath           = "kairos.db"
	DefaultPollIntervalMS         = 1000
	DefaultTimeoutGraceMS         = 1000
	DefaultMaxAttempts            = 5
	DefaultRetryDelaySeconds      = 300
	DefaultShutdownTimeoutSeconds = 30
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("database.retention_hours", 0)

	v.SetDefault("pulse.workers", 0) // 0 = detect logical CPUs
	v.SetDefault("pulse.poll_interval_ms", DefaultPollIntervalMS)
	v.SetDefault("pulse.job_timeout_seconds", 0) // unbounded
	v.SetDefault("pulse.timeout_grace_ms", DefaultTimeoutGraceMS)
	v.SetDefault("pulse.max_attempts", DefaultMaxAttempts)
	v.SetDefault("pulse.retry_delays_seconds", []int{DefaultRetryDelaySeconds})
	v.SetDefault("pulse.dispatch_rate_per_second", 0.0)
	v.SetDefault("pulse.shutdown_timeout_seconds", DefaultShutdownTimeoutSeconds)
	v.SetDefault("pulse.timezone", "Local")
}

// BindEnvVars binds every known key to its KAIROS_* variable so env-only
// values are visible to Unmarshal (AutomaticEnv alone only affects Get).
func BindEnvVars(v *viper.Viper) {
	for _, key := range []string{
		"database.path",
		"database.retention_hours",
		"pulse.workers",
		"pulse.poll_interval_ms",
		"pulse.job_timeout_seconds",
		"pulse.timeout_grace_ms",
		"pulse.max_attempts",
		"pulse.retry_delays_seconds",
		"pulse.dispatch_rate_per_second",
		"pulse.shutdown_timeout_seconds",
		"pulse.timezone",
	} {
		_ = v.BindEnv(key)
	}
}

// GetDatabasePath returns the database path, defaulting when unset
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// String renders the effective configuration as TOML
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err.Error()
	}
	return buf.String()
}
