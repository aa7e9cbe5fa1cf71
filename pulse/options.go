package pulse

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/kairos/am"
	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/pulse/async"
	"github.com/teranos/kairos/pulse/retry"
)

// Options configures a Scheduler. Everything the scheduler needs is passed
// here at construction; there are no package-level settings.
type Options struct {
	Workers         int              // Concurrent job slots; 0 = logical CPU count
	PollInterval    time.Duration    // Dispatcher cycle; 0 = async.DefaultPollInterval
	Retry           retry.Policy     // Default policy for jobs submitted without one
	JobTimeout      time.Duration    // Default per-job timeout; 0 = unbounded
	TimeoutGrace    time.Duration    // Wait after cancellation before abandoning a payload
	RatePerSecond   float64          // Max job starts per second; 0 = unlimited
	Location        *time.Location   // Zone for cron rules; nil = time.Local
	Retention       time.Duration    // Finished jobs older than this are removed; 0 = keep
	ShutdownTimeout time.Duration    // Wait for running jobs on Stop
	InstanceID      string           // Recorded as claimed_by; generated when empty
	Source          string           // Folded into generated job ids
	Clock           func() time.Time // nil = time.Now
	Logger          *zap.SugaredLogger
}

// DefaultMaxAttempts is the retry ceiling used when Options.Retry is unset
const DefaultMaxAttempts = 5

// DefaultRetryDelay is the backoff used when Options.Retry is unset
const DefaultRetryDelay = 300 * time.Second

// DefaultOptions returns the options of an unconfigured scheduler
func DefaultOptions() Options {
	return Options{
		Retry: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			Delays:      []time.Duration{DefaultRetryDelay},
		},
		PollInterval:    async.DefaultPollInterval,
		TimeoutGrace:    async.DefaultTimeoutGrace,
		ShutdownTimeout: async.DefaultShutdownTimeout,
		Source:          "kairos",
	}
}

// OptionsFromConfig maps the [pulse] and [database] sections onto Options
func OptionsFromConfig(cfg *am.Config) (Options, error) {
	opts := DefaultOptions()
	if cfg == nil {
		return opts, nil
	}
	if err := cfg.Validate(); err != nil {
		return opts, err
	}

	p := cfg.Pulse
	opts.Workers = p.Workers
	if p.PollIntervalMS > 0 {
		opts.PollInterval = p.PollInterval()
	}
	if p.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = p.MaxAttempts
	}
	if len(p.RetryDelaysSeconds) > 0 {
		opts.Retry.Delays = p.RetryDelays()
	}
	opts.JobTimeout = p.JobTimeout()
	if p.TimeoutGraceMS > 0 {
		opts.TimeoutGrace = p.TimeoutGrace()
	}
	opts.RatePerSecond = p.DispatchRatePerSecond
	if p.ShutdownTimeoutSeconds > 0 {
		opts.ShutdownTimeout = p.ShutdownTimeout()
	}

	loc, err := p.Location()
	if err != nil {
		return opts, errors.Wrapf(err, "invalid pulse.timezone %q", p.Timezone)
	}
	opts.Location = loc

	opts.Retention = time.Duration(cfg.Database.RetentionHours) * time.Hour
	return opts, nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = def.Retry.MaxAttempts
		if o.Retry.Delays == nil {
			o.Retry.Delays = def.Retry.Delays
		}
	}
	if o.Source == "" {
		o.Source = def.Source
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// JobOption adjusts a single submission
type JobOption func(*jobOptions)

type jobOptions struct {
	id          string
	maxAttempts int
	delays      []time.Duration
	delaysSet   bool
	timeout     time.Duration
	source      string
}

// WithID submits the job under a caller-chosen id instead of a generated one.
// For recurring jobs an existing id updates that job in place.
func WithID(id string) JobOption {
	return func(o *jobOptions) { o.id = id }
}

// WithMaxAttempts overrides the retry ceiling
func WithMaxAttempts(n int) JobOption {
	return func(o *jobOptions) { o.maxAttempts = n }
}

// WithRetryDelays overrides the backoff sequence; the last delay is reused
func WithRetryDelays(delays ...time.Duration) JobOption {
	return func(o *jobOptions) {
		o.delays = delays
		o.delaysSet = true
	}
}

// WithTimeout bounds each attempt of the job
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = d }
}

// WithSource records who submitted the job in its generated id
func WithSource(source string) JobOption {
	return func(o *jobOptions) { o.source = source }
}

func (s *Scheduler) policyFor(o jobOptions) retry.Policy {
	policy := retry.Policy{
		MaxAttempts: s.opts.Retry.MaxAttempts,
		Delays:      s.opts.Retry.Delays,
	}
	if o.maxAttempts != 0 {
		policy.MaxAttempts = o.maxAttempts
	}
	if o.delaysSet {
		policy.Delays = o.delays
	}
	return policy
}
