package async

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/pulse/retry"
	"github.com/teranos/kairos/pulse/schedule"
	"github.com/teranos/kairos/sym"
)

const (
	// DefaultPollInterval is how often the dispatcher looks for due jobs
	DefaultPollInterval = time.Second

	// DefaultShutdownTimeout bounds how long Stop waits for running jobs
	DefaultShutdownTimeout = 30 * time.Second

	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second

	// outcome writes are retried this many times before the job is left
	// for orphan recovery
	maxReportAttempts = 5
	reportTimeout     = 10 * time.Second

	cleanupInterval = time.Hour
)

// DispatcherConfig contains configuration for the dispatcher
type DispatcherConfig struct {
	PollInterval    time.Duration  // 0 = DefaultPollInterval
	RatePerSecond   float64        // Max job starts per second; 0 = unlimited
	Retention       time.Duration  // Finished jobs older than this are removed; 0 = keep
	ShutdownTimeout time.Duration  // 0 = DefaultShutdownTimeout
	Location        *time.Location // Zone for cron rules; nil = time.Local
	InstanceID      string         // Recorded as claimed_by; generated when empty
	Clock           func() time.Time
}

// Dispatcher moves due jobs from the store onto the worker pool and records
// their outcomes.
//
// Each cycle promotes retries whose backoff elapsed, claims at most as many
// due jobs as there are idle slots, marks them processing and submits them.
// Outcomes come back through handleOutcome on the worker goroutine.
type Dispatcher struct {
	store         JobStore
	pool          *WorkerPool
	continuations *ContinuationManager
	config        DispatcherConfig
	instanceID    string
	clock         func() time.Time

	logger   pulseLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	pollInterval   time.Duration
	limiter        *rate.Limiter // nil = unlimited
	intervalChange chan struct{}
	started        bool
	lastActiveWork int
	lastCleanup    time.Time
	cycles         int64
}

// NewDispatcher creates a dispatcher and its worker pool
func NewDispatcher(store JobStore, executor JobExecutor, cfg DispatcherConfig, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = logger.Logger
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	d := &Dispatcher{
		store:          store,
		continuations:  NewContinuationManager(store, log),
		config:         cfg,
		instanceID:     cfg.InstanceID,
		clock:          clock,
		logger:         newPulseLogger(log),
		pulseLog:       logger.AddPulseSymbol(log.Named("pulse")),
		pollInterval:   cfg.PollInterval,
		limiter:        newLimiter(cfg.RatePerSecond),
		intervalChange: make(chan struct{}, 1),
		lastActiveWork: -1,
	}
	d.pool = NewWorkerPool(executor, poolCfg, d.handleOutcome, log)
	return d
}

// Pool returns the dispatcher's worker pool
func (d *Dispatcher) Pool() *WorkerPool { return d.pool }

// Continuations returns the continuation manager the dispatcher releases through
func (d *Dispatcher) Continuations() *ContinuationManager { return d.continuations }

// InstanceID identifies this dispatcher in claimed_by
func (d *Dispatcher) InstanceID() string { return d.instanceID }

// Start recovers jobs orphaned by a previous process and begins polling.
// ✿ Opening
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	requeued, err := d.store.RequeueOrphaned(d.ctx)
	if err != nil {
		d.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if len(requeued) > 0 {
		d.logger.Starting("Opening - requeued orphaned jobs from previous run", logger.FieldCount, len(requeued))
	}

	if n := d.recoverRecurring(d.ctx); n > 0 {
		d.logger.Starting("Opening - rescheduled recurring jobs left between runs", logger.FieldCount, n)
	}

	if warning := d.pool.checkMemoryPressure(); warning != "" {
		d.logger.Warnw("Memory pressure warning", "warning", warning)
	}

	d.wg.Add(1)
	go d.run()

	d.pulseLog.Infow("Pulse dispatcher started",
		"interval", d.PollInterval(),
		"workers", d.pool.Workers(),
		logger.FieldClaimedBy, d.instanceID)
	return nil
}

// recoverRecurring reschedules recurring jobs stuck in succeeded or failed,
// left there when the process stopped or the store was unreachable between
// recording an outcome and scheduling the next occurrence
func (d *Dispatcher) recoverRecurring(ctx context.Context) int {
	var stranded []*Job
	for job, err := range d.store.List(ctx, ListFilter{States: []JobState{StateSucceeded, StateFailed}}) {
		if err != nil {
			d.logger.Warnw("Failed to scan for stranded recurring jobs", logger.FieldError, err)
			return 0
		}
		if job.IsRecurring() && job.State.IsTerminal() {
			stranded = append(stranded, job)
		}
	}
	for _, job := range stranded {
		d.rescheduleRecurring(job)
	}
	return len(stranded)
}

// Stop stops polling and waits up to the shutdown timeout for running jobs.
// ❀ Closing
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	d.logger.Closing("Dispatcher stopping, waiting for running jobs",
		"active", d.pool.Active(),
		"timeout", d.config.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout)
	defer cancel()
	err := d.pool.Shutdown(ctx)

	d.pulseLog.Infow("Pulse dispatcher stopped")
	return err
}

// SetPollInterval changes the polling interval of a running dispatcher
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	d.mu.Lock()
	d.pollInterval = interval
	d.mu.Unlock()

	select {
	case d.intervalChange <- struct{}{}:
	default:
	}
}

// PollInterval returns the current polling interval
func (d *Dispatcher) PollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollInterval
}

// SetRate changes the maximum job starts per second; 0 removes the limit
func (d *Dispatcher) SetRate(perSecond float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiter = newLimiter(perSecond)
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// run is the polling loop
func (d *Dispatcher) run() {
	defer d.wg.Done()

	interval := d.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	errorCount := 0
	backoff := interval

	for {
		if _, err := d.Tick(d.ctx); err != nil {
			if d.ctx.Err() != nil {
				return
			}
			errorCount++
			d.pulseLog.Warnw("Pulse cycle error",
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				d.pulseLog.Warnw("Dispatcher backing off after consecutive errors",
					"backoff", backoff,
					"consecutive_errors", errorCount)
				select {
				case <-d.ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
			}
		} else {
			if errorCount > 0 {
				d.pulseLog.Infow("Dispatcher recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoff = d.PollInterval()
		}

		select {
		case <-d.ctx.Done():
			return
		case <-d.intervalChange:
			interval = d.PollInterval()
			ticker.Reset(interval)
			d.pulseLog.Infow("Poll interval changed", "interval", interval)
		case <-ticker.C:
		}
	}
}

// Tick runs one dispatch cycle and returns how many jobs were started
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	now := d.clock().UTC()

	d.mu.Lock()
	d.cycles++
	d.mu.Unlock()

	if _, err := d.store.PromoteRetries(ctx, now); err != nil {
		return 0, err
	}

	dispatched, err := d.dispatch(ctx, now)
	if err != nil {
		return dispatched, err
	}

	d.cleanup(ctx, now)
	d.logNextJobInfo(ctx, now)
	return dispatched, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, now time.Time) (int, error) {
	capacity := d.pool.Idle()
	if capacity == 0 {
		return 0, nil
	}

	d.mu.Lock()
	limiter := d.limiter
	d.mu.Unlock()
	if limiter != nil {
		capacity = min(capacity, int(limiter.TokensAt(now)))
		if capacity <= 0 {
			return 0, nil
		}
	}

	claimed, err := d.store.ClaimDue(ctx, capacity, now, d.instanceID)
	if err != nil {
		return 0, err
	}
	if limiter != nil && len(claimed) > 0 {
		limiter.AllowN(now, len(claimed))
	}

	dispatched := 0
	for i, job := range claimed {
		running, err := d.store.MarkProcessing(ctx, job.ID)
		if errors.IsAny(err, errors.ErrNotFound, errors.ErrInvalidTransition) {
			// cancelled or removed between claim and start
			d.logger.Infow("Claimed job no longer startable", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		if err != nil {
			d.unclaim(claimed[i:])
			return dispatched, errors.Wrapf(err, "failed to start job %s", job.ID)
		}

		if err := d.pool.Submit(ctx, running); err != nil {
			// left processing; orphan recovery picks it up on the next start
			d.unclaim(claimed[i+1:])
			return dispatched, err
		}
		dispatched++

		d.logger.Debugw("Job started",
			logger.FieldJobID, running.ID,
			logger.FieldHandler, running.HandlerName,
			logger.FieldAttempt, running.AttemptCount)
	}
	return dispatched, nil
}

// unclaim returns claimed but unstarted jobs to scheduled, best effort
func (d *Dispatcher) unclaim(jobs []*Job) {
	for _, job := range jobs {
		err := d.persist("unclaim", job.ID, func(ctx context.Context) error {
			_, err := d.store.Unclaim(ctx, job.ID)
			return err
		})
		if err != nil && !errors.IsAny(err, errors.ErrNotFound, errors.ErrInvalidTransition) {
			d.logger.Errorw("Failed to release claim", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}
}

// Cancel stops a job and its awaiting continuations. The job moves to
// deleted at once; if it is running here its worker is signalled as well,
// and the attempt's outcome is discarded when it reports.
func (d *Dispatcher) Cancel(ctx context.Context, id string, reason string) (*Job, error) {
	cancelled, err := d.store.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if d.pool.Cancel(id) {
		d.logger.Infow("Signalled running job to stop", logger.FieldJobID, id)
	}
	if _, err := d.continuations.Cancel(ctx, id, fmt.Sprintf("parent %s cancelled", id)); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// handleOutcome records the result of an attempt. It runs on the worker
// goroutine before the slot is released.
func (d *Dispatcher) handleOutcome(o Outcome) {
	job := o.Job

	switch {
	case o.Err == nil:
		d.onSuccess(job, o.Duration)
	case errors.Is(o.Err, errShutdown):
		d.logger.Warnw("Job interrupted by shutdown, left for orphan recovery",
			logger.FieldJobID, job.ID, logger.FieldError, o.Err)
	case o.Cancelled():
		d.onCancelled(job)
	default:
		d.onFailure(job, o.Err, o.Duration)
	}
}

// settledElsewhere logs a failed outcome write. Losing to a cancellation
// or removal is expected and logged at info.
func (d *Dispatcher) settledElsewhere(job *Job, op string, err error) {
	if errors.IsInvalidTransitionError(err) || errors.IsNotFoundError(err) {
		d.logger.Infow("Outcome discarded, job was cancelled or removed while running",
			logger.FieldJobID, job.ID, "op", op, logger.FieldError, err)
		return
	}
	d.logger.Errorw("Failed to "+op, logger.FieldJobID, job.ID, logger.FieldError, err)
}

func (d *Dispatcher) onSuccess(job *Job, took time.Duration) {
	var succeeded *Job
	err := d.persist("mark succeeded", job.ID, func(ctx context.Context) error {
		var err error
		succeeded, err = d.store.MarkSucceeded(ctx, job.ID)
		return err
	})
	if err != nil {
		// continuations of a cancelled job were settled by Cancel
		d.settledElsewhere(job, "record job success", err)
		return
	}

	d.pulseLog.Infow("Pulse OK",
		logger.FieldJobID, job.ID,
		logger.FieldHandler, job.HandlerName,
		logger.FieldAttempt, job.AttemptCount,
		logger.FieldDurationMS, took.Milliseconds())

	if succeeded.IsRecurring() {
		d.rescheduleRecurring(job)
	}

	err = d.persist("release continuations", job.ID, func(ctx context.Context) error {
		_, err := d.continuations.Release(ctx, job.ID)
		return err
	})
	if err != nil {
		d.logger.Errorw("Failed to release continuations", logger.FieldJobID, job.ID, logger.FieldError, err)
	}
}

func (d *Dispatcher) onFailure(job *Job, cause error, took time.Duration) {
	now := d.clock().UTC()
	class := ClassifyError(cause)
	decision := job.Retry.Decide(job.AttemptCount)
	if !class.Retryable {
		decision = retry.Decision{Action: retry.GiveUp}
	}

	if decision.ShouldRetry() {
		next := now.Add(decision.Delay)
		err := d.persist("mark retrying", job.ID, func(ctx context.Context) error {
			_, err := d.store.MarkRetrying(ctx, job.ID, next, cause)
			return err
		})
		if err != nil {
			d.settledElsewhere(job, "record retry", err)
			return
		}
		d.pulseLog.Warnw("Pulse retry",
			logger.FieldJobID, job.ID,
			logger.FieldHandler, job.HandlerName,
			logger.FieldAttempt, job.AttemptCount,
			logger.FieldDelay, decision.Delay,
			logger.FieldDurationMS, took.Milliseconds(),
			logger.FieldError, cause)
		return
	}

	err := d.persist("mark failed", job.ID, func(ctx context.Context) error {
		_, err := d.store.MarkFailed(ctx, job.ID, cause)
		return err
	})
	if err != nil {
		d.settledElsewhere(job, "record job failure", err)
		return
	}
	d.pulseLog.Errorw("Pulse FAILED",
		logger.FieldJobID, job.ID,
		logger.FieldHandler, job.HandlerName,
		logger.FieldAttempt, job.AttemptCount,
		logger.FieldDurationMS, took.Milliseconds(),
		logger.FieldError, cause,
		"code", class.Code,
		"details", errors.GetAllDetails(cause))

	err = d.persist("cancel continuations", job.ID, func(ctx context.Context) error {
		_, err := d.continuations.Cancel(ctx, job.ID, fmt.Sprintf("parent %s failed", job.ID))
		return err
	})
	if err != nil {
		d.logger.Errorw("Failed to cancel continuations", logger.FieldJobID, job.ID, logger.FieldError, err)
	}

	if job.IsRecurring() {
		d.rescheduleRecurring(job)
	}
}

// onCancelled handles a worker stopped through the pool. Dispatcher.Cancel
// has normally deleted the job already; the write here covers direct pool
// cancellation.
func (d *Dispatcher) onCancelled(job *Job) {
	err := d.persist("cancel", job.ID, func(ctx context.Context) error {
		_, err := d.store.Cancel(ctx, job.ID, "cancelled while running")
		return err
	})
	if err != nil && !errors.IsAny(err, errors.ErrInvalidTransition, errors.ErrNotFound) {
		d.logger.Errorw("Failed to record cancellation", logger.FieldJobID, job.ID, logger.FieldError, err)
		return
	}
	d.logger.Infow("Job stopped after cancellation", logger.FieldJobID, job.ID)

	err = d.persist("cancel continuations", job.ID, func(ctx context.Context) error {
		_, err := d.continuations.Cancel(ctx, job.ID, fmt.Sprintf("parent %s cancelled", job.ID))
		return err
	})
	if err != nil {
		d.logger.Errorw("Failed to cancel continuations", logger.FieldJobID, job.ID, logger.FieldError, err)
	}
}

// rescheduleRecurring starts the next occurrence, anchored on the fire time
// that just ran so an on-time interval job keeps an exact cadence
func (d *Dispatcher) rescheduleRecurring(job *Job) {
	now := d.clock().UTC()
	rule, err := schedule.ParseRuleIn(job.RecurrenceRule(), d.config.Location)
	if err != nil {
		d.logger.Errorw("Recurring job has an invalid rule, not rescheduling",
			logger.FieldJobID, job.ID, logger.FieldRule, job.RecurrenceRule(), logger.FieldError, err)
		return
	}

	prev := now
	if job.NextFireAt != nil {
		prev = *job.NextFireAt
	}
	next := schedule.NextOccurrence(rule, prev, now)
	if next.IsZero() {
		d.logger.Warnw("Recurring job has no further occurrences", logger.FieldJobID, job.ID, logger.FieldRule, rule)
		return
	}

	err = d.persist("reschedule", job.ID, func(ctx context.Context) error {
		_, err := d.store.Reschedule(ctx, job.ID, next)
		return err
	})
	if err != nil {
		d.settledElsewhere(job, "reschedule recurring job", err)
		return
	}
	d.logger.Debugw("Recurring job rescheduled",
		logger.FieldJobID, job.ID,
		logger.FieldRule, rule,
		logger.FieldNextFire, next)
}

// persist runs a store write, retrying infrastructure errors with backoff.
// Not-found and invalid-transition errors are returned immediately.
func (d *Dispatcher) persist(op, jobID string, fn func(ctx context.Context) error) error {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		err := fn(ctx)
		cancel()

		if err == nil || errors.IsAny(err, errors.ErrNotFound, errors.ErrInvalidTransition) {
			return err
		}
		if attempt >= maxReportAttempts {
			return errors.Wrapf(err, "%s gave up after %d attempts", op, attempt)
		}
		d.logger.Warnw("Store write failed, retrying",
			"op", op,
			logger.FieldJobID, jobID,
			logger.FieldAttempt, attempt,
			logger.FieldDelay, backoff,
			logger.FieldError, err)
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

// cleanup removes finished jobs past the retention window, at most hourly
func (d *Dispatcher) cleanup(ctx context.Context, now time.Time) {
	if d.config.Retention <= 0 {
		return
	}
	d.mu.Lock()
	due := now.Sub(d.lastCleanup) >= cleanupInterval
	if due {
		d.lastCleanup = now
	}
	d.mu.Unlock()
	if !due {
		return
	}

	removed, err := d.store.Cleanup(ctx, now.Add(-d.config.Retention))
	if err != nil {
		d.logger.Warnw("Failed to clean up finished jobs", logger.FieldError, err)
		return
	}
	if removed > 0 {
		d.pulseLog.Infow("Cleaned up finished jobs", logger.FieldCount, removed, "retention", d.config.Retention)
	}
}

// SystemMetrics returns worker pool and memory metrics with job counts
func (d *Dispatcher) SystemMetrics(ctx context.Context) SystemMetrics {
	m := d.pool.SystemMetrics()
	if stats, err := d.store.Stats(ctx); err == nil {
		m.JobsQueued = stats.Counts[StateScheduled]
		m.JobsRunning = stats.Counts[StateEnqueued] + stats.Counts[StateProcessing]
	}
	return m
}

// logNextJobInfo logs the time until the next scheduled job, only when the
// amount of active work changed since the last cycle
func (d *Dispatcher) logNextJobInfo(ctx context.Context, now time.Time) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.pulseLog.Warnw("Failed to get job stats", logger.FieldError, err)
		return
	}

	activeWork := stats.Counts[StateEnqueued] + stats.Counts[StateProcessing] + stats.Counts[StateAwaitingRetry]

	d.mu.Lock()
	hasChanged := activeWork != d.lastActiveWork
	d.lastActiveWork = activeWork
	d.mu.Unlock()
	if !hasChanged {
		return
	}

	// one symbol per 5 active jobs, capped at 60
	pulseIndicator := ""
	if activeWork > 0 {
		numSymbols := min(activeWork/5+1, 60)
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	var msg string
	if stats.NextFireAt == nil {
		msg = fmt.Sprintf("%sPulse - no scheduled executions", pulseIndicator)
	} else {
		timeUntil := max(stats.NextFireAt.Sub(now), 0)
		msg = fmt.Sprintf("%sPulse - next scheduled execution in %s", pulseIndicator, timeUntil.Round(time.Second))
	}
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d jobs active", activeWork)
	}

	metrics := d.pool.SystemMetrics()
	msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
		metrics.WorkersActive, metrics.WorkersTotal,
		metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)

	d.pulseLog.Infow(msg)
}
