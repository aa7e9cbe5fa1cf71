package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/sym"
)

// DefaultTimeoutGrace is how long a payload may keep running after its
// context is done before the pool gives up on it
const DefaultTimeoutGrace = time.Second

// errShutdown is the cancellation cause for jobs still running when the pool stops.
// Such jobs stay processing and are requeued by orphan recovery.
var errShutdown = errors.New("worker pool shutting down")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations.
// Log levels give a visual distinction:
// - DEBUG level → STARTING (✿ opening operations)
// - WARN level → CLOSING (❀ closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

func newPulseLogger(l *zap.SugaredLogger) pulseLogger {
	if l == nil {
		l = logger.Logger
	}
	return pulseLogger{l.Named("pulse")}
}

// Outcome is the result of one execution attempt
type Outcome struct {
	Job      *Job
	Err      error // nil on success
	Duration time.Duration
}

// TimedOut reports whether the attempt exceeded its timeout
func (o Outcome) TimedOut() bool { return errors.Is(o.Err, errors.ErrTimeout) }

// Cancelled reports whether the attempt was stopped by an explicit cancel
func (o Outcome) Cancelled() bool { return errors.Is(o.Err, errors.ErrCancelled) }

// CompletionFunc receives every outcome exactly once
type CompletionFunc func(Outcome)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Concurrent slots; 0 = logical CPUs
	Timeout      time.Duration `json:"timeout"`       // Default per-job timeout; 0 = unbounded
	TimeoutGrace time.Duration `json:"timeout_grace"` // Wait after cancel before abandoning a payload
}

// DefaultWorkerPoolConfig returns one slot per logical CPU and no timeout
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      DefaultWorkers(),
		TimeoutGrace: DefaultTimeoutGrace,
	}
}

// WorkerPool runs job payloads on a bounded set of slots.
//
// A slot is held from Submit until the job's outcome has been delivered to
// the completion callback, so the number of attempts in flight never exceeds
// Workers. Submit blocks while every slot is busy.
type WorkerPool struct {
	executor   JobExecutor
	config     WorkerPoolConfig
	onComplete CompletionFunc
	logger     pulseLogger

	slots   chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	stopAll context.CancelCauseFunc

	mu        sync.Mutex
	running   map[string]context.CancelCauseFunc
	abandoned int
	stopped   bool
}

// NewWorkerPool creates a pool. onComplete is called from the worker
// goroutine before the slot is released.
func NewWorkerPool(executor JobExecutor, cfg WorkerPoolConfig, onComplete CompletionFunc, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.TimeoutGrace <= 0 {
		cfg.TimeoutGrace = DefaultTimeoutGrace
	}
	if onComplete == nil {
		onComplete = func(Outcome) {}
	}
	baseCtx, stopAll := context.WithCancelCause(context.Background())

	return &WorkerPool{
		executor:   executor,
		config:     cfg,
		onComplete: onComplete,
		logger:     newPulseLogger(log),
		slots:      make(chan struct{}, cfg.Workers),
		baseCtx:    baseCtx,
		stopAll:    stopAll,
		running:    make(map[string]context.CancelCauseFunc),
	}
}

// Workers returns the slot count
func (wp *WorkerPool) Workers() int { return cap(wp.slots) }

// Active returns the number of busy slots
func (wp *WorkerPool) Active() int { return len(wp.slots) }

// Idle returns the number of free slots
func (wp *WorkerPool) Idle() int { return cap(wp.slots) - len(wp.slots) }

// Abandoned returns how many payloads outlived timeout + grace
func (wp *WorkerPool) Abandoned() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.abandoned
}

// Submit starts a job on a free slot, blocking until one is available or ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, job *Job) error {
	select {
	case wp.slots <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "gave up waiting for a worker slot for job %s", job.ID)
	}

	jobCtx, cancel := context.WithCancelCause(wp.baseCtx)

	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		cancel(errShutdown)
		<-wp.slots
		return errors.Wrapf(errShutdown, "cannot submit job %s", job.ID)
	}
	if _, dup := wp.running[job.ID]; dup {
		wp.mu.Unlock()
		cancel(nil)
		<-wp.slots
		return errors.AssertionFailedf("job %s is already running in this pool", job.ID)
	}
	wp.running[job.ID] = cancel
	wp.wg.Add(1)
	wp.mu.Unlock()

	go wp.run(jobCtx, cancel, job)
	return nil
}

// Cancel asks a running job to stop. The outcome reports errors.ErrCancelled.
// Returns false if the job is not running in this pool.
func (wp *WorkerPool) Cancel(jobID string) bool {
	wp.mu.Lock()
	cancel, ok := wp.running[jobID]
	wp.mu.Unlock()
	if ok {
		cancel(errors.Wrapf(errors.ErrCancelled, "job %s", jobID))
	}
	return ok
}

// Running reports whether a job currently holds a slot
func (wp *WorkerPool) Running(jobID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, ok := wp.running[jobID]
	return ok
}

func (wp *WorkerPool) run(parent context.Context, cancel context.CancelCauseFunc, job *Job) {
	defer wp.wg.Done()
	defer func() { <-wp.slots }()
	defer func() {
		wp.mu.Lock()
		delete(wp.running, job.ID)
		wp.mu.Unlock()
		cancel(nil)
	}()

	ctx := parent
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = wp.config.Timeout
	}
	if timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(parent, timeout,
			errors.Wrapf(errors.ErrTimeout, "job %s exceeded %s", job.ID, timeout))
		defer stop()
	}
	ctx = logger.WithJobID(ctx, job.ID)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- wp.execute(ctx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(wp.config.TimeoutGrace)
		select {
		case err = <-done:
		case <-grace.C:
			wp.mu.Lock()
			wp.abandoned++
			wp.mu.Unlock()
			wp.logger.Warnw("Abandoning job that ignored cancellation",
				logger.FieldJobID, job.ID,
				logger.FieldHandler, job.HandlerName,
				"grace", wp.config.TimeoutGrace)
			err = errors.New("payload did not return after cancellation")
			go wp.drainAbandoned(job, done)
		}
		grace.Stop()
	}

	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = errors.WithSecondaryError(cause, err)
		}
	}

	wp.onComplete(Outcome{Job: job, Err: err, Duration: time.Since(start)})
}

// drainAbandoned waits for an abandoned payload so its goroutine can exit
func (wp *WorkerPool) drainAbandoned(job *Job, done <-chan error) {
	err := <-done
	wp.mu.Lock()
	wp.abandoned--
	wp.mu.Unlock()
	wp.logger.Debugw("Abandoned job returned", logger.FieldJobID, job.ID, logger.FieldError, err)
}

// execute runs the payload, converting a panic into an error
func (wp *WorkerPool) execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("job %s panicked: %v", job.ID, r), errPanic)
			err = errors.WithDetail(err, string(debug.Stack()))
		}
	}()
	return wp.executor.Execute(ctx, job)
}

// Shutdown stops accepting jobs and waits for running ones. Jobs still
// running when ctx is done are cancelled and given the grace period.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	wp.stopped = true
	inFlight := len(wp.running)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse(fmt.Sprintf("%s WorkerPool stopped, all workers exited cleanly", sym.PulseClose))
		return nil
	case <-ctx.Done():
	}

	wp.logger.Closing("WorkerPool shutdown timeout, cancelling running jobs", logger.FieldCount, inFlight)
	wp.stopAll(errShutdown)

	select {
	case <-done:
		return nil
	case <-time.After(2 * wp.config.TimeoutGrace):
		return errors.Newf("worker pool stopped with %d jobs still running", wp.Active())
	}
}
