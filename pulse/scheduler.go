// Package pulse is the entry point of the kairos job scheduler.
//
// A Scheduler owns the job store, the dispatcher and its worker pool. Jobs
// are submitted by handler name with JSON arguments; handlers registered on
// the scheduler execute them.
//
//	s, _ := pulse.New(db, opts)
//	s.Register(async.NewHandlerFunc("report.build", buildReport))
//	id, _ := s.Enqueue(ctx, "report.build", reportArgs{Month: "2026-03"})
//	s.Start(ctx)
package pulse

import (
	"context"
	"database/sql"
	"encoding/json"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/kairos/am"
	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/pulse/async"
	"github.com/teranos/kairos/pulse/schedule"
)

// Scheduler submits, observes and runs jobs
type Scheduler struct {
	opts       Options
	store      *async.Store
	queue      *async.Queue
	registry   *async.HandlerRegistry
	dispatcher *async.Dispatcher
	logger     *zap.SugaredLogger
}

// New creates a scheduler over a migrated database. Call Start to begin
// executing jobs; submission and observation work without it.
func New(database *sql.DB, opts Options) (*Scheduler, error) {
	if database == nil {
		return nil, errors.New("pulse: database is required")
	}
	opts = opts.withDefaults()
	if err := opts.Retry.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid default retry policy")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}

	store := async.NewStore(database, async.WithClock(opts.Clock))
	queue := async.NewQueue(store)
	registry := async.NewHandlerRegistry()

	dispatcher := async.NewDispatcher(queue, async.NewRegistryExecutor(registry, nil),
		async.DispatcherConfig{
			PollInterval:    opts.PollInterval,
			RatePerSecond:   opts.RatePerSecond,
			Retention:       opts.Retention,
			ShutdownTimeout: opts.ShutdownTimeout,
			Location:        opts.Location,
			InstanceID:      opts.InstanceID,
			Clock:           opts.Clock,
		},
		async.WorkerPoolConfig{
			Workers:      opts.Workers,
			Timeout:      opts.JobTimeout,
			TimeoutGrace: opts.TimeoutGrace,
		},
		log)

	return &Scheduler{
		opts:       opts,
		store:      store,
		queue:      queue,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     log.Named("scheduler"),
	}, nil
}

// Register adds a handler. Panics if the name is already taken.
func (s *Scheduler) Register(handler async.JobHandler) {
	s.registry.Register(handler)
}

// Handlers returns the registered handler names
func (s *Scheduler) Handlers() []string {
	return s.registry.Names()
}

// Dispatcher exposes the dispatcher for metrics and tests
func (s *Scheduler) Dispatcher() *async.Dispatcher {
	return s.dispatcher
}

// Enqueue submits a job that is due immediately
func (s *Scheduler) Enqueue(ctx context.Context, handler string, args interface{}, opts ...JobOption) (string, error) {
	return s.submit(ctx, handler, args, async.OneShot{}, "", s.now(), opts)
}

// Schedule submits a job that becomes due after delay
func (s *Scheduler) Schedule(ctx context.Context, handler string, args interface{}, delay time.Duration, opts ...JobOption) (string, error) {
	if delay < 0 {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "delay must not be negative, got %s", delay)
	}
	return s.submit(ctx, handler, args, async.OneShot{}, "", s.now().Add(delay), opts)
}

// ScheduleRecurring submits a job that runs on every occurrence of rule,
// first at the rule's next fire time. Submitting again under the same
// WithID replaces the rule, handler and arguments of that recurring job.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, handler string, args interface{}, rule string, opts ...JobOption) (string, error) {
	parsed, err := schedule.ParseRuleIn(rule, s.opts.Location)
	if err != nil {
		return "", err
	}
	first := parsed.Next(s.now())
	return s.submit(ctx, handler, args, async.Recurring{Rule: rule}, "", first, opts)
}

// ContinueWith submits a job that runs only after parentID succeeds. If the
// parent fails terminally or is cancelled the continuation is deleted
// without running.
func (s *Scheduler) ContinueWith(ctx context.Context, parentID string, handler string, args interface{}, opts ...JobOption) (string, error) {
	if parentID == "" {
		return "", errors.Wrap(errors.ErrInvalidRequest, "parent id is required")
	}
	return s.submit(ctx, handler, args, async.OneShot{}, parentID, s.now(), opts)
}

func (s *Scheduler) submit(ctx context.Context, handler string, args interface{}, trigger async.Trigger, parentID string, fireAt time.Time, opts []JobOption) (string, error) {
	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := encodeArgs(args)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode arguments for %s", handler)
	}

	source := o.source
	if source == "" {
		source = s.opts.Source
	}

	job, err := async.NewJob(async.JobSpec{
		ID:          o.id,
		HandlerName: handler,
		Payload:     payload,
		Source:      source,
		Trigger:     trigger,
		Retry:       s.policyFor(o),
		Timeout:     o.timeout,
		ParentID:    parentID,
		FireAt:      fireAt,
	}, s.now(), s.idTaken(ctx))
	if err != nil {
		return "", err
	}

	if parentID != "" {
		if err := s.dispatcher.Continuations().Register(ctx, job); err != nil {
			return "", err
		}
		return job.ID, nil
	}

	err = s.queue.Create(ctx, job)
	if err != nil && o.id != "" && job.IsRecurring() && errors.Is(err, errors.ErrDuplicateID) {
		if _, err := s.queue.UpdateRecurring(ctx, job); err != nil {
			return "", err
		}
		s.logger.Infow("Updated recurring job", logger.FieldJobID, job.ID, logger.FieldRule, job.RecurrenceRule())
		return job.ID, nil
	}
	if err != nil {
		return "", err
	}

	s.logger.Debugw("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldHandler, job.HandlerName,
		logger.FieldNextFire, job.NextFireAt)
	return job.ID, nil
}

// idTaken checks generated ids against the store
func (s *Scheduler) idTaken(ctx context.Context) func(string) bool {
	return func(id string) bool {
		exists, err := s.store.Exists(ctx, id)
		return err != nil || exists
	}
}

func encodeArgs(args interface{}) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// GetJob returns a job by id
func (s *Scheduler) GetJob(ctx context.Context, id string) (*async.Job, error) {
	return s.queue.Get(ctx, id)
}

// ListJobs returns a lazy, restartable sequence of jobs in the given
// states, oldest first. No states means every state.
func (s *Scheduler) ListJobs(ctx context.Context, states ...async.JobState) iter.Seq2[*async.Job, error] {
	return s.queue.List(ctx, async.ListFilter{States: states})
}

// Continuations lists the children registered on parentID
func (s *Scheduler) Continuations(ctx context.Context, parentID string) iter.Seq2[*async.Job, error] {
	return s.queue.List(ctx, async.ListFilter{ParentID: parentID})
}

// History returns every state change of a job, oldest first
func (s *Scheduler) History(ctx context.Context, id string) ([]async.Transition, error) {
	return s.queue.History(ctx, id)
}

// Stats counts jobs per state
func (s *Scheduler) Stats(ctx context.Context) (async.Stats, error) {
	return s.queue.Stats(ctx)
}

// Metrics returns worker pool, memory and queue metrics
func (s *Scheduler) Metrics(ctx context.Context) async.SystemMetrics {
	return s.dispatcher.SystemMetrics(ctx)
}

// Cancel stops a job and its pending continuations. A running job is
// signalled and becomes deleted when its handler returns.
func (s *Scheduler) Cancel(ctx context.Context, id string, reason string) (*async.Job, error) {
	return s.dispatcher.Cancel(ctx, id, reason)
}

// Delete removes a finished or pending job and its history
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.queue.Delete(ctx, id)
}

// Subscribe returns a channel of job updates; see async.Queue.Subscribe
func (s *Scheduler) Subscribe() chan *async.Job {
	return s.queue.Subscribe()
}

// Unsubscribe stops delivering updates to ch
func (s *Scheduler) Unsubscribe(ch chan *async.Job) {
	s.queue.Unsubscribe(ch)
}

// Start recovers orphaned jobs and begins dispatching
func (s *Scheduler) Start(ctx context.Context) error {
	return s.dispatcher.Start(ctx)
}

// Stop stops dispatching and waits for running jobs up to the shutdown timeout
func (s *Scheduler) Stop() error {
	return s.dispatcher.Stop()
}

// ApplyConfig applies the settings that can change while running: the poll
// interval and the dispatch rate. It is registered as a config watcher callback.
func (s *Scheduler) ApplyConfig(cfg *am.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	interval := cfg.Pulse.PollInterval()
	if interval > 0 && interval != s.dispatcher.PollInterval() {
		s.dispatcher.SetPollInterval(interval)
	}
	s.dispatcher.SetRate(cfg.Pulse.DispatchRatePerSecond)
	s.logger.Infow("Applied reloaded configuration",
		"poll_interval", s.dispatcher.PollInterval(),
		"rate_per_second", cfg.Pulse.DispatchRatePerSecond)
	return nil
}

func (s *Scheduler) now() time.Time {
	return s.opts.Clock().UTC()
}
