package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/kairos/am"
	"github.com/teranos/kairos/errors"
	kairostest "github.com/teranos/kairos/internal/testing"
	"github.com/teranos/kairos/pulse/async"
	"github.com/teranos/kairos/pulse/retry"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s, err := New(kairostest.CreateTestDB(t), opts)
	require.NoError(t, err)
	return s
}

func fixedClock() func() time.Time {
	return func() time.Time { return epoch }
}

type reportArgs struct {
	Month string `json:"month"`
}

func TestScheduler_Enqueue(t *testing.T) {
	s := newTestScheduler(t, Options{Clock: fixedClock()})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "report.build", reportArgs{Month: "2026-03"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.StateScheduled, job.State)
	assert.Equal(t, "report.build", job.HandlerName)
	assert.JSONEq(t, `{"month":"2026-03"}`, string(job.Payload))
	assert.WithinDuration(t, epoch, *job.NextFireAt, 0)
	assert.Equal(t, DefaultMaxAttempts, job.Retry.MaxAttempts)
	assert.Equal(t, []time.Duration{DefaultRetryDelay}, job.Retry.Delays)
	assert.False(t, job.IsRecurring())

	var args reportArgs
	require.NoError(t, json.Unmarshal(job.Payload, &args))
	assert.Equal(t, "2026-03", args.Month)
}

func TestScheduler_JobOptions(t *testing.T) {
	s := newTestScheduler(t, Options{Clock: fixedClock()})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "email.send", nil,
		WithID("welcome-42"),
		WithMaxAttempts(2),
		WithRetryDelays(time.Second, 5*time.Second),
		WithTimeout(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "welcome-42", id)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, retry.Policy{MaxAttempts: 2, Delays: []time.Duration{time.Second, 5 * time.Second}}, job.Retry)
	assert.Equal(t, 30*time.Second, job.Timeout)
	assert.JSONEq(t, `{}`, string(job.Payload))

	_, err = s.Enqueue(ctx, "email.send", nil, WithID("welcome-42"))
	assert.True(t, errors.Is(err, errors.ErrDuplicateID))

	_, err = s.Enqueue(ctx, "email.send", nil, WithMaxAttempts(-1))
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = s.Enqueue(ctx, "", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduler_Schedule(t *testing.T) {
	s := newTestScheduler(t, Options{Clock: fixedClock()})
	ctx := context.Background()

	id, err := s.Schedule(ctx, "report.build", json.RawMessage(`{"month":"2026-04"}`), 90*time.Minute)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, epoch.Add(90*time.Minute), *job.NextFireAt, 0)

	_, err = s.Schedule(ctx, "report.build", nil, -time.Second)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduler_ScheduleRecurring(t *testing.T) {
	s := newTestScheduler(t, Options{Clock: fixedClock(), Location: time.UTC})
	ctx := context.Background()

	t.Run("invalid rule never reaches the store", func(t *testing.T) {
		_, err := s.ScheduleRecurring(ctx, "cache.warm", nil, "every blue moon")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidRule))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total)
	})

	t.Run("first fire is the next occurrence", func(t *testing.T) {
		id, err := s.ScheduleRecurring(ctx, "cache.warm", nil, "every 60s")
		require.NoError(t, err)
		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "every 60s", job.RecurrenceRule())
		assert.WithinDuration(t, epoch.Add(time.Minute), *job.NextFireAt, 0)
	})

	t.Run("cron in the configured zone", func(t *testing.T) {
		id, err := s.ScheduleRecurring(ctx, "report.daily", nil, "30 10 * * *")
		require.NoError(t, err)
		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), *job.NextFireAt, 0)
	})

	t.Run("same id updates in place", func(t *testing.T) {
		id, err := s.ScheduleRecurring(ctx, "digest.send", reportArgs{Month: "a"}, "@daily", WithID("digest"))
		require.NoError(t, err)
		require.Equal(t, "digest", id)

		id, err = s.ScheduleRecurring(ctx, "digest.send", reportArgs{Month: "b"}, "every 1h", WithID("digest"))
		require.NoError(t, err)
		require.Equal(t, "digest", id)

		job, err := s.GetJob(ctx, "digest")
		require.NoError(t, err)
		assert.Equal(t, "every 1h", job.RecurrenceRule())
		assert.JSONEq(t, `{"month":"b"}`, string(job.Payload))
		assert.WithinDuration(t, epoch.Add(time.Hour), *job.NextFireAt, 0)
	})

	t.Run("one-shot id is not replaced", func(t *testing.T) {
		_, err := s.Enqueue(ctx, "report.build", nil, WithID("plain"))
		require.NoError(t, err)

		_, err = s.ScheduleRecurring(ctx, "report.build", nil, "every 1h", WithID("plain"))
		assert.True(t, errors.Is(err, errors.ErrDuplicateID))
	})
}

func TestScheduler_ContinueWith(t *testing.T) {
	s := newTestScheduler(t, Options{Clock: fixedClock()})
	ctx := context.Background()

	_, err := s.ContinueWith(ctx, "ghost", "load", nil)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = s.ContinueWith(ctx, "", "load", nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	parent, err := s.Enqueue(ctx, "extract", nil)
	require.NoError(t, err)
	child, err := s.ContinueWith(ctx, parent, "load", nil)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, async.StateAwaiting, job.State)
	assert.Equal(t, parent, job.ParentID)

	var children []string
	for c, err := range s.Continuations(ctx, parent) {
		require.NoError(t, err)
		children = append(children, c.ID)
	}
	assert.Equal(t, []string{child}, children)
}

func TestScheduler_ListJobsAndCancel(t *testing.T) {
	s := newTestScheduler(t, Options{Clock: fixedClock()})
	ctx := context.Background()

	a, err := s.Enqueue(ctx, "task", nil, WithID("a"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "task", nil, WithID("b"))
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, a, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, async.StateDeleted, cancelled.State)

	var scheduled []string
	for job, err := range s.ListJobs(ctx, async.StateScheduled) {
		require.NoError(t, err)
		scheduled = append(scheduled, job.ID)
	}
	assert.Equal(t, []string{"b"}, scheduled)

	var all int
	for _, err := range s.ListJobs(ctx) {
		require.NoError(t, err)
		all++
	}
	assert.Equal(t, 2, all)

	history, err := s.History(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", history[len(history)-1].Reason)

	require.NoError(t, s.Delete(ctx, a))
	_, err = s.GetJob(ctx, a)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduler_RunsJobsEndToEnd(t *testing.T) {
	s := newTestScheduler(t, Options{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Retry:        retry.Policy{MaxAttempts: 2, Delays: []time.Duration{0}},
	})
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]int{}
	s.Register(async.NewHandlerFunc("count", func(ctx context.Context, job *async.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.ID]++
		if seen[job.ID] == 1 && job.ID == "flaky" {
			return errors.New("first attempt fails")
		}
		return nil
	}))
	assert.Equal(t, []string{"count"}, s.Handlers())

	updates := s.Subscribe()
	defer s.Unsubscribe(updates)

	_, err := s.Enqueue(ctx, "count", nil, WithID("flaky"))
	require.NoError(t, err)
	_, err = s.ContinueWith(ctx, "flaky", "count", nil, WithID("after"))
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		job, err := s.GetJob(ctx, "after")
		return err == nil && job.State == async.StateSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	flaky, err := s.GetJob(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, async.StateSucceeded, flaky.State)
	assert.Equal(t, 2, flaky.AttemptCount)
	assert.NotEmpty(t, updates, "subscribers saw the transitions")

	metrics := s.Metrics(ctx)
	assert.Equal(t, 2, metrics.WorkersTotal)
}

func TestScheduler_ApplyConfig(t *testing.T) {
	s := newTestScheduler(t, Options{PollInterval: time.Second})

	cfg := &am.Config{Pulse: am.PulseConfig{PollIntervalMS: 250, DispatchRatePerSecond: 5}}
	require.NoError(t, s.ApplyConfig(cfg))
	assert.Equal(t, 250*time.Millisecond, s.Dispatcher().PollInterval())

	bad := &am.Config{Pulse: am.PulseConfig{PollIntervalMS: -1}}
	assert.Error(t, s.ApplyConfig(bad))
	assert.Equal(t, 250*time.Millisecond, s.Dispatcher().PollInterval())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &am.Config{
		Database: am.DatabaseConfig{Path: "jobs.db", RetentionHours: 48},
		Pulse: am.PulseConfig{
			Workers:                3,
			PollIntervalMS:         200,
			JobTimeoutSeconds:      60,
			MaxAttempts:            4,
			RetryDelaysSeconds:     []int{1, 30},
			DispatchRatePerSecond:  2.5,
			ShutdownTimeoutSeconds: 5,
			Timezone:               "UTC",
		},
	}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 200*time.Millisecond, opts.PollInterval)
	assert.Equal(t, time.Minute, opts.JobTimeout)
	assert.Equal(t, retry.Policy{MaxAttempts: 4, Delays: []time.Duration{time.Second, 30 * time.Second}}, opts.Retry)
	assert.Equal(t, 2.5, opts.RatePerSecond)
	assert.Equal(t, 5*time.Second, opts.ShutdownTimeout)
	assert.Equal(t, time.UTC, opts.Location)
	assert.Equal(t, 48*time.Hour, opts.Retention)

	defaults, err := OptionsFromConfig(&am.Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().Retry, defaults.Retry)
	assert.Equal(t, DefaultOptions().PollInterval, defaults.PollInterval)

	_, err = OptionsFromConfig(&am.Config{Pulse: am.PulseConfig{Workers: -2}})
	assert.Error(t, err)
}

func TestNew_RequiresDatabase(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}
