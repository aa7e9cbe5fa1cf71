package async

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	kairostest "github.com/teranos/kairos/internal/testing"
	"github.com/teranos/kairos/pulse/retry"
)

// testEpoch is a fixed, second-aligned instant all fake clocks start at
var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock shared by store and dispatcher
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewStore(kairostest.CreateTestDB(t), WithClock(clock.Now)), clock
}

type specOption func(*JobSpec)

func withRetry(maxAttempts int, delays ...time.Duration) specOption {
	return func(s *JobSpec) { s.Retry = retry.Policy{MaxAttempts: maxAttempts, Delays: delays} }
}

func withRule(rule string) specOption {
	return func(s *JobSpec) { s.Trigger = Recurring{Rule: rule} }
}

func withFireAt(at time.Time) specOption {
	return func(s *JobSpec) { s.FireAt = at }
}

func withTimeout(d time.Duration) specOption {
	return func(s *JobSpec) { s.Timeout = d }
}

func withParent(parentID string) specOption {
	return func(s *JobSpec) { s.ParentID = parentID }
}

func withPayload(v interface{}) specOption {
	return func(s *JobSpec) {
		b, _ := json.Marshal(v)
		s.Payload = b
	}
}

func newTestJob(t *testing.T, clock *fakeClock, jobID, handler string, opts ...specOption) *Job {
	t.Helper()
	spec := JobSpec{
		ID:          jobID,
		HandlerName: handler,
		Retry:       retry.Policy{MaxAttempts: 3, Delays: retry.Seconds(10)},
	}
	for _, opt := range opts {
		opt(&spec)
	}
	job, err := NewJob(spec, clock.Now(), nil)
	require.NoError(t, err)
	return job
}

func mustCreate(t *testing.T, store JobStore, job *Job) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), job))
}

func mustGet(t *testing.T, store JobStore, jobID string) *Job {
	t.Helper()
	job, err := store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// historyStates returns the to-states of a job's transitions, oldest first
func historyStates(t *testing.T, store JobStore, jobID string) []JobState {
	t.Helper()
	history, err := store.History(context.Background(), jobID)
	require.NoError(t, err)
	states := make([]JobState, len(history))
	for i, tr := range history {
		states[i] = tr.To
	}
	return states
}

// startJob claims a due job and marks it processing, as the dispatcher would
func startJob(t *testing.T, store JobStore, clock *fakeClock, jobID string) *Job {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimDue(ctx, 100, clock.Now(), "test")
	require.NoError(t, err)
	found := false
	for _, j := range claimed {
		if j.ID == jobID {
			found = true
			continue
		}
		_, err := store.Unclaim(ctx, j.ID)
		require.NoError(t, err)
	}
	require.True(t, found, "job %s was not due", jobID)

	job, err := store.MarkProcessing(ctx, jobID)
	require.NoError(t, err)
	return job
}

// scriptedHandler records calls and returns errors from a script; once the
// script runs out it succeeds
type scriptedHandler struct {
	name string

	mu     sync.Mutex
	calls  map[string]int
	script map[string][]error
}

func newScriptedHandler(name string) *scriptedHandler {
	return &scriptedHandler{
		name:   name,
		calls:  make(map[string]int),
		script: make(map[string][]error),
	}
}

func (h *scriptedHandler) Name() string { return h.name }

func (h *scriptedHandler) failWith(jobID string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.script[jobID] = append(h.script[jobID], errs...)
}

func (h *scriptedHandler) Execute(ctx context.Context, job *Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[job.ID]++
	if errs := h.script[job.ID]; len(errs) > 0 {
		h.script[job.ID] = errs[1:]
		return errs[0]
	}
	return nil
}

func (h *scriptedHandler) callCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[jobID]
}

// newTestDispatcher wires a dispatcher over an in-memory store with a fake clock
func newTestDispatcher(t *testing.T, workers int, handlers ...JobHandler) (*Dispatcher, *Queue, *fakeClock) {
	t.Helper()
	store, clock := newTestStore(t)
	queue := NewQueue(store)

	registry := NewHandlerRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}

	d := NewDispatcher(queue, NewRegistryExecutor(registry, nil), DispatcherConfig{
		PollInterval: 10 * time.Millisecond,
		Location:     time.UTC,
		InstanceID:   "test-dispatcher",
		Clock:        clock.Now,
	}, WorkerPoolConfig{
		Workers:      workers,
		TimeoutGrace: 50 * time.Millisecond,
	}, zap.NewNop().Sugar())
	return d, queue, clock
}

// tickAndWait runs one dispatch cycle and waits until every started job
// has reported its outcome
func tickAndWait(t *testing.T, d *Dispatcher) int {
	t.Helper()
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Pool().Active() == 0 },
		5*time.Second, 5*time.Millisecond, "jobs did not finish")
	return n
}
