// Package async provides durable background job execution for pulse.
//
// Jobs are persisted through a JobStore, claimed by the Dispatcher when due,
// executed on a bounded WorkerPool and moved through their lifecycle by
// transactional state transitions. Continuation children wait in the
// awaiting state until their parent succeeds.
package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/pulse/retry"
	"github.com/teranos/vanity-id"
)

// JobState is the lifecycle position of a job
type JobState string

const (
	StateAwaiting      JobState = "awaiting" // continuation held until its parent succeeds
	StateScheduled     JobState = "scheduled"
	StateEnqueued      JobState = "enqueued"
	StateProcessing    JobState = "processing"
	StateSucceeded     JobState = "succeeded"
	StateFailed        JobState = "failed"
	StateAwaitingRetry JobState = "awaiting_retry"
	StateDeleted       JobState = "deleted"
)

// AllStates lists every state in lifecycle order
var AllStates = []JobState{
	StateAwaiting, StateScheduled, StateEnqueued, StateProcessing,
	StateSucceeded, StateFailed, StateAwaitingRetry, StateDeleted,
}

// IsValidState returns true if the string names a JobState
func IsValidState(s string) bool {
	for _, st := range AllStates {
		if string(st) == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further execution will happen without an
// explicit reschedule. Recurring jobs leave succeeded and failed again.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateDeleted:
		return true
	}
	return false
}

// transitions is the lifecycle graph. Every store write is checked against it.
var transitions = map[JobState][]JobState{
	StateAwaiting:      {StateScheduled, StateDeleted},
	StateScheduled:     {StateEnqueued, StateDeleted},
	StateEnqueued:      {StateProcessing, StateScheduled, StateDeleted},
	StateProcessing:    {StateSucceeded, StateFailed, StateAwaitingRetry, StateScheduled, StateDeleted},
	StateAwaitingRetry: {StateScheduled, StateDeleted},
	StateSucceeded:     {StateScheduled, StateDeleted}, // deleted: recurring jobs only, see Store.Cancel
	StateFailed:        {StateScheduled, StateDeleted},
	StateDeleted:       nil,
}

// CanTransition reports whether the lifecycle permits moving from one state to another
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Trigger decides when a job fires again after it runs.
// It is either OneShot or Recurring.
type Trigger interface {
	isTrigger()
}

// OneShot jobs run until they succeed or give up
type OneShot struct{}

// Recurring jobs are rescheduled by Rule after every run
type Recurring struct {
	Rule string
}

func (OneShot) isTrigger()   {}
func (Recurring) isTrigger() {}

// Job is a unit of schedulable, retryable work.
//
// HandlerName selects the JobHandler; Payload is the handler's JSON arguments.
type Job struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       JobState        `json:"state"`
	NextFireAt  *time.Time      `json:"next_fire_at,omitempty"`

	AttemptCount int           `json:"attempt_count"`
	Retry        retry.Policy  `json:"retry"`
	Timeout      time.Duration `json:"timeout,omitempty"` // 0 = pool default

	ParentID  string  `json:"parent_id,omitempty"`
	Trigger   Trigger `json:"-"`
	LastError string  `json:"last_error,omitempty"`
	ClaimedBy string  `json:"claimed_by,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// IsRecurring reports whether the job carries a recurrence rule
func (j *Job) IsRecurring() bool {
	_, ok := j.Trigger.(Recurring)
	return ok
}

// RecurrenceRule returns the rule of a recurring job, or "" for one-shot jobs
func (j *Job) RecurrenceRule() string {
	if r, ok := j.Trigger.(Recurring); ok {
		return r.Rule
	}
	return ""
}

// MarshalJSON adds the recurrence rule, which the Trigger field hides
func (j *Job) MarshalJSON() ([]byte, error) {
	type plain Job
	return json.Marshal(struct {
		*plain
		RecurrenceRule string `json:"recurrence_rule,omitempty"`
	}{(*plain)(j), j.RecurrenceRule()})
}

// JobSpec describes a job to create
type JobSpec struct {
	ID          string // optional; generated when empty
	HandlerName string
	Payload     json.RawMessage
	Source      string // who submitted it, folded into generated ids
	Trigger     Trigger
	Retry       retry.Policy
	Timeout     time.Duration
	ParentID    string
	FireAt      time.Time
}

// NewJob builds a job in the scheduled state from a spec.
// exists guards generated ids against collisions and may be nil.
func NewJob(spec JobSpec, now time.Time, exists func(string) bool) (*Job, error) {
	if spec.HandlerName == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "handler name is required")
	}
	if err := spec.Retry.Validate(); err != nil {
		return nil, err
	}
	if spec.Timeout < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "timeout must not be negative, got %s", spec.Timeout)
	}

	jobID := spec.ID
	if jobID == "" {
		if exists == nil {
			exists = func(string) bool { return false }
		}
		source := spec.Source
		if source == "" {
			source = "kairos"
		}
		generated, err := id.GenerateJobASIDWithRetry(spec.HandlerName, source, "pulse", exists)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to generate job id for %s", spec.HandlerName)
		}
		jobID = generated
	}

	payload := spec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "payload for %s is not valid JSON", spec.HandlerName)
	}

	trigger := spec.Trigger
	if trigger == nil {
		trigger = OneShot{}
	}

	fireAt := spec.FireAt
	if fireAt.IsZero() {
		fireAt = now
	}
	fireAt = fireAt.UTC()
	now = now.UTC()

	return &Job{
		ID:          jobID,
		HandlerName: spec.HandlerName,
		Payload:     payload,
		State:       StateScheduled,
		NextFireAt:  &fireAt,
		Retry:       spec.Retry,
		Timeout:     spec.Timeout,
		ParentID:    spec.ParentID,
		Trigger:     trigger,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition is one row of a job's state history
type Transition struct {
	JobID  string    `json:"job_id"`
	From   JobState  `json:"from,omitempty"` // empty for creation
	To     JobState  `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
