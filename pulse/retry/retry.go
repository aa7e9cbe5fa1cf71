// Package retry decides what happens to a job after a failed attempt.
//
// Decide is a pure function: the same inputs always produce the same
// decision, so the dispatcher's retry behavior can be tested without a
// clock, a store or a worker pool.
package retry

import (
	"fmt"
	"time"

	"github.com/teranos/kairos/errors"
)

// Action is the outcome of a retry decision
type Action int

const (
	// Retry means the job goes to awaiting_retry and fires again after Delay
	Retry Action = iota
	// GiveUp means the job failed terminally
	GiveUp
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is Retry(Delay) or GiveUp
type Decision struct {
	Action Action
	Delay  time.Duration
}

// ShouldRetry reports whether the decision schedules another attempt
func (d Decision) ShouldRetry() bool {
	return d.Action == Retry
}

func (d Decision) String() string {
	if d.Action == Retry {
		return fmt.Sprintf("retry in %s", d.Delay)
	}
	return "give up"
}

// Decide maps a failed attempt to Retry(delay) or GiveUp.
//
// attemptCount is the number of attempts made so far, including the one
// that just failed. The job gives up once attemptCount reaches maxAttempts.
// Otherwise the delay for the n-th retry is delays[n-1]; once the sequence
// is exhausted its last value is reused. An empty sequence retries immediately.
//
// With maxAttempts 5 and delays [10s, 1m, 5m]:
//
//	attempt 1 fails -> retry in 10s (delays[0])
//	attempt 2 fails -> retry in 1m
//	attempt 3 fails -> retry in 5m
//	attempt 4 fails -> retry in 5m (last delay reused)
//	attempt 5 fails -> give up
func Decide(attemptCount, maxAttempts int, delays []time.Duration) Decision {
	if attemptCount >= maxAttempts {
		return Decision{Action: GiveUp}
	}
	if len(delays) == 0 {
		return Decision{Action: Retry}
	}

	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(delays)-1 {
		idx = len(delays) - 1
	}
	return Decision{Action: Retry, Delay: delays[idx]}
}

// Policy bundles a retry ceiling with its backoff sequence
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// Decide applies Decide with this policy's ceiling and delays
func (p Policy) Decide(attemptCount int) Decision {
	return Decide(attemptCount, p.MaxAttempts, p.Delays)
}

// Validate rejects ceilings below one attempt and negative delays
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.Wrapf(errors.ErrInvalidRequest, "max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	for i, d := range p.Delays {
		if d < 0 {
			return errors.Wrapf(errors.ErrInvalidRequest, "retry delay %d is negative (%s)", i, d)
		}
	}
	return nil
}

// Seconds builds a delay sequence from whole seconds, the unit used in configuration
func Seconds(secs ...int) []time.Duration {
	delays := make([]time.Duration, len(secs))
	for i, s := range secs {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}
