package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/kairos/errors"
)

func TestDecide(t *testing.T) {
	delays := Seconds(10, 60, 600)

	tests := []struct {
		name     string
		attempts int
		max      int
		delays   []time.Duration
		want     Decision
	}{
		{"first failure uses first delay", 1, 5, delays, Decision{Retry, 10 * time.Second}},
		{"second failure uses second delay", 2, 5, delays, Decision{Retry, time.Minute}},
		{"exhausted sequence reuses last delay", 4, 5, delays, Decision{Retry, 10 * time.Minute}},
		{"ceiling reached gives up", 5, 5, delays, Decision{Action: GiveUp}},
		{"past ceiling gives up", 9, 5, delays, Decision{Action: GiveUp}},
		{"single attempt never retries", 1, 1, delays, Decision{Action: GiveUp}},
		{"empty delays retry immediately", 1, 3, nil, Decision{Action: Retry}},
		{"zero attempts clamps to first delay", 0, 3, delays, Decision{Retry, 10 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.attempts, tt.max, tt.delays))
		})
	}
}

func TestDecide_FirstRetryUsesFirstDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, Delays: []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute}}

	var got []Decision
	for attempts := 1; attempts <= 5; attempts++ {
		got = append(got, p.Decide(attempts))
	}
	assert.Equal(t, []Decision{
		{Retry, 10 * time.Second},
		{Retry, time.Minute},
		{Retry, 5 * time.Minute},
		{Retry, 5 * time.Minute},
		{Action: GiveUp},
	}, got)
}

// Three attempts with a single 10s delay: two retries, then terminal failure.
func TestDecide_ThreeAttemptsNeverRetriesFourthTime(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delays: Seconds(10)}

	var retries int
	attempts := 0
	for {
		attempts++
		d := p.Decide(attempts)
		if !d.ShouldRetry() {
			break
		}
		assert.Equal(t, 10*time.Second, d.Delay)
		retries++
		if attempts > 10 {
			t.Fatal("policy never gave up")
		}
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retries)
	assert.Equal(t, GiveUp, p.Decide(4).Action)
}

func TestDecide_IsDeterministic(t *testing.T) {
	delays := Seconds(1, 2, 3)
	for attempts := 0; attempts < 6; attempts++ {
		assert.Equal(t, Decide(attempts, 4, delays), Decide(attempts, 4, delays))
	}
}

func TestDecide_DoesNotMutateDelays(t *testing.T) {
	delays := Seconds(5, 7)
	_ = Decide(1, 3, delays)
	assert.Equal(t, Seconds(5, 7), delays)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{MaxAttempts: 5, Delays: Seconds(300)}.Validate())

	err := Policy{MaxAttempts: 0}.Validate()
	assert.True(t, errors.IsInvalidRequestError(err))

	err = Policy{MaxAttempts: 2, Delays: []time.Duration{-time.Second}}.Validate()
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "retry in 10s", Decision{Retry, 10 * time.Second}.String())
	assert.Equal(t, "give up", Decision{Action: GiveUp}.String())
	assert.Equal(t, "give_up", GiveUp.String())
}
