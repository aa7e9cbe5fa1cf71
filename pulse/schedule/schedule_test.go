package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kairos/errors"
)

var ref = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestParseRule_Interval(t *testing.T) {
	tests := []struct {
		rule string
		want time.Duration
	}{
		{"every 60s", 60 * time.Second},
		{"every 60 seconds", 60 * time.Second},
		{"every 5 minutes", 5 * time.Minute},
		{"Every 1 MIN", time.Minute},
		{"every  2   h", 2 * time.Hour},
		{"every 1 day", 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			r, err := ParseRule(tt.rule)
			require.NoError(t, err)
			require.Equal(t, KindInterval, r.Kind())
			assert.Equal(t, tt.want, r.(Interval).Every)
			assert.Equal(t, ref.Add(tt.want), r.Next(ref))
		})
	}
}

func TestParseRule_Cron(t *testing.T) {
	tests := []struct {
		rule string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC)},
		{"@minutely", time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)},
		// 2026-03-14 is a Saturday; next Monday 08:00
		{"0 8 * * 1", time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			r, err := ParseRuleIn(tt.rule, time.UTC)
			require.NoError(t, err)
			require.Equal(t, KindCron, r.Kind())
			assert.Equal(t, tt.want, r.Next(ref))
			assert.Equal(t, tt.rule, r.String())
		})
	}
}

func TestParseRule_CronHonorsLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	r, err := ParseRuleIn("0 12 * * *", berlin)
	require.NoError(t, err)

	// Noon in Berlin (CET, UTC+1) is 11:00 UTC
	next := r.Next(ref)
	assert.Equal(t, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestParseRule_Invalid(t *testing.T) {
	for _, rule := range []string{
		"",
		"   ",
		"every",
		"every 0 seconds",
		"every -5 minutes",
		"every 5 fortnights",
		"every five minutes",
		"* * *",
		"* * * * * *",
		"61 * * * *",
		"* 25 * * *",
		"0 0 30 2 *",
		"@sometimes",
	} {
		t.Run(rule, func(t *testing.T) {
			_, err := ParseRule(rule)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRule), "rule %q: %v", rule, err)
		})
	}
}

func TestNextFireAfter(t *testing.T) {
	next, err := NextFireAfter("every 90 seconds", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(90*time.Second), next)

	_, err = NextFireAfter("whenever", ref)
	assert.True(t, errors.Is(err, errors.ErrInvalidRule))
}

// An always-on-time recurring job: successive fire times are exactly one interval apart.
func TestNextOccurrence_EveryMinuteKeepsExactCadence(t *testing.T) {
	r, err := ParseRule("every 60s")
	require.NoError(t, err)

	fire := ref
	var fires []time.Time
	for i := 0; i < 5; i++ {
		// Job runs and completes a little after its fire time
		now := fire.Add(1500 * time.Millisecond)
		fire = NextOccurrence(r, fire, now)
		fires = append(fires, fire)
	}

	for i := 1; i < len(fires); i++ {
		assert.Equal(t, 60*time.Second, fires[i].Sub(fires[i-1]))
	}
}

func TestNextOccurrence_SkipsMissedIntervals(t *testing.T) {
	r, err := ParseRule("every 60s")
	require.NoError(t, err)

	// Dispatcher was down for 10.5 minutes
	now := ref.Add(10*time.Minute + 30*time.Second)
	next := NextOccurrence(r, ref, now)

	assert.True(t, next.After(now))
	assert.Equal(t, ref.Add(11*time.Minute), next)

	// Exactly on a boundary still moves strictly past now
	now = ref.Add(3 * time.Minute)
	assert.Equal(t, ref.Add(4*time.Minute), NextOccurrence(r, ref, now))
}

func TestNextOccurrence_CronSkipsToNextSlot(t *testing.T) {
	r, err := ParseRuleIn("*/10 * * * *", time.UTC)
	require.NoError(t, err)

	prev := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, prev.Add(10*time.Minute), NextOccurrence(r, prev, prev.Add(time.Second)))

	late := prev.Add(35 * time.Minute)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 40, 0, 0, time.UTC), NextOccurrence(r, prev, late))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "interval", KindInterval.String())
	assert.Equal(t, "cron", KindCron.String())
}
