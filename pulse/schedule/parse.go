package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/teranos/kairos/errors"
)

// Standard 5-field parser plus @descriptors (@hourly, @daily, @every 90s, ...).
// Seconds are not a cron field here; sub-minute schedules use "every N seconds".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var reEvery = regexp.MustCompile(`^(?i)every\s+(\d+)\s*([a-z]+)$`)

// aliases not covered by robfig descriptors
var cronAliases = map[string]string{
	"@minutely": "* * * * *",
}

var unitDurations = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseRule parses a recurrence rule, evaluating cron rules in the local zone.
func ParseRule(raw string) (Rule, error) {
	return ParseRuleIn(raw, time.Local)
}

// ParseRuleIn parses a recurrence rule; cron rules are evaluated in loc.
// Malformed rules fail with an error wrapping errors.ErrInvalidRule.
func ParseRuleIn(raw string, loc *time.Location) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.NewInvalidRuleError(raw, errors.New("rule is empty"))
	}

	if strings.HasPrefix(strings.ToLower(s), "every") {
		every, err := parseEvery(s)
		if err != nil {
			return nil, errors.NewInvalidRuleError(raw, err)
		}
		return Interval{Every: every, raw: s}, nil
	}

	expr := s
	if alias, ok := cronAliases[strings.ToLower(s)]; ok {
		expr = alias
	}
	if !strings.HasPrefix(expr, "@") && !strings.Contains(expr, "TZ=") {
		if n := len(strings.Fields(expr)); n != 5 {
			return nil, errors.NewInvalidRuleError(raw, errors.Newf("expected 5 cron fields, found %d", n))
		}
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.NewInvalidRuleError(raw, err)
	}
	if loc == nil {
		loc = time.Local
	}
	c := Cron{Expr: s, Location: loc, sched: sched}
	if c.Next(time.Now()).IsZero() {
		return nil, errors.NewInvalidRuleError(raw, errors.New("rule never fires"))
	}
	return c, nil
}

func parseEvery(s string) (time.Duration, error) {
	m := reEvery.FindStringSubmatch(strings.Join(strings.Fields(s), " "))
	if m == nil {
		return 0, errors.Newf("expected \"every <N> <unit>\", got %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, errors.Wrapf(err, "interval count %q", m[1])
	}
	if n <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	unit, ok := unitDurations[strings.ToLower(m[2])]
	if !ok {
		return 0, errors.Newf("unknown interval unit %q", m[2])
	}
	return time.Duration(n) * unit, nil
}

// Validate reports whether raw is an acceptable recurrence rule.
func Validate(raw string) error {
	_, err := ParseRule(raw)
	return err
}

// NextFireAfter parses rule and returns its first fire time strictly after from.
func NextFireAfter(rule string, from time.Time) (time.Time, error) {
	r, err := ParseRule(rule)
	if err != nil {
		return time.Time{}, err
	}
	next := r.Next(from)
	if next.IsZero() {
		return time.Time{}, errors.NewInvalidRuleError(rule, errors.New("rule never fires"))
	}
	return next, nil
}

// NextOccurrence returns the first fire time after now, anchored on the
// previous scheduled fire time. An on-time interval job therefore keeps an
// exact cadence (prev + Every), while a job that fell behind skips the
// missed occurrences instead of firing them back to back.
func NextOccurrence(r Rule, prev, now time.Time) time.Time {
	switch rule := r.(type) {
	case Interval:
		next := prev.Add(rule.Every)
		if next.After(now) {
			return next
		}
		missed := now.Sub(prev) / rule.Every
		next = prev.Add((missed + 1) * rule.Every)
		if !next.After(now) {
			next = next.Add(rule.Every)
		}
		return next
	default:
		next := r.Next(prev)
		if next.After(now) || next.IsZero() {
			return next
		}
		return r.Next(now)
	}
}
