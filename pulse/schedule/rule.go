// Package schedule evaluates recurrence rules for recurring jobs.
//
// Two rule forms are accepted:
//
//	every <N> <unit>     fixed interval: "every 60s", "every 5 minutes", "every 2 h"
//	<5-field cron>       "*/5 * * * *", "0 9 * * 1-5", "@hourly", "@minutely"
//
// Rules are parsed once, when a recurring job is submitted, so a malformed
// rule is rejected before anything reaches the job store. Evaluation is pure:
// NextFireAfter depends only on the rule and the reference time.
package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Kind identifies the recurrence variant
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Rule is a parsed recurrence rule. Implementations are Interval and Cron.
type Rule interface {
	// Kind reports which variant this is
	Kind() Kind
	// Next returns the first fire time strictly after from
	Next(from time.Time) time.Time
	// String returns the rule text as submitted
	String() string
}

// Interval fires every fixed duration
type Interval struct {
	Every time.Duration
	raw   string
}

func (i Interval) Kind() Kind { return KindInterval }

func (i Interval) Next(from time.Time) time.Time {
	return from.Add(i.Every)
}

func (i Interval) String() string {
	if i.raw != "" {
		return i.raw
	}
	return fmt.Sprintf("every %s", i.Every)
}

// Cron fires on a 5-field cron schedule evaluated in Location
type Cron struct {
	Expr     string
	Location *time.Location
	sched    cronlib.Schedule
}

func (c Cron) Kind() Kind { return KindCron }

// Next evaluates the schedule in the rule's location and returns UTC
func (c Cron) Next(from time.Time) time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	next := c.sched.Next(from.In(loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func (c Cron) String() string { return c.Expr }
