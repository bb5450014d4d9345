package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DuePolicy decides whether a recurrence is due at now.
type DuePolicy interface {
	ShouldBeRun(r Recurrence, now time.Time) bool
}

// IntervalPolicy fires when at least Interval elapsed since the last run. A
// recurrence that never ran is due immediately. Missed intervals collapse into
// a single run.
type IntervalPolicy struct{}

// ShouldBeRun implements DuePolicy.
func (IntervalPolicy) ShouldBeRun(r Recurrence, now time.Time) bool {
	if r.Interval <= 0 {
		return false
	}
	if r.MostRecentRun == nil {
		return true
	}
	return !now.Before(r.MostRecentRun.Add(r.Interval))
}

// CronPolicy fires once the next activation of Cron after the last run (or
// creation) has passed, regardless of how many activations were missed.
type CronPolicy struct {
	parser cron.Parser
}

// NewCronPolicy accepts standard five-field specs and descriptors such as @hourly.
func NewCronPolicy() CronPolicy {
	return CronPolicy{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)}
}

// Validate parses spec.
func (p CronPolicy) Validate(spec string) error {
	if _, err := p.parser.Parse(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

// ShouldBeRun implements DuePolicy.
func (p CronPolicy) ShouldBeRun(r Recurrence, now time.Time) bool {
	if r.Cron == "" {
		return false
	}
	sched, err := p.parser.Parse(r.Cron)
	if err != nil {
		return false
	}
	from := r.CreatedAt
	if r.MostRecentRun != nil {
		from = *r.MostRecentRun
	}
	if from.IsZero() {
		return true
	}
	return !now.Before(sched.Next(from))
}

// SchedulePolicy routes recurrences with a cron spec to CronPolicy and the rest
// to IntervalPolicy.
type SchedulePolicy struct {
	Interval IntervalPolicy
	Cron     CronPolicy
}

// DefaultPolicy returns the shipped policy.
func DefaultPolicy() SchedulePolicy {
	return SchedulePolicy{Cron: NewCronPolicy()}
}

// ShouldBeRun implements DuePolicy.
func (p SchedulePolicy) ShouldBeRun(r Recurrence, now time.Time) bool {
	if r.Cron != "" {
		return p.Cron.ShouldBeRun(r, now)
	}
	return p.Interval.ShouldBeRun(r, now)
}

// Validate checks that exactly one usable schedule is set.
func (p SchedulePolicy) Validate(interval time.Duration, spec string) error {
	switch {
	case spec != "" && interval > 0:
		return fmt.Errorf("%w: interval and cron are mutually exclusive", ErrInvalidSchedule)
	case spec != "":
		return p.Cron.Validate(spec)
	case interval <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
	}
	return nil
}
