package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// TriggerKind selects which field of a Trigger is meaningful.
type TriggerKind string

const (
	KindCron     TriggerKind = "cron"
	KindInterval TriggerKind = "interval"
	KindAt       TriggerKind = "at"
)

// Trigger decides when a job fires. Exactly one of Cron, Every or At is
// set, according to Kind.
type Trigger struct {
	Kind  TriggerKind   `json:"kind"`
	Cron  string        `json:"cron,omitempty"`
	Every time.Duration `json:"every,omitempty"`
	At    time.Time     `json:"at,omitempty"`
}

// Standard five-field expressions plus descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronTrigger parses expr and returns a cron trigger.
func CronTrigger(expr string) (Trigger, error) {
	t := Trigger{Kind: KindCron, Cron: strings.TrimSpace(expr)}
	return t, t.Validate()
}

// IntervalTrigger fires every d.
func IntervalTrigger(d time.Duration) (Trigger, error) {
	t := Trigger{Kind: KindInterval, Every: d}
	return t, t.Validate()
}

// AtTrigger fires once at t.
func AtTrigger(at time.Time) Trigger {
	return Trigger{Kind: KindAt, At: at.UTC()}
}

// ParseTrigger builds a trigger from command-line style input. For "at",
// value is RFC 3339 or a "+duration" offset from now.
func ParseTrigger(kind, value string, now time.Time) (Trigger, error) {
	switch TriggerKind(kind) {
	case KindCron:
		return CronTrigger(value)
	case KindInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return Trigger{}, invalidTrigger("interval %q: %v", value, err)
		}
		return IntervalTrigger(d)
	case KindAt:
		if rest, ok := strings.CutPrefix(value, "+"); ok {
			d, err := time.ParseDuration(rest)
			if err != nil {
				return Trigger{}, invalidTrigger("offset %q: %v", value, err)
			}
			return AtTrigger(now.Add(d)), nil
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return Trigger{}, invalidTrigger("time %q: %v", value, err)
		}
		return AtTrigger(at), nil
	default:
		return Trigger{}, invalidTrigger("unknown trigger kind %q (want cron, interval or at)", kind)
	}
}

// Validate reports whether the trigger can ever fire.
func (t Trigger) Validate() error {
	switch t.Kind {
	case KindCron:
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return invalidTrigger("cron expression %q: %v", t.Cron, err)
		}
	case KindInterval:
		if t.Every <= 0 {
			return invalidTrigger("interval must be positive, got %s", t.Every)
		}
	case KindAt:
		if t.At.IsZero() {
			return invalidTrigger("one-time trigger needs a time")
		}
	default:
		return invalidTrigger("unknown trigger kind %q", t.Kind)
	}
	return nil
}

func (t Trigger) String() string {
	switch t.Kind {
	case KindCron:
		return "cron " + t.Cron
	case KindInterval:
		return "every " + t.Every.String()
	case KindAt:
		return "at " + t.At.Format(time.RFC3339)
	}
	return string(t.Kind)
}

// NextFire returns the first fire time strictly after now. The boolean
// is false when the trigger will never fire again: a one-time trigger
// whose instant has passed, or an invalid trigger.
func NextFire(t Trigger, now time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindCron:
		sched, err := cronParser.Parse(t.Cron)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(now), true
	case KindInterval:
		if t.Every <= 0 {
			return time.Time{}, false
		}
		return now.Add(t.Every), true
	case KindAt:
		if t.At.After(now) {
			return t.At, true
		}
	}
	return time.Time{}, false
}

func invalidTrigger(format string, args ...any) error {
	return amerrors.New(amerrors.ErrCodeInvalidJob, fmt.Sprintf(format, args...), nil)
}
