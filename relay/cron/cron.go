package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var (
	// ErrInvalidExpression reports a malformed schedule expression.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoMatch is returned when the expression never fires, such as "0 0 30 2 *".
	ErrNoMatch = errors.New("cron: no matching time found")
	// ErrNilSchedule is returned when Next is called on a nil schedule.
	ErrNilSchedule = errors.New("cron schedule is nil")
)

const (
	everyPrefix = "@every "
	minInterval = time.Second
	dowField    = 4
)

var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Schedule computes the next activation strictly after a reference time.
type Schedule interface {
	Next(from time.Time) (time.Time, error)
}

type schedule struct {
	spec cronlib.Schedule
}

// Parse accepts a 5-field expression (minute hour day-of-month month
// day-of-week), a descriptor such as @daily or @hourly, or "@every <duration>"
// of at least one second. Day-of-week accepts 7 as Sunday. Schedules are
// evaluated in UTC.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	if strings.HasPrefix(expr, everyPrefix) {
		raw := strings.TrimSpace(strings.TrimPrefix(expr, everyPrefix))

		interval, err := time.ParseDuration(raw)
		if err != nil || interval < minInterval {
			return nil, fmt.Errorf("%w: @every needs a duration of at least %s, got %q", ErrInvalidExpression, minInterval, raw)
		}

		return &schedule{spec: cronlib.Every(interval)}, nil
	}

	spec, err := parser.Parse(foldSunday(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	return &schedule{spec: spec}, nil
}

// Next returns the first activation after from, in UTC.
func (sched *schedule) Next(from time.Time) (time.Time, error) {
	if sched == nil || sched.spec == nil {
		return time.Time{}, ErrNilSchedule
	}

	next := sched.spec.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, ErrNoMatch
	}

	return next, nil
}

// foldSunday rewrites 7 in the day-of-week field to 0, the only Sunday the
// parser understands. "5-7" becomes "5-6,0".
func foldSunday(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != dowField+1 {
		return expr
	}

	items := strings.Split(parts[dowField], ",")

	for i, item := range items {
		switch {
		case item == "7":
			items[i] = "0"
		case strings.HasSuffix(item, "-7") && !strings.Contains(item, "/"):
			start := strings.TrimSuffix(item, "-7")
			if start == "7" {
				items[i] = "0"
			} else {
				items[i] = start + "-6,0"
			}
		}
	}

	parts[dowField] = strings.Join(items, ",")

	return strings.Join(parts, " ")
}
