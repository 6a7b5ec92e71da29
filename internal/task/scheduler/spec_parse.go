package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Five fields (minute hour dom month dow). Each field accepts *, a literal,
// a comma list or a range; steps and @descriptors are accepted too.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if strings.HasPrefix(strings.ToUpper(expr), "TZ=") || strings.HasPrefix(strings.ToUpper(expr), "CRON_TZ=") {
		return nil, fmt.Errorf("%w: %q: use the job timezone instead of a TZ prefix", ErrInvalidSchedule, expr)
	}
	sched, err := specParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok && spec.Dom&starBit == 0 && spec.Dow&starBit == 0 {
		return bothDays{spec}, nil
	}
	return sched, nil
}

// starBit marks a field written as * in cron.SpecSchedule.
const starBit = 1 << 63

// bothDays requires day-of-month and day-of-week to match together. cron
// alone ORs them when both are restricted.
type bothDays struct {
	*cron.SpecSchedule
}

func (b bothDays) Next(t time.Time) time.Time {
	limit := t.AddDate(5, 0, 0)
	for {
		t = b.SpecSchedule.Next(t)
		if t.IsZero() || t.After(limit) {
			return time.Time{}
		}
		if 1<<uint(t.Day())&b.Dom != 0 && 1<<uint(t.Weekday())&b.Dow != 0 {
			return t
		}
	}
}

// NextRun returns the earliest time strictly after now matching expr in loc.
func NextRun(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return nextIn(sched, now, loc), nil
}

func nextIn(sched cron.Schedule, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(now.In(loc))
}

// PreviewNext returns the next n fire times, formatted for logs.
func PreviewNext(sched cron.Schedule, now time.Time, loc *time.Location, n int) string {
	if sched == nil || n <= 0 {
		return ""
	}
	out := make([]string, 0, n)
	t := now
	for i := 0; i < n; i++ {
		t = nextIn(sched, t, loc)
		if t.IsZero() {
			break
		}
		out = append(out, t.Format("2006-01-02 15:04 MST"))
	}
	return strings.Join(out, ", ")
}
