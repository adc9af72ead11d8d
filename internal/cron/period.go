package cron

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and the @-descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// lookbacks bound the search for the latest activation of a raw expression.
// Narrow windows first keep dense schedules cheap.
var lookbacks = []time.Duration{
	time.Hour,
	25 * time.Hour,
	32 * 24 * time.Hour,
	367 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

// PeriodKey maps a schedule descriptor and an instant to the identifier of
// the scheduling period containing that instant. All keys are computed in UTC.
//
//	@yearly, @annually  2006
//	@monthly            2006-01
//	@weekly             2006-W02 (ISO week)
//	@daily, @midnight   2006-01-02
//	@hourly             2006-01-02T15
//
// "@every <d>" slots are aligned to multiples of d, so every instant inside
// one slot maps to the same key. Any other expression yields the RFC3339
// start of the current slot, i.e. its latest activation at or before now.
func PeriodKey(schedule string, now time.Time) (string, error) {
	now = now.UTC()
	switch strings.ToLower(strings.TrimSpace(schedule)) {
	case "":
		return "", fmt.Errorf("empty schedule")
	case "@yearly", "@annually":
		return now.Format("2006"), nil
	case "@monthly":
		return now.Format("2006-01"), nil
	case "@weekly":
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case "@daily", "@midnight":
		return now.Format("2006-01-02"), nil
	case "@hourly":
		return now.Format("2006-01-02T15"), nil
	}

	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return "", fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if every, ok := sched.(cronlib.ConstantDelaySchedule); ok {
		return now.Truncate(every.Delay).Format(time.RFC3339), nil
	}
	slot, ok := latestActivation(sched, now)
	if !ok {
		return "", fmt.Errorf("schedule %q has no activation before %s", schedule, now.Format(time.RFC3339))
	}
	return slot.UTC().Format(time.RFC3339), nil
}

func latestActivation(sched cronlib.Schedule, now time.Time) (time.Time, bool) {
	for _, lb := range lookbacks {
		t := sched.Next(now.Add(-lb))
		if t.IsZero() || t.After(now) {
			continue
		}
		for {
			next := sched.Next(t)
			if next.IsZero() || next.After(now) {
				return t, true
			}
			t = next
		}
	}
	return time.Time{}, false
}

// ValidSchedule reports whether schedule parses.
func ValidSchedule(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	if every, ok := sched.(cronlib.ConstantDelaySchedule); ok {
		return after.Truncate(every.Delay).Add(every.Delay), nil
	}
	return sched.Next(after), nil
}
