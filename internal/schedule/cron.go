package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts exactly five fields: minute hour dom month dow.
// No seconds field, no @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronMatcher answers whether a wall-clock minute satisfies a parsed cron
// expression. Entries parse once at registration and cache the matcher.
type CronMatcher struct {
	sched *cron.SpecSchedule
}

// ParseCron validates expr against the five-field dialect.
func ParseCron(expr string) (CronMatcher, error) {
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return CronMatcher{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	sched, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return CronMatcher{}, fmt.Errorf("invalid cron expression %q: unsupported form", expr)
	}
	return CronMatcher{sched: sched}, nil
}

// Matches reports whether all five fields contain t's minute. Day-of-month
// and day-of-week are both required to match, not OR-ed.
func (m CronMatcher) Matches(t time.Time) bool {
	if m.sched == nil {
		return false
	}
	return m.sched.Minute&(1<<uint(t.Minute())) != 0 &&
		m.sched.Hour&(1<<uint(t.Hour())) != 0 &&
		m.sched.Dom&(1<<uint(t.Day())) != 0 &&
		m.sched.Month&(1<<uint(t.Month())) != 0 &&
		m.sched.Dow&(1<<uint(t.Weekday())) != 0
}

const minuteKeyLayout = "2006-01-02T15:04"

// minuteKey collapses a time to its wall-clock minute in UTC. Ticks within
// the same minute share a key and fire at most once.
func minuteKey(t time.Time) string {
	return t.UTC().Format(minuteKeyLayout)
}
