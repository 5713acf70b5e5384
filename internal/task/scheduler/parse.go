package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronFields is the number of fields a cron expression must have:
// second minute hour day-of-month month day-of-week.
const CronFields = 6

// ErrInvalidCron is returned for expressions that are not valid 6-field cron.
var ErrInvalidCron = errors.New("invalid cron expression")

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates expr and returns its schedule.
//
// The field count is checked first so a 5-field crontab line gets a clear error.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != CronFields {
		return nil, fmt.Errorf("%w: expected %d fields (sec min hour dom month dow), got %d", ErrInvalidCron, CronFields, len(fields))
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched, nil
}

// Preview returns the next n fire times of expr after from.
func Preview(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func formatPreview(ts []time.Time) string {
	var b strings.Builder
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
