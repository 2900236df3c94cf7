package cron

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// parser accepts standard 5-field expressions plus descriptors
// (@daily, @hourly, @every 90s, ...).
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a job's schedule expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// NextRun returns the next fire time of expr after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now), nil
}

// cronLogger routes robfig/cron's internal logging into ours.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	L_trace("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	L_error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
