package duedate

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, Quartz-style six-field
// expressions with a leading seconds field, and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	// Quartz allows an optional trailing year field; only wildcards are supported.
	if len(fields) == 7 && (fields[6] == "*" || fields[6] == "?") {
		fields = fields[:6]
	}
	return cronParser.Parse(strings.Join(fields, " "))
}

func nextCron(sched cron.Schedule, after time.Time) time.Time {
	return sched.Next(after.UTC()).UTC()
}
