package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence forms:
//   - cron: "*/30 9-17 * * 1-5", "@daily", "@every 6h"
//   - Go duration: "90m", "2h30m"
//   - HH:MM interval: "02:30" is every two and a half hours
//
// "cron:" and "every:" prefixes force either reading.
var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// minInterval keeps a typo like "1s" from hammering the account.
const minInterval = time.Minute

// ParseRecurrence returns the schedule for raw.
func ParseRecurrence(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("recurrence is empty")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	return parseInterval(s)
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok && every.Delay < minInterval {
		return nil, fmt.Errorf("interval %s is below %s", every.Delay, minInterval)
	}
	return sched, nil
}

func parseInterval(v string) (cron.Schedule, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid recurrence %q (use cron like '0 9 * * *', HH:MM like '02:30' or a duration like '90m')", v)
		}
	}
	if d < minInterval {
		return nil, fmt.Errorf("interval %s is below %s", d, minInterval)
	}
	return cron.Every(d), nil
}

// nextAfter returns the first occurrence of sched after prev that is also
// after now, so a long outage does not replay every missed slot.
func nextAfter(sched cron.Schedule, prev, now time.Time) time.Time {
	next := sched.Next(prev)
	for i := 0; !next.After(now) && i < 10000; i++ {
		next = sched.Next(next)
	}
	if !next.After(now) {
		next = sched.Next(now)
	}
	return next
}
