package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned for cron expressions or zones that do not parse.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Standard five-field cron plus descriptors such as @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed cron expression bound to a time zone.
type Schedule struct {
	cron.Schedule
	Location *time.Location
}

// ParseSchedule parses expr and zone. An empty zone means the server's local
// zone.
func ParseSchedule(expr, zone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	loc := time.Local
	if zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: time zone %q: %v", ErrInvalidSchedule, zone, err)
		}
	}
	return Schedule{Schedule: sched, Location: loc}, nil
}

// After returns the first activation strictly after t, in Unix milliseconds.
func (s Schedule) After(t time.Time) int64 {
	next := s.Next(t.In(s.Location))
	if next.IsZero() {
		return 0
	}
	return next.UnixMilli()
}
