// Package cronspec handles the 5-field cron expressions stored on recurring
// reminders. Stored expressions are always UTC; translation from the user's
// timezone happens exactly once, at creation time.
package cronspec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the standard 5-field form (minute hour dom month dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a parseable 5-field cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Schedule parses a stored UTC expression into a schedule for firing.
func Schedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ToUTC translates an expression written in the user's local timezone into
// the UTC form the store expects. Only a plain numeric hour field is shifted;
// wildcards, lists, ranges and steps pass through untouched because a fixed
// offset cannot be applied to them safely across DST. The conversion is
// anchored to now's wall-clock day, so the offset captured is the one in
// force when the reminder was created.
func ToUTC(expr, timezone string, now time.Time) (string, error) {
	if err := Validate(expr); err != nil {
		return "", err
	}
	if timezone == "" || strings.EqualFold(timezone, "UTC") {
		return expr, nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}

	fields := strings.Fields(expr)
	hour, err := strconv.Atoi(fields[1])
	if err != nil {
		return expr, nil // non-numeric hour: pass through
	}
	if hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid cron expression %q: hour %d out of range", expr, hour)
	}
	minute := 0
	if m, err := strconv.Atoi(fields[0]); err == nil {
		minute = m
	}

	local := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	fields[1] = strconv.Itoa(local.UTC().Hour())
	return strings.Join(fields, " "), nil
}
