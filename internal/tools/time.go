package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TimeTool reports the current time in a requested timezone. Pure function,
// no I/O.
type TimeTool struct {
	now func() time.Time
}

// NewTimeTool creates the time tool. now may be nil.
func NewTimeTool(now func() time.Time) *TimeTool {
	if now == nil {
		now = time.Now
	}
	return &TimeTool{now: now}
}

func (t *TimeTool) Name() string { return "time" }

func (t *TimeTool) Description() string {
	return "Get the current date and time in a given IANA timezone (defaults to UTC)."
}

type timeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."`
}

func (t *TimeTool) Schema() json.RawMessage {
	return deriveSchema("time", &timeInput{})
}

func (t *TimeTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input timeInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	loc := time.UTC
	if input.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(input.Timezone)
		if err != nil {
			return "", Errorf(ErrCodeInvalidArgs, "unknown timezone %q", input.Timezone)
		}
	}
	now := t.now().In(loc)
	return fmt.Sprintf("Current time in %s: %s", loc.String(), now.Format("Monday, 2 January 2006 15:04:05 MST")), nil
}
