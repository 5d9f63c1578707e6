package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
)

// CalendarAPI is the slice of the calendar service the calendar tool needs.
// *dataplane.Calendar satisfies it.
type CalendarAPI interface {
	CreateEvent(ctx context.Context, req dataplane.CreateEventRequest) (*dataplane.CalendarEvent, error)
	ListEvents(ctx context.Context, userID int64, from, to time.Time) ([]dataplane.CalendarEvent, error)
	AuthURL(ctx context.Context, userID int64) (string, error)
}

// CalendarTool creates and lists events on the user's linked calendar. A
// stale OAuth grant is not an error the model can fix, so it is answered
// with a fresh consent URL for the user instead.
type CalendarTool struct {
	api    CalendarAPI
	userID int64
	now    func() time.Time
}

// NewCalendarTool binds the calendar tool to a user.
func NewCalendarTool(api CalendarAPI, userID int64, now func() time.Time) *CalendarTool {
	if now == nil {
		now = time.Now
	}
	return &CalendarTool{api: api, userID: userID, now: now}
}

func (t *CalendarTool) Name() string { return "calendar" }

func (t *CalendarTool) Description() string {
	return "Manage the user's calendar: action=create adds an event, action=list shows upcoming events."
}

type calendarInput struct {
	Action      string `json:"action" jsonschema:"required,enum=create,enum=list"`
	Title       string `json:"title,omitempty" jsonschema_description:"Event title (create)."`
	Description string `json:"description,omitempty"`
	Start       string `json:"start,omitempty" jsonschema_description:"RFC3339 start time (create) or window start (list, default now)."`
	End         string `json:"end,omitempty" jsonschema_description:"RFC3339 end time (create) or window end (list, default start+7d)."`
	Location    string `json:"location,omitempty"`
}

func (t *CalendarTool) Schema() json.RawMessage {
	return deriveSchema("calendar", &calendarInput{})
}

func (t *CalendarTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input calendarInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	switch input.Action {
	case "create":
		return t.create(ctx, &input)
	case "list":
		return t.list(ctx, &input)
	default:
		return "", Errorf(ErrCodeInvalidArgs, "action must be create or list")
	}
}

func (t *CalendarTool) create(ctx context.Context, input *calendarInput) (string, error) {
	if strings.TrimSpace(input.Title) == "" {
		return "", Errorf(ErrCodeInvalidArgs, "title is required for create")
	}
	start, err := parseRFC3339(input.Start, "start")
	if err != nil {
		return "", err
	}
	end := start.Add(time.Hour)
	if input.End != "" {
		if end, err = parseRFC3339(input.End, "end"); err != nil {
			return "", err
		}
	}
	if !end.After(start) {
		return "", Errorf(ErrCodeInvalidArgs, "end must be after start")
	}

	event, err := t.api.CreateEvent(ctx, dataplane.CreateEventRequest{
		UserID:      t.userID,
		Title:       input.Title,
		Description: input.Description,
		Start:       start,
		End:         end,
		Location:    input.Location,
	})
	if err != nil {
		return t.mapError(ctx, err, "create event")
	}
	return fmt.Sprintf("Event %q created for %s.", event.Title, event.Start.Format("2006-01-02 15:04 MST")), nil
}

func (t *CalendarTool) list(ctx context.Context, input *calendarInput) (string, error) {
	from := t.now()
	if input.Start != "" {
		var err error
		if from, err = parseRFC3339(input.Start, "start"); err != nil {
			return "", err
		}
	}
	to := from.AddDate(0, 0, 7)
	if input.End != "" {
		var err error
		if to, err = parseRFC3339(input.End, "end"); err != nil {
			return "", err
		}
	}

	events, err := t.api.ListEvents(ctx, t.userID, from, to)
	if err != nil {
		return t.mapError(ctx, err, "list events")
	}
	if len(events) == 0 {
		return "No events in that window.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Events between %s and %s:\n",
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	for _, e := range events {
		fmt.Fprintf(&b, "- %s: %s", e.Start.Format("Mon 2 Jan 15:04"), e.Title)
		if e.Location != "" {
			fmt.Fprintf(&b, " (%s)", e.Location)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// mapError handles the invalid-grant path: fetch a fresh consent URL and
// hand it to the model so the user can re-link their calendar.
func (t *CalendarTool) mapError(ctx context.Context, err error, op string) (string, error) {
	if errors.Is(err, dataplane.ErrInvalidGrant) {
		url, urlErr := t.api.AuthURL(ctx, t.userID)
		if urlErr != nil {
			return "", Errorf(ErrCodeUnauthorized, "calendar access expired and auth url fetch failed: %v", urlErr)
		}
		return "Your calendar access has expired. Please re-authorize here: " + url, nil
	}
	return "", Errorf(ErrCodeUpstream, "%s: %v", op, err)
}

func parseRFC3339(value, field string) (time.Time, error) {
	if value == "" {
		return time.Time{}, Errorf(ErrCodeInvalidArgs, "%s is required", field)
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, Errorf(ErrCodeInvalidArgs, "%s must be RFC3339, got %q", field, value)
	}
	return at, nil
}
