package dataplane

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidGrant marks a calendar call rejected because the user's OAuth
// grant was revoked or expired. Callers should fetch a fresh auth URL.
var ErrInvalidGrant = errors.New("calendar grant invalid")

// Calendar is the typed client for the external calendar service.
type Calendar struct {
	c *Client
}

// NewCalendar wraps a service client pointed at the calendar service.
func NewCalendar(c *Client) *Calendar {
	return &Calendar{c: c}
}

// Health probes the calendar service's health endpoint.
func (c *Calendar) Health(ctx context.Context) error { return c.c.Health(ctx) }

// CalendarEvent is one event as the calendar service renders it.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
}

// CreateEventRequest is the body for POST /api/events.
type CreateEventRequest struct {
	UserID      int64     `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
}

// CreateEvent creates a calendar event on the user's linked calendar.
func (c *Calendar) CreateEvent(ctx context.Context, req CreateEventRequest) (*CalendarEvent, error) {
	var event CalendarEvent
	if err := c.c.Post(ctx, "/api/events", req, &event); err != nil {
		return nil, asGrantError(err)
	}
	return &event, nil
}

// ListEvents returns the user's events between from and to.
func (c *Calendar) ListEvents(ctx context.Context, userID int64, from, to time.Time) ([]CalendarEvent, error) {
	q := url.Values{
		"user_id": {strconv.FormatInt(userID, 10)},
		"from":    {from.UTC().Format(time.RFC3339)},
		"to":      {to.UTC().Format(time.RFC3339)},
	}
	var events []CalendarEvent
	if err := c.c.Get(ctx, "/api/events", q, &events); err != nil {
		return nil, asGrantError(err)
	}
	return events, nil
}

// AuthURL requests a fresh OAuth consent URL for a user whose grant went
// stale.
func (c *Calendar) AuthURL(ctx context.Context, userID int64) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	q := url.Values{"user_id": {strconv.FormatInt(userID, 10)}}
	if err := c.c.Get(ctx, "/api/auth/url", q, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// asGrantError maps the service's invalid-grant rejection onto
// ErrInvalidGrant so tool handlers can branch on it.
func asGrantError(err error) error {
	var re *ServiceResponseError
	if errors.As(err, &re) && re.Status == 401 && strings.Contains(re.Detail, "invalid_grant") {
		return errors.Join(ErrInvalidGrant, err)
	}
	return err
}
