package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/cronspec"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// ReminderAPI is the slice of the data plane the reminder tools need.
// *dataplane.REST satisfies it.
type ReminderAPI interface {
	CreateReminder(ctx context.Context, req dataplane.CreateReminderRequest) (*models.Reminder, error)
	ListUserReminders(ctx context.Context, userID int64, status models.ReminderStatus) ([]models.Reminder, error)
	DeleteReminder(ctx context.Context, id uuid.UUID) error
}

// ReminderCreateTool persists a new one-time or recurring reminder. Times
// arrive in the user's local timezone and are translated to UTC exactly once
// here, at creation.
type ReminderCreateTool struct {
	api         ReminderAPI
	userID      int64
	assistantID uuid.UUID
	timezone    string // user's IANA timezone, "" means UTC
	now         func() time.Time
}

// NewReminderCreateTool binds the create tool to a user and assistant.
func NewReminderCreateTool(api ReminderAPI, userID int64, assistantID uuid.UUID, timezone string, now func() time.Time) *ReminderCreateTool {
	if now == nil {
		now = time.Now
	}
	return &ReminderCreateTool{api: api, userID: userID, assistantID: assistantID, timezone: timezone, now: now}
}

func (t *ReminderCreateTool) Name() string { return "reminder_create" }

func (t *ReminderCreateTool) Description() string {
	return "Create a reminder. Either one-time (trigger_at, RFC3339 in the user's local time) " +
		"or recurring (cron_expression, 5-field cron in the user's local time)."
}

type reminderCreateInput struct {
	Text           string `json:"text" jsonschema:"required" jsonschema_description:"What to remind the user about."`
	Type           string `json:"type" jsonschema:"required,enum=one_time,enum=recurring"`
	TriggerAt      string `json:"trigger_at,omitempty" jsonschema_description:"RFC3339 timestamp for one_time reminders, user-local time."`
	CronExpression string `json:"cron_expression,omitempty" jsonschema_description:"5-field cron expression for recurring reminders, user-local time."`
}

func (t *ReminderCreateTool) Schema() json.RawMessage {
	return deriveSchema("reminder_create", &reminderCreateInput{})
}

func (t *ReminderCreateTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input reminderCreateInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Text) == "" {
		return "", Errorf(ErrCodeInvalidArgs, "text is required")
	}

	req := dataplane.CreateReminderRequest{
		UserID:      t.userID,
		AssistantID: t.assistantID,
		Timezone:    t.timezone,
		Payload:     map[string]any{"text": input.Text},
	}

	switch models.ReminderType(input.Type) {
	case models.ReminderOneTime:
		if input.TriggerAt == "" {
			return "", Errorf(ErrCodeInvalidArgs, "trigger_at is required for one_time reminders")
		}
		at, err := t.parseLocalTime(input.TriggerAt)
		if err != nil {
			return "", err
		}
		if at.Before(t.now()) {
			return "", Errorf(ErrCodeInvalidArgs, "trigger_at is in the past")
		}
		utc := at.UTC()
		req.ReminderType = models.ReminderOneTime
		req.TriggerAt = &utc
	case models.ReminderRecurring:
		if input.CronExpression == "" {
			return "", Errorf(ErrCodeInvalidArgs, "cron_expression is required for recurring reminders")
		}
		expr, err := cronspec.ToUTC(input.CronExpression, t.timezone, t.now())
		if err != nil {
			return "", Errorf(ErrCodeInvalidArgs, "%v", err)
		}
		req.ReminderType = models.ReminderRecurring
		req.CronExpr = expr
	default:
		return "", Errorf(ErrCodeInvalidArgs, "type must be one_time or recurring")
	}

	reminder, err := t.api.CreateReminder(ctx, req)
	if err != nil {
		return "", Errorf(ErrCodeUpstream, "create reminder: %v", err)
	}
	return fmt.Sprintf("Reminder %s created: %s", reminder.ID, input.Text), nil
}

// parseLocalTime reads an RFC3339 timestamp; naive values (no offset) are
// interpreted in the user's timezone.
func (t *ReminderCreateTool) parseLocalTime(value string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}
	loc := time.UTC
	if t.timezone != "" {
		if l, err := time.LoadLocation(t.timezone); err == nil {
			loc = l
		}
	}
	at, err := time.ParseInLocation("2006-01-02T15:04:05", value, loc)
	if err != nil {
		return time.Time{}, Errorf(ErrCodeInvalidArgs, "trigger_at must be RFC3339, got %q", value)
	}
	return at, nil
}

// ReminderListTool renders the user's active reminders.
type ReminderListTool struct {
	api    ReminderAPI
	userID int64
}

// NewReminderListTool binds the list tool to a user.
func NewReminderListTool(api ReminderAPI, userID int64) *ReminderListTool {
	return &ReminderListTool{api: api, userID: userID}
}

func (t *ReminderListTool) Name() string { return "reminder_list" }

func (t *ReminderListTool) Description() string {
	return "List the user's active reminders with their ids and schedules."
}

type reminderListInput struct{}

func (t *ReminderListTool) Schema() json.RawMessage {
	return deriveSchema("reminder_list", &reminderListInput{})
}

func (t *ReminderListTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	reminders, err := t.api.ListUserReminders(ctx, t.userID, models.ReminderActive)
	if err != nil {
		return "", Errorf(ErrCodeUpstream, "list reminders: %v", err)
	}
	if len(reminders) == 0 {
		return "You have no active reminders.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active reminders (%d):\n", len(reminders))
	for _, r := range reminders {
		fmt.Fprintf(&b, "- [%s] %s — %s\n", r.ID, r.PayloadText(), describeSchedule(&r))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func describeSchedule(r *models.Reminder) string {
	if r.ReminderType == models.ReminderOneTime {
		if r.TriggerAt == nil {
			return "one-time"
		}
		return "once at " + r.TriggerAt.UTC().Format("2006-01-02 15:04 MST")
	}
	return "recurring (" + r.CronExpr + " UTC)"
}

// ReminderDeleteTool removes a reminder by id.
type ReminderDeleteTool struct {
	api    ReminderAPI
	userID int64
}

// NewReminderDeleteTool binds the delete tool to a user.
func NewReminderDeleteTool(api ReminderAPI, userID int64) *ReminderDeleteTool {
	return &ReminderDeleteTool{api: api, userID: userID}
}

func (t *ReminderDeleteTool) Name() string { return "reminder_delete" }

func (t *ReminderDeleteTool) Description() string {
	return "Delete a reminder by its UUID (see reminder_list)."
}

type reminderDeleteInput struct {
	ReminderID string `json:"reminder_id" jsonschema:"required" jsonschema_description:"UUID of the reminder to delete."`
}

func (t *ReminderDeleteTool) Schema() json.RawMessage {
	return deriveSchema("reminder_delete", &reminderDeleteInput{})
}

func (t *ReminderDeleteTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input reminderDeleteInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	id, err := uuid.Parse(input.ReminderID)
	if err != nil {
		return "", Errorf(ErrCodeInvalidArgs, "reminder_id must be a UUID, got %q", input.ReminderID)
	}
	if err := t.api.DeleteReminder(ctx, id); err != nil {
		if dataplane.IsNotFound(err) {
			return "", Errorf(ErrCodeInvalidArgs, "no reminder with id %s", id)
		}
		return "", Errorf(ErrCodeUpstream, "delete reminder: %v", err)
	}
	return fmt.Sprintf("Reminder %s deleted.", id), nil
}
