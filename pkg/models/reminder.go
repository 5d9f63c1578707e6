package models

import (
	"time"

	"github.com/google/uuid"
)

// ReminderType distinguishes single-shot from cron-driven reminders.
type ReminderType string

const (
	ReminderOneTime   ReminderType = "one_time"
	ReminderRecurring ReminderType = "recurring"
)

// ReminderStatus is the reminder lifecycle state. One-time reminders move to
// completed after their single fire; recurring reminders never auto-complete.
type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderPaused    ReminderStatus = "paused"
	ReminderCompleted ReminderStatus = "completed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a scheduled notification. One-time reminders carry TriggerAt;
// recurring reminders carry a 5-field cron expression already translated to
// UTC at creation time.
type Reminder struct {
	ID              uuid.UUID      `json:"id"`
	UserID          int64          `json:"user_id"`
	AssistantID     uuid.UUID      `json:"assistant_id"`
	ReminderType    ReminderType   `json:"type"`
	Status          ReminderStatus `json:"status"`
	TriggerAt       *time.Time     `json:"trigger_at,omitempty"`
	CronExpr        string         `json:"cron_expression,omitempty"`
	Timezone        string         `json:"timezone,omitempty"` // original user tz, kept for display
	Payload         map[string]any `json:"payload,omitempty"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	// UserTelegramID is joined in by GET /api/reminders/scheduled so the
	// scheduler can address queue payloads without an extra user fetch.
	UserTelegramID int64 `json:"user_telegram_id,omitempty"`
}

// PayloadText extracts the reminder's text payload, or "".
func (r *Reminder) PayloadText() string {
	s, _ := r.Payload["text"].(string)
	return s
}
