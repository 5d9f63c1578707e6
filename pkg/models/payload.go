package models

import (
	"fmt"
	"time"
)

// PayloadSource identifies what produced a queue message.
type PayloadSource string

const (
	SourceUser     PayloadSource = "user"
	SourceTelegram PayloadSource = "telegram"
	SourceCron     PayloadSource = "cron"
)

// PayloadType identifies how a queue message should be dispatched.
type PayloadType string

const (
	PayloadHuman     PayloadType = "human"
	PayloadTool      PayloadType = "tool"
	PayloadAssistant PayloadType = "assistant"
	PayloadError     PayloadType = "error"
)

// ToolNameReminderTrigger is the metadata tool_name the scheduler stamps on
// trigger payloads; the orchestrator classifies on it.
const ToolNameReminderTrigger = "reminder_trigger"

// PayloadContent carries the user text and structured metadata of a queue
// message. Metadata keys are producer-defined; trigger messages set at least
// tool_name, assistant_id and reminder_id.
type PayloadContent struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueuePayload is the canonical envelope on queue:to_secretary. UserID is the
// external (telegram) id; the orchestrator resolves it to a platform User.
type QueuePayload struct {
	UserID    int64          `json:"user_id"`
	Source    PayloadSource  `json:"source"`
	Type      PayloadType    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   PayloadContent `json:"content"`
}

// Validate rejects payloads that cannot be classified. Unknown source or type
// values are data errors, never silently dropped.
func (p *QueuePayload) Validate() error {
	if p.UserID == 0 {
		return fmt.Errorf("payload missing user_id")
	}
	switch p.Source {
	case SourceUser, SourceTelegram, SourceCron:
	default:
		return fmt.Errorf("unknown payload source %q", p.Source)
	}
	switch p.Type {
	case PayloadHuman, PayloadTool, PayloadAssistant, PayloadError:
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	if p.Type == PayloadTool && p.ToolName() == "" {
		return fmt.Errorf("tool payload missing content.metadata.tool_name")
	}
	return nil
}

// IsTrigger reports whether this payload is a scheduled reminder trigger
// rather than a user message.
func (p *QueuePayload) IsTrigger() bool {
	return p.Source == SourceCron && p.Type == PayloadTool &&
		p.ToolName() == ToolNameReminderTrigger
}

// ToolName extracts content.metadata.tool_name, or "".
func (p *QueuePayload) ToolName() string {
	s, _ := p.Content.Metadata["tool_name"].(string)
	return s
}

// MetaString extracts a string metadata field, or "".
func (p *QueuePayload) MetaString(key string) string {
	s, _ := p.Content.Metadata[key].(string)
	return s
}

// ResponseStatus is the outcome class of a processed message.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseError   ResponseStatus = "error"
)

// ResponsePayload is the envelope pushed to queue:to_telegram.
type ResponsePayload struct {
	UserID    int64          `json:"user_id"`
	Status    ResponseStatus `json:"status"`
	Response  string         `json:"response"`
	Type      string         `json:"type"` // always "assistant"
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TriggerEvent is the parsed form of a trigger payload handed to the agent.
type TriggerEvent struct {
	ToolName     string         `json:"tool_name"`
	AssistantID  string         `json:"assistant_id,omitempty"`
	ReminderID   string         `json:"reminder_id,omitempty"`
	ReminderType string         `json:"reminder_type,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	TriggeredAt  time.Time      `json:"triggered_at_event,omitempty"`
}

// Text extracts the reminder's own text from the trigger payload, or "".
func (t *TriggerEvent) Text() string {
	if t == nil {
		return ""
	}
	s, _ := t.Payload["text"].(string)
	return s
}
