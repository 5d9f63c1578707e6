package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type. The wire values match the data
// plane's role column.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageStatus tracks a message through the pipeline. New messages are
// persisted as pending_processing before the agent runs; the finalizer flips
// them to processed or error. Summarized messages have been folded into a
// UserSummary and leave the live context window.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending_processing"
	MessageProcessed  MessageStatus = "processed"
	MessageSummarized MessageStatus = "summarized"
	MessageError      MessageStatus = "error"
)

// ToolCallRecord is one tool invocation persisted in a message's meta_data.
type ToolCallRecord struct {
	Name string          `json:"name"`
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

// MessageMeta is the structured part of a message's meta_data column.
type MessageMeta struct {
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Source    string           `json:"source,omitempty"`
	Extra     map[string]any   `json:"extra,omitempty"`
}

// Message is one persisted conversation entry, owned by the REST data plane.
// Ordering within (user_id, assistant_id) is the id sequence.
type Message struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	AssistantID uuid.UUID     `json:"assistant_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	ContentType string        `json:"content_type,omitempty"`
	ToolCallID  string        `json:"tool_call_id,omitempty"`
	Status      MessageStatus `json:"status"`
	SummaryID   *int64        `json:"summary_id,omitempty"`
	Meta        *MessageMeta  `json:"meta_data,omitempty"`
}

// UserSummary is a rolling compaction of older conversation history for one
// (user, assistant) pair. Summaries are append-only; the latest by created_at
// is authoritative. LastMessageID is the highest message id folded in.
type UserSummary struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	AssistantID   uuid.UUID `json:"assistant_id"`
	SummaryText   string    `json:"summary_text"`
	TokenCount    int       `json:"token_count"`
	LastMessageID int64     `json:"last_message_id_covered"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conversation groups the recent messages of one (user, assistant) pair, as
// returned by GET /api/conversations/recent for the memory extractor.
type Conversation struct {
	UserID      int64     `json:"user_id"`
	AssistantID uuid.UUID `json:"assistant_id"`
	Messages    []Message `json:"messages"`
}
