package models

import (
	"time"

	"github.com/google/uuid"
)

// MemoryType categorizes an extracted long-term memory. Unknown values from
// model output are normalized to MemoryUserFact.
type MemoryType string

const (
	MemoryUserFact            MemoryType = "user_fact"
	MemoryPreference          MemoryType = "preference"
	MemoryEvent               MemoryType = "event"
	MemoryConversationInsight MemoryType = "conversation_insight"
	MemoryExtractedKnowledge  MemoryType = "extracted_knowledge"
)

// ValidMemoryType reports whether model output names a known category.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryUserFact, MemoryPreference, MemoryEvent,
		MemoryConversationInsight, MemoryExtractedKnowledge:
		return true
	}
	return false
}

// ClampImportance forces an importance score into the valid 1..10 range.
func ClampImportance(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// Memory is a long-term fact stored in the RAG service's vector store. A nil
// AssistantID means the fact is shared across all of the user's assistants.
// Importance ranges 1..10.
type Memory struct {
	ID              uuid.UUID  `json:"id"`
	UserID          int64      `json:"user_id"`
	AssistantID     *uuid.UUID `json:"assistant_id,omitempty"`
	Text            string     `json:"text"`
	MemoryType      MemoryType `json:"memory_type"`
	Importance      int        `json:"importance"`
	SourceMessageID *int64     `json:"source_message_id,omitempty"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MemoryMatch is one semantic search hit with its similarity score in [0,1].
type MemoryMatch struct {
	Memory
	Score float64 `json:"score"`
}
