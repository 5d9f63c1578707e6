// Package agent runs one assistant persona for one user: an ordered
// middleware graph wrapped around an LLM-with-tools loop. Instances are built
// by the factory and serialize their own runs, so history stays causal per
// (user, assistant) pair.
package agent

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// Entry is one message in the working window: the provider-facing form plus
// its data plane id, when persisted. DBID 0 means not yet saved.
type Entry struct {
	llm.ChatMessage
	DBID int64
}

// State is the mutable run context threaded through the middleware graph.
type State struct {
	UserID      int64
	AssistantID uuid.UUID

	// Messages is the live window: history first, then the pending message,
	// then everything the model loop appends.
	Messages []Entry

	InitialMessage   string
	InitialMessageID int64

	Trigger *models.TriggerEvent

	ContextSize   int
	SummaryText   string
	SummarizedIDs []int64
	Memories      []models.MemoryMatch

	ErrorOccurred bool
}

// Remove drops the entries with the given data plane ids from the window.
func (s *State) Remove(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.Messages[:0]
	for _, e := range s.Messages {
		if e.DBID != 0 && drop[e.DBID] {
			continue
		}
		kept = append(kept, e)
	}
	s.Messages = kept
}

// LastUserText returns the content of the most recent non-empty user message.
func (s *State) LastUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.ChatRoleUser && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// entryFromRecord converts a persisted message row into a window entry.
func entryFromRecord(msg *models.Message) Entry {
	e := Entry{DBID: msg.ID}
	switch msg.Role {
	case models.RoleHuman:
		e.Role = llm.ChatRoleUser
	case models.RoleAssistant:
		e.Role = llm.ChatRoleAssistant
		if msg.Meta != nil {
			for _, tc := range msg.Meta.ToolCalls {
				e.ToolCalls = append(e.ToolCalls, llm.ToolCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				})
			}
		}
	case models.RoleTool:
		e.Role = llm.ChatRoleTool
		e.ToolCallID = msg.ToolCallID
	default:
		e.Role = llm.ChatRoleUser
	}
	e.Content = msg.Content
	return e
}

// recordRole maps a provider role back to the data plane's role column.
func recordRole(chatRole string) models.Role {
	switch chatRole {
	case llm.ChatRoleAssistant:
		return models.RoleAssistant
	case llm.ChatRoleTool:
		return models.RoleTool
	default:
		return models.RoleHuman
	}
}

// serializedEntry is the compact form older messages take inside the
// summarization prompt.
type serializedEntry struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// serializeEntries renders window entries as the JSON array the summary
// prompt interpolates.
func serializeEntries(entries []Entry) (string, error) {
	out := make([]serializedEntry, 0, len(entries))
	for _, e := range entries {
		se := serializedEntry{Type: e.Role, Content: e.Content}
		if len(e.ToolCalls) > 0 {
			se.Name = e.ToolCalls[0].Name
		}
		out = append(out, se)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
