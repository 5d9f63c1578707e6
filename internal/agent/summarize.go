package agent

import (
	"context"
	"strings"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

const noExistingSummary = "No existing summary."

// summarizer folds the oldest window messages into a rolling summary when the
// estimated prompt crosses the context threshold. Best effort: a failed
// summarization logs and leaves the window untouched, the run proceeds with
// whatever fits.
type summarizer struct {
	store        MessageStore
	provider     llm.Provider
	model        string
	instructions string
	prompt       string // summary template with {current_summary} and {json}
	threshold    float64
	keepTail     int
	logger       *observability.Logger
}

func (m *summarizer) Name() string { return "summarizer" }

func (m *summarizer) BeforeModel(ctx context.Context, st *State) error {
	if st.ContextSize <= 0 || len(st.Messages) <= m.keepTail {
		return nil
	}

	system, _ := renderInstructions(m.instructions, st.SummaryText, st.Memories)
	total := llm.CountTokens(m.model, system) + llm.CountMessageTokens(m.model, chatMessages(st.Messages))
	if float64(total) < m.threshold*float64(st.ContextSize) {
		return nil
	}

	cut := len(st.Messages) - m.keepTail
	victims := st.Messages[:cut]
	serialized, err := serializeEntries(victims)
	if err != nil {
		m.logger.Warn(ctx, "summarization skipped: serialize failed", "error", err)
		return nil
	}

	previous := st.SummaryText
	if previous == "" {
		previous = noExistingSummary
	}
	promptText := strings.NewReplacer(
		"{current_summary}", previous,
		"{json}", serialized,
	).Replace(m.prompt)

	completion, err := m.provider.Complete(ctx, &llm.Request{
		Model:    m.model,
		Messages: []llm.ChatMessage{{Role: llm.ChatRoleUser, Content: promptText}},
	})
	if err != nil {
		m.logger.Warn(ctx, "summarization skipped: model call failed", "error", err)
		return nil
	}
	newSummary := strings.TrimSpace(completion.Content)
	if newSummary == "" {
		m.logger.Warn(ctx, "summarization skipped: empty summary reply")
		return nil
	}

	var removedIDs []int64
	var lastCovered int64
	for _, e := range victims {
		if e.DBID == 0 {
			continue
		}
		removedIDs = append(removedIDs, e.DBID)
		if e.DBID > lastCovered {
			lastCovered = e.DBID
		}
	}

	saved, err := m.store.CreateSummary(ctx, dataplane.CreateSummaryRequest{
		UserID:        st.UserID,
		AssistantID:   st.AssistantID,
		SummaryText:   newSummary,
		TokenCount:    llm.CountTokens(m.model, newSummary),
		LastMessageID: lastCovered,
	})
	if err != nil {
		m.logger.Warn(ctx, "summarization skipped: summary save failed", "error", err)
		return nil
	}

	st.SummaryText = newSummary
	st.SummarizedIDs = append(st.SummarizedIDs, removedIDs...)
	st.Remove(removedIDs...)
	// Unsaved victims (none in practice) just fall off the window.
	if cut > len(removedIDs) {
		st.Messages = st.Messages[len(st.Messages)-m.keepTail:]
	}

	for _, id := range removedIDs {
		summaryID := saved.ID
		if err := m.store.UpdateMessage(ctx, id, dataplane.MessagePatch{
			Status:    models.MessageSummarized,
			SummaryID: &summaryID,
		}); err != nil {
			m.logger.Warn(ctx, "mark summarized failed", "message_id", id, "error", err)
		}
	}

	m.logger.Info(ctx, "conversation summarized",
		"messages_folded", len(removedIDs), "last_covered", lastCovered, "tokens_before", total)
	return nil
}

func chatMessages(entries []Entry) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(entries))
	for i, e := range entries {
		out[i] = e.ChatMessage
	}
	return out
}
