package agent

import (
	"context"
	"regexp"
	"strings"

	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

const (
	noSummaryPlaceholder  = "No previous conversation summary."
	noMemoriesPlaceholder = "No stored memories about this user."
)

var templateKeyPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// dynamicPrompt renders the assistant's instruction template into the system
// message of every outgoing model request.
type dynamicPrompt struct {
	instructions string
	logger       *observability.Logger
}

func (m *dynamicPrompt) Name() string { return "dynamic_prompt" }

func (m *dynamicPrompt) WrapModelCall(ctx context.Context, st *State, req *llm.Request) error {
	rendered, unknown := renderInstructions(m.instructions, st.SummaryText, st.Memories)
	for _, key := range unknown {
		m.logger.Warn(ctx, "unknown instruction template key", "key", key)
	}
	req.System = rendered
	return nil
}

// renderInstructions substitutes {summary_previous} and {memories} in the
// instruction template. Unknown keys are reported and left in place.
func renderInstructions(template, summary string, memories []models.MemoryMatch) (string, []string) {
	if summary == "" {
		summary = noSummaryPlaceholder
	}
	memoryBlock := noMemoriesPlaceholder
	if len(memories) > 0 {
		var b strings.Builder
		for _, m := range memories {
			b.WriteString("- ")
			b.WriteString(m.Text)
			b.WriteString("\n")
		}
		memoryBlock = strings.TrimRight(b.String(), "\n")
	}

	var unknown []string
	rendered := templateKeyPattern.ReplaceAllStringFunc(template, func(match string) string {
		switch match {
		case "{summary_previous}":
			return summary
		case "{memories}":
			return memoryBlock
		default:
			unknown = append(unknown, strings.Trim(match, "{}"))
			return match
		}
	})
	return rendered, unknown
}
