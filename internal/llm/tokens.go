package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// contextWindows maps model id prefixes to their context budget in tokens.
// Longest prefix wins. Models absent from the table get defaultContextWindow,
// which errs small so trimming happens early rather than at the API.
var contextWindows = []struct {
	prefix string
	tokens int
}{
	{"gpt-4o", 128000},
	{"gpt-4.1", 1047576},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo", 16385},
	{"o1", 200000},
	{"o3", 200000},
	{"claude-3-5", 200000},
	{"claude-3", 200000},
	{"claude-sonnet", 200000},
	{"claude-opus", 200000},
	{"claude-haiku", 200000},
}

const defaultContextWindow = 8192

// ContextWindow returns the context budget for a model id.
func ContextWindow(model string) int {
	model = strings.ToLower(model)
	best := 0
	tokens := defaultContextWindow
	for _, entry := range contextWindows {
		if strings.HasPrefix(model, entry.prefix) && len(entry.prefix) > best {
			best = len(entry.prefix)
			tokens = entry.tokens
		}
	}
	return tokens
}

var (
	encodingsMu sync.Mutex
	encodings   = make(map[string]*tiktoken.Tiktoken)
)

// encodingFor resolves and caches the tiktoken encoding for a model,
// falling back to cl100k_base for models tiktoken does not know. Returns
// nil when no encoding data is available at all.
func encodingFor(model string) *tiktoken.Tiktoken {
	encodingsMu.Lock()
	defer encodingsMu.Unlock()

	if enc, ok := encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}
	encodings[model] = enc // nil is cached too, avoids repeated load attempts
	return enc
}

// CountTokens estimates the token count of text for a model, with a bytes/4
// heuristic if no encoding data can be loaded. Estimates only feed the
// summarization threshold, so being a few percent off is fine.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CountMessageTokens estimates tokens for a whole message list, including a
// small per-message framing overhead.
func CountMessageTokens(model string, messages []ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += CountTokens(model, msg.Content) + 4
		for _, tc := range msg.ToolCalls {
			total += CountTokens(model, tc.Name) + CountTokens(model, string(tc.Args))
		}
	}
	return total
}
