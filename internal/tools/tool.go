// Package tools implements the capability handlers an assistant can call:
// time lookup, reminders, calendar, web search, memories and sub-assistant
// delegation. Handlers are built per (user, assistant) by the Factory and
// expose a uniform schema-validated contract to the agent graph.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalid "github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one invocable capability. Implementations are bound to a specific
// (user, assistant) pair at construction and are safe for concurrent use.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema of the arguments object.
	Schema() json.RawMessage
	// Invoke runs the tool. The returned string goes back to the model as a
	// tool message verbatim.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Error codes for ToolError.
const (
	ErrCodeInvalidArgs  = "invalid_args"
	ErrCodeUpstream     = "upstream_error"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeUnsupported  = "unsupported"
)

// ToolError is a typed handler failure. The agent graph renders it into a
// tool message so the model can recover.
type ToolError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a ToolError with a formatted message.
func Errorf(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	deriveMu    sync.Mutex
	deriveCache = map[string]json.RawMessage{}
)

// deriveSchema reflects a handler's input struct into a JSON Schema. Results
// are cached per type.
func deriveSchema(name string, input any) json.RawMessage {
	deriveMu.Lock()
	defer deriveMu.Unlock()

	if cached, ok := deriveCache[name]; ok {
		return cached
	}
	reflector := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(input)
	schema.Version = "" // keep the payload minimal for the model
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	deriveCache[name] = raw
	return raw
}

var compiledSchemas sync.Map

// compileSchema compiles and caches a stored input_schema override.
func compileSchema(schema json.RawMessage) (*schemavalid.Schema, error) {
	key := string(schema)
	if cached, ok := compiledSchemas.Load(key); ok {
		return cached.(*schemavalid.Schema), nil
	}
	compiled, err := schemavalid.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	compiledSchemas.Store(key, compiled)
	return compiled, nil
}

// validateArgs checks args against a compiled schema.
func validateArgs(schema *schemavalid.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return Errorf(ErrCodeInvalidArgs, "arguments are not valid JSON: %v", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return Errorf(ErrCodeInvalidArgs, "arguments rejected by schema: %v", err)
	}
	return nil
}

// decodeArgs unmarshals args into the handler's input struct, tolerating an
// empty argument object.
func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return Errorf(ErrCodeInvalidArgs, "parse arguments: %v", err)
	}
	return nil
}
