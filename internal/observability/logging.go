// Package observability provides structured logging, Prometheus metrics and
// optional OpenTelemetry tracing for the secretariat services. Correlation
// ids and user ids travel in context.Context and are injected into every log
// record and outbound request.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// CorrelationIDKey carries the id that follows one queue message through
	// the whole pipeline, including outbound REST calls.
	CorrelationIDKey ContextKey = "correlation_id"

	// UserIDKey carries the platform user id (int64).
	UserIDKey ContextKey = "user_id"

	// ServiceKey names the running service (orchestrator, scheduler, extractor).
	ServiceKey ContextKey = "service"
)

// EventType tags a log record with its place in the pipeline. The set is
// closed; free-form strings are not accepted by Event.
type EventType string

const (
	EventRequestIn  EventType = "request_in"
	EventRequestOut EventType = "request_out"
	EventQueuePush  EventType = "queue_push"
	EventQueuePop   EventType = "queue_pop"
	EventJobStart   EventType = "job_start"
	EventJobEnd     EventType = "job_end"
	EventLLMCall    EventType = "llm_call"
	EventToolCall   EventType = "tool_call"
	EventError      EventType = "error"
	EventInfo       EventType = "info"
)

// Logger wraps slog with context field extraction and secret redaction.
type Logger struct {
	logger  *slog.Logger
	level   *slog.LevelVar
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default, production) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// Service is stamped on every record.
	Service string
}

// DefaultRedactPatterns cover credentials that must never reach log storage.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`tvly-[a-zA-Z0-9_-]{16,}`,
}

// NewLogger creates a structured logger. Invalid levels fall back to info.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	level := new(slog.LevelVar)
	level.Set(LevelFromString(config.Level))
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	logger := slog.New(handler)
	if config.Service != "" {
		logger = logger.With(string(ServiceKey), config.Service)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns))
	for _, pattern := range DefaultRedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: logger, level: level, redacts: redacts}
}

// LevelFromString converts a string to a slog.Level, defaulting to info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog exposes the underlying slog logger for components that take one
// directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// SetLevel changes the minimum level at runtime. Derived loggers share the
// same level var, so one call covers the whole tree.
func (l *Logger) SetLevel(s string) {
	if l.level != nil {
		l.level.Set(LevelFromString(s))
	}
}

// With returns a logger with the given fields on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), level: l.level, redacts: l.redacts}
}

// Debug logs at debug level with context correlation fields.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation fields.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation fields.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation fields and
// event_type=error.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	args = append(args, "event_type", string(EventError))
	l.log(ctx, slog.LevelError, msg, args...)
}

// Event logs an info record tagged with one of the closed pipeline event
// types.
func (l *Logger) Event(ctx context.Context, event EventType, msg string, args ...any) {
	args = append(args, "event_type", string(event))
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+6)
	if id := GetCorrelationID(ctx); id != "" {
		attrs = append(attrs, string(CorrelationIDKey), id)
	}
	if uid, ok := GetUserID(ctx); ok {
		attrs = append(attrs, string(UserIDKey), uid)
	}
	if tid := TraceID(ctx); tid != "" {
		attrs = append(attrs, "trace_id", tid)
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		if b, err := json.Marshal(val); err == nil {
			return l.redactString(string(b))
		}
		return val
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithCorrelationID stores a correlation id in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// GetCorrelationID retrieves the correlation id, or "".
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID stores the platform user id in the context.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the platform user id.
func GetUserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(UserIDKey).(int64)
	return id, ok
}

// UserIDString renders the context user id for places that need a string
// label, or "" when absent.
func UserIDString(ctx context.Context) string {
	if id, ok := GetUserID(ctx); ok {
		return strconv.FormatInt(id, 10)
	}
	return ""
}
