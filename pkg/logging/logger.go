// Package logging wraps log/slog with the gateway's component and request fields.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured JSON logger for gateway components.
type Logger struct {
	*slog.Logger
}

// New creates a JSON logger tagged with component. A nil w writes to stdout.
func New(component string, level slog.Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "listopia"),
	)}
}

// Discard returns a logger that drops everything. Used by tests and defaults.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns a child logger with a different component tag.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", name))}
}

// WithContext attaches trace and span ids when ctx carries a valid span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{Logger: l.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)}
}

// WithSession returns a logger with session-specific fields
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("session_id", sessionID))}
}

// WithTool returns a logger with tool-specific fields
func (l *Logger) WithTool(tool string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("tool", tool))}
}

// WithRequest returns a logger carrying the HTTP request id.
func (l *Logger) WithRequest(requestID string) *Logger {
	if requestID == "" {
		return l
	}
	return &Logger{Logger: l.Logger.With(slog.String("request_id", requestID))}
}

// ToolCallFailed logs a degraded context injection.
func (l *Logger) ToolCallFailed(tool string, err error) {
	l.Warn("tool call failed, continuing without context",
		slog.String("tool", tool),
		slog.String("error", err.Error()),
	)
}

// UpstreamStatus logs a non-2xx upstream reply that is passed through.
func (l *Logger) UpstreamStatus(url string, status int) {
	l.Warn("upstream returned error status",
		slog.String("upstream_url", url),
		slog.Int("status", status),
	)
}

// SummaryRolled logs a completed summary roll-forward.
func (l *Logger) SummaryRolled(sessionID string, userTurn int) {
	l.Debug("summaries rolled forward",
		slog.String("session_id", sessionID),
		slog.Int("user_turn", userTurn),
	)
}

// CircuitBreakerStateChange logs a circuit breaker state change
func (l *Logger) CircuitBreakerStateChange(name, fromState, toState string) {
	l.Warn("circuit breaker state changed",
		slog.String("breaker_name", name),
		slog.String("from_state", fromState),
		slog.String("to_state", toState),
	)
}
