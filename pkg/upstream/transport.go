package upstream

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/listopia/pkg/logging"
)

// LoggingTransport logs upstream exchanges with credentials redacted.
// Bodies are logged only when enabled, and never for streaming responses.
type LoggingTransport struct {
	base      http.RoundTripper
	log       *logging.Logger
	logBodies bool
}

// NewLoggingTransport wraps base. A nil base uses http.DefaultTransport.
func NewLoggingTransport(base http.RoundTripper, log *logging.Logger, logBodies bool) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if log == nil {
		log = logging.Discard()
	}
	return &LoggingTransport{base: base, log: log, logBodies: logBodies}
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Any("request_headers", sanitizeHeaders(req.Header)),
	}

	if t.logBodies && req.Body != nil && req.Body != http.NoBody {
		bodyBytes, err := io.ReadAll(req.Body)
		if err == nil {
			attrs = append(attrs, slog.String("request_body", truncateBody(string(bodyBytes))))
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs = append(attrs, slog.Duration("duration", time.Since(start)))
	if err != nil {
		t.log.Debug("upstream round trip failed", append(attrs, slog.String("error", err.Error()))...)
		return nil, err
	}

	attrs = append(attrs, slog.Int("status", resp.StatusCode))
	streaming := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if t.logBodies && !streaming && resp.Body != nil {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		attrs = append(attrs, slog.String("response_body", truncateBody(string(bodyBytes))))
		resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	t.log.Debug("upstream round trip", attrs...)
	return resp, nil
}

func sanitizeHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "proxy-authorization":
			result[key] = "[REDACTED]"
		default:
			result[key] = strings.Join(values, ", ")
		}
	}
	return result
}

func truncateBody(body string) string {
	const maxLen = 10000
	if len(body) > maxLen {
		return body[:maxLen] + "\n...[truncated]"
	}
	return body
}
