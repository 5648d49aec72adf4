package upstream

import "strings"

// DefaultBaseURL is used when no upstream base is configured.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// NormalizeURL turns a configured base into a chat completions endpoint.
// A base already ending in /chat/completions is kept; a base ending in /v1
// gets /chat/completions; anything else gets /v1/chat/completions.
func NormalizeURL(base string) string {
	b := strings.TrimRight(strings.TrimSpace(base), "/")
	if b == "" {
		b = DefaultBaseURL
	}
	switch {
	case strings.HasSuffix(b, "/chat/completions"):
		return b
	case strings.HasSuffix(b, "/v1"):
		return b + "/chat/completions"
	default:
		return b + "/v1/chat/completions"
	}
}
