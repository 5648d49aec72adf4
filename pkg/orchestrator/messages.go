package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// splitMessages returns the raw entries of the request's messages array.
func splitMessages(body []byte) ([]json.RawMessage, bool) {
	arr := gjson.GetBytes(body, "messages")
	if !arr.IsArray() {
		return nil, false
	}
	var out []json.RawMessage
	arr.ForEach(func(_, m gjson.Result) bool {
		out = append(out, json.RawMessage(m.Raw))
		return true
	})
	return out, true
}

// LastUserText returns the text of the last user message. Content given
// as parts has its text parts joined; any other shape is returned as raw
// JSON.
func LastUserText(messages []json.RawMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := gjson.ParseBytes(messages[i])
		if m.Get("role").String() != "user" {
			continue
		}
		content := m.Get("content")
		switch {
		case content.Type == gjson.String:
			return content.Str
		case content.IsArray():
			var parts []string
			content.ForEach(func(_, p gjson.Result) bool {
				if p.Get("type").String() == "text" {
					parts = append(parts, p.Get("text").String())
				}
				return true
			})
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
			return content.Raw
		case content.Exists() && content.Type != gjson.Null:
			return content.Raw
		default:
			return ""
		}
	}
	return ""
}

// Sanitize repairs broken tool-call traces that upstreams reject. Tool
// messages without a pending call are dropped; an assistant whose calls
// are never answered loses tool_calls and function_call; function_call
// assistants without content are dropped. The input slice is not modified.
func Sanitize(messages []json.RawMessage) []json.RawMessage {
	cleaned := make([]json.RawMessage, 0, len(messages))
	pending := map[string]bool{}

	stripLastAssistant := func() {
		for i := len(cleaned) - 1; i >= 0; i-- {
			if gjson.GetBytes(cleaned[i], "role").String() != "assistant" {
				continue
			}
			m := append(json.RawMessage(nil), cleaned[i]...)
			m, _ = sjson.DeleteBytes(m, "tool_calls")
			m, _ = sjson.DeleteBytes(m, "function_call")
			cleaned[i] = m
			return
		}
	}

	for _, raw := range messages {
		m := gjson.ParseBytes(raw)
		if !m.IsObject() {
			continue
		}
		role := strings.TrimSpace(m.Get("role").String())

		if role == "tool" {
			id := strings.TrimSpace(m.Get("tool_call_id").String())
			if id != "" && pending[id] {
				cleaned = append(cleaned, raw)
				delete(pending, id)
			}
			continue
		}

		if len(pending) > 0 {
			stripLastAssistant()
			pending = map[string]bool{}
		}

		if role == "assistant" {
			if calls := m.Get("tool_calls"); calls.Exists() && calls.Type != gjson.Null {
				calls.ForEach(func(_, c gjson.Result) bool {
					if id := strings.TrimSpace(c.Get("id").String()); id != "" {
						pending[id] = true
					}
					return true
				})
				cleaned = append(cleaned, raw)
				continue
			}
			if fc := m.Get("function_call"); fc.Exists() && fc.Type != gjson.Null {
				content := m.Get("content")
				if content.Type == gjson.Null || strings.TrimSpace(content.String()) == "" {
					continue
				}
			}
		}

		cleaned = append(cleaned, raw)
	}

	if len(pending) > 0 {
		stripLastAssistant()
	}
	return cleaned
}

// systemMessage encodes a system entry.
func systemMessage(content string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{"system", content})
	return b
}
