package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteBody replaces the messages array of a chat request and fills a
// missing model. Every other caller field is carried through unchanged.
func RewriteBody(body []byte, messages []json.RawMessage, defaultModel string) ([]byte, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("request body must be a JSON object")
	}

	arr := make([]byte, 0, 256)
	arr = append(arr, '[')
	for i, m := range messages {
		if i > 0 {
			arr = append(arr, ',')
		}
		arr = append(arr, m...)
	}
	arr = append(arr, ']')

	out, err := sjson.SetRawBytes(body, "messages", arr)
	if err != nil {
		return nil, fmt.Errorf("set messages: %w", err)
	}

	if strings.TrimSpace(gjson.GetBytes(out, "model").String()) == "" && defaultModel != "" {
		out, err = sjson.SetBytes(out, "model", defaultModel)
		if err != nil {
			return nil, fmt.Errorf("set model: %w", err)
		}
	}
	return out, nil
}

// AssistantText extracts the first choice's message content from a
// buffered chat completion.
func AssistantText(body []byte) string {
	return gjson.GetBytes(body, "choices.0.message.content").String()
}
