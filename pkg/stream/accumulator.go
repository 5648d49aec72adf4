package stream

import (
	"bytes"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

var accumulatorPool = sync.Pool{
	New: func() any { return &Accumulator{} },
}

// AcquireAccumulator takes a reset accumulator from the pool.
func AcquireAccumulator() *Accumulator {
	a := accumulatorPool.Get().(*Accumulator)
	a.Reset()
	return a
}

// ReleaseAccumulator returns a to the pool. a must not be used afterwards.
func ReleaseAccumulator(a *Accumulator) {
	if a == nil {
		return
	}
	a.Reset()
	accumulatorPool.Put(a)
}

// ToolCall is a tool call assembled from streamed deltas.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Accumulator assembles OpenAI-compatible chat completion chunks into the
// final assistant message. It is not safe for concurrent use.
type Accumulator struct {
	content      strings.Builder
	reasoning    strings.Builder
	role         string
	finishReason string
	model        string
	toolCalls    []ToolCall
	done         bool
}

// Add consumes one event data payload. The [DONE] sentinel marks the end;
// payloads that are not JSON are ignored.
func (a *Accumulator) Add(data []byte) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("[DONE]")) {
		a.done = true
		return
	}
	if !gjson.ValidBytes(data) {
		return
	}
	chunk := gjson.ParseBytes(data)
	if m := chunk.Get("model").String(); m != "" {
		a.model = m
	}

	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return
	}
	delta := choice.Get("delta")
	if r := delta.Get("role").String(); r != "" {
		a.role = r
	}
	a.content.WriteString(delta.Get("content").String())
	if r := delta.Get("reasoning"); r.Exists() {
		a.reasoning.WriteString(r.String())
	} else {
		a.reasoning.WriteString(delta.Get("reasoning_content").String())
	}
	if fr := choice.Get("finish_reason").String(); fr != "" {
		a.finishReason = fr
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		a.addToolCall(tc)
		return true
	})
}

func (a *Accumulator) addToolCall(delta gjson.Result) {
	idx := int(delta.Get("index").Int())
	if idx < 0 || idx > 64 {
		return
	}
	for len(a.toolCalls) <= idx {
		a.toolCalls = append(a.toolCalls, ToolCall{})
	}
	tc := &a.toolCalls[idx]
	tc.ID += delta.Get("id").String()
	tc.Name += delta.Get("function.name").String()
	tc.Arguments += delta.Get("function.arguments").String()
}

// Content is the accumulated assistant text.
func (a *Accumulator) Content() string { return a.content.String() }

// Reasoning is the accumulated reasoning text, if the model streams any.
func (a *Accumulator) Reasoning() string { return a.reasoning.String() }

// Role defaults to assistant when the stream never names one.
func (a *Accumulator) Role() string {
	if a.role == "" {
		return "assistant"
	}
	return a.role
}

// FinishReason is the last non-empty finish_reason seen.
func (a *Accumulator) FinishReason() string { return a.finishReason }

// Model is the model reported by the stream.
func (a *Accumulator) Model() string { return a.model }

// ToolCalls returns the assembled tool calls.
func (a *Accumulator) ToolCalls() []ToolCall { return a.toolCalls }

// Done reports whether the [DONE] sentinel was seen.
func (a *Accumulator) Done() bool { return a.done }

// Reset clears the accumulator for reuse.
func (a *Accumulator) Reset() {
	a.content.Reset()
	a.reasoning.Reset()
	a.role = ""
	a.finishReason = ""
	a.model = ""
	a.toolCalls = nil
	a.done = false
}
