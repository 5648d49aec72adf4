// Package summary recomputes the short and long rolling summaries from a
// session transcript.
package summary

import (
	"strings"
	"unicode/utf8"

	"github.com/odvcencio/listopia/pkg/storage"
)

// Policy condenses a transcript window into summary text. Implementations
// must be deterministic: the same window always yields the same text.
type Policy interface {
	Summarize(window []storage.Message, maxRunes int) string
}

// Extractive keeps the newest lines of a clipped transcript.
type Extractive struct {
	// LineRunes clips each message before it is joined.
	LineRunes int
}

const defaultLineRunes = 80

// Summarize implements Policy.
func (e Extractive) Summarize(window []storage.Message, maxRunes int) string {
	lineRunes := e.LineRunes
	if lineRunes <= 0 {
		lineRunes = defaultLineRunes
	}

	lines := make([]string, 0, len(window))
	for _, m := range window {
		content := collapseSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, m.Role+": "+clip(content, lineRunes))
	}
	if len(lines) == 0 {
		return ""
	}
	if maxRunes <= 0 {
		return strings.Join(lines, "\n")
	}

	// Drop the oldest lines until the rest fits.
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(lines[i])
		if i < len(lines)-1 {
			n++ // newline
		}
		if total+n > maxRunes {
			break
		}
		total += n
		start = i
	}
	if start == len(lines) {
		return clip(lines[len(lines)-1], maxRunes)
	}
	return strings.Join(lines[start:], "\n")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip shortens s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n == 1 {
		return "…"
	}
	return strings.TrimRightFunc(string(runes[:n-1]), isSpace) + "…"
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
