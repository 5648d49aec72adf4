package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/odvcencio/listopia/pkg/errors"
)

const ellipsis = "…"

// Bounds is the inclusive rune-length range a snippet must fall in.
type Bounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Clip normalises text and fits it into b. Text longer than b.Max keeps
// b.Max-1 runes followed by an ellipsis. Text shorter than b.Min is
// rejected with RETRIEVAL_EMPTY rather than padded.
func Clip(text string, b Bounds) (string, error) {
	t := strings.TrimSpace(strings.ReplaceAll(text, "\r", ""))
	n := utf8.RuneCountInString(t)

	if n < b.Min || n == 0 {
		return "", errors.Newf(errors.ErrCodeRetrievalEmpty, "retrieved text has %d runes, need at least %d", n, b.Min).
			WithContext("min", b.Min)
	}
	if n <= b.Max {
		return t, nil
	}

	keep := b.Max - 1
	if keep < 0 {
		keep = 0
	}
	head := string([]rune(t)[:keep])
	if trimmed := strings.TrimRightFunc(head, isSpace); utf8.RuneCountInString(trimmed)+1 >= b.Min {
		head = trimmed
	}
	return head + ellipsis, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
