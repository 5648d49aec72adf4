// Package keyword turns a user message into the short keyword list used to
// query the anchor retrieval workflow.
package keyword

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Extractor is a pure, deterministic keyword policy.
type Extractor interface {
	Extract(text string) []string
}

// Join renders keywords the way the retrieval workflow expects them.
func Join(keywords []string) string {
	return strings.Join(keywords, ",")
}

// Options tunes the default extractor.
type Options struct {
	// Count is the number of keywords returned.
	Count int
	// AnchorTerm is appended (replacing the last pick) when missing.
	AnchorTerm string
	// SmalltalkFallback is returned for greetings and emotive chatter.
	SmalltalkFallback []string
	// EmptyFallback is returned for empty text or when nothing qualifies.
	EmptyFallback []string
}

// Default is the CJK-aware extractor used by the gateway.
type Default struct {
	opts Options
}

// NewDefault builds the default extractor. Zero options fall back to k=2.
func NewDefault(opts Options) *Default {
	if opts.Count <= 0 {
		opts.Count = 2
	}
	return &Default{opts: opts}
}

const (
	minPart = 2
	maxPart = 6
)

// Extract implements Extractor.
//
// CJK runs of two or more ideographs are the primary candidates; runs longer
// than six are split on separator words. Stopwords are dropped, the rest are
// de-duplicated in order of appearance, and the first Count are kept. Latin
// words are only used when no CJK candidate exists.
func (d *Default) Extract(text string) []string {
	text = normalize(text)
	if text == "" {
		return clone(d.opts.EmptyFallback)
	}
	if isSmalltalk(text) {
		return clone(d.opts.SmalltalkFallback)
	}

	cand := cjkCandidates(text)
	if len(cand) == 0 {
		cand = latinCandidates(text)
	}
	if len(cand) == 0 {
		return clone(d.opts.EmptyFallback)
	}

	picked := dedupe(cand)
	if len(picked) > d.opts.Count {
		picked = picked[:d.opts.Count]
	}
	if anchor := d.opts.AnchorTerm; anchor != "" && d.opts.Count >= 2 && !contains(picked, anchor) {
		if len(picked) >= d.opts.Count {
			picked = picked[:d.opts.Count-1]
		}
		picked = append(picked, anchor)
	}
	return picked
}

// normalize applies NFKC and folds full-width forms so "ＡＰＩ" and "API"
// compare equal.
func normalize(text string) string {
	text = norm.NFKC.String(text)
	text = width.Fold.String(text)
	return strings.TrimSpace(text)
}

func cjkCandidates(text string) []string {
	var out []string
	for _, run := range hanRuns(text) {
		parts := []string{run}
		if utf8.RuneCountInString(run) > maxPart {
			parts = splitLongRun(run)
		}
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" || cjkStopwords[p] {
				continue
			}
			if n := utf8.RuneCountInString(p); n >= minPart && n <= maxPart {
				out = append(out, p)
			}
		}
	}
	return out
}

// hanRuns returns maximal runs of at least two Han ideographs.
func hanRuns(text string) []string {
	var runs []string
	var cur strings.Builder
	count := 0
	flush := func() {
		if count >= minPart {
			runs = append(runs, cur.String())
		}
		cur.Reset()
		count = 0
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cur.WriteRune(r)
			count++
			continue
		}
		flush()
	}
	flush()
	return runs
}

func splitLongRun(run string) []string {
	s := run
	for _, sep := range separatorWords {
		s = strings.ReplaceAll(s, sep, "|")
	}
	var parts []string
	for _, p := range strings.Split(s, "|") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func latinCandidates(text string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		lw := strings.ToLower(w)
		if utf8.RuneCountInString(lw) < 3 || latinStopwords[lw] {
			continue
		}
		if !isLatinWord(lw) {
			continue
		}
		out = append(out, lw)
	}
	return out
}

func isLatinWord(w string) bool {
	for _, r := range w {
		if !unicode.Is(unicode.Latin, r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clone(in []string) []string {
	return append([]string(nil), in...)
}
