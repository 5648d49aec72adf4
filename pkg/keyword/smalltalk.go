package keyword

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	techPattern  = regexp.MustCompile(`(?i)(uvicorn|python|notion|dify|mcp|rag|api|http|db|sql|error|bug|traceback|token|stream|openrouter|rikkahub|telegram)`)
	emojiPattern = regexp.MustCompile(`[😂🤣😭🥺😙😗😸😺😿😽💦💖💕❤✨🎭🖤]+`)
)

// Short messages containing one of these are treated as pet-name chatter.
var shortChatterMarkers = []string{"哥哥", "猫咪", "小猫咪", "小命", "宝宝", "在吗", "早安", "晚安", "嘿嘿", "喵"}

// Affection phrases mark smalltalk at any length.
var affectionMarkers = []string{"想你", "抱抱", "亲亲", "贴贴", "陪我", "我回来啦", "我来啦", "我走啦", "加油", "辛苦啦"}

// isSmalltalk reports whether text is emotive chatter with nothing worth
// retrieving. Technical vocabulary always wins over chatter markers.
func isSmalltalk(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	if techPattern.MatchString(t) {
		return false
	}
	if utf8.RuneCountInString(t) <= 18 && containsAny(t, shortChatterMarkers) {
		return true
	}
	if len(emojiPattern.FindAllString(t, -1)) >= 2 {
		return true
	}
	// NFKC has already turned "…" into "..." and "～" into "~".
	if strings.Count(t, "~") >= 2 || strings.Count(t, "...") >= 2 {
		return true
	}
	if strings.Count(t, "喵") >= 2 || strings.Count(t, "嘿嘿") >= 2 {
		return true
	}
	return containsAny(t, affectionMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
