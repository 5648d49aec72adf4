package session

import (
	"net/http"
	"strings"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name   string
		header string
		body   string
		want   string
	}{
		{"header wins", "abc", `{"user":"bob","metadata":{"session_id":"s1"}}`, "rk:abc"},
		{"header already prefixed", "rk:abc", `{}`, "rk:abc"},
		{"user field", "", `{"user":"  bob  "}`, "rk:bob"},
		{"blank user falls through", "", `{"user":"  ","metadata":{"session_id":"s1"}}`, "rk:s1"},
		{"non-string user ignored", "", `{"user":42,"metadata":{"conversation_id":"c9"}}`, "rk:c9"},
		{"session before conversation", "", `{"metadata":{"conversation_id":"c9","session_id":"s1"}}`, "rk:s1"},
		{"chat id last", "", `{"metadata":{"chat_id":"777"}}`, "rk:777"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(HeaderName, tt.header)
			}
			if got := r.Resolve(h, []byte(tt.body)); got != tt.want {
				t.Fatalf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := NewResolver()
	body := []byte(`{"user":"alice","messages":[]}`)
	first := r.Resolve(http.Header{}, body)
	for i := 0; i < 5; i++ {
		if got := r.Resolve(http.Header{}, body); got != first {
			t.Fatalf("Resolve() changed between calls: %q vs %q", got, first)
		}
	}
}

func TestResolveTemporaryIDs(t *testing.T) {
	r := NewResolver()
	a := r.Resolve(http.Header{}, []byte(`{"messages":[]}`))
	b := r.Resolve(http.Header{}, nil)

	if !IsTemporary(a) || !IsTemporary(b) {
		t.Fatalf("expected temporary ids, got %q and %q", a, b)
	}
	if a == b {
		t.Fatalf("temporary ids should be unique, both %q", a)
	}
	if !strings.HasPrefix(a, "rk:tmp:") || a != strings.ToLower(a) {
		t.Fatalf("unexpected temporary id format %q", a)
	}
	if IsTemporary("rk:alice") {
		t.Fatal("named session reported as temporary")
	}
}

func TestResolveTelegramMapping(t *testing.T) {
	r := NewResolver(WithTelegramMap(map[string]string{"1001": "rk:alice", "1002": "bob"}, "uid:"))

	cases := map[string]string{
		"1001": "rk:alice",
		"1002": "rk:bob",
		"2000": "rk:uid:2000",
	}
	for chat, want := range cases {
		body := []byte(`{"metadata":{"chat_id":"` + chat + `"}}`)
		if got := r.Resolve(http.Header{}, body); got != want {
			t.Errorf("chat %s: Resolve() = %q, want %q", chat, got, want)
		}
	}
}
