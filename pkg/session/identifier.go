// Package session derives stable gateway session ids from chat requests.
package session

import (
	cryptorand "crypto/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

const (
	// Prefix namespaces every session id the gateway hands out.
	Prefix = "rk:"
	// HeaderName carries an explicit session id from the client.
	HeaderName = "X-Session-Id"

	tmpMarker = "tmp:"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)
)

// metadataKeys are consulted in order when neither header nor user is set.
var metadataKeys = []string{"session_id", "conversation_id", "chat_id"}

// Resolver maps request shapes onto session ids.
type Resolver struct {
	telegramMap    map[string]string
	telegramPrefix string
	now            func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTelegramMap routes metadata.chat_id values through an explicit mapping
// and, for unmapped chats, an optional fallback prefix.
func WithTelegramMap(mapping map[string]string, fallbackPrefix string) Option {
	return func(r *Resolver) {
		r.telegramMap = make(map[string]string, len(mapping))
		for k, v := range mapping {
			r.telegramMap[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		r.telegramPrefix = strings.TrimSpace(fallbackPrefix)
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the session id from, in order: the X-Session-Id header, the
// body's "user" field, metadata.session_id, metadata.conversation_id,
// metadata.chat_id. Requests carrying none of these get a fresh temporary id.
func (r *Resolver) Resolve(header http.Header, body []byte) string {
	if h := strings.TrimSpace(header.Get(HeaderName)); h != "" {
		return qualify(h)
	}

	if user := gjson.GetBytes(body, "user"); user.Type == gjson.String {
		if v := strings.TrimSpace(user.Str); v != "" {
			return qualify(v)
		}
	}

	meta := gjson.GetBytes(body, "metadata")
	if meta.IsObject() {
		for _, key := range metadataKeys {
			field := meta.Get(key)
			if field.Type != gjson.String {
				continue
			}
			v := strings.TrimSpace(field.Str)
			if v == "" {
				continue
			}
			if key == "chat_id" {
				return r.telegram(v)
			}
			return qualify(v)
		}
	}

	return r.temporary()
}

func (r *Resolver) telegram(chatID string) string {
	if mapped, ok := r.telegramMap[chatID]; ok && mapped != "" {
		return qualify(mapped)
	}
	if r.telegramPrefix != "" {
		return Prefix + r.telegramPrefix + chatID
	}
	return qualify(chatID)
}

func (r *Resolver) temporary() string {
	ulidMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(r.now()), ulidEntropy).String()
	ulidMu.Unlock()
	return Prefix + tmpMarker + strings.ToLower(id)
}

// qualify adds the namespace prefix unless the id already carries it.
func qualify(id string) string {
	if strings.HasPrefix(id, Prefix) {
		return id
	}
	return Prefix + id
}

// IsTemporary reports whether id was minted for an anonymous request.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, Prefix+tmpMarker)
}
