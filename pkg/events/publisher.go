package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/storage"
)

// Subject suffixes
const (
	SubjectTurnCompleted  = "turn.completed"
	SubjectSummaryUpdated = "summary.updated"
)

// TurnCompleted describes a delivered chat turn.
type TurnCompleted struct {
	SessionID       string        `json:"session_id"`
	Model           string        `json:"model,omitempty"`
	Stream          bool          `json:"stream"`
	ContextInjected bool          `json:"context_injected"`
	UpstreamStatus  int           `json:"upstream_status"`
	Duration        time.Duration `json:"duration_ns"`
	Timestamp       time.Time     `json:"timestamp"`
}

// SummaryUpdated describes a summary tier write.
type SummaryUpdated struct {
	SessionID string    `json:"session_id"`
	Tier      string    `json:"tier"`
	UserTurn  int       `json:"user_turn,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher encodes typed events onto a Bus under a subject prefix.
// Publishing is best effort: failures are logged, never returned.
type Publisher struct {
	bus     Bus
	prefix  string
	timeout time.Duration
	log     *logging.Logger
}

// NewPublisher creates a publisher. An empty prefix defaults to "listopia".
func NewPublisher(bus Bus, prefix string, log *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = "listopia"
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Publisher{bus: bus, prefix: prefix, timeout: 5 * time.Second, log: log.Component("events")}
}

// Subject returns the fully qualified subject for suffix.
func (p *Publisher) Subject(suffix string) string {
	return p.prefix + "." + suffix
}

// TurnCompleted publishes a completed turn.
func (p *Publisher) TurnCompleted(ctx context.Context, ev TurnCompleted) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(ctx, SubjectTurnCompleted, ev)
}

// SummaryUpdated publishes a summary write.
func (p *Publisher) SummaryUpdated(ctx context.Context, ev SummaryUpdated) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(ctx, SubjectSummaryUpdated, ev)
}

// HandleStorageEvent forwards summary writes from the store.
func (p *Publisher) HandleStorageEvent(e storage.Event) {
	if e.Type != storage.EventSummaryWritten {
		return
	}
	p.SummaryUpdated(context.Background(), SummaryUpdated{
		SessionID: e.SessionID,
		Tier:      string(e.Tier),
		UserTurn:  e.UserTurn,
		Timestamp: e.Timestamp,
	})
}

func (p *Publisher) publish(ctx context.Context, suffix string, v any) {
	if p == nil || p.bus == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("encode event", "subject", suffix, "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.bus.Publish(ctx, p.Subject(suffix), data); err != nil {
		p.log.Warn("publish event", "subject", p.Subject(suffix), "error", err.Error())
	}
}

var _ storage.Observer = (*Publisher)(nil)
