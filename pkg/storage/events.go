package storage

import "time"

// EventType names a write the store performed.
type EventType string

const (
	EventExchangeAppended EventType = "exchange.appended"
	EventSummaryWritten   EventType = "summary.written"
)

// Event is emitted after a successful write. UserTurn is the turn the
// exchange was stored as, or the last turn a summary covers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Tier      Tier      `json:"tier,omitempty"`
	UserTurn  int       `json:"user_turn,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives store events. Calls happen off the writer's goroutine.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) HandleStorageEvent(e Event) { f(e) }

// AddObserver subscribes o to every later write.
func (s *Store) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) notify(e Event) {
	s.observerMu.RLock()
	targets := make([]Observer, len(s.observers))
	copy(targets, s.observers)
	s.observerMu.RUnlock()

	for _, o := range targets {
		go o.HandleStorageEvent(e)
	}
}
