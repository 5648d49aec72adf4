package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process Bus. Delivery is asynchronous and lossy when
// a subscriber's buffer is full.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed atomic.Bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, subs := range b.subs {
		if !matchSubject(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			if sub.closed.Load() {
				continue
			}
			select {
			case sub.messages <- msg:
			default:
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		subject:  subject,
		messages: make(chan *Message, 256),
		done:     make(chan struct{}),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Close unsubscribes everything. Further publishes fail with ErrClosed.
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, list := range subs {
		for _, s := range list {
			s.stop()
		}
	}
	return nil
}

type memorySubscription struct {
	subject  string
	messages chan *Message
	done     chan struct{}
	handler  Handler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Load() {
		return nil
	}
	s.bus.mu.Lock()
	list := s.bus.subs[s.subject]
	for i, other := range list {
		if other == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.subject]) == 0 {
		delete(s.bus.subs, s.subject)
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySubscription) Subject() string { return s.subject }

func (s *memorySubscription) stop() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg := <-s.messages:
			s.handler(msg)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchSubject reports whether subject matches pattern. "*" matches one
// token; a trailing ">" matches one or more.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
		case ">":
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
		}
		pi++
		si++
	}
	return pi == len(patternParts) && si == len(subjectParts)
}
