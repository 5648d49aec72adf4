// Package events publishes gateway lifecycle events on a message bus.
// NATS is used when a server URL is configured; otherwise events stay
// in-process.
package events

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// Bus is a minimal publish/subscribe transport. Implementations must be
// safe for concurrent use.
type Bus interface {
	// Publish sends data to every subscriber of subject without waiting
	// for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. "*" matches one token and
	// ">" matches the rest.
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	Close() error
}

// Handler processes one message.
type Handler func(msg *Message)

// Message is a delivered event.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config selects and tunes the bus.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-memory bus.
	URL     string
	Name    string
	Timeout time.Duration
}
