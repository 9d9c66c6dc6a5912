// Package bus provides a pluggable publish/subscribe transport used to fan
// events out to consumers outside the core process (chat-platform bridges).
// It is a second sink alongside the in-process live-subscriber fan-out in
// internal/events/pipeline.go, not a replacement for the journal.
package bus

import (
	"context"
	"time"
)

// Message is a transport-level envelope. It is distinct from events.Event
// (the domain event shape in internal/events): Message is what crosses the
// wire to an external fan-out backend, carrying the domain event marshaled
// into Data.
type Message struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler processes one delivered Message.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a live registration that can be torn down.
type Subscription interface {
	Unsubscribe() error
	Active() bool
}

// Bus abstracts the transport so relay can run with a zero-dependency
// in-process implementation or a NATS-backed one interchangeably.
type Bus interface {
	Publish(ctx context.Context, subject string, msg *Message) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	Connected() bool
}

// SessionSubject returns the canonical subject for a session's event stream,
// using NATS-style dot-tokens so wildcard subscriptions (relay.session.*) work
// identically on both the in-memory and NATS implementations.
func SessionSubject(sessionID string) string {
	return "relay.session." + sessionID
}
