// Package events implements the fabric's typed event-emitter: each core
// publishes named events (§6.1) and external subscribers register typed
// handlers rather than reading off a raw channel, per the "event-emitter
// observer pattern" redesign note — handlers run on the emitter's own
// goroutine, so long work must be offloaded by the subscriber.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event's shape, matching the catalogue in §6.1.
type Kind string

const (
	ServiceRegistered       Kind = "service-registered"
	ServiceDeregistered     Kind = "service-deregistered"
	ServiceStatusChanged    Kind = "service-status-changed"
	HeartbeatReceived       Kind = "heartbeat-received"
	MessageSent             Kind = "message-sent"
	MessageQueued           Kind = "message-queued"
	MessageAcknowledged     Kind = "message-acknowledged"
	MessageNacked           Kind = "message-nacked"
	MessageRejected         Kind = "message-rejected"
	MessageRetried          Kind = "message-retried"
	MessageDeadLettered     Kind = "message-dead-lettered"
	MessageExpired          Kind = "message-expired"
	EventPublished          Kind = "event-published"
	ConsumerGroupRebalanced Kind = "consumer-group-rebalanced"
	SnapshotCreated         Kind = "snapshot-created"
	TraceCompleted          Kind = "trace-completed"
	MetricsRecorded         Kind = "metrics-recorded"
	MetricsUpdated          Kind = "metrics-updated"
)

// Event is one emitted occurrence: a Kind plus a free-form, well-known-keys
// payload map (per-Kind keys are documented alongside each Emit call site).
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   map[string]any
}

// Handler receives events synchronously on the emitter's goroutine.
type Handler func(Event)

// Token identifies a subscription for later Unsubscribe.
type Token string

type subscription struct {
	token   Token
	kind    Kind
	handler Handler
}

// Emitter is a thread-safe, in-process typed pub/sub hub. One Emitter is
// shared by all components of a composed fabric (registry, mesh, broker,
// streaming) so a single subscriber can observe the whole system.
type Emitter struct {
	mu   sync.RWMutex
	subs map[Kind][]subscription
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[Kind][]subscription)}
}

// Subscribe registers handler to run for every event of the given kind,
// returning a token usable with Unsubscribe.
func (e *Emitter) Subscribe(kind Kind, handler Handler) Token {
	e.mu.Lock()
	defer e.mu.Unlock()

	token := Token(uuid.NewString())
	e.subs[kind] = append(e.subs[kind], subscription{token: token, kind: kind, handler: handler})
	return token
}

// Unsubscribe removes a subscription previously returned by Subscribe. It is
// a no-op if the token is unknown.
func (e *Emitter) Unsubscribe(token Token) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for kind, subs := range e.subs {
		for i, s := range subs {
			if s.token == token {
				e.subs[kind] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit synchronously invokes every handler subscribed to kind. The
// event's Timestamp is always the current time; a payload["timestamp"]
// entry stays in Payload and does not set it.
func (e *Emitter) Emit(kind Kind, payload map[string]any) {
	e.mu.RLock()
	subs := append([]subscription(nil), e.subs[kind]...)
	e.mu.RUnlock()

	evt := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
	for _, s := range subs {
		s.handler(evt)
	}
}

// SubscriberCount returns the number of handlers registered for kind.
func (e *Emitter) SubscriberCount(kind Kind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[kind])
}
