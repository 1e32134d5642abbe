// Package events provides the in-process pub/sub bus used by the quota
// manager, the debate orchestrator and the session health monitor. Each
// subscriber owns a buffered channel; slow subscribers drop events rather
// than block publishers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event carried on the bus.
type EventType string

const (
	// Quota events
	EventQuotaRequest       EventType = "quota.request"
	EventQuotaThrottled     EventType = "quota.throttled"
	EventQuotaUnthrottled   EventType = "quota.unthrottled"
	EventQuotaAlert         EventType = "quota.alert"
	EventQuotaConfigChanged EventType = "quota.config.changed"

	// Debate events
	EventDebateStarted        EventType = "debate.started"
	EventDebateRoundCompleted EventType = "debate.round.completed"
	EventDebateCompleted      EventType = "debate.completed"
	EventDebateFailed         EventType = "debate.failed"

	// Session health events
	EventSessionUpdate EventType = "session.update"
	EventSessionError  EventType = "session.error"
)

// Event is a single bus message. Payload is event-type specific.
type Event struct {
	ID        string
	Type      EventType
	Source    string
	Payload   interface{}
	Timestamp time.Time
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType EventType, source string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Subscription is a live attachment to the bus. Close detaches it and
// closes the channel.
type Subscription struct {
	id     string
	ch     chan *Event
	types  map[EventType]bool // empty means all types
	bus    *Bus
	closed bool
	mu     sync.Mutex
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

func (s *Subscription) trySend(e *Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- e:
		return true
	case <-timer.C:
		return false
	}
}

// BusConfig holds configuration for the event bus.
type BusConfig struct {
	BufferSize     int           // Buffer size for subscriber channels
	PublishTimeout time.Duration // How long Publish waits on a full channel
}

// DefaultBusConfig returns default bus configuration.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		BufferSize:     256,
		PublishTimeout: 10 * time.Millisecond,
	}
}

// BusMetrics tracks delivery statistics.
type BusMetrics struct {
	EventsPublished int64
	EventsDelivered int64
	EventsDropped   int64
}

// Bus is the in-process event bus.
type Bus struct {
	subs    []*Subscription
	mu      sync.RWMutex
	config  *BusConfig
	metrics BusMetrics
	closed  bool
}

// NewBus creates a bus with the given config (nil uses defaults).
func NewBus(config *BusConfig) *Bus {
	if config == nil {
		config = DefaultBusConfig()
	}
	return &Bus{config: config}
}

// Subscribe attaches a subscriber for the given event types. With no types
// the subscription receives every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		ch:    make(chan *Event, b.config.BufferSize),
		types: make(map[EventType]bool, len(types)),
		bus:   b,
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every matching subscriber. Each subscriber
// receives its own copy of the pointer; events are treated as immutable.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	atomic.AddInt64(&b.metrics.EventsPublished, 1)
	for _, sub := range subs {
		if !sub.wants(event.Type) {
			continue
		}
		if sub.trySend(event, b.config.PublishTimeout) {
			atomic.AddInt64(&b.metrics.EventsDelivered, 1)
		} else {
			atomic.AddInt64(&b.metrics.EventsDropped, 1)
		}
	}
}

// Emit is shorthand for Publish(NewEvent(...)).
func (b *Bus) Emit(eventType EventType, source string, payload interface{}) {
	b.Publish(NewEvent(eventType, source, payload))
}

// Metrics returns a snapshot of delivery statistics.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		EventsPublished: atomic.LoadInt64(&b.metrics.EventsPublished),
		EventsDelivered: atomic.LoadInt64(&b.metrics.EventsDelivered),
		EventsDropped:   atomic.LoadInt64(&b.metrics.EventsDropped),
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}
