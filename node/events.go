package node

import (
	"sync"
	"time"
)

// DebugEvent is an ad hoc record a node emits for the telemetry sink
type DebugEvent struct {
	NodeID    string         `json:"node_id"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HealthEvent records a node health-status change
type HealthEvent struct {
	NodeID    string       `json:"node_id"`
	Status    HealthStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrorEvent records a processing failure inside a node. The owning flow
// keeps running; the event exists so observers can see the failure.
type ErrorEvent struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives node side-channel events. Each event kind has its own
// method so new variants stay exhaustiveness-checkable.
type Observer interface {
	OnDebug(e DebugEvent)
	OnHealth(e HealthEvent)
	OnError(e ErrorEvent)
}

// EventBus fans node events out to registered observers. Publishing never
// blocks on node processing; observers are invoked synchronously and must
// return quickly.
type EventBus struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventBus creates an empty event bus
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers an observer for all event kinds
func (b *EventBus) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// PublishDebug delivers a debug event to all observers
func (b *EventBus) PublishDebug(e DebugEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.OnDebug(e)
	}
}

// PublishHealth delivers a health-status change to all observers
func (b *EventBus) PublishHealth(e HealthEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.OnHealth(e)
	}
}

// PublishError delivers a node error event to all observers
func (b *EventBus) PublishError(e ErrorEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.OnError(e)
	}
}
