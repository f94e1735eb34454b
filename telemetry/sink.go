// Package telemetry receives annotated debug and health events from the
// flow engine and fans them out to observers: local subscribers (the flow
// editor's live panels) and, when configured, NATS subjects for remote
// consumption.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DebugEvent is a flow-annotated debug record ready for display
type DebugEvent struct {
	FlowID    string         `json:"flow_id"`
	FlowName  string         `json:"flow_name,omitempty"`
	NodeID    string         `json:"node_id"`
	NodeName  string         `json:"node_name,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HealthEvent is a flow-annotated node health-status change
type HealthEvent struct {
	FlowID    string    `json:"flow_id"`
	FlowName  string    `json:"flow_name,omitempty"`
	NodeID    string    `json:"node_id"`
	NodeName  string    `json:"node_name,omitempty"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives annotated events from the engine for display
type Sink interface {
	BroadcastDebugEvent(e DebugEvent)
	BroadcastHealthStatus(e HealthEvent)
}

// Listener receives events fanned out by a Broadcaster
type Listener interface {
	OnDebugEvent(e DebugEvent)
	OnHealthStatus(e HealthEvent)
}

// Broadcaster implements Sink by fanning events out to local listeners and
// publishing them to NATS when a connection is configured. A nil NATS
// connection means local-only operation.
type Broadcaster struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewBroadcaster creates a broadcaster. nc may be nil to disable NATS
// publishing.
func NewBroadcaster(nc *nats.Conn, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{nc: nc, logger: logger}
}

// Subscribe registers a local listener for all broadcast events
func (b *Broadcaster) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// BroadcastDebugEvent fans a debug event out to listeners and NATS
func (b *Broadcaster) BroadcastDebugEvent(e DebugEvent) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l.OnDebugEvent(e)
	}

	b.publish(fmt.Sprintf("telemetry.debug.%s", e.FlowID), e)
}

// BroadcastHealthStatus fans a health event out to listeners and NATS
func (b *Broadcaster) BroadcastHealthStatus(e HealthEvent) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l.OnHealthStatus(e)
	}

	b.publish(fmt.Sprintf("telemetry.health.%s", e.FlowID), e)
}

// publish sends the event to NATS if a connection is configured. Publish
// failures are logged locally and never propagate to the pipeline.
func (b *Broadcaster) publish(subject string, event any) {
	nc := b.nc
	if nc == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal telemetry event", "error", err, "subject", subject)
		return
	}

	if err := nc.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish telemetry event", "error", err, "subject", subject)
	}
}
