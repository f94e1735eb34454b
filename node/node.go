// Package node defines the lifecycle contract shared by every pipeline stage
// and the registry that maps node type tags to factories.
//
// A node is created when its flow starts and destroyed when the flow stops;
// it never outlives its owning flow instance. Processing errors must not
// escape Process: nodes convert failures to control/error stream objects and
// emit an error event instead.
package node

import (
	"context"
	"time"

	"github.com/c360/voicestreams/uso"
)

// DefaultPort is the implicit output port used when a node publishes without
// declaring a named port, and the port matched by edges with no handle.
const DefaultPort = "default"

// PublishFunc fans a produced stream object out to the flow engine, which
// routes it along edges matching the named output port.
type PublishFunc func(u *uso.Object, port string)

// Metadata describes a node instance
type Metadata struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// HealthState is the self-reported state of a node
type HealthState string

const (
	// StateHealthy means the node is running and its connections are live
	StateHealthy HealthState = "healthy"
	// StateDegraded means the node is running but a dependency is impaired
	StateDegraded HealthState = "degraded"
	// StateError means the node cannot process
	StateError HealthState = "error"
)

// HealthStatus describes the current health of a node. The default contract
// is "healthy iff running"; nodes with inherent connectivity override it to
// reflect actual connection state.
type HealthStatus struct {
	State     HealthState `json:"state"`
	Message   string      `json:"message,omitempty"`
	LastCheck time.Time   `json:"last_check"`
}

// Healthy returns a healthy status with the given message
func Healthy(message string) HealthStatus {
	return HealthStatus{State: StateHealthy, Message: message, LastCheck: time.Now()}
}

// Degraded returns a degraded status with the given message
func Degraded(message string) HealthStatus {
	return HealthStatus{State: StateDegraded, Message: message, LastCheck: time.Now()}
}

// Unhealthy returns an error status with the given message
func Unhealthy(message string) HealthStatus {
	return HealthStatus{State: StateError, Message: message, LastCheck: time.Now()}
}

// Node is the lifecycle contract implemented by every pipeline stage.
//
//   - Start acquires resources and sets the running flag
//   - Process consumes one stream object and may publish zero or more
//     derived objects; it must never panic through to the caller
//   - Stop releases everything: timers, sockets, per-session maps
//   - Health reports the node's self-assessed state
type Node interface {
	Meta() Metadata
	Start(ctx context.Context) error
	Process(ctx context.Context, u *uso.Object, publish PublishFunc) error
	Stop(timeout time.Duration) error
	Health() HealthStatus
}

// SelfSourcing marks nodes that generate their own inbound traffic (the
// inbound WebSocket node hosts its own listener). The engine hands them the
// publish mechanism directly at flow start since routing never calls their
// Process from upstream.
type SelfSourcing interface {
	SetPublisher(publish PublishFunc)
}

// Sender sends a stream object back to a connected device. Implemented by
// the device gateway; returns false without error when the device is not
// connected so the caller decides whether that is fatal.
type Sender interface {
	SendUSO(deviceID string, u *uso.Object) bool
}
