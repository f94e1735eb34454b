// Package device implements the flow-side endpoints of the device gateway:
// an input node that admits device traffic into a flow and an output node
// that sends stream objects back to connected devices.
package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// InputTypeTag is the registry type tag of the device input node
const InputTypeTag = "device_in"

// InputSchema returns the config schema for the device input node
func InputSchema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"device_id": {
				Type:        "string",
				Description: "Only admit traffic from this device (empty = any device)",
			},
			"accept_types": {
				Type:        "string",
				Description: "Comma-separated stream types to admit",
				Default:     "audio,text,control",
			},
		},
	}
}

// Input is the entry node that filters device traffic into a flow. It
// tracks active sessions so the flow editor can show live session counts.
type Input struct {
	id       string
	deps     node.Dependencies
	deviceID string
	accept   map[uso.Type]bool

	running bool

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewInput creates a device input node
func NewInput(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	accept := make(map[uso.Type]bool)
	for _, t := range strings.Split(node.GetString(config, "accept_types", "audio,text,control"), ",") {
		accept[uso.Type(strings.TrimSpace(t))] = true
	}

	return &Input{
		id:       id,
		deps:     deps,
		deviceID: node.GetString(config, "device_id", ""),
		accept:   accept,
		sessions: make(map[string]time.Time),
	}, nil
}

// Meta returns node metadata
func (n *Input) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: InputTypeTag, Description: "Device traffic entry point"}
}

// Start marks the node running
func (n *Input) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = true
	return nil
}

// Process admits matching device traffic and forwards it downstream. A final
// frame removes the session from the active set.
func (n *Input) Process(_ context.Context, u *uso.Object, publish node.PublishFunc) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}

	if !n.accept[u.Header.Type] {
		n.mu.Unlock()
		return nil
	}
	if n.deviceID != "" && (u.Header.Device == nil || u.Header.Device.DeviceID != n.deviceID) {
		n.mu.Unlock()
		return nil
	}

	if u.Header.Final {
		delete(n.sessions, u.Header.ID)
	} else {
		n.sessions[u.Header.ID] = time.Now()
	}
	n.mu.Unlock()

	publish(u, node.DefaultPort)
	return nil
}

// Stop clears the active session set
func (n *Input) Stop(_ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	n.sessions = make(map[string]time.Time)
	return nil
}

// Health reports healthy while running, with the active session count
func (n *Input) Health() node.HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return node.Unhealthy("not running")
	}
	if len(n.sessions) > 0 {
		return node.Healthy("active sessions")
	}
	return node.Healthy("running")
}

// ActiveSessions returns the number of currently tracked sessions
func (n *Input) ActiveSessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}
