// Package debuglog implements a terminal node that records every stream
// object it receives as a debug event. It is the standard tap for inspecting
// flows from the editor's live panel.
package debuglog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// TypeTag is the registry type tag of the debug log node
const TypeTag = "debug_log"

// Schema returns the config schema for the debug log node
func Schema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"log_payload": {
				Type:        "bool",
				Description: "Include text payloads in the debug event",
				Default:     true,
			},
			"max_text_length": {
				Type:        "int",
				Description: "Truncate logged text payloads to this length",
				Default:     200,
			},
		},
	}
}

// Node logs every received stream object as a debug event
type Node struct {
	id         string
	deps       node.Dependencies
	logPayload bool
	maxText    int

	running atomic.Bool
	count   atomic.Int64
}

// New creates a debug log node
func New(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	return &Node{
		id:         id,
		deps:       deps,
		logPayload: node.GetBool(config, "log_payload", true),
		maxText:    node.GetInt(config, "max_text_length", 200),
	}, nil
}

// Meta returns node metadata
func (n *Node) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: TypeTag, Description: "Debug event tap"}
}

// Start marks the node running
func (n *Node) Start(_ context.Context) error {
	n.running.Store(true)
	return nil
}

// Process emits one debug event per stream object. The node is terminal and
// never publishes.
func (n *Node) Process(_ context.Context, u *uso.Object, _ node.PublishFunc) error {
	if !n.running.Load() {
		return nil
	}

	n.count.Add(1)

	fields := map[string]any{
		"type":         string(u.Header.Type),
		"source_id":    u.Header.SourceID,
		"final":        u.Header.Final,
		"payload_size": u.PayloadSize(),
	}
	if n.logPayload && u.Text != "" {
		text := u.Text
		if n.maxText > 0 && len(text) > n.maxText {
			text = text[:n.maxText] + "..."
		}
		fields["text"] = text
	}
	if u.Header.Control != nil {
		fields["control_action"] = u.Header.Control.Action
	}

	if n.deps.Events != nil {
		n.deps.Events.PublishDebug(node.DebugEvent{
			NodeID:    n.id,
			SessionID: u.Header.ID,
			Message:   "stream object received",
			Fields:    fields,
		})
	}

	n.deps.Log().Debug("Stream object received",
		"node_id", n.id, "session_id", u.Header.ID,
		"type", u.Header.Type, "final", u.Header.Final,
		"payload_size", u.PayloadSize())
	return nil
}

// Stop marks the node stopped
func (n *Node) Stop(_ time.Duration) error {
	n.running.Store(false)
	return nil
}

// Health reports healthy while running
func (n *Node) Health() node.HealthStatus {
	if !n.running.Load() {
		return node.Unhealthy("not running")
	}
	return node.Healthy("running")
}
