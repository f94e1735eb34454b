// Package wsout implements the outbound WebSocket node: a client connection
// to an external integration that receives the flow's stream objects. The
// connection is opened lazily on first use and re-dialed with exponential
// backoff; after the reconnect budget is exhausted the node reports an error
// health state and drops traffic until the flow restarts it.
package wsout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/pkg/retry"
	"github.com/c360/voicestreams/uso"
)

// TypeTag is the registry type tag of the outbound WebSocket node
const TypeTag = "websocket_out"

// Payload encodings supported by the node
const (
	// EncodingUSO sends the two-frame header/payload protocol
	EncodingUSO = "uso"
	// EncodingJSON sends the whole object as one JSON text frame
	EncodingJSON = "json"
	// EncodingPayload sends only the payload frame
	EncodingPayload = "payload"
	// EncodingContent sends only text payloads, dropping everything else
	EncodingContent = "content"
)

// Schema returns the config schema for the outbound WebSocket node
func Schema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"url": {
				Type:        "string",
				Description: "WebSocket URL of the external endpoint",
			},
			"encoding": {
				Type:        "string",
				Description: "How stream objects are encoded on the wire",
				Default:     EncodingUSO,
				Enum:        []string{EncodingUSO, EncodingJSON, EncodingPayload, EncodingContent},
			},
			"dial_timeout_seconds": {
				Type:        "int",
				Description: "Timeout for one connection attempt",
				Default:     10,
			},
		},
		Required: []string{"url"},
	}
}

// Node forwards stream objects to an external WebSocket endpoint
type Node struct {
	id   string
	deps node.Dependencies

	url         string
	encoding    string
	dialTimeout time.Duration
	retryCfg    retry.Config

	mu          sync.Mutex
	running     bool
	conn        *websocket.Conn
	dialing     bool
	failures    int
	nextAttempt time.Time
	exhausted   bool
}

// New creates an outbound WebSocket node
func New(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	url := node.GetString(config, "url", "")
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: url is required", errors.ErrInvalidConfig),
			"wsout.Node", "New", "config validation")
	}

	encoding := node.GetString(config, "encoding", EncodingUSO)
	switch encoding {
	case EncodingUSO, EncodingJSON, EncodingPayload, EncodingContent:
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown encoding %q", errors.ErrInvalidConfig, encoding),
			"wsout.Node", "New", "config validation")
	}

	return &Node{
		id:          id,
		deps:        deps,
		url:         url,
		encoding:    encoding,
		dialTimeout: time.Duration(node.GetInt(config, "dial_timeout_seconds", 10)) * time.Second,
		retryCfg:    retry.Reconnect(),
	}, nil
}

// Meta returns node metadata
func (n *Node) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: TypeTag, Description: "Outbound WebSocket integration"}
}

// Start marks the node running. The connection is dialed lazily so a flow
// can start while the external endpoint is down.
func (n *Node) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "wsout.Node", "Start", "state check")
	}
	n.running = true
	n.failures = 0
	n.exhausted = false
	return nil
}

// Process encodes and sends one stream object. Connection failures follow
// the reconnect backoff schedule; while disconnected or exhausted the
// object is dropped with a transient error.
func (n *Node) Process(ctx context.Context, u *uso.Object, _ node.PublishFunc) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}

	if n.conn == nil {
		if err := n.gateDial(); err != nil {
			n.mu.Unlock()
			return err
		}

		// Dial without the lock so Health and Stop stay responsive
		n.mu.Unlock()
		dialCtx, cancel := context.WithTimeout(ctx, n.dialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, n.url, http.Header{})
		cancel()

		n.mu.Lock()
		n.dialing = false
		if err != nil {
			n.recordDialFailure()
			n.mu.Unlock()
			return errors.WrapTransient(err, "wsout.Node", "Process", "endpoint dial")
		}
		if !n.running {
			n.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		n.conn = conn
		n.failures = 0
		n.nextAttempt = time.Time{}
		n.publishHealth(node.Healthy("connected"))
		n.deps.Log().Info("Outbound WebSocket connected", "node_id", n.id)
	}

	if err := n.write(u); err != nil {
		n.disconnect(fmt.Sprintf("write failed: %v", err))
		n.mu.Unlock()
		return errors.WrapTransient(err, "wsout.Node", "Process", "frame write")
	}
	n.mu.Unlock()
	return nil
}

// gateDial decides whether a connection attempt may start now, honoring the
// backoff schedule and any attempt already in flight. Caller holds n.mu; on
// success the dialing flag is set.
func (n *Node) gateDial() error {
	if n.dialing {
		return errors.WrapTransient(
			fmt.Errorf("connection attempt in progress"),
			"wsout.Node", "gateDial", "dial state")
	}

	if n.exhausted {
		return errors.WrapTransient(
			fmt.Errorf("%w: reconnect budget exhausted after %d attempts",
				errors.ErrMaxRetriesExceeded, n.retryCfg.MaxAttempts),
			"wsout.Node", "gateDial", "connection state")
	}

	if now := time.Now(); now.Before(n.nextAttempt) {
		return errors.WrapTransient(
			fmt.Errorf("waiting %v before next connection attempt", time.Until(n.nextAttempt).Round(time.Millisecond)),
			"wsout.Node", "gateDial", "backoff")
	}

	n.dialing = true
	return nil
}

// recordDialFailure advances the backoff schedule. Caller holds n.mu.
func (n *Node) recordDialFailure() {
	n.failures++
	if n.failures >= n.retryCfg.MaxAttempts {
		n.exhausted = true
		n.publishHealth(node.Unhealthy(
			fmt.Sprintf("connection failed after %d attempts", n.failures)))
		return
	}
	n.nextAttempt = time.Now().Add(n.retryCfg.NextDelay(n.failures))
	n.publishHealth(node.Degraded(
		fmt.Sprintf("connection attempt %d failed, retrying", n.failures)))
}

// write sends one object using the configured encoding. Caller holds n.mu.
func (n *Node) write(u *uso.Object) error {
	switch n.encoding {
	case EncodingUSO:
		header, payload, binary, err := u.Frames()
		if err != nil {
			return err
		}
		if err := n.conn.WriteMessage(websocket.TextMessage, header); err != nil {
			return err
		}
		if len(payload) == 0 {
			return nil
		}
		frameType := websocket.TextMessage
		if binary {
			frameType = websocket.BinaryMessage
		}
		return n.conn.WriteMessage(frameType, payload)

	case EncodingJSON:
		data, err := u.MarshalJSON()
		if err != nil {
			return err
		}
		return n.conn.WriteMessage(websocket.TextMessage, data)

	case EncodingPayload:
		if len(u.Binary) > 0 {
			return n.conn.WriteMessage(websocket.BinaryMessage, u.Binary)
		}
		if u.Text != "" {
			return n.conn.WriteMessage(websocket.TextMessage, []byte(u.Text))
		}
		return nil

	case EncodingContent:
		if u.Text == "" {
			return nil
		}
		return n.conn.WriteMessage(websocket.TextMessage, []byte(u.Text))
	}
	return nil
}

// disconnect drops the connection and arms the first backoff step. Caller
// holds n.mu.
func (n *Node) disconnect(reason string) {
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.failures = 1
	n.nextAttempt = time.Now().Add(n.retryCfg.NextDelay(n.failures))
	n.publishHealth(node.Degraded(reason))
}

func (n *Node) publishHealth(status node.HealthStatus) {
	if n.deps.Events == nil {
		return
	}
	n.deps.Events.PublishHealth(node.HealthEvent{NodeID: n.id, Status: status})
}

// Stop closes the connection
func (n *Node) Stop(_ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.running = false
	if n.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "node stopping")
		_ = n.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = n.conn.Close()
		n.conn = nil
	}
	return nil
}

// Health reflects the connection state
func (n *Node) Health() node.HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return node.Unhealthy("not running")
	}
	if n.conn != nil {
		return node.Healthy("connected")
	}
	if n.dialing {
		return node.Degraded("connecting")
	}
	if n.exhausted {
		return node.Unhealthy("disconnected, reconnect budget exhausted")
	}
	return node.Degraded("disconnected, reconnect pending")
}
