// Package wsin implements the inbound WebSocket node: a node that hosts its
// own listener so external integrations can push traffic into a flow without
// going through the device gateway. Clients speak either the two-frame
// header/payload protocol ("uso" mode) or plain text/binary frames that the
// node wraps into stream objects itself ("raw" mode).
package wsin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// TypeTag is the registry type tag of the inbound WebSocket node
const TypeTag = "websocket_in"

// Framing modes
const (
	// ModeUSO expects the two-frame header/payload protocol
	ModeUSO = "uso"
	// ModeRaw wraps bare text/binary frames into stream objects
	ModeRaw = "raw"
)

// Schema returns the config schema for the inbound WebSocket node
func Schema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"port": {
				Type:        "int",
				Description: "TCP port the listener binds",
			},
			"path": {
				Type:        "string",
				Description: "HTTP path of the WebSocket endpoint",
				Default:     "/",
			},
			"mode": {
				Type:        "string",
				Description: "Inbound framing mode",
				Default:     ModeUSO,
				Enum:        []string{ModeUSO, ModeRaw},
			},
			"enrich_context": {
				Type:        "bool",
				Description: "Add local time context entries to inbound headers",
				Default:     true,
			},
			"sample_rate": {
				Type:        "int",
				Description: "Audio format assumed for raw binary frames",
				Default:     16000,
			},
			"encoding": {
				Type:        "string",
				Description: "Audio encoding assumed for raw binary frames",
				Default:     "pcm_s16le",
			},
		},
		Required: []string{"port"},
	}
}

// Node hosts a WebSocket listener and publishes inbound traffic into its
// flow. It is self-sourcing: the engine hands it the publish mechanism at
// flow start and routing never calls its Process.
type Node struct {
	id   string
	deps node.Dependencies

	port   int
	path   string
	mode   string
	enrich bool
	format uso.AudioFormat

	publish node.PublishFunc

	mu      sync.Mutex
	running bool
	server  *http.Server
	clients map[*client]struct{}
	wg      sync.WaitGroup

	upgrader websocket.Upgrader
}

var _ node.SelfSourcing = (*Node)(nil)

// New creates an inbound WebSocket node
func New(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	port := node.GetInt(config, "port", 0)
	if port <= 0 || port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, port),
			"wsin.Node", "New", "config validation")
	}

	mode := node.GetString(config, "mode", ModeUSO)
	if mode != ModeUSO && mode != ModeRaw {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidConfig, mode),
			"wsin.Node", "New", "config validation")
	}

	return &Node{
		id:     id,
		deps:   deps,
		port:   port,
		path:   node.GetString(config, "path", "/"),
		mode:   mode,
		enrich: node.GetBool(config, "enrich_context", true),
		format: uso.AudioFormat{
			SampleRate: node.GetInt(config, "sample_rate", 16000),
			Channels:   1,
			Encoding:   node.GetString(config, "encoding", "pcm_s16le"),
		},
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}, nil
}

// Meta returns node metadata
func (n *Node) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: TypeTag, Description: "Inbound WebSocket listener"}
}

// SetPublisher wires the flow's publish mechanism in before Start
func (n *Node) SetPublisher(publish node.PublishFunc) {
	n.publish = publish
}

// Start binds the listener
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "wsin.Node", "Start", "state check")
	}
	if n.publish == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "wsin.Node", "Start", "publisher validation")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(n.path, func(w http.ResponseWriter, r *http.Request) {
		n.handleClient(ctx, w, r)
	})

	n.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.port),
		Handler: mux,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.deps.Log().Error("Inbound WebSocket listener failed", "node_id", n.id, "error", err)
			if n.deps.Events != nil {
				n.deps.Events.PublishHealth(node.HealthEvent{
					NodeID: n.id,
					Status: node.Unhealthy(fmt.Sprintf("listener failed: %v", err)),
				})
			}
		}
	}()

	n.running = true
	n.deps.Log().Info("Inbound WebSocket listening", "node_id", n.id, "port", n.port, "path", n.path)
	return nil
}

// handleClient upgrades and serves one client connection
func (n *Node) handleClient(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.deps.Log().Warn("Inbound WebSocket upgrade failed", "node_id", n.id, "error", err)
		return
	}

	c := &client{
		node:      n,
		conn:      conn,
		sessionID: uuid.NewString(),
	}

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		_ = conn.Close()
		return
	}
	n.clients[c] = struct{}{}
	n.mu.Unlock()

	c.sendWelcome()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		c.readLoop(ctx)
		n.mu.Lock()
		delete(n.clients, c)
		n.mu.Unlock()
	}()
}

// Process is never called for a self-sourcing node
func (n *Node) Process(_ context.Context, _ *uso.Object, _ node.PublishFunc) error {
	return nil
}

// emit enriches and publishes one inbound object
func (n *Node) emit(u *uso.Object) {
	if n.enrich {
		now := time.Now()
		uso.WithContext(map[string]string{
			"local_time": now.Format("15:04"),
			"date":       now.Format("2006-01-02"),
			"weekday":    now.Weekday().String(),
		})(u)
	}
	n.publish(u, node.DefaultPort)
}

// Stop shuts the listener down and closes every client
func (n *Node) Stop(timeout time.Duration) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	server := n.server
	clients := make([]*client, 0, len(n.clients))
	for c := range n.clients {
		clients = append(clients, c)
	}
	n.clients = make(map[*client]struct{})
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(ctx)
	}
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"wsin.Node", "Stop", "wait for clients")
	}
}

// Health reports healthy while the listener is up
func (n *Node) Health() node.HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return node.Unhealthy("not running")
	}
	return node.Healthy(fmt.Sprintf("%d client(s) connected", len(n.clients)))
}

// client is one inbound WebSocket peer
type client struct {
	node *Node
	conn *websocket.Conn

	// sessionID is the generated session for raw-mode clients; each client
	// connection is one session.
	sessionID string

	// pending is the cached header awaiting its payload in uso mode
	pending *uso.Header

	writeMu sync.Mutex
	closed  bool
}

func (c *client) sendWelcome() {
	data, _ := json.Marshal(map[string]any{
		"type":       "welcome",
		"session_id": c.sessionID,
		"timestamp":  time.Now().UnixMilli(),
	})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch c.node.mode {
		case ModeUSO:
			c.handleUSOFrame(msgType, data)
		case ModeRaw:
			c.handleRawFrame(msgType, data)
		}
	}
}

// handleUSOFrame runs the two-frame protocol for one inbound frame
func (c *client) handleUSOFrame(msgType int, data []byte) {
	switch msgType {
	case websocket.TextMessage:
		header, err := uso.UnmarshalHeader(data)
		if err != nil {
			c.node.deps.Log().Warn("Dropping malformed inbound header",
				"node_id", c.node.id, "error", err)
			return
		}
		if header.Type != uso.TypeAudio {
			c.node.emit(uso.FromFrames(header, nil, false))
			return
		}
		if header.Final {
			c.pending = nil
			c.node.emit(uso.FromFrames(header, nil, false))
			return
		}
		c.pending = header
	case websocket.BinaryMessage:
		if c.pending == nil {
			c.node.deps.Log().Warn("Dropping orphan inbound binary frame",
				"node_id", c.node.id, "size", len(data))
			return
		}
		header := c.pending
		c.node.emit(uso.FromFrames(header, data, true))
		if header.Final {
			c.pending = nil
		}
	}
}

// handleRawFrame wraps a bare frame into a stream object on the client's
// generated session: text frames become final text objects, binary frames
// become audio chunks in the configured format.
func (c *client) handleRawFrame(msgType int, data []byte) {
	switch msgType {
	case websocket.TextMessage:
		c.node.emit(uso.New(uso.TypeText, c.node.id,
			uso.WithID(c.sessionID),
			uso.WithFinal(true),
			uso.WithText(string(data)),
		))
	case websocket.BinaryMessage:
		c.node.emit(uso.New(uso.TypeAudio, c.node.id,
			uso.WithID(c.sessionID),
			uso.WithBinary(data),
			uso.WithAudioFormat(c.node.format),
		))
	}
}

func (c *client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopping")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
