package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/uso"
)

// Connection is one authenticated device socket. Writes are serialized with
// writeMu so the header frame and payload frame of a USO are never
// interleaved with another send.
type Connection struct {
	ID          string
	DeviceID    string
	ConnectedAt time.Time

	conn    *websocket.Conn
	gateway *Gateway

	writeMu sync.Mutex

	// alive is set by the pong handler and cleared by the heartbeat loop.
	// A connection that is still false when the next ping fires is dead.
	alive atomic.Bool

	// pending is the cached header of the two-frame protocol, waiting for
	// its payload frame. Only touched from the read loop.
	pending *uso.Header

	closed atomic.Bool
}

func newConnection(id, deviceID string, conn *websocket.Conn, g *Gateway) *Connection {
	c := &Connection{
		ID:          id,
		DeviceID:    deviceID,
		ConnectedAt: time.Now(),
		conn:        conn,
		gateway:     g,
	}
	c.alive.Store(true)

	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	return c
}

// readLoop consumes frames until the socket closes or the context is
// cancelled. Returns when the connection is done; the caller deregisters.
func (c *Connection) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gateway.logger.Warn("Device connection read error",
					"device_id", c.DeviceID, "connection_id", c.ID, "error", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleHeaderFrame(ctx, data)
		case websocket.BinaryMessage:
			c.handlePayloadFrame(ctx, data)
		}
	}
}

// handleHeaderFrame parses a text frame as a USO header and caches it. A
// non-audio or already-final header needs no binary frame and is dispatched
// immediately with the empty payload.
func (c *Connection) handleHeaderFrame(ctx context.Context, data []byte) {
	header, err := uso.UnmarshalHeader(data)
	if err != nil {
		// Protocol error: log and drop, the connection stays usable.
		c.gateway.logger.Warn("Dropping malformed header frame",
			"device_id", c.DeviceID, "connection_id", c.ID, "error", err)
		if c.gateway.metrics != nil {
			c.gateway.metrics.framesDropped.Inc()
		}
		return
	}

	c.annotate(header)

	if c.gateway.metrics != nil {
		c.gateway.metrics.framesReceived.WithLabelValues("header").Inc()
	}

	// Text and control objects carry everything in the header. Dispatch
	// without disturbing a cached audio header so devices can interleave
	// control messages mid-stream.
	if header.Type != uso.TypeAudio {
		c.dispatch(ctx, uso.FromFrames(header, nil, false))
		return
	}

	if header.Final {
		c.pending = nil
		c.dispatch(ctx, uso.FromFrames(header, nil, false))
		return
	}

	c.pending = header
}

// handlePayloadFrame completes the cached header with binary data. A binary
// frame with no pending header is an orphan and is dropped. A non-final
// header stays cached so a device can stream many audio chunks under one
// header.
func (c *Connection) handlePayloadFrame(ctx context.Context, data []byte) {
	if c.pending == nil {
		c.gateway.logger.Warn("Dropping orphan binary frame",
			"device_id", c.DeviceID, "connection_id", c.ID, "size", len(data),
			"error", errors.ErrNoPendingHeader)
		if c.gateway.metrics != nil {
			c.gateway.metrics.framesDropped.Inc()
		}
		return
	}

	if c.gateway.metrics != nil {
		c.gateway.metrics.framesReceived.WithLabelValues("payload").Inc()
	}

	header := c.pending
	c.dispatch(ctx, uso.FromFrames(header, data, true))

	if header.Final {
		c.pending = nil
	}
}

// annotate stamps device identity onto an inbound header so downstream
// nodes can filter by device.
func (c *Connection) annotate(h *uso.Header) {
	if h.Device == nil {
		h.Device = &uso.DeviceInfo{}
	}
	if h.Device.DeviceID == "" {
		h.Device.DeviceID = c.DeviceID
	}
	h.Device.ConnectionID = c.ID
}

// dispatch hands the assembled object to the flow engine. A dispatch error
// is reported back to the device as an error stream object on the same
// session; it never tears the connection down.
func (c *Connection) dispatch(ctx context.Context, u *uso.Object) {
	defer func() {
		if r := recover(); r != nil {
			c.gateway.logger.Error("Panic dispatching device stream object",
				"device_id", c.DeviceID, "session_id", u.Header.ID, "panic", r)
			if c.gateway.metrics != nil {
				c.gateway.metrics.dispatchErrors.Inc()
			}
			errObj := uso.NewError("gateway", u.Header.ID, "internal processing error", "DISPATCH_PANIC")
			_ = c.sendUSO(errObj)
		}
	}()

	c.gateway.dispatcher.DispatchFromDevice(ctx, u)
}

// sendUSO writes the two frames of a stream object to the device
func (c *Connection) sendUSO(u *uso.Object) error {
	headerFrame, payloadFrame, payloadBinary, err := u.Frames()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, headerFrame); err != nil {
		return err
	}

	if len(payloadFrame) == 0 {
		return nil
	}

	frameType := websocket.TextMessage
	if payloadBinary {
		frameType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(frameType, payloadFrame)
}

// sendWelcome writes the registration acknowledgement
func (c *Connection) sendWelcome() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, marshalWelcome(c.ID)); err != nil {
		c.gateway.logger.Warn("Failed to send welcome message",
			"device_id", c.DeviceID, "error", err)
	}
}

// ping sends a heartbeat ping; write errors surface on the read loop
func (c *Connection) ping() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Connection) close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
