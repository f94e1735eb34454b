// Package wsremote implements remote.Service over WebSocket using the
// two-frame header/payload protocol. Speech back ends (recognizer,
// synthesizer) expose one endpoint; each pipeline session gets its own
// connection so back ends can track utterance state per socket.
package wsremote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/pkg/retry"
	"github.com/c360/voicestreams/remote"
	"github.com/c360/voicestreams/uso"
)

// Client connects pipeline sessions to one remote speech endpoint
type Client struct {
	url         string
	sendType    uso.Type
	dialTimeout time.Duration
	retryCfg    retry.Config
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*wsSession
}

var _ remote.Service = (*Client)(nil)

// NewSpeechClient creates a client for a speech-to-text back end: Send
// carries audio chunks.
func NewSpeechClient(url string, logger *slog.Logger) *Client {
	return newClient(url, uso.TypeAudio, logger)
}

// NewSynthClient creates a client for a text-to-speech back end: Send
// carries the text to synthesize.
func NewSynthClient(url string, logger *slog.Logger) *Client {
	return newClient(url, uso.TypeText, logger)
}

func newClient(url string, sendType uso.Type, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         url,
		sendType:    sendType,
		dialTimeout: 10 * time.Second,
		retryCfg:    errors.DefaultRetryConfig().ToRetryConfig(),
		logger:      logger,
		sessions:    make(map[string]*wsSession),
	}
}

// Connect opens a session connection to the back end and starts the event
// stream. Connecting an already-open session returns the existing stream.
// Transient handshake failures are retried with backoff; a handshake the
// endpoint actively refused is not.
func (c *Client) Connect(ctx context.Context, sessionID string, config map[string]any) (remote.Stream, error) {
	c.mu.Lock()
	if s, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	// Dial outside the lock so other sessions keep sending while this one
	// connects
	conn, err := retry.DoWithResult(dialCtx, c.retryCfg, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, http.Header{})
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// The endpoint answered and refused; repeating the same
				// handshake cannot succeed
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "wsremote.Client", "Connect", "endpoint dial")
	}

	s := &wsSession{
		id:     sessionID,
		client: c,
		conn:   conn,
		events: make(chan remote.Event, 32),
	}

	c.mu.Lock()
	if existing, raced := c.sessions[sessionID]; raced {
		c.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.sessions[sessionID] = s
	c.mu.Unlock()

	// Session parameters (language, voice) travel as context entries on the
	// opening control object.
	opts := []uso.Option{uso.WithID(sessionID), uso.WithControl(uso.Control{Action: "start"})}
	if len(config) > 0 {
		strCfg := make(map[string]string, len(config))
		for k, v := range config {
			strCfg[k] = fmt.Sprintf("%v", v)
		}
		opts = append(opts, uso.WithContext(strCfg))
	}
	if err := s.write(uso.New(uso.TypeControl, "wsremote", opts...)); err != nil {
		c.drop(sessionID)
		_ = conn.Close()
		return nil, errors.WrapTransient(err, "wsremote.Client", "Connect", "session open")
	}

	go s.readLoop()
	return s, nil
}

// Send forwards one data chunk on the session: audio bytes for recognizer
// clients, UTF-8 text for synthesizer clients.
func (c *Client) Send(sessionID string, data []byte) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}

	var obj *uso.Object
	if c.sendType == uso.TypeAudio {
		obj = uso.New(uso.TypeAudio, "wsremote", uso.WithID(sessionID), uso.WithBinary(data))
	} else {
		obj = uso.New(uso.TypeText, "wsremote", uso.WithID(sessionID), uso.WithText(string(data)))
	}

	if err := s.write(obj); err != nil {
		return errors.WrapTransient(err, "wsremote.Client", "Send", "frame write")
	}
	return nil
}

// Finalize tells the back end the session input is complete
func (c *Client) Finalize(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}

	obj := uso.New(c.sendType, "wsremote", uso.WithID(sessionID), uso.WithFinal(true))
	if err := s.write(obj); err != nil {
		return errors.WrapTransient(err, "wsremote.Client", "Finalize", "frame write")
	}
	return nil
}

// Disconnect closes the session connection; unknown sessions are a no-op
func (c *Client) Disconnect(sessionID string) error {
	c.mu.Lock()
	s, exists := c.sessions[sessionID]
	if exists {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()

	if exists {
		s.close()
	}
	return nil
}

// TestConnection probes the endpoint with a plain dial
func (c *Client) TestConnection(ctx context.Context, url string) remote.TestResult {
	if url == "" {
		url = c.url
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, http.Header{})
	if err != nil {
		return remote.TestResult{Success: false, Message: fmt.Sprintf("dial failed: %v", err)}
	}
	_ = conn.Close()
	return remote.TestResult{Success: true, Message: "endpoint reachable"}
}

func (c *Client) session(sessionID string) (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.sessions[sessionID]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrSessionNotFound, sessionID),
			"wsremote.Client", "session", "session lookup")
	}
	return s, nil
}

// drop removes a session after its read loop ended
func (c *Client) drop(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// wsSession is one session connection and its event stream
type wsSession struct {
	id     string
	client *Client
	conn   *websocket.Conn
	events chan remote.Event

	writeMu sync.Mutex
	closed  bool

	// pending caches the inbound header of the two-frame protocol
	pending *uso.Header
}

// Events returns the session event channel; it closes on disconnect
func (s *wsSession) Events() <-chan remote.Event {
	return s.events
}

// readLoop parses back-end frames into events until the socket closes
func (s *wsSession) readLoop() {
	defer func() {
		s.client.drop(s.id)
		s.emit(remote.Event{Kind: remote.EventClosed, SessionID: s.id})
		close(s.events)
	}()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.TextMessage:
			header, err := uso.UnmarshalHeader(data)
			if err != nil {
				// Payload text frame completing a pending header
				if s.pending != nil {
					s.dispatch(uso.FromFrames(s.pending, data, false))
					s.pending = nil
					continue
				}
				s.client.logger.Warn("Dropping malformed back-end frame",
					"session_id", s.id, "error", err)
				continue
			}
			if header.Type == uso.TypeControl {
				// Control travels entirely in the header
				s.dispatch(uso.FromFrames(header, nil, false))
				s.pending = nil
				continue
			}
			s.pending = header
		case websocket.BinaryMessage:
			if s.pending == nil {
				s.client.logger.Warn("Dropping orphan back-end binary frame",
					"session_id", s.id, "size", len(data),
					"error", errors.ErrNoPendingHeader)
				continue
			}
			s.dispatch(uso.FromFrames(s.pending, data, true))
			s.pending = nil
		}
	}
}

// dispatch maps one assembled object to a session event
func (s *wsSession) dispatch(u *uso.Object) {
	switch u.Header.Type {
	case uso.TypeText:
		kind := remote.EventPartial
		if u.Header.Final {
			kind = remote.EventFinal
		}
		s.emit(remote.Event{Kind: kind, SessionID: s.id, Text: u.Text})
	case uso.TypeAudio:
		if u.Header.Final && len(u.Binary) == 0 {
			// End-of-speech marker; the deferred close event follows when
			// the back end drops the socket.
			return
		}
		s.emit(remote.Event{Kind: remote.EventAudio, SessionID: s.id, Audio: u.Binary})
	case uso.TypeControl:
		if u.Header.Control != nil && u.Header.Control.Action == "error" {
			s.emit(remote.Event{
				Kind:      remote.EventError,
				SessionID: s.id,
				Err:       fmt.Errorf("back end: %s", u.Header.Control.Message),
			})
		}
	}
}

func (s *wsSession) emit(event remote.Event) {
	select {
	case s.events <- event:
	default:
		s.client.logger.Warn("Dropping back-end event, consumer too slow",
			"session_id", s.id, "kind", event.Kind)
	}
}

// write sends the two frames of an object
func (s *wsSession) write(u *uso.Object) error {
	header, payload, binary, err := u.Frames()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	frameType := websocket.TextMessage
	if binary {
		frameType = websocket.BinaryMessage
	}
	return s.conn.WriteMessage(frameType, payload)
}

func (s *wsSession) close() {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return
	}
	s.closed = true
	s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()
}
