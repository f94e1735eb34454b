// Package remote declares the collaborator interface for streaming speech
// and AI back ends (speech-to-text, text-to-speech, response generation).
// The network clients themselves live outside this runtime; nodes only
// depend on the connect/send/finalize/disconnect surface and the event
// stream a connection exposes.
package remote

import (
	"context"
)

// EventKind discriminates the events a remote connection emits
type EventKind string

const (
	// EventPartial carries an interim text result (speech-to-text)
	EventPartial EventKind = "partial"
	// EventFinal carries a confirmed final text result
	EventFinal EventKind = "final"
	// EventAudio carries a synthesized audio chunk (text-to-speech)
	EventAudio EventKind = "audio"
	// EventClosed signals the remote side closed the session stream
	EventClosed EventKind = "closed"
	// EventError signals a remote-side failure for the session
	EventError EventKind = "error"
)

// Event is one message from a remote session stream
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Audio     []byte
	Err       error
}

// Stream is the event channel of one remote session connection. The channel
// closes when the session is disconnected.
type Stream interface {
	Events() <-chan Event
}

// TestResult reports the outcome of a connectivity probe
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Service is a remote speech or AI back end. One Connect per session id;
// Send/Finalize/Disconnect address the session opened earlier.
type Service interface {
	Connect(ctx context.Context, sessionID string, config map[string]any) (Stream, error)
	Send(sessionID string, data []byte) error
	Finalize(sessionID string) error
	Disconnect(sessionID string) error
	TestConnection(ctx context.Context, url string) TestResult
}
