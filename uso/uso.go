// Package uso defines the Universal Stream Object, the only message shape
// exchanged between devices, pipeline nodes, and external integrations.
//
// A USO is a header plus a payload. The header is serialized as a JSON text
// frame; the payload always travels as a separate second frame on the same
// connection (binary for audio, text otherwise). All frames belonging to one
// logical stream share the header ID; the last frame carries Final=true.
package uso

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the payload of a stream object
type Type string

const (
	// TypeAudio marks binary audio payloads described by the header's AudioFormat
	TypeAudio Type = "audio"
	// TypeText marks UTF-8 text payloads
	TypeText Type = "text"
	// TypeControl marks control messages carried in the header's Control block
	TypeControl Type = "control"
)

// Valid reports whether t is one of the known stream types
func (t Type) Valid() bool {
	return t == TypeAudio || t == TypeText || t == TypeControl
}

// SpeakerInfo carries optional speaker attribution for transcribed audio
type SpeakerInfo struct {
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// DeviceInfo identifies the device and connection a stream originated from
type DeviceInfo struct {
	DeviceID     string `json:"device_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// Control carries the payload of a control stream object
type Control struct {
	Action    string `json:"action"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// AudioFormat describes the binary payload of an audio stream object
type AudioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	BitDepth   int    `json:"bit_depth,omitempty"`
	BigEndian  bool   `json:"big_endian,omitempty"`
}

// Header is the framing metadata of a stream object. ID is the session
// correlation id, stable across every frame of one logical stream.
type Header struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	SourceID  string `json:"source_id"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	Final     bool   `json:"final"`

	Speaker *SpeakerInfo      `json:"speaker,omitempty"`
	Device  *DeviceInfo       `json:"device,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	Control *Control          `json:"control,omitempty"`
	Audio   *AudioFormat      `json:"audio,omitempty"`
}

// Validate checks the required header fields. Headers received from untrusted
// connections must pass validation before being handed to any node.
func (h *Header) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("header missing id")
	}
	if !h.Type.Valid() {
		return fmt.Errorf("header has unknown type %q", h.Type)
	}
	if h.SourceID == "" {
		return fmt.Errorf("header missing source_id")
	}
	if h.Timestamp <= 0 {
		return fmt.Errorf("header has invalid timestamp %d", h.Timestamp)
	}
	return nil
}

// SessionID returns the session correlation id of the stream
func (h *Header) SessionID() string {
	return h.ID
}

// Object is one frame pair of a logical stream: header plus payload.
// Exactly one of Text or Binary is meaningful; Binary is only interpreted
// together with the header's AudioFormat.
type Object struct {
	Header Header
	Text   string
	Binary []byte
}

// Option mutates a freshly created Object. Options run after the defaults are
// filled, so they may overwrite the generated id or timestamp.
type Option func(*Object)

// WithID sets the session id, keeping a session thread intact when deriving
// an output stream from an input stream.
func WithID(id string) Option {
	return func(o *Object) { o.Header.ID = id }
}

// WithFinal marks the object as the last frame of its stream
func WithFinal(final bool) Option {
	return func(o *Object) { o.Header.Final = final }
}

// WithText sets a text payload
func WithText(text string) Option {
	return func(o *Object) { o.Text = text }
}

// WithBinary sets a binary payload
func WithBinary(data []byte) Option {
	return func(o *Object) { o.Binary = data }
}

// WithAudioFormat attaches audio metadata to the header
func WithAudioFormat(f AudioFormat) Option {
	return func(o *Object) { o.Header.Audio = &f }
}

// WithDevice attaches device/connection info to the header
func WithDevice(d DeviceInfo) Option {
	return func(o *Object) { o.Header.Device = &d }
}

// WithSpeaker attaches speaker attribution to the header
func WithSpeaker(s SpeakerInfo) Option {
	return func(o *Object) { o.Header.Speaker = &s }
}

// WithContext merges entries into the header context map. Existing keys are
// never overwritten, so client-supplied context wins over enrichment.
func WithContext(ctx map[string]string) Option {
	return func(o *Object) {
		if len(ctx) == 0 {
			return
		}
		if o.Header.Context == nil {
			o.Header.Context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			if _, exists := o.Header.Context[k]; !exists {
				o.Header.Context[k] = v
			}
		}
	}
}

// WithControl attaches a control payload to the header
func WithControl(c Control) Option {
	return func(o *Object) { o.Header.Control = &c }
}

// New creates a stream object with a generated session id, the current
// timestamp, and Final=false, then applies the given options.
func New(t Type, sourceID string, opts ...Option) *Object {
	o := &Object{
		Header: Header{
			ID:        uuid.NewString(),
			Type:      t,
			SourceID:  sourceID,
			Timestamp: time.Now().UnixMilli(),
			Final:     false,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewError creates the control stream object every node uses to signal a
// processing failure downstream without tearing the pipeline down. The
// object is final and addressed to the failed session.
func NewError(sourceID, sessionID, message, code string) *Object {
	return New(TypeControl, sourceID,
		WithID(sessionID),
		WithFinal(true),
		WithControl(Control{
			Action:    "error",
			Message:   message,
			ErrorCode: code,
		}),
	)
}

// HasPayload reports whether the object carries a non-empty payload frame
func (o *Object) HasPayload() bool {
	return len(o.Binary) > 0 || o.Text != ""
}

// PayloadSize returns the size of the payload in bytes
func (o *Object) PayloadSize() int {
	if len(o.Binary) > 0 {
		return len(o.Binary)
	}
	return len(o.Text)
}
