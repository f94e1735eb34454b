package uso

import (
	"encoding/json"
	"fmt"

	"github.com/c360/voicestreams/errors"
)

// MarshalHeader serializes a header to its JSON text-frame representation
func MarshalHeader(h *Header) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	return data, nil
}

// UnmarshalHeader parses and validates a header received as a text frame.
// Unknown fields are tolerated; invalid required fields are not. Failures
// wrap errors.ErrInvalidHeader so callers can branch on the protocol error.
func UnmarshalHeader(data []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidHeader, err)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidHeader, err)
	}
	return &h, nil
}

// Frames returns the two wire frames of an object: the JSON header frame and
// the payload frame. payloadBinary reports whether the payload frame must be
// sent as a binary WebSocket message. An empty payload yields a nil payload
// frame; callers may skip sending it for non-audio objects.
func (o *Object) Frames() (header []byte, payload []byte, payloadBinary bool, err error) {
	header, err = MarshalHeader(&o.Header)
	if err != nil {
		return nil, nil, false, err
	}
	if len(o.Binary) > 0 {
		return header, o.Binary, true, nil
	}
	if o.Text != "" {
		return header, []byte(o.Text), false, nil
	}
	return header, nil, false, nil
}

// FromFrames assembles an object from a validated header and its payload
// frame. Binary payloads are only accepted for audio headers; everything
// else is treated as text.
func FromFrames(h *Header, payload []byte, payloadBinary bool) *Object {
	o := &Object{Header: *h}
	if payloadBinary && h.Type == TypeAudio {
		o.Binary = payload
	} else if len(payload) > 0 {
		o.Text = string(payload)
	}
	return o
}

// MarshalJSON serializes the full object (header plus payload) as a single
// JSON document, the encoding used by the outbound WebSocket node's "json"
// mode and by debug tooling. Binary payloads are base64 encoded by the
// standard library.
func (o *Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Header  Header `json:"header"`
		Text    string `json:"text,omitempty"`
		Binary  []byte `json:"binary,omitempty"`
		Payload int    `json:"payload_size"`
	}{
		Header:  o.Header,
		Text:    o.Text,
		Binary:  o.Binary,
		Payload: o.PayloadSize(),
	})
}
