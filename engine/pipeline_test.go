package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/voicestreams/flowstore"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/noderegistry"
	"github.com/c360/voicestreams/remote"
	"github.com/c360/voicestreams/uso"
)

// scriptedSpeech is a minimal recognizer: it emits a partial transcript for
// every audio chunk it receives and leaves finalization to the debounce.
type scriptedSpeech struct {
	mu      sync.Mutex
	streams map[string]chan remote.Event
	partial string
}

func (s *scriptedSpeech) Connect(_ context.Context, sessionID string, _ map[string]any) (remote.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan remote.Event, 16)
	s.streams[sessionID] = ch
	return speechStream{ch}, nil
}

func (s *scriptedSpeech) Send(sessionID string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[sessionID] <- remote.Event{Kind: remote.EventPartial, SessionID: sessionID, Text: s.partial}
	return nil
}

func (s *scriptedSpeech) Finalize(_ string) error { return nil }

func (s *scriptedSpeech) Disconnect(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, exists := s.streams[sessionID]; exists {
		close(ch)
		delete(s.streams, sessionID)
	}
	return nil
}

func (s *scriptedSpeech) TestConnection(_ context.Context, _ string) remote.TestResult {
	return remote.TestResult{Success: true}
}

type speechStream struct{ ch chan remote.Event }

func (s speechStream) Events() <-chan remote.Event { return s.ch }

// TestVoicePipelineEndToEnd runs the canonical microphone flow: device
// audio enters through a device input node, gets transcribed with debounce
// finalization, and the final transcript lands on the debug tap.
func TestVoicePipelineEndToEnd(t *testing.T) {
	registry, err := noderegistry.NewRegistry()
	require.NoError(t, err)

	speech := &scriptedSpeech{
		streams: make(map[string]chan remote.Event),
		partial: "hello world",
	}
	sink := &fakeSink{}

	eng := New(registry, flowstore.NewMemoryStore(), node.Dependencies{Speech: speech}, sink, nil)

	flow := &flowstore.Flow{
		ID:      "voice-flow",
		Name:    "Microphone pipeline",
		Enabled: true,
		Nodes: []flowstore.Node{
			{ID: "mic", Type: "device_in", Name: "Microphone", Config: map[string]any{"accept_types": "audio"}},
			{ID: "stt", Type: "stt", Name: "Recognizer", Config: map[string]any{
				"debounce_ms":   30,
				"emit_partials": false,
			}},
			{ID: "tap", Type: "debug_log", Name: "Transcript tap"},
		},
		Edges: []flowstore.Edge{
			{ID: "e1", SourceNodeID: "mic", TargetNodeID: "stt"},
			{ID: "e2", SourceNodeID: "stt", TargetNodeID: "tap"},
		},
	}

	require.NoError(t, eng.StartFlow(context.Background(), flow))
	defer eng.StopAll(time.Second)

	chunk := uso.New(uso.TypeAudio, "device",
		uso.WithID("utterance-1"),
		uso.WithBinary([]byte{0x01, 0x02}),
		uso.WithDevice(uso.DeviceInfo{DeviceID: "esp32-kitchen"}),
	)
	eng.DispatchFromDevice(context.Background(), chunk)

	// The debounce fires, the transcript is promoted to final and routed to
	// the tap, which records it as a debug event annotated with the flow.
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, e := range sink.debugs {
			if e.NodeID == "tap" && e.SessionID == "utterance-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "final transcript must reach the debug tap")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var tapEvent *struct {
		text  string
		final any
	}
	for _, e := range sink.debugs {
		if e.NodeID == "tap" {
			tapEvent = &struct {
				text  string
				final any
			}{text: e.Fields["text"].(string), final: e.Fields["final"]}
			assert.Equal(t, "voice-flow", e.FlowID)
			assert.Equal(t, "Transcript tap", e.NodeName)
		}
	}
	require.NotNil(t, tapEvent)
	assert.Equal(t, "hello world", tapEvent.text)
	assert.Equal(t, true, tapEvent.final)
}
