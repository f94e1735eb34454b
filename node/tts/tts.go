// Package tts implements the text-to-speech node. Final text objects are
// sent to the remote synthesizer; the audio comes back as a stream of
// non-final audio objects, terminated by a final object with an empty audio
// payload so devices know when playback input ends.
package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/remote"
	"github.com/c360/voicestreams/uso"
)

// TypeTag is the registry type tag of the text-to-speech node
const TypeTag = "tts"

// Schema returns the config schema for the text-to-speech node
func Schema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"voice": {
				Type:        "string",
				Description: "Voice identifier passed to the synthesizer",
			},
			"sample_rate": {
				Type:        "int",
				Description: "Sample rate of the synthesized audio",
				Default:     24000,
			},
			"encoding": {
				Type:        "string",
				Description: "Encoding of the synthesized audio",
				Default:     "pcm_s16le",
			},
		},
	}
}

// Node synthesizes speech for final text objects
type Node struct {
	id   string
	deps node.Dependencies

	format       uso.AudioFormat
	remoteConfig map[string]any

	mu       sync.Mutex
	running  bool
	sessions map[string]struct{}
}

// New creates a text-to-speech node
func New(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	if deps.Synth == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"tts.Node", "New", "synthesizer dependency validation")
	}

	remoteConfig := make(map[string]any)
	if voice := node.GetString(config, "voice", ""); voice != "" {
		remoteConfig["voice"] = voice
	}

	return &Node{
		id:   id,
		deps: deps,
		format: uso.AudioFormat{
			SampleRate: node.GetInt(config, "sample_rate", 24000),
			Channels:   1,
			Encoding:   node.GetString(config, "encoding", "pcm_s16le"),
		},
		remoteConfig: remoteConfig,
		sessions:     make(map[string]struct{}),
	}, nil
}

// Meta returns node metadata
func (n *Node) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: TypeTag, Description: "Text-to-speech synthesis"}
}

// Start marks the node running
func (n *Node) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "tts.Node", "Start", "state check")
	}
	n.running = true
	return nil
}

// Process synthesizes final text objects. Non-final text is interim
// transcript noise and is ignored; synthesizing every partial would stutter.
func (n *Node) Process(ctx context.Context, u *uso.Object, publish node.PublishFunc) error {
	if u.Header.Type != uso.TypeText || !u.Header.Final || u.Text == "" {
		return nil
	}

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	if _, active := n.sessions[u.Header.ID]; active {
		// A second final on a session still being synthesized would hand
		// the same event stream to two consumers. Drop it.
		n.mu.Unlock()
		if n.deps.Events != nil {
			n.deps.Events.PublishDebug(node.DebugEvent{
				NodeID:    n.id,
				SessionID: u.Header.ID,
				Message:   "synthesis already in flight, dropping duplicate text",
			})
		}
		return nil
	}
	n.sessions[u.Header.ID] = struct{}{}
	n.mu.Unlock()

	stream, err := n.deps.Synth.Connect(ctx, u.Header.ID, n.remoteConfig)
	if err != nil {
		n.dropSession(u.Header.ID)
		return errors.WrapTransient(err, "tts.Node", "Process", "synthesizer connect")
	}

	go n.consume(u, stream, publish)

	if err := n.deps.Synth.Send(u.Header.ID, []byte(u.Text)); err != nil {
		return errors.WrapTransient(err, "tts.Node", "Process", "text send")
	}
	if err := n.deps.Synth.Finalize(u.Header.ID); err != nil {
		return errors.WrapTransient(err, "tts.Node", "Process", "synthesis finalize")
	}
	return nil
}

// consume publishes synthesized audio chunks as they arrive and closes the
// audio stream with the final empty-payload object.
func (n *Node) consume(src *uso.Object, stream remote.Stream, publish node.PublishFunc) {
	sessionID := src.Header.ID

	for event := range stream.Events() {
		switch event.Kind {
		case remote.EventAudio:
			if len(event.Audio) == 0 {
				continue
			}
			publish(n.audioObject(src, event.Audio, false), node.DefaultPort)
		case remote.EventError:
			msg := "synthesizer error"
			if event.Err != nil {
				msg = event.Err.Error()
			}
			if n.deps.Events != nil {
				n.deps.Events.PublishError(node.ErrorEvent{
					NodeID:    n.id,
					SessionID: sessionID,
					Message:   msg,
				})
			}
		case remote.EventClosed:
			n.finish(src, publish)
			return
		}
	}
	n.finish(src, publish)
}

// finish emits the end-of-speech marker and releases the session
func (n *Node) finish(src *uso.Object, publish node.PublishFunc) {
	publish(n.audioObject(src, nil, true), node.DefaultPort)

	sessionID := src.Header.ID
	if err := n.deps.Synth.Disconnect(sessionID); err != nil {
		n.deps.Log().Warn("Failed to disconnect synthesis session",
			"node_id", n.id, "session_id", sessionID, "error", err)
	}
	n.dropSession(sessionID)
}

// audioObject builds an output audio object on the source session, carrying
// the device header through so a downstream device output node can route it.
func (n *Node) audioObject(src *uso.Object, audio []byte, final bool) *uso.Object {
	opts := []uso.Option{
		uso.WithID(src.Header.ID),
		uso.WithFinal(final),
		uso.WithBinary(audio),
		uso.WithAudioFormat(n.format),
	}
	if src.Header.Device != nil {
		opts = append(opts, uso.WithDevice(*src.Header.Device))
	}
	return uso.New(uso.TypeAudio, n.id, opts...)
}

func (n *Node) dropSession(sessionID string) {
	n.mu.Lock()
	delete(n.sessions, sessionID)
	n.mu.Unlock()
}

// Stop disconnects every open synthesis session
func (n *Node) Stop(_ time.Duration) error {
	n.mu.Lock()
	n.running = false
	sessions := n.sessions
	n.sessions = make(map[string]struct{})
	n.mu.Unlock()

	var errs []error
	for id := range sessions {
		if err := n.deps.Synth.Disconnect(id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return errors.WrapTransient(
			fmt.Errorf("%d session disconnect(s) failed: %v", len(errs), errs),
			"tts.Node", "Stop", "session cleanup")
	}
	return nil
}

// Health reports healthy while running
func (n *Node) Health() node.HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return node.Unhealthy("not running")
	}
	return node.Healthy(fmt.Sprintf("%d synthesis session(s) active", len(n.sessions)))
}
