// Package stt implements the speech-to-text node. Each session gets its own
// connection to the remote recognizer; partial transcripts are debounced so
// a recognizer that stops sending results still yields exactly one final
// transcript per utterance.
package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// TypeTag is the registry type tag of the speech-to-text node
const TypeTag = "stt"

// Schema returns the config schema for the speech-to-text node
func Schema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"debounce_ms": {
				Type:        "int",
				Description: "Silence window after the last partial before it is promoted to final",
				Default:     2000,
			},
			"teardown_delay_ms": {
				Type:        "int",
				Description: "How long a finished session is kept before its remote connection is released",
				Default:     5000,
			},
			"emit_partials": {
				Type:        "bool",
				Description: "Publish interim transcripts as non-final text objects",
				Default:     true,
			},
			"language": {
				Type:        "string",
				Description: "Recognition language hint passed to the remote recognizer",
			},
		},
	}
}

// Node transcribes per-session audio streams via the remote speech service
type Node struct {
	id   string
	deps node.Dependencies

	debounce      time.Duration
	teardownDelay time.Duration
	emitPartials  bool
	remoteConfig  map[string]any

	mu       sync.Mutex
	running  bool
	sessions map[string]*session
}

// New creates a speech-to-text node
func New(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	if deps.Speech == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"stt.Node", "New", "speech service dependency validation")
	}

	remoteConfig := make(map[string]any)
	if lang := node.GetString(config, "language", ""); lang != "" {
		remoteConfig["language"] = lang
	}

	return &Node{
		id:            id,
		deps:          deps,
		debounce:      time.Duration(node.GetInt(config, "debounce_ms", 2000)) * time.Millisecond,
		teardownDelay: time.Duration(node.GetInt(config, "teardown_delay_ms", 5000)) * time.Millisecond,
		emitPartials:  node.GetBool(config, "emit_partials", true),
		remoteConfig:  remoteConfig,
		sessions:      make(map[string]*session),
	}, nil
}

// Meta returns node metadata
func (n *Node) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: TypeTag, Description: "Speech-to-text transcription"}
}

// Start marks the node running
func (n *Node) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "stt.Node", "Start", "state check")
	}
	n.running = true
	return nil
}

// Process feeds audio into the session's remote recognizer. The first frame
// of a session opens the remote connection; a final frame asks the
// recognizer to flush its last results.
func (n *Node) Process(ctx context.Context, u *uso.Object, publish node.PublishFunc) error {
	if u.Header.Type != uso.TypeAudio {
		return nil
	}

	s, err := n.getOrCreateSession(ctx, u.Header.ID, publish)
	if err != nil {
		return err
	}

	if len(u.Binary) > 0 {
		if err := n.deps.Speech.Send(s.id, u.Binary); err != nil {
			return errors.WrapTransient(err, "stt.Node", "Process", "audio send")
		}
	}

	if u.Header.Final {
		// Arm teardown here too, so a recognizer that never answers the
		// flush cannot hold the session open past the grace period.
		s.scheduleTeardown()
		if err := n.deps.Speech.Finalize(s.id); err != nil {
			return errors.WrapTransient(err, "stt.Node", "Process", "session finalize")
		}
	}
	return nil
}

// getOrCreateSession returns the live session state, opening the remote
// connection and starting the event consumer for new sessions. Pending
// teardown is cancelled when a session resumes.
func (n *Node) getOrCreateSession(ctx context.Context, sessionID string, publish node.PublishFunc) (*session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: node %s", errors.ErrNotStarted, n.id),
			"stt.Node", "getOrCreateSession", "state check")
	}

	if s, exists := n.sessions[sessionID]; exists {
		s.cancelTeardown()
		return s, nil
	}

	stream, err := n.deps.Speech.Connect(ctx, sessionID, n.remoteConfig)
	if err != nil {
		return nil, errors.WrapTransient(err, "stt.Node", "getOrCreateSession", "recognizer connect")
	}

	s := newSession(sessionID, n, publish)
	n.sessions[sessionID] = s
	go s.consume(stream)

	if n.deps.Events != nil {
		n.deps.Events.PublishDebug(node.DebugEvent{
			NodeID:    n.id,
			SessionID: sessionID,
			Message:   "recognition session opened",
		})
	}
	return s, nil
}

// removeSession disconnects and purges one session; unknown ids are a no-op
func (n *Node) removeSession(sessionID string) {
	n.mu.Lock()
	s, exists := n.sessions[sessionID]
	if exists {
		delete(n.sessions, sessionID)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	s.stopTimers()
	if err := n.deps.Speech.Disconnect(sessionID); err != nil {
		n.deps.Log().Warn("Failed to disconnect recognition session",
			"node_id", n.id, "session_id", sessionID, "error", err)
	}
}

// Stop disconnects every session and clears all per-session state
func (n *Node) Stop(_ time.Duration) error {
	n.mu.Lock()
	n.running = false
	sessions := n.sessions
	n.sessions = make(map[string]*session)
	n.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		s.stopTimers()
		if err := n.deps.Speech.Disconnect(id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return errors.WrapTransient(
			fmt.Errorf("%d session disconnect(s) failed: %v", len(errs), errs),
			"stt.Node", "Stop", "session cleanup")
	}
	return nil
}

// Health reflects the remote connection state
func (n *Node) Health() node.HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return node.Unhealthy("not running")
	}
	return node.Healthy(fmt.Sprintf("%d session(s) active", len(n.sessions)))
}

// SessionCount returns the number of live recognition sessions
func (n *Node) SessionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}
