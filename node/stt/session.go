package stt

import (
	"sync"
	"time"

	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/remote"
	"github.com/c360/voicestreams/uso"
)

// session is the per-session recognition state. The debounce timer promotes
// the last partial transcript to a final one when the recognizer goes quiet;
// emittedFinal deduplicates in both directions, so a promoted partial
// followed by the recognizer's own identical final (or the reverse) yields
// exactly one final transcript.
type session struct {
	id      string
	node    *Node
	publish node.PublishFunc

	mu           sync.Mutex
	lastPartial  string
	emittedFinal string
	debounce     *time.Timer
	teardown     *time.Timer
}

func newSession(id string, n *Node, publish node.PublishFunc) *session {
	return &session{id: id, node: n, publish: publish}
}

// consume drains the remote event stream until it closes
func (s *session) consume(stream remote.Stream) {
	for event := range stream.Events() {
		switch event.Kind {
		case remote.EventPartial:
			s.onPartial(event.Text)
		case remote.EventFinal:
			s.onFinal(event.Text)
		case remote.EventError:
			s.onError(event)
		case remote.EventClosed:
			s.node.removeSession(s.id)
			return
		}
	}
	s.node.removeSession(s.id)
}

// onPartial records the interim transcript and (re)arms the debounce timer
func (s *session) onPartial(text string) {
	if text == "" {
		return
	}

	s.mu.Lock()
	s.lastPartial = text
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.node.debounce, s.promote)
	s.mu.Unlock()

	if s.node.emitPartials {
		s.publish(uso.New(uso.TypeText, s.node.id,
			uso.WithID(s.id),
			uso.WithText(text),
		), node.DefaultPort)
	}
}

// onFinal emits the recognizer's confirmed transcript, unless the debounce
// timer already promoted the identical text.
func (s *session) onFinal(text string) {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.lastPartial = ""

	if text == "" || text == s.emittedFinal {
		s.mu.Unlock()
		s.scheduleTeardown()
		return
	}
	s.emittedFinal = text
	s.mu.Unlock()

	s.emit(text)
	s.scheduleTeardown()
}

// promote fires when no partial arrived within the debounce window: the
// last partial is treated as the final transcript.
func (s *session) promote() {
	s.mu.Lock()
	text := s.lastPartial
	s.lastPartial = ""
	s.debounce = nil

	if text == "" || text == s.emittedFinal {
		s.mu.Unlock()
		return
	}
	s.emittedFinal = text
	s.mu.Unlock()

	if s.node.deps.Events != nil {
		s.node.deps.Events.PublishDebug(node.DebugEvent{
			NodeID:    s.node.id,
			SessionID: s.id,
			Message:   "partial promoted to final after silence",
		})
	}

	s.emit(text)
	s.scheduleTeardown()
}

// emit publishes a final transcript downstream
func (s *session) emit(text string) {
	s.publish(uso.New(uso.TypeText, s.node.id,
		uso.WithID(s.id),
		uso.WithFinal(true),
		uso.WithText(text),
	), node.DefaultPort)
}

func (s *session) onError(event remote.Event) {
	msg := "recognizer error"
	if event.Err != nil {
		msg = event.Err.Error()
	}
	if s.node.deps.Events != nil {
		s.node.deps.Events.PublishError(node.ErrorEvent{
			NodeID:    s.node.id,
			SessionID: s.id,
			Message:   msg,
		})
	}
}

// scheduleTeardown arms the delayed release of the remote connection. The
// delay lets a follow-up utterance on the same session reuse the connection.
func (s *session) scheduleTeardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teardown != nil {
		s.teardown.Stop()
	}
	s.teardown = time.AfterFunc(s.node.teardownDelay, func() {
		s.node.removeSession(s.id)
	})
}

// cancelTeardown aborts a pending release when the session resumes
func (s *session) cancelTeardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
}

// stopTimers stops all pending timers; called while purging the session
func (s *session) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
}
