package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	debugs  []DebugEvent
	healths []HealthEvent
}

func (l *recordingListener) OnDebugEvent(e DebugEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, e)
}

func (l *recordingListener) OnHealthStatus(e HealthEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healths = append(l.healths, e)
}

func TestBroadcasterLocalOnly(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	listener := &recordingListener{}
	b.Subscribe(listener)

	b.BroadcastDebugEvent(DebugEvent{
		FlowID:    "flow-1",
		NodeID:    "stt",
		SessionID: "s1",
		Message:   "partial promoted to final",
		Timestamp: time.Now(),
	})
	b.BroadcastHealthStatus(HealthEvent{
		FlowID: "flow-1",
		NodeID: "wsout",
		State:  "degraded",
	})

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.debugs, 1)
	assert.Equal(t, "flow-1", listener.debugs[0].FlowID)
	require.Len(t, listener.healths, 1)
	assert.Equal(t, "degraded", listener.healths[0].State)
}

func TestBroadcasterMultipleListeners(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	first := &recordingListener{}
	second := &recordingListener{}
	b.Subscribe(first)
	b.Subscribe(second)
	b.Subscribe(nil) // ignored

	b.BroadcastDebugEvent(DebugEvent{FlowID: "f", NodeID: "n", Message: "m"})

	for _, l := range []*recordingListener{first, second} {
		l.mu.Lock()
		assert.Len(t, l.debugs, 1)
		l.mu.Unlock()
	}
}
