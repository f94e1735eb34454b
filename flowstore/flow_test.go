package flowstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFlow() *Flow {
	return &Flow{
		ID:      "flow-1",
		Name:    "voice pipeline",
		Enabled: true,
		Nodes: []Node{
			{ID: "mic", Type: "device_in", Name: "Microphone"},
			{ID: "stt", Type: "stt", Name: "Recognizer"},
			{ID: "log", Type: "debug_log", Name: "Tap"},
		},
		Edges: []Edge{
			{ID: "e1", SourceNodeID: "mic", TargetNodeID: "stt"},
			{ID: "e2", SourceNodeID: "stt", TargetNodeID: "log"},
		},
	}
}

func TestFlowValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Flow)
		wantErr string
	}{
		{
			name:   "valid flow",
			mutate: func(_ *Flow) {},
		},
		{
			name:    "empty id",
			mutate:  func(f *Flow) { f.ID = "" },
			wantErr: "flow ID cannot be empty",
		},
		{
			name:    "empty name",
			mutate:  func(f *Flow) { f.Name = "" },
			wantErr: "flow name cannot be empty",
		},
		{
			name:    "node without id",
			mutate:  func(f *Flow) { f.Nodes[1].ID = "" },
			wantErr: "empty ID",
		},
		{
			name:    "node without type",
			mutate:  func(f *Flow) { f.Nodes[0].Type = "" },
			wantErr: "empty type",
		},
		{
			name:    "duplicate node id",
			mutate:  func(f *Flow) { f.Nodes[2].ID = "mic" },
			wantErr: "duplicate node ID",
		},
		{
			name:    "edge without id",
			mutate:  func(f *Flow) { f.Edges[0].ID = "" },
			wantErr: "empty ID",
		},
		{
			name:    "edge with unknown source",
			mutate:  func(f *Flow) { f.Edges[0].SourceNodeID = "ghost" },
			wantErr: "non-existent source",
		},
		{
			name:    "edge with unknown target",
			mutate:  func(f *Flow) { f.Edges[1].TargetNodeID = "ghost" },
			wantErr: "non-existent target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := validFlow()
			tt.mutate(flow)

			err := flow.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEntryNodeIDs(t *testing.T) {
	flow := validFlow()

	assert.Equal(t, []string{"mic"}, flow.EntryNodeIDs())
}

func TestEntryNodeIDsNoEdges(t *testing.T) {
	flow := validFlow()
	flow.Edges = nil

	assert.ElementsMatch(t, []string{"mic", "stt", "log"}, flow.EntryNodeIDs(),
		"a graph with no edges makes every node an entry node")
}

func TestEntryNodeIDsMultipleEntries(t *testing.T) {
	flow := validFlow()
	flow.Nodes = append(flow.Nodes, Node{ID: "ws", Type: "websocket_in", Name: "Listener"})

	assert.ElementsMatch(t, []string{"mic", "ws"}, flow.EntryNodeIDs())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	flow := validFlow()
	require.NoError(t, store.Put(flow))

	got, err := store.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "voice pipeline", got.Name)

	flows, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	store.Delete("flow-1")
	_, err = store.Get(ctx, "flow-1")
	assert.Error(t, err)

	// Deleting unknown ids is a no-op
	store.Delete("never-existed")
}

func TestMemoryStorePutRejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	flow := validFlow()
	flow.ID = ""

	assert.Error(t, store.Put(flow))
}
