// Package flowstore defines the persisted flow graph description and the
// read interface the engine uses to load it. Persistence itself (database,
// editor, CRUD API) is an external collaborator; the engine only ever reads
// definitions at start time.
package flowstore

import (
	"fmt"
	"time"

	"github.com/c360/voicestreams/errors"
)

// Flow is a stored node/edge graph description used to construct a running
// flow instance.
type Flow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is one node descriptor on the flow canvas
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects a source node's output port to a target node's input.
// SourcePort/TargetPort may be empty, which means the default port.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source"`
	SourcePort   string `json:"source_handle,omitempty"`
	TargetNodeID string `json:"target"`
	TargetPort   string `json:"target_handle,omitempty"`
}

// Validate checks if the flow is structurally valid for starting
func (f *Flow) Validate() error {
	if f.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("flow ID cannot be empty"), "flowstore", "Validate", "validation")
	}
	if f.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("flow name cannot be empty"), "flowstore", "Validate", "validation")
	}

	nodeIDs := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.ID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node at index %d has empty ID", i),
				"flowstore", "Validate", "node ID validation")
		}
		if n.Type == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node %q has empty type", n.ID),
				"flowstore", "Validate", "node type validation")
		}
		if nodeIDs[n.ID] {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate node ID: %s", n.ID),
				"flowstore", "Validate", "duplicate node ID detection")
		}
		nodeIDs[n.ID] = true
	}

	for i, e := range f.Edges {
		if e.ID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("edge at index %d has empty ID", i),
				"flowstore", "Validate", "edge ID validation")
		}
		if !nodeIDs[e.SourceNodeID] {
			return errors.WrapInvalid(
				fmt.Errorf("edge %q references non-existent source node: %s", e.ID, e.SourceNodeID),
				"flowstore", "Validate", "edge source validation")
		}
		if !nodeIDs[e.TargetNodeID] {
			return errors.WrapInvalid(
				fmt.Errorf("edge %q references non-existent target node: %s", e.ID, e.TargetNodeID),
				"flowstore", "Validate", "edge target validation")
		}
	}

	return nil
}

// EntryNodeIDs returns the ids of nodes that are not the target of any edge.
// For a graph with no edges every node is an entry node.
func (f *Flow) EntryNodeIDs() []string {
	targets := make(map[string]bool, len(f.Edges))
	for _, e := range f.Edges {
		targets[e.TargetNodeID] = true
	}

	entries := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		if !targets[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	return entries
}
