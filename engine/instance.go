package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/voicestreams/flowstore"
	"github.com/c360/voicestreams/health"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// target is one routing destination: a node plus the input port the edge
// addresses on it.
type target struct {
	nodeID string
	n      node.Node
	port   string
}

// Instance is one running flow: its node instances, the routing table built
// from the flow's edges, and the entry nodes that receive device traffic.
type Instance struct {
	flow   *flowstore.Flow
	engine *Engine

	// nodes in definition order so start/stop is deterministic
	order []string
	nodes map[string]node.Node

	// routes maps source node id -> normalized output port -> targets
	routes map[string]map[string][]target

	// publishers are the per-node publish closures, built once
	publishers map[string]node.PublishFunc

	entry []node.Node

	events *node.EventBus

	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time
}

// normalizePort maps the empty port name to the default port so edges with
// no handle and publishes with no port name match each other.
func normalizePort(port string) string {
	if port == "" {
		return node.DefaultPort
	}
	return port
}

// buildRoutes indexes the flow's edges by source node and normalized port
func buildRoutes(flow *flowstore.Flow, nodes map[string]node.Node) map[string]map[string][]target {
	routes := make(map[string]map[string][]target)
	for _, e := range flow.Edges {
		ports, exists := routes[e.SourceNodeID]
		if !exists {
			ports = make(map[string][]target)
			routes[e.SourceNodeID] = ports
		}
		port := normalizePort(e.SourcePort)
		ports[port] = append(ports[port], target{
			nodeID: e.TargetNodeID,
			n:      nodes[e.TargetNodeID],
			port:   normalizePort(e.TargetPort),
		})
	}
	return routes
}

// publisherFor builds the publish closure handed to one node. Publishing
// routes the object to every edge whose source port matches; an object
// published on a port with no matching edge is dropped with a warning.
func (inst *Instance) publisherFor(nodeID string) node.PublishFunc {
	return func(u *uso.Object, port string) {
		if u == nil {
			return
		}
		targets := inst.routes[nodeID][normalizePort(port)]
		if len(targets) == 0 {
			inst.engine.logger.Warn("Dropping stream object published on unconnected port",
				"flow_id", inst.flow.ID, "node_id", nodeID, "port", normalizePort(port),
				"session_id", u.Header.ID)
			return
		}
		for _, t := range targets {
			inst.deliver(t, u)
		}
	}
}

// deliver hands a stream object to one node with full error isolation: a
// processing error or panic is reported and never propagates to the
// publishing node or other flows.
func (inst *Instance) deliver(t target, u *uso.Object) {
	defer func() {
		if r := recover(); r != nil {
			inst.engine.logger.Error("Node panicked while processing",
				"flow_id", inst.flow.ID, "node_id", t.nodeID,
				"session_id", u.Header.ID, "panic", r)
			inst.reportFailure(t, u, fmt.Sprintf("panic: %v", r), "NODE_PANIC")
		}
	}()

	if err := t.n.Process(inst.ctx, u, inst.publishers[t.nodeID]); err != nil {
		inst.engine.logger.Warn("Node processing failed",
			"flow_id", inst.flow.ID, "node_id", t.nodeID,
			"session_id", u.Header.ID, "error", err)
		inst.reportFailure(t, u, err.Error(), "NODE_ERROR")
	}
}

// reportFailure surfaces one processing failure: an error event for
// telemetry plus a control/error object answering the failing session.
// Device-originated traffic is answered back through the gateway; anything
// else continues along the failing node's outgoing edges so downstream nodes
// learn the stream died. Control objects never get a control reply, which
// keeps error objects from cascading.
func (inst *Instance) reportFailure(t target, u *uso.Object, msg, code string) {
	inst.events.PublishError(node.ErrorEvent{
		NodeID:    t.nodeID,
		SessionID: u.Header.ID,
		Message:   msg,
	})
	if inst.engine.metrics != nil {
		inst.engine.metrics.nodeErrors.Inc()
	}

	if u.Header.Type == uso.TypeControl {
		return
	}

	errObj := uso.NewError(t.nodeID, u.Header.ID, health.SanitizeMessage(msg), code)
	if d := u.Header.Device; d != nil && d.DeviceID != "" {
		errObj.Header.Device = &uso.DeviceInfo{DeviceID: d.DeviceID, ConnectionID: d.ConnectionID}
		if sender := inst.engine.deps.Sender; sender != nil {
			if sender.SendUSO(d.DeviceID, errObj) {
				return
			}
			inst.engine.logger.Warn("Failed to return error object to device",
				"flow_id", inst.flow.ID, "node_id", t.nodeID,
				"session_id", u.Header.ID, "device_id", d.DeviceID)
		}
	}
	inst.publishers[t.nodeID](errObj, node.DefaultPort)
}

// dispatch delivers a device-originated stream object to every entry node
func (inst *Instance) dispatch(u *uso.Object) {
	for _, entry := range inst.entry {
		inst.deliver(target{nodeID: entry.Meta().ID, n: entry, port: node.DefaultPort}, u)
	}
}

// stop shuts every node down, accumulating errors rather than aborting on
// the first failure so no node is left holding resources.
func (inst *Instance) stop(timeout time.Duration) []error {
	inst.cancel()

	var errs []error
	for _, id := range inst.order {
		if err := inst.nodes[id].Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", id, err))
		}
	}
	return errs
}

// nodeName resolves a node id to its display name from the flow definition
func (inst *Instance) nodeName(nodeID string) string {
	for _, n := range inst.flow.Nodes {
		if n.ID == nodeID {
			return n.Name
		}
	}
	return ""
}
