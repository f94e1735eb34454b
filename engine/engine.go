// Package engine turns stored flow definitions into running flow instances.
// It owns the node lifecycle, routes stream objects along edges in-process,
// fans device traffic out to entry nodes, and forwards node side-channel
// events to the telemetry sink annotated with flow context.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/flowstore"
	"github.com/c360/voicestreams/health"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/telemetry"
	"github.com/c360/voicestreams/uso"
)

// Engine manages running flow instances
type Engine struct {
	registry *node.Registry
	store    flowstore.Store
	deps     node.Dependencies
	sink     telemetry.Sink
	logger   *slog.Logger
	metrics  *metrics

	mu        sync.RWMutex
	instances map[string]*Instance
}

// New creates an engine. sink may be nil to discard node events.
func New(registry *node.Registry, store flowstore.Store, deps node.Dependencies, sink telemetry.Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:  registry,
		store:     store,
		deps:      deps,
		sink:      sink,
		logger:    logger,
		instances: make(map[string]*Instance),
	}
}

// RegisterMetrics attaches Prometheus metrics to the engine
func (e *Engine) RegisterMetrics(registry metricsRegistrar) error {
	m, err := newMetrics(registry)
	if err != nil {
		return err
	}
	e.metrics = m
	return nil
}

// StartFlow constructs and starts every node of the flow, wires the routing
// table, and registers the instance. If any node fails to start, all nodes
// started so far are stopped and the flow is not registered, so a failed
// start leaves no residue.
func (e *Engine) StartFlow(ctx context.Context, flow *flowstore.Flow) error {
	if err := flow.Validate(); err != nil {
		return errors.Wrap(err, "Engine", "StartFlow", "flow validation")
	}

	e.mu.RLock()
	_, running := e.instances[flow.ID]
	e.mu.RUnlock()
	if running {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrFlowRunning, flow.ID),
			"Engine", "StartFlow", "running check")
	}

	instCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &Instance{
		flow:   flow,
		engine: e,
		nodes:  make(map[string]node.Node, len(flow.Nodes)),
		events: node.NewEventBus(),
		ctx:    instCtx,
		cancel: cancel,
	}
	inst.events.Subscribe(&flowObserver{inst: inst})

	deps := e.deps
	deps.Events = inst.events
	deps.Logger = e.logger.With("flow_id", flow.ID)

	for _, def := range flow.Nodes {
		n, err := e.registry.Create(def.ID, def.Type, def.Config, deps)
		if err != nil {
			cancel()
			return errors.Wrap(err, "Engine", "StartFlow",
				fmt.Sprintf("node %q construction", def.ID))
		}
		inst.nodes[def.ID] = n
		inst.order = append(inst.order, def.ID)
	}

	inst.routes = buildRoutes(flow, inst.nodes)

	inst.publishers = make(map[string]node.PublishFunc, len(inst.nodes))
	for id := range inst.nodes {
		inst.publishers[id] = inst.publisherFor(id)
	}

	for _, id := range flow.EntryNodeIDs() {
		inst.entry = append(inst.entry, inst.nodes[id])
	}

	// Self-sourcing nodes produce traffic on their own; hand them the
	// publish mechanism before they start.
	for id, n := range inst.nodes {
		if src, ok := n.(node.SelfSourcing); ok {
			src.SetPublisher(inst.publishers[id])
		}
	}

	var started []string
	for _, id := range inst.order {
		if err := inst.nodes[id].Start(instCtx); err != nil {
			e.teardown(inst, started)
			return errors.Wrap(err, "Engine", "StartFlow",
				fmt.Sprintf("node %q start", id))
		}
		started = append(started, id)
	}

	inst.startedAt = time.Now()

	e.mu.Lock()
	if _, raced := e.instances[flow.ID]; raced {
		e.mu.Unlock()
		e.teardown(inst, started)
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrFlowRunning, flow.ID),
			"Engine", "StartFlow", "registration")
	}
	e.instances[flow.ID] = inst
	count := len(e.instances)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.flowsRunning.Set(float64(count))
	}

	e.logger.Info("Flow started", "flow_id", flow.ID, "flow_name", flow.Name,
		"nodes", len(flow.Nodes), "entry_nodes", len(inst.entry))
	return nil
}

// teardown stops the named nodes of a failed start in reverse order
func (e *Engine) teardown(inst *Instance, started []string) {
	inst.cancel()
	for i := len(started) - 1; i >= 0; i-- {
		id := started[i]
		if err := inst.nodes[id].Stop(5 * time.Second); err != nil {
			e.logger.Warn("Failed to stop node during teardown",
				"flow_id", inst.flow.ID, "node_id", id, "error", err)
		}
	}
}

// StopFlow stops a running flow's nodes and removes the instance. Stopping
// an unknown flow id is a no-op. Node stop errors are accumulated so every
// node gets its Stop call.
func (e *Engine) StopFlow(flowID string, timeout time.Duration) error {
	e.mu.Lock()
	inst, exists := e.instances[flowID]
	if exists {
		delete(e.instances, flowID)
	}
	count := len(e.instances)
	e.mu.Unlock()

	if !exists {
		return nil
	}

	if e.metrics != nil {
		e.metrics.flowsRunning.Set(float64(count))
	}

	errs := inst.stop(timeout)
	e.logger.Info("Flow stopped", "flow_id", flowID, "errors", len(errs))

	if len(errs) > 0 {
		return errors.WrapTransient(
			fmt.Errorf("%d node(s) failed to stop: %v", len(errs), errs),
			"Engine", "StopFlow", "node shutdown")
	}
	return nil
}

// StartEnabled loads all flow definitions from the store and starts the
// enabled ones. Flow-level start failures are logged and skipped so one bad
// flow cannot keep the rest of the runtime down.
func (e *Engine) StartEnabled(ctx context.Context) error {
	flows, err := e.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "Engine", "StartEnabled", "flow listing")
	}

	for _, flow := range flows {
		if !flow.Enabled {
			continue
		}
		if err := e.StartFlow(ctx, flow); err != nil {
			e.logger.Error("Failed to start flow", "flow_id", flow.ID, "error", err)
		}
	}
	return nil
}

// StopAll stops every running flow
func (e *Engine) StopAll(timeout time.Duration) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if err := e.StopFlow(id, timeout); err != nil {
			e.logger.Warn("Flow stop reported errors", "flow_id", id, "error", err)
		}
	}
}

// DispatchFromDevice fans a device-originated stream object out to the
// entry nodes of every running flow. Failures inside one flow never affect
// another.
func (e *Engine) DispatchFromDevice(_ context.Context, u *uso.Object) {
	if u == nil {
		return
	}

	e.mu.RLock()
	instances := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		instances = append(instances, inst)
	}
	e.mu.RUnlock()

	if e.metrics != nil {
		e.metrics.dispatched.Inc()
	}

	for _, inst := range instances {
		inst.dispatch(u)
	}
}

// Running reports whether a flow is currently running
func (e *Engine) Running(flowID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.instances[flowID]
	return exists
}

// RunningFlows returns the ids of all running flows
func (e *Engine) RunningFlows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	return ids
}

// Health aggregates the health of every node of every running flow
func (e *Engine) Health() health.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := health.Status{
		Component: "engine",
		Healthy:   true,
		Status:    string(node.StateHealthy),
		Message:   fmt.Sprintf("%d flow(s) running", len(e.instances)),
		Timestamp: time.Now(),
	}

	for id, inst := range e.instances {
		flowStatus := health.Status{
			Component: fmt.Sprintf("flow:%s", id),
			Healthy:   true,
			Status:    string(node.StateHealthy),
			Timestamp: time.Now(),
		}
		for _, nodeID := range inst.order {
			ns := health.FromNodeHealth(nodeID, inst.nodes[nodeID].Health())
			if !ns.Healthy {
				flowStatus.Healthy = false
				flowStatus.Status = ns.Status
			}
			flowStatus.SubStatuses = append(flowStatus.SubStatuses, ns)
		}
		if !flowStatus.Healthy {
			status.Healthy = false
			status.Status = string(node.StateDegraded)
		}
		status.SubStatuses = append(status.SubStatuses, flowStatus)
	}

	return status
}

// flowObserver forwards node side-channel events to the telemetry sink,
// annotated with flow and node identity.
type flowObserver struct {
	inst *Instance
}

func (o *flowObserver) OnDebug(e node.DebugEvent) {
	sink := o.inst.engine.sink
	if sink == nil {
		return
	}
	sink.BroadcastDebugEvent(telemetry.DebugEvent{
		FlowID:    o.inst.flow.ID,
		FlowName:  o.inst.flow.Name,
		NodeID:    e.NodeID,
		NodeName:  o.inst.nodeName(e.NodeID),
		SessionID: e.SessionID,
		Message:   e.Message,
		Fields:    e.Fields,
		Timestamp: e.Timestamp,
	})
}

func (o *flowObserver) OnHealth(e node.HealthEvent) {
	sink := o.inst.engine.sink
	if sink == nil {
		return
	}
	sink.BroadcastHealthStatus(telemetry.HealthEvent{
		FlowID:    o.inst.flow.ID,
		FlowName:  o.inst.flow.Name,
		NodeID:    e.NodeID,
		NodeName:  o.inst.nodeName(e.NodeID),
		State:     string(e.Status.State),
		Message:   health.SanitizeMessage(e.Status.Message),
		Timestamp: e.Timestamp,
	})
}

func (o *flowObserver) OnError(e node.ErrorEvent) {
	sink := o.inst.engine.sink
	if sink == nil {
		return
	}
	sink.BroadcastDebugEvent(telemetry.DebugEvent{
		FlowID:    o.inst.flow.ID,
		FlowName:  o.inst.flow.Name,
		NodeID:    e.NodeID,
		NodeName:  o.inst.nodeName(e.NodeID),
		SessionID: e.SessionID,
		Message:   fmt.Sprintf("error: %s", e.Message),
		Timestamp: e.Timestamp,
	})
}
