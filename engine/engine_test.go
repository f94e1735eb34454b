package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vserrors "github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/flowstore"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/telemetry"
	"github.com/c360/voicestreams/uso"
)

// fakeNode is a scriptable node for engine tests
type fakeNode struct {
	id       string
	startErr error
	stopErr  error
	procErr  error
	panics   bool

	// forward republishes every received object on this port, empty = sink
	forward string

	mu       sync.Mutex
	started  bool
	stopped  bool
	received []*uso.Object
}

func (f *fakeNode) Meta() node.Metadata { return node.Metadata{ID: f.id, Type: "fake"} }

func (f *fakeNode) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeNode) Process(_ context.Context, u *uso.Object, publish node.PublishFunc) error {
	if f.panics {
		panic("scripted panic")
	}
	f.mu.Lock()
	f.received = append(f.received, u)
	forward := f.forward
	f.mu.Unlock()

	if f.procErr != nil {
		return f.procErr
	}
	if forward != "" {
		publish(u, forward)
	}
	return nil
}

func (f *fakeNode) Stop(_ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeNode) Health() node.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started && !f.stopped {
		return node.Healthy("running")
	}
	return node.Unhealthy("not running")
}

func (f *fakeNode) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeNode) receivedObjects() []*uso.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*uso.Object(nil), f.received...)
}

// fakeSender records objects sent back to devices
type fakeSender struct {
	mu   sync.Mutex
	sent []*uso.Object
}

func (f *fakeSender) SendUSO(_ string, u *uso.Object) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, u)
	return true
}

func (f *fakeSender) sentObjects() []*uso.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*uso.Object(nil), f.sent...)
}

// fakeSink records telemetry broadcasts
type fakeSink struct {
	mu      sync.Mutex
	debugs  []telemetry.DebugEvent
	healths []telemetry.HealthEvent
}

func (s *fakeSink) BroadcastDebugEvent(e telemetry.DebugEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugs = append(s.debugs, e)
}

func (s *fakeSink) BroadcastHealthStatus(e telemetry.HealthEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healths = append(s.healths, e)
}

// testEngine builds an engine whose "fake" node type resolves instances from
// the given map by node id.
func testEngine(t *testing.T, fakes map[string]*fakeNode, sink telemetry.Sink) *Engine {
	return testEngineWithDeps(t, fakes, sink, node.Dependencies{})
}

func testEngineWithDeps(t *testing.T, fakes map[string]*fakeNode, sink telemetry.Sink, deps node.Dependencies) *Engine {
	t.Helper()

	registry := node.NewRegistry()
	require.NoError(t, registry.Register(&node.Registration{
		Type: "fake",
		Factory: func(id string, _ map[string]any, _ node.Dependencies) (node.Node, error) {
			f, exists := fakes[id]
			if !exists {
				return nil, errors.New("no fake for " + id)
			}
			return f, nil
		},
	}))

	return New(registry, flowstore.NewMemoryStore(), deps, sink, nil)
}

func pipelineFlow() *flowstore.Flow {
	return &flowstore.Flow{
		ID:   "flow-1",
		Name: "test pipeline",
		Nodes: []flowstore.Node{
			{ID: "entry", Type: "fake", Name: "Entry"},
			{ID: "mid", Type: "fake", Name: "Middle"},
			{ID: "sink", Type: "fake", Name: "Sink"},
		},
		Edges: []flowstore.Edge{
			{ID: "e1", SourceNodeID: "entry", TargetNodeID: "mid"},
			{ID: "e2", SourceNodeID: "mid", TargetNodeID: "sink"},
		},
	}
}

func audioObject(sessionID string) *uso.Object {
	return uso.New(uso.TypeAudio, "device", uso.WithID(sessionID), uso.WithBinary([]byte{1, 2}))
}

func TestStartFlowAndDispatch(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry", forward: node.DefaultPort},
		"mid":   {id: "mid", forward: node.DefaultPort},
		"sink":  {id: "sink"},
	}
	eng := testEngine(t, fakes, nil)

	require.NoError(t, eng.StartFlow(context.Background(), pipelineFlow()))
	assert.True(t, eng.Running("flow-1"))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))

	assert.Equal(t, 1, fakes["entry"].receivedCount())
	assert.Equal(t, 1, fakes["mid"].receivedCount(), "entry must forward along the default edge")
	assert.Equal(t, 1, fakes["sink"].receivedCount())
}

func TestStartFlowAlreadyRunning(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry"}, "mid": {id: "mid"}, "sink": {id: "sink"},
	}
	eng := testEngine(t, fakes, nil)

	require.NoError(t, eng.StartFlow(context.Background(), pipelineFlow()))
	err := eng.StartFlow(context.Background(), pipelineFlow())

	require.Error(t, err)
	assert.ErrorIs(t, err, vserrors.ErrFlowRunning)
}

func TestStartFlowFailureLeavesNoResidue(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry"},
		"mid":   {id: "mid"},
		"sink":  {id: "sink", startErr: errors.New("listener bind failed")},
	}
	eng := testEngine(t, fakes, nil)

	err := eng.StartFlow(context.Background(), pipelineFlow())

	require.Error(t, err)
	assert.False(t, eng.Running("flow-1"))
	assert.True(t, fakes["entry"].stopped, "started nodes must be stopped on failure")
	assert.True(t, fakes["mid"].stopped)
}

func TestStopFlowUnknownIsNoop(t *testing.T) {
	eng := testEngine(t, nil, nil)

	assert.NoError(t, eng.StopFlow("never-started", time.Second))
}

func TestStopFlowAccumulatesErrors(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry", stopErr: errors.New("entry stuck")},
		"mid":   {id: "mid"},
		"sink":  {id: "sink", stopErr: errors.New("sink stuck")},
	}
	eng := testEngine(t, fakes, nil)
	require.NoError(t, eng.StartFlow(context.Background(), pipelineFlow()))

	err := eng.StopFlow("flow-1", time.Second)

	require.Error(t, err)
	assert.False(t, eng.Running("flow-1"))
	assert.True(t, fakes["mid"].stopped, "every node gets its Stop call despite sibling errors")
	assert.Contains(t, err.Error(), "2 node(s) failed to stop")
}

func TestRoutingPortMatching(t *testing.T) {
	fakes := map[string]*fakeNode{
		"src":     {id: "src", forward: "transcripts"},
		"matched": {id: "matched"},
		"other":   {id: "other"},
	}
	eng := testEngine(t, fakes, nil)

	flow := &flowstore.Flow{
		ID:   "flow-p",
		Name: "port matching",
		Nodes: []flowstore.Node{
			{ID: "src", Type: "fake"},
			{ID: "matched", Type: "fake"},
			{ID: "other", Type: "fake"},
		},
		Edges: []flowstore.Edge{
			{ID: "e1", SourceNodeID: "src", SourcePort: "transcripts", TargetNodeID: "matched"},
			{ID: "e2", SourceNodeID: "src", SourcePort: "audio", TargetNodeID: "other"},
		},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))

	assert.Equal(t, 1, fakes["matched"].receivedCount())
	assert.Equal(t, 0, fakes["other"].receivedCount(), "non-matching port must not receive")
}

func TestRoutingEmptyPortEqualsDefault(t *testing.T) {
	fakes := map[string]*fakeNode{
		"src": {id: "src", forward: ""},
		"dst": {id: "dst"},
	}
	// forward "" is a sink in fakeNode, so forward explicitly on default
	fakes["src"].forward = node.DefaultPort

	eng := testEngine(t, fakes, nil)
	flow := &flowstore.Flow{
		ID:   "flow-d",
		Name: "default port",
		Nodes: []flowstore.Node{
			{ID: "src", Type: "fake"},
			{ID: "dst", Type: "fake"},
		},
		Edges: []flowstore.Edge{
			// Edge declares no handle; publish uses the named default port
			{ID: "e1", SourceNodeID: "src", TargetNodeID: "dst"},
		},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))

	assert.Equal(t, 1, fakes["dst"].receivedCount(),
		"empty edge handle and the named default port must match")
}

func TestRoutingFanOut(t *testing.T) {
	fakes := map[string]*fakeNode{
		"src": {id: "src", forward: node.DefaultPort},
		"a":   {id: "a"},
		"b":   {id: "b"},
	}
	eng := testEngine(t, fakes, nil)

	flow := &flowstore.Flow{
		ID:   "flow-f",
		Name: "fan out",
		Nodes: []flowstore.Node{
			{ID: "src", Type: "fake"},
			{ID: "a", Type: "fake"},
			{ID: "b", Type: "fake"},
		},
		Edges: []flowstore.Edge{
			{ID: "e1", SourceNodeID: "src", TargetNodeID: "a"},
			{ID: "e2", SourceNodeID: "src", TargetNodeID: "b"},
		},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))

	assert.Equal(t, 1, fakes["a"].receivedCount())
	assert.Equal(t, 1, fakes["b"].receivedCount(), "every matching edge receives the object")
}

func TestErrorIsolation(t *testing.T) {
	sink := &fakeSink{}
	fakes := map[string]*fakeNode{
		"bad":  {id: "bad", panics: true},
		"good": {id: "good"},
	}
	eng := testEngine(t, fakes, sink)

	flow := &flowstore.Flow{
		ID:   "flow-i",
		Name: "isolation",
		Nodes: []flowstore.Node{
			{ID: "bad", Type: "fake"},
			{ID: "good", Type: "fake"},
		},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))

	assert.Equal(t, 1, fakes["good"].receivedCount(),
		"a panicking sibling must not block other entry nodes")
	assert.True(t, eng.Running("flow-i"), "the flow keeps running")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.debugs, "the panic must surface as an event")
	assert.Equal(t, "flow-i", sink.debugs[0].FlowID)
	assert.Equal(t, "bad", sink.debugs[0].NodeID)
}

func TestProcessErrorReportedNotFatal(t *testing.T) {
	sink := &fakeSink{}
	fakes := map[string]*fakeNode{
		"flaky": {id: "flaky", procErr: errors.New("downstream unavailable")},
	}
	eng := testEngine(t, fakes, sink)

	flow := &flowstore.Flow{
		ID:    "flow-e",
		Name:  "errors",
		Nodes: []flowstore.Node{{ID: "flaky", Type: "fake"}},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))
	eng.DispatchFromDevice(context.Background(), audioObject("s2"))

	assert.Equal(t, 2, fakes["flaky"].receivedCount(), "errors must not stop delivery")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.debugs, 2)
	assert.Contains(t, sink.debugs[0].Message, "downstream unavailable")
}

func TestProcessErrorAnswersDeviceSession(t *testing.T) {
	sender := &fakeSender{}
	fakes := map[string]*fakeNode{
		"flaky": {id: "flaky", procErr: errors.New("recognizer unavailable")},
	}
	eng := testEngineWithDeps(t, fakes, nil, node.Dependencies{Sender: sender})

	flow := &flowstore.Flow{
		ID:    "flow-de",
		Name:  "device errors",
		Nodes: []flowstore.Node{{ID: "flaky", Type: "fake"}},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	u := audioObject("s1")
	u.Header.Device = &uso.DeviceInfo{DeviceID: "dev-1", ConnectionID: "c-1"}
	eng.DispatchFromDevice(context.Background(), u)

	sent := sender.sentObjects()
	require.Len(t, sent, 1, "the device must be told its session failed")
	errObj := sent[0]
	assert.Equal(t, uso.TypeControl, errObj.Header.Type)
	assert.True(t, errObj.Header.Final)
	assert.Equal(t, "s1", errObj.Header.ID, "error stays on the failing session")
	require.NotNil(t, errObj.Header.Control)
	assert.Equal(t, "error", errObj.Header.Control.Action)
	assert.Equal(t, "NODE_ERROR", errObj.Header.Control.ErrorCode)
	require.NotNil(t, errObj.Header.Device)
	assert.Equal(t, "dev-1", errObj.Header.Device.DeviceID)
}

func TestProcessErrorRoutedDownstream(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry", procErr: errors.New("transform failed")},
		"sink":  {id: "sink"},
	}
	eng := testEngine(t, fakes, nil)

	flow := &flowstore.Flow{
		ID:   "flow-dn",
		Name: "downstream errors",
		Nodes: []flowstore.Node{
			{ID: "entry", Type: "fake"},
			{ID: "sink", Type: "fake"},
		},
		Edges: []flowstore.Edge{
			{ID: "e1", SourceNodeID: "entry", TargetNodeID: "sink"},
		},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	eng.DispatchFromDevice(context.Background(), audioObject("s1"))

	received := fakes["sink"].receivedObjects()
	require.Len(t, received, 1, "the failure must travel the failing node's edges")
	assert.Equal(t, uso.TypeControl, received[0].Header.Type)
	require.NotNil(t, received[0].Header.Control)
	assert.Equal(t, "error", received[0].Header.Control.Action)
	assert.Equal(t, "s1", received[0].Header.ID)
}

func TestPanicAnswersDeviceSession(t *testing.T) {
	sender := &fakeSender{}
	fakes := map[string]*fakeNode{
		"bad": {id: "bad", panics: true},
	}
	eng := testEngineWithDeps(t, fakes, nil, node.Dependencies{Sender: sender})

	flow := &flowstore.Flow{
		ID:    "flow-dp",
		Name:  "panic errors",
		Nodes: []flowstore.Node{{ID: "bad", Type: "fake"}},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	u := audioObject("s1")
	u.Header.Device = &uso.DeviceInfo{DeviceID: "dev-2"}
	eng.DispatchFromDevice(context.Background(), u)

	sent := sender.sentObjects()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Header.Control)
	assert.Equal(t, "error", sent[0].Header.Control.Action)
	assert.Equal(t, "NODE_PANIC", sent[0].Header.Control.ErrorCode)
}

func TestControlFailureGetsNoControlReply(t *testing.T) {
	sender := &fakeSender{}
	fakes := map[string]*fakeNode{
		"flaky": {id: "flaky", procErr: errors.New("bad control")},
	}
	eng := testEngineWithDeps(t, fakes, nil, node.Dependencies{Sender: sender})

	flow := &flowstore.Flow{
		ID:    "flow-dc",
		Name:  "control errors",
		Nodes: []flowstore.Node{{ID: "flaky", Type: "fake"}},
	}
	require.NoError(t, eng.StartFlow(context.Background(), flow))

	u := uso.New(uso.TypeControl, "device",
		uso.WithID("s1"),
		uso.WithDevice(uso.DeviceInfo{DeviceID: "dev-3"}),
		uso.WithControl(uso.Control{Action: "stop"}))
	eng.DispatchFromDevice(context.Background(), u)

	assert.Empty(t, sender.sentObjects(),
		"failed control objects must not spawn more control objects")
}

func TestStopAll(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry"}, "mid": {id: "mid"}, "sink": {id: "sink"},
	}
	eng := testEngine(t, fakes, nil)
	require.NoError(t, eng.StartFlow(context.Background(), pipelineFlow()))

	eng.StopAll(time.Second)

	assert.Empty(t, eng.RunningFlows())
	for id, f := range fakes {
		assert.True(t, f.stopped, "node %s must be stopped", id)
	}
}

func TestEngineHealthAggregation(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry"}, "mid": {id: "mid"}, "sink": {id: "sink"},
	}
	eng := testEngine(t, fakes, nil)
	require.NoError(t, eng.StartFlow(context.Background(), pipelineFlow()))

	status := eng.Health()

	assert.True(t, status.Healthy)
	require.Len(t, status.SubStatuses, 1)
	assert.Len(t, status.SubStatuses[0].SubStatuses, 3)
}

func TestStartEnabledSkipsDisabled(t *testing.T) {
	fakes := map[string]*fakeNode{
		"entry": {id: "entry"}, "mid": {id: "mid"}, "sink": {id: "sink"},
	}
	eng := testEngine(t, fakes, nil)

	enabled := pipelineFlow()
	enabled.Enabled = true
	disabled := pipelineFlow()
	disabled.ID = "flow-2"
	disabled.Enabled = false

	store := eng.store.(*flowstore.MemoryStore)
	require.NoError(t, store.Put(enabled))
	require.NoError(t, store.Put(disabled))

	require.NoError(t, eng.StartEnabled(context.Background()))

	assert.True(t, eng.Running("flow-1"))
	assert.False(t, eng.Running("flow-2"))
}
