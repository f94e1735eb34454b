package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/voicestreams/uso"
)

// fakeValidator scripts per-device secret checks
type fakeValidator struct {
	secrets map[string]string
	err     error
}

func (f *fakeValidator) ValidateClientSecret(_ context.Context, clientID, secret string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	expected, known := f.secrets[clientID]
	return known && expected == secret, nil
}

// fakeDispatcher records dispatched stream objects
type fakeDispatcher struct {
	mu      sync.Mutex
	objects []*uso.Object
}

func (f *fakeDispatcher) DispatchFromDevice(_ context.Context, u *uso.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, u)
}

func (f *fakeDispatcher) snapshot() []*uso.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*uso.Object(nil), f.objects...)
}

func testGateway(t *testing.T, validator SecretValidator, globalKey string) (*Gateway, *fakeDispatcher) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.GlobalKey = globalKey
	g := New(cfg, validator, nil, nil)
	dispatcher := &fakeDispatcher{}
	g.SetDispatcher(dispatcher)
	return g, dispatcher
}

func TestAuthenticate(t *testing.T) {
	validator := &fakeValidator{secrets: map[string]string{"dev-1": "s3cret"}}

	tests := []struct {
		name      string
		globalKey string
		clientID  string
		secret    string
		want      bool
	}{
		{
			name:     "valid per-device secret",
			clientID: "dev-1",
			secret:   "s3cret",
			want:     true,
		},
		{
			name:     "wrong per-device secret",
			clientID: "dev-1",
			secret:   "wrong",
			want:     false,
		},
		{
			name:     "unknown device",
			clientID: "dev-9",
			secret:   "s3cret",
			want:     false,
		},
		{
			name:      "global key accepted for any device",
			globalKey: "operator-key",
			clientID:  "dev-9",
			secret:    "operator-key",
			want:      true,
		},
		{
			name:      "global key set but per-device secret still works",
			globalKey: "operator-key",
			clientID:  "dev-1",
			secret:    "s3cret",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := testGateway(t, validator, tt.globalKey)
			assert.Equal(t, tt.want, g.authenticate(context.Background(), tt.clientID, tt.secret))
		})
	}
}

func TestAuthenticateValidatorFailure(t *testing.T) {
	g, _ := testGateway(t, &fakeValidator{err: errors.New("store unavailable")}, "")

	assert.False(t, g.authenticate(context.Background(), "dev-1", "anything"),
		"validation errors must reject, never allow")
}

func TestAuthenticateNoValidator(t *testing.T) {
	g, _ := testGateway(t, nil, "operator-key")

	assert.True(t, g.authenticate(context.Background(), "dev-1", "operator-key"))
	assert.False(t, g.authenticate(context.Background(), "dev-1", "something-else"))
}

// testConn builds a connection without a live socket; the framing handlers
// never touch the socket on the happy path.
func testConn(g *Gateway) *Connection {
	return &Connection{ID: "conn-1", DeviceID: "dev-1", gateway: g}
}

func headerFrame(t *testing.T, h uso.Header) []byte {
	t.Helper()
	data, err := json.Marshal(h)
	require.NoError(t, err)
	return data
}

func TestFramingAudioHeaderThenPayload(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handleHeaderFrame(context.Background(), headerFrame(t, uso.Header{
		ID: "s1", Type: uso.TypeAudio, SourceID: "mic", Timestamp: 1000,
	}))
	assert.Empty(t, dispatcher.snapshot(), "audio header alone dispatches nothing")

	c.handlePayloadFrame(context.Background(), []byte{0x01, 0x02})

	objects := dispatcher.snapshot()
	require.Len(t, objects, 1)
	assert.Equal(t, []byte{0x01, 0x02}, objects[0].Binary)
	assert.Equal(t, "s1", objects[0].Header.ID)
}

func TestFramingHeaderReusedAcrossChunks(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handleHeaderFrame(context.Background(), headerFrame(t, uso.Header{
		ID: "s1", Type: uso.TypeAudio, SourceID: "mic", Timestamp: 1000,
	}))
	c.handlePayloadFrame(context.Background(), []byte{0x01})
	c.handlePayloadFrame(context.Background(), []byte{0x02})
	c.handlePayloadFrame(context.Background(), []byte{0x03})

	objects := dispatcher.snapshot()
	require.Len(t, objects, 3, "a non-final header serves every following chunk")
	for _, u := range objects {
		assert.Equal(t, "s1", u.Header.ID)
	}
}

func TestFramingFinalHeaderClearsCache(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handleHeaderFrame(context.Background(), headerFrame(t, uso.Header{
		ID: "s1", Type: uso.TypeAudio, SourceID: "mic", Timestamp: 1000, Final: true,
	}))

	// The final header needs no payload and dispatches immediately
	require.Len(t, dispatcher.snapshot(), 1)
	assert.True(t, dispatcher.snapshot()[0].Header.Final)

	// The stream ended; a stray binary frame is an orphan
	c.handlePayloadFrame(context.Background(), []byte{0x09})
	assert.Len(t, dispatcher.snapshot(), 1, "orphan binary after final must be dropped")
}

func TestFramingNonAudioDispatchesImmediately(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handleHeaderFrame(context.Background(), headerFrame(t, uso.Header{
		ID: "s1", Type: uso.TypeControl, SourceID: "dev", Timestamp: 1000,
		Control: &uso.Control{Action: "start"},
	}))

	objects := dispatcher.snapshot()
	require.Len(t, objects, 1)
	assert.Equal(t, uso.TypeControl, objects[0].Header.Type)
}

func TestFramingMalformedHeaderDropped(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handleHeaderFrame(context.Background(), []byte(`{"type":"audio"}`))
	c.handleHeaderFrame(context.Background(), []byte(`garbage`))

	assert.Empty(t, dispatcher.snapshot())
	assert.Nil(t, c.pending, "malformed headers must not be cached")
}

func TestFramingOrphanBinaryDropped(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handlePayloadFrame(context.Background(), []byte{0x01, 0x02})

	assert.Empty(t, dispatcher.snapshot())
}

func TestFramingAnnotatesDevice(t *testing.T) {
	g, dispatcher := testGateway(t, nil, "")
	c := testConn(g)

	c.handleHeaderFrame(context.Background(), headerFrame(t, uso.Header{
		ID: "s1", Type: uso.TypeText, SourceID: "dev", Timestamp: 1000, Final: true,
	}))

	objects := dispatcher.snapshot()
	require.Len(t, objects, 1)
	require.NotNil(t, objects[0].Header.Device)
	assert.Equal(t, "dev-1", objects[0].Header.Device.DeviceID)
	assert.Equal(t, "conn-1", objects[0].Header.Device.ConnectionID)
}

func TestSendUSONotConnected(t *testing.T) {
	g, _ := testGateway(t, nil, "")

	delivered := g.SendUSO("dev-unknown", uso.New(uso.TypeText, "tts", uso.WithText("hi")))

	assert.False(t, delivered, "unknown devices report false without error")
}

func TestMarshalWelcome(t *testing.T) {
	data := marshalWelcome("conn-42")

	var msg welcomeMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "welcome", msg.Type)
	assert.Equal(t, "conn-42", msg.ConnectionID)
	assert.Greater(t, msg.Timestamp, int64(0))
}

func TestStartRequiresDispatcher(t *testing.T) {
	g := New(DefaultConfig(), nil, nil, nil)

	assert.Error(t, g.Start(context.Background()))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	g, _ := testGateway(t, nil, "")

	assert.NoError(t, g.Stop(0))
}
