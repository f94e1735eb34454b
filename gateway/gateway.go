// Package gateway implements the device-facing WebSocket endpoint. It
// authenticates IoT devices, keeps the connection registry, runs the
// ping/pong heartbeat, and bridges stream objects between devices and the
// flow engine using the two-frame USO protocol (header frame, then payload
// frame).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// SecretValidator checks device credentials. Implemented by the external
// secret store; the gateway only sees the boolean outcome.
type SecretValidator interface {
	ValidateClientSecret(ctx context.Context, clientID, secret string) (bool, error)
}

// DeviceRegistry tracks device presence in the external device store
type DeviceRegistry interface {
	UpdateDeviceStatus(ctx context.Context, clientID, status string, metadata map[string]any)
}

// Dispatcher receives assembled device-originated stream objects.
// Implemented by the flow engine.
type Dispatcher interface {
	DispatchFromDevice(ctx context.Context, u *uso.Object)
}

// Config holds gateway configuration
type Config struct {
	Port              int           `json:"port"`
	Path              string        `json:"path"`
	GlobalKey         string        `json:"-"` // operator-wide shared secret, empty = per-device only
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ReadBufferSize    int           `json:"read_buffer_size"`
	WriteBufferSize   int           `json:"write_buffer_size"`
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		Port:              8088,
		Path:              "/device",
		HeartbeatInterval: 30 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

// Gateway is the device-facing WebSocket server
type Gateway struct {
	config     Config
	validator  SecretValidator
	devices    DeviceRegistry
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics

	httpServer *http.Server
	upgrader   websocket.Upgrader

	// Connection registry keyed by generated connection id, not device id,
	// so a device can reconnect while a stale socket is draining.
	conns   map[string]*Connection
	connsMu sync.RWMutex

	// OnDisconnect is called after a connection is deregistered. Optional.
	OnDisconnect func(deviceID, connectionID string)

	started     atomic.Bool
	startTime   time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
}

var _ node.Sender = (*Gateway)(nil)

// New creates a gateway. The dispatcher may be set later with SetDispatcher
// to break the construction cycle with the engine.
func New(cfg Config, validator SecretValidator, devices DeviceRegistry, logger *slog.Logger) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/device"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		config:    cfg,
		validator: validator,
		devices:   devices,
		logger:    logger,
		conns:     make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// SetDispatcher wires the flow engine in. Must be called before Start.
func (g *Gateway) SetDispatcher(d Dispatcher) {
	g.dispatcher = d
}

// RegisterMetrics attaches Prometheus metrics to the gateway
func (g *Gateway) RegisterMetrics(registry metricsRegistrar) error {
	m, err := newMetrics(registry)
	if err != nil {
		return err
	}
	g.metrics = m
	return nil
}

// Start begins listening for device connections and runs the heartbeat loop
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start", "state check")
	}
	if g.dispatcher == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "Start", "dispatcher validation")
	}

	gwCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc(g.config.Path, func(w http.ResponseWriter, r *http.Request) {
		g.handleDevice(gwCtx, w, r)
	})

	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.config.Port),
		Handler: mux,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("Device gateway server failed", "error", err)
		}
	}()

	g.wg.Add(1)
	go g.heartbeatLoop(gwCtx)

	g.startTime = time.Now()
	g.started.Store(true)
	g.logger.Info("Device gateway started", "port", g.config.Port, "path", g.config.Path)
	return nil
}

// Stop shuts the listener down and closes every device connection
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started.Load() {
		return nil
	}

	g.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if g.httpServer != nil {
		_ = g.httpServer.Shutdown(ctx)
	}

	g.connsMu.Lock()
	for _, c := range g.conns {
		c.close(websocket.CloseGoingAway, "gateway shutting down")
	}
	g.conns = make(map[string]*Connection)
	g.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Gateway", "Stop", "wait for goroutines")
	}

	g.started.Store(false)
	return nil
}

// handleDevice authenticates and registers an incoming device connection
func (g *Gateway) handleDevice(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	secret := r.URL.Query().Get("secret")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Device connection upgrade failed", "error", err)
		return
	}

	if clientID == "" || secret == "" {
		g.rejectConnection(conn, errors.ErrMissingCreds)
		return
	}

	if !g.authenticate(ctx, clientID, secret) {
		g.rejectConnection(conn, errors.ErrAuthFailed)
		return
	}

	c := newConnection(uuid.NewString(), clientID, conn, g)

	g.connsMu.Lock()
	g.conns[c.ID] = c
	total := len(g.conns)
	g.connsMu.Unlock()

	if g.metrics != nil {
		g.metrics.connectionsTotal.Inc()
		g.metrics.connectionsActive.Set(float64(total))
	}

	if g.devices != nil {
		g.devices.UpdateDeviceStatus(ctx, clientID, "online", map[string]any{
			"connection_id": c.ID,
		})
	}

	c.sendWelcome()
	g.logger.Info("Device connected", "device_id", clientID, "connection_id", c.ID)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		c.readLoop(ctx)
		g.deregister(ctx, c)
	}()
}

// authenticate checks the operator-wide key first, then the per-device
// secret via the external validator.
func (g *Gateway) authenticate(ctx context.Context, clientID, secret string) bool {
	if g.config.GlobalKey != "" && secret == g.config.GlobalKey {
		return true
	}

	if g.validator == nil {
		return false
	}

	ok, err := g.validator.ValidateClientSecret(ctx, clientID, secret)
	if err != nil {
		g.logger.Warn("Secret validation failed", "device_id", clientID, "error", err)
		return false
	}
	return ok
}

// rejectConnection closes an unauthenticated socket with a policy-violation
// code carrying the failure as the close reason. The connection is never
// registered.
func (g *Gateway) rejectConnection(conn *websocket.Conn, cause error) {
	if g.metrics != nil {
		g.metrics.authFailures.Inc()
	}
	g.logger.Warn("Device connection rejected", "reason", cause)

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, cause.Error())
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// deregister removes a connection and marks the device offline
func (g *Gateway) deregister(ctx context.Context, c *Connection) {
	g.connsMu.Lock()
	_, known := g.conns[c.ID]
	delete(g.conns, c.ID)
	total := len(g.conns)
	g.connsMu.Unlock()

	if !known {
		return
	}

	if g.metrics != nil {
		g.metrics.connectionsActive.Set(float64(total))
	}

	if g.devices != nil {
		g.devices.UpdateDeviceStatus(ctx, c.DeviceID, "offline", nil)
	}

	g.logger.Info("Device disconnected", "device_id", c.DeviceID, "connection_id", c.ID)

	if g.OnDisconnect != nil {
		g.OnDisconnect(c.DeviceID, c.ID)
	}
}

// heartbeatLoop pings every connection on a fixed interval and terminates
// connections that did not answer the previous ping. A dead socket survives
// at most one missed interval.
func (g *Gateway) heartbeatLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pingAll(ctx)
		}
	}
}

func (g *Gateway) pingAll(ctx context.Context) {
	g.connsMu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.RUnlock()

	for _, c := range conns {
		if !c.alive.Load() {
			g.logger.Warn("Terminating unresponsive device connection",
				"device_id", c.DeviceID, "connection_id", c.ID)
			c.close(websocket.CloseGoingAway, "heartbeat timeout")
			g.deregister(ctx, c)
			continue
		}
		c.alive.Store(false)
		c.ping()
	}
}

// SendUSO delivers a stream object to the named device as a header frame
// followed by a payload frame when the payload is non-empty. Returns false
// without error if the device has no live connection.
func (g *Gateway) SendUSO(deviceID string, u *uso.Object) bool {
	g.connsMu.RLock()
	var target *Connection
	for _, c := range g.conns {
		if c.DeviceID == deviceID {
			target = c
			break
		}
	}
	g.connsMu.RUnlock()

	if target == nil {
		return false
	}

	if err := target.sendUSO(u); err != nil {
		g.logger.Warn("Failed to send stream object to device",
			"device_id", deviceID, "session_id", u.Header.ID, "error", err)
		return false
	}

	if g.metrics != nil {
		g.metrics.framesSent.Add(2)
	}
	return true
}

// ConnectedDevices returns the device ids of all live connections
func (g *Gateway) ConnectedDevices() []string {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()

	devices := make([]string, 0, len(g.conns))
	for _, c := range g.conns {
		devices = append(devices, c.DeviceID)
	}
	return devices
}

// Health reports gateway health for the aggregate health endpoint
func (g *Gateway) Health() node.HealthStatus {
	if !g.started.Load() {
		return node.Unhealthy("gateway not started")
	}
	g.connsMu.RLock()
	count := len(g.conns)
	g.connsMu.RUnlock()
	return node.Healthy(fmt.Sprintf("%d device(s) connected", count))
}

// welcomeMessage is the JSON acknowledgement sent after registration
type welcomeMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

func marshalWelcome(connectionID string) []byte {
	data, _ := json.Marshal(welcomeMessage{
		Type:         "welcome",
		ConnectionID: connectionID,
		Timestamp:    time.Now().UnixMilli(),
	})
	return data
}
