package device

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/uso"
)

// OutputTypeTag is the registry type tag of the device output node
const OutputTypeTag = "device_out"

// OutputSchema returns the config schema for the device output node
func OutputSchema() node.ConfigSchema {
	return node.ConfigSchema{
		Properties: map[string]node.PropertySchema{
			"device_id": {
				Type:        "string",
				Description: "Send to this device (empty = use the object's device header)",
			},
		},
	}
}

// Output sends stream objects back to a connected device through the
// gateway. The target device comes from config or from the object's device
// header, so a flow can answer whichever device opened the session.
type Output struct {
	id       string
	deps     node.Dependencies
	deviceID string

	running atomic.Bool
	sent    atomic.Int64
	misses  atomic.Int64
}

// NewOutput creates a device output node
func NewOutput(id string, config map[string]any, deps node.Dependencies) (node.Node, error) {
	if deps.Sender == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"device.Output", "NewOutput", "sender dependency validation")
	}
	return &Output{
		id:       id,
		deps:     deps,
		deviceID: node.GetString(config, "device_id", ""),
	}, nil
}

// Meta returns node metadata
func (n *Output) Meta() node.Metadata {
	return node.Metadata{ID: n.id, Type: OutputTypeTag, Description: "Send to connected device"}
}

// Start marks the node running
func (n *Output) Start(_ context.Context) error {
	n.running.Store(true)
	return nil
}

// Process sends the stream object to the target device. A device with no
// live connection is reported as a transient error so the flow keeps
// running and the miss shows up in the event stream.
func (n *Output) Process(_ context.Context, u *uso.Object, _ node.PublishFunc) error {
	if !n.running.Load() {
		return nil
	}

	deviceID := n.deviceID
	if deviceID == "" && u.Header.Device != nil {
		deviceID = u.Header.Device.DeviceID
	}
	if deviceID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("no target device for session %s", u.Header.ID),
			"device.Output", "Process", "target resolution")
	}

	if !n.deps.Sender.SendUSO(deviceID, u) {
		n.misses.Add(1)
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrDeviceNotConnected, deviceID),
			"device.Output", "Process", "device delivery")
	}

	n.sent.Add(1)
	return nil
}

// Stop marks the node stopped
func (n *Output) Stop(_ time.Duration) error {
	n.running.Store(false)
	return nil
}

// Health reports healthy while running; delivery misses degrade the status
func (n *Output) Health() node.HealthStatus {
	if !n.running.Load() {
		return node.Unhealthy("not running")
	}
	if misses := n.misses.Load(); misses > 0 && n.sent.Load() == 0 {
		return node.Degraded(fmt.Sprintf("%d undelivered object(s), target device offline", misses))
	}
	return node.Healthy("running")
}
