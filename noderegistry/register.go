// Package noderegistry wires every built-in node type into a registry. It
// exists so the runtime entry point and the tests share one registration
// list without importing each node package themselves.
package noderegistry

import (
	"github.com/c360/voicestreams/errors"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/node/debuglog"
	"github.com/c360/voicestreams/node/device"
	"github.com/c360/voicestreams/node/stt"
	"github.com/c360/voicestreams/node/tts"
	"github.com/c360/voicestreams/node/wsin"
	"github.com/c360/voicestreams/node/wsout"
)

// RegisterAll registers every built-in node type
func RegisterAll(registry *node.Registry) error {
	registrations := []*node.Registration{
		{
			Type:        device.InputTypeTag,
			Description: "Admits device gateway traffic into the flow",
			Schema:      device.InputSchema(),
			Factory:     device.NewInput,
		},
		{
			Type:        device.OutputTypeTag,
			Description: "Sends stream objects back to a connected device",
			Schema:      device.OutputSchema(),
			Factory:     device.NewOutput,
		},
		{
			Type:        stt.TypeTag,
			Description: "Transcribes audio via the remote speech service",
			Schema:      stt.Schema(),
			Factory:     stt.New,
		},
		{
			Type:        tts.TypeTag,
			Description: "Synthesizes speech for final text objects",
			Schema:      tts.Schema(),
			Factory:     tts.New,
		},
		{
			Type:        wsin.TypeTag,
			Description: "Hosts a WebSocket listener feeding the flow",
			Schema:      wsin.Schema(),
			Factory:     wsin.New,
		},
		{
			Type:        wsout.TypeTag,
			Description: "Forwards stream objects to an external WebSocket endpoint",
			Schema:      wsout.Schema(),
			Factory:     wsout.New,
		},
		{
			Type:        debuglog.TypeTag,
			Description: "Records received stream objects as debug events",
			Schema:      debuglog.Schema(),
			Factory:     debuglog.New,
		},
	}

	for _, reg := range registrations {
		if err := registry.Register(reg); err != nil {
			return errors.Wrap(err, "noderegistry", "RegisterAll", "node type registration")
		}
	}
	return nil
}

// NewRegistry creates a registry with every built-in node type registered
func NewRegistry() (*node.Registry, error) {
	registry := node.NewRegistry()
	if err := RegisterAll(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
