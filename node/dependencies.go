package node

import (
	"log/slog"

	"github.com/c360/voicestreams/metric"
	"github.com/c360/voicestreams/remote"
)

// Dependencies carries the shared collaborators a factory needs to build a
// node. Factories validate the dependencies they actually use; a node type
// that never talks to a device may ignore Sender entirely.
type Dependencies struct {
	// Logger for local structured logging
	Logger *slog.Logger

	// Events is the side channel for debug/health/error events
	Events *EventBus

	// Sender delivers stream objects back to connected devices
	Sender Sender

	// Speech is the speech-to-text back end
	Speech remote.Service

	// Synth is the text-to-speech back end
	Synth remote.Service

	// Metrics is the optional Prometheus registry (nil = no metrics)
	Metrics *metric.Registry
}

// Log returns the configured logger or the process default
func (d Dependencies) Log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
