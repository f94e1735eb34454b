package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// staticDevices is the built-in credential table and presence tracker backing
// the gateway when no external secret store or device registry is wired in.
// Secrets come from the config file; presence lives in memory.
type staticDevices struct {
	logger *slog.Logger

	mu      sync.RWMutex
	secrets map[string]string
	status  map[string]deviceStatus
}

type deviceStatus struct {
	Status    string
	UpdatedAt time.Time
}

func newStaticDevices(secrets map[string]string, logger *slog.Logger) *staticDevices {
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return &staticDevices{
		logger:  logger,
		secrets: secrets,
		status:  make(map[string]deviceStatus),
	}
}

// ValidateClientSecret checks a device secret against the credential table
func (d *staticDevices) ValidateClientSecret(_ context.Context, clientID, secret string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	expected, known := d.secrets[clientID]
	return known && expected == secret, nil
}

// UpdateDeviceStatus records device presence changes
func (d *staticDevices) UpdateDeviceStatus(_ context.Context, clientID, status string, _ map[string]any) {
	d.mu.Lock()
	d.status[clientID] = deviceStatus{Status: status, UpdatedAt: time.Now()}
	d.mu.Unlock()

	d.logger.Info("Device status changed", "device_id", clientID, "status", status)
}
