// Package ble manages the Bluetooth adapter lifecycle, device discovery and
// notification plumbing for insole telemetry acquisition. The hardware is
// abstracted behind small interfaces so the state machines can be exercised
// against mocks; the production implementation over BlueZ lives in bluez.go.
package ble

import (
	"context"
	"errors"
)

// ServiceUUID is the GATT service carrying insole telemetry. It is a
// deployment constant baked into the firmware, not user configuration.
const ServiceUUID = "f3641400-00b0-4240-ba50-05ca45bf8abc"

// ErrNotDiscovering is the normalized form of the transport's "no discovery
// in progress" error. Stop paths treat it as success.
var ErrNotDiscovering = errors.New("ble: no discovery in progress")

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	// UUID returns the characteristic UUID string.
	UUID() string
	// Subscribe enables notifications and delivers each raw value buffer to cb.
	Subscribe(cb func(data []byte)) error
	// Unsubscribe disables notifications and releases the watcher.
	Unsubscribe() error
}

// Service is a GATT service on a connected peripheral.
type Service interface {
	UUID() string
	Characteristics() ([]Characteristic, error)
}

// Device is a peripheral known to the adapter. Name and RSSI reads go over
// the wire and may stall, so callers time-box them.
type Device interface {
	Address() string
	Name() (string, error)
	RSSI() (int16, error)
	Connect(ctx context.Context) error
	Disconnect() error
	// OnDisconnect registers cb to fire when the link drops. It returns a
	// remove function that unregisters the watcher.
	OnDisconnect(cb func()) (remove func() error, err error)
	// Service resolves the primary service with the given UUID.
	Service(uuid string) (Service, error)
}

// Adapter is the underlying Bluetooth adapter capability.
type Adapter interface {
	Address() string
	Powered() (bool, error)
	SetPowered(on bool) error
	Discovering() (bool, error)
	StartDiscovery() error
	StopDiscovery() error
	// DeviceAddresses enumerates the identities currently visible.
	DeviceAddresses() ([]string, error)
	// Device returns a handle for a visible device by identity.
	Device(address string) (Device, error)
	// Release frees the adapter handle. Used on reset.
	Release() error
}

// Provider acquires adapter handles. The production provider talks to
// BlueZ; tests supply fakes.
type Provider interface {
	Acquire() (Adapter, error)
}
