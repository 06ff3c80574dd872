// Package ble adapts a host Bluetooth Low Energy stack to the lifecycle the
// connection manager needs: open the adapter, connect, discover and bind the
// GATT characteristics, enable notifications, write frames, tear down.
//
// The host stack is reached only through the Hardware interface. Backends
// live in subpackages: bluez (D-Bus), serialbridge (USB dongle) and sim.
package ble

import (
	"context"
	"time"
)

// Properties are the capability flags of a characteristic.
type Properties struct {
	Read            bool `json:"read"`
	Write           bool `json:"write"`
	WriteNoResponse bool `json:"writeNoResponse"`
	Notify          bool `json:"notify"`
	Indicate        bool `json:"indicate"`
}

// Writable reports whether either write flavour is supported.
func (p Properties) Writable() bool { return p.Write || p.WriteNoResponse }

// Characteristic is one GATT characteristic of a service.
type Characteristic struct {
	UUID       string     `json:"uuid"`
	Properties Properties `json:"properties"`
}

// Service is one GATT service of a connected peripheral.
type Service struct {
	UUID    string `json:"uuid"`
	Primary bool   `json:"isPrimary"`
}

// Device is an advertising or connected peripheral.
type Device struct {
	ID        string   `json:"deviceId"`
	Name      string   `json:"name,omitempty"`
	LocalName string   `json:"localName,omitempty"`
	RSSI      int      `json:"rssi,omitempty"`
	Services  []string `json:"services,omitempty"`
}

// AdapterState is the host adapter status.
type AdapterState struct {
	Available   bool `json:"available"`
	Discovering bool `json:"discovering"`
}

// DiscoveryFilter narrows a scan.
type DiscoveryFilter struct {
	Services        []string
	AllowDuplicates bool
	Interval        time.Duration
}

// ValueChange is a notification or indication from a characteristic.
type ValueChange struct {
	DeviceID         string
	ServiceID        string
	CharacteristicID string
	Value            []byte
}

// ConnectionChange reports a link coming up or going down.
type ConnectionChange struct {
	DeviceID  string
	Connected bool
}

// Hardware is the host BLE stack. Every call blocks until the stack reports
// success or failure; failures should be *HardwareError where the backend
// can map them. Passing nil to an On* method removes the callback.
//
// Callbacks may run on any goroutine, but a backend must deliver the value
// changes of one characteristic sequentially and in arrival order.
type Hardware interface {
	OpenAdapter(ctx context.Context) error
	CloseAdapter(ctx context.Context) error
	AdapterState(ctx context.Context) (AdapterState, error)

	StartDiscovery(ctx context.Context, filter DiscoveryFilter) error
	StopDiscovery(ctx context.Context) error
	OnDeviceFound(fn func(Device))

	Connect(ctx context.Context, deviceID string) error
	Close(ctx context.Context, deviceID string) error
	Services(ctx context.Context, deviceID string) ([]Service, error)
	Characteristics(ctx context.Context, deviceID, serviceID string) ([]Characteristic, error)
	SetNotify(ctx context.Context, deviceID, serviceID, characteristicID string, enabled bool) error
	Write(ctx context.Context, deviceID, serviceID, characteristicID string, data []byte) error

	OnCharacteristicChange(fn func(ValueChange))
	OnConnectionStateChange(fn func(ConnectionChange))
}
