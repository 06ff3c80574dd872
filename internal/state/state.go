// Package state holds the connection and protocol snapshot shared between
// the connection manager and its observers.
package state

// ConnectState is the lifecycle position of the BLE link.
type ConnectState string

const (
	Unavailable  ConnectState = "unavailable"
	Initializing ConnectState = "initializing"
	Available    ConnectState = "available"
	Scanning     ConnectState = "scanning"
	Connecting   ConnectState = "connecting"
	Connected    ConnectState = "connected"
	Disconnected ConnectState = "disconnected"
	Error        ConnectState = "error"
)

// Error categories recorded in ErrorInfo.Type.
const (
	ErrTypeInit     = "INIT"
	ErrTypeScan     = "SCAN"
	ErrTypeConnect  = "CONNECT"
	ErrTypeProtocol = "PROTOCOL"
)

// DeviceInfo describes a peripheral, either the bound one or a scan result.
type DeviceInfo struct {
	ID        string   `json:"deviceId"`
	Name      string   `json:"name,omitempty"`
	LocalName string   `json:"localName,omitempty"`
	RSSI      int      `json:"rssi,omitempty"`
	Services  []string `json:"services,omitempty"`
}

// ErrorInfo is the last failure surfaced to observers.
type ErrorInfo struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// State is one snapshot. ProtocolData holds decoded protocol values, which
// are treated as immutable once stored.
type State struct {
	ConnectState   ConnectState `json:"connectState"`
	Device         *DeviceInfo  `json:"deviceInfo"`
	Error          *ErrorInfo   `json:"error"`
	ProtocolState  string       `json:"protocolState,omitempty"`
	ProtocolData   any          `json:"protocolData,omitempty"`
	ScannedDevices []DeviceInfo `json:"scannedDevices,omitempty"`
}

// Default is the snapshot a fresh or reset store holds.
func Default() State {
	return State{ConnectState: Unavailable}
}

// Clone returns a copy that shares no mutable memory with s, apart from
// ProtocolData.
func (s State) Clone() State {
	out := s
	if s.Device != nil {
		d := cloneDevice(*s.Device)
		out.Device = &d
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.ScannedDevices != nil {
		out.ScannedDevices = make([]DeviceInfo, len(s.ScannedDevices))
		for i, d := range s.ScannedDevices {
			out.ScannedDevices[i] = cloneDevice(d)
		}
	}
	return out
}

func cloneDevice(d DeviceInfo) DeviceInfo {
	if d.Services != nil {
		d.Services = append([]string(nil), d.Services...)
	}
	return d
}
