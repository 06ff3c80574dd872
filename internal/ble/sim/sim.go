// Package sim is an in-process BLE stack with scriptable peripherals. It
// backs the -demo mode of the daemon and the tests of everything above the
// Hardware interface.
package sim

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/ble"
)

// Service is a simulated GATT service.
type Service struct {
	UUID            string
	Characteristics []ble.Characteristic
}

// Peripheral is a simulated device.
type Peripheral struct {
	Device   ble.Device
	Services []Service
}

// Written records one Write call.
type Written struct {
	DeviceID         string
	ServiceID        string
	CharacteristicID string
	Data             []byte
}

// Adapter implements ble.Hardware.
type Adapter struct {
	log *zap.Logger

	mu          sync.Mutex
	present     bool
	open        bool
	discovering bool
	peripherals map[string]*Peripheral
	order       []string
	connected   map[string]bool
	notifying   map[notifyKey]bool

	connectErrs  map[string][]error
	connectFail  map[string]error
	serviceErrs  map[string]error
	charErrs     map[string]error
	notifyErrs   map[string]error
	writeErr     error
	connectCalls map[string]int
	closeCalls   map[string]int
	writes       []Written
	onWrite      func(Written)
	connectHook  func(ctx context.Context, deviceID string)

	onFound func(ble.Device)
	onValue func(ble.ValueChange)
	onConn  func(ble.ConnectionChange)

	// cbMu serialises callback delivery so events arrive in order.
	cbMu sync.Mutex
}

type notifyKey struct{ device, service, char string }

// New returns an adapter that is present but not yet opened.
func New(log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		log:          log.Named("sim"),
		present:      true,
		peripherals:  make(map[string]*Peripheral),
		connected:    make(map[string]bool),
		notifying:    make(map[notifyKey]bool),
		connectErrs:  make(map[string][]error),
		connectFail:  make(map[string]error),
		serviceErrs:  make(map[string]error),
		charErrs:     make(map[string]error),
		notifyErrs:   make(map[string]error),
		connectCalls: make(map[string]int),
		closeCalls:   make(map[string]int),
	}
}

// AddPeripheral makes p discoverable and connectable.
func (a *Adapter) AddPeripheral(p Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.peripherals[p.Device.ID]; !ok {
		a.order = append(a.order, p.Device.ID)
	}
	cp := p
	a.peripherals[p.Device.ID] = &cp
}

// SetPresent simulates the host radio appearing or disappearing.
func (a *Adapter) SetPresent(v bool) {
	a.mu.Lock()
	a.present = v
	if !v {
		a.open = false
	}
	a.mu.Unlock()
}

// FailConnect queues errors returned by the next Connect calls for id.
func (a *Adapter) FailConnect(id string, errs ...error) {
	a.mu.Lock()
	a.connectErrs[id] = append(a.connectErrs[id], errs...)
	a.mu.Unlock()
}

// FailConnectAlways makes every Connect to id fail with err. A nil err
// clears it.
func (a *Adapter) FailConnectAlways(id string, err error) {
	a.mu.Lock()
	if err == nil {
		delete(a.connectFail, id)
	} else {
		a.connectFail[id] = err
	}
	a.mu.Unlock()
}

// FailServices makes service enumeration of id fail.
func (a *Adapter) FailServices(id string, err error) {
	a.mu.Lock()
	a.serviceErrs[id] = err
	a.mu.Unlock()
}

// FailCharacteristics makes characteristic enumeration of serviceID fail.
func (a *Adapter) FailCharacteristics(serviceID string, err error) {
	a.mu.Lock()
	a.charErrs[ble.NormalizeUUID(serviceID)] = err
	a.mu.Unlock()
}

// FailNotify makes SetNotify on charID fail.
func (a *Adapter) FailNotify(charID string, err error) {
	a.mu.Lock()
	a.notifyErrs[ble.NormalizeUUID(charID)] = err
	a.mu.Unlock()
}

// FailWrite makes every Write fail with err. A nil err clears it.
func (a *Adapter) FailWrite(err error) {
	a.mu.Lock()
	a.writeErr = err
	a.mu.Unlock()
}

// OnWrite installs fn to observe each successful write, e.g. to answer it
// with Notify.
func (a *Adapter) OnWrite(fn func(Written)) {
	a.mu.Lock()
	a.onWrite = fn
	a.mu.Unlock()
}

// OnConnectCall installs fn to run at the start of every Connect call,
// before its outcome is decided. Tests use it to block or observe attempts.
func (a *Adapter) OnConnectCall(fn func(ctx context.Context, deviceID string)) {
	a.mu.Lock()
	a.connectHook = fn
	a.mu.Unlock()
}

// ConnectCalls reports how many times Connect was called for id.
func (a *Adapter) ConnectCalls(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls[id]
}

// CloseCalls reports how many times Close was called for id.
func (a *Adapter) CloseCalls(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeCalls[id]
}

// Writes returns a copy of all recorded writes.
func (a *Adapter) Writes() []Written {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Written(nil), a.writes...)
}

// IsConnected reports the simulated link state of id.
func (a *Adapter) IsConnected(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected[id]
}

// IsOpen reports whether the adapter is open.
func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// NotifyEnabled reports whether notifications are on for a characteristic.
func (a *Adapter) NotifyEnabled(deviceID, serviceID, charID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notifying[key(deviceID, serviceID, charID)]
}

// HasSubscribers reports whether value or connection callbacks are set.
func (a *Adapter) HasSubscribers() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onValue != nil || a.onConn != nil
}

// DropLink simulates the peripheral going out of range.
func (a *Adapter) DropLink(id string) {
	a.mu.Lock()
	was := a.connected[id]
	delete(a.connected, id)
	for k := range a.notifying {
		if k.device == id {
			delete(a.notifying, k)
		}
	}
	fn := a.onConn
	a.mu.Unlock()
	if was && fn != nil {
		a.deliver(func() { fn(ble.ConnectionChange{DeviceID: id, Connected: false}) })
	}
}

// Advertise reports peripheral id to the found-device callback, as a
// peripheral coming into range during an open scan would. It reports false
// when no scan is running or id is unknown.
func (a *Adapter) Advertise(id string) bool {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	fn := a.onFound
	running := a.discovering
	a.mu.Unlock()
	if !ok || !running || fn == nil {
		return false
	}
	d := p.Device
	a.deliver(func() { fn(d) })
	return true
}

// Notify pushes a value change from the peripheral. It is dropped unless
// notifications are enabled on that characteristic.
func (a *Adapter) Notify(deviceID, serviceID, charID string, value []byte) bool {
	a.mu.Lock()
	on := a.notifying[key(deviceID, serviceID, charID)]
	fn := a.onValue
	a.mu.Unlock()
	if !on || fn == nil {
		return false
	}
	v := ble.ValueChange{
		DeviceID:         deviceID,
		ServiceID:        serviceID,
		CharacteristicID: charID,
		Value:            append([]byte(nil), value...),
	}
	a.deliver(func() { fn(v) })
	return true
}

func (a *Adapter) deliver(fn func()) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	fn()
}

func key(device, service, char string) notifyKey {
	return notifyKey{device, ble.NormalizeUUID(service), ble.NormalizeUUID(char)}
}

// ── ble.Hardware ─────────────────────────────────────────────────────────

func (a *Adapter) OpenAdapter(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.present {
		return ble.NewError(ble.CodeNotAvailable, "no simulated radio")
	}
	a.open = true
	return nil
}

func (a *Adapter) CloseAdapter(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	a.discovering = false
	a.connected = make(map[string]bool)
	a.notifying = make(map[notifyKey]bool)
	return nil
}

func (a *Adapter) AdapterState(ctx context.Context) (ble.AdapterState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ble.AdapterState{Available: a.open && a.present, Discovering: a.discovering}, nil
}

func (a *Adapter) StartDiscovery(ctx context.Context, filter ble.DiscoveryFilter) error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return ble.NewError(ble.CodeNotInit, "adapter closed")
	}
	a.discovering = true
	var found []ble.Device
	for _, id := range a.order {
		p := a.peripherals[id]
		if matchesServices(p, filter.Services) {
			found = append(found, p.Device)
		}
	}
	fn := a.onFound
	a.mu.Unlock()

	if fn != nil {
		for _, d := range found {
			d := d
			a.deliver(func() { fn(d) })
		}
	}
	return nil
}

func matchesServices(p *Peripheral, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, s := range p.Device.Services {
			if ble.SameUUID(s, w) {
				return true
			}
		}
		for _, s := range p.Services {
			if ble.SameUUID(s.UUID, w) {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) StopDiscovery(ctx context.Context) error {
	a.mu.Lock()
	a.discovering = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) OnDeviceFound(fn func(ble.Device)) {
	a.mu.Lock()
	a.onFound = fn
	a.mu.Unlock()
}

func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	a.connectCalls[deviceID]++
	hook := a.connectHook
	a.mu.Unlock()

	if hook != nil {
		hook(ctx, deviceID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return ble.NewError(ble.CodeNotInit, "adapter closed")
	}
	if q := a.connectErrs[deviceID]; len(q) > 0 {
		a.connectErrs[deviceID] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	if err := a.connectFail[deviceID]; err != nil {
		return err
	}
	if _, ok := a.peripherals[deviceID]; !ok {
		return ble.NewError(ble.CodeConnectionFail, "no such peripheral %s", deviceID)
	}
	if a.connected[deviceID] {
		return ble.NewError(ble.CodeAlreadyConnected, "")
	}
	a.connected[deviceID] = true
	a.log.Debug("sim: connected", zap.String("device", deviceID))
	return nil
}

func (a *Adapter) Close(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeCalls[deviceID]++
	delete(a.connected, deviceID)
	for k := range a.notifying {
		if k.device == deviceID {
			delete(a.notifying, k)
		}
	}
	return nil
}

func (a *Adapter) Services(ctx context.Context, deviceID string) ([]ble.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.serviceErrs[deviceID]; err != nil {
		return nil, err
	}
	p, ok := a.peripherals[deviceID]
	if !ok || !a.connected[deviceID] {
		return nil, ble.NewError(ble.CodeConnectionLost, "%s not connected", deviceID)
	}
	out := make([]ble.Service, 0, len(p.Services))
	for _, s := range p.Services {
		out = append(out, ble.Service{UUID: s.UUID, Primary: true})
	}
	return out, nil
}

func (a *Adapter) Characteristics(ctx context.Context, deviceID, serviceID string) ([]ble.Characteristic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.charErrs[ble.NormalizeUUID(serviceID)]; err != nil {
		return nil, err
	}
	p, ok := a.peripherals[deviceID]
	if !ok || !a.connected[deviceID] {
		return nil, ble.NewError(ble.CodeConnectionLost, "%s not connected", deviceID)
	}
	for _, s := range p.Services {
		if ble.SameUUID(s.UUID, serviceID) {
			return append([]ble.Characteristic(nil), s.Characteristics...), nil
		}
	}
	return nil, ble.NewError(ble.CodeNoCharacteristic, "no service %s", serviceID)
}

func (a *Adapter) SetNotify(ctx context.Context, deviceID, serviceID, charID string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.notifyErrs[ble.NormalizeUUID(charID)]; err != nil {
		return err
	}
	if !a.connected[deviceID] {
		return ble.NewError(ble.CodeConnectionLost, "%s not connected", deviceID)
	}
	k := key(deviceID, serviceID, charID)
	if enabled {
		a.notifying[k] = true
	} else {
		delete(a.notifying, k)
	}
	return nil
}

func (a *Adapter) Write(ctx context.Context, deviceID, serviceID, charID string, data []byte) error {
	a.mu.Lock()
	if a.writeErr != nil {
		err := a.writeErr
		a.mu.Unlock()
		return err
	}
	if !a.connected[deviceID] {
		a.mu.Unlock()
		return ble.NewError(ble.CodeConnectionLost, "%s not connected", deviceID)
	}
	w := Written{DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: charID, Data: append([]byte(nil), data...)}
	a.writes = append(a.writes, w)
	fn := a.onWrite
	a.mu.Unlock()
	if fn != nil {
		fn(w)
	}
	return nil
}

func (a *Adapter) OnCharacteristicChange(fn func(ble.ValueChange)) {
	a.mu.Lock()
	a.onValue = fn
	a.mu.Unlock()
}

func (a *Adapter) OnConnectionStateChange(fn func(ble.ConnectionChange)) {
	a.mu.Lock()
	a.onConn = fn
	a.mu.Unlock()
}

var _ ble.Hardware = (*Adapter)(nil)
