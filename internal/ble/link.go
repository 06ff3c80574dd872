package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/kv"
)

// DeviceKey is the key/value slot holding the last connected device.
const DeviceKey = "ble.last_device"

// DeviceIdentity is the persisted form of the last connected device.
type DeviceIdentity struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Connection describes an established, bound link.
type Connection struct {
	DeviceID string
	Binding  ServiceBinding
	// Notifying lists the characteristics notifications were enabled on.
	Notifying []CharRef
}

// CharRef addresses one characteristic of one service.
type CharRef struct {
	ServiceID        string
	CharacteristicID string
}

// Link drives one peripheral through Hardware. Lifecycle calls (Connect,
// Close, Disconnect) must be serialised by the owner; Send and the
// accessors may run concurrently with them.
type Link struct {
	hw     Hardware
	store  kv.Store
	filter Filter
	log    *zap.Logger

	mu        sync.RWMutex
	deviceID  string
	binding   ServiceBinding
	notifying []CharRef
	onValue   func(ValueChange)
	onConn    func(ConnectionChange)
}

// NewLink returns a link over hw. store may be nil, in which case the
// device identity is not persisted.
func NewLink(hw Hardware, store kv.Store, filter Filter, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	return &Link{
		hw:     hw,
		store:  store,
		filter: filter,
		log:    log.Named("link"),
	}
}

// Filter returns the binding filter.
func (l *Link) Filter() Filter { return l.filter }

// SetHandlers installs the receivers for hardware events. Value changes are
// forwarded only for the bound device.
func (l *Link) SetHandlers(onValue func(ValueChange), onConn func(ConnectionChange)) {
	l.mu.Lock()
	l.onValue = onValue
	l.onConn = onConn
	l.mu.Unlock()
}

// Open makes sure the adapter is available. It is a no-op when it already is.
func (l *Link) Open(ctx context.Context) error {
	st, err := l.hw.AdapterState(ctx)
	if err == nil && st.Available {
		return nil
	}
	if err := l.hw.OpenAdapter(ctx); err != nil {
		return fmt.Errorf("link: open adapter: %w", err)
	}
	return nil
}

// CloseAdapter releases the host adapter.
func (l *Link) CloseAdapter(ctx context.Context) error {
	if err := l.hw.CloseAdapter(ctx); err != nil {
		return fmt.Errorf("link: close adapter: %w", err)
	}
	return nil
}

// StartDiscovery scans for the filter's services, reporting devices to fn.
func (l *Link) StartDiscovery(ctx context.Context, fn func(Device)) error {
	l.hw.OnDeviceFound(fn)
	err := l.hw.StartDiscovery(ctx, DiscoveryFilter{Services: l.filter.Services})
	if err != nil {
		l.hw.OnDeviceFound(nil)
		return fmt.Errorf("link: start discovery: %w", err)
	}
	return nil
}

// StopDiscovery ends a scan and drops the found-device callback.
func (l *Link) StopDiscovery(ctx context.Context) error {
	l.hw.OnDeviceFound(nil)
	if err := l.hw.StopDiscovery(ctx); err != nil {
		return fmt.Errorf("link: stop discovery: %w", err)
	}
	return nil
}

// Connect connects to deviceID, discovers its GATT table, binds the
// characteristics chosen by the filter and enables notifications on every
// notify-capable characteristic. A different device still bound is
// disconnected first so only one peripheral is ever held.
//
// A busy peripheral is closed and retried once before giving up. An
// already-connected report is treated as success. Other failures are
// returned for the caller's retry policy; adapter failures also reset the
// link. If ctx is cancelled part-way the hardware connection is closed and
// ctx.Err() is returned.
func (l *Link) Connect(ctx context.Context, deviceID string) (Connection, error) {
	if prev, _, ok := l.Bound(); ok && prev != deviceID {
		l.log.Info("link: switching device", zap.String("from", prev), zap.String("to", deviceID))
		if err := l.Disconnect(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("link: disconnect previous device", zap.String("device", prev), zap.Error(err))
		}
	}
	if err := l.connectHardware(ctx, deviceID); err != nil {
		return Connection{}, err
	}

	l.hw.OnCharacteristicChange(l.handleValue)
	l.hw.OnConnectionStateChange(l.handleConn)

	services, err := l.discover(ctx, deviceID)
	if err != nil {
		l.abort(deviceID)
		return Connection{}, err
	}
	binding, err := ResolveBinding(l.filter, services)
	if err != nil {
		l.abort(deviceID)
		return Connection{}, fmt.Errorf("link: bind %s: %w", deviceID, err)
	}

	var notifying []CharRef
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if !c.Properties.Notify && !c.Properties.Indicate {
				continue
			}
			if err := l.hw.SetNotify(ctx, deviceID, svc.UUID, c.UUID, true); err != nil {
				l.log.Warn("link: enable notify failed",
					zap.String("device", deviceID),
					zap.String("service", svc.UUID),
					zap.String("characteristic", c.UUID),
					zap.Error(err),
				)
				continue
			}
			notifying = append(notifying, CharRef{ServiceID: svc.UUID, CharacteristicID: c.UUID})
		}
	}

	if err := ctx.Err(); err != nil {
		l.abort(deviceID)
		return Connection{}, err
	}

	l.mu.Lock()
	l.deviceID = deviceID
	l.binding = binding
	l.notifying = notifying
	l.mu.Unlock()

	l.log.Info("link: connected",
		zap.String("device", deviceID),
		zap.String("service", binding.ServiceID),
		zap.String("write", binding.WriteCharacteristicID),
		zap.String("notify", binding.NotifyCharacteristicID),
		zap.Int("notifying", len(notifying)),
	)
	return Connection{DeviceID: deviceID, Binding: binding, Notifying: notifying}, nil
}

func (l *Link) connectHardware(ctx context.Context, deviceID string) error {
	err := l.hw.Connect(ctx, deviceID)
	for busyRetried := false; ; busyRetried = true {
		switch Classify(err) {
		case ActionConnected:
			if err != nil {
				l.log.Info("link: already connected", zap.String("device", deviceID))
				if serr := l.hw.StopDiscovery(ctx); serr != nil {
					l.log.Debug("link: stop discovery", zap.Error(serr))
				}
			}
			return nil
		case ActionFatal:
			l.reset()
			return fmt.Errorf("link: connect %s: %w", deviceID, err)
		case ActionBusyRetry:
			if busyRetried {
				return fmt.Errorf("link: connect %s: %w", deviceID, err)
			}
			l.log.Info("link: peripheral busy, closing and retrying once", zap.String("device", deviceID))
			if cerr := l.hw.Close(ctx, deviceID); cerr != nil {
				l.log.Debug("link: close before busy retry", zap.Error(cerr))
			}
			err = l.hw.Connect(ctx, deviceID)
		default:
			return fmt.Errorf("link: connect %s: %w", deviceID, err)
		}
	}
}

func (l *Link) discover(ctx context.Context, deviceID string) ([]GATTService, error) {
	svcs, err := l.hw.Services(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("link: services of %s: %w", deviceID, err)
	}
	out := make([]GATTService, 0, len(svcs))
	for _, s := range svcs {
		chars, err := l.hw.Characteristics(ctx, deviceID, s.UUID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.log.Warn("link: characteristics failed",
				zap.String("device", deviceID),
				zap.String("service", s.UUID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, GATTService{Service: s, Characteristics: chars})
	}
	return out, nil
}

// abort closes a half-established connection. It uses a fresh context so
// the close still goes out when ctx was the reason for aborting.
func (l *Link) abort(deviceID string) {
	l.clearSubscriptions()
	if err := l.hw.Close(context.Background(), deviceID); err != nil {
		l.log.Debug("link: close after failed connect", zap.String("device", deviceID), zap.Error(err))
	}
}

// Bound returns the current device and binding.
func (l *Link) Bound() (string, ServiceBinding, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deviceID, l.binding, l.deviceID != ""
}

// Send writes buf to the bound write characteristic.
func (l *Link) Send(ctx context.Context, buf []byte) error {
	l.mu.RLock()
	id, b := l.deviceID, l.binding
	l.mu.RUnlock()

	if id == "" || b.WriteCharacteristicID == "" {
		return ErrNotBound
	}
	if err := l.hw.Write(ctx, id, b.ServiceID, b.WriteCharacteristicID, buf); err != nil {
		l.log.Error("link: write failed",
			zap.String("device", id),
			zap.String("characteristic", b.WriteCharacteristicID),
			zap.Binary("data", buf),
			zap.Error(err),
		)
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// Close disables notifications, drops the value and connection
// subscriptions and forgets the binding. A running scan keeps its
// found-device callback. It does not disconnect the peripheral and always
// completes; it returns the device that was bound, if any.
func (l *Link) Close(ctx context.Context) string {
	l.mu.Lock()
	id, notifying := l.deviceID, l.notifying
	l.deviceID, l.binding, l.notifying = "", ServiceBinding{}, nil
	l.mu.Unlock()

	if id != "" {
		for _, c := range notifying {
			if err := l.hw.SetNotify(ctx, id, c.ServiceID, c.CharacteristicID, false); err != nil {
				l.log.Warn("link: disable notify failed",
					zap.String("device", id),
					zap.String("characteristic", c.CharacteristicID),
					zap.Error(err),
				)
			}
		}
	}
	l.clearSubscriptions()
	return id
}

// Disconnect is Close followed by a hardware disconnect of the bound device.
func (l *Link) Disconnect(ctx context.Context) error {
	id := l.Close(ctx)
	if id == "" {
		return nil
	}
	if err := l.hw.Close(ctx, id); err != nil {
		return fmt.Errorf("link: disconnect %s: %w", id, err)
	}
	l.log.Info("link: disconnected", zap.String("device", id))
	return nil
}

// CloseDevice disconnects deviceID without touching the binding. Used to
// drop a connection that completed after its attempt was abandoned.
func (l *Link) CloseDevice(ctx context.Context, deviceID string) error {
	return l.hw.Close(ctx, deviceID)
}

func (l *Link) clearSubscriptions() {
	l.hw.OnCharacteristicChange(nil)
	l.hw.OnConnectionStateChange(nil)
}

func (l *Link) reset() {
	l.mu.Lock()
	l.deviceID, l.binding, l.notifying = "", ServiceBinding{}, nil
	l.mu.Unlock()
	l.clearSubscriptions()
}

func (l *Link) handleValue(v ValueChange) {
	l.mu.RLock()
	id, fn := l.deviceID, l.onValue
	l.mu.RUnlock()
	if fn == nil || (id != "" && v.DeviceID != "" && v.DeviceID != id) {
		return
	}
	fn(v)
}

func (l *Link) handleConn(c ConnectionChange) {
	l.mu.RLock()
	fn := l.onConn
	l.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

// PersistDevice stores id in the key/value slot. A failed write is retried
// once and then only logged.
func (l *Link) PersistDevice(id DeviceIdentity) {
	if l.store == nil {
		return
	}
	data, err := json.Marshal(id)
	if err != nil {
		l.log.Warn("link: encode device identity", zap.Error(err))
		return
	}
	l.retryStorage("persist", func() error { return l.store.Set(DeviceKey, string(data)) })
}

// LoadDevice returns the persisted identity. A bare device id left by an
// older writer is accepted too.
func (l *Link) LoadDevice() (DeviceIdentity, bool) {
	if l.store == nil {
		return DeviceIdentity{}, false
	}
	v, ok, err := l.store.Get(DeviceKey)
	if err != nil {
		l.log.Warn("link: storage read failed", zap.String("key", DeviceKey), zap.Error(err))
		return DeviceIdentity{}, false
	}
	if !ok || v == "" {
		return DeviceIdentity{}, false
	}
	var id DeviceIdentity
	if err := json.Unmarshal([]byte(v), &id); err != nil || id.DeviceID == "" {
		return DeviceIdentity{DeviceID: v}, true
	}
	return id, true
}

// ClearDevice erases the persisted identity.
func (l *Link) ClearDevice() {
	if l.store == nil {
		return
	}
	l.retryStorage("clear", func() error { return l.store.Remove(DeviceKey) })
}

func (l *Link) retryStorage(op string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	l.log.Debug("link: storage write failed, retrying", zap.String("op", op), zap.Error(err))
	if err = fn(); err == nil {
		return
	}
	l.log.Warn("link: storage warning",
		zap.String("op", op),
		zap.String("key", DeviceKey),
		zap.Error(errors.Join(ErrStorage, err)),
	)
}

// ErrStorage tags non-fatal persistence failures in logs.
var ErrStorage = errors.New("ble: storage warning")
