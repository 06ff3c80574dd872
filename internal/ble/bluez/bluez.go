// Package bluez implements ble.Hardware on top of the BlueZ D-Bus API
// (Adapter1, Device1, GattService1, GattCharacteristic1).
package bluez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/ble"
)

const (
	servicesResolvedTimeout = 15 * time.Second
	resolvePollInterval     = 200 * time.Millisecond
)

// Adapter drives one BlueZ controller, hci0 by default.
type Adapter struct {
	name string
	log  *zap.Logger

	mu          sync.Mutex
	conn        *dbus.Conn
	sigCh       chan *dbus.Signal
	stop        chan struct{}
	discovering bool
	scanFilter  []string
	// chars maps characteristic object paths of connected devices to their
	// identity, for routing Value changes.
	chars map[dbus.ObjectPath]gattChar
	// tables caches the resolved GATT table per device address.
	tables map[string][]gattService

	onFound func(ble.Device)
	onValue func(ble.ValueChange)
	onConn  func(ble.ConnectionChange)
}

// New returns an adapter for the named controller. Nothing touches the bus
// until OpenAdapter.
func New(name string, log *zap.Logger) *Adapter {
	if name == "" {
		name = "hci0"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		name:   name,
		log:    log.Named("bluez"),
		chars:  make(map[dbus.ObjectPath]gattChar),
		tables: make(map[string][]gattService),
	}
}

func (a *Adapter) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + a.name)
}

func (a *Adapter) bus() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, ble.NewError(ble.CodeNotInit, "bluez adapter %s not open", a.name)
	}
	return a.conn, nil
}

func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	v, err := conn.Object(busName, path).GetProperty(iface + "." + prop)
	if err != nil {
		return zero, err
	}
	t, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: property %s.%s has type %T", iface, prop, v.Value())
	}
	return t, nil
}

func (a *Adapter) managedObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := conn.Object(busName, "/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, translateError(call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode managed objects: %w", err)
	}
	return objs, nil
}

// ── adapter ──────────────────────────────────────────────────────────────

// OpenAdapter attaches to the system bus, powers the controller on and
// starts the signal watcher.
func (a *Adapter) OpenAdapter(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	conn, err := dbus.SystemBus()
	if err != nil {
		return ble.NewError(ble.CodeNotAvailable, "system bus: %v", err)
	}
	powered, err := getProperty[bool](conn, a.adapterPath(), adapterIface, "Powered")
	if err != nil {
		return ble.NewError(ble.CodeNotAvailable, "adapter %s: %v", a.name, err)
	}
	if !powered {
		a.log.Info("bluez: powering on adapter", zap.String("adapter", a.name))
		if err := conn.Object(busName, a.adapterPath()).SetProperty(adapterIface+".Powered", dbus.MakeVariant(true)); err != nil {
			return ble.NewError(ble.CodeNotAvailable, "power on %s: %v", a.name, err)
		}
	}

	if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(a.adapterPath()),
	); err != nil {
		return translateError(err)
	}
	if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(objectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return translateError(err)
	}

	sigCh := make(chan *dbus.Signal, 64)
	stop := make(chan struct{})
	conn.Signal(sigCh)

	a.mu.Lock()
	a.conn, a.sigCh, a.stop = conn, sigCh, stop
	a.mu.Unlock()

	go a.watch(sigCh, stop)
	a.log.Info("bluez: adapter open", zap.String("adapter", a.name))
	return nil
}

// CloseAdapter stops the watcher. The shared system bus connection stays
// open for other users in the process.
func (a *Adapter) CloseAdapter(ctx context.Context) error {
	a.mu.Lock()
	conn, sigCh, stop := a.conn, a.sigCh, a.stop
	a.conn, a.sigCh, a.stop = nil, nil, nil
	a.discovering = false
	a.chars = make(map[dbus.ObjectPath]gattChar)
	a.tables = make(map[string][]gattService)
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)
	conn.RemoveSignal(sigCh)
	_ = conn.RemoveMatchSignalContext(ctx,
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(a.adapterPath()),
	)
	_ = conn.RemoveMatchSignalContext(ctx,
		dbus.WithMatchInterface(objectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	)
	return nil
}

func (a *Adapter) AdapterState(ctx context.Context) (ble.AdapterState, error) {
	conn, err := a.bus()
	if err != nil {
		return ble.AdapterState{}, nil
	}
	powered, err := getProperty[bool](conn, a.adapterPath(), adapterIface, "Powered")
	if err != nil {
		return ble.AdapterState{}, translateError(err)
	}
	discovering, _ := getProperty[bool](conn, a.adapterPath(), adapterIface, "Discovering")
	return ble.AdapterState{Available: powered, Discovering: discovering}, nil
}

// ── discovery ────────────────────────────────────────────────────────────

func (a *Adapter) StartDiscovery(ctx context.Context, filter ble.DiscoveryFilter) error {
	conn, err := a.bus()
	if err != nil {
		return err
	}
	uuids := make([]string, 0, len(filter.Services))
	for _, s := range filter.Services {
		uuids = append(uuids, ble.NormalizeUUID(s))
	}
	obj := conn.Object(busName, a.adapterPath())
	opts := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(filter.AllowDuplicates),
	}
	if len(uuids) > 0 {
		opts["UUIDs"] = dbus.MakeVariant(uuids)
	}
	if call := obj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, opts); call.Err != nil {
		a.log.Debug("bluez: set discovery filter", zap.Error(call.Err))
	}
	if call := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		terr := translateError(call.Err)
		// discovery already running under another client is fine
		if ble.CodeOf(terr) != ble.CodeDuplicateConnection {
			return terr
		}
	}

	a.mu.Lock()
	a.discovering = true
	a.scanFilter = uuids
	fn := a.onFound
	a.mu.Unlock()

	// BlueZ only signals devices it has not cached yet.
	if fn != nil {
		objs, err := a.managedObjects(ctx, conn)
		if err != nil {
			return nil
		}
		for path, ifaces := range objs {
			props, ok := ifaces[deviceIface]
			if !ok || !under(path, a.adapterPath()) {
				continue
			}
			if d, ok := deviceFromProps(props); ok && advertises(d, uuids) {
				fn(d)
			}
		}
	}
	return nil
}

func (a *Adapter) StopDiscovery(ctx context.Context) error {
	a.mu.Lock()
	was := a.discovering
	a.discovering = false
	a.mu.Unlock()
	if !was {
		return nil
	}
	conn, err := a.bus()
	if err != nil {
		return nil
	}
	if call := conn.Object(busName, a.adapterPath()).CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
		return translateError(call.Err)
	}
	return nil
}

func (a *Adapter) OnDeviceFound(fn func(ble.Device)) {
	a.mu.Lock()
	a.onFound = fn
	a.mu.Unlock()
}

// ── connection ───────────────────────────────────────────────────────────

// Connect connects and waits until BlueZ has resolved the GATT services.
func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	conn, err := a.bus()
	if err != nil {
		return err
	}
	path := devicePath(a.name, deviceID)
	if connected, err := getProperty[bool](conn, path, deviceIface, "Connected"); err != nil {
		return translateError(err)
	} else if connected {
		return ble.NewError(ble.CodeAlreadyConnected, "%s already connected", deviceID)
	}

	if call := conn.Object(busName, path).CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		return translateError(call.Err)
	}
	if err := a.waitServicesResolved(ctx, conn, path); err != nil {
		return err
	}
	a.log.Info("bluez: connected", zap.String("device", deviceID))
	return nil
}

func (a *Adapter) waitServicesResolved(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath) error {
	deadline := time.NewTimer(servicesResolvedTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		resolved, err := getProperty[bool](conn, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ble.NewError(ble.CodeOperateTimeout, "service discovery timed out after %s", servicesResolvedTimeout)
		case <-ticker.C:
		}
	}
}

func (a *Adapter) Close(ctx context.Context, deviceID string) error {
	conn, err := a.bus()
	if err != nil {
		return nil
	}
	a.forget(deviceID)
	call := conn.Object(busName, devicePath(a.name, deviceID)).CallWithContext(ctx, deviceIface+".Disconnect", 0)
	if call.Err != nil {
		terr := translateError(call.Err)
		if ble.CodeOf(terr) == ble.CodeConnectionLost {
			return nil
		}
		return terr
	}
	return nil
}

func (a *Adapter) forget(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tables, deviceID)
	prefix := devicePath(a.name, deviceID)
	for p := range a.chars {
		if under(p, prefix) {
			delete(a.chars, p)
		}
	}
}

// ── GATT ─────────────────────────────────────────────────────────────────

func (a *Adapter) table(ctx context.Context, deviceID string, refresh bool) ([]gattService, error) {
	a.mu.Lock()
	t, ok := a.tables[deviceID]
	a.mu.Unlock()
	if ok && !refresh {
		return t, nil
	}
	conn, err := a.bus()
	if err != nil {
		return nil, err
	}
	objs, err := a.managedObjects(ctx, conn)
	if err != nil {
		return nil, err
	}
	t = gattTable(objs, devicePath(a.name, deviceID))
	a.mu.Lock()
	a.tables[deviceID] = t
	for _, s := range t {
		for _, c := range s.chars {
			a.chars[c.path] = c
		}
	}
	a.mu.Unlock()
	return t, nil
}

func (a *Adapter) Services(ctx context.Context, deviceID string) ([]ble.Service, error) {
	t, err := a.table(ctx, deviceID, true)
	if err != nil {
		return nil, err
	}
	if len(t) == 0 {
		return nil, ble.NewError(ble.CodeNoDevice, "no services resolved for %s", deviceID)
	}
	out := make([]ble.Service, len(t))
	for i, s := range t {
		out[i] = s.Service
	}
	return out, nil
}

func (a *Adapter) Characteristics(ctx context.Context, deviceID, serviceID string) ([]ble.Characteristic, error) {
	t, err := a.table(ctx, deviceID, false)
	if err != nil {
		return nil, err
	}
	for _, s := range t {
		if !ble.SameUUID(s.UUID, serviceID) {
			continue
		}
		out := make([]ble.Characteristic, len(s.chars))
		for i, c := range s.chars {
			out[i] = c.Characteristic
		}
		return out, nil
	}
	return nil, ble.NewError(ble.CodeNoCharacteristic, "service %s not found on %s", serviceID, deviceID)
}

func (a *Adapter) char(ctx context.Context, deviceID, serviceID, charID string) (gattChar, error) {
	t, err := a.table(ctx, deviceID, false)
	if err != nil {
		return gattChar{}, err
	}
	c, ok := findChar(t, serviceID, charID)
	if !ok {
		return gattChar{}, ble.NewError(ble.CodeNoCharacteristic, "characteristic %s/%s not found on %s", serviceID, charID, deviceID)
	}
	return c, nil
}

func (a *Adapter) SetNotify(ctx context.Context, deviceID, serviceID, charID string, enabled bool) error {
	c, err := a.char(ctx, deviceID, serviceID, charID)
	if err != nil {
		return err
	}
	if !c.Properties.Notify && !c.Properties.Indicate {
		return ble.NewError(ble.CodePropertyNotSupport, "characteristic %s cannot notify", charID)
	}
	conn, err := a.bus()
	if err != nil {
		return err
	}
	method := gattCharIface + ".StartNotify"
	if !enabled {
		method = gattCharIface + ".StopNotify"
	}
	if call := conn.Object(busName, c.path).CallWithContext(ctx, method, 0); call.Err != nil {
		return translateError(call.Err)
	}
	return nil
}

func (a *Adapter) Write(ctx context.Context, deviceID, serviceID, charID string, data []byte) error {
	c, err := a.char(ctx, deviceID, serviceID, charID)
	if err != nil {
		return err
	}
	conn, err := a.bus()
	if err != nil {
		return err
	}
	kind := "request"
	if !c.Properties.Write && c.Properties.WriteNoResponse {
		kind = "command"
	}
	call := conn.Object(busName, c.path).CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant(kind),
	})
	if call.Err != nil {
		return translateError(call.Err)
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

// ── signals ──────────────────────────────────────────────────────────────

// watch dispatches bus signals on a single goroutine, which keeps value
// changes of one characteristic in arrival order.
func (a *Adapter) watch(sigCh chan *dbus.Signal, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			switch sig.Name {
			case propsChanged:
				a.propertiesChanged(sig)
			case interfacesAdded:
				a.interfaceAdded(sig)
			}
		}
	}
}

func (a *Adapter) propertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case gattCharIface:
		value, ok := variantAs[[]byte](changed, "Value")
		if !ok {
			return
		}
		a.mu.Lock()
		c, known := a.chars[sig.Path]
		fn := a.onValue
		a.mu.Unlock()
		if !known || fn == nil {
			return
		}
		fn(ble.ValueChange{
			DeviceID:         addressFromPath(a.name, sig.Path),
			ServiceID:        c.service,
			CharacteristicID: c.UUID,
			Value:            value,
		})

	case deviceIface:
		id := addressFromPath(a.name, sig.Path)
		if id == "" {
			return
		}
		if connected, ok := variantAs[bool](changed, "Connected"); ok {
			if !connected {
				a.forget(id)
			}
			a.mu.Lock()
			fn := a.onConn
			a.mu.Unlock()
			if fn != nil {
				fn(ble.ConnectionChange{DeviceID: id, Connected: connected})
			}
		}
		if _, ok := changed["RSSI"]; ok {
			a.refreshFound(sig.Path)
		}
	}
}

func (a *Adapter) interfaceAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || !under(path, a.adapterPath()) {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return
	}
	a.report(props)
}

func (a *Adapter) refreshFound(path dbus.ObjectPath) {
	conn, err := a.bus()
	if err != nil {
		return
	}
	var props map[string]dbus.Variant
	if err := conn.Object(busName, path).Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		return
	}
	a.report(props)
}

func (a *Adapter) report(props map[string]dbus.Variant) {
	a.mu.Lock()
	discovering, filter, fn := a.discovering, a.scanFilter, a.onFound
	a.mu.Unlock()
	if !discovering || fn == nil {
		return
	}
	if d, ok := deviceFromProps(props); ok && advertises(d, filter) {
		fn(d)
	}
}

var _ ble.Hardware = (*Adapter)(nil)
