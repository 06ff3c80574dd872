// Package manager owns the single BLE link to the massage controller. It
// turns application intents (connect, send, disconnect) and hardware events
// (notifications, link loss) into state snapshots and listener callbacks,
// and drives automatic reconnection through a reconnect.Policy.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/protocol"
	"github.com/shaunagostinho/llpble/internal/reconnect"
	"github.com/shaunagostinho/llpble/internal/state"
)

var (
	ErrBusy         = reconnect.ErrBusy
	ErrNotConnected = reconnect.ErrNotConnected
	ErrExhausted    = reconnect.ErrExhausted

	ErrNoKnownDevice = errors.New("manager: no known device")
)

const (
	defaultScanDuration = 5 * time.Second
	defaultRescanWindow = 2 * time.Second
)

// Options configures a Manager. Link and Store are required.
type Options struct {
	Link  *ble.Link
	Codec *protocol.Codec
	Store *state.Store

	Reconnect reconnect.Config
	// Target decides which devices may be retried.
	Target reconnect.Filter
	// AutoReconnect starts a reconnect run when the bound device drops.
	AutoReconnect bool

	// ScanDuration bounds StartScan. RescanWindow bounds the short scan run
	// before a retry of a rescan-class failure.
	ScanDuration time.Duration
	RescanWindow time.Duration

	Listener Listener
	Logger   *zap.Logger
}

// Manager is the connection manager. Create it with New.
type Manager struct {
	link   *ble.Link
	codec  *protocol.Codec
	store  *state.Store
	policy *reconnect.Policy
	log    *zap.Logger

	scanDuration time.Duration
	rescanWindow time.Duration
	auto         atomic.Bool

	// mu guards the in-flight connect run.
	mu       sync.Mutex
	explicit bool
	cancel   context.CancelFunc
	done     chan struct{}
	device   ble.Device

	// gen is bumped by every new connect run and every disconnect; results
	// carrying an older generation are discarded.
	gen atomic.Uint64

	// opMu serialises lifecycle changes of the link against Send.
	opMu sync.RWMutex

	scanMu    sync.Mutex
	scanning  bool
	scanTimer *time.Timer
	onFound   func(ble.Device)

	lis listeners
}

// New wires a manager. The hardware event handlers of o.Link are replaced.
func New(o Options) *Manager {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if o.ScanDuration <= 0 {
		o.ScanDuration = defaultScanDuration
	}
	if o.RescanWindow <= 0 {
		o.RescanWindow = defaultRescanWindow
	}
	m := &Manager{
		link:         o.Link,
		codec:        o.Codec,
		store:        o.Store,
		log:          log.Named("manager"),
		scanDuration: o.ScanDuration,
		rescanWindow: o.RescanWindow,
	}
	m.auto.Store(o.AutoReconnect)
	m.lis.log = m.log
	m.lis.set(o.Listener)

	m.policy = reconnect.New(o.Reconnect, o.Target, reconnect.Hooks{
		Retryable:   ble.Retryable,
		BeforeRetry: m.beforeRetry,
		OnRetry: func(int, error) {
			m.publish(func(s *state.State) { s.ConnectState = state.Disconnected }, false)
		},
	}, log)

	m.link.SetHandlers(m.handleValue, m.handleConn)
	return m
}

// Policy exposes the reconnect state machine.
func (m *Manager) Policy() *reconnect.Policy { return m.policy }

// Store returns the state store the manager publishes to.
func (m *Manager) Store() *state.Store { return m.store }

// SetListener replaces the listener. Nil callbacks become no-ops.
func (m *Manager) SetListener(l Listener) { m.lis.set(l) }

// SetAutoReconnect toggles reconnection after link loss.
func (m *Manager) SetAutoReconnect(on bool) { m.auto.Store(on) }

// InitAdapter opens the host adapter.
func (m *Manager) InitAdapter(ctx context.Context) error {
	m.publish(func(s *state.State) { s.ConnectState = state.Initializing }, false)
	if err := m.link.Open(ctx); err != nil {
		m.log.Error("manager: adapter init failed", zap.Error(err))
		m.publish(func(s *state.State) {
			s.ConnectState = state.Unavailable
			s.Error = errorInfo(state.ErrTypeInit, err)
		}, false)
		return err
	}
	m.publish(func(s *state.State) {
		s.ConnectState = state.Available
		s.Error = nil
	}, false)
	return nil
}

// ── scanning ─────────────────────────────────────────────────────────────

// StartScan runs discovery for the configured scan duration. onFound, if
// set, sees every reported device. Calling it while a scan is running does
// nothing.
func (m *Manager) StartScan(ctx context.Context, onFound func(ble.Device)) error {
	m.scanMu.Lock()
	if m.scanning {
		m.scanMu.Unlock()
		return nil
	}
	m.scanning = true
	m.onFound = onFound
	if m.scanTimer != nil {
		m.scanTimer.Stop()
	}
	m.scanMu.Unlock()

	m.publish(func(s *state.State) {
		if s.ConnectState != state.Connected && s.ConnectState != state.Connecting {
			s.ConnectState = state.Scanning
		}
	}, false)

	if err := m.link.StartDiscovery(ctx, m.deviceFound); err != nil {
		m.scanMu.Lock()
		m.scanning = false
		m.onFound = nil
		m.scanMu.Unlock()
		m.log.Warn("manager: scan failed", zap.Error(err))
		m.publish(func(s *state.State) {
			if s.ConnectState == state.Scanning {
				s.ConnectState = state.Available
			}
			s.Error = errorInfo(state.ErrTypeScan, err)
		}, false)
		return err
	}

	m.scanMu.Lock()
	if m.scanning {
		m.scanTimer = time.AfterFunc(m.scanDuration, func() {
			_ = m.StopScan(context.Background())
		})
	}
	m.scanMu.Unlock()
	m.log.Info("manager: scanning", zap.Duration("window", m.scanDuration))
	return nil
}

// StopScan ends a running scan. It is a no-op when none is running.
func (m *Manager) StopScan(ctx context.Context) error {
	m.scanMu.Lock()
	if !m.scanning {
		m.scanMu.Unlock()
		return nil
	}
	m.scanning = false
	m.onFound = nil
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	m.scanMu.Unlock()

	err := m.link.StopDiscovery(ctx)
	if err != nil {
		m.log.Warn("manager: stop scan failed", zap.Error(err))
	}
	m.publish(func(s *state.State) {
		if s.ConnectState == state.Scanning {
			s.ConnectState = state.Available
		}
	}, false)
	return err
}

// Scanning reports whether a scan window is open.
func (m *Manager) Scanning() bool {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	return m.scanning
}

func (m *Manager) deviceFound(d ble.Device) {
	m.scanMu.Lock()
	fn := m.onFound
	m.scanMu.Unlock()

	info := deviceInfo(d)
	m.publish(func(s *state.State) {
		for i := range s.ScannedDevices {
			if s.ScannedDevices[i].ID == info.ID {
				s.ScannedDevices[i] = info
				return
			}
		}
		s.ScannedDevices = append(s.ScannedDevices, info)
	}, true)

	if fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("manager: device-found callback panicked", zap.Any("panic", r))
				}
			}()
			fn(d)
		}()
	}
}

func (m *Manager) beforeRetry(ctx context.Context, cause error) error {
	if ble.Classify(cause) != ble.ActionRescan {
		return nil
	}
	m.log.Debug("manager: rescanning before retry", zap.Duration("window", m.rescanWindow))
	if err := m.link.StartDiscovery(ctx, m.deviceFound); err != nil {
		return err
	}
	t := time.NewTimer(m.rescanWindow)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	t.Stop()
	return m.link.StopDiscovery(context.Background())
}

// ── connecting ───────────────────────────────────────────────────────────

// Connect connects to dev, retrying per policy. It fails with ErrBusy while
// another Connect is in flight. A reconnect run started by link loss is
// cancelled and awaited first.
func (m *Manager) Connect(ctx context.Context, dev ble.Device) error {
	if dev.ID == "" {
		return errors.New("manager: empty device id")
	}

	m.mu.Lock()
	if m.explicit {
		m.mu.Unlock()
		return ErrBusy
	}
	m.explicit = true
	prevCancel, prevDone := m.cancel, m.done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.explicit = false
		m.mu.Unlock()
	}()

	if prevCancel != nil {
		m.log.Debug("manager: cancelling reconnect run for explicit connect")
		prevCancel()
		<-prevDone
	}

	m.mu.Lock()
	runCtx, gen, finish := m.beginLocked(ctx)
	m.mu.Unlock()
	defer finish()

	return m.run(runCtx, gen, dev, true)
}

// ConnectKnown connects to the persisted device without scanning.
func (m *Manager) ConnectKnown(ctx context.Context) error {
	id, ok := m.link.LoadDevice()
	if !ok {
		return ErrNoKnownDevice
	}
	m.log.Info("manager: reconnecting known device",
		zap.String("device", id.DeviceID),
		zap.String("name", id.DisplayName),
	)
	return m.Connect(ctx, ble.Device{ID: id.DeviceID, Name: id.DisplayName})
}

// beginLocked registers a new connect run. m.mu must be held.
func (m *Manager) beginLocked(parent context.Context) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	gen := m.gen.Add(1)
	m.cancel, m.done = cancel, done
	return ctx, gen, func() {
		cancel()
		m.mu.Lock()
		if m.done == done {
			m.cancel, m.done = nil, nil
		}
		m.mu.Unlock()
		close(done)
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, dev ble.Device, explicit bool) error {
	if explicit {
		if err := m.StopScan(ctx); err != nil {
			m.log.Debug("manager: stop scan before connect", zap.Error(err))
		}
	}

	info := deviceInfo(dev)
	m.publishGen(gen, func(s *state.State) {
		s.ConnectState = state.Connecting
		s.Device = &info
		s.Error = nil
	})

	target := reconnect.Target{ID: dev.ID, Name: dev.Name, LocalName: dev.LocalName}
	err := m.policy.Run(ctx, target, explicit, func(actx context.Context) error {
		m.publishGen(gen, func(s *state.State) { s.ConnectState = state.Connecting })
		return m.attempt(actx, gen, dev)
	})

	switch {
	case err == nil:
		m.mu.Lock()
		m.device = dev
		m.mu.Unlock()
		m.link.PersistDevice(ble.DeviceIdentity{DeviceID: dev.ID, DisplayName: displayName(dev)})
		m.publishGen(gen, func(s *state.State) {
			s.ConnectState = state.Connected
			s.Device = &info
			s.Error = nil
		})
		return nil

	case ctx.Err() != nil:
		m.log.Info("manager: connect cancelled", zap.String("device", dev.ID))
		m.publishGen(gen, func(s *state.State) {
			if s.ConnectState == state.Connecting {
				s.ConnectState = state.Disconnected
			}
		})
		return ctx.Err()

	default:
		cause := err
		var pe *reconnect.Error
		if errors.As(err, &pe) && pe.Cause != nil {
			cause = pe.Cause
		}
		m.log.Error("manager: connect failed",
			zap.String("device", dev.ID),
			zap.Bool("explicit", explicit),
			zap.Error(err),
		)
		m.publishGen(gen, func(s *state.State) {
			s.ConnectState = state.Error
			s.Error = errorInfo(state.ErrTypeConnect, cause)
		})
		return err
	}
}

// attempt is one connect try. The link change and the generation check run
// under opMu so a concurrent Disconnect either sees the new binding or the
// attempt sees the newer generation and undoes itself.
func (m *Manager) attempt(ctx context.Context, gen uint64, dev ble.Device) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, err := m.link.Connect(ctx, dev.ID); err != nil {
		return err
	}
	if ctx.Err() != nil || m.gen.Load() != gen {
		m.log.Info("manager: discarding late connection", zap.String("device", dev.ID))
		if err := m.link.Disconnect(context.Background()); err != nil {
			m.log.Debug("manager: disconnect late connection", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.Canceled
	}
	return nil
}

// startAuto launches a reconnect run for dev unless one is already in flight.
func (m *Manager) startAuto(dev ble.Device) {
	m.mu.Lock()
	if m.explicit || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, gen, finish := m.beginLocked(context.Background())
	m.mu.Unlock()

	m.log.Info("manager: link lost, reconnecting", zap.String("device", dev.ID))
	go func() {
		defer finish()
		if err := m.run(ctx, gen, dev, false); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("manager: reconnect gave up", zap.String("device", dev.ID), zap.Error(err))
		}
	}()
}

// ── data path ────────────────────────────────────────────────────────────

// Send writes a raw frame to the bound device. It is never retried.
func (m *Manager) Send(ctx context.Context, buf []byte) error {
	if m.store.Get().ConnectState != state.Connected {
		return ErrNotConnected
	}
	m.opMu.RLock()
	defer m.opMu.RUnlock()
	if err := m.link.Send(ctx, buf); err != nil {
		if errors.Is(err, ble.ErrNotBound) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// SendCommand encodes req as the named command and sends it.
func (m *Manager) SendCommand(ctx context.Context, name string, req any) error {
	if m.codec == nil {
		return errors.New("manager: no codec")
	}
	if m.store.Get().ConnectState != state.Connected {
		return ErrNotConnected
	}
	buf, err := m.codec.Build(name, req)
	if err != nil {
		return fmt.Errorf("manager: build %s: %w", name, err)
	}
	return m.Send(ctx, buf)
}

func (m *Manager) handleValue(v ble.ValueChange) {
	if m.codec == nil {
		return
	}
	pkt, err := m.codec.Parse(v.Value)
	if err != nil {
		m.log.Warn("manager: bad frame",
			zap.String("device", v.DeviceID),
			zap.Binary("data", v.Value),
			zap.Error(err),
		)
		raw := protocol.DefaultDecode(v.Value)
		m.publish(func(s *state.State) {
			s.ProtocolState = protocol.StateError
			s.ProtocolData = raw
			s.Error = &state.ErrorInfo{Type: state.ErrTypeProtocol, Message: err.Error()}
		}, false)
		m.lis.receive(ReceiveEvent{
			ProtocolState: protocol.StateError,
			Value:         raw,
			Raw:           v.Value,
			Err:           err,
			At:            time.Now(),
		})
		return
	}

	m.codec.Dispatch(pkt)
	m.publish(func(s *state.State) {
		s.ProtocolState = pkt.ProtocolState
		s.ProtocolData = pkt.Value
	}, false)
	m.lis.receive(ReceiveEvent{
		ProtocolState: pkt.ProtocolState,
		Command:       pkt.Command,
		Seq:           pkt.Frame.Seq,
		Value:         pkt.Value,
		Raw:           v.Value,
		At:            time.Now(),
	})
}

func (m *Manager) handleConn(c ble.ConnectionChange) {
	if c.Connected {
		return
	}
	id, _, bound := m.link.Bound()
	if !bound || c.DeviceID != id {
		return
	}
	m.log.Warn("manager: link lost", zap.String("device", id))

	m.opMu.Lock()
	m.link.Close(context.Background())
	m.opMu.Unlock()

	m.publish(func(s *state.State) { s.ConnectState = state.Disconnected }, false)

	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev.ID != id {
		dev = ble.Device{ID: id}
	}
	if !m.auto.Load() {
		return
	}
	if !m.policy.Filter().Match(reconnect.Target{ID: dev.ID, Name: dev.Name, LocalName: dev.LocalName}) {
		m.log.Info("manager: lost device outside target filter, not reconnecting", zap.String("device", id))
		return
	}
	m.startAuto(dev)
}

// ── teardown ─────────────────────────────────────────────────────────────

// Disconnect cancels a connect in progress and tears down the link.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.gen.Add(1)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		m.log.Info("manager: cancelling connect in progress")
		cancel()
	}

	m.opMu.Lock()
	err := m.link.Disconnect(ctx)
	m.opMu.Unlock()
	if err != nil {
		m.log.Warn("manager: disconnect", zap.Error(err))
	}

	m.publish(func(s *state.State) {
		s.ConnectState = state.Disconnected
		s.Device = nil
	}, false)
	return err
}

// Close disconnects and releases the adapter. The persisted device is kept
// so the next start can reconnect it.
func (m *Manager) Close(ctx context.Context) error {
	err := m.shutdown(ctx)
	m.publish(func(s *state.State) {
		s.ConnectState = state.Unavailable
		s.Device = nil
		s.ScannedDevices = nil
	}, false)
	return err
}

// CloseAll disconnects, releases the adapter and forgets the persisted
// device.
func (m *Manager) CloseAll(ctx context.Context) error {
	err := m.shutdown(ctx)
	m.link.ClearDevice()
	m.policy.Reset()

	m.mu.Lock()
	m.device = ble.Device{}
	m.mu.Unlock()

	m.publish(func(s *state.State) {
		s.ConnectState = state.Unavailable
		s.Device = nil
		s.ScannedDevices = nil
	}, false)
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	scanErr := m.StopScan(ctx)
	discErr := m.Disconnect(ctx)
	adapterErr := m.link.CloseAdapter(ctx)
	if adapterErr != nil {
		m.log.Warn("manager: close adapter", zap.Error(adapterErr))
	}
	return errors.Join(scanErr, discErr, adapterErr)
}

// Forget erases the persisted device and resets the retry budget. The
// current link, if any, stays up.
func (m *Manager) Forget() {
	m.link.ClearDevice()
	m.policy.Reset()
	m.log.Info("manager: forgot persisted device")
}

// ── publishing ───────────────────────────────────────────────────────────

// publish mutates the store and reports a changed connect state to the
// listener. Snapshots are queued inside the store update, so the listener
// sees them in store order; callbacks run after the store lock is released.
func (m *Manager) publish(mutate func(*state.State), force bool) {
	m.store.Set(func(s *state.State) {
		mutate(s)
		m.lis.enqueue(s.Clone())
	}, force)
	m.lis.flush()
}

// publishGen publishes only while gen is the current generation.
func (m *Manager) publishGen(gen uint64, mutate func(*state.State)) {
	m.store.Set(func(s *state.State) {
		if m.gen.Load() != gen {
			return
		}
		mutate(s)
		m.lis.enqueue(s.Clone())
	}, false)
	m.lis.flush()
}

func deviceInfo(d ble.Device) state.DeviceInfo {
	info := state.DeviceInfo{ID: d.ID, Name: d.Name, LocalName: d.LocalName, RSSI: d.RSSI}
	if len(d.Services) > 0 {
		info.Services = append([]string(nil), d.Services...)
	}
	return info
}

func displayName(d ble.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.LocalName
}

func errorInfo(kind string, err error) *state.ErrorInfo {
	return &state.ErrorInfo{Type: kind, Code: ble.CodeOf(err), Message: err.Error()}
}
