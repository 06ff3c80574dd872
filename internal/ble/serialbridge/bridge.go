// Package serialbridge drives a BLE central that lives on a USB dongle. The
// dongle firmware speaks newline-delimited JSON over the serial port: the
// host sends numbered requests, the dongle answers each with a response of
// the same id and pushes unsolicited events (found, value, conn) in between.
package serialbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/hexutil"
)

// Config holds the serial port settings of the dongle.
type Config struct {
	Port     string        `yaml:"port" json:"port"`
	BaudRate int           `yaml:"baud_rate" json:"baudRate"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"` // per-request reply deadline
}

const (
	defaultBaud    = 115200
	defaultTimeout = 10 * time.Second
	maxLine        = 64 * 1024
	eventBacklog   = 256
)

type request struct {
	ID         uint64   `json:"id"`
	Op         string   `json:"op"`
	Device     string   `json:"device,omitempty"`
	Service    string   `json:"service,omitempty"`
	Char       string   `json:"char,omitempty"`
	Data       string   `json:"data,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty"`
	Services   []string `json:"services,omitempty"`
	Duplicates bool     `json:"duplicates,omitempty"`
}

// message is either a response (ID set, Event empty) or an event.
type message struct {
	ID    uint64 `json:"id,omitempty"`
	Event string `json:"event,omitempty"`

	OK   bool   `json:"ok"`
	Code int    `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`

	State    *ble.AdapterState    `json:"state,omitempty"`
	Services []ble.Service        `json:"services,omitempty"`
	Chars    []ble.Characteristic `json:"chars,omitempty"`

	Found     *ble.Device `json:"found,omitempty"`
	Device    string      `json:"device,omitempty"`
	Service   string      `json:"service,omitempty"`
	Char      string      `json:"char,omitempty"`
	Data      string      `json:"data,omitempty"`
	Connected bool        `json:"connected,omitempty"`
}

// Bridge implements ble.Hardware on top of the dongle protocol.
type Bridge struct {
	cfg  Config
	log  *zap.Logger
	dial func() (io.ReadWriteCloser, error)

	mu      sync.Mutex
	rw      io.ReadWriteCloser
	enc     *json.Encoder
	nextID  uint64
	pending map[uint64]chan message
	done    chan struct{}

	wmu sync.Mutex

	cbMu    sync.Mutex
	onFound func(ble.Device)
	onValue func(ble.ValueChange)
	onConn  func(ble.ConnectionChange)
}

// New returns a bridge that opens cfg.Port on OpenAdapter.
func New(cfg Config, log *zap.Logger) *Bridge {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaud
	}
	b := newBridge(cfg, log)
	b.dial = func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	return b
}

// NewConn returns a bridge over an already open stream.
func NewConn(rw io.ReadWriteCloser, cfg Config, log *zap.Logger) *Bridge {
	b := newBridge(cfg, log)
	used := false
	b.dial = func() (io.ReadWriteCloser, error) {
		if used {
			return nil, errors.New("stream already consumed")
		}
		used = true
		return rw, nil
	}
	return b
}

func newBridge(cfg Config, log *zap.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		cfg:     cfg,
		log:     log.Named("serialbridge"),
		pending: make(map[uint64]chan message),
	}
}

// attach opens the port once and starts the reader.
func (b *Bridge) attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rw != nil {
		return nil
	}
	rw, err := b.dial()
	if err != nil {
		return ble.NewError(ble.CodeNotAvailable, "open %s: %v", b.cfg.Port, err)
	}
	b.rw = rw
	b.enc = json.NewEncoder(rw)
	b.done = make(chan struct{})

	events := make(chan message, eventBacklog)
	go b.readLoop(rw, events, b.done)
	go b.eventLoop(events)
	b.log.Info("dongle attached", zap.String("port", b.cfg.Port), zap.Int("baud", b.cfg.BaudRate))
	return nil
}

// Shutdown closes the port and fails every outstanding request.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	rw, done := b.rw, b.done
	b.mu.Unlock()
	if rw == nil {
		return nil
	}
	err := rw.Close()
	<-done
	return err
}

func (b *Bridge) readLoop(rw io.Reader, events chan<- message, done chan struct{}) {
	defer close(done)
	defer close(events)

	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		var m message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			b.log.Warn("dropping malformed line", zap.ByteString("line", sc.Bytes()), zap.Error(err))
			continue
		}
		if m.Event != "" {
			events <- m
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[m.ID]
		delete(b.pending, m.ID)
		b.mu.Unlock()
		if !ok {
			b.log.Debug("reply without request", zap.Uint64("id", m.ID))
			continue
		}
		ch <- m
	}
	if err := sc.Err(); err != nil {
		b.log.Warn("dongle read failed", zap.Error(err))
	} else {
		b.log.Info("dongle stream closed")
	}

	b.mu.Lock()
	for id, ch := range b.pending {
		ch <- message{ID: id, Code: ble.CodeNotAvailable, Msg: "dongle stream closed"}
		delete(b.pending, id)
	}
	b.rw, b.enc = nil, nil
	b.mu.Unlock()
}

// eventLoop delivers events in arrival order off the reader goroutine, so a
// callback may issue requests of its own.
func (b *Bridge) eventLoop(events <-chan message) {
	for m := range events {
		b.dispatch(m)
	}
}

func (b *Bridge) dispatch(m message) {
	b.cbMu.Lock()
	onFound, onValue, onConn := b.onFound, b.onValue, b.onConn
	b.cbMu.Unlock()

	switch m.Event {
	case "found":
		if m.Found != nil && onFound != nil {
			onFound(*m.Found)
		}
	case "value":
		data, err := hexutil.HexToBytes(m.Data)
		if err != nil {
			b.log.Warn("bad value payload", zap.String("data", m.Data), zap.Error(err))
			return
		}
		if onValue != nil {
			onValue(ble.ValueChange{
				DeviceID:         m.Device,
				ServiceID:        ble.NormalizeUUID(m.Service),
				CharacteristicID: ble.NormalizeUUID(m.Char),
				Value:            data,
			})
		}
	case "conn":
		if onConn != nil {
			onConn(ble.ConnectionChange{DeviceID: m.Device, Connected: m.Connected})
		}
	default:
		b.log.Debug("unknown event", zap.String("event", m.Event))
	}
}

// call sends req and waits for its response.
func (b *Bridge) call(ctx context.Context, req request) (message, error) {
	b.mu.Lock()
	if b.rw == nil {
		b.mu.Unlock()
		return message{}, ble.NewError(ble.CodeNotInit, "dongle not attached")
	}
	b.nextID++
	req.ID = b.nextID
	ch := make(chan message, 1)
	b.pending[req.ID] = ch
	enc := b.enc
	b.mu.Unlock()

	b.wmu.Lock()
	err := enc.Encode(req)
	b.wmu.Unlock()
	if err != nil {
		b.forget(req.ID)
		return message{}, ble.NewError(ble.CodeSystemError, "%s: write: %v", req.Op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	select {
	case m := <-ch:
		if !m.OK {
			code := m.Code
			if code == ble.CodeOK {
				code = ble.CodeSystemError
			}
			return m, ble.NewError(code, "%s: %s", req.Op, m.Msg)
		}
		return m, nil
	case <-ctx.Done():
		b.forget(req.ID)
		if errors.Is(ctx.Err(), context.Canceled) {
			return message{}, ctx.Err()
		}
		return message{}, ble.NewError(ble.CodeOperateTimeout, "%s: no reply", req.Op)
	}
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// ── ble.Hardware ─────────────────────────────────────────────────────────

func (b *Bridge) OpenAdapter(ctx context.Context) error {
	if err := b.attach(); err != nil {
		return err
	}
	_, err := b.call(ctx, request{Op: "open"})
	return err
}

func (b *Bridge) CloseAdapter(ctx context.Context) error {
	_, err := b.call(ctx, request{Op: "close_adapter"})
	return err
}

func (b *Bridge) AdapterState(ctx context.Context) (ble.AdapterState, error) {
	m, err := b.call(ctx, request{Op: "state"})
	if err != nil {
		return ble.AdapterState{}, err
	}
	if m.State == nil {
		return ble.AdapterState{}, nil
	}
	return *m.State, nil
}

func (b *Bridge) StartDiscovery(ctx context.Context, filter ble.DiscoveryFilter) error {
	_, err := b.call(ctx, request{Op: "scan_start", Services: filter.Services, Duplicates: filter.AllowDuplicates})
	return err
}

func (b *Bridge) StopDiscovery(ctx context.Context) error {
	_, err := b.call(ctx, request{Op: "scan_stop"})
	return err
}

func (b *Bridge) OnDeviceFound(fn func(ble.Device)) {
	b.cbMu.Lock()
	b.onFound = fn
	b.cbMu.Unlock()
}

func (b *Bridge) Connect(ctx context.Context, deviceID string) error {
	_, err := b.call(ctx, request{Op: "connect", Device: deviceID})
	return err
}

func (b *Bridge) Close(ctx context.Context, deviceID string) error {
	_, err := b.call(ctx, request{Op: "disconnect", Device: deviceID})
	return err
}

func (b *Bridge) Services(ctx context.Context, deviceID string) ([]ble.Service, error) {
	m, err := b.call(ctx, request{Op: "services", Device: deviceID})
	if err != nil {
		return nil, err
	}
	for i := range m.Services {
		m.Services[i].UUID = ble.NormalizeUUID(m.Services[i].UUID)
	}
	return m.Services, nil
}

func (b *Bridge) Characteristics(ctx context.Context, deviceID, serviceID string) ([]ble.Characteristic, error) {
	m, err := b.call(ctx, request{Op: "chars", Device: deviceID, Service: serviceID})
	if err != nil {
		return nil, err
	}
	for i := range m.Chars {
		m.Chars[i].UUID = ble.NormalizeUUID(m.Chars[i].UUID)
	}
	return m.Chars, nil
}

func (b *Bridge) SetNotify(ctx context.Context, deviceID, serviceID, characteristicID string, enabled bool) error {
	_, err := b.call(ctx, request{
		Op:      "notify",
		Device:  deviceID,
		Service: serviceID,
		Char:    characteristicID,
		Enabled: &enabled,
	})
	return err
}

func (b *Bridge) Write(ctx context.Context, deviceID, serviceID, characteristicID string, data []byte) error {
	_, err := b.call(ctx, request{
		Op:      "write",
		Device:  deviceID,
		Service: serviceID,
		Char:    characteristicID,
		Data:    hexutil.BytesToHex(data),
	})
	return err
}

func (b *Bridge) OnCharacteristicChange(fn func(ble.ValueChange)) {
	b.cbMu.Lock()
	b.onValue = fn
	b.cbMu.Unlock()
}

func (b *Bridge) OnConnectionStateChange(fn func(ble.ConnectionChange)) {
	b.cbMu.Lock()
	b.onConn = fn
	b.cbMu.Unlock()
}

var _ ble.Hardware = (*Bridge)(nil)
