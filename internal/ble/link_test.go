package ble_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/ble/sim"
	"github.com/shaunagostinho/llpble/internal/kv"
)

const devID = "C8:47:8C:00:11:22"

var llpFilter = ble.Filter{
	Services: []string{sim.LLPService},
	Targets: []ble.ServiceBinding{{
		ServiceID:              sim.LLPService,
		WriteCharacteristicID:  sim.LLPWrite,
		NotifyCharacteristicID: sim.LLPNotify,
		ReadCharacteristicID:   sim.LLPNotify,
	}},
	TargetName: "LLP_BLE",
}

func newLink(t *testing.T, store kv.Store) (*ble.Link, *sim.Adapter) {
	t.Helper()
	hw := sim.New(nil)
	hw.AddPeripheral(sim.LLPDevice(devID, "LLP_BLE_01"))
	l := ble.NewLink(hw, store, llpFilter, nil)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, hw
}

func TestLinkConnectBindsAndEnablesNotify(t *testing.T) {
	l, hw := newLink(t, nil)
	conn, err := l.Connect(context.Background(), devID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Binding.ServiceID != sim.LLPService || conn.Binding.WriteCharacteristicID != sim.LLPWrite ||
		conn.Binding.NotifyCharacteristicID != sim.LLPNotify {
		t.Errorf("binding = %+v", conn.Binding)
	}
	if !hw.NotifyEnabled(devID, sim.LLPService, sim.LLPNotify) {
		t.Error("notify not enabled on notify characteristic")
	}
	if id, _, ok := l.Bound(); !ok || id != devID {
		t.Errorf("Bound = %q, %v", id, ok)
	}
}

func TestLinkOpenIdempotent(t *testing.T) {
	l, hw := newLink(t, nil)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if !hw.IsOpen() {
		t.Error("adapter not open")
	}

	missing := sim.New(nil)
	missing.SetPresent(false)
	err := ble.NewLink(missing, nil, llpFilter, nil).Open(context.Background())
	if ble.CodeOf(err) != ble.CodeNotAvailable {
		t.Errorf("Open without radio: %v", err)
	}
}

func TestLinkBusyRetriesOnce(t *testing.T) {
	l, hw := newLink(t, nil)
	hw.FailConnect(devID, ble.NewError(ble.CodeBusy, ""))

	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatalf("Connect after busy: %v", err)
	}
	if n := hw.ConnectCalls(devID); n != 2 {
		t.Errorf("ConnectCalls = %d, want 2", n)
	}
	if n := hw.CloseCalls(devID); n != 1 {
		t.Errorf("CloseCalls = %d, want 1", n)
	}
}

func TestLinkBusyTwiceFails(t *testing.T) {
	l, hw := newLink(t, nil)
	busy := ble.NewError(ble.CodeBusy, "")
	hw.FailConnect(devID, busy, busy)

	_, err := l.Connect(context.Background(), devID)
	if !errors.Is(err, &ble.HardwareError{Code: ble.CodeBusy}) {
		t.Fatalf("err = %v, want busy", err)
	}
	if n := hw.ConnectCalls(devID); n != 2 {
		t.Errorf("ConnectCalls = %d, want 2", n)
	}
}

func TestLinkAlreadyConnected(t *testing.T) {
	l, hw := newLink(t, nil)
	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatal(err)
	}
	l.Close(context.Background())

	// the sim still holds the link, so Connect reports -1
	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatalf("reconnect over live link: %v", err)
	}
	if !hw.NotifyEnabled(devID, sim.LLPService, sim.LLPNotify) {
		t.Error("notify not re-enabled")
	}
}

func TestLinkFatalResets(t *testing.T) {
	l, hw := newLink(t, nil)
	hw.FailConnect(devID, ble.NewError(ble.CodeNotAvailable, "radio off"))

	_, err := l.Connect(context.Background(), devID)
	if ble.Classify(err) != ble.ActionFatal {
		t.Fatalf("err = %v, want fatal", err)
	}
	if _, _, ok := l.Bound(); ok {
		t.Error("link still bound after fatal error")
	}
	if hw.ConnectCalls(devID) != 1 {
		t.Errorf("fatal error retried inside link")
	}
}

func TestLinkTransientErrorsReturned(t *testing.T) {
	l, hw := newLink(t, nil)
	hw.FailConnect(devID, ble.NewError(ble.CodeConnectionFail, "timeout"))
	_, err := l.Connect(context.Background(), devID)
	if ble.Classify(err) != ble.ActionRescan {
		t.Fatalf("err = %v, want rescan class", err)
	}
	if hw.ConnectCalls(devID) != 1 {
		t.Error("link retried a rescan-class error itself")
	}
}

func TestLinkNotifyBestEffort(t *testing.T) {
	hw := sim.New(nil)
	p := sim.LLPDevice(devID, "LLP_BLE_01")
	extra := "0000fff4-0000-1000-8000-00805f9b34fb"
	p.Services[0].Characteristics = append(p.Services[0].Characteristics,
		ble.Characteristic{UUID: extra, Properties: ble.Properties{Notify: true}})
	hw.AddPeripheral(p)
	hw.FailNotify(sim.LLPNotify, ble.NewError(ble.CodePropertyNotSupport, ""))

	l := ble.NewLink(hw, nil, llpFilter, nil)
	l.Open(context.Background())
	conn, err := l.Connect(context.Background(), devID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(conn.Notifying) != 1 || !ble.SameUUID(conn.Notifying[0].CharacteristicID, extra) {
		t.Errorf("Notifying = %+v", conn.Notifying)
	}
}

func TestLinkSkipsFailingService(t *testing.T) {
	hw := sim.New(nil)
	p := sim.LLPDevice(devID, "LLP_BLE_01")
	broken := "0000180f-0000-1000-8000-00805f9b34fb"
	p.Services = append([]sim.Service{{UUID: broken}}, p.Services...)
	hw.AddPeripheral(p)
	hw.FailCharacteristics(broken, errors.New("gatt error"))

	l := ble.NewLink(hw, nil, llpFilter, nil)
	l.Open(context.Background())
	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatalf("Connect with one broken service: %v", err)
	}
}

func TestLinkNoBindingClosesConnection(t *testing.T) {
	hw := sim.New(nil)
	hw.AddPeripheral(sim.Peripheral{
		Device: ble.Device{ID: devID, Name: "LLP_BLE"},
		Services: []sim.Service{{UUID: sim.LLPService, Characteristics: []ble.Characteristic{
			{UUID: sim.LLPNotify, Properties: ble.Properties{Notify: true}},
		}}},
	})
	l := ble.NewLink(hw, nil, llpFilter, nil)
	l.Open(context.Background())

	_, err := l.Connect(context.Background(), devID)
	if !errors.Is(err, ble.ErrNoBinding) {
		t.Fatalf("err = %v, want ErrNoBinding", err)
	}
	if hw.IsConnected(devID) {
		t.Error("hardware link left open")
	}
}

func TestLinkConnectCancelled(t *testing.T) {
	l, hw := newLink(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	hw.OnConnectCall(func(context.Context, string) { cancel() })

	_, err := l.Connect(ctx, devID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, _, ok := l.Bound(); ok {
		t.Error("cancelled connect left a binding")
	}
}

func TestLinkSendAndReceive(t *testing.T) {
	l, hw := newLink(t, nil)
	if err := l.Send(context.Background(), []byte{1}); !errors.Is(err, ble.ErrNotBound) {
		t.Fatalf("Send before connect = %v", err)
	}

	var mu sync.Mutex
	var got [][]byte
	l.SetHandlers(func(v ble.ValueChange) {
		mu.Lock()
		got = append(got, v.Value)
		mu.Unlock()
	}, nil)

	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatal(err)
	}
	if err := l.Send(context.Background(), []byte{0xaa, 0x55}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w := hw.Writes()
	if len(w) != 1 || !ble.SameUUID(w[0].CharacteristicID, sim.LLPWrite) {
		t.Fatalf("writes = %+v", w)
	}

	for i := byte(0); i < 5; i++ {
		hw.Notify(devID, sim.LLPService, sim.LLPNotify, []byte{i})
	}
	hw.Notify("other-device", sim.LLPService, sim.LLPNotify, []byte{9})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("received %d values, want 5", len(got))
	}
	for i, v := range got {
		if v[0] != byte(i) {
			t.Errorf("value %d out of order: %v", i, v)
		}
	}

	hw.FailWrite(errors.New("radio glitch"))
	if err := l.Send(context.Background(), []byte{1}); err == nil {
		t.Error("write failure swallowed")
	}
}

func TestLinkCloseTearsDown(t *testing.T) {
	l, hw := newLink(t, nil)
	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatal(err)
	}
	hw.FailNotify(sim.LLPNotify, errors.New("disable failed"))

	id := l.Close(context.Background())
	if id != devID {
		t.Errorf("Close returned %q", id)
	}
	if hw.HasSubscribers() {
		t.Error("hardware subscriptions left after Close")
	}
	if _, _, ok := l.Bound(); ok {
		t.Error("binding left after Close")
	}
	if !hw.IsConnected(devID) {
		t.Error("Close should not disconnect the peripheral")
	}

	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatal(err)
	}
	hw.FailNotify(sim.LLPNotify, nil)
	if err := l.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if hw.IsConnected(devID) {
		t.Error("Disconnect left the peripheral connected")
	}
}

func TestLinkConnectOtherDeviceReleasesPrevious(t *testing.T) {
	const otherID = "F0:F0:F0:00:00:01"
	l, hw := newLink(t, nil)
	hw.AddPeripheral(sim.LLPDevice(otherID, "LLP_BLE_02"))

	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Connect(context.Background(), otherID); err != nil {
		t.Fatal(err)
	}
	if hw.IsConnected(devID) || hw.NotifyEnabled(devID, sim.LLPService, sim.LLPNotify) {
		t.Error("previous device still held")
	}
	if n := hw.CloseCalls(devID); n != 1 {
		t.Errorf("CloseCalls(previous) = %d, want 1", n)
	}
	if id, _, _ := l.Bound(); id != otherID {
		t.Errorf("Bound = %q", id)
	}

	// reconnecting the bound device does not disconnect it
	if _, err := l.Connect(context.Background(), otherID); err != nil {
		t.Fatal(err)
	}
	if n := hw.CloseCalls(otherID); n != 0 {
		t.Errorf("CloseCalls(same) = %d, want 0", n)
	}
}

func TestLinkCloseKeepsScanCallback(t *testing.T) {
	l, hw := newLink(t, nil)
	var found []string
	if err := l.StartDiscovery(context.Background(), func(d ble.Device) { found = append(found, d.ID) }); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Connect(context.Background(), devID); err != nil {
		t.Fatal(err)
	}
	l.Disconnect(context.Background())

	if !hw.Advertise(devID) {
		t.Fatal("scan callback dropped by Disconnect")
	}
	if len(found) != 2 {
		t.Errorf("found = %v", found)
	}
}

type flakyStore struct {
	*kv.Memory
	failSets int
	sets     int
}

func (f *flakyStore) Set(k, v string) error {
	f.sets++
	if f.failSets > 0 {
		f.failSets--
		return errors.New("disk full")
	}
	return f.Memory.Set(k, v)
}

func TestLinkDevicePersistence(t *testing.T) {
	store := &flakyStore{Memory: kv.NewMemory(), failSets: 1}
	l, _ := newLink(t, store)

	l.PersistDevice(ble.DeviceIdentity{DeviceID: devID, DisplayName: "LLP_BLE_01"})
	if store.sets != 2 {
		t.Errorf("sets = %d, want 2 (one retry)", store.sets)
	}
	id, ok := l.LoadDevice()
	if !ok || id.DeviceID != devID || id.DisplayName != "LLP_BLE_01" {
		t.Errorf("LoadDevice = %+v, %v", id, ok)
	}

	store.failSets = 2
	store.sets = 0
	l.PersistDevice(ble.DeviceIdentity{DeviceID: "other"})
	if store.sets != 2 {
		t.Errorf("sets = %d, want 2 before giving up", store.sets)
	}
	if id, _ := l.LoadDevice(); id.DeviceID != devID {
		t.Errorf("failed write replaced identity: %+v", id)
	}

	l.ClearDevice()
	if _, ok := l.LoadDevice(); ok {
		t.Error("identity survived ClearDevice")
	}

	store.Memory.Set(ble.DeviceKey, "AA:BB:CC:DD:EE:FF")
	if id, ok := l.LoadDevice(); !ok || id.DeviceID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("bare id load = %+v, %v", id, ok)
	}
}
