package bluez

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/shaunagostinho/llpble/internal/ble"
)

func TestDevicePathRoundTrip(t *testing.T) {
	p := devicePath("hci0", "c8:47:8c:00:11:22")
	if p != "/org/bluez/hci0/dev_C8_47_8C_00_11_22" {
		t.Fatalf("devicePath = %s", p)
	}
	if got := addressFromPath("hci0", p); got != "C8:47:8C:00:11:22" {
		t.Errorf("addressFromPath(device) = %q", got)
	}
	if got := addressFromPath("hci0", p+"/service000a/char000b"); got != "C8:47:8C:00:11:22" {
		t.Errorf("addressFromPath(char) = %q", got)
	}
	if got := addressFromPath("hci1", p); got != "" {
		t.Errorf("other adapter matched: %q", got)
	}
}

func TestPropertiesFromFlags(t *testing.T) {
	p := propertiesFromFlags([]string{"read", "write-without-response", "notify", "extended-properties"})
	want := ble.Properties{Read: true, WriteNoResponse: true, Notify: true}
	if p != want {
		t.Errorf("properties = %+v, want %+v", p, want)
	}
	if !propertiesFromFlags([]string{"indicate", "write"}).Writable() {
		t.Error("write flag not writable")
	}
}

func TestDeviceFromProps(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant("C8:47:8C:00:11:22"),
		"Name":    dbus.MakeVariant("LLP_BLE_01"),
		"Alias":   dbus.MakeVariant("Massager"),
		"RSSI":    dbus.MakeVariant(int16(-61)),
		"UUIDs":   dbus.MakeVariant([]string{"0000FFF0-0000-1000-8000-00805F9B34FB"}),
	}
	d, ok := deviceFromProps(props)
	if !ok {
		t.Fatal("device not built")
	}
	if d.ID != "C8:47:8C:00:11:22" || d.Name != "LLP_BLE_01" || d.LocalName != "Massager" || d.RSSI != -61 {
		t.Errorf("device = %+v", d)
	}
	if !advertises(d, []string{"fff0"}) || advertises(d, []string{"180d"}) || !advertises(d, nil) {
		t.Error("advertises mismatch")
	}
	if _, ok := deviceFromProps(map[string]dbus.Variant{"Name": dbus.MakeVariant("x")}); ok {
		t.Error("device without address accepted")
	}
}

func TestGattTable(t *testing.T) {
	dev := devicePath("hci0", "C8:47:8C:00:11:22")
	svc := dev + "/service0010"
	objs := managedObjects{
		dev: {deviceIface: {"Address": dbus.MakeVariant("C8:47:8C:00:11:22")}},
		svc: {gattServiceIface: {
			"UUID":    dbus.MakeVariant("0000fff0-0000-1000-8000-00805f9b34fb"),
			"Primary": dbus.MakeVariant(true),
		}},
		svc + "/char0014": {gattCharIface: {
			"UUID":    dbus.MakeVariant("0000fff2-0000-1000-8000-00805f9b34fb"),
			"Service": dbus.MakeVariant(svc),
			"Flags":   dbus.MakeVariant([]string{"read", "notify"}),
		}},
		svc + "/char0011": {gattCharIface: {
			"UUID":    dbus.MakeVariant("0000fff1-0000-1000-8000-00805f9b34fb"),
			"Service": dbus.MakeVariant(svc),
			"Flags":   dbus.MakeVariant([]string{"write", "write-without-response"}),
		}},
		// another device's service must not leak in
		devicePath("hci0", "00:00:00:00:00:01") + "/service0001": {gattServiceIface: {
			"UUID": dbus.MakeVariant("0000180a-0000-1000-8000-00805f9b34fb"),
		}},
	}

	table := gattTable(objs, dev)
	if len(table) != 1 {
		t.Fatalf("services = %d", len(table))
	}
	s := table[0]
	if s.UUID != "0000fff0-0000-1000-8000-00805f9b34fb" || !s.Primary || len(s.chars) != 2 {
		t.Fatalf("service = %+v", s)
	}
	if s.chars[0].UUID != "0000fff1-0000-1000-8000-00805f9b34fb" {
		t.Errorf("characteristics not in handle order: %+v", s.chars)
	}

	c, ok := findChar(table, "fff0", "FFF2")
	if !ok || c.path != svc+"/char0014" || !c.Properties.Notify || c.service != s.UUID {
		t.Errorf("findChar = %+v, %v", c, ok)
	}
	if _, ok := findChar(table, "fff0", "fff9"); ok {
		t.Error("found missing characteristic")
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{dbus.Error{Name: "org.bluez.Error.AlreadyConnected", Body: []any{"Already Connected"}}, ble.CodeAlreadyConnected},
		{dbus.Error{Name: "org.bluez.Error.NotReady", Body: []any{"Resource Not Ready"}}, ble.CodeNotInit},
		{&dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject", Body: []any{"Method \"Connect\" doesn't exist"}}, ble.CodeNoDevice},
		{dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"Operation already in progress"}}, ble.CodeSystemError},
		{dbus.Error{Name: "org.bluez.Error.InProgress", Body: []any{"In Progress"}}, ble.CodeDuplicateConnection},
		{dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"le-connection-abort-by-local"}}, ble.CodeConnectionFail},
		{dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"Connection timed out"}}, ble.CodeConnectionFail},
		{dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"Device or resource busy"}}, ble.CodeBusy},
		{dbus.Error{Name: "org.bluez.Error.NotConnected", Body: []any{"Not Connected"}}, ble.CodeConnectionLost},
		{dbus.Error{Name: "org.bluez.Error.NotSupported", Body: []any{"Operation is not supported"}}, ble.CodePropertyNotSupport},
		{fmt.Errorf("call: %w", dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}), ble.CodeOperateTimeout},
		{context.DeadlineExceeded, ble.CodeOperateTimeout},
		{errors.New("socket closed"), ble.CodeSystemError},
	}
	for _, tt := range tests {
		got := translateError(tt.err)
		if code := ble.CodeOf(got); code != tt.code {
			t.Errorf("translateError(%v) code = %d, want %d", tt.err, code, tt.code)
		}
	}
	if translateError(nil) != nil {
		t.Error("nil not preserved")
	}
	if err := translateError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation rewritten: %v", err)
	}
}

func TestPropertiesChangedRoutesValue(t *testing.T) {
	a := New("hci0", nil)
	charPath := devicePath("hci0", "C8:47:8C:00:11:22") + "/service0010/char0014"
	a.chars[charPath] = gattChar{
		path:           charPath,
		service:        "0000fff0-0000-1000-8000-00805f9b34fb",
		Characteristic: ble.Characteristic{UUID: "0000fff2-0000-1000-8000-00805f9b34fb"},
	}
	var got []ble.ValueChange
	a.OnCharacteristicChange(func(v ble.ValueChange) { got = append(got, v) })
	var conns []ble.ConnectionChange
	a.OnConnectionStateChange(func(c ble.ConnectionChange) { conns = append(conns, c) })

	a.propertiesChanged(&dbus.Signal{
		Path: charPath,
		Name: propsChanged,
		Body: []any{gattCharIface, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{0xAA, 0x55})}, []string{}},
	})
	if len(got) != 1 || got[0].DeviceID != "C8:47:8C:00:11:22" || got[0].CharacteristicID != "0000fff2-0000-1000-8000-00805f9b34fb" {
		t.Fatalf("value changes = %+v", got)
	}

	a.propertiesChanged(&dbus.Signal{
		Path: devicePath("hci0", "C8:47:8C:00:11:22"),
		Name: propsChanged,
		Body: []any{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
	})
	if len(conns) != 1 || conns[0].Connected || conns[0].DeviceID != "C8:47:8C:00:11:22" {
		t.Errorf("connection changes = %+v", conns)
	}
	if len(a.chars) != 0 {
		t.Error("characteristic routes kept after disconnect")
	}
}
