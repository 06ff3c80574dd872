package bluez

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/shaunagostinho/llpble/internal/ble"
)

const (
	busName           = "org.bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	gattServiceIface  = "org.bluez.GattService1"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	propsIface        = "org.freedesktop.DBus.Properties"
	objectManager     = "org.freedesktop.DBus.ObjectManager"
	propsChanged      = propsIface + ".PropertiesChanged"
	interfacesAdded   = objectManager + ".InterfacesAdded"
	interfacesRemoved = objectManager + ".InterfacesRemoved"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicePath converts "AA:BB:CC:DD:EE:FF" on hci0 to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(addr), ":", "_")))
}

// addressFromPath extracts the MAC address from a device path or any object
// below it (service, characteristic).
func addressFromPath(adapter string, path dbus.ObjectPath) string {
	prefix := "/org/bluez/" + adapter + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	s = s[len(prefix):]
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "_", ":")
}

func under(path, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(parent)+"/")
}

func variantAs[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// deviceFromProps builds a ble.Device from Device1 properties.
func deviceFromProps(props map[string]dbus.Variant) (ble.Device, bool) {
	addr, ok := variantAs[string](props, "Address")
	if !ok || addr == "" {
		return ble.Device{}, false
	}
	d := ble.Device{ID: addr}
	d.Name, _ = variantAs[string](props, "Name")
	d.LocalName, _ = variantAs[string](props, "Alias")
	if rssi, ok := variantAs[int16](props, "RSSI"); ok {
		d.RSSI = int(rssi)
	}
	if uuids, ok := variantAs[[]string](props, "UUIDs"); ok {
		for _, u := range uuids {
			d.Services = append(d.Services, ble.NormalizeUUID(u))
		}
	}
	return d, true
}

// advertises reports whether d lists one of want, or want is empty.
func advertises(d ble.Device, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, s := range d.Services {
			if ble.SameUUID(s, w) {
				return true
			}
		}
	}
	return false
}

// propertiesFromFlags maps GattCharacteristic1.Flags onto ble.Properties.
func propertiesFromFlags(flags []string) ble.Properties {
	var p ble.Properties
	for _, f := range flags {
		switch f {
		case "read":
			p.Read = true
		case "write", "reliable-write", "authenticated-signed-writes":
			p.Write = true
		case "write-without-response":
			p.WriteNoResponse = true
		case "notify":
			p.Notify = true
		case "indicate":
			p.Indicate = true
		}
	}
	return p
}

type gattChar struct {
	path    dbus.ObjectPath
	service string
	ble.Characteristic
}

type gattService struct {
	path dbus.ObjectPath
	ble.Service
	chars []gattChar
}

// gattTable collects the resolved GATT services of the device at dev,
// ordered by object path so handles come out in attribute order.
func gattTable(objs managedObjects, dev dbus.ObjectPath) []gattService {
	byPath := make(map[dbus.ObjectPath]*gattService)
	for path, ifaces := range objs {
		props, ok := ifaces[gattServiceIface]
		if !ok || !under(path, dev) {
			continue
		}
		uuid, _ := variantAs[string](props, "UUID")
		primary, _ := variantAs[bool](props, "Primary")
		byPath[path] = &gattService{path: path, Service: ble.Service{UUID: ble.NormalizeUUID(uuid), Primary: primary}}
	}
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !under(path, dev) {
			continue
		}
		svcPath, ok := variantAs[dbus.ObjectPath](props, "Service")
		if !ok {
			continue
		}
		svc, ok := byPath[svcPath]
		if !ok {
			continue
		}
		uuid, _ := variantAs[string](props, "UUID")
		flags, _ := variantAs[[]string](props, "Flags")
		svc.chars = append(svc.chars, gattChar{
			path:    path,
			service: svc.UUID,
			Characteristic: ble.Characteristic{
				UUID:       ble.NormalizeUUID(uuid),
				Properties: propertiesFromFlags(flags),
			},
		})
	}

	out := make([]gattService, 0, len(byPath))
	for _, s := range byPath {
		sort.Slice(s.chars, func(i, j int) bool { return s.chars[i].path < s.chars[j].path })
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// findChar locates a characteristic of the table by service and
// characteristic UUID.
func findChar(table []gattService, serviceID, charID string) (gattChar, bool) {
	for _, s := range table {
		if !ble.SameUUID(s.UUID, serviceID) {
			continue
		}
		for _, c := range s.chars {
			if ble.SameUUID(c.UUID, charID) {
				return c, true
			}
		}
	}
	return gattChar{}, false
}
