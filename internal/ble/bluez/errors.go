package bluez

import (
	"context"
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/shaunagostinho/llpble/internal/ble"
)

// translateError maps BlueZ D-Bus errors onto the platform codes the link
// layer classifies. Context errors pass through untouched.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ble.NewError(ble.CodeOperateTimeout, "%v", err)
	}

	var name, msg string
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(err, &de):
		name, msg = de.Name, de.Error()
	case errors.As(err, &dep):
		name, msg = dep.Name, dep.Error()
	default:
		return ble.NewError(ble.CodeSystemError, "%v", err)
	}
	return ble.NewError(codeFor(name, msg), "%s: %s", name, msg)
}

func codeFor(name, msg string) int {
	lower := strings.ToLower(msg)
	switch name {
	case "org.bluez.Error.AlreadyConnected":
		return ble.CodeAlreadyConnected
	case "org.bluez.Error.NotReady":
		return ble.CodeNotInit
	case "org.bluez.Error.NotAvailable":
		return ble.CodeNotAvailable
	case "org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.ServiceUnknown",
		"org.bluez.Error.DoesNotExist":
		return ble.CodeNoDevice
	case "org.bluez.Error.InProgress":
		return ble.CodeDuplicateConnection
	case "org.bluez.Error.NotConnected":
		return ble.CodeConnectionLost
	case "org.bluez.Error.NotSupported", "org.bluez.Error.NotPermitted":
		return ble.CodePropertyNotSupport
	case "org.freedesktop.DBus.Error.NoReply", "org.freedesktop.DBus.Error.Timeout":
		return ble.CodeOperateTimeout
	case "org.bluez.Error.Failed":
		switch {
		case strings.Contains(lower, "busy"):
			return ble.CodeBusy
		case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
			return ble.CodeConnectionFail
		case strings.Contains(lower, "not connected"):
			return ble.CodeConnectionLost
		case strings.Contains(lower, "abort"), strings.Contains(lower, "page"),
			strings.Contains(lower, "host is down"), strings.Contains(lower, "software caused"):
			return ble.CodeConnectionFail
		}
	}
	return ble.CodeSystemError
}
