package ble

import (
	"context"
	"errors"
	"fmt"
)

// Platform error codes. The numbering is shared by every backend so that
// retry decisions do not depend on which stack is underneath.
const (
	CodeAlreadyConnected    = -1
	CodeOK                  = 0
	CodeNotInit             = 10000
	CodeNotAvailable        = 10001
	CodeNoDevice            = 10002
	CodeConnectionFail      = 10003
	CodeBusy                = 10004
	CodeNoCharacteristic    = 10005
	CodeConnectionLost      = 10006
	CodePropertyNotSupport  = 10007
	CodeSystemError         = 10008
	CodeSystemNotSupport    = 10009
	CodeOperateTimeout      = 10012
	CodeDuplicateConnection = 10013
)

var codeMessages = map[int]string{
	CodeAlreadyConnected:    "already connected",
	CodeOK:                  "ok",
	CodeNotInit:             "adapter not initialised",
	CodeNotAvailable:        "bluetooth adapter unavailable",
	CodeNoDevice:            "device not found",
	CodeConnectionFail:      "connection failed",
	CodeBusy:                "peripheral busy",
	CodeNoCharacteristic:    "characteristic not found",
	CodeConnectionLost:      "connection lost",
	CodePropertyNotSupport:  "operation not supported by characteristic",
	CodeSystemError:         "system error",
	CodeSystemNotSupport:    "BLE not supported by system",
	CodeOperateTimeout:      "operation timed out",
	CodeDuplicateConnection: "duplicate connection",
}

// CodeMessage returns the human description of a platform code.
func CodeMessage(code int) string {
	if m, ok := codeMessages[code]; ok {
		return m
	}
	return fmt.Sprintf("error %d", code)
}

// HardwareError is a failure reported by the host stack.
type HardwareError struct {
	Code int
	Msg  string
}

func (e *HardwareError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("ble: %s (%d)", CodeMessage(e.Code), e.Code)
	}
	return fmt.Sprintf("ble: %s (%d): %s", CodeMessage(e.Code), e.Code, e.Msg)
}

// Is matches another *HardwareError with the same code.
func (e *HardwareError) Is(target error) bool {
	t, ok := target.(*HardwareError)
	return ok && t.Code == e.Code
}

// NewError builds a HardwareError.
func NewError(code int, format string, args ...any) *HardwareError {
	return &HardwareError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the platform code of err, or CodeSystemError when err is
// not a HardwareError.
func CodeOf(err error) int {
	var he *HardwareError
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeSystemError
}

var (
	// ErrNotBound is returned by Send when no write characteristic is bound.
	ErrNotBound = errors.New("ble: no bound write characteristic")
	// ErrNoBinding is returned by Connect when the peripheral exposes no
	// service/characteristic pair matching the filter.
	ErrNoBinding = errors.New("ble: no matching service binding")
)

// Action is what a caller should do after a failed connect.
type Action int

const (
	// ActionRetry: unknown transient failure, retry within the budget.
	ActionRetry Action = iota
	// ActionConnected: the link is already up.
	ActionConnected
	// ActionFatal: the adapter is gone; do not retry.
	ActionFatal
	// ActionRescan: restart the scan, then reconnect within the budget.
	ActionRescan
	// ActionBusyRetry: close, then retry once immediately.
	ActionBusyRetry
	// ActionAbort: the caller cancelled.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionConnected:
		return "connected"
	case ActionFatal:
		return "fatal"
	case ActionRescan:
		return "rescan"
	case ActionBusyRetry:
		return "busy-retry"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Classify maps a connect failure to the action taken for it.
func Classify(err error) Action {
	if err == nil {
		return ActionConnected
	}
	if errors.Is(err, context.Canceled) {
		return ActionAbort
	}
	var he *HardwareError
	if !errors.As(err, &he) {
		return ActionRetry
	}
	switch he.Code {
	case CodeAlreadyConnected:
		return ActionConnected
	case CodeNotInit, CodeNotAvailable:
		return ActionFatal
	case CodeConnectionFail, CodeOperateTimeout, CodeDuplicateConnection:
		return ActionRescan
	case CodeBusy:
		return ActionBusyRetry
	default:
		return ActionRetry
	}
}

// Retryable reports whether a connect failure may be retried.
func Retryable(err error) bool {
	switch Classify(err) {
	case ActionRetry, ActionRescan, ActionBusyRetry:
		return true
	default:
		return false
	}
}
