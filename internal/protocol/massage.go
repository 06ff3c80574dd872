package protocol

import (
	"encoding/binary"
	"math"
)

// Command codes of the LLP massage controller.
const (
	CmdSetMode    byte = 0x01
	CmdSetHeating byte = 0x02
	CmdPressure   byte = 0x10
	CmdStatus     byte = 0x11
)

// Command names as registered by RegisterMassage.
const (
	SetMode    = "setMode"
	SetHeating = "setHeating"
	Pressure   = "pressure"
	Status     = "status"
)

// Mode is the massage intensity program.
type Mode uint8

const (
	ModeComfort     Mode = 1
	ModePerformance Mode = 2
	ModePower       Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeComfort:
		return "comfort"
	case ModePerformance:
		return "performance"
	case ModePower:
		return "power"
	default:
		return "unknown"
	}
}

// ModeRequest selects a program. It goes through DefaultEncode, so the
// payload is the single mode byte.
type ModeRequest struct {
	Mode Mode `json:"mode"`
}

// HeatingRequest toggles the heating pad.
type HeatingRequest struct {
	On bool `json:"on"`
}

// PressureReport is the telemetry pushed by the device: a big-endian
// IEEE-754 float32 in the first four payload bytes.
type PressureReport struct {
	Value float32 `json:"value"`
}

// RegisterMassage installs the LLP command table on c.
func RegisterMassage(c *Codec) {
	c.Register(SetMode, CmdSetMode, nil, decodeMode)
	c.Register(SetHeating, CmdSetHeating, encodeHeating, decodeHeating)
	c.Register(Pressure, CmdPressure, encodePressure, decodePressure)
	c.Register(Status, CmdStatus, nil, nil)
}

func decodeMode(p []byte) any {
	if len(p) < 1 {
		return DefaultDecode(p)
	}
	return ModeRequest{Mode: Mode(p[0])}
}

func encodeHeating(req any) []byte {
	switch v := req.(type) {
	case HeatingRequest:
		return []byte{boolByte(v.On)}
	case *HeatingRequest:
		if v == nil {
			return []byte{}
		}
		return []byte{boolByte(v.On)}
	case bool:
		return []byte{boolByte(v)}
	}
	return DefaultEncode(req)
}

func decodeHeating(p []byte) any {
	if len(p) < 1 {
		return DefaultDecode(p)
	}
	return HeatingRequest{On: p[0] != 0}
}

func encodePressure(req any) []byte {
	var v float32
	switch r := req.(type) {
	case PressureReport:
		v = r.Value
	case *PressureReport:
		if r == nil {
			return []byte{}
		}
		v = r.Value
	case float32:
		v = r
	case float64:
		v = float32(r)
	default:
		return DefaultEncode(req)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

func decodePressure(p []byte) any {
	if len(p) < 4 {
		return DefaultDecode(p)
	}
	return PressureReport{Value: math.Float32frombits(binary.BigEndian.Uint32(p[:4]))}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
