package sim

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/protocol"
)

// UUIDs of the LLP massage controller.
const (
	LLPService = "0000fff0-0000-1000-8000-00805f9b34fb"
	LLPWrite   = "0000fff1-0000-1000-8000-00805f9b34fb"
	LLPNotify  = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// LLPDevice returns a peripheral shaped like the real controller: one
// FFF0 service with a write characteristic and a notify/read one.
func LLPDevice(id, name string) Peripheral {
	return Peripheral{
		Device: ble.Device{ID: id, Name: name, LocalName: name, RSSI: -58, Services: []string{LLPService}},
		Services: []Service{{
			UUID: LLPService,
			Characteristics: []ble.Characteristic{
				{UUID: LLPWrite, Properties: ble.Properties{Write: true, WriteNoResponse: true}},
				{UUID: LLPNotify, Properties: ble.Properties{Notify: true, Read: true}},
			},
		}},
	}
}

// EchoCommands answers every frame written to the LLP write characteristic
// with the same command and payload on the notify characteristic, which is
// how the controller acknowledges a setting. The reply is sent from its own
// goroutine so a receiver may write again without deadlocking.
func EchoCommands(a *Adapter) {
	a.OnWrite(func(w Written) {
		if !ble.SameUUID(w.CharacteristicID, LLPWrite) {
			return
		}
		f, err := protocol.Decode(w.Data)
		if err != nil {
			return
		}
		reply := protocol.Encode(f.Seq, f.CmdCode, f.Payload)
		go a.Notify(w.DeviceID, LLPService, LLPNotify, reply)
	})
}

// RunTelemetry pushes a pressure report for id every interval until ctx is
// done. The pressure follows a slow breathing cycle with a little noise.
func RunTelemetry(ctx context.Context, a *Adapter, id string, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var t float64
	var seq byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t += interval.Seconds()
		seq++

		// 20-60 kPa inflate/deflate cycle
		p := 40 + 20*math.Sin(t*0.8) + rand.Float64()*0.5
		payload := make([]byte, 4)
		bits := math.Float32bits(float32(p))
		payload[0], payload[1], payload[2], payload[3] = byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits)

		a.Notify(id, LLPService, LLPNotify, protocol.Encode(seq, protocol.CmdPressure, payload))
	}
}
