// Package protocol implements the framed command protocol spoken over the
// device's notify/write characteristics:
//
//	[0xAA][LEN][SEQ][CMD][PAYLOAD...][CHK][0x55]
//
// LEN counts SEQ, CMD and CHK plus the payload (LEN = len(payload)+3), so a
// complete frame is LEN+3 bytes. CHK is (SEQ + CMD + sum(PAYLOAD)) mod 256.
// The checksum only catches accidental corruption.
package protocol

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/hexutil"
)

const (
	StartByte byte = 0xAA
	EndByte   byte = 0x55

	// lenOverhead is what LEN counts besides the payload: SEQ, CMD, CHK.
	lenOverhead = 3
	// headerSize is SOF, LEN, SEQ, CMD.
	headerSize = 4
	// MaxPayload keeps LEN within one byte.
	MaxPayload = 0xFF - lenOverhead
)

// Protocol states reported alongside decoded values.
const (
	StateUnknown = "UNKNOWN"
	StateError   = "ERROR"
)

// Encoder turns a request into payload bytes.
type Encoder func(req any) []byte

// Decoder turns payload bytes into a response value.
type Decoder func(payload []byte) any

// ResponseHandler is invoked with the decoded value of every successfully
// parsed frame carrying its command code.
type ResponseHandler func(value any)

// Command is one registry entry.
type Command struct {
	Name   string
	Code   byte
	Encode Encoder
	Decode Decoder
}

// Frame is the decoded wire frame.
type Frame struct {
	Seq      byte
	CmdCode  byte
	Payload  []byte
	Checksum byte
}

// Packet is the result of a successful Parse.
type Packet struct {
	Frame         Frame
	Command       string // empty when the code is not registered
	ProtocolState string
	Value         any
}

// Codec owns the command registry and the outgoing sequence counter.
// It is safe for concurrent use.
type Codec struct {
	log *zap.Logger

	mu       sync.RWMutex
	byName   map[string]*Command
	byCode   map[byte]string
	handlers map[byte]ResponseHandler

	seqMu sync.Mutex
	seq   byte
}

// NewCodec returns an empty codec. A nil logger disables logging.
func NewCodec(log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{
		log:      log.Named("protocol"),
		byName:   make(map[string]*Command),
		byCode:   make(map[byte]string),
		handlers: make(map[byte]ResponseHandler),
	}
}

// Register adds a command. A nil encoder or decoder falls back to
// DefaultEncode / DefaultDecode. Registering a code that is already taken
// silently repoints the code to the new name; the old name stays buildable.
func (c *Codec) Register(name string, code byte, enc Encoder, dec Decoder) {
	if enc == nil {
		enc = DefaultEncode
	}
	if dec == nil {
		dec = DefaultDecode
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = &Command{Name: name, Code: code, Encode: enc, Decode: dec}
	c.byCode[code] = name
}

// HandleResponse installs fn for frames carrying code. A nil fn removes it.
func (c *Codec) HandleResponse(code byte, fn ResponseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, code)
		return
	}
	c.handlers[code] = fn
}

// Lookup returns the registry entry for name.
func (c *Codec) Lookup(name string) (Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cmd, ok := c.byName[name]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// Commands lists the registered command names.
func (c *Codec) Commands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	return out
}

// SetSequence sets the counter; the next Build uses v+1.
func (c *Codec) SetSequence(v byte) {
	c.seqMu.Lock()
	c.seq = v
	c.seqMu.Unlock()
}

// Sequence returns the value used by the most recent Build.
func (c *Codec) Sequence() byte {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	return c.seq
}

func (c *Codec) nextSeq() byte {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Build encodes req with the named command and frames it with the next
// sequence number.
func (c *Codec) Build(name string, req any) ([]byte, error) {
	cmd, ok := c.Lookup(name)
	if !ok {
		return nil, newError(UnknownCommand, "%q is not registered", name)
	}
	payload := cmd.Encode(req)
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: %s payload is %d bytes, max %d", name, len(payload), MaxPayload)
	}
	return Encode(c.nextSeq(), cmd.Code, payload), nil
}

// Encode frames payload without touching any registry or counter.
func Encode(seq, code byte, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+headerSize+2)
	buf = append(buf, StartByte, byte(len(payload)+lenOverhead), seq, code)
	buf = append(buf, payload...)
	buf = append(buf, hexutil.Sum8([]byte{seq, code}, payload), EndByte)
	return buf
}

// Decode validates a raw frame and splits it into its fields.
func Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 || buf[0] != StartByte {
		return Frame{}, newError(BadHeader, "missing start byte")
	}
	if len(buf) < 2 {
		return Frame{}, newError(BadHeader, "truncated before length")
	}
	declared := int(buf[1])
	if declared < lenOverhead {
		return Frame{}, newError(BadHeader, "length %d below minimum %d", declared, lenOverhead)
	}
	total := declared + lenOverhead
	if len(buf) < total {
		return Frame{}, newError(BadFooter, "frame truncated: have %d bytes, length declares %d", len(buf), total)
	}

	seq, code := buf[2], buf[3]
	payload := buf[headerSize : headerSize+declared-lenOverhead]
	chk := buf[total-2]
	if want := hexutil.Sum8([]byte{seq, code}, payload); chk != want {
		return Frame{}, newError(BadChecksum, "got %#02x, computed %#02x", chk, want)
	}
	if buf[total-1] != EndByte {
		return Frame{}, newError(BadFooter, "got %#02x", buf[total-1])
	}
	if len(buf) != total {
		return Frame{}, newError(BadFooter, "%d trailing bytes after end byte", len(buf)-total)
	}
	return Frame{
		Seq:      seq,
		CmdCode:  code,
		Payload:  append([]byte{}, payload...),
		Checksum: chk,
	}, nil
}

// Parse validates buf and decodes its payload with the registered decoder
// for its command code. Unregistered codes decode with DefaultDecode and
// report StateUnknown. Parse does not touch the sequence counter.
func (c *Codec) Parse(buf []byte) (*Packet, error) {
	f, err := Decode(buf)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	name, ok := c.byCode[f.CmdCode]
	var cmd *Command
	if ok {
		cmd = c.byName[name]
	}
	c.mu.RUnlock()

	if cmd == nil {
		return &Packet{
			Frame:         f,
			ProtocolState: StateUnknown,
			Value:         DefaultDecode(f.Payload),
		}, nil
	}
	return &Packet{
		Frame:         f,
		Command:       name,
		ProtocolState: ReceiveState(name),
		Value:         cmd.Decode(f.Payload),
	}, nil
}

// Dispatch runs the response handler registered for the packet's code.
// A panicking handler is logged and does not propagate.
func (c *Codec) Dispatch(p *Packet) {
	if p == nil {
		return
	}
	c.mu.RLock()
	fn := c.handlers[p.Frame.CmdCode]
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("protocol: response handler panicked",
				zap.Uint8("cmd", p.Frame.CmdCode),
				zap.Any("panic", r),
			)
		}
	}()
	fn(p.Value)
}

// ReceiveState is the protocol state reported for a decoded command.
func ReceiveState(name string) string {
	return "RECEIVE_" + strings.ToUpper(name)
}
