package manager

import (
	"bytes"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/state"
)

// ReceiveEvent is one decoded (or undecodable) notification.
type ReceiveEvent struct {
	ProtocolState string    `json:"protocolState"`
	Command       string    `json:"command,omitempty"`
	Seq           byte      `json:"seq"`
	Value         any       `json:"value"`
	Raw           []byte    `json:"raw"`
	Err           error     `json:"-"`
	At            time.Time `json:"at"`
}

// Listener receives manager events. Either field may be nil.
type Listener struct {
	// OnConnectStateChanged sees the snapshot each time ConnectState changes.
	OnConnectStateChanged func(state.State)
	// OnReceiveData sees notifications whose protocol state or value differ
	// from the previous one.
	OnReceiveData func(ReceiveEvent)
}

// listeners holds the installed callbacks and the values used to suppress
// repeats. A callback that panics is swapped for a no-op.
type listeners struct {
	log *zap.Logger

	mu        sync.Mutex
	gen       uint64
	onState   func(state.State)
	onReceive func(ReceiveEvent)

	haveConn  bool
	lastConn  state.ConnectState
	haveRecv  bool
	lastProto string
	lastValue any

	// pending connect-state snapshots, in store order
	qmu      sync.Mutex
	queue    []state.State
	draining bool
}

func (l *listeners) set(x Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.onState = x.OnConnectStateChanged
	if l.onState == nil {
		l.onState = func(state.State) {}
	}
	l.onReceive = x.OnReceiveData
	if l.onReceive == nil {
		l.onReceive = func(ReceiveEvent) {}
	}
}

// enqueue records a snapshot for delivery. It is called inside the store
// update and must not block.
func (l *listeners) enqueue(s state.State) {
	l.qmu.Lock()
	l.queue = append(l.queue, s)
	l.qmu.Unlock()
}

// flush delivers queued snapshots in order. When another goroutine (or an
// outer call on this one, re-entered from a callback) is already draining,
// flush returns and that drain delivers the rest.
func (l *listeners) flush() {
	l.qmu.Lock()
	if l.draining {
		l.qmu.Unlock()
		return
	}
	l.draining = true
	for len(l.queue) > 0 {
		s := l.queue[0]
		l.queue = l.queue[1:]
		l.qmu.Unlock()
		l.connectState(s)
		l.qmu.Lock()
	}
	l.draining = false
	l.qmu.Unlock()
}

func (l *listeners) connectState(s state.State) {
	l.mu.Lock()
	if l.haveConn && l.lastConn == s.ConnectState {
		l.mu.Unlock()
		return
	}
	l.haveConn, l.lastConn = true, s.ConnectState
	fn, gen := l.onState, l.gen
	l.mu.Unlock()

	l.guard("connect-state", gen, func() { fn(s) }, func() {
		l.onState = func(state.State) {}
	})
}

func (l *listeners) receive(ev ReceiveEvent) {
	l.mu.Lock()
	if l.haveRecv && l.lastProto == ev.ProtocolState && shallowEqual(l.lastValue, ev.Value) {
		l.mu.Unlock()
		return
	}
	l.haveRecv, l.lastProto, l.lastValue = true, ev.ProtocolState, ev.Value
	fn, gen := l.onReceive, l.gen
	l.mu.Unlock()

	l.guard("receive", gen, func() { fn(ev) }, func() {
		l.onReceive = func(ReceiveEvent) {}
	})
}

// guard runs call, and on panic applies disable if the listener has not
// been replaced in the meantime.
func (l *listeners) guard(name string, gen uint64, call, disable func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if l.log != nil {
			l.log.Error("manager: listener panicked, callback disabled",
				zap.String("callback", name),
				zap.Any("panic", r),
			)
		}
		l.mu.Lock()
		if l.gen == gen {
			disable()
		}
		l.mu.Unlock()
	}()
	call()
}

// shallowEqual compares two decoded values one level deep: struct fields,
// map entries and slice elements are compared with ==, byte slices by
// content.
func shallowEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Struct:
		for i := 0; i < va.NumField(); i++ {
			if !fieldEqual(va.Field(i), vb.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if va.Len() != vb.Len() {
			return false
		}
		iter := va.MapRange()
		for iter.Next() {
			other := vb.MapIndex(iter.Key())
			if !other.IsValid() || !fieldEqual(iter.Value(), other) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if isBytes(va) {
			return bytes.Equal(va.Bytes(), vb.Bytes())
		}
		if va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !fieldEqual(va.Index(i), vb.Index(i)) {
				return false
			}
		}
		return true
	default:
		return fieldEqual(va, vb)
	}
}

func fieldEqual(x, y reflect.Value) bool {
	if x.Kind() == reflect.Slice && isBytes(x) {
		return bytes.Equal(x.Bytes(), y.Bytes())
	}
	if !x.Comparable() || !y.Comparable() {
		return false
	}
	return x.Equal(y)
}

func isBytes(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}
