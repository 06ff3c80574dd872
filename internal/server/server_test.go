package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/manager"
	"github.com/shaunagostinho/llpble/internal/protocol"
	"github.com/shaunagostinho/llpble/internal/state"
)

type call struct {
	op  string
	dev ble.Device
	cmd string
	req any
	buf []byte
}

type fakeController struct {
	store *state.Store

	mu      sync.Mutex
	calls   []call
	sendErr error
}

func newFake() *fakeController {
	return &fakeController{store: state.NewStore(nil)}
}

func (f *fakeController) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.sendErr
}

func (f *fakeController) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeController) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeController) Connect(ctx context.Context, dev ble.Device) error {
	f.record(call{op: "connect", dev: dev})
	return nil
}

func (f *fakeController) ConnectKnown(ctx context.Context) error {
	f.record(call{op: "connectKnown"})
	return manager.ErrNoKnownDevice
}

func (f *fakeController) Disconnect(ctx context.Context) error {
	f.record(call{op: "disconnect"})
	return nil
}

func (f *fakeController) Send(ctx context.Context, buf []byte) error {
	return f.record(call{op: "send", buf: buf})
}

func (f *fakeController) SendCommand(ctx context.Context, name string, req any) error {
	return f.record(call{op: "sendCommand", cmd: name, req: req})
}

func (f *fakeController) StartScan(ctx context.Context, onFound func(ble.Device)) error {
	f.record(call{op: "scan"})
	return nil
}

func (f *fakeController) StopScan(ctx context.Context) error {
	f.record(call{op: "stopScan"})
	return nil
}

func (f *fakeController) Forget() { f.record(call{op: "forget"}) }

func (f *fakeController) Store() *state.Store { return f.store }

func newTestServer(t *testing.T) (*Server, *fakeController, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	fake := newFake()
	s := New(cfg, fake, fstest.MapFS{"index.html": {Data: []byte("<html>llpble</html>")}}, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, fake, ts
}

func post(t *testing.T, url, body string) (*http.Response, Result) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res Result
	json.NewDecoder(resp.Body).Decode(&res)
	return resp, res
}

func waitCalls(t *testing.T, f *fakeController, n int) []call {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c := f.snapshot(); len(c) >= n {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("calls = %+v, want %d", f.snapshot(), n)
	return nil
}

func TestServesWebAssets(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "llpble") {
		t.Errorf("GET / = %d %q", resp.StatusCode, body)
	}
}

func TestAPIState(t *testing.T) {
	_, fake, ts := newTestServer(t)
	fake.store.Set(func(s *state.State) {
		s.ConnectState = state.Connected
		s.Device = &state.DeviceInfo{ID: "C8:47:8C:00:11:22", Name: "LLP_BLE_01"}
	}, false)

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st state.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.ConnectState != state.Connected || st.Device == nil || st.Device.ID != "C8:47:8C:00:11:22" {
		t.Errorf("state = %+v", st)
	}
}

func TestAPIConnectIsAsync(t *testing.T) {
	_, fake, ts := newTestServer(t)

	resp, res := post(t, ts.URL+"/api/connect", `{"deviceId":"C8:47:8C:00:11:22","name":"LLP_BLE_01"}`)
	if resp.StatusCode != http.StatusAccepted || !res.OK {
		t.Fatalf("status = %d result = %+v", resp.StatusCode, res)
	}
	c := waitCalls(t, fake, 1)[0]
	if c.op != "connect" || c.dev.ID != "C8:47:8C:00:11:22" || c.dev.Name != "LLP_BLE_01" {
		t.Errorf("call = %+v", c)
	}

	// no device id reconnects the persisted one
	post(t, ts.URL+"/api/connect", "")
	if c := waitCalls(t, fake, 2)[1]; c.op != "connectKnown" {
		t.Errorf("call = %+v", c)
	}
}

func TestAPISendCommand(t *testing.T) {
	_, fake, ts := newTestServer(t)

	resp, res := post(t, ts.URL+"/api/send", `{"command":"setHeating","params":{"on":true}}`)
	if resp.StatusCode != http.StatusOK || !res.OK {
		t.Fatalf("status = %d result = %+v", resp.StatusCode, res)
	}
	c := fake.snapshot()[0]
	req, ok := c.req.(*protocol.HeatingRequest)
	if c.cmd != protocol.SetHeating || !ok || !req.On {
		t.Errorf("call = %+v", c)
	}

	post(t, ts.URL+"/api/send", `{"hex":"aa 04 01 02 01 04 55"}`)
	if c := fake.snapshot()[1]; c.op != "send" || len(c.buf) != 7 || c.buf[0] != 0xAA {
		t.Errorf("raw call = %+v", c)
	}
}

func TestAPISendErrors(t *testing.T) {
	_, fake, ts := newTestServer(t)

	fake.failSends(manager.ErrNotConnected)
	if resp, res := post(t, ts.URL+"/api/send", `{"hex":"aa"}`); resp.StatusCode != http.StatusConflict || res.OK {
		t.Errorf("not connected: status = %d result = %+v", resp.StatusCode, res)
	}

	fake.failSends(nil)
	if resp, _ := post(t, ts.URL+"/api/send", `{"hex":"zz"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad hex: status = %d", resp.StatusCode)
	}

	fake.failSends(protocol.ErrUnknownCommand)
	if resp, _ := post(t, ts.URL+"/api/send", `{"command":"nope"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown command: status = %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/send")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/send status = %d", resp.StatusCode)
	}
}

func TestAPIConfigMergeAndSave(t *testing.T) {
	s, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"reconnect":{"maxAttempts":5}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := s.cfg.ReconnectPolicy(); got.MaxAttempts != 5 || got.Delay != time.Second {
		t.Errorf("policy = %+v", got)
	}
	if _, err := os.Stat(s.cfg.path); err != nil {
		t.Errorf("config not saved: %v", err)
	}
}

func TestWebSocketPushesAndAcceptsIntents(t *testing.T) {
	s, fake, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	read := func() Frame {
		t.Helper()
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		return f
	}

	if f := read(); f.Type != "state" || f.State == nil || f.State.ConnectState != state.Unavailable {
		t.Fatalf("first frame = %+v", f)
	}

	if err := conn.WriteJSON(Intent{Action: "scan"}); err != nil {
		t.Fatal(err)
	}
	if f := read(); f.Type != "result" || f.Result == nil || !f.Result.OK || f.Result.Action != "scan" {
		t.Fatalf("scan result = %+v", f)
	}
	if c := fake.snapshot(); len(c) != 1 || c[0].op != "scan" {
		t.Errorf("calls = %+v", c)
	}

	s.BroadcastReceive(manager.ReceiveEvent{
		ProtocolState: "RECEIVE_PRESSURE",
		Command:       protocol.Pressure,
		Value:         protocol.PressureReport{Value: 12.5},
		At:            time.Now(),
	})
	f := read()
	if f.Type != "receive" || f.Receive == nil || f.Receive.ProtocolState != "RECEIVE_PRESSURE" {
		t.Fatalf("receive frame = %+v", f)
	}

	if err := conn.WriteJSON(Intent{Action: "explode"}); err != nil {
		t.Fatal(err)
	}
	if f := read(); f.Result == nil || f.Result.OK || f.Result.Error == "" {
		t.Errorf("unknown action result = %+v", f)
	}
}

func TestRequestFor(t *testing.T) {
	req, err := requestFor(protocol.SetMode, json.RawMessage(`{"mode":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := req.(*protocol.ModeRequest); !ok || m.Mode != protocol.ModePerformance {
		t.Errorf("mode request = %#v", req)
	}

	req, err = requestFor("vendor", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := req.(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("generic request = %#v", req)
	}

	if req, err := requestFor(protocol.Status, nil); err != nil || req != nil {
		t.Errorf("status request = %#v, %v", req, err)
	}
	if _, err := requestFor(protocol.SetHeating, json.RawMessage(`{"on":`)); err == nil {
		t.Error("truncated params accepted")
	}
}
