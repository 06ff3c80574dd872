package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/hexutil"
	"github.com/shaunagostinho/llpble/internal/manager"
	"github.com/shaunagostinho/llpble/internal/protocol"
	"github.com/shaunagostinho/llpble/internal/state"
)

// Controller is the part of the connection manager the server drives.
type Controller interface {
	Connect(ctx context.Context, dev ble.Device) error
	ConnectKnown(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, buf []byte) error
	SendCommand(ctx context.Context, name string, req any) error
	StartScan(ctx context.Context, onFound func(ble.Device)) error
	StopScan(ctx context.Context) error
	Forget()
	Store() *state.Store
}

const opTimeout = 10 * time.Second

// Server exposes the manager over HTTP and pushes state and received data
// to WebSocket clients.
type Server struct {
	cfg   *Config
	ctl   Controller
	webFS fs.FS
	log   *zap.Logger

	// base scopes background connects; cancelled when Run returns
	base       context.Context
	baseCancel context.CancelFunc

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Type    string                `json:"type"` // state, receive, result, config
	State   *state.State          `json:"state,omitempty"`
	Receive *manager.ReceiveEvent `json:"receive,omitempty"`
	Result  *Result               `json:"result,omitempty"`
	Config  json.RawMessage       `json:"config,omitempty"`
	Stamp   int64                 `json:"stamp"` // Unix ms
}

// Result answers one intent.
type Result struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Intent is a command from a client, over /ws or as an /api request body.
type Intent struct {
	Action   string          `json:"action"` // connect, disconnect, send, scan, stopScan, forget
	DeviceID string          `json:"deviceId,omitempty"`
	Name     string          `json:"name,omitempty"`
	Command  string          `json:"command,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Hex      string          `json:"hex,omitempty"`
}

// New creates a new Server. webFS, when set, is served at /.
func New(cfg *Config, ctl Controller, webFS fs.FS, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		ctl:        ctl,
		webFS:      webFS,
		log:        log.Named("server"),
		base:       base,
		baseCancel: cancel,
		clients:    make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/connect", s.intentHandler("connect"))
	mux.HandleFunc("/api/disconnect", s.intentHandler("disconnect"))
	mux.HandleFunc("/api/send", s.intentHandler("send"))
	mux.HandleFunc("/api/scan", s.intentHandler("scan"))
	mux.HandleFunc("/api/forget", s.intentHandler("forget"))

	return mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.baseCancel()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// BroadcastState pushes a connection snapshot to every client.
func (s *Server) BroadcastState(st state.State) {
	s.broadcast(Frame{Type: "state", State: &st, Stamp: time.Now().UnixMilli()})
}

// BroadcastReceive pushes a received notification to every client.
func (s *Server) BroadcastReceive(ev manager.ReceiveEvent) {
	s.broadcast(Frame{Type: "receive", Receive: &ev, Stamp: ev.At.UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws client connected", zap.Int("clients", n))

	// current snapshot first so a fresh client has something to render
	snap := s.ctl.Store().Get()
	if data, err := json.Marshal(Frame{Type: "state", State: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: intents
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var in Intent
			if err := json.Unmarshal(data, &in); err != nil {
				s.reply(client, Result{Action: "?", Error: "bad intent: " + err.Error()})
				continue
			}
			s.reply(client, s.dispatch(in))
		}
	}()
}

// reply sends a result to one client. Must not block the reader.
func (s *Server) reply(c *wsClient, res Result) {
	data, err := json.Marshal(Frame{Type: "result", Result: &res, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// dispatch executes an intent and reports the outcome.
func (s *Server) dispatch(in Intent) Result {
	res := Result{Action: in.Action}
	if err := s.do(in); err != nil {
		res.Error = err.Error()
		s.log.Info("intent failed", zap.String("action", in.Action), zap.Error(err))
	} else {
		res.OK = true
	}
	return res
}

// do executes an intent. Connects run in the background because the retry
// loop may take several seconds; their outcome arrives as state.
func (s *Server) do(in Intent) error {
	switch in.Action {
	case "connect":
		go s.connect(in)
		return nil
	case "disconnect":
		ctx, cancel := context.WithTimeout(s.base, opTimeout)
		defer cancel()
		return s.ctl.Disconnect(ctx)
	case "send":
		ctx, cancel := context.WithTimeout(s.base, opTimeout)
		defer cancel()
		return s.send(ctx, in)
	case "scan":
		return s.ctl.StartScan(s.base, nil)
	case "stopScan":
		ctx, cancel := context.WithTimeout(s.base, opTimeout)
		defer cancel()
		return s.ctl.StopScan(ctx)
	case "forget":
		s.ctl.Forget()
		return nil
	}
	return errUnknownAction
}

var (
	errBadRequest    = errors.New("bad request")
	errUnknownAction = fmt.Errorf("%w: unknown action", errBadRequest)
)

func (s *Server) connect(in Intent) {
	var err error
	if in.DeviceID == "" {
		err = s.ctl.ConnectKnown(s.base)
	} else {
		err = s.ctl.Connect(s.base, ble.Device{ID: in.DeviceID, Name: in.Name})
	}
	if err != nil {
		s.log.Info("connect failed", zap.String("device", in.DeviceID), zap.Error(err))
	}
}

func (s *Server) send(ctx context.Context, in Intent) error {
	if in.Hex != "" {
		buf, err := hexutil.HexToBytes(in.Hex)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return s.ctl.Send(ctx, buf)
	}
	req, err := requestFor(in.Command, in.Params)
	if err != nil {
		return fmt.Errorf("%w: params: %v", errBadRequest, err)
	}
	return s.ctl.SendCommand(ctx, in.Command, req)
}

// requestFor decodes params into the request type of the named command.
// Unknown commands get a generic map, which DefaultEncode accepts.
func requestFor(command string, params json.RawMessage) (any, error) {
	var req any
	switch command {
	case protocol.SetMode:
		req = &protocol.ModeRequest{}
	case protocol.SetHeating:
		req = &protocol.HeatingRequest{}
	case protocol.Pressure:
		req = &protocol.PressureReport{}
	default:
		if len(params) == 0 {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (s *Server) intentHandler(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		in := Intent{}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &in); err != nil {
				http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		in.Action = action

		err = s.do(in)
		res := Result{Action: action, OK: err == nil}
		status := http.StatusOK
		switch {
		case err != nil:
			res.Error = err.Error()
			status = errorStatus(err)
		case action == "connect":
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func errorStatus(err error) int {
	var pe *protocol.Error
	switch {
	case errors.Is(err, manager.ErrNotConnected), errors.Is(err, manager.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &pe), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Store().Get())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		if data, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Type: "config", Config: data, Stamp: time.Now().UnixMilli()})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
