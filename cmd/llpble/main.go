package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/ble/bluez"
	"github.com/shaunagostinho/llpble/internal/ble/serialbridge"
	"github.com/shaunagostinho/llpble/internal/ble/sim"
	"github.com/shaunagostinho/llpble/internal/kv"
	"github.com/shaunagostinho/llpble/internal/logger"
	"github.com/shaunagostinho/llpble/internal/manager"
	"github.com/shaunagostinho/llpble/internal/protocol"
	"github.com/shaunagostinho/llpble/internal/server"
	"github.com/shaunagostinho/llpble/internal/state"
	"github.com/shaunagostinho/llpble/web"
)

const (
	demoID   = "C8:47:8C:00:11:22"
	demoName = "LLP_BLE_01"
)

func main() {
	configPath := flag.String("config", "/etc/llpble/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated massage controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Development logging")
	flag.Parse()

	boot := newLogger("info", *debug)
	cfg := server.LoadConfig(*configPath, boot)
	log := newLogger(cfg.Logging.Level, *debug)
	defer log.Sync()
	log.Info("llpble starting", zap.String("config", *configPath))

	if *demo {
		cfg.BLE.Backend = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	var hw ble.Hardware
	switch cfg.BLE.Backend {
	case "serial":
		br := serialbridge.New(serialbridge.Config{
			Port:     cfg.BLE.SerialPort,
			BaudRate: cfg.BLE.SerialBaud,
		}, log)
		defer br.Shutdown()
		hw = br
	case "sim":
		a := sim.New(log)
		a.AddPeripheral(sim.LLPDevice(demoID, demoName))
		sim.EchoCommands(a)
		go sim.RunTelemetry(ctx, a, demoID, 200*time.Millisecond)
		hw = a
	default:
		hw = bluez.New(cfg.BLE.Adapter, log)
	}

	store := openStore(cfg.Store.Path, log)

	codec := protocol.NewCodec(log)
	protocol.RegisterMassage(codec)
	for _, code := range []byte{protocol.CmdSetMode, protocol.CmdSetHeating} {
		codec.HandleResponse(code, func(v any) {
			log.Debug("device acknowledged", zap.Any("value", v))
		})
	}

	states := state.NewStore(log)
	link := ble.NewLink(hw, store, cfg.LinkFilter(), log)
	scan, rescan := cfg.ScanWindows()
	m := manager.New(manager.Options{
		Link:          link,
		Codec:         codec,
		Store:         states,
		Reconnect:     cfg.ReconnectPolicy(),
		Target:        cfg.TargetFilter(),
		AutoReconnect: cfg.AutoReconnect(),
		ScanDuration:  scan,
		RescanWindow:  rescan,
		Logger:        log,
	})

	recorder := logger.New(logger.Config{
		Enabled:    cfg.Logging.Enabled,
		Path:       cfg.Logging.Path,
		IntervalMs: cfg.Logging.Interval,
	}, log)
	defer recorder.Close()

	srv := server.New(cfg, m, web.FS, log)
	m.SetListener(manager.Listener{
		OnConnectStateChanged: recorder.RecordState,
		OnReceiveData: func(ev manager.ReceiveEvent) {
			recorder.Record(ev)
			srv.BroadcastReceive(ev)
		},
	})
	unsubscribe := states.Subscribe(srv.BroadcastState)
	defer unsubscribe()

	// The web UI is up immediately; the radio comes up in the background.
	go func() {
		if !initWithRetry(ctx, m, log, 10) {
			return
		}
		if *demo {
			if err := m.Connect(ctx, ble.Device{ID: demoID, Name: demoName}); err != nil {
				log.Warn("demo connect failed", zap.Error(err))
			}
			return
		}
		err := m.ConnectKnown(ctx)
		switch {
		case errors.Is(err, manager.ErrNoKnownDevice):
			if err := m.StartScan(ctx, nil); err != nil {
				log.Warn("initial scan failed", zap.Error(err))
			}
		case err != nil:
			log.Warn("reconnect to known device failed", zap.Error(err))
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := m.Close(shutdownCtx); err != nil {
		log.Warn("close", zap.Error(err))
	}
	if c, ok := store.(interface{ Close() error }); ok {
		c.Close()
	}
}

func newLogger(level string, debug bool) *zap.Logger {
	if debug {
		l, err := zap.NewDevelopment()
		if err == nil {
			return l
		}
	}
	zc := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zc.Build()
	if err != nil {
		return zap.NewExample()
	}
	return l
}

// openStore opens the sqlite store at path, or an in-memory one when path
// is empty or the database cannot be opened.
func openStore(path string, log *zap.Logger) kv.Store {
	if path == "" {
		return kv.NewMemory()
	}
	s, err := kv.OpenSQLite(path)
	if err != nil {
		log.Warn("state db unavailable, device will not persist", zap.String("path", path), zap.Error(err))
		return kv.NewMemory()
	}
	return s
}

// initWithRetry brings the adapter up with exponential backoff. Starts at
// 1s, doubles up to 60s, and keeps going at the max interval after
// maxAttempts. Reports false when ctx ends first.
func initWithRetry(ctx context.Context, m *manager.Manager, log *zap.Logger, maxAttempts int) bool {
	delay := time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return false
		}
		err := m.InitAdapter(ctx)
		if err == nil {
			log.Info("adapter ready", zap.Int("attempt", attempt+1))
			return true
		}
		if errors.Is(err, context.Canceled) {
			return false
		}
		attempt++
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			fields = append(fields, zap.Int("of", maxAttempts))
		}
		log.Warn("adapter init failed", fields...)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
