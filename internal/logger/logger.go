// Package logger records link telemetry to CSV files with automatic rotation.
package logger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/llpble/internal/hexutil"
	"github.com/shaunagostinho/llpble/internal/manager"
	"github.com/shaunagostinho/llpble/internal/protocol"
	"github.com/shaunagostinho/llpble/internal/state"
)

// Logger writes one row per received notification and per connection state
// change.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // ~5.5 hrs of pressure reports at 5 Hz
)

var csvHeader = []string{
	"timestamp", "event", "connect_state", "device",
	"protocol_state", "command", "seq",
	"pressure_kpa", "heating", "mode", "value",
	"hex", "error",
}

const (
	colTimestamp = iota
	colEvent
	colConnectState
	colDevice
	colProtocolState
	colCommand
	colSeq
	colPressure
	colHeating
	colMode
	colValue
	colHex
	colError
)

// New creates a new Logger. IntervalMs throttles receive rows; zero records
// every notification. State rows are never throttled.
func New(cfg Config, log *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/llpble"
	}
	if log == nil {
		log = zap.NewNop()
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.Named("logger"),
		now:      time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a receive event if the minimum interval has elapsed.
// Undecodable frames are always written.
func (l *Logger) Record(ev manager.ReceiveEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	now := l.now()
	if ev.Err == nil && l.interval > 0 && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now
	l.write(now, receiveRow(ev))
}

// RecordState writes a connection state change.
func (l *Logger) RecordState(s state.State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	row := make([]string, len(csvHeader))
	row[colEvent] = "state"
	row[colConnectState] = string(s.ConnectState)
	if s.Device != nil {
		row[colDevice] = s.Device.ID
	}
	if s.Error != nil {
		row[colError] = fmt.Sprintf("%s %d: %s", s.Error.Type, s.Error.Code, s.Error.Message)
	}
	l.write(l.now(), row)
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) write(now time.Time, row []string) {
	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.Error("rotate failed", zap.Error(err))
			return
		}
	}
	row[colTimestamp] = now.Format(time.RFC3339Nano)
	if err := l.writer.Write(row); err != nil {
		l.log.Error("write failed", zap.Error(err))
		return
	}
	l.writer.Flush()
	l.rows++
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("llpble_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("opened", zap.String("path", path))
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func receiveRow(ev manager.ReceiveEvent) []string {
	row := make([]string, len(csvHeader))
	row[colEvent] = "receive"
	row[colProtocolState] = ev.ProtocolState
	row[colCommand] = ev.Command
	row[colSeq] = strconv.Itoa(int(ev.Seq))
	row[colHex] = hexutil.BytesToHex(ev.Raw)
	if ev.Err != nil {
		row[colError] = ev.Err.Error()
	}

	switch v := ev.Value.(type) {
	case protocol.PressureReport:
		row[colPressure] = fmt.Sprintf("%.2f", v.Value)
	case protocol.HeatingRequest:
		row[colHeating] = boolStr(v.On)
	case protocol.ModeRequest:
		row[colMode] = v.Mode.String()
	case protocol.RawPayload:
		row[colValue] = v.HexString
	case nil:
	default:
		if b, err := json.Marshal(v); err == nil {
			row[colValue] = string(b)
		}
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
