package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/llpble/internal/ble"
	"github.com/shaunagostinho/llpble/internal/reconnect"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Host BLE stack and the peripheral to bind
	BLE BLEConfig `yaml:"ble" json:"ble"`

	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`

	// Persisted device identity
	Store StoreConfig `yaml:"store" json:"store"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`

	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BLEConfig struct {
	Backend      string               `yaml:"backend" json:"backend"` // "bluez", "serial" or "sim"
	Adapter      string               `yaml:"adapter" json:"adapter"` // e.g. hci0
	SerialPort   string               `yaml:"serial_port" json:"serialPort"`
	SerialBaud   int                  `yaml:"serial_baud" json:"serialBaud"`
	TargetName   string               `yaml:"target_name" json:"targetName"` // name token for auto reconnect
	ScanServices []string             `yaml:"scan_services" json:"scanServices"`
	Targets      []ble.ServiceBinding `yaml:"targets" json:"targets"`
	ScanMs       int                  `yaml:"scan_ms" json:"scanMs"`     // scan window
	RescanMs     int                  `yaml:"rescan_ms" json:"rescanMs"` // scan before a rescan-class retry
}

type ReconnectConfig struct {
	Auto        bool    `yaml:"auto" json:"auto"`
	MaxAttempts int     `yaml:"max_attempts" json:"maxAttempts"` // retries after the first attempt
	DelayMs     int     `yaml:"delay_ms" json:"delayMs"`
	Jitter      float64 `yaml:"jitter" json:"jitter"` // fraction of the delay, 0-1
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path"` // SQLite file, empty for in-memory
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"` // debug, info, warn, error
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // min ms between CSV rows
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BLE: BLEConfig{
			Backend:      "bluez",
			Adapter:      "hci0",
			SerialPort:   "/dev/ttyACM0",
			SerialBaud:   115200,
			TargetName:   "LLP_BLE",
			ScanServices: []string{"fff0"},
			Targets: []ble.ServiceBinding{{
				ServiceID:              "fff0",
				WriteCharacteristicID:  "fff1",
				NotifyCharacteristicID: "fff2",
				ReadCharacteristicID:   "fff2",
			}},
			ScanMs:   5000,
			RescanMs: 2000,
		},
		Reconnect: ReconnectConfig{
			Auto:        true,
			MaxAttempts: 3,
			DelayMs:     1000,
			Jitter:      0,
		},
		Store: StoreConfig{
			Path: "/var/lib/llpble/state.db",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Enabled:  false,
			Path:     "/var/log/llpble",
			Interval: 0,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// .env next to the config wins over one in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BLE_BACKEND, BLE_ADAPTER, BLE_SERIAL_PORT, BLE_SERIAL_BAUD,
// BLE_TARGET_NAME, RECONNECT_AUTO, RECONNECT_MAX, RECONNECT_DELAY_MS,
// STORE_PATH, LOG_LEVEL, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BLE_BACKEND"); v != "" {
		c.BLE.Backend = v
	}
	if v := os.Getenv("BLE_ADAPTER"); v != "" {
		c.BLE.Adapter = v
	}
	if v := os.Getenv("BLE_SERIAL_PORT"); v != "" {
		c.BLE.SerialPort = v
	}
	if v := os.Getenv("BLE_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BLE.SerialBaud = n
		}
	}
	if v := os.Getenv("BLE_TARGET_NAME"); v != "" {
		c.BLE.TargetName = v
	}
	if v := os.Getenv("RECONNECT_AUTO"); v != "" {
		c.Reconnect.Auto = truthy(v)
	}
	if v := os.Getenv("RECONNECT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("RECONNECT_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.DelayMs = n
		}
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// LinkFilter is the discovery and binding filter for ble.NewLink.
func (c *Config) LinkFilter() ble.Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ble.Filter{
		Services:   append([]string(nil), c.BLE.ScanServices...),
		Targets:    append([]ble.ServiceBinding(nil), c.BLE.Targets...),
		TargetName: c.BLE.TargetName,
	}
}

// ReconnectPolicy converts the reconnect section.
func (c *Config) ReconnectPolicy() reconnect.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return reconnect.Config{
		MaxAttempts: c.Reconnect.MaxAttempts,
		Delay:       time.Duration(c.Reconnect.DelayMs) * time.Millisecond,
		Jitter:      c.Reconnect.Jitter,
	}
}

// TargetFilter is the auto-reconnect device filter.
func (c *Config) TargetFilter() reconnect.Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return reconnect.Filter{Token: c.BLE.TargetName}
}

// ScanWindows returns the scan window and the rescan window.
func (c *Config) ScanWindows() (scan, rescan time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.BLE.ScanMs) * time.Millisecond, time.Duration(c.BLE.RescanMs) * time.Millisecond
}

// AutoReconnect reports the current reconnect.auto setting.
func (c *Config) AutoReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect.Auto
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/llpble/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
