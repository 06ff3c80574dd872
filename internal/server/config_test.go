package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"BLE_BACKEND", "BLE_ADAPTER", "BLE_SERIAL_PORT", "BLE_SERIAL_BAUD",
		"BLE_TARGET_NAME", "RECONNECT_AUTO", "RECONNECT_MAX", "RECONNECT_DELAY_MS",
		"STORE_PATH", "LOG_LEVEL", "LOG_ENABLED", "LOG_PATH", "LOG_INTERVAL_MS", "LISTEN_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	clearEnv(t)
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)

	if cfg.BLE.Backend != "bluez" || cfg.BLE.TargetName != "LLP_BLE" {
		t.Errorf("ble = %+v", cfg.BLE)
	}
	if got := cfg.ReconnectPolicy(); got.MaxAttempts != 3 || got.Delay != time.Second {
		t.Errorf("policy = %+v", got)
	}
	f := cfg.LinkFilter()
	if len(f.Targets) == 0 || f.TargetName != "LLP_BLE" {
		t.Errorf("filter = %+v", f)
	}
	if !cfg.AutoReconnect() {
		t.Error("auto reconnect off by default")
	}
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
ble:
  backend: serial
  serial_port: /dev/ttyUSB3
  target_name: LLP_X
  targets:
    - service_id: "fff0"
      write_characteristic_id: "fff1"
      notify_characteristic_id: "fff2"
  scan_ms: 3000
  rescan_ms: 500
reconnect:
  auto: false
  max_attempts: 6
  delay_ms: 250
  jitter: 0.2
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nLISTEN_ADDR=\":9090\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECONNECT_AUTO", "yes")
	t.Setenv("BLE_SERIAL_BAUD", "57600")

	cfg := LoadConfig(path, nil)

	if cfg.BLE.Backend != "serial" || cfg.BLE.SerialPort != "/dev/ttyUSB3" || cfg.BLE.SerialBaud != 57600 {
		t.Errorf("ble = %+v", cfg.BLE)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen = %q, want .env value", cfg.Server.ListenAddr)
	}
	if !cfg.AutoReconnect() {
		t.Error("RECONNECT_AUTO override ignored")
	}
	p := cfg.ReconnectPolicy()
	if p.MaxAttempts != 6 || p.Delay != 250*time.Millisecond || p.Jitter != 0.2 {
		t.Errorf("policy = %+v", p)
	}
	if scan, rescan := cfg.ScanWindows(); scan != 3*time.Second || rescan != 500*time.Millisecond {
		t.Errorf("windows = %v %v", scan, rescan)
	}
	f := cfg.LinkFilter()
	if len(f.Targets) != 1 || f.Targets[0].NotifyCharacteristicID != "fff2" {
		t.Errorf("targets = %+v", f.Targets)
	}
	if tf := cfg.TargetFilter(); tf.Token != "LLP_X" {
		t.Errorf("target filter = %+v", tf)
	}
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("ble: [unterminated"), 0644)

	cfg := LoadConfig(path, nil)
	if cfg.BLE.Backend != "bluez" || cfg.path != path {
		t.Errorf("cfg = %+v path %q", cfg.BLE, cfg.path)
	}
}

func TestUpdateFromJSONKeepsSiblings(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"ble":{"targetName":"LLP_Y"},"logging":{"enabled":true}}`)); err != nil {
		t.Fatal(err)
	}
	if cfg.BLE.TargetName != "LLP_Y" || cfg.BLE.Adapter != "hci0" || len(cfg.BLE.Targets) == 0 {
		t.Errorf("ble = %+v", cfg.BLE)
	}
	if !cfg.Logging.Enabled || cfg.Logging.Level != "info" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if err := cfg.UpdateFromJSON([]byte(`{`)); err == nil {
		t.Error("malformed patch accepted")
	}
}
