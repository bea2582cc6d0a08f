package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadKeymapDefault(t *testing.T) {
	km, err := LoadKeymap("")
	if err != nil {
		t.Fatal(err)
	}
	if km.Pressure != 50 {
		t.Errorf("pressure = %d, want 50", km.Pressure)
	}
	if b := km.Keys["KEY_A"]; b != (KeyBinding{Slot: 0, X: 300, Y: 1500}) {
		t.Errorf("KEY_A = %+v", b)
	}
	if b := km.Keys["KEY_S"]; b != (KeyBinding{Slot: 1, X: 800, Y: 1500}) {
		t.Errorf("KEY_S = %+v", b)
	}
}

func TestLoadKeymapFile(t *testing.T) {
	path := writeTemp(t, "keymap.yaml", `
pressure: 120
keys:
  KEY_SPACE: {slot: 3, x: 540, y: 1800}
  KEY_J:
    slot: 4
    x: 100
    y: 200
`)
	km, err := LoadKeymap(path)
	if err != nil {
		t.Fatal(err)
	}
	if km.Pressure != 120 {
		t.Errorf("pressure = %d, want 120", km.Pressure)
	}
	if len(km.Keys) != 2 {
		t.Fatalf("keys = %v, want exactly the file bindings", km.Keys)
	}
	if b := km.Keys["KEY_J"]; b != (KeyBinding{Slot: 4, X: 100, Y: 200}) {
		t.Errorf("KEY_J = %+v", b)
	}
}

func TestLoadKeymapKeepsDefaultsForMissingFields(t *testing.T) {
	km, err := LoadKeymap(writeTemp(t, "keymap.yaml", "pressure: 7\n"))
	if err != nil {
		t.Fatal(err)
	}
	if km.Pressure != 7 || len(km.Keys) != 2 {
		t.Errorf("keymap = %+v", km)
	}
}

func TestLoadKeymapErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.yaml")},
		{"bad yaml", writeTemp(t, "keymap.yaml", "keys: [1, 2\n")},
		{"slot too large", writeTemp(t, "keymap.yaml", "keys:\n  KEY_A: {slot: 10, x: 1, y: 1}\n")},
		{"negative slot", writeTemp(t, "keymap.yaml", "keys:\n  KEY_A: {slot: -1, x: 1, y: 1}\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadKeymap(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("MINITOUCH_INPUT_ROOT", "/tmp/input")
	t.Setenv("MINITOUCH_DEVICE", "/dev/input/event7")
	t.Setenv("MINITOUCH_SOCKET", "touchy")
	t.Setenv("MINITOUCH_VERBOSE", "yes")
	t.Setenv("MINITOUCH_PING_SECONDS", "2.5")
	t.Setenv("MINITOUCH_WS_ADDR", "")
	t.Setenv("MINITOUCH_KEYMAP", "")

	cfg := defaultConfig()
	if cfg.InputRoot != "/tmp/input" || cfg.Device != "/dev/input/event7" || cfg.SocketName != "touchy" {
		t.Errorf("paths = %+v", cfg)
	}
	if !cfg.Verbose {
		t.Error("verbose not set")
	}
	if cfg.PingSeconds != 2.5 {
		t.Errorf("ping = %v, want 2.5", cfg.PingSeconds)
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("MINITOUCH_INPUT_ROOT", "")
	t.Setenv("MINITOUCH_SOCKET", "")
	t.Setenv("MINITOUCH_VERBOSE", "maybe")
	t.Setenv("MINITOUCH_PING_SECONDS", "soon")

	cfg := defaultConfig()
	if cfg.InputRoot != defaultInputRoot || cfg.SocketName != defaultSocketName {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Verbose {
		t.Error("unparseable verbose should fall back to false")
	}
	if cfg.PingSeconds != 5 {
		t.Errorf("ping = %v, want 5", cfg.PingSeconds)
	}
}
