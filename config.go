package main

// Runtime configuration: env defaults, flag overrides (main.go) and the
// optional YAML keymap used by keyboard listeners.

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	protocolVersion   = 1
	defaultSocketName = "minitouch"
	defaultInputRoot  = "/dev/input"
)

type Config struct {
	InputRoot   string
	Device      string
	SocketName  string
	Verbose     bool
	UseStdin    bool
	CommandFile string
	ListDevices bool

	WsAddr      string
	PingSeconds float64

	KeymapPath string
}

func defaultConfig() Config {
	return Config{
		InputRoot:   getenvDefault("MINITOUCH_INPUT_ROOT", defaultInputRoot),
		Device:      os.Getenv("MINITOUCH_DEVICE"),
		SocketName:  getenvDefault("MINITOUCH_SOCKET", defaultSocketName),
		Verbose:     getenvBoolDefault("MINITOUCH_VERBOSE", false),
		WsAddr:      os.Getenv("MINITOUCH_WS_ADDR"),
		PingSeconds: getenvFloatDefault("MINITOUCH_PING_SECONDS", 5),
		KeymapPath:  os.Getenv("MINITOUCH_KEYMAP"),
	}
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out float64
	_, err := fmt.Sscanf(v, "%f", &out)
	if err != nil {
		return def
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return def
	}
	return out
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "1" || v == "true" || v == "yes" || v == "y" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "n" {
		return false
	}
	return def
}

// KeyBinding taps a fixed point while its key is held.
type KeyBinding struct {
	Slot int   `yaml:"slot"`
	X    int32 `yaml:"x"`
	Y    int32 `yaml:"y"`
}

type Keymap struct {
	Pressure int32                 `yaml:"pressure"`
	Keys     map[string]KeyBinding `yaml:"keys"`
}

func defaultKeymap() Keymap {
	return Keymap{
		Pressure: 50,
		Keys: map[string]KeyBinding{
			"KEY_A": {Slot: 0, X: 300, Y: 1500},
			"KEY_S": {Slot: 1, X: 800, Y: 1500},
		},
	}
}

// LoadKeymap reads a YAML keymap. An empty path yields the built-in map.
// Bindings in the file replace the defaults entirely.
func LoadKeymap(path string) (Keymap, error) {
	km := defaultKeymap()
	if path == "" {
		return km, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Keymap{}, err
	}
	var file Keymap
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Keymap{}, fmt.Errorf("keymap %s: %w", path, err)
	}
	if file.Pressure != 0 {
		km.Pressure = file.Pressure
	}
	if len(file.Keys) > 0 {
		km.Keys = file.Keys
	}
	for name, b := range km.Keys {
		if b.Slot < 0 || b.Slot >= MaxSupportedContacts {
			return Keymap{}, fmt.Errorf("keymap %s: %s: slot %d out of range", path, name, b.Slot)
		}
	}
	return km, nil
}
