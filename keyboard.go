package main

// Keyboard listeners. Each keyboard gets one goroutine blocking on its
// device; bound keys press and release contacts on the shared touchpad.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	evdev "github.com/holoplot/go-evdev"
	log "github.com/sirupsen/logrus"
)

// keyboardKeys must all be present for a device to count as a keyboard.
var keyboardKeys = []evdev.EvCode{evdev.KEY_A, evdev.KEY_S, evdev.KEY_D, evdev.KEY_F}

var errNotKeyboard = errors.New("not a keyboard")

func hasAllKeys(codes []evdev.EvCode, want []evdev.EvCode) bool {
	have := make(map[evdev.EvCode]bool, len(codes))
	for _, c := range codes {
		have[c] = true
	}
	for _, c := range want {
		if !have[c] {
			return false
		}
	}
	return true
}

func openKeyboard(path string) (*evdev.InputDevice, error) {
	if !isCharDevice(path) {
		return nil, fmt.Errorf("%s: %w", path, errNotCharDevice)
	}
	dev, err := evdev.OpenWithFlags(path, os.O_RDWR)
	if err != nil {
		return nil, err
	}
	if !hasAllKeys(dev.CapableEvents(evdev.EV_KEY), keyboardKeys) {
		_ = dev.Close()
		return nil, fmt.Errorf("%s: %w", path, errNotKeyboard)
	}
	return dev, nil
}

// keyAction is what a single key event asks of the touchpad.
type keyAction struct {
	binding KeyBinding
	down    bool
}

// resolveKeymap maps key names such as KEY_A to event codes.
func resolveKeymap(km Keymap) (map[evdev.EvCode]KeyBinding, error) {
	out := make(map[evdev.EvCode]KeyBinding, len(km.Keys))
	for name, b := range km.Keys {
		code, ok := evdev.KEYFromString[name]
		if !ok {
			return nil, fmt.Errorf("keymap: unknown key %q", name)
		}
		out[code] = b
	}
	return out, nil
}

type keyboardPool struct {
	ctx      context.Context
	pad      *Touchpad
	bindings map[evdev.EvCode]KeyBinding
	pressure int32

	mu      sync.Mutex
	devices map[string]*evdev.InputDevice
	closed  bool
	wg      sync.WaitGroup
}

func newKeyboardPool(ctx context.Context, pad *Touchpad, km Keymap) (*keyboardPool, error) {
	bindings, err := resolveKeymap(km)
	if err != nil {
		return nil, err
	}
	return &keyboardPool{
		ctx:      ctx,
		pad:      pad,
		bindings: bindings,
		pressure: km.Pressure,
		devices:  map[string]*evdev.InputDevice{},
	}, nil
}

// Add classifies path and, if it is a keyboard not yet tracked, grabs it
// and starts its listener.
func (p *keyboardPool) Add(path string) error {
	p.mu.Lock()
	_, dup := p.devices[path]
	closed := p.closed
	p.mu.Unlock()
	if dup || closed {
		return nil
	}

	dev, err := openKeyboard(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.devices[path]; dup || p.closed {
		_ = dev.Close()
		return nil
	}

	name, _ := dev.Name()
	entry := log.WithFields(log.Fields{"path": path, "name": name})
	if err := dev.Grab(); err != nil {
		entry.WithError(err).Warn("unable to grab keyboard")
	}
	entry.Info("keyboard attached")

	p.devices[path] = dev
	p.wg.Add(1)
	go p.listen(path, dev)
	return nil
}

func (p *keyboardPool) listen(path string, dev *evdev.InputDevice) {
	defer p.wg.Done()
	defer p.remove(path, dev)

	for {
		ev, err := dev.ReadOne()
		if err != nil {
			if p.ctx.Err() == nil {
				log.WithField("path", path).WithError(err).Info("keyboard detached")
			}
			return
		}
		act, ok := p.translate(ev)
		if !ok {
			continue
		}
		if err := p.apply(act); err != nil {
			log.WithField("path", path).WithError(err).Error("keyboard touch failed")
			return
		}
	}
}

func (p *keyboardPool) translate(ev *evdev.InputEvent) (keyAction, bool) {
	if ev.Type != evdev.EV_KEY {
		return keyAction{}, false
	}
	b, ok := p.bindings[ev.Code]
	if !ok {
		return keyAction{}, false
	}
	switch ev.Value {
	case 1:
		return keyAction{binding: b, down: true}, true
	case 0:
		return keyAction{binding: b, down: false}, true
	}
	// autorepeat
	return keyAction{}, false
}

func (p *keyboardPool) apply(act keyAction) error {
	return p.pad.Frame(func(s touchSession) error {
		var (
			ok  bool
			err error
		)
		if act.down {
			ok, err = s.Down(act.binding.Slot, act.binding.X, act.binding.Y, p.pressure)
		} else {
			ok, err = s.Up(act.binding.Slot)
		}
		if err != nil || !ok {
			return err
		}
		return s.Commit()
	})
}

func (p *keyboardPool) remove(path string, dev *evdev.InputDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.devices[path] == dev {
		delete(p.devices, path)
		_ = dev.Close()
	}
}

// Close stops every listener and waits for them to exit.
func (p *keyboardPool) Close() {
	p.mu.Lock()
	p.closed = true
	for path, dev := range p.devices {
		_ = dev.Close()
		delete(p.devices, path)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
