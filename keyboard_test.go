package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	evdev "github.com/holoplot/go-evdev"
)

func testPool(t *testing.T, pad *Touchpad) *keyboardPool {
	t.Helper()
	p, err := newKeyboardPool(context.Background(), pad, Keymap{
		Pressure: 50,
		Keys: map[string]KeyBinding{
			"KEY_A": {Slot: 0, X: 300, Y: 1500},
			"KEY_S": {Slot: 1, X: 800, Y: 1500},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHasAllKeys(t *testing.T) {
	full := []evdev.EvCode{evdev.KEY_ESC, evdev.KEY_A, evdev.KEY_S, evdev.KEY_D, evdev.KEY_F, evdev.KEY_G}
	if !hasAllKeys(full, keyboardKeys) {
		t.Error("full keyboard not recognised")
	}
	remote := []evdev.EvCode{evdev.KEY_VOLUMEUP, evdev.KEY_VOLUMEDOWN, evdev.KEY_POWER, evdev.KEY_A}
	if hasAllKeys(remote, keyboardKeys) {
		t.Error("button panel classified as keyboard")
	}
	if hasAllKeys(nil, keyboardKeys) {
		t.Error("device without keys classified as keyboard")
	}
}

func TestResolveKeymap(t *testing.T) {
	bindings, err := resolveKeymap(Keymap{Keys: map[string]KeyBinding{"KEY_SPACE": {Slot: 2}}})
	if err != nil {
		t.Fatal(err)
	}
	if b, ok := bindings[evdev.KEY_SPACE]; !ok || b.Slot != 2 {
		t.Errorf("KEY_SPACE = %+v, %v", b, ok)
	}

	if _, err := resolveKeymap(Keymap{Keys: map[string]KeyBinding{"KEY_NOPE": {}}}); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestTranslate(t *testing.T) {
	p := testPool(t, NewTouchpad(slottedDevice(2), &recorder{}))
	a := KeyBinding{Slot: 0, X: 300, Y: 1500}

	tests := []struct {
		name string
		ev   evdev.InputEvent
		want keyAction
		ok   bool
	}{
		{"press", evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1}, keyAction{a, true}, true},
		{"release", evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 0}, keyAction{a, false}, true},
		{"repeat", evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 2}, keyAction{}, false},
		{"unbound", evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_Q, Value: 1}, keyAction{}, false},
		{"sync", evdev.InputEvent{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}, keyAction{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.translate(&tt.ev)
			if ok != tt.ok || got != tt.want {
				t.Errorf("translate = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestApplyTapsTouchpad(t *testing.T) {
	rec := &recorder{}
	p := testPool(t, NewTouchpad(slottedDevice(2), rec))
	a := KeyBinding{Slot: 0, X: 300, Y: 1500}

	if err := p.apply(keyAction{a, true}); err != nil {
		t.Fatal(err)
	}
	assertEvents(t, rec.take(t), []ev{
		{EV_ABS, ABS_MT_SLOT, 0},
		{EV_ABS, ABS_MT_TRACKING_ID, 1},
		{EV_KEY, BTN_TOUCH, 1},
		{EV_ABS, ABS_MT_PRESSURE, 50},
		{EV_ABS, ABS_MT_POSITION_X, 300},
		{EV_ABS, ABS_MT_POSITION_Y, 1500},
		{EV_SYN, SYN_REPORT, 0},
	})

	if err := p.apply(keyAction{a, false}); err != nil {
		t.Fatal(err)
	}
	assertEvents(t, rec.take(t), []ev{
		{EV_ABS, ABS_MT_SLOT, 0},
		{EV_ABS, ABS_MT_TRACKING_ID, -1},
		{EV_KEY, BTN_TOUCH, 0},
		{EV_SYN, SYN_REPORT, 0},
	})

	// A second release has nothing to lift and must not commit.
	if err := p.apply(keyAction{a, false}); err != nil {
		t.Fatal(err)
	}
	if rec.buf.Len() != 0 {
		t.Error("release of idle slot wrote events")
	}
}

func TestApplyBindingBeyondDeviceContacts(t *testing.T) {
	rec := &recorder{}
	p := testPool(t, NewTouchpad(slottedDevice(1), rec))

	if err := p.apply(keyAction{KeyBinding{Slot: 1, X: 1, Y: 1}, true}); err != nil {
		t.Fatal(err)
	}
	if rec.writes != 0 {
		t.Error("binding outside the device contact range wrote events")
	}
}

func TestPoolAddRejectsNonDevices(t *testing.T) {
	p := testPool(t, NewTouchpad(slottedDevice(2), &recorder{}))
	defer p.Close()

	path := writeTemp(t, "event0", "")
	if err := p.Add(path); !errors.Is(err, errNotCharDevice) {
		t.Errorf("Add(regular file) = %v, want errNotCharDevice", err)
	}
	if len(p.devices) != 0 {
		t.Errorf("pool tracks %d devices", len(p.devices))
	}

	p.Close()
	if err := p.Add(path); err != nil {
		t.Errorf("Add after Close = %v, want nil", err)
	}
}

// Keyboard taps and a protocol client share one touchpad. Every device
// write must be a whole operation and the combined stream must stay
// consistent: touch key toggles strictly, every contact is released and
// each commit lands once.
func TestConcurrentProducers(t *testing.T) {
	const rounds = 200
	rec := &chunkRecorder{}
	pad := NewTouchpad(slottedDevice(2), rec)
	p := testPool(t, pad)
	ctx := context.Background()

	var wg sync.WaitGroup
	errC := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		a := KeyBinding{Slot: 0, X: 300, Y: 1500}
		for i := 0; i < rounds; i++ {
			if err := p.apply(keyAction{a, true}); err != nil {
				errC <- err
				return
			}
			if err := p.apply(keyAction{a, false}); err != nil {
				errC <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			for _, line := range []string{
				fmt.Sprintf("d 1 %d 10 40", i),
				"c",
				fmt.Sprintf("m 1 %d 20 40", i),
				"c",
				"u 1",
				"c",
			} {
				if err := handleLine(ctx, line, pad); err != nil {
					errC <- err
					return
				}
			}
		}
	}()
	wg.Wait()
	close(errC)
	for err := range errC {
		t.Fatal(err)
	}

	var all []ev
	for i, chunk := range rec.chunks {
		evs, err := decodeEvents(chunk)
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		// A write is either a lone commit or one slot's update.
		lone := len(evs) == 1 && evs[0] == ev{EV_SYN, SYN_REPORT, 0}
		if !lone && (len(evs) == 0 || evs[0].Code != ABS_MT_SLOT || countEvents(evs, EV_SYN, SYN_REPORT, 0) != 0) {
			t.Fatalf("write %d is not a single operation: %v", i, evs)
		}
		all = append(all, evs...)
	}

	var (
		touching bool
		downs    int
		ups      int
		syns     int
		lastID   int32
	)
	for i, e := range all {
		switch {
		case e.Type == EV_KEY && e.Code == BTN_TOUCH:
			if (e.Value == 1) == touching {
				t.Fatalf("event %d: BTN_TOUCH %d repeated", i, e.Value)
			}
			touching = e.Value == 1
		case e.Type == EV_ABS && e.Code == ABS_MT_TRACKING_ID && e.Value == -1:
			ups++
		case e.Type == EV_ABS && e.Code == ABS_MT_TRACKING_ID:
			if e.Value <= lastID {
				t.Fatalf("event %d: tracking id %d after %d", i, e.Value, lastID)
			}
			lastID = e.Value
			downs++
		case e.Type == EV_SYN && e.Code == SYN_REPORT:
			syns++
		}
	}
	if touching {
		t.Error("stream ends with BTN_TOUCH held")
	}
	if downs != 2*rounds || ups != 2*rounds {
		t.Errorf("downs/ups = %d/%d, want %d each", downs, ups, 2*rounds)
	}
	if syns != 5*rounds {
		t.Errorf("SYN_REPORT count = %d, want %d", syns, 5*rounds)
	}
	if all[len(all)-1] != (ev{EV_SYN, SYN_REPORT, 0}) {
		t.Errorf("stream ends with %+v", all[len(all)-1])
	}
}

// chunkRecorder keeps each device write separately. Writes happen under
// the touchpad lock.
type chunkRecorder struct {
	chunks [][]byte
}

func (r *chunkRecorder) Write(p []byte) (int, error) {
	r.chunks = append(r.chunks, append([]byte(nil), p...))
	return len(p), nil
}
