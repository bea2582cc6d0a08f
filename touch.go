package main

// Contact state machine for the two kernel multitouch protocols.
//
// Type B devices have addressable slots, so every call is written to the
// device as it happens and Commit only terminates the frame. Type A
// devices have no slots: every frame has to restate every live contact,
// so calls only update the slot table and Commit replays it.

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrDeviceLost = errors.New("touch device write failed")

// Values reported for touch/width major when the device has those axes.
const (
	touchMajorValue = 0x00000006
	widthMajorValue = 0x00000004
)

type contactState uint8

const (
	contactIdle contactState = iota
	contactWentDown
	contactMoved
	contactWentUp
)

func (s contactState) String() string {
	switch s {
	case contactIdle:
		return "idle"
	case contactWentDown:
		return "went_down"
	case contactMoved:
		return "moved"
	case contactWentUp:
		return "went_up"
	}
	return fmt.Sprintf("contactState(%d)", uint8(s))
}

type contact struct {
	state      contactState
	trackingID int32
	x, y       int32
	pressure   int32
}

// touchSession is the protocol-independent contact API. Down, Move and Up
// report false when the slot is out of range or (Move/Up) not active.
type touchSession interface {
	Down(slot int, x, y, pressure int32) (bool, error)
	Move(slot int, x, y, pressure int32) (bool, error)
	Up(slot int) (bool, error)
	Commit() error
	PanicReset() error
}

// eventWriter buffers the events of a single operation and writes them
// to the device with one write call.
type eventWriter struct {
	dst io.Writer
	buf []byte
}

func (w *eventWriter) emit(typ, code uint16, value int32) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("%-6d %-6d %08x", typ, code, uint32(value))
	}
	w.buf = appendEvent(w.buf, inputEvent{Type: typ, Code: code, Value: value})
}

func (w *eventWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.dst.Write(w.buf)
	w.buf = w.buf[:0]
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}
	return nil
}

// contactTable is the state shared by both protocol variants.
type contactTable struct {
	dev      *touchDevice
	out      *eventWriter
	contacts [MaxSupportedContacts]contact
	active   int
}

func (t *contactTable) valid(slot int) bool {
	return slot >= 0 && slot < t.dev.maxContacts
}

func (t *contactTable) emitShape(pressure int32) {
	if t.dev.hasTouchMajor {
		t.out.emit(EV_ABS, ABS_MT_TOUCH_MAJOR, touchMajorValue)
	}
	if t.dev.hasWidthMajor {
		t.out.emit(EV_ABS, ABS_MT_WIDTH_MAJOR, widthMajorValue)
	}
	if t.dev.hasPressure {
		t.out.emit(EV_ABS, ABS_MT_PRESSURE, pressure)
	}
}

func (t *contactTable) emitPosition(x, y int32) {
	t.out.emit(EV_ABS, ABS_MT_POSITION_X, x)
	t.out.emit(EV_ABS, ABS_MT_POSITION_Y, y)
}

type typeBSession struct {
	contactTable
	trackingID int32
}

func (s *typeBSession) nextTrackingID() int32 {
	if s.trackingID < math.MaxInt32 {
		s.trackingID++
	} else {
		s.trackingID = 0
	}
	return s.trackingID
}

func (s *typeBSession) Down(slot int, x, y, pressure int32) (bool, error) {
	if !s.valid(slot) {
		return false, nil
	}
	if s.contacts[slot].state != contactIdle {
		if err := s.PanicReset(); err != nil {
			return false, err
		}
	}

	c := &s.contacts[slot]
	c.state = contactWentDown
	c.trackingID = s.nextTrackingID()
	c.x, c.y, c.pressure = x, y, pressure
	s.active++

	s.out.emit(EV_ABS, ABS_MT_SLOT, int32(slot))
	s.out.emit(EV_ABS, ABS_MT_TRACKING_ID, c.trackingID)
	if s.active == 1 && s.dev.hasBtnTouch {
		s.out.emit(EV_KEY, BTN_TOUCH, 1)
	}
	s.emitShape(pressure)
	s.emitPosition(x, y)
	return true, s.out.flush()
}

func (s *typeBSession) Move(slot int, x, y, pressure int32) (bool, error) {
	if !s.valid(slot) || s.contacts[slot].state == contactIdle {
		return false, nil
	}

	c := &s.contacts[slot]
	c.state = contactMoved
	c.x, c.y, c.pressure = x, y, pressure

	s.out.emit(EV_ABS, ABS_MT_SLOT, int32(slot))
	s.emitShape(pressure)
	s.emitPosition(x, y)
	return true, s.out.flush()
}

func (s *typeBSession) Up(slot int) (bool, error) {
	if !s.valid(slot) || s.contacts[slot].state == contactIdle {
		return false, nil
	}
	s.release(slot)
	return true, s.out.flush()
}

func (s *typeBSession) release(slot int) {
	s.contacts[slot].state = contactIdle
	s.active--

	s.out.emit(EV_ABS, ABS_MT_SLOT, int32(slot))
	s.out.emit(EV_ABS, ABS_MT_TRACKING_ID, -1)
	if s.active == 0 && s.dev.hasBtnTouch {
		s.out.emit(EV_KEY, BTN_TOUCH, 0)
	}
}

func (s *typeBSession) Commit() error {
	s.out.emit(EV_SYN, SYN_REPORT, 0)
	return s.out.flush()
}

func (s *typeBSession) PanicReset() error {
	found := false
	for slot := 0; slot < s.dev.maxContacts; slot++ {
		if s.contacts[slot].state != contactIdle {
			s.release(slot)
			found = true
		}
	}
	if !found {
		return nil
	}
	return s.Commit()
}

type typeASession struct {
	contactTable
}

func (s *typeASession) Down(slot int, x, y, pressure int32) (bool, error) {
	if !s.valid(slot) {
		return false, nil
	}
	if s.contacts[slot].state != contactIdle {
		if err := s.PanicReset(); err != nil {
			return false, err
		}
	}

	c := &s.contacts[slot]
	c.state = contactWentDown
	c.x, c.y, c.pressure = x, y, pressure
	return true, nil
}

func (s *typeASession) Move(slot int, x, y, pressure int32) (bool, error) {
	if !s.valid(slot) || s.contacts[slot].state == contactIdle {
		return false, nil
	}

	c := &s.contacts[slot]
	if c.state != contactWentDown {
		// A contact that has not been reported yet stays WentDown so the
		// next commit still announces it.
		c.state = contactMoved
	}
	c.x, c.y, c.pressure = x, y, pressure
	return true, nil
}

func (s *typeASession) Up(slot int) (bool, error) {
	if !s.valid(slot) || s.contacts[slot].state == contactIdle {
		return false, nil
	}

	c := &s.contacts[slot]
	if c.state == contactWentDown {
		// Never reported to the kernel, so it goes straight to idle
		// instead of went-up: a went-up here would be counted as a lift
		// in Commit and take active below zero.
		c.state = contactIdle
		return true, nil
	}
	c.state = contactWentUp
	return true, nil
}

func (s *typeASession) emitTrackingID(slot int) {
	if s.dev.hasTrackingID {
		s.out.emit(EV_ABS, ABS_MT_TRACKING_ID, int32(slot))
	}
}

func (s *typeASession) Commit() error {
	found := false

	for slot := 0; slot < s.dev.maxContacts; slot++ {
		c := &s.contacts[slot]
		switch c.state {
		case contactWentDown:
			found = true
			s.active++

			s.emitTrackingID(slot)
			if s.active == 1 && s.dev.hasBtnTouch {
				s.out.emit(EV_KEY, BTN_TOUCH, 1)
			}
			s.emitShape(c.pressure)
			s.emitPosition(c.x, c.y)
			s.out.emit(EV_SYN, SYN_MT_REPORT, 0)

			c.state = contactMoved

		case contactMoved:
			found = true

			s.emitTrackingID(slot)
			s.emitShape(c.pressure)
			s.emitPosition(c.x, c.y)
			s.out.emit(EV_SYN, SYN_MT_REPORT, 0)

		case contactWentUp:
			found = true
			s.active--

			s.emitTrackingID(slot)
			if s.active == 0 && s.dev.hasBtnTouch {
				s.out.emit(EV_KEY, BTN_TOUCH, 0)
			}
			s.out.emit(EV_SYN, SYN_MT_REPORT, 0)

			c.state = contactIdle
		}
	}

	if found {
		s.out.emit(EV_SYN, SYN_REPORT, 0)
	}
	return s.out.flush()
}

func (s *typeASession) PanicReset() error {
	for slot := 0; slot < s.dev.maxContacts; slot++ {
		switch s.contacts[slot].state {
		case contactWentDown:
			// Unreported: idle, not went-up, as in Up.
			s.contacts[slot].state = contactIdle
		case contactMoved:
			s.contacts[slot].state = contactWentUp
		}
	}
	return s.Commit()
}

func newTouchSession(dev *touchDevice, w io.Writer) touchSession {
	table := contactTable{dev: dev, out: &eventWriter{dst: w}}
	if dev.hasMTSlot {
		return &typeBSession{contactTable: table}
	}
	return &typeASession{contactTable: table}
}

// Touchpad serializes every producer (socket and WebSocket sessions,
// keyboard listeners) onto the one contact table and device handle.
type Touchpad struct {
	mu      sync.Mutex
	dev     *touchDevice
	session touchSession
}

func NewTouchpad(dev *touchDevice, w io.Writer) *Touchpad {
	return &Touchpad{dev: dev, session: newTouchSession(dev, w)}
}

func (p *Touchpad) Down(slot int, x, y, pressure int32) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Down(slot, x, y, pressure)
}

func (p *Touchpad) Move(slot int, x, y, pressure int32) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Move(slot, x, y, pressure)
}

func (p *Touchpad) Up(slot int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Up(slot)
}

func (p *Touchpad) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Commit()
}

func (p *Touchpad) PanicReset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.PanicReset()
}

// Frame runs fn with exclusive access so that a multi-step change, e.g.
// down followed by commit, reaches the device without interleaving.
func (p *Touchpad) Frame(fn func(s touchSession) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.session)
}

func (p *Touchpad) Limits() (maxContacts int, maxX, maxY, maxPressure int32) {
	return p.dev.maxContacts, p.dev.maxX, p.dev.maxY, p.dev.maxPressure
}
