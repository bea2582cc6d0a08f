package main

// Input device selection.
//
// Device nodes under /dev/input are not stable across boots and many
// machines expose several touch surfaces (keypads, side sensors, wrapper
// devices). Every candidate is probed and scored; the best one wins.

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

const MaxSupportedContacts = 10

var ErrNoDevice = errors.New("no suitable touch device")

// deviceCaps is what the scoring and derivation steps need to know about
// a candidate. Only axes the device advertises are present in abs.
type deviceCaps struct {
	name        string
	abs         map[int]absInfo
	hasBtnTouch bool
	direct      bool
}

func (c deviceCaps) hasAbs(code int) bool {
	_, ok := c.abs[code]
	return ok
}

func (c deviceCaps) absMax(code int) int32 { return c.abs[code].Max }

func probeCaps(f *os.File) (deviceCaps, error) {
	fd := int(f.Fd())
	caps := deviceCaps{abs: map[int]absInfo{}}

	absBits, err := getBits(fd, EV_ABS, ABS_MAX)
	if err != nil {
		return caps, err
	}
	for code := 0; code <= ABS_MAX; code++ {
		if !testBit(absBits, code) {
			continue
		}
		info, err := getAbsInfo(fd, code)
		if err != nil {
			return caps, err
		}
		caps.abs[code] = info
	}
	if keyBits, err := getBits(fd, EV_KEY, KEY_MAX); err == nil {
		caps.hasBtnTouch = testBit(keyBits, BTN_TOUCH)
	}
	if props, err := getBits(fd, -1, INPUT_PROP_MAX); err == nil {
		caps.direct = testBit(props, INPUT_PROP_DIRECT)
	}
	caps.name, _ = getName(fd)
	return caps, nil
}

// scoreTouch rates a multitouch candidate. ok is false when the device
// is not a usable finger touch surface at all.
func scoreTouch(c deviceCaps) (score int, ok bool) {
	if !c.hasAbs(ABS_MT_POSITION_X) {
		return 0, false
	}

	score = 10000

	if tool, has := c.abs[ABS_MT_TOOL_TYPE]; has {
		if tool.Min > MT_TOOL_FINGER || tool.Max < MT_TOOL_FINGER {
			return 0, false
		}
		score -= int(tool.Max - MT_TOOL_FINGER)
	}

	if c.hasAbs(ABS_MT_SLOT) {
		// More contacts usually means the primary surface; auxiliary
		// keypads that double as touch surfaces report fewer slots.
		score += 1000 + int(c.absMax(ABS_MT_SLOT))
	}

	if strings.Contains(c.name, "key") || strings.Contains(c.name, "_side") {
		score--
	}

	// Accessibility wrapper devices mirror the real screen but lack the
	// direct property.
	if c.direct {
		score += 10000
	}

	x := float64(c.absMax(ABS_MT_POSITION_X))
	y := float64(c.absMax(ABS_MT_POSITION_Y))
	if x*y > 0 {
		score += int(math.Sqrt(x * y))
	}
	return score, true
}

type touchCandidate struct {
	path  string
	file  *os.File
	caps  deviceCaps
	score int
}

func (c *touchCandidate) close() {
	if c.file != nil {
		_ = c.file.Close()
		c.file = nil
	}
}

func openTouchCandidate(path string) (*touchCandidate, error) {
	if !isCharDevice(path) {
		return nil, fmt.Errorf("%s: %w", path, errNotCharDevice)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	caps, err := probeCaps(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: probe: %w", path, err)
	}
	score, ok := scoreTouch(caps)
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%s: not a finger touch device", path)
	}
	return &touchCandidate{path: path, file: f, caps: caps, score: score}, nil
}

// touchSelector retains the best candidate seen so far. The retained
// candidate owns its handle; anything it rejects or replaces is closed.
type touchSelector struct {
	best *touchCandidate
}

func (s *touchSelector) consider(c *touchCandidate) bool {
	if s.best != nil && s.best.score >= c.score {
		log.WithFields(log.Fields{"path": c.path, "winner": s.best.path}).
			Infof("device outscored (%d >= %d)", s.best.score, c.score)
		c.close()
		return false
	}
	if s.best != nil {
		log.WithFields(log.Fields{"path": s.best.path, "winner": c.path}).
			Infof("device outscored (%d > %d)", c.score, s.best.score)
		s.best.close()
	}
	s.best = c
	return true
}

// listInputNodes returns the entries of root in name order so that ties
// are broken the same way on every run.
func listInputNodes(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(root, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// selectTouchDevice picks the best touch device under root, or validates
// the explicit path when one is given.
func selectTouchDevice(root, explicit string) (*touchDevice, error) {
	sel := &touchSelector{}
	if explicit != "" {
		c, err := openTouchCandidate(explicit)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not a supported touch device: %v", ErrNoDevice, explicit, err)
		}
		sel.consider(c)
	} else {
		paths, err := listInputNodes(root)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to crawl %s: %v", ErrNoDevice, root, err)
		}
		for _, p := range paths {
			c, err := openTouchCandidate(p)
			if err != nil {
				log.WithField("path", p).Debugf("skip: %v", err)
				continue
			}
			sel.consider(c)
		}
	}
	if sel.best == nil {
		return nil, ErrNoDevice
	}
	return newTouchDevice(sel.best), nil
}

// touchDevice is the selected touch source and everything derived from
// its capabilities. It is created once and never reopened.
type touchDevice struct {
	path  string
	name  string
	score int
	file  *os.File

	hasMTSlot     bool
	hasTrackingID bool
	hasBtnTouch   bool
	hasTouchMajor bool
	hasWidthMajor bool
	hasPressure   bool

	minPressure   int32
	maxPressure   int32
	maxX          int32
	maxY          int32
	maxTrackingID int32
	maxContacts   int
}

func newTouchDevice(c *touchCandidate) *touchDevice {
	caps := c.caps
	d := &touchDevice{
		path:          c.path,
		name:          caps.name,
		score:         c.score,
		file:          c.file,
		hasMTSlot:     caps.hasAbs(ABS_MT_SLOT),
		hasTrackingID: caps.hasAbs(ABS_MT_TRACKING_ID),
		hasBtnTouch:   caps.hasBtnTouch,
		hasTouchMajor: caps.hasAbs(ABS_MT_TOUCH_MAJOR),
		hasWidthMajor: caps.hasAbs(ABS_MT_WIDTH_MAJOR),
		hasPressure:   caps.hasAbs(ABS_MT_PRESSURE),
		maxX:          caps.absMax(ABS_MT_POSITION_X),
		maxY:          caps.absMax(ABS_MT_POSITION_Y),
		maxTrackingID: math.MaxInt32,
	}
	if d.hasPressure {
		d.minPressure = caps.abs[ABS_MT_PRESSURE].Min
		d.maxPressure = caps.absMax(ABS_MT_PRESSURE)
	}
	if d.hasTrackingID {
		d.maxTrackingID = caps.absMax(ABS_MT_TRACKING_ID)
	}

	if !d.hasMTSlot && d.maxTrackingID == 0 {
		// Seen on Lenovo Yoga Tablet B6000-F, which handles ~10 contacts.
		d.maxTrackingID = MaxSupportedContacts - 1
		log.WithField("path", d.path).Warnf("type A device reports a max value of 0 for ABS_MT_TRACKING_ID; "+
			"it is most likely reporting incorrect information, guessing %d", d.maxTrackingID)
	}

	var contacts int64
	switch {
	case d.hasMTSlot:
		contacts = int64(caps.absMax(ABS_MT_SLOT)) + 1
	case d.hasTrackingID:
		contacts = int64(d.maxTrackingID) + 1
	default:
		contacts = 2
	}

	log.WithFields(log.Fields{"path": d.path, "score": d.score}).Infof("%s touch device %s (%dx%d with %d contacts) detected",
		d.protocolName(), d.name, d.maxX, d.maxY, contacts)

	if contacts > MaxSupportedContacts {
		log.Infof("hard-limiting maximum number of contacts to %d", MaxSupportedContacts)
		contacts = MaxSupportedContacts
	}
	if contacts < 0 {
		contacts = 0
	}
	d.maxContacts = int(contacts)
	return d
}

func (d *touchDevice) protocolName() string {
	if d.hasMTSlot {
		return "Type B"
	}
	return "Type A"
}

func (d *touchDevice) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// listDevices prints every node under root with its classification.
func listDevices(root string, w func(format string, args ...any)) error {
	paths, err := listInputNodes(root)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if c, err := openTouchCandidate(p); err == nil {
			w("%s\ttouch\tscore=%d\tname=%q\n", p, c.score, c.caps.name)
			c.close()
			continue
		}
		if kb, err := openKeyboard(p); err == nil {
			name, _ := kb.Name()
			w("%s\tkeyboard\tname=%q\n", p, name)
			_ = kb.Close()
			continue
		}
		w("%s\tother\n", p)
	}
	return nil
}
