package main

// Linux input plumbing for the touch path:
// - constants for the event codes the multitouch protocols use
// - ioctl helpers to read capability bitmaps, ABS ranges, props and names
// - encoding/decoding of native struct input_event records

import (
	"encoding/binary"
	"errors"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event types
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_ABS = 0x03
)

// SYN codes
const (
	SYN_REPORT    = 0x00
	SYN_MT_REPORT = 0x02
)

// Keys
const (
	BTN_TOUCH = 0x14A
	KEY_MAX   = 0x2FF
)

// Multitouch ABS axes
const (
	ABS_MT_SLOT        = 0x2F
	ABS_MT_TOUCH_MAJOR = 0x30
	ABS_MT_WIDTH_MAJOR = 0x32
	ABS_MT_POSITION_X  = 0x35
	ABS_MT_POSITION_Y  = 0x36
	ABS_MT_TOOL_TYPE   = 0x37
	ABS_MT_TRACKING_ID = 0x39
	ABS_MT_PRESSURE    = 0x3A
	ABS_MAX            = 0x3F
)

const (
	INPUT_PROP_DIRECT = 0x01
	INPUT_PROP_MAX    = 0x1F

	MT_TOOL_FINGER = 0x00
)

type absInfo struct {
	Value      int32
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir uint32, typ uint32, nr uint32, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

func evioCGName(size int) uintptr {
	// EVIOCGNAME(len) = _IOC(_IOC_READ, 'E', 0x06, len)
	return ioc(iocRead, uint32('E'), 0x06, uint32(size))
}

func evioCGProp(size int) uintptr {
	// EVIOCGPROP(len) = _IOC(_IOC_READ, 'E', 0x09, len)
	return ioc(iocRead, uint32('E'), 0x09, uint32(size))
}

func evioCGBit(ev int, size int) uintptr {
	// EVIOCGBIT(ev, len) = _IOC(_IOC_READ, 'E', 0x20 + ev, len)
	return ioc(iocRead, uint32('E'), uint32(0x20+ev), uint32(size))
}

func evioCGAbs(absCode int) uintptr {
	// EVIOCGABS(abs) = _IOR('E', 0x40 + abs, struct input_absinfo)
	return ioc(iocRead, uint32('E'), uint32(0x40+absCode), uint32(unsafe.Sizeof(absInfo{})))
}

func ioctlBuf(fd int, req uintptr, buf []byte) (int, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func getAbsInfo(fd int, absCode int) (absInfo, error) {
	var info absInfo
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evioCGAbs(absCode), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return absInfo{}, errno
	}
	return info, nil
}

// getBits returns the capability bitmap for an event type, or the
// property bitmap when ev is -1.
func getBits(fd int, ev int, max int) ([]byte, error) {
	buf := make([]byte, max/8+1)
	req := evioCGProp(len(buf))
	if ev >= 0 {
		req = evioCGBit(ev, len(buf))
	}
	if _, err := ioctlBuf(fd, req, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func getName(fd int) (string, error) {
	buf := make([]byte, 256)
	n, err := ioctlBuf(fd, evioCGName(len(buf)), buf)
	if err != nil {
		return "", err
	}
	if n > len(buf) {
		n = len(buf)
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), nil
}

func testBit(bits []byte, n int) bool {
	if n/8 >= len(bits) {
		return false
	}
	return bits[n/8]&(1<<(uint(n)%8)) != 0
}

// inputEventSize is the native sizeof(struct input_event): two timeval
// words followed by type, code and value. 24 bytes on 64-bit, 16 on 32-bit.
var inputEventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

type inputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// appendEvent encodes one record with zeroed timestamps; the kernel stamps
// the event itself.
func appendEvent(b []byte, ev inputEvent) []byte {
	off := len(b)
	for i := 0; i < inputEventSize; i++ {
		b = append(b, 0)
	}
	rec := b[off+inputEventSize-8:]
	binary.NativeEndian.PutUint16(rec[0:2], ev.Type)
	binary.NativeEndian.PutUint16(rec[2:4], ev.Code)
	binary.NativeEndian.PutUint32(rec[4:8], uint32(ev.Value))
	return b
}

var errShortRecord = errors.New("input: truncated event record")

// decodeEvents is the inverse of appendEvent. Trailing partial records
// are reported as errShortRecord along with everything decoded so far.
func decodeEvents(b []byte) ([]inputEvent, error) {
	var out []inputEvent
	for len(b) >= inputEventSize {
		rec := b[inputEventSize-8 : inputEventSize]
		out = append(out, inputEvent{
			Type:  binary.NativeEndian.Uint16(rec[0:2]),
			Code:  binary.NativeEndian.Uint16(rec[2:4]),
			Value: int32(binary.NativeEndian.Uint32(rec[4:8])),
		})
		b = b[inputEventSize:]
	}
	if len(b) != 0 {
		return out, errShortRecord
	}
	return out, nil
}

var errNotCharDevice = errors.New("not a character device")

func isCharDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFCHR
}
