package main

// Line-oriented control protocol.
//
// Server to client, once per session:
//
//	v <version>
//	^ <max_contacts> <max_x> <max_y> <max_pressure>
//	$ <pid>
//
// Client to server, one command per line:
//
//	c                       commit
//	r                       reset all contacts
//	d <slot> <x> <y> <p>    touch down
//	m <slot> <x> <y> <p>    touch move
//	u <slot>                touch up
//	w <ms>                  wait
//
// Unknown commands and bad operands are ignored so that sloppy clients
// never lose their session.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func writeHandshake(w io.Writer, pad *Touchpad) error {
	maxContacts, maxX, maxY, maxPressure := pad.Limits()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "v %d\n", protocolVersion)
	fmt.Fprintf(bw, "^ %d %d %d %d\n", maxContacts, maxX, maxY, maxPressure)
	fmt.Fprintf(bw, "$ %d\n", unix.Getpid())
	return bw.Flush()
}

// serveSession runs one client session until in is exhausted. It only
// returns an error for transport failures and lost device access.
func serveSession(ctx context.Context, in io.Reader, out io.Writer, pad *Touchpad) error {
	if err := writeHandshake(out, pad); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	rd := bufio.NewReader(in)
	for {
		line, err := rd.ReadString('\n')
		if ctx.Err() != nil {
			return nil
		}
		if len(line) > 0 {
			if herr := handleLine(ctx, line, pad); herr != nil {
				return herr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func handleLine(ctx context.Context, line string, pad *Touchpad) error {
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return nil
	}

	cur := &operandCursor{s: line, i: 1}
	var (
		ok  = true
		err error
	)
	switch line[0] {
	case 'c':
		err = pad.Commit()
	case 'r':
		err = pad.PanicReset()
	case 'd':
		slot, x, y, p := cur.slot(), cur.value(), cur.value(), cur.value()
		ok, err = pad.Down(slot, x, y, p)
	case 'm':
		slot, x, y, p := cur.slot(), cur.value(), cur.value(), cur.value()
		ok, err = pad.Move(slot, x, y, p)
	case 'u':
		ok, err = pad.Up(cur.slot())
	case 'w':
		ms := cur.next()
		log.Debugf("waiting %d ms", ms)
		wait(ctx, time.Duration(ms)*time.Millisecond)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		log.WithField("line", line).Debug("ignored: slot out of range or inactive")
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// operandCursor scans base-10 integers the way strtol does: leading
// whitespace and a sign are accepted, a failed conversion yields zero and
// leaves the cursor where it was.
type operandCursor struct {
	s string
	i int
}

func isCSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func (c *operandCursor) next() int64 {
	j := c.i
	for j < len(c.s) && isCSpace(c.s[j]) {
		j++
	}
	start := j
	if j < len(c.s) && (c.s[j] == '+' || c.s[j] == '-') {
		j++
	}
	digits := j
	for j < len(c.s) && c.s[j] >= '0' && c.s[j] <= '9' {
		j++
	}
	if j == digits {
		return 0
	}
	// Out of range values saturate, ParseInt already returns the bound.
	v, _ := strconv.ParseInt(c.s[start:j], 10, 64)
	c.i = j
	return v
}

func (c *operandCursor) value() int32 {
	v := c.next()
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// slot returns -1 for anything that cannot be a contact index.
func (c *operandCursor) slot() int {
	v := c.next()
	if v < 0 || v >= MaxSupportedContacts {
		return -1
	}
	return int(v)
}
