package main

// Transports for the control protocol. All of them funnel into
// serveSession; the session gate keeps at most one client active across
// the abstract socket and the WebSocket endpoint.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrBusy = errors.New("another session is active")

type sessionGate chan struct{}

func newSessionGate() sessionGate { return make(sessionGate, 1) }

func (g sessionGate) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire claims the gate only if no session is active.
func (g sessionGate) tryAcquire() error {
	select {
	case g <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

func (g sessionGate) release() { <-g }

type Server struct {
	pad  *Touchpad
	gate sessionGate
	errC chan error

	// hijacked WebSocket sessions, which http.Server.Shutdown does not track
	wsSessions sync.WaitGroup
}

func NewServer(pad *Touchpad) *Server {
	return &Server{pad: pad, gate: newSessionGate(), errC: make(chan error, 1)}
}

// Err reports lost device access from sessions that cannot return it
// directly, such as WebSocket handlers.
func (s *Server) Err() <-chan error { return s.errC }

func (s *Server) sendErr(err error) {
	select {
	case s.errC <- err:
	default:
	}
}

// ListenAbstract binds the abstract unix socket @name.
func ListenAbstract(name string) (net.Listener, error) {
	ln, err := net.Listen("unix", "@"+name)
	if err != nil {
		return nil, fmt.Errorf("unable to start server on %s: %w", name, err)
	}
	return ln, nil
}

// Serve accepts clients one at a time until ctx is cancelled. Transport
// errors end only the affected session; lost device access ends Serve.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting client: %w", err)
		}

		if err := s.gate.acquire(ctx); err != nil {
			_ = conn.Close()
			return nil
		}
		err = s.serveConn(ctx, conn)
		s.gate.release()

		if errors.Is(err, ErrDeviceLost) {
			return err
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	entry := log.WithFields(peerFields(conn))
	entry.Info("connection established")

	err := serveSession(ctx, conn, conn, s.pad)
	switch {
	case err == nil, ctx.Err() != nil:
		entry.Info("connection closed")
		return nil
	case errors.Is(err, ErrDeviceLost):
		entry.WithError(err).Error("device access lost")
	default:
		entry.WithError(err).Warn("connection closed with error")
	}
	return err
}

// peerFields reports the client process behind a unix socket connection.
func peerFields(conn net.Conn) log.Fields {
	fields := log.Fields{"transport": "unix"}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fields
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fields
	}
	var cred *unix.Ucred
	_ = raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err == nil && cred != nil {
		fields["peer_pid"] = cred.Pid
		fields["peer_uid"] = cred.Uid
	}
	return fields
}

// RunStream serves a single session from r, writing the handshake to
// stderr. Used for stdin and command-file modes. It returns as soon as
// ctx ends even when r is blocked in a read that nothing can interrupt,
// such as a terminal on stdin.
func RunStream(ctx context.Context, r io.Reader, pad *Touchpad) error {
	return runStream(ctx, r, os.Stderr, pad)
}

func runStream(ctx context.Context, r io.Reader, out io.Writer, pad *Touchpad) error {
	errC := make(chan error, 1)
	go func() { errC <- serveSession(ctx, r, out, pad) }()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		// A command already dispatched finishes under the touchpad lock;
		// taking the lock here waits for it.
		_ = pad.Frame(func(touchSession) error { return nil })
		log.Info("input session interrupted")
		return nil
	}
}

func RunCommandFile(ctx context.Context, path string, pad *Touchpad) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open %q: %w", path, err)
	}
	defer f.Close()
	log.Infof("reading commands from %q", path)
	return RunStream(ctx, f, pad)
}
