package main

// WebSocket transport for remote controllers.
//
// Each text message carries one or more protocol lines; the handshake is
// sent back as a single text message. The connection shares the session
// gate with the unix socket, so a second client is refused while one is
// active. Keepalive follows the usual pattern:
// - ping ticker
// - pong watchdog (read deadline)
// - reader goroutine that processes control frames

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// maxPendingInput bounds text not yet consumed by the session.
const maxPendingInput = 1 << 20

var errInputBacklog = errors.New("websocket: client input backlog too large")

type WSConn struct {
	Conn *websocket.Conn
	mu   sync.Mutex

	// Incoming payloads queue here so readLoop keeps handling control
	// frames while the session is busy, e.g. inside a long wait.
	inMu   sync.Mutex
	inCond *sync.Cond
	in     bytes.Buffer
	inErr  error

	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn, pingEvery, pongWait time.Duration) *WSConn {
	w := &WSConn{
		Conn: conn,
		done: make(chan struct{}),
	}
	w.inCond = sync.NewCond(&w.inMu)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(_ string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop(pongWait)
	go w.pingLoop(pingEvery)
	return w
}

func (w *WSConn) Close() {
	w.once.Do(func() {
		close(w.done)
		w.closeInput(io.EOF)
		_ = w.Conn.Close()
	})
}

// closeInput ends Read once the queued input is drained. The first error
// wins.
func (w *WSConn) closeInput(err error) {
	w.inMu.Lock()
	if w.inErr == nil {
		w.inErr = err
	}
	w.inMu.Unlock()
	w.inCond.Broadcast()
}

func (w *WSConn) push(data []byte) error {
	w.inMu.Lock()
	defer w.inMu.Unlock()
	if w.inErr != nil {
		return w.inErr
	}
	if w.in.Len()+len(data) > maxPendingInput {
		w.inErr = errInputBacklog
		w.inCond.Broadcast()
		return errInputBacklog
	}
	w.in.Write(data)
	w.inCond.Broadcast()
	return nil
}

// Read yields the concatenated payload of incoming text messages.
func (w *WSConn) Read(p []byte) (int, error) {
	w.inMu.Lock()
	defer w.inMu.Unlock()
	for w.in.Len() == 0 && w.inErr == nil {
		w.inCond.Wait()
	}
	if w.in.Len() > 0 {
		return w.in.Read(p)
	}
	return 0, w.inErr
}

func (w *WSConn) readLoop(pongWait time.Duration) {
	for {
		typ, data, err := w.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.closeInput(io.EOF)
			} else {
				w.closeInput(err)
			}
			return
		}
		_ = w.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		if err := w.push(data); err != nil {
			return
		}
	}
}

func (w *WSConn) pingLoop(pingEvery time.Duration) {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.mu.Lock()
			w.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := w.Conn.WriteMessage(websocket.PingMessage, []byte("ping"))
			w.mu.Unlock()
			if err != nil {
				w.closeInput(err)
				return
			}
		}
	}
}

// Write sends p as one text message.
func (w *WSConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := w.Conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type wsHandler struct {
	ctx       context.Context
	srv       *Server
	upgrader  websocket.Upgrader
	pingEvery time.Duration
	pongWait  time.Duration
}

func (s *Server) WebSocketHandler(ctx context.Context, pingEvery time.Duration) http.Handler {
	return &wsHandler{
		ctx: ctx,
		srv: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingEvery: pingEvery,
		pongWait:  2 * pingEvery,
	}
}

func (h *wsHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.srv.wsSessions.Add(1)
	defer h.srv.wsSessions.Done()

	if err := h.srv.gate.tryAcquire(); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.srv.gate.release()

	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ws := newWSConn(conn, h.pingEvery, h.pongWait)
	defer ws.Close()
	stop := context.AfterFunc(h.ctx, ws.Close)
	defer stop()

	entry := log.WithFields(log.Fields{"transport": "websocket", "remote": r.RemoteAddr})
	entry.Info("connection established")

	err = serveSession(h.ctx, ws, ws, h.srv.pad)
	switch {
	case err == nil, h.ctx.Err() != nil:
		entry.Info("connection closed")
	case errors.Is(err, ErrDeviceLost):
		entry.WithError(err).Error("device access lost")
		h.srv.sendErr(err)
	default:
		entry.WithError(err).Warn("connection closed with error")
	}
}

// ServeWebSocket runs the WebSocket endpoint on ln until ctx ends. It
// returns only after every session it started has finished.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener, pingEvery time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.WebSocketHandler(ctx, pingEvery))
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	shut := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(shut)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()

	err := hs.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		// Shutdown has returned once no handler can still be upgrading.
		<-shut
	}
	s.wsSessions.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
