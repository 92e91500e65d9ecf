// Package wshttp is the HTTP↔WebSocket host glue for wsserver.Router:
// it upgrades incoming HTTP requests, runs the read/write pumps, and
// feeds frames into the router's HandleOpen/HandleMessage/HandleClose
// trio. Grounded on the corpus's hub/client read-pump/write-pump
// split, with a bounded per-connection send buffer so one slow client
// cannot stall the others.
package wshttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/internal/wsserver"
)

var errSendBufferFull = errors.New("wshttp: send buffer full, dropping connection")

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
	sendBufferSize = 256
)

// Host bridges one wsserver.Router to a net/http mux.
type Host struct {
	router   *wsserver.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// Option configures a Host at construction.
type Option func(*Host)

// WithCheckOrigin overrides the default allow-all CheckOrigin, e.g. to
// restrict cross-origin upgrades in production.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Host) { h.upgrader.CheckOrigin = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// New constructs a Host for router.
func New(router *wsserver.Router, opts ...Option) *Host {
	h := &Host{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and runs the connection's pumps until
// it closes. Implements http.Handler so a Host can be mounted directly
// on a mux.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wshttp: upgrade failed", "error", err)
		return
	}

	hc := &hostConn{conn: conn, send: make(chan []byte, sendBufferSize)}
	clientID := h.router.HandleOpen(hc)

	go hc.writePump(h.logger)
	h.readPump(r.Context(), hc, clientID)
}

// hostConn implements wsserver.Conn over a live *websocket.Conn,
// buffering outbound frames the same way the corpus's Client.send
// channel does: a full buffer means a stalled client, not a blocked
// server.
type hostConn struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *hostConn) Send(raw []byte) error {
	select {
	case c.send <- raw:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *hostConn) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("wshttp: write failed, closing", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Host) readPump(ctx context.Context, hc *hostConn, clientID string) {
	defer func() {
		close(hc.send)
		hc.conn.Close()
		h.router.HandleClose(clientID, websocket.CloseNormalClosure, "")
	}()

	hc.conn.SetReadLimit(maxMessageSize)
	_ = hc.conn.SetReadDeadline(time.Now().Add(pongWait))
	hc.conn.SetPongHandler(func(string) error {
		_ = hc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := hc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("wshttp: unexpected close", "clientId", clientID, "error", err)
			}
			return
		}
		h.router.HandleMessage(ctx, clientID, raw)
	}
}
