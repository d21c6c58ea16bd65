package notify

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 64 << 10
)

// Handler upgrades provider connections to WebSocket. Each binary message
// carries one protocol frame. Authentication happens inside the handshake
// frame, so the route sits outside the bearer-token middleware.
type Handler struct {
	svc      *Service
	upgrader websocket.Upgrader
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			// Providers are servers, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("notify: upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxClientFrame)

	err = h.svc.Serve(r.Context(), newWSConn(conn, h.svc.IdleTimeout()), r.RemoteAddr)
	switch {
	case err == nil:
	case errors.Is(err, ErrBadHandshake), errors.Is(err, ErrUnauthorized):
		slog.Warn("notify: rejected connection", "error", err, "remote_addr", r.RemoteAddr)
	default:
		slog.Info("notify: session ended", "error", err, "remote_addr", r.RemoteAddr)
	}
}

// wsConn adapts a gorilla connection to FrameConn. Every frame is followed by
// a ping; each pong pushes the read deadline out by idle.
type wsConn struct {
	conn *websocket.Conn
	idle time.Duration
}

func newWSConn(conn *websocket.Conn, idle time.Duration) *wsConn {
	c := &wsConn{conn: conn, idle: idle}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.idle))
	})
	return c
}

var errTextFrame = errors.New("notify: text frames are not supported")

func (c *wsConn) ReadFrame() ([]byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, errTextFrame
	}
	return data, nil
}

func (c *wsConn) WriteFrame(frame []byte) error {
	deadline := time.Now().Add(writeWait)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
