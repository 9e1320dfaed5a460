package relay

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the WebSocket subprotocol for the relay frame protocol.
const WebSocketSubprotocol = "relay.v1"

// WSConn adapts a WebSocket connection to net.Conn. Frames travel as
// binary messages; a single frame may span several messages.
type WSConn struct {
	conn *websocket.Conn
	buf  []byte
}

func newWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read reads from the current binary message, fetching the next one when drained.
func (c *WSConn) Read(b []byte) (int, error) {
	for len(c.buf) == 0 {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, &FrameError{Err: ErrUnexpectedFrame}
		}
		c.buf = data
	}

	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Write sends b as one binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WSConn) Close() error         { return c.conn.Close() }
func (c *WSConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// WSDialer connects to brokers over WebSocket.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer negotiating the relay subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SetProxy routes the handshake through an HTTP proxy.
func (d *WSDialer) SetProxy(proxyURL *url.URL) {
	if d.Dialer == nil {
		d.Dialer = &websocket.Dialer{}
	}
	d.Dialer.Proxy = http.ProxyURL(proxyURL)
}

// Dial connects to a ws:// or wss:// URL.
func (d *WSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, address, d.Header)
	if err != nil {
		return nil, err
	}

	return newWSConn(conn), nil
}

// WSHandler upgrades HTTP requests to WebSocket and serves each connection
// as a stream session on the broker.
type WSHandler struct {
	// Upgrader is the WebSocket upgrader.
	Upgrader websocket.Upgrader

	// AllowedOrigins lists origins accepted from browsers. When empty the
	// Origin host must equal the request Host. "*" allows any origin.
	AllowedOrigins []string

	server *Server
}

// NewWSHandler creates a handler serving sessions on server.
func NewWSHandler(server *Server) *WSHandler {
	h := &WSHandler{server: server}
	h.Upgrader = websocket.Upgrader{
		Subprotocols:    []string{WebSocketSubprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// non-browser clients
	if origin == "" {
		return true
	}

	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}
	if len(h.AllowedOrigins) > 0 {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP implements http.Handler. It blocks until the session ends.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.logger.Debug("websocket upgrade failed", LogFields{
			LogFieldRemoteAddr: r.RemoteAddr,
			LogFieldError:      err.Error(),
		})
		return
	}

	_ = h.server.ServeConn(newWSConn(conn))
}
