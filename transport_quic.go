package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN protocol identifier negotiated on QUIC connections.
const QUICProtocol = "relay"

// ErrTLSRequired is returned when TLS configuration is required but not provided.
var ErrTLSRequired = errors.New("TLS configuration is required for QUIC")

// QUICConn carries one session over a single bidirectional QUIC stream.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
	closed bool
}

func (c *QUICConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *QUICConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream and the underlying QUIC connection. It is idempotent.
func (c *QUICConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.stream.CancelRead(0)
	err := c.stream.Close()
	if cerr := c.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

func (c *QUICConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *QUICConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *QUICConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *QUICConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func withQUICDefaults(tlsConfig *tls.Config) *tls.Config {
	if tlsConfig == nil {
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{QUICProtocol},
		}
	}

	if tlsConfig.MinVersion < tls.VersionTLS13 || len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		if tlsConfig.MinVersion < tls.VersionTLS13 {
			tlsConfig.MinVersion = tls.VersionTLS13
		}
		if len(tlsConfig.NextProtos) == 0 {
			tlsConfig.NextProtos = []string{QUICProtocol}
		}
	}
	return tlsConfig
}

// QUICDialer connects to brokers over QUIC.
type QUICDialer struct {
	// TLSConfig is the TLS configuration for the QUIC connection.
	TLSConfig *tls.Config

	// QUICConfig is the QUIC configuration.
	QUICConfig *quic.Config
}

// NewQUICDialer creates a new QUIC dialer.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: withQUICDefaults(tlsConfig)}
}

// Dial connects to address ("host:port") and opens the session stream.
func (d *QUICDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, address, withQUICDefaults(d.TLSConfig), d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}

	return &QUICConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts sessions over QUIC. Each QUIC connection carries one
// session on the first stream the peer opens.
type QUICListener struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	conns    chan *QUICConn
	once     sync.Once
}

// NewQUICListener creates a new QUIC listener. TLS configuration is required.
func NewQUICListener(addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, ErrTLSRequired
	}

	listener, err := quic.ListenAddr(addr, withQUICDefaults(tlsConfig), quicConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(chan *QUICConn),
	}
	go l.acceptConns()

	return l, nil
}

// acceptConns accepts QUIC connections and waits for their first stream in
// the background, so a peer that never opens a stream cannot stall others.
func (l *QUICListener) acceptConns() {
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			l.cancel()
			return
		}

		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				conn.CloseWithError(0, "failed to accept stream")
				return
			}

			select {
			case l.conns <- &QUICConn{conn: conn, stream: stream}:
			case <-l.ctx.Done():
				conn.CloseWithError(0, "listener closed")
			}
		}()
	}
}

// Accept waits for the next session stream.
// It satisfies net.Listener, so a QUICListener can be passed to WithListener.
func (l *QUICListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close closes the QUIC listener.
func (l *QUICListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.listener.Close()
	})
	return err
}

// Addr returns the listener's network address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}
