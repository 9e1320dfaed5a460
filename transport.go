package relay

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Transport writes frames to a single peer.
type Transport interface {
	// WriteFrame encodes and sends a frame.
	WriteFrame(f *Frame) error

	// Close releases the transport.
	Close() error

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// Dialer establishes stream connections to a broker.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// streamTransport sends frames over a connected stream.
type streamTransport struct {
	conn         net.Conn
	maxFrameSize uint32
	writeTimeout time.Duration
}

func newStreamTransport(conn net.Conn, maxFrameSize uint32, writeTimeout time.Duration) *streamTransport {
	return &streamTransport{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		writeTimeout: writeTimeout,
	}
}

func (t *streamTransport) WriteFrame(f *Frame) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	_, err := WriteFrame(t.conn, f, t.maxFrameSize)
	return err
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

func (t *streamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// datagramTransport sends frames to one peer over a shared packet socket.
// Closing it only forgets the peer; the socket stays open for others.
type datagramTransport struct {
	conn         net.PacketConn
	addr         net.Addr
	maxFrameSize uint32
}

// maxDatagramBody leaves room for the type byte and a three byte length.
const maxDatagramBody = maxDatagramSize - 4

// newDatagramTransport caps maxFrameSize so every encoded frame fits in one datagram.
func newDatagramTransport(conn net.PacketConn, addr net.Addr, maxFrameSize uint32) *datagramTransport {
	if maxFrameSize == 0 || maxFrameSize > maxDatagramBody {
		maxFrameSize = maxDatagramBody
	}

	return &datagramTransport{
		conn:         conn,
		addr:         addr,
		maxFrameSize: maxFrameSize,
	}
}

func (t *datagramTransport) WriteFrame(f *Frame) error {
	data, err := EncodeFrame(f, t.maxFrameSize)
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, t.addr)
	return err
}

func (t *datagramTransport) Close() error {
	return nil
}

func (t *datagramTransport) RemoteAddr() net.Addr {
	return t.addr
}

// TCPDialer connects to brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	if d.Timeout > 0 {
		dialer.Timeout = d.Timeout
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout: d.Timeout,
		},
		Config: d.Config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}
