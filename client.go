package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a payload delivered to a subscriber.
type Message struct {
	Topic      string
	Payload    []byte
	DeliveryID uint64
}

// MessageHandler handles delivered messages. It runs on the client's read
// goroutine, so a slow handler delays every other inbound frame.
type MessageHandler func(msg *Message)

// clientConn reads and writes frames on one broker connection.
type clientConn interface {
	readFrame() (*Frame, error)
	writeFrame(f *Frame) error
}

type streamClientConn struct {
	reader       *bufio.Reader
	transport    *streamTransport
	maxFrameSize uint32
}

func (c *streamClientConn) readFrame() (*Frame, error) {
	f, _, err := ReadFrame(c.reader, c.maxFrameSize)
	return f, err
}

func (c *streamClientConn) writeFrame(f *Frame) error {
	return c.transport.WriteFrame(f)
}

// datagramClientConn exchanges one frame per datagram on a connected socket.
type datagramClientConn struct {
	conn         net.Conn
	buf          []byte
	maxFrameSize uint32
}

func (c *datagramClientConn) readFrame() (*Frame, error) {
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(c.buf[:n], c.maxFrameSize)
}

func (c *datagramClientConn) writeFrame(f *Frame) error {
	data, err := EncodeFrame(f, c.maxFrameSize)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

type ackWaiter struct {
	ch chan uint64
}

func newAckWaiter() *ackWaiter {
	return &ackWaiter{ch: make(chan uint64, 1)}
}

// Client is a relay broker client.
type Client struct {
	raw     net.Conn
	conn    clientConn
	kind    TransportKind
	options *clientOptions
	logger  Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	handlers   map[string]MessageHandler
	pubWaiters map[string][]*ackWaiter
	subWaiters map[string][]*ackWaiter

	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the broker at address and returns a client.
//
// Supported schemes: tcp:// (default port 1373), udp:// (default port 1234),
// tls://, unix://, ws://, wss:// and quic://. An address without a scheme is
// treated as tcp. The context bounds the dial and also controls the client's
// lifecycle: when it is canceled, the client closes.
func Dial(ctx context.Context, address string, opts ...ClientOption) (*Client, error) {
	options := applyOptions(opts...)

	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}

	c := &Client{
		options:    options,
		logger:     options.logger,
		handlers:   make(map[string]MessageHandler),
		pubWaiters: make(map[string][]*ackWaiter),
		subWaiters: make(map[string][]*ackWaiter),
		readDone:   make(chan struct{}),
	}

	dialCtx := ctx
	if options.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, options.dialTimeout)
		defer cancel()
	}

	conn, kind, err := c.dial(dialCtx, address)
	if err != nil {
		return nil, err
	}

	c.raw = conn
	c.kind = kind
	if kind == TransportDatagram {
		c.conn = &datagramClientConn{
			conn:         conn,
			buf:          make([]byte, maxDatagramSize),
			maxFrameSize: options.maxFrameSize,
		}
	} else {
		c.conn = &streamClientConn{
			reader:       bufio.NewReader(conn),
			transport:    newStreamTransport(conn, options.maxFrameSize, options.writeTimeout),
			maxFrameSize: options.maxFrameSize,
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.readLoop()
	if kind == TransportDatagram && options.pingInterval > 0 {
		go c.pingLoop()
	}
	go c.watchParentContext(ctx)

	c.logger.Debug("connected", LogFields{
		LogFieldTransport:  kind.String(),
		LogFieldRemoteAddr: conn.RemoteAddr().String(),
	})

	return c, nil
}

func (c *Client) watchParentContext(parent context.Context) {
	select {
	case <-parent.Done():
		c.Close()
	case <-c.ctx.Done():
	}
}

// dial creates the network connection for the address scheme.
func (c *Client) dial(ctx context.Context, address string) (net.Conn, TransportKind, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, TransportStream, fmt.Errorf("invalid address: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "tcp", "tls", "quic":
			host = net.JoinHostPort(u.Hostname(), strconv.Itoa(DefaultStreamPort))
		case "udp":
			host = net.JoinHostPort(u.Hostname(), strconv.Itoa(DefaultDatagramPort))
		}
	}

	var (
		conn        net.Conn
		kind        = TransportStream
		proxyDialer *ProxyDialer
	)

	switch u.Scheme {
	case "tcp":
		proxyDialer, err = c.resolveProxy(host)
		if err != nil {
			return nil, kind, fmt.Errorf("proxy configuration error: %w", err)
		}
		if proxyDialer != nil {
			conn, err = proxyDialer.DialContext(ctx, "tcp", host)
		} else {
			conn, err = (&TCPDialer{}).Dial(ctx, host)
		}
	case "tls":
		tlsConfig := c.options.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		proxyDialer, err = c.resolveProxy(host)
		if err != nil {
			return nil, kind, fmt.Errorf("proxy configuration error: %w", err)
		}
		if proxyDialer != nil {
			conn, err = proxyDialer.DialContext(ctx, "tcp", host)
			if err == nil {
				if tlsConfig.ServerName == "" {
					tlsConfig = tlsConfig.Clone()
					tlsConfig.ServerName = u.Hostname()
				}
				tlsConn := tls.Client(conn, tlsConfig)
				if err = tlsConn.HandshakeContext(ctx); err != nil {
					conn.Close()
					return nil, kind, fmt.Errorf("TLS handshake failed: %w", err)
				}
				conn = tlsConn
			}
		} else {
			conn, err = (&TLSDialer{Config: tlsConfig}).Dial(ctx, host)
		}
	case "udp":
		// Proxies do not carry datagrams.
		kind = TransportDatagram
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "udp", host)
	case "ws", "wss":
		wsDialer := NewWSDialer()
		if c.options.tlsConfig != nil {
			wsDialer.Dialer.TLSClientConfig = c.options.tlsConfig
		}

		var proxyURL *url.URL
		proxyURL, err = c.resolveProxyURL(u.Host)
		if err != nil {
			return nil, kind, fmt.Errorf("proxy configuration error: %w", err)
		}
		if proxyURL != nil {
			wsDialer.SetProxy(proxyURL)
		}
		conn, err = wsDialer.Dial(ctx, address)
	case "unix":
		// unix:///path/to/socket or unix://localhost/path/to/socket
		socketPath := u.Path
		if socketPath == "" {
			socketPath = u.Host + u.Path
		}
		conn, err = (&UnixDialer{}).Dial(ctx, socketPath)
	case "quic":
		conn, err = NewQUICDialer(c.options.tlsConfig).Dial(ctx, host)
	default:
		return nil, kind, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if err != nil {
		return nil, kind, fmt.Errorf("dial failed: %w", err)
	}

	return conn, kind, nil
}

// resolveProxyURL returns the proxy for host, or nil for a direct connection.
func (c *Client) resolveProxyURL(host string) (*url.URL, error) {
	if cfg := c.options.proxyConfig; cfg != nil {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Username != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		}
		return u, nil
	}

	if c.options.proxyFromEnv {
		return ProxyFromEnvironment(host)
	}

	return nil, nil
}

func (c *Client) resolveProxy(host string) (*ProxyDialer, error) {
	if c.options.proxyConfig != nil {
		return NewProxyDialer(*c.options.proxyConfig)
	}

	proxyURL, err := c.resolveProxyURL(host)
	if err != nil || proxyURL == nil {
		return nil, err
	}
	return NewProxyDialer(ProxyConfig{URL: proxyURL.String()})
}

// Transport returns the kind of transport the client is connected over.
func (c *Client) Transport() TransportKind {
	return c.kind
}

// RemoteAddr returns the broker address.
func (c *Client) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Done is closed when the client is closed or loses its connection.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns why the connection was lost, or nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close disconnects from the broker and releases resources.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.cancel()
	err := c.raw.Close()

	select {
	case <-c.readDone:
	case <-time.After(time.Second):
	}

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Publish sends payload to topic and waits for the broker to acknowledge it.
// It returns the delivery id the broker assigned.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	if topic == "" {
		return 0, NewPublishError(topic, ErrEmptyTopic)
	}
	if c.ctx.Err() != nil {
		return 0, NewPublishError(topic, c.closedErr())
	}

	w := newAckWaiter()
	c.addWaiter(c.pubWaiters, topic, w)

	if err := c.writeFrame(&Frame{Type: FramePublish, Topic: topic, Payload: payload}); err != nil {
		c.removeWaiter(c.pubWaiters, topic, w)
		return 0, NewPublishError(topic, err)
	}

	timer := time.NewTimer(c.options.ackTimeout)
	defer timer.Stop()

	id, err := c.await(ctx, timer.C, w)
	if err != nil {
		c.removeWaiter(c.pubWaiters, topic, w)
		return 0, NewPublishError(topic, err)
	}

	return id, nil
}

// Subscribe registers handler for topics and waits until the broker
// acknowledges every topic. Messages on a topic subscribed again go to the
// newest handler.
func (c *Client) Subscribe(ctx context.Context, handler MessageHandler, topics ...string) error {
	if len(topics) == 0 {
		return NewSubscribeError(topics, ErrNoTopics)
	}
	if slices.Contains(topics, "") {
		return NewSubscribeError(topics, ErrEmptyTopic)
	}
	if c.ctx.Err() != nil {
		return NewSubscribeError(topics, c.closedErr())
	}

	waiters := make([]*ackWaiter, len(topics))

	c.mu.Lock()
	for i, topic := range topics {
		if handler != nil {
			c.handlers[topic] = handler
		}
		waiters[i] = newAckWaiter()
		c.subWaiters[topic] = append(c.subWaiters[topic], waiters[i])
	}
	c.mu.Unlock()

	if err := c.writeFrame(&Frame{Type: FrameSubscribe, Topics: topics}); err != nil {
		c.abandon(c.subWaiters, topics, waiters)
		return NewSubscribeError(topics, err)
	}

	timer := time.NewTimer(c.options.ackTimeout)
	defer timer.Stop()

	for i, w := range waiters {
		if _, err := c.await(ctx, timer.C, w); err != nil {
			c.abandon(c.subWaiters, topics[i:], waiters[i:])
			return NewSubscribeError(topics[i:], err)
		}
	}

	return nil
}

// Ack acknowledges a delivered message. It is only needed when automatic
// acknowledgement is disabled with WithAutoAck(false).
func (c *Client) Ack(msg *Message) error {
	return c.writeFrame(&Frame{Type: FramePubAck, DeliveryID: msg.DeliveryID, Topic: msg.Topic})
}

func (c *Client) await(ctx context.Context, timeout <-chan time.Time, w *ackWaiter) (uint64, error) {
	select {
	case id := <-w.ch:
		return id, nil
	case <-timeout:
		return 0, ErrAckTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, c.closedErr()
	}
}

func (c *Client) addWaiter(waiters map[string][]*ackWaiter, topic string, w *ackWaiter) {
	c.mu.Lock()
	waiters[topic] = append(waiters[topic], w)
	c.mu.Unlock()
}

func (c *Client) removeWaiter(waiters map[string][]*ackWaiter, topic string, w *ackWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := waiters[topic]
	if i := slices.Index(queue, w); i >= 0 {
		queue = slices.Delete(queue, i, i+1)
	}
	if len(queue) == 0 {
		delete(waiters, topic)
	} else {
		waiters[topic] = queue
	}
}

func (c *Client) abandon(waiters map[string][]*ackWaiter, topics []string, ws []*ackWaiter) {
	for i, topic := range topics {
		c.removeWaiter(waiters, topic, ws[i])
	}
}

// resolve wakes the oldest waiter on topic. Acknowledgements for one topic
// arrive in request order.
func (c *Client) resolve(waiters map[string][]*ackWaiter, topic string, id uint64) bool {
	c.mu.Lock()
	queue := waiters[topic]
	if len(queue) == 0 {
		c.mu.Unlock()
		return false
	}

	w := queue[0]
	if len(queue) == 1 {
		delete(waiters, topic)
	} else {
		waiters[topic] = queue[1:]
	}
	c.mu.Unlock()

	w.ch <- id
	return true
}

// writeFrame writes a frame to the connection with proper locking.
func (c *Client) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ctx.Err() != nil {
		return c.closedErr()
	}

	return c.conn.writeFrame(f)
}

// readLoop reads frames until the connection closes. Undecodable datagrams
// are skipped; on a stream they end the connection.
func (c *Client) readLoop() {
	defer close(c.readDone)

	for {
		frame, err := c.conn.readFrame()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			if c.kind == TransportDatagram && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("discarding datagram", LogFields{
					LogFieldRemoteAddr: c.raw.RemoteAddr().String(),
					LogFieldError:      err.Error(),
				})
				continue
			}

			c.connectionLost(err)
			return
		}

		if err := c.handleFrame(frame); err != nil {
			if c.ctx.Err() != nil {
				return
			}

			if c.kind == TransportDatagram && errors.Is(err, ErrProtocol) {
				c.logger.Debug("discarding frame", LogFields{
					LogFieldFrameType: frame.Type.String(),
					LogFieldError:     err.Error(),
				})
				continue
			}

			c.connectionLost(err)
			return
		}
	}
}

func (c *Client) handleFrame(frame *Frame) error {
	switch frame.Type {
	case FrameMessage:
		return c.handleMessage(frame)
	case FramePing:
		return c.writeFrame(&Frame{Type: FramePong})
	case FramePong:
		return nil
	case FramePubAck:
		if !c.resolve(c.pubWaiters, frame.Topic, frame.DeliveryID) {
			c.logger.Debug("ignoring unmatched publish ack", LogFields{
				LogFieldTopic:      frame.Topic,
				LogFieldDeliveryID: frame.DeliveryID,
			})
		}
		return nil
	case FrameSubAck:
		c.resolve(c.subWaiters, frame.Topic, 0)
		return nil
	}

	return &FrameError{Type: frame.Type, Err: ErrUnexpectedFrame}
}

func (c *Client) handleMessage(frame *Frame) error {
	msg := &Message{
		Topic:      frame.Topic,
		Payload:    frame.Payload,
		DeliveryID: frame.DeliveryID,
	}

	c.mu.Lock()
	handler := c.handlers[msg.Topic]
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}

	if !c.options.autoAck {
		return nil
	}
	return c.Ack(msg)
}

// pingLoop keeps a datagram session alive on the broker.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.options.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(&Frame{Type: FramePing}); err != nil && c.ctx.Err() == nil {
				c.logger.Debug("ping failed", LogFields{
					LogFieldError: err.Error(),
				})
			}
		}
	}
}

func (c *Client) connectionLost(cause error) {
	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.cancel()
	c.raw.Close()

	c.logger.Warn("connection lost", LogFields{
		LogFieldRemoteAddr: c.raw.RemoteAddr().String(),
		LogFieldError:      cause.Error(),
	})

	if c.options.onConnectionLost != nil {
		c.options.onConnectionLost(c, err)
	}
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClientClosed
}
