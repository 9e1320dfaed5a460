package relay

import (
	"crypto/tls"
	"time"
)

// Default client settings.
const (
	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 10 * time.Second
)

// ConnectionLostHandler is called once when the connection drops without Close.
type ConnectionLostHandler func(client *Client, err error)

type clientOptions struct {
	dialTimeout      time.Duration
	writeTimeout     time.Duration
	ackTimeout       time.Duration
	pingInterval     time.Duration
	maxFrameSize     uint32
	tlsConfig        *tls.Config
	proxyConfig      *ProxyConfig
	proxyFromEnv     bool
	autoAck          bool
	logger           Logger
	onConnectionLost ConnectionLostHandler
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		ackTimeout:   DefaultAckTimeout,
		pingInterval: DefaultLivenessInterval,
		maxFrameSize: DefaultMaxFrameSize,
		autoAck:      true,
		logger:       NewNoOpLogger(),
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithDialTimeout sets the connection timeout.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.dialTimeout = d
	}
}

// WithWriteTimeout bounds each stream write. 0 disables the deadline.
func WithWriteTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithAckTimeout sets how long Publish and Subscribe wait for acknowledgement.
func WithAckTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithPingInterval sets how often a datagram client pings the broker to stay
// alive. 0 disables pinging. Stream clients answer broker pings instead.
func WithPingInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.pingInterval = d
	}
}

// WithMaxFrameSize sets the largest frame body the client sends or accepts.
func WithMaxFrameSize(size uint32) ClientOption {
	return func(o *clientOptions) {
		o.maxFrameSize = size
	}
}

// WithTLS sets the TLS configuration for tls://, wss:// and quic:// addresses.
func WithTLS(config *tls.Config) ClientOption {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes tcp:// and tls:// connections through an HTTP CONNECT or
// SOCKS5 proxy.
func WithProxy(config ProxyConfig) ClientOption {
	return func(o *clientOptions) {
		o.proxyConfig = &config
	}
}

// WithProxyFromEnvironment picks the proxy from ALL_PROXY, HTTP_PROXY and
// NO_PROXY. An explicit WithProxy takes precedence.
func WithProxyFromEnvironment() ClientOption {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithAutoAck controls whether delivered messages are acknowledged after the
// handler returns. When disabled, call Client.Ack.
func WithAutoAck(enabled bool) ClientOption {
	return func(o *clientOptions) {
		o.autoAck = enabled
	}
}

// WithLogger sets the client logger.
func WithLogger(logger Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// OnConnectionLost sets the handler for unexpected disconnects.
func OnConnectionLost(handler ConnectionLostHandler) ClientOption {
	return func(o *clientOptions) {
		o.onConnectionLost = handler
	}
}

func applyOptions(opts ...ClientOption) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
