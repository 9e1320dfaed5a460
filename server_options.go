package relay

import (
	"net"
	"time"
)

const (
	// DefaultStreamPort is the well-known stream transport port.
	DefaultStreamPort = 1373

	// DefaultDatagramPort is the well-known datagram transport port.
	DefaultDatagramPort = 1234

	// DefaultAckTimeout bounds every acknowledgement wait.
	DefaultAckTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single stream write.
	DefaultWriteTimeout = 10 * time.Second
)

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	listeners         []net.Listener
	packetConns       []net.PacketConn
	maxSessions       int
	maxFrameSize      uint32
	livenessInterval  time.Duration
	maxMissed         int
	writeTimeout      time.Duration
	ackTimeout        time.Duration
	datagramRate      float64
	datagramBurst     int
	logger            Logger
	metrics           Metrics
	onSessionOpen     func(*Session)
	onSessionClose    func(*Session, CloseReason)
	onPublish         func(*Session, string, []byte)
	onSubscribe       func(*Session, []string)
	onDeliveryDropped func(*DroppedDelivery)
	onLivenessEvict   func(*Session)
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		maxFrameSize:     DefaultMaxFrameSize,
		maxSessions:      0, // unlimited
		livenessInterval: DefaultLivenessInterval,
		maxMissed:        DefaultMaxMissed,
		writeTimeout:     DefaultWriteTimeout,
		ackTimeout:       DefaultAckTimeout,
		logger:           NewNoOpLogger(),
		metrics:          &NoOpMetrics{},
	}
}

// WithListener adds a stream listener. It can be given several times,
// e.g. for TCP, Unix and QUIC listeners.
func WithListener(l net.Listener) ServerOption {
	return func(c *serverConfig) {
		c.listeners = append(c.listeners, l)
	}
}

// WithPacketConn adds a datagram socket.
func WithPacketConn(pc net.PacketConn) ServerOption {
	return func(c *serverConfig) {
		c.packetConns = append(c.packetConns, pc)
	}
}

// WithMaxSessions sets the maximum number of concurrent sessions across all transports.
// 0 means unlimited.
func WithMaxSessions(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxSessions = n
	}
}

// WithServerMaxFrameSize sets the maximum frame body size.
func WithServerMaxFrameSize(size uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxFrameSize = size
	}
}

// WithLivenessInterval sets the liveness tick period.
func WithLivenessInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.livenessInterval = d
	}
}

// WithMaxMissed sets how many missed liveness periods close a session.
func WithMaxMissed(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxMissed = n
	}
}

// WithServerWriteTimeout bounds each stream write. 0 disables the deadline.
func WithServerWriteTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.writeTimeout = d
	}
}

// WithServerAckTimeout sets the age after which an unacknowledged delivery is reported.
func WithServerAckTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithDatagramRateLimit limits datagrams per second accepted from one peer IP.
// A non-positive rate disables limiting.
func WithDatagramRateLimit(perSecond float64, burst int) ServerOption {
	return func(c *serverConfig) {
		c.datagramRate = perSecond
		c.datagramBurst = burst
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger Logger) ServerOption {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithServerMetrics sets the metrics sink.
func WithServerMetrics(m Metrics) ServerOption {
	return func(c *serverConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// OnSessionOpen sets the callback for new sessions.
func OnSessionOpen(fn func(*Session)) ServerOption {
	return func(c *serverConfig) {
		c.onSessionOpen = fn
	}
}

// OnSessionClose sets the callback for closed sessions.
func OnSessionClose(fn func(*Session, CloseReason)) ServerOption {
	return func(c *serverConfig) {
		c.onSessionClose = fn
	}
}

// OnPublish sets the callback for accepted publishes.
func OnPublish(fn func(*Session, string, []byte)) ServerOption {
	return func(c *serverConfig) {
		c.onPublish = fn
	}
}

// OnSubscribe sets the callback for subscribe requests.
func OnSubscribe(fn func(*Session, []string)) ServerOption {
	return func(c *serverConfig) {
		c.onSubscribe = fn
	}
}

// OnDeliveryDropped sets the callback for deliveries superseded before acknowledgement.
func OnDeliveryDropped(fn func(*DroppedDelivery)) ServerOption {
	return func(c *serverConfig) {
		c.onDeliveryDropped = fn
	}
}

// OnLivenessEvict sets the callback for sessions closed by the liveness monitor.
func OnLivenessEvict(fn func(*Session)) ServerOption {
	return func(c *serverConfig) {
		c.onLivenessEvict = fn
	}
}
