package relay

import (
	"net"
	"sync"
	"time"
)

// TransportKind distinguishes connection-oriented from connectionless sessions.
type TransportKind int

const (
	// TransportStream is a reliable ordered byte stream (TCP, Unix, QUIC, WebSocket).
	TransportStream TransportKind = iota
	// TransportDatagram is a connectionless socket where the peer address is the identity.
	TransportDatagram
)

// String returns the string representation of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case TransportStream:
		return "stream"
	case TransportDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Session is the server-side state of one connected peer.
type Session struct {
	id        string
	kind      TransportKind
	transport Transport
	createdAt time.Time

	// writeMu serializes outbound frames on the transport.
	writeMu sync.Mutex

	mu           sync.Mutex
	topics       map[string]struct{}
	queued       map[string]struct{}
	lastActivity time.Time
	liveness     LivenessRecord
	closed       bool
	closeReason  CloseReason
}

func newSession(id string, kind TransportKind, transport Transport, now time.Time) *Session {
	return &Session{
		id:           id,
		kind:         kind,
		transport:    transport,
		createdAt:    now,
		topics:       make(map[string]struct{}),
		queued:       make(map[string]struct{}),
		lastActivity: now,
		liveness:     LivenessRecord{LastSeen: now},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Kind returns the transport kind of the session.
func (s *Session) Kind() TransportKind {
	return s.kind
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.transport.RemoteAddr()
}

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Topics returns the topics the session is subscribed to.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	return topics
}

// IsSubscribed reports whether the session is subscribed to topic.
func (s *Session) IsSubscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.topics[topic]
	return ok
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Liveness returns a copy of the liveness record.
func (s *Session) Liveness() LivenessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveness
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason returns why the session was closed. It is only meaningful once IsClosed is true.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Send writes f to the peer.
func (s *Session) Send(f *Frame) error {
	_, err := s.SendFunc(func() *Frame { return f })
	return err
}

// SendFunc builds and writes a frame while holding the session's write lock.
// build runs after earlier writes on this session have completed, so it can
// pick the freshest frame to send. A nil frame from build sends nothing.
func (s *Session) SendFunc(build func() *Frame) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.IsClosed() {
		return false, ErrSessionClosed
	}

	f := build()
	if f == nil {
		return false, nil
	}

	if err := s.transport.WriteFrame(f); err != nil {
		return false, err
	}
	return true, nil
}

// queueDelivery marks topic as having a delivery waiting for the write lock.
// It returns false when one is already waiting; that delivery will claim the
// latest message anyway.
func (s *Session) queueDelivery(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[topic]; ok {
		return false
	}
	s.queued[topic] = struct{}{}
	return true
}

func (s *Session) dequeueDelivery(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, topic)
}

// recordActivity updates the activity timestamps for an inbound frame.
// Stream sessions only count PONG towards liveness; datagram sessions count every frame.
func (s *Session) recordActivity(frameType FrameType, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = now
	if s.kind == TransportDatagram || frameType == FramePong {
		s.liveness.LastSeen = now
		s.liveness.Missed = 0
	}
}

// checkLiveness increments the missed counter when no qualifying activity
// happened since prevTick and returns the updated counter.
func (s *Session) checkLiveness(prevTick time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.liveness.Missed, false
	}

	if s.liveness.LastSeen.Before(prevTick) {
		s.liveness.Missed++
	}
	return s.liveness.Missed, true
}
