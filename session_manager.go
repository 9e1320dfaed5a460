package relay

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionManager owns every live session.
//
// Lock order is session lock, then topic locks in TopicRegistry and
// PendingQueue. The manager lock is never held while a session lock is taken.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byAddr      map[string]*Session
	registry    *TopicRegistry
	pending     *PendingQueue
	maxSessions int
	now         func() time.Time
	onClose     func(*Session, CloseReason)
}

// NewSessionManager creates a manager. maxSessions of 0 means unlimited.
func NewSessionManager(registry *TopicRegistry, pending *PendingQueue, maxSessions int) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		byAddr:      make(map[string]*Session),
		registry:    registry,
		pending:     pending,
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// OnClose sets a callback invoked once for every closed session, after its
// state has been torn down.
func (m *SessionManager) OnClose(fn func(*Session, CloseReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

// CreateSession registers a new session for transport.
// It returns ErrResourceExhausted when the session limit is reached.
func (m *SessionManager) CreateSession(kind TransportKind, transport Transport) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createLocked(kind, transport)
}

func (m *SessionManager) createLocked(kind TransportKind, transport Transport) (*Session, error) {
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, ErrResourceExhausted
	}

	sess := newSession(uuid.NewString(), kind, transport, m.now())
	m.sessions[sess.id] = sess
	if kind == TransportDatagram {
		m.byAddr[transport.RemoteAddr().String()] = sess
	}
	return sess, nil
}

// DatagramSession returns the session bound to addr, creating one with
// newTransport when the address is unknown. A session that is closing but
// still bound is replaced by a fresh one.
func (m *SessionManager) DatagramSession(addr net.Addr, newTransport func() Transport) (*Session, bool, error) {
	key := addr.String()

	m.mu.RLock()
	sess, ok := m.byAddr[key]
	m.mu.RUnlock()
	if ok && !sess.IsClosed() {
		return sess, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byAddr[key]; ok && cur != sess {
		return cur, false, nil
	}

	sess, err := m.createLocked(TransportDatagram, newTransport())
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// CloseSession tears down a session. It is safe to call concurrently and
// more than once; only the first call has an effect and returns true.
func (m *SessionManager) CloseSession(id string, reason CloseReason) bool {
	sess := m.Lookup(id)
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return false
	}
	sess.closed = true
	sess.closeReason = reason
	for topic := range sess.topics {
		m.registry.Unsubscribe(id, topic)
		m.pending.RemoveTarget(topic, id)
	}
	sess.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	if sess.kind == TransportDatagram {
		key := sess.RemoteAddr().String()
		if m.byAddr[key] == sess {
			delete(m.byAddr, key)
		}
	}
	onClose := m.onClose
	m.mu.Unlock()

	sess.transport.Close()

	if onClose != nil {
		onClose(sess, reason)
	}
	return true
}

// Subscribe adds topic to the session and registers it in the TopicRegistry.
// It returns false for a repeated subscription.
func (m *SessionManager) Subscribe(id, topic string) (bool, error) {
	sess := m.Lookup(id)
	if sess == nil {
		return false, ErrSessionClosed
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return false, ErrSessionClosed
	}

	sess.topics[topic] = struct{}{}
	return m.registry.Subscribe(id, topic), nil
}

// RecordActivity notes an inbound frame on the session.
func (m *SessionManager) RecordActivity(id string, frameType FrameType) {
	if sess := m.Lookup(id); sess != nil {
		sess.recordActivity(frameType, m.now())
	}
}

// ForEachSubscriber calls fn for every live session subscribed to topic.
// The subscriber set is snapshotted before iteration.
func (m *SessionManager) ForEachSubscriber(topic string, fn func(*Session)) {
	for _, id := range m.registry.SubscribersOf(topic) {
		sess := m.Lookup(id)
		if sess == nil || sess.IsClosed() {
			continue
		}
		fn(sess)
	}
}

// Lookup returns the session with the given id, or nil.
func (m *SessionManager) Lookup(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// LookupAddr returns the datagram session bound to addr, or nil.
func (m *SessionManager) LookupAddr(addr net.Addr) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAddr[addr.String()]
}

// Sessions returns a snapshot of every live session.
func (m *SessionManager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
