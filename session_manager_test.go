package relay

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(maxSessions int) *SessionManager {
	registry := NewTopicRegistry()
	return NewSessionManager(registry, NewPendingQueue(registry), maxSessions)
}

func TestSessionManagerCreate(t *testing.T) {
	t.Run("assigns unique ids", func(t *testing.T) {
		m := newTestSessionManager(0)

		s1, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
		require.NoError(t, err)
		s2, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5002"))
		require.NoError(t, err)

		assert.NotEqual(t, s1.ID(), s2.ID())
		assert.Same(t, s1, m.Lookup(s1.ID()))
		assert.Equal(t, 2, m.Count())
		assert.Len(t, m.Sessions(), 2)
	})

	t.Run("session limit", func(t *testing.T) {
		m := newTestSessionManager(1)

		_, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
		require.NoError(t, err)

		_, err = m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5002"))
		assert.ErrorIs(t, err, ErrResourceExhausted)
		assert.Equal(t, 1, m.Count())
	})

	t.Run("closing frees a slot", func(t *testing.T) {
		m := newTestSessionManager(1)

		sess, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
		require.NoError(t, err)
		m.CloseSession(sess.ID(), ReasonTransportClosed)

		_, err = m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5002"))
		assert.NoError(t, err)
	})

	t.Run("unknown id", func(t *testing.T) {
		m := newTestSessionManager(0)
		assert.Nil(t, m.Lookup("missing"))
		assert.False(t, m.CloseSession("missing", ReasonTransportClosed))
	})
}

func TestSessionManagerDatagram(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}

	t.Run("one session per address", func(t *testing.T) {
		m := newTestSessionManager(0)
		created := 0
		newTransport := func() Transport {
			created++
			return newTestTransport(addr.String())
		}

		s1, isNew, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.Equal(t, TransportDatagram, s1.Kind())

		s2, isNew, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Same(t, s1, s2)
		assert.Equal(t, 1, created)
		assert.Same(t, s1, m.LookupAddr(addr))
	})

	t.Run("fresh session after close", func(t *testing.T) {
		m := newTestSessionManager(0)
		newTransport := func() Transport { return newTestTransport(addr.String()) }

		s1, _, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)
		require.True(t, m.CloseSession(s1.ID(), ReasonLivenessTimeout))
		assert.Nil(t, m.LookupAddr(addr))

		s2, isNew, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, s1.ID(), s2.ID())
	})

	t.Run("closing session is replaced", func(t *testing.T) {
		m := newTestSessionManager(0)
		newTransport := func() Transport { return newTestTransport(addr.String()) }

		s1, _, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)

		// closed but not yet unbound from its address
		s1.mu.Lock()
		s1.closed = true
		s1.mu.Unlock()

		s2, isNew, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotSame(t, s1, s2)
		assert.Same(t, s2, m.LookupAddr(addr))

		added, err := m.Subscribe(s2.ID(), "news")
		require.NoError(t, err)
		assert.True(t, added)

		s3, isNew, err := m.DatagramSession(addr, newTransport)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Same(t, s2, s3)
	})

	t.Run("limit applies", func(t *testing.T) {
		m := newTestSessionManager(1)
		_, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
		require.NoError(t, err)

		_, _, err = m.DatagramSession(addr, func() Transport { return newTestTransport(addr.String()) })
		assert.ErrorIs(t, err, ErrResourceExhausted)
		assert.Nil(t, m.LookupAddr(addr))
	})
}

func TestSessionManagerSubscribe(t *testing.T) {
	m := newTestSessionManager(0)
	sess, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
	require.NoError(t, err)

	added, err := m.Subscribe(sess.ID(), "news")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = m.Subscribe(sess.ID(), "news")
	require.NoError(t, err)
	assert.False(t, added)

	assert.True(t, sess.IsSubscribed("news"))
	assert.Equal(t, []string{sess.ID()}, m.registry.SubscribersOf("news"))

	_, err = m.Subscribe("missing", "news")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionManagerClose(t *testing.T) {
	t.Run("tears down subscriptions and pending targets", func(t *testing.T) {
		m := newTestSessionManager(0)
		tr := newTestTransport("127.0.0.1:5001")
		sess, err := m.CreateSession(TransportStream, tr)
		require.NoError(t, err)
		other, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5002"))
		require.NoError(t, err)

		_, err = m.Subscribe(sess.ID(), "news")
		require.NoError(t, err)
		_, err = m.Subscribe(other.ID(), "news")
		require.NoError(t, err)
		m.pending.Publish("news", []byte("a"))

		var reasons []CloseReason
		m.OnClose(func(_ *Session, r CloseReason) { reasons = append(reasons, r) })

		assert.True(t, m.CloseSession(sess.ID(), ReasonProtocolError))
		assert.False(t, m.CloseSession(sess.ID(), ReasonTransportClosed))

		assert.True(t, sess.IsClosed())
		assert.Equal(t, ReasonProtocolError, sess.CloseReason())
		assert.True(t, tr.IsClosed())
		assert.Nil(t, m.Lookup(sess.ID()))
		assert.Equal(t, []string{other.ID()}, m.registry.SubscribersOf("news"))
		assert.Equal(t, []string{other.ID()}, m.pending.PendingFor("news").Unacked)
		assert.Equal(t, []CloseReason{ReasonProtocolError}, reasons)
	})

	t.Run("concurrent close runs teardown once", func(t *testing.T) {
		m := newTestSessionManager(0)
		sess, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
		require.NoError(t, err)

		var closes atomic.Int32
		m.OnClose(func(*Session, CloseReason) { closes.Add(1) })

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.CloseSession(sess.ID(), ReasonTransportClosed)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), closes.Load())
		assert.Zero(t, m.Count())
	})

	t.Run("subscribe after close", func(t *testing.T) {
		m := newTestSessionManager(0)
		sess, err := m.CreateSession(TransportStream, newTestTransport("127.0.0.1:5001"))
		require.NoError(t, err)
		m.CloseSession(sess.ID(), ReasonTransportClosed)

		_, err = m.Subscribe(sess.ID(), "news")
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Empty(t, m.registry.SubscribersOf("news"))
	})
}

func TestSessionManagerForEachSubscriber(t *testing.T) {
	m := newTestSessionManager(0)

	var ids []string
	for i := range 3 {
		sess, err := m.CreateSession(TransportStream, newTestTransport(fmt.Sprintf("127.0.0.1:%d", 5000+i)))
		require.NoError(t, err)
		_, err = m.Subscribe(sess.ID(), "news")
		require.NoError(t, err)
		ids = append(ids, sess.ID())
	}
	m.CloseSession(ids[0], ReasonTransportClosed)

	var visited []string
	m.ForEachSubscriber("news", func(s *Session) { visited = append(visited, s.ID()) })

	assert.ElementsMatch(t, ids[1:], visited)
}
