package relay

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLivenessMonitorDefaults(t *testing.T) {
	m := NewLivenessMonitor(newTestSessionManager(0), 0, 0)
	assert.Equal(t, DefaultLivenessInterval, m.Interval())
	assert.Equal(t, DefaultMaxMissed, m.maxMissed)
}

func TestLivenessMonitorStream(t *testing.T) {
	start := time.Unix(1000, 0)
	interval := 10 * time.Second

	setup := func(t *testing.T) (*SessionManager, *LivenessMonitor, *Session, *testTransport) {
		t.Helper()
		sm := newTestSessionManager(0)
		sm.now = func() time.Time { return start }

		tr := newTestTransport("127.0.0.1:5001")
		sess, err := sm.CreateSession(TransportStream, tr)
		require.NoError(t, err)

		return sm, NewLivenessMonitor(sm, interval, 3), sess, tr
	}

	t.Run("probes with ping", func(t *testing.T) {
		_, m, _, tr := setup(t)

		evicted := m.tick(start.Add(interval))
		assert.Empty(t, evicted)

		frames := tr.Frames()
		require.Len(t, frames, 1)
		assert.Equal(t, FramePing, frames[0].Type)
	})

	t.Run("evicted after three missed periods", func(t *testing.T) {
		_, m, sess, tr := setup(t)

		for i := 1; i <= 3; i++ {
			assert.Empty(t, m.tick(start.Add(time.Duration(i)*interval)))
		}
		assert.Equal(t, 2, sess.Liveness().Missed)

		evicted := m.tick(start.Add(4 * interval))
		require.Len(t, evicted, 1)
		assert.Equal(t, sess.ID(), evicted[0].ID())
		assert.True(t, sess.IsClosed())
		assert.Equal(t, ReasonLivenessTimeout, sess.CloseReason())
		assert.True(t, tr.IsClosed())
	})

	t.Run("pong resets the counter", func(t *testing.T) {
		sm, m, sess, _ := setup(t)

		m.tick(start.Add(interval))
		m.tick(start.Add(2 * interval))
		m.tick(start.Add(3 * interval))
		assert.Equal(t, 2, sess.Liveness().Missed)

		sm.now = func() time.Time { return start.Add(3*interval + time.Second) }
		sm.RecordActivity(sess.ID(), FramePong)
		assert.Zero(t, sess.Liveness().Missed)

		assert.Empty(t, m.tick(start.Add(4*interval)))
		assert.Zero(t, sess.Liveness().Missed)
		assert.False(t, sess.IsClosed())
	})

	t.Run("other traffic does not count", func(t *testing.T) {
		sm, m, sess, _ := setup(t)

		for i := 1; i <= 3; i++ {
			sm.now = func() time.Time { return start.Add(time.Duration(i)*interval - time.Second) }
			sm.RecordActivity(sess.ID(), FramePublish)
			m.tick(start.Add(time.Duration(i) * interval))
		}

		evicted := m.tick(start.Add(4 * interval))
		assert.Len(t, evicted, 1)
	})

	t.Run("failed ping is reported", func(t *testing.T) {
		sm, m, sess, tr := setup(t)
		tr.writeErr = errors.New("broken pipe")

		type failure struct {
			sess      *Session
			frameType FrameType
			err       error
		}
		var got []failure
		m.OnSendFailed(func(s *Session, ft FrameType, err error) {
			got = append(got, failure{s, ft, err})
			sm.CloseSession(s.ID(), ReasonWriteFailed)
		})

		assert.Empty(t, m.tick(start.Add(interval)))

		require.Len(t, got, 1)
		assert.Same(t, sess, got[0].sess)
		assert.Equal(t, FramePing, got[0].frameType)
		assert.ErrorIs(t, got[0].err, tr.writeErr)
		assert.True(t, sess.IsClosed())
		assert.Equal(t, ReasonWriteFailed, sess.CloseReason())
	})

	t.Run("evict callback", func(t *testing.T) {
		_, m, sess, _ := setup(t)

		var got *Session
		m.OnEvict(func(s *Session) { got = s })

		for i := 1; i <= 4; i++ {
			m.tick(start.Add(time.Duration(i) * interval))
		}
		require.NotNil(t, got)
		assert.Equal(t, sess.ID(), got.ID())
	})
}

func TestLivenessMonitorDatagram(t *testing.T) {
	start := time.Unix(1000, 0)
	interval := 10 * time.Second
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}

	setup := func(t *testing.T) (*SessionManager, *LivenessMonitor, *Session, *testTransport) {
		t.Helper()
		sm := newTestSessionManager(0)
		sm.now = func() time.Time { return start }

		tr := newTestTransport(addr.String())
		sess, _, err := sm.DatagramSession(addr, func() Transport { return tr })
		require.NoError(t, err)

		return sm, NewLivenessMonitor(sm, interval, 3), sess, tr
	}

	t.Run("never pinged", func(t *testing.T) {
		_, m, _, tr := setup(t)

		m.tick(start.Add(interval))
		assert.Empty(t, tr.Frames())
	})

	t.Run("any frame keeps it alive", func(t *testing.T) {
		sm, m, sess, _ := setup(t)

		for i := 1; i <= 5; i++ {
			sm.now = func() time.Time { return start.Add(time.Duration(i)*interval - time.Second) }
			sm.RecordActivity(sess.ID(), FramePublish)
			assert.Empty(t, m.tick(start.Add(time.Duration(i)*interval)))
		}
		assert.False(t, sess.IsClosed())
	})

	t.Run("silent peer is evicted and a new session follows", func(t *testing.T) {
		sm, m, sess, _ := setup(t)
		_, err := sm.Subscribe(sess.ID(), "news")
		require.NoError(t, err)

		for i := 1; i <= 4; i++ {
			m.tick(start.Add(time.Duration(i) * interval))
		}
		require.True(t, sess.IsClosed())
		assert.Nil(t, sm.LookupAddr(addr))
		assert.Empty(t, sm.registry.SubscribersOf("news"))

		next, isNew, err := sm.DatagramSession(addr, func() Transport { return newTestTransport(addr.String()) })
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, sess.ID(), next.ID())
		assert.False(t, next.IsSubscribed("news"))
	})
}
