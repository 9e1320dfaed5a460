package relay

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLivenessInterval is the period between liveness checks.
	DefaultLivenessInterval = 10 * time.Second

	// DefaultMaxMissed is the number of consecutive missed periods that closes a session.
	DefaultMaxMissed = 3
)

// LivenessRecord tracks the liveness of one session.
type LivenessRecord struct {
	// LastSeen is the time of the last qualifying activity.
	LastSeen time.Time

	// Missed counts consecutive periods without qualifying activity.
	Missed int
}

// LivenessMonitor evicts sessions that stop responding.
//
// Every interval it probes stream sessions with PING and counts a missed
// period for any session without qualifying activity since the previous
// tick. Datagram sessions are never probed: inbound traffic is the only
// signal. A session reaching maxMissed is closed with ReasonLivenessTimeout.
type LivenessMonitor struct {
	sessions  *SessionManager
	interval  time.Duration
	maxMissed int
	logger    Logger
	metrics   *BrokerMetrics
	onEvict   func(*Session)
	onFailed  func(*Session, FrameType, error)

	mu       sync.Mutex
	lastTick time.Time
}

// NewLivenessMonitor creates a monitor for sessions.
func NewLivenessMonitor(sessions *SessionManager, interval time.Duration, maxMissed int) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissed
	}

	return &LivenessMonitor{
		sessions:  sessions,
		interval:  interval,
		maxMissed: maxMissed,
		logger:    NewNoOpLogger(),
		metrics:   NewBrokerMetrics(&NoOpMetrics{}),
	}
}

// SetLogger sets the logger used for eviction warnings.
func (m *LivenessMonitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetMetrics sets the metrics sink.
func (m *LivenessMonitor) SetMetrics(metrics *BrokerMetrics) {
	m.metrics = metrics
}

// OnEvict sets a callback invoked after a session is closed for liveness.
func (m *LivenessMonitor) OnEvict(fn func(*Session)) {
	m.onEvict = fn
}

// OnSendFailed sets a callback invoked when a PING cannot be written.
// Without one the failure is only logged.
func (m *LivenessMonitor) OnSendFailed(fn func(*Session, FrameType, error)) {
	m.onFailed = fn
}

// Interval returns the tick period.
func (m *LivenessMonitor) Interval() time.Duration {
	return m.interval
}

// Run ticks until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// tick runs one liveness period ending at now and returns the evicted sessions.
func (m *LivenessMonitor) tick(now time.Time) []*Session {
	m.mu.Lock()
	prev := m.lastTick
	if prev.IsZero() {
		prev = now.Add(-m.interval)
	}
	m.lastTick = now
	m.mu.Unlock()

	var (
		evicted []*Session
		probes  []*Session
	)

	for _, sess := range m.sessions.Sessions() {
		missed, open := sess.checkLiveness(prev)
		if !open {
			continue
		}

		if missed >= m.maxMissed {
			if m.sessions.CloseSession(sess.ID(), ReasonLivenessTimeout) {
				evicted = append(evicted, sess)
				m.evicted(sess, missed)
			}
			continue
		}

		if sess.Kind() == TransportStream {
			probes = append(probes, sess)
		}
	}

	m.ping(probes)

	return evicted
}

func (m *LivenessMonitor) evicted(sess *Session, missed int) {
	m.logger.Warn("session liveness timeout", LogFields{
		LogFieldSessionID:  sess.ID(),
		LogFieldRemoteAddr: sess.RemoteAddr().String(),
		LogFieldTransport:  sess.Kind().String(),
		LogFieldMissed:     missed,
	})
	m.metrics.LivenessEviction(sess.Kind())

	if m.onEvict != nil {
		m.onEvict(sess)
	}
}

// ping probes stream sessions concurrently so one slow peer cannot delay the others.
func (m *LivenessMonitor) ping(sessions []*Session) {
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()

			if err := sess.Send(&Frame{Type: FramePing}); err != nil {
				if m.onFailed != nil {
					m.onFailed(sess, FramePing, err)
					return
				}
				m.logger.Debug("liveness ping failed", LogFields{
					LogFieldSessionID: sess.ID(),
					LogFieldError:     err.Error(),
				})
				return
			}
			m.metrics.FrameSent(FramePing)
		}(sess)
	}
	wg.Wait()
}
