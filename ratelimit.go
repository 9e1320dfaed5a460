package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 3 * time.Minute
	limiterSweepInterval = time.Minute
)

// peerLimiter holds a token bucket and the last time the peer was seen.
type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// peerLimiterStore rate limits inbound traffic per peer IP.
// Idle entries are evicted by sweep.
type peerLimiterStore struct {
	limiters sync.Map
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newPeerLimiterStore(perSecond float64, burst int) *peerLimiterStore {
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiterStore{
		limit: rate.Limit(perSecond),
		burst: burst,
		now:   time.Now,
	}
}

// Allow reports whether one more unit of traffic from addr is admitted.
func (s *peerLimiterStore) Allow(addr net.Addr) bool {
	return s.get(peerIP(addr)).AllowN(s.now(), 1)
}

func (s *peerLimiterStore) get(ip string) *rate.Limiter {
	now := s.now()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*peerLimiter)
		entry.lastSeen.Store(now.UnixNano())
		return entry.limiter
	}

	entry := &peerLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
	entry.lastSeen.Store(now.UnixNano())

	actual, loaded := s.limiters.LoadOrStore(ip, entry)
	if loaded {
		existing := actual.(*peerLimiter)
		existing.lastSeen.Store(now.UnixNano())
		return existing.limiter
	}
	return entry.limiter
}

// sweep removes peers idle for longer than ttl and returns how many were removed.
func (s *peerLimiterStore) sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl).UnixNano()
	removed := 0

	s.limiters.Range(func(key, value any) bool {
		if value.(*peerLimiter).lastSeen.Load() < cutoff {
			s.limiters.Delete(key)
			removed++
		}
		return true
	})

	return removed
}

// run sweeps idle peers until done is closed.
func (s *peerLimiterStore) run(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sweep(limiterIdleTTL)
		}
	}
}

// peerIP extracts the host part of addr.
func peerIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
