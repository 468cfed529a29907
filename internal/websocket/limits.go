package websocket

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	peerIdleTTL     = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// StatusCode is the HTTP status returned for a rejected upgrade.
func (r LimitReason) StatusCode() int {
	if r == LimitReasonGlobal {
		return http.StatusServiceUnavailable
	}
	return http.StatusTooManyRequests
}

// LimitsConfig configures ConnectionLimits. RatePerSecond and Burst apply per address.
type LimitsConfig struct {
	MaxConnections int64
	MaxPerIP       int
	RatePerSecond  float64
	Burst          int
	Clock          clockwork.Clock
}

// ConnectionLimits bounds concurrent forwarders: a global cap, a per-IP cap and a
// per-IP token bucket on new connections.
type ConnectionLimits struct {
	cfg    LimitsConfig
	clock  clockwork.Clock
	active atomic.Int64

	mu        sync.Mutex
	peers     map[string]*peer
	cleanupAt time.Time
}

type peer struct {
	active   int
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimits creates limits with no slots held.
func NewConnectionLimits(cfg LimitsConfig) *ConnectionLimits {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &ConnectionLimits{
		cfg:       cfg,
		clock:     cfg.Clock,
		peers:     make(map[string]*peer),
		cleanupAt: cfg.Clock.Now().Add(cleanupInterval),
	}
}

// Acquire reserves a slot for ip. The rate limit is checked first so a flood of
// attempts from one address consumes tokens even while the caps are full.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(cleanupInterval)
	}

	p, ok := l.peers[ip]
	if !ok {
		p = &peer{limiter: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)}
		l.peers[ip] = p
	}
	p.lastSeen = now

	if !p.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}
	if l.active.Load() >= l.cfg.MaxConnections {
		return false, LimitReasonGlobal
	}
	if p.active >= l.cfg.MaxPerIP {
		return false, LimitReasonPerIP
	}

	p.active++
	l.active.Add(1)
	return true, ""
}

// Release frees the slot taken by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.peers[ip]
	if !ok || p.active == 0 {
		return
	}
	p.active--
	p.lastSeen = l.clock.Now()
	l.active.Add(-1)
}

// Active returns the number of held slots.
func (l *ConnectionLimits) Active() int64 { return l.active.Load() }

// Peers returns the number of tracked addresses.
func (l *ConnectionLimits) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// cleanup forgets idle addresses. Must be called with mu held.
func (l *ConnectionLimits) cleanup(now time.Time) {
	cutoff := now.Add(-peerIdleTTL)
	for ip, p := range l.peers {
		if p.active == 0 && p.lastSeen.Before(cutoff) {
			delete(l.peers, ip)
		}
	}
}
