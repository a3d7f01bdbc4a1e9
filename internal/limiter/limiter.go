// Package limiter provides per-client request rate limiting for the HTTP
// API, keyed by remote address.
package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/towns-protocol/towns-sub009/internal/config"
)

const (
	maxTrackedClients = 10000
	idleEviction      = 10 * time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerClient enforces a token-bucket rate for each client key.
type PerClient struct {
	mu      sync.Mutex
	clients map[string]*entry
	rate    rate.Limit
	burst   int
	enabled bool
}

// NewPerClient builds a limiter from the API rate limit settings.
func NewPerClient(cfg config.RateLimitConfig) *PerClient {
	return &PerClient{
		clients: make(map[string]*entry),
		rate:    rate.Limit(cfg.MaxRequestsPerSecond),
		burst:   cfg.BurstSize,
		enabled: cfg.Enabled,
	}
}

// Enabled reports whether rate limiting is active at all.
func (l *PerClient) Enabled() bool { return l.enabled }

// Allow reports whether the client may proceed. Unknown clients start with
// a full bucket. Idle entries are evicted once the table grows large.
func (l *PerClient) Allow(key string) bool {
	if !l.enabled || key == "" {
		return true
	}

	l.mu.Lock()
	now := time.Now()
	if len(l.clients) > maxTrackedClients {
		l.evictIdle(now)
	}
	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *PerClient) evictIdle(now time.Time) {
	for key, e := range l.clients {
		if now.Sub(e.lastSeen) > idleEviction {
			delete(l.clients, key)
		}
	}
}

// TrackedClients returns the number of clients currently tracked.
func (l *PerClient) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
