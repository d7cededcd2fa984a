package daemon

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultRateLimitTTL = 10 * time.Minute

// ActorRateLimiter keeps one token bucket per actor for batch submissions.
// It is safe for concurrent use by multiple goroutines.
type ActorRateLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	ttl         time.Duration
	now         func() time.Time
	lastCleanup time.Time
	entries     map[string]*actorRateEntry
}

type actorRateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewActorRateLimiter creates a per-actor limiter. If qps or burst are
// non-positive, it returns nil to indicate rate limiting is disabled.
func NewActorRateLimiter(qps float64, burst int) *ActorRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &ActorRateLimiter{
		limit:   rate.Limit(qps),
		burst:   burst,
		ttl:     defaultRateLimitTTL,
		now:     time.Now,
		entries: make(map[string]*actorRateEntry),
	}
}

// Allow reports whether actor may submit another batch now.
func (l *ActorRateLimiter) Allow(actor string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked(now)

	entry := l.entries[actor]
	if entry == nil {
		entry = &actorRateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[actor] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *ActorRateLimiter) cleanupLocked(now time.Time) {
	if l.ttl <= 0 {
		return
	}
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl {
		return
	}
	for actor, entry := range l.entries {
		if now.Sub(entry.lastSeen) > l.ttl {
			delete(l.entries, actor)
		}
	}
	l.lastCleanup = now
}

func writeRateLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, daemonErrorCodeRateLimited, "rate limit exceeded")
}
