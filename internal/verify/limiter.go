package verify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type accountLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// dmLimiter is a per-account token bucket for inbound direct messages.
type dmLimiter struct {
	mu       sync.Mutex
	limiters map[uint64]*accountLimiter
	r        rate.Limit
	burst    int
}

// newDMLimiter allows perMinute messages per account per minute, with the
// whole minute's budget available as a burst.
func newDMLimiter(perMinute int) *dmLimiter {
	return &dmLimiter{
		limiters: make(map[uint64]*accountLimiter),
		r:        rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
	}
}

func (l *dmLimiter) allow(accountID uint64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.limiters[accountID]
	if !ok {
		v = &accountLimiter{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[accountID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// prune drops limiters idle for longer than idle.
func (l *dmLimiter) prune(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, v := range l.limiters {
		if now.Sub(v.lastSeen) > idle {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}
