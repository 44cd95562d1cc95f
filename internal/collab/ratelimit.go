package collab

import (
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiter keeps one token bucket per client IP so one flooding client
// cannot starve the others.
type ipLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	perIP map[string]*rate.Limiter
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limit: limit,
		burst: burst,
		perIP: make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perIP[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
