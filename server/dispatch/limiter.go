package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// nodeLimiter applies a token bucket per node id so one node with a deep
// queue cannot monopolize a dispatch cycle's sends.
type nodeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newNodeLimiter(r float64, b int) *nodeLimiter {
	return &nodeLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a send to the node may proceed now.
func (l *nodeLimiter) Allow(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[nodeID]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[nodeID] = limiter
	}
	return limiter.Allow()
}
