// ConnLimiter is a cheap per-identifier token-bucket admission gate,
// layered in front of Store for the connect_rate scope (spec §4.5: "DDoS
// first (cheapest)"). Grounded on golang.org/x/time/rate's token-bucket
// primitive, as used for request shaping in rjsadow-sortie.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnLimiter holds one token bucket per identifier (typically client IP).
type ConnLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewConnLimiter creates a limiter allowing `burst` immediate admissions
// and a steady refill of `perSecond` tokens/sec thereafter, per identifier.
func NewConnLimiter(perSecond float64, burst int) *ConnLimiter {
	return &ConnLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether id may proceed right now, creating a fresh
// bucket on first use.
func (c *ConnLimiter) Allow(id string) bool {
	c.mu.Lock()
	lim, ok := c.limiters[id]
	if !ok {
		lim = rate.NewLimiter(c.r, c.burst)
		c.limiters[id] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

// Forget drops the bucket for id, bounding memory for identifiers that
// stop connecting. Call from the same sweep cadence as Store.Sweep.
func (c *ConnLimiter) Forget(id string) {
	c.mu.Lock()
	delete(c.limiters, id)
	c.mu.Unlock()
}
