package ingestion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterRegistry hands out one token bucket per caller identity. Buckets
// are created lazily and kept for the life of the process; the key space is
// bounded by the active user population.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLimiterRegistry builds a registry whose buckets refill at perMinute
// tokens per minute.
func NewLimiterRegistry(perMinute int) *LimiterRegistry {
	if perMinute < 1 {
		perMinute = 1
	}
	return &LimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

// Allow consumes one token for key. When the bucket is empty it reports the
// delay after which the caller may retry; the reservation is cancelled so a
// premature retry is not double-charged.
func (r *LimiterRegistry) Allow(key string) (bool, time.Duration) {
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()

	res := limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}
