package gateway

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// rateLimiter counts attempts per key in fixed windows. Window counters
// expire from the cache on their own.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries *ttlcache.Cache[string, int]
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	entries := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](window),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go entries.Start()
	return &rateLimiter{window: window, max: max, entries: entries}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.entries.Get(key)
	if item == nil {
		r.entries.Set(key, 1, ttlcache.DefaultTTL)
		return true
	}
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		r.entries.Set(key, 1, ttlcache.DefaultTTL)
		return true
	}
	if item.Value() >= r.max {
		return false
	}
	r.entries.Set(key, item.Value()+1, remaining)
	return true
}

func (r *rateLimiter) stop() {
	r.entries.Stop()
}
