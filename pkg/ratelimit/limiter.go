// Package ratelimit keeps per-buyer flood protection state in process memory.
// Entries expire after the interval, so losing them on restart only relaxes
// protection for one interval.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     *expirable.LRU[string, time.Time]
	now      func() time.Time
}

func New(interval time.Duration, size int) *Limiter {
	if size <= 0 {
		size = 10_000
	}
	return &Limiter{
		interval: interval,
		last:     expirable.NewLRU[string, time.Time](size, nil, interval),
		now:      time.Now,
	}
}

// Allow records an action for key and reports whether it came at least one
// interval after the previous allowed action.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.interval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if prev, ok := l.last.Get(key); ok && now.Sub(prev) < l.interval {
		return false
	}
	l.last.Add(key, now)
	return true
}
