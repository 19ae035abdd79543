// Package ratelimit throttles inbound traffic: frames per connection and
// connection attempts per remote host.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Token bucket for a single caller. A non-positive rate disables limiting.
type Limiter struct {
	bucket *rate.Limiter
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(limit, burst)}
}

func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}


type keyedEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Keyed hands out one Limiter per key (e.g. remote host) and forgets keys
// that have been idle for longer than the idle timeout.
type Keyed struct {
	limiters map[string]*keyedEntry
	rate     float64
	burst    int
	idle     time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewKeyed(perSecond float64, burst int, idle time.Duration) *Keyed {
	k := &Keyed{
		limiters: make(map[string]*keyedEntry),
		rate:     perSecond,
		burst:    burst,
		idle:     idle,
		stop:     make(chan struct{}),
	}
	go k.cleanup()
	return k
}

func (k *Keyed) Get(key string) *Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if e, ok := k.limiters[key]; ok {
		e.lastSeen = now
		return e.limiter
	}

	l := NewLimiter(k.rate, k.burst)
	k.limiters[key] = &keyedEntry{limiter: l, lastSeen: now}
	return l
}

func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

func (k *Keyed) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

func (k *Keyed) cleanup() {
	interval := k.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.evictIdle(time.Now())
		}
	}
}

func (k *Keyed) evictIdle(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.limiters {
		if now.Sub(e.lastSeen) > k.idle {
			delete(k.limiters, key)
		}
	}
}
