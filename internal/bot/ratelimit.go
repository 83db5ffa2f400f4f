package bot

import (
	"sync"
	"time"
)

// chatLimiters is a token bucket per chat. Buckets that have been full for
// longer than idleAfter are forgotten on the next sweep, so the table only
// holds chats that asked something recently.
type chatLimiters struct {
	mu        sync.Mutex
	burst     float64
	perSec    float64
	buckets   map[string]*bucket
	lastSweep time.Time
	idleAfter time.Duration
	now       func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newChatLimiters(burst int, perMinute float64) *chatLimiters {
	if burst <= 0 {
		burst = defaultAskBurst
	}
	if perMinute <= 0 {
		perMinute = 10
	}
	return &chatLimiters{
		burst:     float64(burst),
		perSec:    perMinute / 60,
		buckets:   make(map[string]*bucket),
		idleAfter: 10 * time.Minute,
		now:       time.Now,
	}
}

// allow takes a token from key's bucket if one is available.
func (c *chatLimiters) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= c.idleAfter {
		c.sweep(now)
	}

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{tokens: c.burst, seen: now}
		c.buckets[key] = b
	}
	b.tokens = min(c.burst, b.tokens+now.Sub(b.seen).Seconds()*c.perSec)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that would have refilled completely. Callers hold mu.
func (c *chatLimiters) sweep(now time.Time) {
	for key, b := range c.buckets {
		refilled := b.tokens+now.Sub(b.seen).Seconds()*c.perSec >= c.burst
		if refilled && now.Sub(b.seen) >= c.idleAfter {
			delete(c.buckets, key)
		}
	}
	c.lastSweep = now
}

func (c *chatLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
