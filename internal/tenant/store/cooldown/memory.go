package cooldown

import (
	"context"
	"sync"
	"time"
)

// InMemory is the single-process fallback when Redis is not configured.
type InMemory struct {
	mu      sync.Mutex
	until   map[string]time.Time
	nowFunc func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{until: make(map[string]time.Time), nowFunc: time.Now}
}

func (c *InMemory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, nil
	}
	c.until[key] = now.Add(ttl)
	c.sweepLocked(now)
	return true, nil
}

// sweepLocked drops expired markers so the map does not grow without bound.
func (c *InMemory) sweepLocked(now time.Time) {
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
		}
	}
}
