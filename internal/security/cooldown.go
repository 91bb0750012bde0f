package security

import (
	"sync"
	"time"
)

const (
	defaultPruneThreshold = 1000
	defaultPruneAge       = 60 * time.Second
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// CooldownMap remembers when each sender last had a message accepted. It is
// process-local and starts empty on every restart; the durable per-minute
// counter is the authoritative limit.
type CooldownMap struct {
	mu             sync.Mutex
	last           map[string]time.Time
	now            Clock
	pruneThreshold int
	pruneAge       time.Duration
}

func NewCooldownMap(clock Clock) *CooldownMap {
	if clock == nil {
		clock = time.Now
	}
	return &CooldownMap{
		last:           make(map[string]time.Time),
		now:            clock,
		pruneThreshold: defaultPruneThreshold,
		pruneAge:       defaultPruneAge,
	}
}

// Allow reports whether at least window has passed since the sender's last
// accepted message and, if so, records now as the new last accepted time.
// The read and the write happen under one lock.
func (c *CooldownMap) Allow(sender string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[sender]; ok && now.Sub(last) < window {
		return false
	}
	c.last[sender] = now

	if len(c.last) > c.pruneThreshold {
		c.pruneLocked(now)
	}
	return true
}

func (c *CooldownMap) pruneLocked(now time.Time) {
	for sender, ts := range c.last {
		if now.Sub(ts) > c.pruneAge {
			delete(c.last, sender)
		}
	}
}

// Len returns the number of tracked senders.
func (c *CooldownMap) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Reset forgets every sender.
func (c *CooldownMap) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}
