package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// replayTTL bounds how long a stage response is replayable. Queue redelivery
// happens within minutes; a day covers manual resubmission too.
const replayTTL = 24 * time.Hour

// replayKeyFor derives the idempotency key for a message: media, stage and a
// digest of the payload bytes. Two messages differing only in payload are
// distinct submissions and both run.
func replayKeyFor(msg Message) string {
	sum := sha256.Sum256(msg.Payload)
	return msg.MediaID + "|" + string(msg.Stage) + "|" + hex.EncodeToString(sum[:])
}

// cachedResult is one replayable stage response.
type cachedResult struct {
	result   Result
	cachedAt time.Time
}

// replayCache holds stage responses keyed by (mediaId, stage, bodyHash).
// Expired entries are pruned lazily on write; no background goroutine, so
// idle pipelines hold no timers.
type replayCache struct {
	mu        sync.RWMutex
	entries   map[string]cachedResult
	ttl       time.Duration
	clock     func() time.Time
	lastPrune time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{
		entries: make(map[string]cachedResult),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (c *replayCache) get(key string) (Result, bool) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.clock().Sub(cached.cachedAt) < c.ttl {
		return cached.result, true
	}
	return Result{}, false
}

func (c *replayCache) set(key string, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if now.Sub(c.lastPrune) > 5*time.Minute {
		for k, v := range c.entries {
			if now.Sub(v.cachedAt) > c.ttl {
				delete(c.entries, k)
			}
		}
		c.lastPrune = now
	}
	c.entries[key] = cachedResult{result: res, cachedAt: now}
}
