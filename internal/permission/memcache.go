package permission

import (
	"strings"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// memoryCache is the in-process tier. Entries carry absolute expiries; a
// background sweep evicts what expired so the map does not grow unbounded.
// Reads never block on the sweep.
type memoryCache struct {
	entries sync.Map
	stop    chan struct{}
	once    sync.Once
}

type memEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newMemoryCache() *memoryCache {
	c := &memoryCache{stop: make(chan struct{})}
	go c.sweepLoop()
	return c
}

func (c *memoryCache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.entries.Range(func(key, value interface{}) bool {
				if e, ok := value.(memEntry); ok && now.After(e.expiresAt) {
					c.entries.Delete(key)
				}
				return true
			})
		case <-c.stop:
			return
		}
	}
}

func (c *memoryCache) Get(key string) (interface{}, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(memEntry)
	if !ok || time.Now().After(e.expiresAt) {
		c.entries.Delete(key)
		return nil, false
	}
	return e.value, true
}

func (c *memoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.entries.Store(key, memEntry{value: value, expiresAt: time.Now().Add(ttl)})
}

func (c *memoryCache) Delete(key string) {
	c.entries.Delete(key)
}

// DeletePrefix removes every entry whose key starts with prefix.
func (c *memoryCache) DeletePrefix(prefix string) {
	c.entries.Range(func(key, _ interface{}) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			c.entries.Delete(key)
		}
		return true
	})
}

func (c *memoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}
