package marketdata

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     interface{}
	source    string
	expiresAt time.Time
}

// ttlCache 是进程内的短时行情缓存。条目过期后读路径直接回源，
// 不做后台清理，写入时顺带淘汰已过期条目。
type ttlCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *ttlCache) get(key string) (interface{}, string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, "", false
	}
	return entry.value, entry.source, true
}

func (c *ttlCache) put(key, source string, value interface{}) {
	now := c.now()
	c.mu.Lock()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{
		value:     value,
		source:    source,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *ttlCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
