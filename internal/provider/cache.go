package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheKey derives a stable key from the provider name and prompt content so
// that identical queries within the TTL window reuse the earlier answer.
func cacheKey(providerName string, p Prompt) string {
	h := sha256.New()
	h.Write([]byte(providerName))
	h.Write([]byte{0})
	h.Write([]byte(p.System))
	h.Write([]byte{0})
	h.Write([]byte(p.Text))
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	completion *Completion
	expiresAt  time.Time
}

// ResponseCache is an in-memory TTL cache for provider completions.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration

	nowFunc func() time.Time
}

// NewResponseCache creates a cache with the given TTL. A zero TTL disables
// caching entirely.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Get returns the cached completion for a key, or nil if absent or expired.
func (c *ResponseCache) Get(key string) *Completion {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.nowFunc().After(entry.expiresAt) {
		return nil
	}
	return entry.completion
}

// Put stores a completion under a key.
func (c *ResponseCache) Put(key string, completion *Completion) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		completion: completion,
		expiresAt:  c.nowFunc().Add(c.ttl),
	}
}

// Prune removes expired entries. Callers on a long-running path should invoke
// it periodically; short-lived CLI runs can skip it.
func (c *ResponseCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including any not yet pruned.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
