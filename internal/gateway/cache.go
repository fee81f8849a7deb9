package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultCacheTTL applies when Set is called without an override.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	response Response
	expires  time.Time
}

// Cache is a short-lived, content-addressed store for gateway responses.
// Process-local and purely an optimization: every caller path stays correct
// on a permanent miss.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache builds a cache with the given default TTL (DefaultCacheTTL when
// zero).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey hashes the prompt plus ordered context strings into a stable key.
func CacheKey(prompt string, contextStrs []string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	for _, c := range contextStrs {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response when present and unexpired. Expired entries
// are evicted lazily here.
func (c *Cache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return Response{}, false
	}
	return entry.response, true
}

// Set stores a response under the default TTL.
func (c *Cache) Set(key string, resp Response) {
	c.SetWithTTL(key, resp, c.ttl)
}

// SetWithTTL stores a response with an explicit TTL.
func (c *Cache) SetWithTTL(key string, resp Response, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{response: resp, expires: c.now().Add(ttl)}
}
