package rpc

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/utils"
)

// maxCacheEntries triggers an LRU sweep once the cache grows past it.
const maxCacheEntries = 1000

// cacheKey derives a stable key from the method name and parameters.
// Params are canonicalized first so that map ordering cannot split the
// same logical request across multiple entries.
func cacheKey(method string, params any) (string, error) {
	payload, err := utils.CanonicalJSON(map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing cache key: %w", err)
	}

	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:]), nil
}

type cacheEntry struct {
	result     json.RawMessage
	storedAt   time.Time
	lastAccess time.Time
}

// payloadCache is a TTL cache for raw RPC results keyed by request hash.
type payloadCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*cacheEntry
}

func newPayloadCache(ttl time.Duration, maxSize int) *payloadCache {
	if maxSize <= 0 {
		maxSize = maxCacheEntries
	}
	return &payloadCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *payloadCache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}

	entry.lastAccess = time.Now()
	return entry.result, true
}

func (c *payloadCache) put(key string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entries[key] = &cacheEntry{result: result, storedAt: now, lastAccess: now}

	if len(c.entries) > c.maxSize {
		c.evictLocked()
	}
}

// evictLocked drops expired entries first, then the least recently used
// until the cache is back under its size cap. Caller holds c.mu.
func (c *payloadCache) evictLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.maxSize {
		return
	}

	type aged struct {
		key        string
		lastAccess time.Time
	}
	byAge := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		byAge = append(byAge, aged{key: key, lastAccess: entry.lastAccess})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].lastAccess.Before(byAge[j].lastAccess)
	})

	for _, candidate := range byAge {
		if len(c.entries) <= c.maxSize {
			break
		}
		delete(c.entries, candidate.key)
	}
}

func (c *payloadCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
