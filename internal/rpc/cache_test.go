package rpc

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyStableAcrossMapOrder(t *testing.T) {
	a, err := cacheKey("getTransaction", []any{"sig", map[string]any{
		"encoding":                       "jsonParsed",
		"maxSupportedTransactionVersion": 0,
	}})
	require.NoError(t, err)

	b, err := cacheKey("getTransaction", []any{"sig", map[string]any{
		"maxSupportedTransactionVersion": 0,
		"encoding":                       "jsonParsed",
	}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCacheKeyDistinguishesMethodAndParams(t *testing.T) {
	base, err := cacheKey("getTransaction", []any{"sig"})
	require.NoError(t, err)

	otherMethod, err := cacheKey("getBlock", []any{"sig"})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherMethod)

	otherParams, err := cacheKey("getTransaction", []any{"sig2"})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherParams)
}

func TestPayloadCacheTTLExpiry(t *testing.T) {
	cache := newPayloadCache(10*time.Millisecond, 100)
	cache.put("key", json.RawMessage(`"value"`))

	got, ok := cache.get("key")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`"value"`), got)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.get("key")
	assert.False(t, ok)
}

func TestPayloadCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := newPayloadCache(time.Hour, 3)

	for i := 0; i < 3; i++ {
		cache.put(fmt.Sprintf("key-%d", i), json.RawMessage(`1`))
		time.Sleep(time.Millisecond)
	}

	// Touch key-0 so key-1 becomes the eviction candidate.
	_, ok := cache.get("key-0")
	require.True(t, ok)
	time.Sleep(time.Millisecond)

	cache.put("key-3", json.RawMessage(`1`))

	assert.Equal(t, 3, cache.size())
	_, ok = cache.get("key-1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = cache.get("key-0")
	assert.True(t, ok)
	_, ok = cache.get("key-3")
	assert.True(t, ok)
}
