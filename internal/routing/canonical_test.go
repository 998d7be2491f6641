package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyIgnoresMapOrder(t *testing.T) {
	a := map[string]any{"symbol": "BTC", "price": 42000.5, "nested": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"nested": map[string]any{"y": 2, "x": 1}, "price": 42000.5, "symbol": "BTC"}

	ka, err := CacheKey("price_update", a, nil)
	require.NoError(t, err)
	kb, err := CacheKey("price_update", b, nil)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestCacheKeyNormalizesNumericSpelling(t *testing.T) {
	ka, err := CacheKey("e", map[string]any{"n": float64(1)}, nil)
	require.NoError(t, err)
	kb, err := CacheKey("e", map[string]any{"n": int(1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, ka, kb, "1 and 1.0 must hash identically")
}

func TestCacheKeyDistinguishesPayloads(t *testing.T) {
	ka, err := CacheKey("e", map[string]any{"symbol": "BTC"}, nil)
	require.NoError(t, err)
	kb, err := CacheKey("e", map[string]any{"symbol": "ETH"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb)

	// Event type participates in the key.
	kc, err := CacheKey("other", map[string]any{"symbol": "BTC"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)

	// User context participates in the key.
	kd, err := CacheKey("e", map[string]any{"symbol": "BTC"}, map[string]any{"tier": "gold"})
	require.NoError(t, err)
	assert.NotEqual(t, ka, kd)
}

func TestCacheKeyRejectsUnsupportedValues(t *testing.T) {
	_, err := CacheKey("e", map[string]any{"fn": func() {}}, nil)
	assert.ErrorIs(t, err, ErrNotCanonical)

	_, err = CacheKey("e", map[string]any{"ch": make(chan int)}, nil)
	assert.ErrorIs(t, err, ErrNotCanonical)
}

func TestCacheKeyRejectsCyclicPayloads(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	_, err := CacheKey("e", cyclic, nil)
	assert.ErrorIs(t, err, ErrNotCanonical)
}

func TestCacheKeyHandlesSlicesAndNull(t *testing.T) {
	ka, err := CacheKey("e", map[string]any{"tags": []any{"a", "b"}, "gone": nil}, nil)
	require.NoError(t, err)

	kb, err := CacheKey("e", map[string]any{"gone": nil, "tags": []string{"a", "b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, ka, kb, "[]any of strings and []string must hash identically")

	// Slice order is significant.
	kc, err := CacheKey("e", map[string]any{"tags": []string{"b", "a"}, "gone": nil}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}
