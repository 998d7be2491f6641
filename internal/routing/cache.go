package routing

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// resultCache holds recent routing results in strict LRU order.
// Backed by hashicorp/golang-lru/v2, which synchronizes internally; Get
// refreshes recency, Add evicts the least recently used entry at capacity.
//
// Cached Results are shared between callers and must be treated as
// read-only; Route returns defensive copies of the mutable top level.
type resultCache struct {
	entries *lru.Cache[string, *Result]
}

func newResultCache(size int) (*resultCache, error) {
	entries, err := lru.New[string, *Result](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{entries: entries}, nil
}

func (c *resultCache) Get(key string) (*Result, bool) {
	return c.entries.Get(key)
}

func (c *resultCache) Add(key string, result *Result) {
	c.entries.Add(key, result)
}

func (c *resultCache) Len() int {
	return c.entries.Len()
}

func (c *resultCache) Purge() {
	c.entries.Purge()
}
