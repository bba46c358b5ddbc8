package embedding

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// queryCache keeps recent query vectors in memory. Query text is embedded
// far more often than it changes (restoration reuses one fixed query).
type queryCache struct {
	lru *lru.Cache[string, []float32]
}

// newQueryCache returns nil when size is not positive, disabling the cache.
func newQueryCache(size int) *queryCache {
	if size <= 0 {
		return nil
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil
	}
	return &queryCache{lru: c}
}

func (c *queryCache) get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(text)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

func (c *queryCache) add(text string, v []float32) {
	if c == nil {
		return
	}
	stored := make([]float32, len(v))
	copy(stored, v)
	c.lru.Add(text, stored)
}

func (c *queryCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
