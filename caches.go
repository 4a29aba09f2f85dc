package dbuswire

import (
	"errors"
	"sync"
)

var errCacheMiss = errors.New("cache entry not found")

// cache is a concurrency-safe memoization map that can record either
// a value or an error for a key. Signature parsing is hot on the
// receive path, so parse results are remembered, including failures.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

func (c *cache[K, V]) Get(k K) (V, error) {
	ent, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errCacheMiss
	}
	e := ent.(cacheEntry[V])
	return e.val, e.err
}

func (c *cache[K, V]) Set(k K, v V) {
	c.m.Store(k, cacheEntry[V]{val: v})
}

func (c *cache[K, V]) SetErr(k K, err error) {
	var zero V
	c.m.Store(k, cacheEntry[V]{zero, err})
}

var signatureCache cache[string, Signature]
