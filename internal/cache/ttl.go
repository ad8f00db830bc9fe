package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a small keyed store whose entries expire.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K)
}

// TTLCache is a size-bounded LRU whose entries expire ttl after they were set.
type TTLCache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

func NewTTLCache[K comparable, V any](size int, ttl time.Duration) *TTLCache[K, V] {
	if size <= 0 {
		size = 1024
	}
	return &TTLCache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

func (c *TTLCache[K, V]) Len() int {
	return c.lru.Len()
}

// Key joins the trimmed non-empty parts into a cache key.
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}
