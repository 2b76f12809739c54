// Package cache memoizes fused decisions for identical recent inputs.
//
// Entries are valid only while now-insertedAt < TTL. Expired entries are
// logically dead as soon as they age out: Get always checks the timestamp and
// never trusts presence alone. Physical removal happens lazily on Get, when
// the size bound forces an eviction, or when the scheduler calls Purge.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

// Key builds the composite cache key for (ip, ordered traffic sample).
func Key(ip string, sample model.TrafficSample) string {
	return ip + ":" + sample.Signature()
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// Cache is a TTL cache with an optional size bound. Oldest insertions are
// evicted first when the bound is hit. It is safe for concurrent use.
type Cache[V any] struct {
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock

	mutexForEntries sync.Mutex
	elementByKey    map[string]*list.Element
	insertionOrder  *list.List // front = oldest

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache. maxEntries <= 0 means unbounded.
func New[V any](ttl time.Duration, maxEntries int, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache[V]{
		ttl:            ttl,
		maxEntries:     maxEntries,
		clock:          clk,
		elementByKey:   make(map[string]*list.Element),
		insertionOrder: list.New(),
	}
}

// Get returns the live value stored under key.
func (cache *Cache[V]) Get(key string) (V, bool) {
	now := cache.clock.Now()

	cache.mutexForEntries.Lock()
	defer cache.mutexForEntries.Unlock()

	element, exists := cache.elementByKey[key]
	if !exists {
		cache.misses.Add(1)
		var zero V
		return zero, false
	}

	stored := element.Value.(*entry[V])
	if !cache.aliveLocked(stored, now) {
		cache.removeLocked(element)
		cache.misses.Add(1)
		var zero V
		return zero, false
	}

	cache.hits.Add(1)
	return stored.value, true
}

// Put stores value under key, replacing any previous entry and restarting its
// TTL window.
func (cache *Cache[V]) Put(key string, value V) {
	now := cache.clock.Now()

	cache.mutexForEntries.Lock()
	defer cache.mutexForEntries.Unlock()

	if element, exists := cache.elementByKey[key]; exists {
		cache.removeLocked(element)
	}

	element := cache.insertionOrder.PushBack(&entry[V]{key: key, value: value, insertedAt: now})
	cache.elementByKey[key] = element

	if cache.maxEntries > 0 {
		for cache.insertionOrder.Len() > cache.maxEntries {
			cache.removeLocked(cache.insertionOrder.Front())
		}
	}
}

// Purge physically removes every expired entry and returns how many were
// dropped.
func (cache *Cache[V]) Purge() int {
	now := cache.clock.Now()

	cache.mutexForEntries.Lock()
	defer cache.mutexForEntries.Unlock()

	removed := 0
	// insertion order is also expiry order, so stop at the first live entry
	for element := cache.insertionOrder.Front(); element != nil; {
		stored := element.Value.(*entry[V])
		if cache.aliveLocked(stored, now) {
			break
		}
		next := element.Next()
		cache.removeLocked(element)
		removed++
		element = next
	}

	if removed > 0 {
		logger.CacheLog.Debugf("purged %d expired cache entr(ies)", removed)
	}
	return removed
}

// Len returns the number of physically stored entries, live or not.
func (cache *Cache[V]) Len() int {
	cache.mutexForEntries.Lock()
	defer cache.mutexForEntries.Unlock()
	return cache.insertionOrder.Len()
}

// Stats returns the cumulative hit and miss counts.
func (cache *Cache[V]) Stats() (hits uint64, misses uint64) {
	return cache.hits.Load(), cache.misses.Load()
}

func (cache *Cache[V]) aliveLocked(stored *entry[V], now time.Time) bool {
	return now.Sub(stored.insertedAt) < cache.ttl
}

func (cache *Cache[V]) removeLocked(element *list.Element) {
	stored := element.Value.(*entry[V])
	delete(cache.elementByKey, stored.key)
	cache.insertionOrder.Remove(element)
}
