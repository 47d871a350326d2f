package perf

import (
	"container/list"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
)

// keyAudioPrefix bounds how much of the payload participates in the cache
// key. Identical openings hash identically, which is exactly the repeated
// robocall pattern the cache exists for.
const keyAudioPrefix = 512

// ChunkKey hashes the identifying parts of a chunk with FNV-64a.
func ChunkKey(callID string, payload []byte, sampleRate, channels int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(callID))
	n := len(payload)
	if n > keyAudioPrefix {
		n = keyAudioPrefix
	}
	h.Write(payload[:n])
	var meta [8]byte
	binary.LittleEndian.PutUint32(meta[0:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(meta[4:], uint32(channels))
	h.Write(meta[:])
	return h.Sum64()
}

type cacheEntry struct {
	key      uint64
	value    any
	storedAt time.Time
}

// Cache is a capacity-bounded LRU with per-entry TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[uint64]*list.Element
	hits     uint64
	misses   uint64
}

// NewCache creates a cache holding at most capacity entries for at most ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[uint64]*list.Element),
	}
}

// Get returns the cached value and refreshes its recency. Expired entries
// are removed and count as misses.
func (c *Cache) Get(key uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Put stores a value, evicting the least recently used entry when full.
func (c *Cache) Put(key uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.storedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&cacheEntry{key: key, value: value, storedAt: time.Now()})
	c.items[key] = elem
	for c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

// RemoveExpired sweeps out entries past their TTL and returns how many were
// dropped.
func (c *Cache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if time.Since(entry.storedAt) > c.ttl {
			c.order.Remove(elem)
			delete(c.items, entry.key)
			removed++
		}
		elem = prev
	}
	return removed
}

// Resize changes the capacity, evicting down to the new bound.
func (c *Cache) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	for c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

// Purge drops every entry but keeps hit accounting.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[uint64]*list.Element)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the current bound.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// HitRate returns hits over total lookups, zero before any lookup.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
}

// TieredCache bundles the three pipeline caches. The response tier holds
// full results, the transcript and intent tiers hold intermediate stage
// outputs keyed the same way.
type TieredCache struct {
	Response   *Cache
	Transcript *Cache
	Intent     *Cache
}

// NewTieredCache builds the three tiers with one shared TTL.
func NewTieredCache(responseSize, transcriptSize, intentSize int, ttl time.Duration) *TieredCache {
	return &TieredCache{
		Response:   NewCache(responseSize, ttl),
		Transcript: NewCache(transcriptSize, ttl),
		Intent:     NewCache(intentSize, ttl),
	}
}

// ClearAll purges every tier.
func (t *TieredCache) ClearAll() {
	t.Response.Purge()
	t.Transcript.Purge()
	t.Intent.Purge()
}

// RemoveExpired sweeps every tier and returns the total evicted.
func (t *TieredCache) RemoveExpired() int {
	return t.Response.RemoveExpired() + t.Transcript.RemoveExpired() + t.Intent.RemoveExpired()
}

// Shrink halves every tier's capacity, not going below floor.
func (t *TieredCache) Shrink(floor int) {
	for _, c := range []*Cache{t.Response, t.Transcript, t.Intent} {
		half := c.Capacity() / 2
		if half < floor {
			half = floor
		}
		c.Resize(half)
	}
}

// PublishHitRates pushes per-tier hit rates to the gauges.
func (t *TieredCache) PublishHitRates() {
	metrics.CacheHitRate.WithLabelValues("response").Set(t.Response.HitRate())
	metrics.CacheHitRate.WithLabelValues("transcript").Set(t.Transcript.HitRate())
	metrics.CacheHitRate.WithLabelValues("intent").Set(t.Intent.HitRate())
}

// CacheTierStats is one tier's view for the stats endpoint.
type CacheTierStats struct {
	Entries  int     `json:"entries"`
	Capacity int     `json:"capacity"`
	HitRate  float64 `json:"hit_rate"`
}

// CacheStats aggregates tier stats.
type CacheStats struct {
	Response   CacheTierStats `json:"response"`
	Transcript CacheTierStats `json:"transcript"`
	Intent     CacheTierStats `json:"intent"`
}

// Stats snapshots all three tiers.
func (t *TieredCache) Stats() CacheStats {
	return CacheStats{
		Response:   CacheTierStats{Entries: t.Response.Len(), Capacity: t.Response.Capacity(), HitRate: t.Response.HitRate()},
		Transcript: CacheTierStats{Entries: t.Transcript.Len(), Capacity: t.Transcript.Capacity(), HitRate: t.Transcript.HitRate()},
		Intent:     CacheTierStats{Entries: t.Intent.Len(), Capacity: t.Intent.Capacity(), HitRate: t.Intent.HitRate()},
	}
}
