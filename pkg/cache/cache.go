// Package cache implements the shared namespaced TTL store used across the
// service. Keys are colon-separated "namespace:subkey[:...]" strings; values
// are arbitrary. Besides plain get/put it provides atomic counters, windowed
// counters for rate-limit buckets, batch operations and namespace-scoped
// clears backed by an internal namespace index.
package cache

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TTL sentinels. A zero TTL selects the default; NoExpiry disables expiry.
const (
	DefaultTTL           = 24 * time.Hour
	NoExpiry             = time.Duration(-1)
	defaultMaxEntries    = 100_000
	evictSoftRatio       = 0.9
	evictSoftFraction    = 0.10
	evictHardFraction    = 0.30
	defaultClearBatch    = 500
	counterStripeBuckets = 64
)

// Options configures a Cache.
type Options struct {
	// MaxEntries caps the number of entries before random eviction kicks in.
	MaxEntries int
	// DefaultTTL applies when Put is called with a zero TTL.
	DefaultTTL time.Duration
}

// MetricsHooks receive cache activity notifications.
type MetricsHooks struct {
	OnHit   func(namespace string)
	OnMiss  func(namespace string)
	OnStore func(namespace string)
	OnEvict func(namespace string)
}

// WindowedCount is the value held by a windowed counter bucket.
type WindowedCount struct {
	Requests    int64
	WindowStart time.Time
}

// Stats is a point-in-time summary of cache activity.
type Stats struct {
	Size       int
	Hits       int64
	Misses     int64
	Evictions  int64
	Expired    int64
	Namespaces int
}

// Entry pairs a key/value with an explicit TTL for batch stores.
type Entry struct {
	Key   string
	Value any
	TTL   time.Duration
}

type item struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Cache is a concurrency-safe namespaced TTL store.
type Cache struct {
	mu        sync.RWMutex
	items     map[string]*item
	index     map[string]map[string]struct{} // namespace -> key set
	protected map[string]struct{}            // namespaces exempt from eviction
	opts      Options
	hooks     MetricsHooks

	hits      atomic.Int64
	misses    atomic.Int64
	evictions int64
	expired   int64

	// Per-key striped locks serialize windowed-counter read-modify-write
	// cycles without holding the main mutex across the whole update.
	stripes [counterStripeBuckets]sync.Mutex
}

// New creates a Cache with the given options and hooks.
func New(opts Options, hooks MetricsHooks) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	return &Cache{
		items:     make(map[string]*item),
		index:     make(map[string]map[string]struct{}),
		protected: make(map[string]struct{}),
		opts:      opts,
		hooks:     hooks,
	}
}

// Protect exempts namespaces from random eviction. Rate limiters register
// their bucket namespaces here: evicting a windowed counter mid-window would
// reset admission counts and over-admit past the burst capacity.
func (c *Cache) Protect(namespaces ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ns := range namespaces {
		c.protected[ns] = struct{}{}
	}
}

// Namespace returns the namespace prefix of a key (the part before the first
// colon), or the whole key when it has no colon.
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Get returns the value stored under key, if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.RLock()
	it, ok := c.items[key]
	if ok && !it.expired(now) {
		v := it.value
		c.mu.RUnlock()
		c.hits.Add(1)
		if c.hooks.OnHit != nil {
			c.hooks.OnHit(Namespace(key))
		}
		return v, true
	}
	c.mu.RUnlock()

	if ok {
		// Lazily drop the expired entry.
		c.mu.Lock()
		if it2, still := c.items[key]; still && it2.expired(time.Now()) {
			c.removeLocked(key)
			c.expired++
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss(Namespace(key))
	}
	return nil, false
}

// Put stores value under key. A zero ttl selects the default TTL; NoExpiry
// stores the value without a deadline.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.putLocked(key, value, ttl)
	c.evictIfNeededLocked()
	c.mu.Unlock()
	if c.hooks.OnStore != nil {
		c.hooks.OnStore(Namespace(key))
	}
}

// PutDefault stores value under key with the default TTL.
func (c *Cache) PutDefault(key string, value any) {
	c.Put(key, value, 0)
}

// Delete removes key and its index entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
}

// Exists reports whether key is present and not expired.
func (c *Cache) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// UpdateCounter atomically adds delta to the integer stored under key,
// initializing to delta when the key is absent. When ttl is non-zero the
// entry deadline is (re)set.
func (c *Cache) UpdateCounter(key string, delta int64, ttl time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var current int64
	if it, ok := c.items[key]; ok && !it.expired(now) {
		if v, isInt := it.value.(int64); isInt {
			current = v
		}
	}
	current += delta
	if ttl != 0 {
		c.putLocked(key, current, ttl)
	} else if it, ok := c.items[key]; ok && !it.expired(now) {
		it.value = current
	} else {
		c.putLocked(key, current, 0)
	}
	return current
}

// UpdateWindowedCounter performs the windowed-counter read-modify-write under
// a per-key lock. Within an open window the request count increments; once
// window has elapsed the bucket resets to a fresh window of one request.
func (c *Cache) UpdateWindowedCounter(key string, window time.Duration, ttl time.Duration) WindowedCount {
	stripe := &c.stripes[stripeFor(key)]
	stripe.Lock()
	defer stripe.Unlock()

	now := time.Now()
	next := WindowedCount{Requests: 1, WindowStart: now}
	if v, ok := c.Get(key); ok {
		if prev, isWindow := v.(WindowedCount); isWindow && now.Sub(prev.WindowStart) < window {
			next = WindowedCount{Requests: prev.Requests + 1, WindowStart: prev.WindowStart}
		}
	}
	if ttl == 0 {
		ttl = window * 2
	}
	c.Put(key, next, ttl)
	return next
}

// ClearOptions tunes ClearNamespace.
type ClearOptions struct {
	Async     bool
	BatchSize int
}

// ClearNamespace deletes every key with the "ns:" prefix. When the namespace
// index has an entry for ns it drives the deletion; otherwise a full key scan
// runs (and the index converges as a side effect). With Async set the work
// happens on a background goroutine and the returned count is zero.
func (c *Cache) ClearNamespace(ns string, opts ClearOptions) (int, bool) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultClearBatch
	}
	if opts.Async {
		go c.clearNamespaceSync(ns, opts.BatchSize)
		return 0, true
	}
	return c.clearNamespaceSync(ns, opts.BatchSize), false
}

func (c *Cache) clearNamespaceSync(ns string, batchSize int) int {
	prefix := ns + ":"
	removed := 0
	for {
		batch := make([]string, 0, batchSize)
		c.mu.RLock()
		if keys, ok := c.index[ns]; ok && len(keys) > 0 {
			for k := range keys {
				batch = append(batch, k)
				if len(batch) == batchSize {
					break
				}
			}
		} else {
			for k := range c.items {
				if strings.HasPrefix(k, prefix) {
					batch = append(batch, k)
					if len(batch) == batchSize {
						break
					}
				}
			}
		}
		c.mu.RUnlock()

		if len(batch) == 0 {
			return removed
		}
		c.mu.Lock()
		for _, k := range batch {
			if _, ok := c.items[k]; ok {
				c.removeLocked(k)
				removed++
			} else {
				// Stale index entry; drop it so the index converges.
				c.unindexLocked(k)
			}
		}
		c.mu.Unlock()
		if len(batch) < batchSize {
			return removed
		}
	}
}

// GetBatch returns the present, unexpired values for keys.
func (c *Cache) GetBatch(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// PutBatch stores all entries with the default TTL.
func (c *Cache) PutBatch(entries map[string]any) {
	c.mu.Lock()
	for k, v := range entries {
		c.putLocked(k, v, 0)
	}
	c.evictIfNeededLocked()
	c.mu.Unlock()
}

// PutBatchWithTTL stores entries grouped by their explicit TTLs.
func (c *Cache) PutBatchWithTTL(entries []Entry) {
	c.mu.Lock()
	for _, e := range entries {
		c.putLocked(e.Key, e.Value, e.TTL)
	}
	c.evictIfNeededLocked()
	c.mu.Unlock()
}

// Size returns the current number of entries, including any not yet lazily
// expired.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// GetStats returns a snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:       len(c.items),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions,
		Expired:    c.expired,
		Namespaces: len(c.index),
	}
}

// ListNamespaces returns the known namespaces. With useIndex it reads the
// namespace index; otherwise it scans all keys.
func (c *Cache) ListNamespaces(useIndex bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	if useIndex {
		for ns, keys := range c.index {
			if len(keys) > 0 {
				seen[ns] = struct{}{}
			}
		}
	} else {
		for k := range c.items {
			seen[Namespace(k)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// IndexedKeys returns the indexed keys for a namespace, for diagnostics.
func (c *Cache) IndexedKeys(ns string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := c.index[ns]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) putLocked(key string, value any, ttl time.Duration) {
	var deadline time.Time
	switch {
	case ttl == NoExpiry:
	case ttl == 0:
		deadline = time.Now().Add(c.opts.DefaultTTL)
	default:
		deadline = time.Now().Add(ttl)
	}
	c.items[key] = &item{value: value, expiresAt: deadline}
	ns := Namespace(key)
	keys, ok := c.index[ns]
	if !ok {
		keys = make(map[string]struct{})
		c.index[ns] = keys
	}
	keys[key] = struct{}{}
}

func (c *Cache) removeLocked(key string) {
	delete(c.items, key)
	c.unindexLocked(key)
}

func (c *Cache) unindexLocked(key string) {
	ns := Namespace(key)
	if keys, ok := c.index[ns]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.index, ns)
		}
	}
}

// evictIfNeededLocked applies the random-eviction policy: above 90% of the
// limit, drop 10% of entries; above the limit, drop 30%. Protected namespaces
// are skipped.
func (c *Cache) evictIfNeededLocked() {
	size := len(c.items)
	limit := c.opts.MaxEntries
	var fraction float64
	switch {
	case size > limit:
		fraction = evictHardFraction
	case float64(size) > evictSoftRatio*float64(limit):
		fraction = evictSoftFraction
	default:
		return
	}

	target := int(float64(size) * fraction)
	// Map iteration order is effectively random, which is the point.
	for k := range c.items {
		if target == 0 {
			return
		}
		if _, exempt := c.protected[Namespace(k)]; exempt {
			continue
		}
		c.removeLocked(k)
		c.evictions++
		if c.hooks.OnEvict != nil {
			c.hooks.OnEvict(Namespace(k))
		}
		target--
	}
}

func stripeFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % counterStripeBuckets)
}
