package opcontext

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultExpansionEntries bounds an ExpansionCache by entry count when the
// caller doesn't configure one explicitly.
const DefaultExpansionEntries = 4096

type expansionEntry struct {
	value     []byte
	sizeBytes int64
}

// ExpansionCache is an LRU keyed by the fingerprint of a (canonical url,
// expansion parameters) pair, per §4.7. Beyond its entry-count bound, it
// also tracks approximate resident size; when MaxBytes is crossed, the
// oldest half of entries is evicted in one sweep on the same 5-minute tick
// ResourceCache prunes on.
type ExpansionCache struct {
	MaxBytes int64 // 0 disables the byte-size threshold

	mu       sync.Mutex
	cache    *lru.Cache[string, expansionEntry]
	curBytes int64

	stop chan struct{}
	once sync.Once
}

// NewExpansionCache returns an ExpansionCache bounded by maxEntries (count)
// and maxBytes (0 disables the byte threshold), with its background
// eviction tick already running.
func NewExpansionCache(maxEntries int, maxBytes int64) *ExpansionCache {
	if maxEntries <= 0 {
		maxEntries = DefaultExpansionEntries
	}
	c := &ExpansionCache{
		MaxBytes: maxBytes,
		stop:     make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[string, expansionEntry](maxEntries, c.onEvict)
	if err != nil {
		// Only returns an error for a non-positive size, which is excluded
		// above.
		panic(err)
	}
	c.cache = cache
	go c.pruneLoop()
	return c
}

// onEvict keeps curBytes accurate whenever the LRU drops an entry on its
// own, whether from the count bound or from evictOldestHalf's explicit
// Remove calls. Called with c.mu already held by the caller that triggered
// the eviction.
func (c *ExpansionCache) onEvict(key string, value expansionEntry) {
	c.curBytes -= value.sizeBytes
}

// Fingerprint returns the cache key for canonicalURL scoped by a
// pre-computed expansion-parameters fingerprint (the caller hashes its own
// parameter set; this just joins the two halves into one key).
func Fingerprint(canonicalURL, paramsFingerprint string) string {
	return canonicalURL + "#" + paramsFingerprint
}

// Get returns the cached expansion body for key, if present.
func (c *ExpansionCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Put stores value under key, evicting the least-recently-used entry if the
// entry-count bound is exceeded. onEvict keeps curBytes in sync with
// whatever Add evicts; a key replaced in place is not an eviction, so its
// old size is subtracted here via Peek.
func (c *ExpansionCache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.cache.Peek(key); ok {
		c.curBytes -= old.sizeBytes
	}
	size := int64(len(value))
	c.cache.Add(key, expansionEntry{value: value, sizeBytes: size})
	c.curBytes += size
}

// Len reports the number of resident entries.
func (c *ExpansionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// evictOldestHalf drops the least-recently-used half of entries, called
// when MaxBytes is crossed.
func (c *ExpansionCache) evictOldestHalf() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MaxBytes <= 0 || c.curBytes <= c.MaxBytes {
		return 0
	}
	keys := c.cache.Keys() // oldest first
	n := len(keys) / 2
	for _, k := range keys[:n] {
		c.cache.Remove(k) // onEvict keeps curBytes in sync
	}
	return n
}

func (c *ExpansionCache) pruneLoop() {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.evictOldestHalf()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background eviction loop. Safe to call more than once.
func (c *ExpansionCache) Close() {
	c.once.Do(func() { close(c.stop) })
}
