// Package cache provides the memoization layer for visual text extraction.
// Extraction runs against an external service and is the most expensive call
// the bridge makes, so results are keyed by screenshot content and reused
// until the screen changes or the entry ages out.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"Tether/pkg/types"
)

// Entry is one cached extraction result. Entries are immutable once stored.
type Entry struct {
	Text     string              // full extracted text
	Boxes    []types.BoundingBox // positioned text boxes
	CachedAt time.Time
}

// ExtractionCache is an LRU cache with per-entry TTL. Both Get and Set move
// the touched entry to the front; eviction removes the least recently used
// entry when the cache is full. Expired entries count as misses and are
// dropped when touched.
type ExtractionCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	items   map[string]*list.Element

	now func() time.Time
}

type cacheRecord struct {
	key   string
	entry Entry
}

// NewExtractionCache creates a cache holding at most maxSize entries, each
// valid for ttl after insertion.
func NewExtractionCache(maxSize int, ttl time.Duration) *ExtractionCache {
	if maxSize <= 0 {
		maxSize = 50
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ExtractionCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Key derives a cache key from the screenshot content, its capture time and
// the optional search text. Identical screens produce identical keys, so a
// repeated extraction within the TTL is free.
func Key(screenshot []byte, mtime int64, searchText string) string {
	h := sha256.New()
	h.Write(screenshot)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(mtime))
	h.Write(buf[:])
	if searchText != "" {
		h.Write([]byte{0})
		h.Write([]byte(searchText))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry for key if present and fresh.
func (c *ExtractionCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	rec := elem.Value.(*cacheRecord)
	if c.now().Sub(rec.entry.CachedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.items, key)
		return Entry{}, false
	}
	c.order.MoveToFront(elem)
	return rec.entry, true
}

// Set stores an entry under key, evicting the least recently used entry if
// the cache is full. Storing an existing key refreshes it.
func (c *ExtractionCache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.CachedAt.IsZero() {
		entry.CachedAt = c.now()
	}

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheRecord).entry = entry
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheRecord).key)
		}
	}

	c.items[key] = c.order.PushFront(&cacheRecord{key: key, entry: entry})
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been touched.
func (c *ExtractionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry.
func (c *ExtractionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}
