package rbac

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/actiongate/actiongate/internal/canonjson"
)

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key      uint64
	decision Decision
	prev     *lruEntry
	next     *lruEntry
}

// DecisionCache provides bounded LRU caching for permission decisions.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type DecisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewDecisionCache creates a new LRU cache with the given max size.
func NewDecisionCache(maxSize int) *DecisionCache {
	return &DecisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision. On hit, the entry is promoted to the
// head (most recently used).
func (c *DecisionCache) Get(key uint64) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return Decision{}, false
}

// Put stores a decision. At capacity, the least recently used entry is
// evicted.
func (c *DecisionCache) Put(key uint64, decision Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on policy reload.
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current cache size.
func (c *DecisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DecisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *DecisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *DecisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *DecisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// CacheKey hashes the full decision context. The policy revision is part of
// the key so a reload naturally misses without an explicit flush; Clear
// still bounds stale entries.
func CacheKey(revision int, verb, channel, role, actionType string, payload map[string]any, caseRisk *float64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(revision))
	for _, part := range []string{verb, channel, role, actionType} {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(part)
	}
	_, _ = d.WriteString("|")
	if payload != nil {
		if c, err := canonjson.Canonical(payload); err == nil {
			_, _ = d.Write(c)
		}
	}
	_, _ = d.WriteString("|")
	if caseRisk != nil {
		_, _ = d.WriteString(strconv.FormatFloat(*caseRisk, 'f', -1, 64))
	}
	return d.Sum64()
}
