package guardian

import (
	"container/list"
	"sync"
)

// resultCache is a fixed-capacity LRU over evaluation results, stamped with
// the ruleset version it was filled under. A version change clears it
// wholesale; entries are never invalidated selectively, so a cached result is
// by construction never stale relative to the active ruleset.
type resultCache struct {
	mu      sync.Mutex
	max     int
	version uint64
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key     string
	matches []Match
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

// Get returns the cached matches for key under the given ruleset version.
func (c *resultCache) Get(version uint64, key string) ([]Match, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != version {
		c.clearLocked(version)
		return nil, false
	}

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	out := make([]Match, len(item.matches))
	copy(out, item.matches)
	return out, true
}

// Add stores matches for key, evicting the least recently used entry past
// capacity. Results from an older ruleset version are discarded.
func (c *resultCache) Add(version uint64, key string, matches []Match) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != version {
		c.clearLocked(version)
	}

	stored := make([]Match, len(matches))
	copy(stored, matches)

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, matches: stored}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, matches: stored})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

// Len reports the number of live entries.
func (c *resultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *resultCache) clearLocked(version uint64) {
	c.version = version
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
