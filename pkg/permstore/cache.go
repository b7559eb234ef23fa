package permstore

import (
	"container/list"

	"github.com/concoursedb/concourse/pkg/value"
)

// recordCache is the soft-reference record cache described in §4.2: an
// LRU-with-capacity cache of recently materialized records (the
// replayed table-index state for one locator), evicted on pressure.
// The teacher has no analogous cache (its B+Tree pages are the cache);
// this is net-new, grounded in the design note "Caches" and sized by
// entry count rather than a true memory budget.
type recordCache struct {
	capacity int
	order    *list.List
	entries  map[cacheKey]*list.Element
}

type cacheKey struct {
	record uint64
	at     uint64
}

type cacheItem struct {
	key   cacheKey
	value map[string]map[value.Value]struct{}
}

func newRecordCache(capacity int) *recordCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &recordCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[cacheKey]*list.Element),
	}
}

func (c *recordCache) get(record, at uint64) (map[string]map[value.Value]struct{}, bool) {
	key := cacheKey{record, at}
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).value, true
}

func (c *recordCache) put(record, at uint64, v map[string]map[value.Value]struct{}) {
	key := cacheKey{record, at}
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).value = v
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheItem{key: key, value: v})
	c.entries[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).key)
	}
}

// invalidate drops every cached snapshot of record, since a new Accept
// for it makes the "now" snapshot (and any at >= the new Write's
// version) stale. Snapshots at an earlier `at` remain historically
// correct, but dropping all of them trades a few avoidable
// recomputations for the simplicity of not tracking per-entry
// validity windows.
func (c *recordCache) invalidate(record uint64) {
	for key, el := range c.entries {
		if key.record == record {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}
