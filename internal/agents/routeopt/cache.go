package routeopt

import (
	"container/list"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

// cacheKey identifies a route request: the rounded start position plus the
// sorted stop ids. Hashed with hashstructure so map keys stay small.
type cacheKey struct {
	Start   dispatch.LatLng
	StopIDs []string
}

func keyFor(start dispatch.LatLng, stopIDs []string) (uint64, error) {
	return hashstructure.Hash(cacheKey{Start: geo.Round4(start), StopIDs: stopIDs}, hashstructure.FormatV2, nil)
}

type cacheEntry struct {
	key       uint64
	route     dispatch.Route
	expiresAt time.Time
}

// routeCache is a TTL cache with an LRU size bound. Reads and writes are
// serialised; entries expire after ttl and the least recently used entry is
// evicted once maxEntries is reached.
type routeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	entries    map[uint64]*list.Element
}

func newRouteCache(ttl time.Duration, maxEntries int) *routeCache {
	return &routeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[uint64]*list.Element),
	}
}

func (c *routeCache) get(key uint64, now time.Time) (dispatch.Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return dispatch.Route{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return dispatch.Route{}, false
	}
	c.order.MoveToFront(elem)
	return entry.route, true
}

func (c *routeCache) put(key uint64, route dispatch.Route, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.route = route
		entry.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	elem := c.order.PushFront(&cacheEntry{key: key, route: route, expiresAt: now.Add(c.ttl)})
	c.entries[key] = elem
}

func (c *routeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
