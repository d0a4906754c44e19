// Package store implements the local store: durable, transactional,
// queryable storage that the rest of the application treats as
// always-available ground truth.
package store

import (
	"container/list"
	"sync"

	"github.com/kimhsiao/famrx/backend/internal/models"
)

// entityCache is a bounded LRU read cache in front of Get. It is owned
// by the Store, not shared process-wide, and holds copies so callers
// can never mutate a cached entry in place.
type entityCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	items   map[string]*list.Element
}

type cacheEntry struct {
	key    string
	entity models.Entity
}

func newEntityCache(maxSize int) *entityCache {
	return &entityCache{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

func cacheKey(t models.EntityType, id models.UUID) string {
	return string(t) + "/" + string(id)
}

func (c *entityCache) get(t models.EntityType, id models.UUID) (*models.Entity, bool) {
	if c.maxSize <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cacheKey(t, id)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*cacheEntry).entity
	return &e, true
}

func (c *entityCache) put(e *models.Entity) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(e.Type, e.ID)
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).entity = *e
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&cacheEntry{key: key, entity: *e})
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *entityCache) invalidate(t models.EntityType, id models.UUID) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(t, id)
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *entityCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
