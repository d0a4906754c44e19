package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kimhsiao/famrx/backend/internal/models"
)

func cachedEntity(id string) *models.Entity {
	return &models.Entity{
		ID:       models.UUID(id),
		Type:     models.EntityTypeMedication,
		Revision: 1,
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newEntityCache(2)

	c.put(cachedEntity("a"))
	c.put(cachedEntity("b"))
	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.get(models.EntityTypeMedication, "a")
	assert.True(t, ok)

	c.put(cachedEntity("c"))
	assert.Equal(t, 2, c.len())

	_, ok = c.get(models.EntityTypeMedication, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.get(models.EntityTypeMedication, "a")
	assert.True(t, ok)
	_, ok = c.get(models.EntityTypeMedication, "c")
	assert.True(t, ok)
}

func TestCacheReturnsCopies(t *testing.T) {
	c := newEntityCache(4)
	c.put(cachedEntity("a"))

	first, ok := c.get(models.EntityTypeMedication, "a")
	assert.True(t, ok)
	first.Revision = 99

	second, _ := c.get(models.EntityTypeMedication, "a")
	assert.Equal(t, int64(1), second.Revision, "callers must not mutate cached state")
}

func TestCacheDisabled(t *testing.T) {
	c := newEntityCache(0)
	c.put(cachedEntity("a"))

	_, ok := c.get(models.EntityTypeMedication, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}

func TestCacheInvalidate(t *testing.T) {
	c := newEntityCache(4)
	c.put(cachedEntity("a"))
	c.invalidate(models.EntityTypeMedication, "a")

	_, ok := c.get(models.EntityTypeMedication, "a")
	assert.False(t, ok)
}
