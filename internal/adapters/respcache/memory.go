package respcache

import (
	gocache "github.com/patrickmn/go-cache"

	"github.com/pubvault/pubvault/internal/core/models"
)

// MemoryBackend keeps cached responses in process memory. Entries are stored
// without go-cache expiration: TTL is evaluated from the record so expired
// entries stay available for stale-on-error.
type MemoryBackend struct {
	cache *gocache.Cache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

func (m *MemoryBackend) Get(key string) (*models.CachedResponse, bool) {
	obj, found := m.cache.Get(key)
	if !found {
		return nil, false
	}
	resp := obj.(models.CachedResponse)
	return &resp, true
}

func (m *MemoryBackend) Put(key string, resp *models.CachedResponse) error {
	m.cache.Set(key, *resp, gocache.NoExpiration)
	return nil
}
