// Package respcache memoizes computed API responses with TTL expiry and
// stale-on-error fallback.
package respcache

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/pubvault/pubvault/internal/core/models"
)

// Backend stores cached responses by key. Implementations keep expired
// entries retrievable: expiry is computed from the record itself, and stale
// entries are what the fallback path serves.
type Backend interface {
	Get(key string) (*models.CachedResponse, bool)
	Put(key string, resp *models.CachedResponse) error
}

// Cache wraps response-producing operations with the memoization protocol.
// Construct one per process and inject it; there is no global instance.
type Cache struct {
	backend Backend
	logger  zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Cache over the given backend.
func New(backend Backend, logger zerolog.Logger) *Cache {
	return &Cache{backend: backend, logger: logger, now: time.Now}
}

// Key derives a cache key from the request method, path and query string.
func Key(method, path, rawQuery string) string {
	if rawQuery == "" {
		return method + " " + path
	}
	return method + " " + path + "?" + rawQuery
}

// Wrap applies the cache protocol to op:
//  1. A fresh entry short-circuits op entirely.
//  2. On a miss or expired entry, op runs.
//  3. Successful (2xx) results are persisted without blocking the caller.
//  4. If op fails and any prior entry exists, even an expired one, it is
//     returned marked stale; the failure propagates only with no entry at all.
func (c *Cache) Wrap(key string, maxAge time.Duration, op func() (*models.CachedResponse, error)) (*models.CachedResponse, error) {
	cached, ok := c.backend.Get(key)
	if ok && !cached.Expired(c.now()) {
		return cached, nil
	}

	resp, err := op()
	if err != nil {
		if cached != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("serving stale cached response")
			stale := *cached
			stale.Stale = true
			return &stale, nil
		}
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		record := *resp
		record.CachedAt = c.now()
		record.MaxAge = maxAge
		go func() {
			if err := c.backend.Put(key, &record); err != nil {
				c.logger.Warn().Err(err).Str("key", key).Msg("caching response failed")
			}
		}()
	}
	return resp, nil
}
