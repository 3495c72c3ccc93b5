package respcache

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pubvault/pubvault/internal/core/models"
)

var backendFixtures = map[string]func(t *testing.T) Backend{
	"memory": func(t *testing.T) Backend {
		t.Helper()
		return NewMemoryBackend()
	},
	"disk": func(t *testing.T) Backend {
		t.Helper()
		backend, err := NewDiskBackend(t.TempDir())
		if err != nil {
			t.Fatalf("NewDiskBackend: %v", err)
		}
		return backend
	},
}

func runBoth(t *testing.T, fn func(t *testing.T, backend Backend)) {
	for name, newBackend := range backendFixtures {
		t.Run(name, func(t *testing.T) {
			fn(t, newBackend(t))
		})
	}
}

func sampleResponse(body string) *models.CachedResponse {
	return &models.CachedResponse{
		Body:       []byte(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
		StatusCode: 200,
	}
}

// waitForPut polls the backend until the asynchronous persist lands.
func waitForPut(t *testing.T, backend Backend, key string) *models.CachedResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, ok := backend.Get(key); ok {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cached entry for %q never appeared", key)
	return nil
}

func TestBackendRoundTrip(t *testing.T) {
	runBoth(t, func(t *testing.T, backend Backend) {
		want := sampleResponse(`{"name":"foo"}`)
		want.CachedAt = time.Now().UTC().Truncate(time.Second)
		want.MaxAge = time.Minute

		if err := backend.Put("k", want); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, ok := backend.Get("k")
		if !ok {
			t.Fatal("expected hit")
		}
		if !bytes.Equal(got.Body, want.Body) {
			t.Errorf("body = %q, want %q", got.Body, want.Body)
		}
		if got.Headers["Content-Type"] != "application/json" {
			t.Errorf("headers = %v", got.Headers)
		}
		if got.StatusCode != 200 {
			t.Errorf("status = %d, want 200", got.StatusCode)
		}

		if _, ok := backend.Get("other"); ok {
			t.Error("expected miss for unknown key")
		}
	})
}

func TestWrapCachesAndShortCircuits(t *testing.T) {
	runBoth(t, func(t *testing.T, backend Backend) {
		cache := New(backend, zerolog.Nop())

		calls := 0
		op := func() (*models.CachedResponse, error) {
			calls++
			return sampleResponse("fresh"), nil
		}

		resp, err := cache.Wrap("k", time.Minute, op)
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		if string(resp.Body) != "fresh" || resp.Stale {
			t.Errorf("resp = %+v", resp)
		}
		waitForPut(t, backend, "k")

		resp, err = cache.Wrap("k", time.Minute, op)
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		if calls != 1 {
			t.Errorf("op calls = %d, want 1", calls)
		}
		if string(resp.Body) != "fresh" || resp.Stale {
			t.Errorf("cached resp = %+v", resp)
		}
	})
}

func TestWrapExpiryTriggersRefresh(t *testing.T) {
	runBoth(t, func(t *testing.T, backend Backend) {
		cache := New(backend, zerolog.Nop())
		now := time.Now()
		cache.now = func() time.Time { return now }

		calls := 0
		op := func() (*models.CachedResponse, error) {
			calls++
			return sampleResponse("v"), nil
		}

		if _, err := cache.Wrap("k", time.Minute, op); err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		waitForPut(t, backend, "k")

		entry, _ := backend.Get("k")
		if entry.Expired(now) {
			t.Error("entry should be fresh within TTL")
		}

		now = now.Add(2 * time.Minute)
		if !entry.Expired(now) {
			t.Error("entry should be expired after TTL")
		}

		if _, err := cache.Wrap("k", time.Minute, op); err != nil {
			t.Fatalf("Wrap after expiry: %v", err)
		}
		if calls != 2 {
			t.Errorf("op calls = %d, want 2 after expiry", calls)
		}
	})
}

func TestWrapStaleOnError(t *testing.T) {
	runBoth(t, func(t *testing.T, backend Backend) {
		cache := New(backend, zerolog.Nop())
		now := time.Now()
		cache.now = func() time.Time { return now }

		if _, err := cache.Wrap("k", time.Minute, func() (*models.CachedResponse, error) {
			return sampleResponse("old"), nil
		}); err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		waitForPut(t, backend, "k")

		now = now.Add(time.Hour)

		resp, err := cache.Wrap("k", time.Minute, func() (*models.CachedResponse, error) {
			return nil, errors.New("upstream unreachable")
		})
		if err != nil {
			t.Fatalf("expected stale fallback, got error: %v", err)
		}
		if !resp.Stale {
			t.Error("expected response to be marked stale")
		}
		if string(resp.Body) != "old" {
			t.Errorf("body = %q, want %q", resp.Body, "old")
		}
	})
}

func TestWrapPropagatesWithoutEntry(t *testing.T) {
	runBoth(t, func(t *testing.T, backend Backend) {
		cache := New(backend, zerolog.Nop())

		wantErr := errors.New("upstream unreachable")
		_, err := cache.Wrap("k", time.Minute, func() (*models.CachedResponse, error) {
			return nil, wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("expected propagated error, got %v", err)
		}
	})
}

func TestWrapSkipsNon2xx(t *testing.T) {
	runBoth(t, func(t *testing.T, backend Backend) {
		cache := New(backend, zerolog.Nop())

		resp := sampleResponse("missing")
		resp.StatusCode = 404
		if _, err := cache.Wrap("k", time.Minute, func() (*models.CachedResponse, error) {
			return resp, nil
		}); err != nil {
			t.Fatalf("Wrap: %v", err)
		}

		time.Sleep(50 * time.Millisecond)
		if _, ok := backend.Get("k"); ok {
			t.Error("non-2xx response must not be cached")
		}
	})
}

func TestDiskBackendGarbledRecordIsMiss(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDiskBackend(dir)
	if err != nil {
		t.Fatalf("NewDiskBackend: %v", err)
	}

	if err := backend.Put("k", sampleResponse("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Corrupt the record on disk.
	if err := os.WriteFile(backend.path("k"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupting record: %v", err)
	}

	if _, ok := backend.Get("k"); ok {
		t.Error("garbled record must read as a miss")
	}
}

func TestKey(t *testing.T) {
	if got := Key("GET", "/api/packages/foo", ""); got != "GET /api/packages/foo" {
		t.Errorf("key = %q", got)
	}
	if got := Key("GET", "/api/packages", "size=5&page=1"); got != "GET /api/packages?size=5&page=1" {
		t.Errorf("key = %q", got)
	}
}
