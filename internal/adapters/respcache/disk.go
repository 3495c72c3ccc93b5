package respcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pubvault/pubvault/internal/core/models"
	"github.com/pubvault/pubvault/internal/util/integrity"
)

// DiskBackend stores one JSON file per key under a directory, so cached
// responses survive restarts. Filenames are the SHA256 of the key.
type DiskBackend struct {
	dir string
}

func NewDiskBackend(dir string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &DiskBackend{dir: dir}, nil
}

func (d *DiskBackend) path(key string) string {
	return filepath.Join(d.dir, integrity.KeyDigest(key)+".json")
}

func (d *DiskBackend) Get(key string) (*models.CachedResponse, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, false
	}
	var resp models.CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// A garbled record is a miss, not a failure.
		return nil, false
	}
	return &resp, true
}

func (d *DiskBackend) Put(key string, resp *models.CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding cached response: %w", err)
	}
	if err := os.WriteFile(d.path(key), data, 0o644); err != nil {
		return fmt.Errorf("writing cached response: %w", err)
	}
	return nil
}
