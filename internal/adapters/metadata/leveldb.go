package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pubvault/pubvault/internal/core/models"
	"github.com/pubvault/pubvault/internal/core/services"
)

const (
	packagePrefix = "package:"
	statsPrefix   = "stats:"
)

// LevelDBStore implements MetaStore as a document store: one JSON document
// per package, daily stat counters under their own keys. Mutations are
// read-modify-write, serialized by a store-level mutex and applied through a
// write batch so a document is never observed half-updated.
type LevelDBStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// NewLevelDBStore opens or creates the LevelDB database under dataDir.
func NewLevelDBStore(dataDir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(filepath.Join(dataDir, "registry.leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) QueryPackage(name string) (*models.Package, error) {
	data, err := s.db.Get([]byte(packagePrefix+name), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting package: %w", err)
	}

	var pkg models.Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("decoding package document: %w", err)
	}
	return &pkg, nil
}

func (s *LevelDBStore) AddVersion(name string, version models.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}

	pkg, err := s.QueryPackage(name)
	if err != nil {
		return err
	}
	if pkg == nil {
		pkg = &models.Package{
			Name:      name,
			Private:   true,
			CreatedAt: now,
		}
	}
	for _, v := range pkg.Versions {
		if v.Version == version.Version {
			return fmt.Errorf("%w: version %s already exists", services.ErrConflict, version.Version)
		}
	}

	pkg.Versions = append(pkg.Versions, version)
	if version.Uploader != "" {
		// Unconditional append: the uploader list is an audit trail.
		pkg.Uploaders = append(pkg.Uploaders, version.Uploader)
	}
	pkg.UpdatedAt = now

	return s.putPackage(pkg, nil)
}

func (s *LevelDBStore) AddUploader(name, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, err := s.QueryPackage(name)
	if err != nil || pkg == nil {
		return err
	}
	if pkg.HasUploader(email) {
		return nil
	}
	pkg.Uploaders = append(pkg.Uploaders, email)
	return s.putPackage(pkg, nil)
}

func (s *LevelDBStore) RemoveUploader(name, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, err := s.QueryPackage(name)
	if err != nil || pkg == nil {
		return err
	}

	kept := pkg.Uploaders[:0]
	for _, u := range pkg.Uploaders {
		if u != email {
			kept = append(kept, u)
		}
	}
	if len(kept) == len(pkg.Uploaders) {
		return nil
	}
	pkg.Uploaders = kept
	return s.putPackage(pkg, nil)
}

func (s *LevelDBStore) IncreaseDownloads(name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, err := s.QueryPackage(name)
	if err != nil {
		return err
	}
	if pkg == nil {
		return fmt.Errorf("%w: package %s", services.ErrNotFound, name)
	}
	pkg.Downloads++

	statKey := statsPrefix + name + ":" + today()
	count, err := s.readCounter(statKey)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(statKey), []byte(strconv.FormatInt(count+1, 10)))
	return s.putPackage(pkg, batch)
}

func (s *LevelDBStore) QueryPackages(opts models.ListOptions) (*models.PackageList, error) {
	size, page := normalizePaging(opts.Size, opts.Page)

	var matched []models.Package
	iter := s.db.NewIterator(util.BytesPrefix([]byte(packagePrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var pkg models.Package
		if err := json.Unmarshal(iter.Value(), &pkg); err != nil {
			return nil, fmt.Errorf("decoding package document: %w", err)
		}
		if matches(&pkg, opts) {
			matched = append(matched, pkg)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating packages: %w", err)
	}

	sortField := normalizeSort(opts.Sort)
	sort.Slice(matched, func(i, j int) bool {
		a, b := &matched[i], &matched[j]
		if sortField == sortByUpdated {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		} else if a.Downloads != b.Downloads {
			return a.Downloads > b.Downloads
		}
		return a.Name < b.Name
	})

	list := &models.PackageList{Count: len(matched), Packages: []models.Package{}}
	start := size * page
	if start < len(matched) {
		end := start + size
		if end > len(matched) {
			end = len(matched)
		}
		list.Packages = matched[start:end]
	}
	return list, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// putPackage serializes the document and writes it, together with any extra
// batched keys, in one atomic batch.
func (s *LevelDBStore) putPackage(pkg *models.Package, batch *leveldb.Batch) error {
	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("encoding package document: %w", err)
	}
	if batch == nil {
		batch = new(leveldb.Batch)
	}
	batch.Put([]byte(packagePrefix+pkg.Name), data)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing package document: %w", err)
	}
	return nil
}

func (s *LevelDBStore) readCounter(key string) (int64, error) {
	data, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	count, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing counter %s: %w", key, err)
	}
	return count, nil
}

// dayCount reads one daily stat bucket; used by the conformance tests.
func (s *LevelDBStore) dayCount(name, day string) (int64, error) {
	return s.readCounter(statsPrefix + name + ":" + day)
}

func matches(pkg *models.Package, opts models.ListOptions) bool {
	if opts.Keyword != "" && !strings.Contains(pkg.Name, opts.Keyword) {
		return false
	}
	if opts.Uploader != "" && !pkg.HasUploader(opts.Uploader) {
		return false
	}
	if opts.Dependency != "" {
		found := false
		for _, v := range pkg.Versions {
			for _, dep := range v.Dependencies() {
				if dep == opts.Dependency {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
