// Package tarball is the on-disk cache-aside store for package archives,
// backed by an upstream fetch.
package tarball

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pubvault/pubvault/internal/core/services"
	"github.com/pubvault/pubvault/internal/util/integrity"
)

// tmpSuffix marks in-flight downloads next to their canonical path.
const tmpSuffix = ".tmp"

const defaultFetchTimeout = 2 * time.Minute

// PathMapper maps (name, version) to a file path relative to the base
// directory.
type PathMapper func(name, version string) string

// DefaultPathMapper is the canonical "<name>-<version>.tar.gz" layout.
func DefaultPathMapper(name, version string) string {
	return fmt.Sprintf("%s-%s.tar.gz", name, version)
}

// Store caches package archives under a base directory. Files are only ever
// created whole (write to a temp sibling, validate, rename), never mutated in
// place, which keeps concurrent readers safe without locks.
type Store struct {
	baseDir  string
	upstream string
	pathOf   PathMapper
	client   *http.Client
	logger   zerolog.Logger
}

// NewStore creates a tarball store rooted at baseDir with the given upstream
// base URL. A nil mapper selects DefaultPathMapper.
func NewStore(baseDir, upstream string, mapper PathMapper, timeout time.Duration, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tarball directory: %w", err)
	}
	if mapper == nil {
		mapper = DefaultPathMapper
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Store{
		baseDir:  baseDir,
		upstream: upstream,
		pathOf:   mapper,
		client: &http.Client{
			Timeout: timeout,
			// A 3xx from upstream is a cache-fill failure, not a hop to follow.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger,
	}, nil
}

// filePath returns the canonical path for (name, version).
func (s *Store) filePath(name, version string) string {
	return filepath.Join(s.baseDir, s.pathOf(name, version))
}

// UpstreamURL resolves the upstream tarball URL for (name, version).
func (s *Store) UpstreamURL(name, version string) string {
	return s.upstream + "/packages/" + url.PathEscape(name) + "/versions/" + url.PathEscape(version) + ".tar.gz"
}

// Upload writes the archive bytes verbatim to the canonical path, creating
// parent directories as needed. Always overwrites; duplicate-version policy
// is the caller's job.
func (s *Store) Upload(name, version string, r io.Reader) error {
	path := s.filePath(name, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

// Download opens the canonical file for streaming read.
func (s *Store) Download(name, version string) (io.ReadCloser, error) {
	f, err := os.Open(s.filePath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: archive %s@%s", services.ErrNotFound, name, version)
		}
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return f, nil
}

// HasCachedFile reports whether a valid archive is cached for (name, version).
// A file that exists but fails the gzip check counts as not cached; that
// shields readers from truncated files left by a crashed earlier attempt.
func (s *Store) HasCachedFile(name, version string) bool {
	return integrity.CheckGzipFile(s.filePath(name, version))
}

// DownloadAndCache ensures a valid archive is cached, fetching from upstream
// when needed, and reports success. Concurrent fills for the same pair may
// both fetch; each rename publishes an independently validated file, so the
// race costs bandwidth, not correctness.
func (s *Store) DownloadAndCache(name, version string) bool {
	if s.HasCachedFile(name, version) {
		return true
	}

	path := s.filePath(name, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error().Err(err).Str("package", name).Msg("creating archive directory")
		return false
	}

	fetchURL := s.UpstreamURL(name, version)
	resp, err := s.client.Get(fetchURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", fetchURL).Msg("upstream fetch failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn().Int("status", resp.StatusCode).Str("url", fetchURL).Msg("upstream returned non-200")
		return false
	}

	tmpPath := path + tmpSuffix
	if !s.writeTemp(tmpPath, resp.Body) {
		return false
	}

	if !integrity.CheckGzipFile(tmpPath) {
		s.logger.Warn().Str("url", fetchURL).Msg("fetched archive failed integrity check")
		os.Remove(tmpPath)
		return false
	}

	// Rename is the sole publication step; readers never see a partial file.
	if err := os.Rename(tmpPath, path); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("publishing archive")
		os.Remove(tmpPath)
		return false
	}

	s.logger.Info().
		Str("package", name).
		Str("version", version).
		Msg("archive cached from upstream")
	return true
}

// writeTemp streams body into tmpPath, removing the file on any failure.
func (s *Store) writeTemp(tmpPath string, body io.Reader) bool {
	tmp, err := os.Create(tmpPath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", tmpPath).Msg("creating temp file")
		return false
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.logger.Warn().Err(err).Str("path", tmpPath).Msg("streaming upstream body")
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.logger.Error().Err(err).Str("path", tmpPath).Msg("closing temp file")
		return false
	}
	return true
}
