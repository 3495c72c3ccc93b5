package services

import (
	"io"
	"time"

	"github.com/pubvault/pubvault/internal/core/models"
)

// MetaStore is the durable record of packages, versions, uploaders and
// download statistics. Two backends implement it (SQLite and LevelDB); both
// must behave identically and pass the shared conformance suite.
type MetaStore interface {
	// QueryPackage returns the full package with all versions and uploaders,
	// or (nil, nil) if the package is unknown. A miss is not an error.
	QueryPackage(name string) (*models.Package, error)

	// AddVersion creates the package (private, zero downloads) with this as
	// its only version, or appends the version and its uploader to an
	// existing package. Atomic: concurrent readers see either the old or the
	// new version list, never a torn state. The uploader is appended
	// unconditionally; duplicate-version policy is the caller's job.
	AddVersion(name string, version models.Version) error

	// AddUploader adds email to the package's uploader set. No-op if the
	// package does not exist or the email is already present.
	AddUploader(name, email string) error

	// RemoveUploader removes every occurrence of email from the package's
	// uploader set. No-op if the package or email is absent.
	RemoveUploader(name, email string) error

	// IncreaseDownloads atomically increments the package's total download
	// counter and the current day's stat bucket.
	IncreaseDownloads(name, version string) error

	// QueryPackages returns one page of packages matching the options, plus
	// the total match count before pagination.
	QueryPackages(opts models.ListOptions) (*models.PackageList, error)

	// Close closes the store.
	Close() error
}

// TarballStore is the on-disk cache-aside store for package archives.
type TarballStore interface {
	// Upload writes the archive bytes verbatim to the canonical path for
	// (name, version), overwriting any existing file.
	Upload(name, version string, r io.Reader) error

	// Download opens the canonical file for streaming read. Returns an error
	// wrapping ErrNotFound if the file is absent.
	Download(name, version string) (io.ReadCloser, error)

	// HasCachedFile reports whether a valid archive is cached: the file must
	// exist, be non-empty, and start with the gzip magic bytes.
	HasCachedFile(name, version string) bool

	// DownloadAndCache ensures the archive for (name, version) is cached,
	// fetching it from upstream when missing or invalid. Reports success;
	// failures never leave a partial file at the canonical path.
	DownloadAndCache(name, version string) bool

	// UpstreamURL resolves the upstream tarball URL for (name, version),
	// used to redirect clients when a cache-fill fails.
	UpstreamURL(name, version string) string
}

// ResponseCache memoizes computed API responses with TTL expiry and
// stale-on-error fallback.
type ResponseCache interface {
	// Wrap returns a fresh cached response for key when one exists. Otherwise
	// it invokes op; successful (2xx) results are persisted asynchronously.
	// If op fails and any prior entry exists, even an expired one, that entry
	// is returned marked stale instead of the error.
	Wrap(key string, maxAge time.Duration, op func() (*models.CachedResponse, error)) (*models.CachedResponse, error)
}

// Authenticator resolves request tokens to uploader identities.
type Authenticator interface {
	// Identify returns the uploader email for a valid token.
	Identify(token string) (email string, ok bool)
}
