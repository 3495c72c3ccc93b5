package models

import "time"

// Package is the registry's record of one named package and all of its
// published versions. Versions are kept in publish order. Uploaders may
// contain duplicate emails: AddVersion appends the publishing identity
// unconditionally so the list doubles as an audit trail.
type Package struct {
	Name      string    `json:"name"`
	Private   bool      `json:"private"`
	Uploaders []string  `json:"uploaders"`
	Downloads int64     `json:"downloads"`
	Versions  []Version `json:"versions"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LatestVersion returns the most recently published version record, or nil
// for an empty version list (which a stored package never has).
func (p *Package) LatestVersion() *Version {
	if len(p.Versions) == 0 {
		return nil
	}
	return &p.Versions[len(p.Versions)-1]
}

// HasUploader reports whether email is in the package's uploader set.
func (p *Package) HasUploader(email string) bool {
	for _, u := range p.Uploaders {
		if u == email {
			return true
		}
	}
	return false
}

// Version is one published revision of a package. Pubspec holds the parsed
// manifest document; PubspecYAML keeps the raw text as uploaded.
type Version struct {
	Version     string         `json:"version"`
	Pubspec     map[string]any `json:"pubspec"`
	PubspecYAML string         `json:"pubspec_yaml"`
	Uploader    string         `json:"uploader,omitempty"`
	Readme      string         `json:"readme,omitempty"`
	Changelog   string         `json:"changelog,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Dependencies returns the keys of the manifest's dependencies mapping,
// or nil when the manifest declares none.
func (v *Version) Dependencies() []string {
	deps, ok := v.Pubspec["dependencies"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	return names
}

// ListOptions selects and pages a package listing. Filters are conjunctive.
type ListOptions struct {
	Size       int
	Page       int
	Sort       string
	Keyword    string
	Uploader   string
	Dependency string
}

// PackageList is one page of a listing plus the total match count before
// pagination.
type PackageList struct {
	Count    int       `json:"count"`
	Packages []Package `json:"packages"`
}

// CachedResponse is a memoized API response owned by the response cache.
type CachedResponse struct {
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	StatusCode int               `json:"status_code"`
	CachedAt   time.Time         `json:"cached_at"`
	MaxAge     time.Duration     `json:"max_age"`

	// Stale is set when an expired entry is served because refreshing it
	// failed. Never persisted.
	Stale bool `json:"-"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (c *CachedResponse) Expired(now time.Time) bool {
	return now.After(c.CachedAt.Add(c.MaxAge))
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type PublishResponse struct {
	Package     string `json:"package"`
	Version     string `json:"version"`
	PublishedAt string `json:"published_at"`
}
