// Package metadata provides the two MetaStore backends: a relational one on
// SQLite and a document-oriented one on LevelDB. Both implement the same
// contract and are covered by one conformance test suite.
package metadata

import "time"

// Recognized sort fields for package listings. Unknown values fall back to
// download count.
const (
	sortByDownloads = "downloads"
	sortByUpdated   = "updated"
)

const defaultPageSize = 10

// today returns the current calendar day in YYYYMMDD form, process-local
// time zone.
func today() string {
	return time.Now().Format("20060102")
}

func normalizeSort(sort string) string {
	if sort == sortByUpdated {
		return sortByUpdated
	}
	return sortByDownloads
}

func normalizePaging(size, page int) (int, int) {
	if size <= 0 {
		size = defaultPageSize
	}
	if page < 0 {
		page = 0
	}
	return size, page
}
