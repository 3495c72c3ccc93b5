package metadata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pubvault/pubvault/internal/core/models"
	"github.com/pubvault/pubvault/internal/core/services"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MetaStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the SQLite database and runs migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := dataDir + "/registry.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS packages (
			name       TEXT PRIMARY KEY,
			private    INTEGER NOT NULL DEFAULT 1,
			downloads  INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS versions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			package      TEXT NOT NULL,
			version      TEXT NOT NULL,
			pubspec      TEXT NOT NULL,
			pubspec_yaml TEXT NOT NULL,
			deps         TEXT NOT NULL DEFAULT '',
			uploader     TEXT NOT NULL DEFAULT '',
			readme       TEXT NOT NULL DEFAULT '',
			changelog    TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			UNIQUE(package, version),
			FOREIGN KEY (package) REFERENCES packages(name)
		);
		CREATE TABLE IF NOT EXISTS uploaders (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			package TEXT NOT NULL,
			email   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS daily_stats (
			package TEXT NOT NULL,
			day     TEXT NOT NULL,
			count   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (package, day)
		);
		CREATE INDEX IF NOT EXISTS idx_versions_package ON versions(package);
		CREATE INDEX IF NOT EXISTS idx_uploaders_package ON uploaders(package);
	`)
	return err
}

func (s *SQLiteStore) QueryPackage(name string) (*models.Package, error) {
	var pkg models.Package
	err := s.db.QueryRow(
		"SELECT name, private, downloads, created_at, updated_at FROM packages WHERE name = ?", name,
	).Scan(&pkg.Name, &pkg.Private, &pkg.Downloads, &pkg.CreatedAt, &pkg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting package: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT version, pubspec, pubspec_yaml, uploader, readme, changelog, created_at
		FROM versions WHERE package = ? ORDER BY id
	`, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v models.Version
		var pubspecJSON string
		if err := rows.Scan(&v.Version, &pubspecJSON, &v.PubspecYAML, &v.Uploader, &v.Readme, &v.Changelog, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		if err := json.Unmarshal([]byte(pubspecJSON), &v.Pubspec); err != nil {
			return nil, fmt.Errorf("decoding manifest for %s@%s: %w", name, v.Version, err)
		}
		pkg.Versions = append(pkg.Versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	urows, err := s.db.Query("SELECT email FROM uploaders WHERE package = ? ORDER BY id", name)
	if err != nil {
		return nil, fmt.Errorf("listing uploaders: %w", err)
	}
	defer urows.Close()

	for urows.Next() {
		var email string
		if err := urows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scanning uploader: %w", err)
		}
		pkg.Uploaders = append(pkg.Uploaders, email)
	}
	return &pkg, urows.Err()
}

func (s *SQLiteStore) AddVersion(name string, version models.Version) error {
	pubspecJSON, err := json.Marshal(version.Pubspec)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	now := time.Now().UTC()
	createdAt := version.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO packages (name, private, downloads, created_at, updated_at)
		VALUES (?, 1, 0, ?, ?)
		ON CONFLICT(name) DO UPDATE SET updated_at = excluded.updated_at
	`, name, now, now)
	if err != nil {
		return fmt.Errorf("upserting package: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO versions (package, version, pubspec, pubspec_yaml, deps, uploader, readme, changelog, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, name, version.Version, string(pubspecJSON), version.PubspecYAML,
		encodeDeps(version.Dependencies()), version.Uploader, version.Readme, version.Changelog, createdAt)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: version %s already exists", services.ErrConflict, version.Version)
		}
		return fmt.Errorf("inserting version: %w", err)
	}

	// Unconditional append: the uploader list is an audit trail.
	if version.Uploader != "" {
		if _, err := tx.Exec("INSERT INTO uploaders (package, email) VALUES (?, ?)", name, version.Uploader); err != nil {
			return fmt.Errorf("appending uploader: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddUploader(name, email string) error {
	_, err := s.db.Exec(`
		INSERT INTO uploaders (package, email)
		SELECT ?, ?
		WHERE EXISTS (SELECT 1 FROM packages WHERE name = ?)
		  AND NOT EXISTS (SELECT 1 FROM uploaders WHERE package = ? AND email = ?)
	`, name, email, name, name, email)
	if err != nil {
		return fmt.Errorf("adding uploader: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveUploader(name, email string) error {
	_, err := s.db.Exec("DELETE FROM uploaders WHERE package = ? AND email = ?", name, email)
	if err != nil {
		return fmt.Errorf("removing uploader: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncreaseDownloads(name, version string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec("UPDATE packages SET downloads = downloads + 1 WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("incrementing downloads: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: package %s", services.ErrNotFound, name)
	}

	_, err = tx.Exec(`
		INSERT INTO daily_stats (package, day, count) VALUES (?, ?, 1)
		ON CONFLICT(package, day) DO UPDATE SET count = count + 1
	`, name, today())
	if err != nil {
		return fmt.Errorf("incrementing daily stat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing download stat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryPackages(opts models.ListOptions) (*models.PackageList, error) {
	size, page := normalizePaging(opts.Size, opts.Page)

	var where []string
	var args []any
	if opts.Keyword != "" {
		where = append(where, `p.name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(opts.Keyword)+"%")
	}
	if opts.Uploader != "" {
		where = append(where, "EXISTS (SELECT 1 FROM uploaders u WHERE u.package = p.name AND u.email = ?)")
		args = append(args, opts.Uploader)
	}
	if opts.Dependency != "" {
		where = append(where, `EXISTS (SELECT 1 FROM versions v WHERE v.package = p.name AND v.deps LIKE '%,' || ? || ',%' ESCAPE '\')`)
		args = append(args, escapeLike(opts.Dependency))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM packages p"+clause, args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting packages: %w", err)
	}

	order := "p.downloads DESC, p.name ASC"
	if normalizeSort(opts.Sort) == sortByUpdated {
		order = "p.updated_at DESC, p.name ASC"
	}

	query := "SELECT p.name FROM packages p" + clause +
		" ORDER BY " + order + " LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, append(args, size, size*page)...)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning package name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}

	list := &models.PackageList{Count: count, Packages: []models.Package{}}
	for _, n := range names {
		pkg, err := s.QueryPackage(n)
		if err != nil {
			return nil, err
		}
		if pkg != nil {
			list.Packages = append(list.Packages, *pkg)
		}
	}
	return list, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// dayCount reads one daily stat bucket; used by the conformance tests.
func (s *SQLiteStore) dayCount(name, day string) (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT count FROM daily_stats WHERE package = ? AND day = ?", name, day).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading daily stat: %w", err)
	}
	return count, nil
}

// encodeDeps flattens dependency names to ",a,b," so the dependency filter
// can match a single name with LIKE.
func encodeDeps(deps []string) string {
	if len(deps) == 0 {
		return ""
	}
	sort.Strings(deps)
	return "," + strings.Join(deps, ",") + ","
}

// escapeLike neutralizes LIKE wildcards in user-supplied filter values, so
// names with underscores match literally. Pair with ESCAPE '\'.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
