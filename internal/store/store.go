package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS          = 5000
	defaultMaxOpenConns    = 8
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = 5 * time.Minute

	maxOpenConnsEnvKey    = "CASVAULT_DB_MAX_OPEN_CONNS"
	maxIdleConnsEnvKey    = "CASVAULT_DB_MAX_IDLE_CONNS"
	connMaxLifetimeEnvKey = "CASVAULT_DB_CONN_MAX_LIFETIME"
)

var (
	// ErrNotFound is returned when a hash has no index row.
	ErrNotFound = errors.New("blob not found in index")

	// ErrConflict is returned when a compare-and-swap update matched no row
	// because the reference count changed underneath the caller.
	ErrConflict = errors.New("blob reference count changed concurrently")
)

// Store wraps the SQLite dedup index.
type Store struct {
	db   *sql.DB
	path string
}

// Info describes the index for diagnostics.
type Info struct {
	Path          string `json:"path" yaml:"path"`
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	TotalBlobs    int64  `json:"total_blobs" yaml:"total_blobs"`
}

// Open opens the SQLite database and applies pending migrations.
func Open(path string) (*Store, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	configureDB(db)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Info returns schema version and row count.
func (s *Store) Info(ctx context.Context) (Info, error) {
	info := Info{Path: s.path}
	version, err := currentVersion(s.db)
	if err != nil {
		return info, err
	}
	info.SchemaVersion = version
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blobs").Scan(&info.TotalBlobs); err != nil {
		return info, err
	}
	return info, nil
}

func configureDB(db *sql.DB) {
	// Tune connection pool for local usage. Pragmas travel in the DSN so
	// every pooled connection gets them.
	db.SetMaxOpenConns(intFromEnv(maxOpenConnsEnvKey, defaultMaxOpenConns))
	db.SetMaxIdleConns(intFromEnv(maxIdleConnsEnvKey, defaultMaxIdleConns))
	db.SetConnMaxLifetime(durationFromEnv(connMaxLifetimeEnvKey, defaultConnMaxLifetime))
}

func intFromEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}

// durationFromEnv accepts Go durations ("45s") or bare seconds ("30").
func durationFromEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return def
		}
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}

// sqliteDSN builds a modernc DSN. _txlock=immediate makes every transaction
// take the write lock at BEGIN, which is what LockForUpdate relies on.
func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	query.Add("_pragma", "journal_mode(WAL)")
	query.Add("_pragma", "synchronous(NORMAL)")
	query.Add("_pragma", "foreign_keys(1)")
	query.Set("_txlock", "immediate")
	u := url.URL{Scheme: "file", Path: path, RawQuery: query.Encode()}
	return u.String(), nil
}
