package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loadstar/internal/pathutil"
	"loadstar/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	schemaVersionMinimum = 4
	schemaVersionCurrent = 4
)

// Store persists folder records and move statistics inside a SQLite database.
type Store struct {
	db *sql.DB

	// writeMu serializes read-then-write transactions within the process.
	writeMu sync.Mutex

	exists func(path string) bool
	now    func() time.Time
	log    *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithProbe replaces the directory existence check used by LivenessSweep.
func WithProbe(probe func(path string) bool) Option {
	return func(s *Store) {
		if probe != nil {
			s.exists = probe
		}
	}
}

// WithClock replaces the time source used to stamp moves.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for store events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Open initializes (or reuses) a SQLite database at the provided path.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, unavailable("open sqlite database", err)
	}

	store := &Store{
		db:     db,
		exists: pathutil.DirExists,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE target_folder (
        folder_path TEXT PRIMARY KEY,
        alive_checks_failed INTEGER NOT NULL DEFAULT 0,
        flag_bookmark BOOLEAN NOT NULL DEFAULT 0,
        flag_explorer_open BOOLEAN NOT NULL DEFAULT 0,
        flag_private BOOLEAN NOT NULL DEFAULT 0,
        flag_retired BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE move_latest (
        filename_length INTEGER NOT NULL,
        file_extension TEXT NOT NULL,
        target_folder TEXT NOT NULL REFERENCES target_folder(folder_path) ON DELETE CASCADE,
        moved_latest_date INTEGER NOT NULL,
        moved_times INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (filename_length, file_extension, target_folder)
);

CREATE INDEX idx_move_latest_folder ON move_latest(target_folder);
`

func (s *Store) initSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin schema check", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return unavailable("read schema version", err)
	}

	var tables int
	err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM sqlite_master
WHERE type = 'table' AND name IN ('target_folder', 'move_latest')
`).Scan(&tables)
	if err != nil {
		return unavailable("inspect schema", err)
	}

	if version == 0 && tables == 0 {
		s.log.Info("creating schema", "version", schemaVersionCurrent)
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return unavailable("initialize schema", err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersionCurrent)); err != nil {
			return unavailable("write schema version", err)
		}
	} else if version < schemaVersionMinimum || version > schemaVersionCurrent {
		return fmt.Errorf("%w: database has version %d, supported %d..%d",
			storage.ErrVersionMismatch, version, schemaVersionMinimum, schemaVersionCurrent)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit schema", err)
	}
	return nil
}

// withWriteTx runs fn inside a transaction while holding the write lock.
// fn is expected to return errors that are already wrapped.
func (s *Store) withWriteTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op+": commit", err)
	}
	return nil
}

// connPragmas are applied by the driver to every pooled connection.
const connPragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
	"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// dataSourceName builds a file: URI so that '?', '#' and '%' in the path are
// escaped instead of being read as the start of the query.
func dataSourceName(path string) string {
	uriPath := filepath.ToSlash(path)
	if !strings.HasPrefix(uriPath, "/") {
		uriPath = "/" + uriPath
	}
	u := url.URL{Scheme: "file", Path: uriPath, RawQuery: connPragmas}
	return u.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrStorageUnavailable, op, err)
}

func encodeBool(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func decodeBool(v int64) bool {
	return v != 0
}

func flagColumn(flag storage.Flag) (string, error) {
	switch flag {
	case storage.FlagBookmark:
		return "flag_bookmark", nil
	case storage.FlagExplorerOpen:
		return "flag_explorer_open", nil
	case storage.FlagPrivate:
		return "flag_private", nil
	case storage.FlagRetired:
		return "flag_retired", nil
	default:
		return "", fmt.Errorf("%w: %s", storage.ErrInvalidFlagName, flag)
	}
}
