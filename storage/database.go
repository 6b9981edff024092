package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "notes.db"

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS notes (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  content      TEXT NOT NULL,
  content_type TEXT NOT NULL CHECK(content_type IN ('CLIPBOARD_TEXT','USER_INPUT_TEXT')),
  text_color   INTEGER NOT NULL DEFAULT 0,
  is_read      INTEGER NOT NULL DEFAULT 0,
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_notes_created_at
ON notes (created_at DESC, id DESC);
`,
}

// Store keeps notes in a SQLite database and streams changes to watchers.
type Store struct {
	db *sql.DB

	watchMu  sync.Mutex
	watchers map[int]chan []Note
	nextID   int
	closed   bool

	closeOnce sync.Once
}

// Open opens notes.db under dataDir, creating the directory and schema as
// needed. It returns the database path alongside the store.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open notes database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, "", err
	}

	return &Store{
		db:       db,
		watchers: make(map[int]chan []Note),
	}, dbPath, nil
}

// Close ends every live note stream, folds the WAL back into the database
// file and closes it. It is safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var result *multierror.Error
	s.closeOnce.Do(func() {
		s.closeWatchers()
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
			result = multierror.Append(result, fmt.Errorf("checkpoint notes database: %w", err))
		}
		if err := s.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close notes database: %w", err))
		}
	})
	return result.ErrorOrNil()
}

func migrate(db *sql.DB) error {
	var applied int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema upgrade: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for version := applied + 1; version <= len(migrations); version++ {
		if _, err := tx.Exec(migrations[version-1]); err != nil {
			return fmt.Errorf("schema version %d: %w", version, err)
		}
	}
	// user_version takes no bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
