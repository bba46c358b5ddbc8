package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

const (
	defaultFileName  = "memory.db"
	defaultDimension = 768
	maxBackups       = 5
	timeFormat       = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	ErrCorrupt          = errors.New("store file is corrupt")
	ErrSchemaMismatch   = errors.New("store file does not match the expected schema")
	ErrNotFound         = errors.New("fragment not found")
	ErrDuplicateContent = errors.New("content already stored under another fragment")
	ErrEmptyContent     = errors.New("content is empty")
)

// Options configures Open.
type Options struct {
	DataDir   string
	FileName  string
	Driver    string
	Dimension int
}

func (o Options) withDefaults() Options {
	if o.FileName == "" {
		o.FileName = defaultFileName
	}
	if o.Driver == "" {
		o.Driver = DriverCGO
	}
	if o.Dimension <= 0 {
		o.Dimension = defaultDimension
	}
	return o
}

// Store is the single-file fragment, turn, and summary store. The live
// database is held in process; every mutation rewrites the file on disk
// through a temp file and rename.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	driver    string
	dir       string
	path      string
	backupDir string
	dim       int
	keyword   keywordIndex
	report    OpenReport
}

// Open creates the data directory if needed, snapshots the existing file into
// the backup rotation, and loads the newest valid copy of the store. Corrupt
// or mismatched files never fail the open; see OpenReport for what happened.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory must not be empty")
	}

	backupDir := filepath.Join(opts.DataDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := openMemory(opts.Driver)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:        db,
		driver:    opts.Driver,
		dir:       opts.DataDir,
		path:      filepath.Join(opts.DataDir, opts.FileName),
		backupDir: backupDir,
		dim:       opts.Dimension,
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s.keyword = detectKeywordIndex(db)

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// openMemory opens an in-process database. The pool is pinned to a single
// connection that never expires, since every new connection to :memory:
// would be a different, empty database.
func openMemory(driver string) (*sql.DB, error) {
	db, err := sql.Open(driver, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// Close releases the in-process database. All mutations are already on disk.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the main store file.
func (s *Store) Path() string { return s.path }

// Dimension returns the embedding dimension the store enforces.
func (s *Store) Dimension() int { return s.dim }

// Report describes how the store was loaded.
func (s *Store) Report() OpenReport { return s.report }

// KeywordIndex reports which keyword search strategy is active.
func (s *Store) KeywordIndex() IndexKind { return s.keyword.Kind() }

// persistLocked writes a full snapshot next to the main file and renames it
// into place. Callers hold s.mu.
func (s *Store) persistLocked() error {
	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(s.path), uuid.New().String()[:8]))

	if _, err := s.db.Exec("VACUUM main INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot store: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// commitLocked persists the live database. When the save fails the live
// database is rolled back to the main file so memory never holds rows the
// disk lacks.
func (s *Store) commitLocked() error {
	err := s.persistLocked()
	if err == nil {
		return nil
	}
	if rerr := s.rollbackLocked(); rerr != nil {
		return errors.Join(err, fmt.Errorf("roll back to %s: %w", filepath.Base(s.path), rerr))
	}
	return err
}

// rollbackLocked reloads the main file, or empties the database when there
// is no loadable main file.
func (s *Store) rollbackLocked() error {
	if err := s.resetLocked(); err != nil {
		return err
	}
	fi, err := os.Stat(s.path)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
		return nil
	}
	if err := s.tryLoad(s.path); err != nil && isIOFailure(err) {
		return err
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// requiredColumns lists the structures a file must carry to be loaded.
var requiredColumns = map[string][]string{
	"fragments":         {"id", "content", "content_hash", "embedding", "project_id", "session_id", "timestamp", "created_at"},
	"session_turns":     {"id", "role", "content", "project_id", "session_id", "turn_index", "timestamp"},
	"session_summaries": {"id", "project_id", "session_id", "summary", "decisions", "outcomes", "blockers", "context_percent", "fragment_count", "timestamp"},
}

// tableOrder is the copy order used when loading a file.
var tableOrder = []string{"fragments", "session_turns", "session_summaries"}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS fragments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  content TEXT NOT NULL,
  content_hash TEXT NOT NULL UNIQUE,
  embedding BLOB NOT NULL,
  project_id TEXT,
  session_id TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id);
CREATE INDEX IF NOT EXISTS idx_fragments_session ON fragments(session_id);
CREATE INDEX IF NOT EXISTS idx_fragments_timestamp ON fragments(timestamp);

CREATE TABLE IF NOT EXISTS session_turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  project_id TEXT,
  session_id TEXT NOT NULL,
  turn_index INTEGER NOT NULL,
  timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_turns_project ON session_turns(project_id, timestamp);

CREATE TABLE IF NOT EXISTS session_summaries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT,
  session_id TEXT NOT NULL UNIQUE,
  summary TEXT NOT NULL,
  decisions TEXT NOT NULL DEFAULT '[]',
  outcomes TEXT NOT NULL DEFAULT '[]',
  blockers TEXT NOT NULL DEFAULT '[]',
  context_percent INTEGER NOT NULL DEFAULT 0,
  fragment_count INTEGER NOT NULL DEFAULT 0,
  timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_project ON session_summaries(project_id, timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// columnExists checks if a column exists in a table. It properly closes the
// rows cursor before returning, avoiding deadlocks with MaxOpenConns(1).
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction on the store connection.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
