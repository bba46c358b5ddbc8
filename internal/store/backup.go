package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LoadSource says where the live data came from.
type LoadSource string

const (
	SourceMain   LoadSource = "main"
	SourceBackup LoadSource = "backup"
	SourceEmpty  LoadSource = "empty"
)

// Rejection records a candidate file that failed validation.
type Rejection struct {
	Path string
	Err  error
}

// OpenReport describes what Open did. Callers log Recovered and Reset at
// warn level.
type OpenReport struct {
	Source        LoadSource
	Backup        string // adopted backup, when Source is SourceBackup
	BackupCreated string
	Rejected      []Rejection
	Warnings      []string
}

// Recovered is true when the main file was rejected and a backup adopted.
func (r OpenReport) Recovered() bool { return r.Source == SourceBackup }

// Reset is true when data existed but nothing valid could be loaded.
func (r OpenReport) Reset() bool { return r.Source == SourceEmpty && len(r.Rejected) > 0 }

// recover runs the load cascade: main file, then backups newest first,
// then an empty store.
func (s *Store) recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := OpenReport{Source: SourceEmpty}

	if fi, err := os.Stat(s.path); err == nil && fi.Size() > 0 {
		backup, err := s.createBackup()
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("backup failed: %v", err))
		} else {
			report.BackupCreated = backup
		}

		err = s.tryLoad(s.path)
		switch {
		case err == nil:
			report.Source = SourceMain
			s.report = report
			return nil
		case isIOFailure(err):
			return err
		default:
			report.Rejected = append(report.Rejected, Rejection{Path: s.path, Err: err})
		}
	}

	backups, err := s.listBackups()
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("list backups: %v", err))
	}
	for _, b := range backups {
		if b == report.BackupCreated {
			continue
		}
		if err := s.tryLoad(b); err != nil {
			if isIOFailure(err) {
				return err
			}
			report.Rejected = append(report.Rejected, Rejection{Path: b, Err: err})
			continue
		}
		if err := s.persistLocked(); err != nil {
			return fmt.Errorf("persist recovered backup: %w", err)
		}
		report.Source = SourceBackup
		report.Backup = b
		s.report = report
		return nil
	}

	s.report = report
	return nil
}

// loadError marks a failure inside the in-process database while copying a
// validated file. These are not recoverable by trying another candidate.
type loadError struct{ err error }

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

func isIOFailure(err error) bool {
	var le *loadError
	return errors.As(err, &le)
}

// tryLoad validates path and copies its rows into the live database.
func (s *Store) tryLoad(path string) error {
	if err := validateFile(s.driver, path, s.dim); err != nil {
		return err
	}
	if err := s.loadFrom(path); err != nil {
		if rerr := s.resetLocked(); rerr != nil {
			return &loadError{fmt.Errorf("reset after failed load: %w", rerr)}
		}
		return fmt.Errorf("%w: load %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return nil
}

// validateFile opens path read-only and checks integrity, required
// structures, and embedding sizes.
func validateFile(driver, path string, dim int) error {
	db, err := sql.Open(driver, "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", ErrCorrupt, result)
	}

	for _, table := range tableOrder {
		for _, col := range requiredColumns[table] {
			ok, err := columnExists(db, table, col)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if !ok {
				return fmt.Errorf("%w: missing %s.%s", ErrSchemaMismatch, table, col)
			}
		}
	}

	var bad int
	err = db.QueryRow(
		"SELECT COUNT(*) FROM fragments WHERE embedding IS NULL OR length(embedding) != ?", dim*4,
	).Scan(&bad)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d fragments have embeddings that are not %d bytes", ErrSchemaMismatch, bad, dim*4)
	}
	return nil
}

// loadFrom attaches a validated file and copies its rows into the live
// database, rebuilding the keyword index as it goes.
func (s *Store) loadFrom(path string) error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS src", path); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer conn.ExecContext(ctx, "DETACH DATABASE src")

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, table := range tableOrder {
		cols := strings.Join(requiredColumns[table], ", ")
		q := fmt.Sprintf("INSERT INTO main.%s (%s) SELECT %s FROM src.%s", table, cols, cols, table)
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return fmt.Errorf("copy %s: %w", table, err)
		}
	}
	if err := s.keyword.rebuild(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("rebuild keyword index: %w", err)
	}
	return tx.Commit()
}

func (s *Store) resetLocked() error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, table := range tableOrder {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return err
			}
		}
		return s.keyword.clear(tx)
	})
}

func (s *Store) backupPrefix() string {
	return strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path)) + "-"
}

// BackupName returns the file name a backup taken at t receives.
func BackupName(fileName string, t time.Time) string {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	return fmt.Sprintf("%s-%s.db", base, t.UTC().Format("20060102T150405.000000000Z"))
}

// createBackup copies the main file into the backup directory and prunes the
// rotation to maxBackups.
func (s *Store) createBackup() (string, error) {
	dst := filepath.Join(s.backupDir, BackupName(filepath.Base(s.path), time.Now()))
	if err := copyFile(s.path, dst); err != nil {
		return "", err
	}
	if err := s.pruneBackups(); err != nil {
		return dst, fmt.Errorf("prune backups: %w", err)
	}
	return dst, nil
}

// listBackups returns backup paths newest first.
func (s *Store) listBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := s.backupPrefix()
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(s.backupDir, n)
	}
	return paths, nil
}

func (s *Store) pruneBackups() error {
	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	for i := maxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Backups returns the current backup files, newest first.
func (s *Store) Backups() ([]string, error) {
	return s.listBackups()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}
