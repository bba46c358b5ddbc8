package store

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/vectors"
)

// fragmentColumns is the canonical column list for fragment SELECTs.
// Order must match scanFragment.
const fragmentColumns = `id, content, content_hash, embedding, project_id, session_id, timestamp, created_at`

func prefixedColumns(prefix string) string {
	cols := strings.Split(fragmentColumns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// Scope restricts queries to a project. A nil ProjectID means every
// fragment; IncludeGlobal adds fragments with no project.
type Scope struct {
	ProjectID     *string
	IncludeGlobal bool
}

// AllProjects is the unrestricted scope.
var AllProjects = Scope{}

// ProjectScope returns the scope for project, optionally with global fragments.
func ProjectScope(project string, includeGlobal bool) Scope {
	if project == "" {
		return Scope{}
	}
	return Scope{ProjectID: &project, IncludeGlobal: includeGlobal}
}

func (sc Scope) where(prefix string) (string, []any) {
	switch {
	case sc.ProjectID == nil:
		return "1=1", nil
	case sc.IncludeGlobal:
		return fmt.Sprintf("(%sproject_id = ? OR %sproject_id IS NULL)", prefix, prefix), []any{*sc.ProjectID}
	default:
		return prefix + "project_id = ?", []any{*sc.ProjectID}
	}
}

// ContentHash is the hex SHA-256 of the trimmed content.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return fmt.Sprintf("%x", h)
}

// Insert stores a fragment unless its trimmed content is already present, in
// which case the existing id is returned and nothing is written.
func (s *Store) Insert(f models.NewFragment) (models.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res models.InsertResult
	err := s.inTx(func(tx *sql.Tx) error {
		var err error
		res, err = s.insertOne(tx, f, time.Now())
		return err
	})
	if err != nil {
		return models.InsertResult{}, err
	}
	if !res.IsDuplicate {
		if err := s.commitLocked(); err != nil {
			return models.InsertResult{}, err
		}
	}
	return res, nil
}

// InsertMany inserts fragments in one transaction and persists once.
// Duplicates within the batch resolve to the first occurrence.
func (s *Store) InsertMany(fs []models.NewFragment) ([]models.InsertResult, error) {
	if len(fs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]models.InsertResult, 0, len(fs))
	now := time.Now()
	err := s.inTx(func(tx *sql.Tx) error {
		for _, f := range fs {
			res, err := s.insertOne(tx, f, now)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if !r.IsDuplicate {
			if err := s.commitLocked(); err != nil {
				return nil, err
			}
			return results, nil
		}
	}
	return results, nil
}

func (s *Store) insertOne(ex execer, f models.NewFragment, now time.Time) (models.InsertResult, error) {
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return models.InsertResult{}, ErrEmptyContent
	}
	if err := vectors.CheckDim(f.Embedding, s.dim); err != nil {
		return models.InsertResult{}, fmt.Errorf("insert fragment: %w", err)
	}
	hash := ContentHash(content)

	var existing int64
	err := ex.QueryRow("SELECT id FROM fragments WHERE content_hash = ?", hash).Scan(&existing)
	if err == nil {
		return models.InsertResult{ID: existing, IsDuplicate: true}, nil
	}
	if err != sql.ErrNoRows {
		return models.InsertResult{}, fmt.Errorf("lookup content hash: %w", err)
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = now
	}
	result, err := ex.Exec(`
		INSERT INTO fragments (content, content_hash, embedding, project_id, session_id, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, content, hash, vectors.Encode(f.Embedding), f.ProjectID, f.SessionID, formatTime(ts), formatTime(now))
	if err != nil {
		return models.InsertResult{}, fmt.Errorf("insert fragment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.InsertResult{}, fmt.Errorf("insert fragment: %w", err)
	}
	if err := s.keyword.index(ex, id, content); err != nil {
		return models.InsertResult{}, err
	}
	return models.InsertResult{ID: id}, nil
}

// Get fetches a fragment by id. Returns nil, nil when it does not exist.
func (s *Store) Get(id int64) (*models.Fragment, error) {
	f, err := scanFragment(s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM fragments WHERE id = ?`, fragmentColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fragment: %w", err)
	}
	return f, nil
}

// Delete removes one fragment. Returns false when nothing matched.
func (s *Store) Delete(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM fragments WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete fragment: %w", err)
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil
		}
		return s.keyword.unindex(tx, []int64{id})
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := s.commitLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteAllForProject removes every fragment scoped to project. Global
// fragments are never touched.
func (s *Store) DeleteAllForProject(project string) (int, error) {
	if project == "" {
		return 0, fmt.Errorf("project must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	err := s.inTx(func(tx *sql.Tx) error {
		// Collect IDs first so the keyword index can be cleaned up.
		rows, err := tx.Query("SELECT id FROM fragments WHERE project_id = ?", project)
		if err != nil {
			return fmt.Errorf("list project fragments: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := s.keyword.unindex(tx, ids); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM fragments WHERE project_id = ?", project); err != nil {
			return fmt.Errorf("delete project fragments: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.commitLocked(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountForProject returns how many fragments DeleteAllForProject would remove.
func (s *Store) CountForProject(project string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM fragments WHERE project_id = ?", project).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count project fragments: %w", err)
	}
	return n, nil
}

// UpdateContent replaces a fragment's text and embedding, rehashing the
// content. It is the only way a stored fragment changes.
func (s *Store) UpdateContent(id int64, content string, embedding []float32) (*models.Fragment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if err := vectors.CheckDim(embedding, s.dim); err != nil {
		return nil, fmt.Errorf("update fragment: %w", err)
	}
	hash := ContentHash(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.inTx(func(tx *sql.Tx) error {
		var other int64
		err := tx.QueryRow("SELECT id FROM fragments WHERE content_hash = ? AND id != ?", hash, id).Scan(&other)
		if err == nil {
			return fmt.Errorf("%w: fragment %d", ErrDuplicateContent, other)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup content hash: %w", err)
		}

		res, err := tx.Exec(`UPDATE fragments SET content = ?, content_hash = ?, embedding = ? WHERE id = ?`,
			content, hash, vectors.Encode(embedding), id)
		if err != nil {
			return fmt.Errorf("update fragment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return s.keyword.index(tx, id, content)
	})
	if err != nil {
		return nil, err
	}
	if err := s.commitLocked(); err != nil {
		return nil, err
	}

	f, err := scanFragment(s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM fragments WHERE id = ?`, fragmentColumns), id))
	if err != nil {
		return nil, fmt.Errorf("reload fragment: %w", err)
	}
	return f, nil
}

// Fragments returns every fragment in scope, embeddings included.
func (s *Store) Fragments(scope Scope) ([]*models.Fragment, error) {
	where, args := scope.where("")
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM fragments WHERE %s ORDER BY id`, fragmentColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

// Recent returns the newest fragments in scope.
func (s *Store) Recent(scope Scope, limit int) ([]*models.Fragment, error) {
	if limit <= 0 {
		limit = 20
	}
	where, args := scope.where("")
	args = append(args, limit)
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM fragments WHERE %s ORDER BY timestamp DESC, id DESC LIMIT ?`, fragmentColumns, where),
		args...)
	if err != nil {
		return nil, fmt.Errorf("recent fragments: %w", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

// KeywordSearch matches query terms using whichever keyword index is active.
func (s *Store) KeywordSearch(query string, scope Scope, limit int) ([]KeywordHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.keyword.search(s.db, query, scope, limit)
}

// Stats summarizes the store contents.
func (s *Store) Stats() (*models.Stats, error) {
	st := &models.Stats{KeywordIndex: s.keyword.Kind().String()}

	var oldest, newest sql.NullString
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT project_id), COUNT(DISTINCT session_id), MIN(timestamp), MAX(timestamp)
		FROM fragments
	`).Scan(&st.FragmentCount, &st.ProjectCount, &st.SessionCount, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("fragment stats: %w", err)
	}
	if oldest.Valid {
		t := parseTime(oldest.String)
		st.Oldest = &t
	}
	if newest.Valid {
		t := parseTime(newest.String)
		st.Newest = &t
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM session_turns").Scan(&st.TurnCount); err != nil {
		return nil, fmt.Errorf("turn stats: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM session_summaries").Scan(&st.SummaryCount); err != nil {
		return nil, fmt.Errorf("summary stats: %w", err)
	}

	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanFragment reads fragmentColumns followed by any extra destinations.
func scanFragment(sc rowScanner, extra ...any) (*models.Fragment, error) {
	var f models.Fragment
	var embedding []byte
	var projectID sql.NullString
	var ts, created string

	dest := append([]any{&f.ID, &f.Content, &f.ContentHash, &embedding, &projectID, &f.SessionID, &ts, &created}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	f.Embedding = vectors.Decode(embedding)
	if projectID.Valid {
		f.ProjectID = &projectID.String
	}
	f.Timestamp = parseTime(ts)
	f.CreatedAt = parseTime(created)
	return &f, nil
}

func scanFragments(rows *sql.Rows) ([]*models.Fragment, error) {
	var result []*models.Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
