package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/iammorganparry/recall/internal/models"
)

// IndexKind is the keyword search strategy chosen at startup.
type IndexKind int

const (
	// NativeIndex uses an FTS5 table ranked by bm25.
	NativeIndex IndexKind = iota
	// FallbackScan matches lowercase substrings and ranks by recency.
	FallbackScan
)

func (k IndexKind) String() string {
	if k == NativeIndex {
		return "fts5"
	}
	return "scan"
}

// KeywordHit is a keyword search match. Lower Rank is better.
type KeywordHit struct {
	Fragment *models.Fragment
	Rank     float64
}

// keywordIndex keeps the keyword structure in step with fragment writes and
// answers keyword queries.
type keywordIndex interface {
	Kind() IndexKind
	index(ex execer, id int64, content string) error
	unindex(ex execer, ids []int64) error
	rebuild(ex txExecer) error
	clear(ex execer) error
	search(ex execer, query string, scope Scope, limit int) ([]KeywordHit, error)
}

// txExecer is the context-free subset of *sql.Tx used during loads.
type txExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// detectKeywordIndex probes for FTS5 once. The table lives in the temp
// schema so snapshots of main never depend on the module.
func detectKeywordIndex(db *sql.DB) keywordIndex {
	_, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS temp.fragments_fts USING fts5(content)`)
	if err != nil {
		return scanIndex{}
	}
	return ftsIndex{}
}

type ftsIndex struct{}

func (ftsIndex) Kind() IndexKind { return NativeIndex }

func (ftsIndex) index(ex execer, id int64, content string) error {
	if _, err := ex.Exec("DELETE FROM temp.fragments_fts WHERE rowid = ?", id); err != nil {
		return fmt.Errorf("fts delete: %w", err)
	}
	if _, err := ex.Exec("INSERT INTO temp.fragments_fts(rowid, content) VALUES (?, ?)", id, content); err != nil {
		return fmt.Errorf("fts insert: %w", err)
	}
	return nil
}

func (ftsIndex) unindex(ex execer, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf("DELETE FROM temp.fragments_fts WHERE rowid IN (%s)", placeholders(len(ids)))
	if _, err := ex.Exec(q, args...); err != nil {
		return fmt.Errorf("fts delete: %w", err)
	}
	return nil
}

func (ftsIndex) rebuild(ex txExecer) error {
	if _, err := ex.Exec("DELETE FROM temp.fragments_fts"); err != nil {
		return err
	}
	_, err := ex.Exec("INSERT INTO temp.fragments_fts(rowid, content) SELECT id, content FROM main.fragments")
	return err
}

func (ftsIndex) clear(ex execer) error {
	_, err := ex.Exec("DELETE FROM temp.fragments_fts")
	return err
}

// search runs a bm25-ranked MATCH. Every term is quoted, so FTS5 treats the
// query as an implicit AND of literal tokens.
func (ftsIndex) search(ex execer, query string, scope Scope, limit int) ([]KeywordHit, error) {
	match := sanitizeFTS(query)
	if match == "" {
		return nil, nil
	}
	where, args := scope.where("f.")
	args = append([]any{match}, args...)
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT %s, fragments_fts.rank
		FROM temp.fragments_fts
		JOIN fragments f ON f.id = fragments_fts.rowid
		WHERE fragments_fts MATCH ?
		  AND %s
		ORDER BY fragments_fts.rank
		LIMIT ?
	`, prefixedColumns("f."), where)

	rows, err := ex.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var rank float64
		f, err := scanFragment(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("scan bm25 result: %w", err)
		}
		hits = append(hits, KeywordHit{Fragment: f, Rank: rank})
	}
	return hits, rows.Err()
}

// sanitizeFTS quotes each whitespace-separated term for FTS5.
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}

// scanIndex is used when FTS5 is unavailable. Writes are no-ops.
type scanIndex struct{}

func (scanIndex) Kind() IndexKind                    { return FallbackScan }
func (scanIndex) index(execer, int64, string) error  { return nil }
func (scanIndex) unindex(execer, []int64) error      { return nil }
func (scanIndex) rebuild(txExecer) error             { return nil }
func (scanIndex) clear(execer) error                 { return nil }

// search requires every lowercase term to appear in the lowercased content
// and ranks matches newest first.
func (scanIndex) search(ex execer, query string, scope Scope, limit int) ([]KeywordHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	where, args := scope.where("")
	rows, err := ex.Query(
		fmt.Sprintf(`SELECT %s FROM fragments WHERE %s ORDER BY timestamp DESC, id DESC`, fragmentColumns, where),
		args...)
	if err != nil {
		return nil, fmt.Errorf("keyword scan: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		if !containsAll(strings.ToLower(f.Content), terms) {
			continue
		}
		hits = append(hits, KeywordHit{Fragment: f, Rank: float64(len(hits))})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, rows.Err()
}

func containsAll(s string, terms []string) bool {
	for _, t := range terms {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}
