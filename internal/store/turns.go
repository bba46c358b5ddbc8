package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iammorganparry/recall/internal/models"
)

// SaveTurns replaces the turn window for project with turns. A nil project
// is the global window.
func (s *Store) SaveTurns(project *string, turns []models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM session_turns WHERE project_id IS ?", project); err != nil {
			return fmt.Errorf("clear turn window: %w", err)
		}
		for _, t := range turns {
			ts := t.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			_, err := tx.Exec(`
				INSERT INTO session_turns (role, content, project_id, session_id, turn_index, timestamp)
				VALUES (?, ?, ?, ?, ?, ?)
			`, string(t.Role), t.Content, project, t.SessionID, t.TurnIndex, formatTime(ts))
			if err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.commitLocked()
}

// RecentTurns returns up to limit turns for project, newest first.
func (s *Store) RecentTurns(project *string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, role, content, project_id, session_id, turn_index, timestamp
		FROM session_turns
		WHERE project_id IS ?
		ORDER BY timestamp DESC, turn_index DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var role, ts string
		var projectID sql.NullString
		if err := rows.Scan(&t.ID, &role, &t.Content, &projectID, &t.SessionID, &t.TurnIndex, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = models.Role(role)
		if projectID.Valid {
			t.ProjectID = &projectID.String
		}
		t.Timestamp = parseTime(ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// SaveSummary upserts the summary for its session.
func (s *Store) SaveSummary(sum *models.SessionSummary) error {
	if sum.SessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	decisions, _ := json.Marshal(nonNil(sum.Decisions))
	outcomes, _ := json.Marshal(nonNil(sum.Outcomes))
	blockers, _ := json.Marshal(nonNil(sum.Blockers))
	if sum.Timestamp.IsZero() {
		sum.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_summaries (
			project_id, session_id, summary, decisions, outcomes, blockers,
			context_percent, fragment_count, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_id = excluded.project_id,
			summary = excluded.summary,
			decisions = excluded.decisions,
			outcomes = excluded.outcomes,
			blockers = excluded.blockers,
			context_percent = excluded.context_percent,
			fragment_count = excluded.fragment_count,
			timestamp = excluded.timestamp
	`, sum.ProjectID, sum.SessionID, sum.Summary, string(decisions), string(outcomes), string(blockers),
		sum.ContextPercent, sum.FragmentCount, formatTime(sum.Timestamp))
	if err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	return s.commitLocked()
}

const summaryColumns = `id, project_id, session_id, summary, decisions, outcomes, blockers, context_percent, fragment_count, timestamp`

// GetSummary returns the summary for sessionID, or nil, nil.
func (s *Store) GetSummary(sessionID string) (*models.SessionSummary, error) {
	sum, err := scanSummary(s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM session_summaries WHERE session_id = ?`, summaryColumns), sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session summary: %w", err)
	}
	return sum, nil
}

// RecentSummaries lists summaries newest first. A nil project lists all.
func (s *Store) RecentSummaries(project *string, limit int) ([]*models.SessionSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := "1=1", []any{}
	if project != nil {
		where, args = "project_id = ?", []any{*project}
	}
	args = append(args, limit)

	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM session_summaries WHERE %s ORDER BY timestamp DESC LIMIT ?`, summaryColumns, where),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list session summaries: %w", err)
	}
	defer rows.Close()

	var result []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

func scanSummary(sc rowScanner) (*models.SessionSummary, error) {
	var sum models.SessionSummary
	var projectID sql.NullString
	var decisions, outcomes, blockers, ts string
	err := sc.Scan(&sum.ID, &projectID, &sum.SessionID, &sum.Summary, &decisions, &outcomes, &blockers,
		&sum.ContextPercent, &sum.FragmentCount, &ts)
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		sum.ProjectID = &projectID.String
	}
	json.Unmarshal([]byte(decisions), &sum.Decisions)
	json.Unmarshal([]byte(outcomes), &sum.Outcomes)
	json.Unmarshal([]byte(blockers), &sum.Blockers)
	sum.Timestamp = parseTime(ts)
	return &sum, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
