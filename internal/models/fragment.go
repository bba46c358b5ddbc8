package models

import "time"

// Fragment is a chunk of remembered text with its embedding.
// ProjectID is nil for global fragments.
type Fragment struct {
	ID          int64     `json:"id"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	Embedding   []float32 `json:"-"`
	ProjectID   *string   `json:"projectId,omitempty"`
	SessionID   string    `json:"sessionId"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewFragment is the input to a store insert.
type NewFragment struct {
	Content   string
	Embedding []float32
	ProjectID *string
	SessionID string
	Timestamp time.Time
}

// InsertResult reports the id a fragment resolved to and whether it already existed.
type InsertResult struct {
	ID          int64 `json:"id"`
	IsDuplicate bool  `json:"isDuplicate"`
}

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is a raw conversation turn kept for continuity restoration.
type Turn struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ProjectID *string   `json:"projectId,omitempty"`
	SessionID string    `json:"sessionId"`
	TurnIndex int       `json:"turnIndex"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is the heuristic digest saved once per archived session.
type SessionSummary struct {
	ID             int64     `json:"id"`
	ProjectID      *string   `json:"projectId,omitempty"`
	SessionID      string    `json:"sessionId"`
	Summary        string    `json:"summary"`
	Decisions      []string  `json:"decisions"`
	Outcomes       []string  `json:"outcomes"`
	Blockers       []string  `json:"blockers"`
	ContextPercent int       `json:"contextPercent"`
	FragmentCount  int       `json:"fragmentCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stats describes the contents of a store.
type Stats struct {
	FragmentCount int        `json:"fragmentCount"`
	ProjectCount  int        `json:"projectCount"`
	SessionCount  int        `json:"sessionCount"`
	TurnCount     int        `json:"turnCount"`
	SummaryCount  int        `json:"summaryCount"`
	SizeBytes     int64      `json:"sizeBytes"`
	Oldest        *time.Time `json:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
	KeywordIndex  string     `json:"keywordIndex"`
}

// StringPtr returns nil for an empty string and a pointer to s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
