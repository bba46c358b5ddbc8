package models

import "time"

// SearchMode selects which ranked lists a search uses.
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"
	SearchModeVector  SearchMode = "vector"
	SearchModeKeyword SearchMode = "keyword"
)

func (m SearchMode) IsValid() bool {
	return m == SearchModeHybrid || m == SearchModeVector || m == SearchModeKeyword
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status        string       `json:"status"`
	Embedding     ServiceCheck `json:"embedding"`
	Store         ServiceCheck `json:"store"`
	FragmentCount int          `json:"fragmentCount"`
	KeywordIndex  string       `json:"keywordIndex"`
	Recovered     bool         `json:"recovered,omitempty"`
}

// StoreRequest is a manual fragment insert.
type StoreRequest struct {
	Content   string     `json:"content"`
	ProjectID *string    `json:"projectId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type StoreResponse struct {
	ID          int64  `json:"id,omitempty"`
	IsDuplicate bool   `json:"isDuplicate"`
	Skipped     bool   `json:"skipped,omitempty"`
	SkipReason  string `json:"skipReason,omitempty"`
}

type UpdateRequest struct {
	Content string `json:"content"`
}

type SearchRequest struct {
	Query         string     `json:"query"`
	ProjectID     string     `json:"projectId,omitempty"`
	IncludeGlobal bool       `json:"includeGlobal,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Mode          SearchMode `json:"mode,omitempty"`
}

type SearchResult struct {
	Fragment   *Fragment `json:"fragment"`
	Score      float64   `json:"score"`
	Similarity float64   `json:"similarity,omitempty"`
	Provenance string    `json:"provenance"`
}

type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	Mode         SearchMode     `json:"mode"`
	SearchTimeMs int64          `json:"searchTimeMs"`
}

// DeleteResponse answers both phases of a delete. Without confirmation
// Deleted is false and Preview describes what would be removed.
type DeleteResponse struct {
	ID      int64     `json:"id"`
	Deleted bool      `json:"deleted"`
	Preview *Fragment `json:"preview,omitempty"`
}

type ProjectDeleteResponse struct {
	ProjectID string `json:"projectId"`
	Count     int    `json:"count"`
	Deleted   bool   `json:"deleted"`
}

// ArchiveRequest carries a session either as a JSONL transcript or as
// already-decoded turns.
type ArchiveRequest struct {
	SessionID      string  `json:"sessionId,omitempty"`
	ProjectID      *string `json:"projectId,omitempty"`
	Transcript     string  `json:"transcript,omitempty"`
	Turns          []Turn  `json:"turns,omitempty"`
	ContextPercent int     `json:"contextPercent,omitempty"`
}

type RestoreRequest struct {
	ProjectID   *string `json:"projectId,omitempty"`
	TokenBudget int     `json:"tokenBudget,omitempty"`
}

type SessionListResponse struct {
	Sessions []*SessionSummary `json:"sessions"`
	Total    int               `json:"total"`
}
