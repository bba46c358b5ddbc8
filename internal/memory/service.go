package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iammorganparry/recall/internal/archive"
	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/extract"
	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/restore"
	"github.com/iammorganparry/recall/internal/search"
	"github.com/iammorganparry/recall/internal/store"
)

// ErrInvalidRequest marks caller mistakes. Handlers answer 400.
var ErrInvalidRequest = errors.New("invalid request")

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	defaultListLimit   = 20
)

// Service is the main facade for all memory operations.
type Service struct {
	store    *store.Store
	embedder *embedding.Service
	engine   *search.Engine
	archiver *archive.Pipeline
	restorer *restore.Builder
	logger   *slog.Logger
}

// NewService creates a new memory service with all dependencies.
func NewService(
	st *store.Store,
	embedder *embedding.Service,
	engine *search.Engine,
	archiver *archive.Pipeline,
	restorer *restore.Builder,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    st,
		embedder: embedder,
		engine:   engine,
		archiver: archiver,
		restorer: restorer,
		logger:   logger,
	}
}

// Store inserts one fragment, deduplicating on trimmed content.
func (s *Service) Store(ctx context.Context, req *models.StoreRequest) (*models.StoreResponse, error) {
	// Privacy filter: strip <private>...</private> blocks before processing
	content := extract.StripPrivate(req.Content)
	if content == "" {
		if strings.TrimSpace(req.Content) == "" {
			return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
		}
		return &models.StoreResponse{Skipped: true, SkipReason: "content_private"}, nil
	}

	vec, err := s.embedder.EmbedDocument(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	f := models.NewFragment{
		Content:   content,
		Embedding: vec,
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
	}
	if req.Timestamp != nil {
		f.Timestamp = *req.Timestamp
	}
	res, err := s.store.Insert(f)
	if err != nil {
		return nil, fmt.Errorf("insert fragment: %w", err)
	}
	return &models.StoreResponse{ID: res.ID, IsDuplicate: res.IsDuplicate}, nil
}

// GetByID retrieves a fragment by id.
func (s *Service) GetByID(id int64) (*models.Fragment, error) {
	f, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("fragment %d: %w", id, store.ErrNotFound)
	}
	return f, nil
}

// Update replaces a fragment's content and re-embeds it.
func (s *Service) Update(ctx context.Context, id int64, req *models.UpdateRequest) (*models.Fragment, error) {
	content := extract.StripPrivate(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	vec, err := s.embedder.EmbedDocument(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	return s.store.UpdateContent(id, content, vec)
}

// Delete is two-phase: without confirm it returns the fragment that would be
// removed and leaves it in place.
func (s *Service) Delete(id int64, confirm bool) (*models.DeleteResponse, error) {
	f, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return &models.DeleteResponse{ID: id, Preview: f}, nil
	}
	deleted, err := s.store.Delete(id)
	if err != nil {
		return nil, fmt.Errorf("delete fragment: %w", err)
	}
	if !deleted {
		return nil, fmt.Errorf("fragment %d: %w", id, store.ErrNotFound)
	}
	s.logger.Info("fragment deleted", "id", id)
	return &models.DeleteResponse{ID: id, Deleted: true}, nil
}

// DeleteProject is two-phase like Delete. The preview reports how many
// fragments the project holds; global fragments are never included.
func (s *Service) DeleteProject(project string, confirm bool) (*models.ProjectDeleteResponse, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidRequest)
	}
	if !confirm {
		n, err := s.store.CountForProject(project)
		if err != nil {
			return nil, err
		}
		return &models.ProjectDeleteResponse{ProjectID: project, Count: n}, nil
	}
	n, err := s.store.DeleteAllForProject(project)
	if err != nil {
		return nil, fmt.Errorf("delete project fragments: %w", err)
	}
	s.logger.Info("project fragments deleted", "project_id", project, "count", n)
	return &models.ProjectDeleteResponse{ProjectID: project, Count: n, Deleted: true}, nil
}

// Search performs hybrid search.
func (s *Service) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	mode := req.Mode
	if mode == "" {
		mode = models.SearchModeHybrid
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: unknown search mode %q", ErrInvalidRequest, mode)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	q := search.Query{
		Scope: store.ProjectScope(req.ProjectID, req.IncludeGlobal),
		Limit: limit,
	}
	if mode != models.SearchModeKeyword {
		vec, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		q.Vector = vec
	}
	if mode != models.SearchModeVector {
		q.Text = query
	}

	results, err := s.engine.Search(q)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := make([]models.SearchResult, len(results))
	for i, r := range results {
		out[i] = models.SearchResult{
			Fragment:   r.Fragment,
			Score:      r.Score,
			Similarity: r.Similarity,
			Provenance: string(r.Provenance),
		}
	}
	return &models.SearchResponse{
		Results:      out,
		Mode:         mode,
		SearchTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Archive runs the archive pipeline over a transcript or decoded turns.
func (s *Service) Archive(ctx context.Context, req *models.ArchiveRequest, onProgress func(archive.Progress)) (*archive.Report, error) {
	if req.Transcript == "" && len(req.Turns) == 0 {
		return nil, fmt.Errorf("%w: transcript or turns required", ErrInvalidRequest)
	}
	ar := archive.Request{
		SessionID:      req.SessionID,
		ProjectID:      req.ProjectID,
		Turns:          req.Turns,
		ContextPercent: req.ContextPercent,
		OnProgress:     onProgress,
	}
	if len(req.Turns) == 0 {
		ar.Transcript = strings.NewReader(req.Transcript)
	}
	return s.archiver.Run(ctx, ar)
}

// Restore builds a continuity bundle for a project.
func (s *Service) Restore(ctx context.Context, req *models.RestoreRequest) (*restore.Bundle, error) {
	return s.restorer.WithBudget(req.TokenBudget).Build(ctx, req.ProjectID)
}

// Summary returns the saved summary for a session.
func (s *Service) Summary(sessionID string) (*models.SessionSummary, error) {
	sum, err := s.store.GetSummary(sessionID)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return sum, nil
}

// Sessions lists the newest session summaries for a project.
func (s *Service) Sessions(project *string, limit int) (*models.SessionListResponse, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	sums, err := s.store.RecentSummaries(project, limit)
	if err != nil {
		return nil, err
	}
	if sums == nil {
		sums = []*models.SessionSummary{}
	}
	return &models.SessionListResponse{Sessions: sums, Total: len(sums)}, nil
}

// Stats describes the store.
func (s *Service) Stats() (*models.Stats, error) {
	return s.store.Stats()
}

// Report exposes how the store was loaded at startup.
func (s *Service) Report() store.OpenReport {
	return s.store.Report()
}
