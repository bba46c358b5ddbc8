// Package archive moves a finished session into long-term memory: it
// extracts candidate fragments from the transcript, embeds and stores them,
// saves a session summary, and refreshes the recent turn window.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/extract"
	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/store"
)

const DefaultTurnWindow = 20

// Embedder embeds texts for storage.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) (*embedding.BatchResult, error)
}

// Stage names the step a progress update refers to.
type Stage string

const (
	StageParsed    Stage = "parsed"
	StageExtracted Stage = "extracted"
	StageEmbedded  Stage = "embedded"
	StageStored    Stage = "stored"
)

// Progress is reported after each pipeline stage.
type Progress struct {
	Stage Stage
	Done  int
	Total int
}

// Request describes one archive run. Turns takes precedence over Transcript.
type Request struct {
	SessionID      string
	ProjectID      *string
	Turns          []models.Turn
	Transcript     io.Reader
	ContextPercent int
	OnProgress     func(Progress)
}

// Report is the outcome of an archive run.
type Report struct {
	SessionID         string                 `json:"sessionId"`
	Archived          int                    `json:"archived"`
	Skipped           int                    `json:"skipped"`
	Duplicates        int                    `json:"duplicates"`
	Malformed         int                    `json:"malformed"`
	EmbeddingFailures int                    `json:"embeddingFailures"`
	Failures          []embedding.ItemError  `json:"failures,omitempty"`
	Summary           *models.SessionSummary `json:"summary"`
	TurnsSaved        int                    `json:"turnsSaved"`
	Duration          time.Duration          `json:"durationNs"`
}

// Pipeline wires the extractor, the embedder, and the store together.
type Pipeline struct {
	store      *store.Store
	embedder   Embedder
	extractor  *extract.Extractor
	turnWindow int
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(s *store.Store, embedder Embedder, extractor *extract.Extractor, turnWindow int, logger *slog.Logger) *Pipeline {
	if turnWindow <= 0 {
		turnWindow = DefaultTurnWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      s,
		embedder:   embedder,
		extractor:  extractor,
		turnWindow: turnWindow,
		logger:     logger,
		now:        time.Now,
	}
}

// Run archives one session. Counts are always reported, including when some
// embeddings failed and were stored as zero-vector placeholders.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Report, error) {
	start := p.now()
	progress := req.OnProgress
	if progress == nil {
		progress = func(Progress) {}
	}

	report := &Report{SessionID: req.SessionID}
	if report.SessionID == "" {
		report.SessionID = uuid.New().String()
	}

	turns := append([]models.Turn(nil), req.Turns...)
	if req.Turns == nil && req.Transcript != nil {
		results, err := extract.ParseTranscript(req.Transcript)
		if err != nil {
			return nil, fmt.Errorf("parse transcript: %w", err)
		}
		turns, report.Malformed = extract.Turns(results)
		if report.Malformed > 0 {
			p.logger.Warn("skipped malformed transcript lines",
				"session_id", report.SessionID, "count", report.Malformed)
		}
	}
	for i := range turns {
		turns[i].SessionID = report.SessionID
		turns[i].ProjectID = req.ProjectID
		if turns[i].Timestamp.IsZero() {
			turns[i].Timestamp = start
		}
	}
	progress(Progress{Stage: StageParsed, Done: len(turns), Total: len(turns)})

	candidates, skipped := p.extractor.Extract(turns)
	report.Skipped = skipped
	progress(Progress{Stage: StageExtracted, Done: len(candidates), Total: len(turns)})

	if len(candidates) > 0 {
		texts := make([]string, len(candidates))
		for i, c := range candidates {
			texts[i] = c.Content
		}
		batch, err := p.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed candidates: %w", err)
		}
		report.EmbeddingFailures = len(batch.Failures)
		report.Failures = batch.Failures
		progress(Progress{Stage: StageEmbedded, Done: len(candidates) - len(batch.Failures), Total: len(candidates)})

		frags := make([]models.NewFragment, len(candidates))
		for i, c := range candidates {
			frags[i] = models.NewFragment{
				Content:   c.Content,
				Embedding: batch.Vectors[i],
				ProjectID: req.ProjectID,
				SessionID: report.SessionID,
				Timestamp: c.Timestamp,
			}
		}
		results, err := p.store.InsertMany(frags)
		if err != nil {
			return nil, fmt.Errorf("store fragments: %w", err)
		}
		for _, r := range results {
			if r.IsDuplicate {
				report.Duplicates++
			} else {
				report.Archived++
			}
		}
	}
	progress(Progress{Stage: StageStored, Done: report.Archived, Total: len(candidates)})

	insights := extract.ExtractInsights(turns)
	summary := &models.SessionSummary{
		ProjectID:      req.ProjectID,
		SessionID:      report.SessionID,
		Summary:        insights.Summary(),
		Decisions:      insights.Decisions,
		Outcomes:       insights.Outcomes,
		Blockers:       insights.Blockers,
		ContextPercent: req.ContextPercent,
		FragmentCount:  report.Archived,
		Timestamp:      start,
	}
	if err := p.store.SaveSummary(summary); err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	report.Summary = summary

	window := turns
	if len(window) > p.turnWindow {
		window = window[len(window)-p.turnWindow:]
	}
	if err := p.store.SaveTurns(req.ProjectID, window); err != nil {
		return nil, fmt.Errorf("save turns: %w", err)
	}
	report.TurnsSaved = len(window)
	report.Duration = p.now().Sub(start)

	p.logger.Info("session archived",
		"session_id", report.SessionID,
		"project_id", models.Deref(req.ProjectID),
		"archived", report.Archived,
		"skipped", report.Skipped,
		"duplicates", report.Duplicates,
		"malformed", report.Malformed,
		"embedding_failures", report.EmbeddingFailures,
	)
	return report, nil
}
