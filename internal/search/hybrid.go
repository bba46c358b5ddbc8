package search

import (
	"math"
	"sort"
	"time"

	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/store"
	"github.com/iammorganparry/recall/internal/vectors"
)

const (
	// RRFK is the rank offset in reciprocal rank fusion.
	RRFK = 60

	DefaultVectorWeight  = 0.6
	DefaultKeywordWeight = 0.4
	DefaultHalfLife      = 7 * 24 * time.Hour

	// decayFloor is the share of the fused score that never decays.
	decayFloor = 0.7
)

// Provenance records which ranked lists a result appeared in.
type Provenance string

const (
	FromHybrid  Provenance = "hybrid"
	FromVector  Provenance = "vector"
	FromKeyword Provenance = "keyword"
)

// Engine fuses vector similarity and keyword matches over a store.
type Engine struct {
	store         *store.Store
	vectorWeight  float64
	keywordWeight float64
	halfLife      time.Duration
	now           func() time.Time
}

// Option tweaks an Engine.
type Option func(*Engine)

// WithWeights overrides the per-list fusion weights.
func WithWeights(vector, keyword float64) Option {
	return func(e *Engine) {
		e.vectorWeight = vector
		e.keywordWeight = keyword
	}
}

// WithHalfLife overrides the recency half-life.
func WithHalfLife(d time.Duration) Option {
	return func(e *Engine) { e.halfLife = d }
}

// WithClock replaces the time source used for recency decay.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		vectorWeight:  DefaultVectorWeight,
		keywordWeight: DefaultKeywordWeight,
		halfLife:      DefaultHalfLife,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Query controls a hybrid search. Either Vector or Text may be empty, in
// which case that list contributes nothing.
type Query struct {
	Vector []float32
	Text   string
	Scope  store.Scope
	Limit  int
}

// VectorHit is a fragment with its cosine similarity to the query.
type VectorHit struct {
	Fragment   *models.Fragment
	Similarity float64
}

// Result is a fused, decayed search result.
type Result struct {
	Fragment    *models.Fragment `json:"fragment"`
	Score       float64          `json:"score"`
	FusedScore  float64          `json:"fusedScore"`
	Similarity  float64          `json:"similarity,omitempty"`
	VectorRank  int              `json:"vectorRank"`
	KeywordRank int              `json:"keywordRank"`
	Provenance  Provenance       `json:"provenance"`
}

// VectorSearch ranks every fragment in scope by cosine similarity to vec,
// highest first. limit <= 0 returns all of them.
func (e *Engine) VectorSearch(vec []float32, scope store.Scope, limit int) ([]VectorHit, error) {
	frags, err := e.store.Fragments(scope)
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, 0, len(frags))
	for _, f := range frags {
		hits = append(hits, VectorHit{Fragment: f, Similarity: vectors.CosineSimilarity(vec, f.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// KeywordSearch delegates to the store's keyword index.
func (e *Engine) KeywordSearch(text string, scope store.Scope, limit int) ([]store.KeywordHit, error) {
	return e.store.KeywordSearch(text, scope, limit)
}

// Search runs both lists, fuses them with reciprocal rank fusion, applies
// recency decay, and returns the top q.Limit results.
func (e *Engine) Search(q Query) ([]Result, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	depth := q.Limit * 2
	merged := make(map[int64]*Result)
	var order []int64

	entry := func(f *models.Fragment) *Result {
		r, ok := merged[f.ID]
		if !ok {
			r = &Result{Fragment: f, VectorRank: -1, KeywordRank: -1}
			merged[f.ID] = r
			order = append(order, f.ID)
		}
		return r
	}

	if len(q.Vector) > 0 {
		hits, err := e.VectorSearch(q.Vector, q.Scope, depth)
		if err != nil {
			return nil, err
		}
		for rank, h := range hits {
			r := entry(h.Fragment)
			r.VectorRank = rank
			r.Similarity = h.Similarity
			r.FusedScore += rrf(e.vectorWeight, rank)
		}
	}

	if q.Text != "" {
		hits, err := e.KeywordSearch(q.Text, q.Scope, depth)
		if err != nil {
			return nil, err
		}
		for rank, h := range hits {
			r := entry(h.Fragment)
			r.KeywordRank = rank
			r.FusedScore += rrf(e.keywordWeight, rank)
		}
	}

	now := e.now()
	results := make([]Result, 0, len(order))
	for _, id := range order {
		r := merged[id]
		switch {
		case r.VectorRank >= 0 && r.KeywordRank >= 0:
			r.Provenance = FromHybrid
		case r.VectorRank >= 0:
			r.Provenance = FromVector
		default:
			r.Provenance = FromKeyword
		}
		r.Score = r.FusedScore * RecencyFactor(now.Sub(r.Fragment.Timestamp), e.halfLife)
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// rrf is the contribution of a 0-based rank in one list.
func rrf(weight float64, rank int) float64 {
	return weight / float64(RRFK+rank+1)
}

// RecencyFactor returns a multiplier in (0.7, 1.0]. Negative ages (future
// timestamps) count as zero.
func RecencyFactor(age, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	halves := float64(age) / float64(halfLife)
	return decayFloor + (1-decayFloor)*math.Pow(0.5, halves)
}
