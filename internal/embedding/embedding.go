// Package embedding turns text into fixed-dimension unit vectors through an
// external model, adding role prefixes, batching, retries, rate limiting,
// and a query cache on top of a Provider.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/iammorganparry/recall/internal/vectors"
)

// Role prefixes expected by nomic-embed-text style models.
const (
	DocumentPrefix = "search_document: "
	QueryPrefix    = "search_query: "
)

// Provider is a raw embedding backend. Implementations return one vector per
// input, in input order.
type Provider interface {
	EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error)
}

// Config tunes a Service.
type Config struct {
	Dimension         int
	BatchSize         int
	Retry             RetryConfig
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int
	QueryCacheSize    int
	// Partial keeps going when an item fails, substituting a zero vector and
	// recording the failure instead of failing the whole batch.
	Partial bool
}

// ItemError records an input that could not be embedded.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchError identifies the first failing input when partial mode is off.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embed item %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// BatchResult holds one vector per input. Failed inputs carry a zero vector
// and appear in Failures.
type BatchResult struct {
	Vectors  [][]float32
	Failures []ItemError
}

// Service is the embedding entry point used by the rest of the module.
type Service struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	cache    *queryCache
	logger   *slog.Logger
}

func NewService(provider Provider, cfg Config, logger *slog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Service{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		cache:    newQueryCache(cfg.QueryCacheSize),
		logger:   logger,
	}
}

// Dimension returns the vector size the service produces.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// EmbedDocuments embeds texts for storage. In partial mode failures are
// reported per item; otherwise the first failure aborts with a *BatchError.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) (*BatchResult, error) {
	result := &BatchResult{Vectors: make([][]float32, len(texts))}

	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(texts))
		inputs := make([]string, end-start)
		for i, t := range texts[start:end] {
			inputs[i] = DocumentPrefix + t
		}

		vecs, err := s.call(ctx, inputs)
		if err == nil {
			copy(result.Vectors[start:end], vecs)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if len(inputs) == 1 {
			if err := s.fail(result, start, err); err != nil {
				return nil, err
			}
			continue
		}

		s.logger.Debug("embedding batch failed, retrying items individually",
			"start", start, "size", len(inputs), "error", err)
		for i, in := range inputs {
			v, err := s.call(ctx, []string{in})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if err := s.fail(result, start+i, err); err != nil {
					return nil, err
				}
				continue
			}
			result.Vectors[start+i] = v[0]
		}
	}
	return result, nil
}

func (s *Service) fail(result *BatchResult, index int, err error) error {
	if !s.cfg.Partial {
		return &BatchError{Index: index, Err: err}
	}
	s.logger.Warn("embedding failed, storing placeholder", "index", index, "error", err)
	result.Vectors[index] = vectors.Zero(s.cfg.Dimension)
	result.Failures = append(result.Failures, ItemError{Index: index, Error: err.Error()})
	return nil
}

// EmbedDocument embeds a single text for storage.
func (s *Service) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.call(ctx, []string{DocumentPrefix + text})
	if err != nil {
		return nil, fmt.Errorf("embed document: %w", err)
	}
	return vecs[0], nil
}

// EmbedQuery embeds search text, serving repeats from the cache.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.cache.get(text); ok {
		return v, nil
	}
	vecs, err := s.call(ctx, []string{QueryPrefix + text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	s.cache.add(text, vecs[0])
	return vecs[0], nil
}

// call runs one provider request with rate limiting and retries, then
// validates and normalizes the response.
func (s *Service) call(ctx context.Context, inputs []string) ([][]float32, error) {
	vecs, _, err := withRetry(ctx, s.cfg.Retry, func() ([][]float32, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		vecs, err := s.provider.EmbedBatch(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(inputs) {
			return nil, fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(inputs))
		}
		for _, v := range vecs {
			if err := vectors.CheckDim(v, s.cfg.Dimension); err != nil {
				return nil, err
			}
		}
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	for _, v := range vecs {
		vectors.Normalize(v)
	}
	return vecs, nil
}
