// Package extract turns raw conversation text into sized, value-ranked
// candidate fragments and a heuristic session digest.
package extract

import (
	"fmt"
	"sort"
	"time"

	"github.com/iammorganparry/recall/internal/models"
)

// Config holds the extraction thresholds. Lengths are in runes.
type Config struct {
	MinLength    int
	ChunkFloor   int
	ChunkTarget  int
	ChunkCap     int
	LongSentence int
}

func DefaultConfig() Config {
	return Config{
		MinLength:    50,
		ChunkFloor:   100,
		ChunkTarget:  800,
		ChunkCap:     1500,
		LongSentence: 200,
	}
}

// Validate checks the thresholds are consistent with each other.
func (c Config) Validate() error {
	if c.MinLength < 1 {
		return fmt.Errorf("min length must be positive, got %d", c.MinLength)
	}
	if c.ChunkFloor < 1 || c.ChunkTarget < c.ChunkFloor || c.ChunkCap < c.ChunkTarget {
		return fmt.Errorf("chunk sizes must satisfy 0 < floor <= target <= cap, got %d/%d/%d",
			c.ChunkFloor, c.ChunkTarget, c.ChunkCap)
	}
	if c.ChunkCap < 3*c.ChunkFloor {
		return fmt.Errorf("chunk cap %d must be at least three times the floor %d", c.ChunkCap, c.ChunkFloor)
	}
	if c.LongSentence < 1 {
		return fmt.Errorf("long sentence threshold must be positive, got %d", c.LongSentence)
	}
	return nil
}

// Candidate is a chunk ready to be embedded and stored.
type Candidate struct {
	Content   string
	Value     Value
	Role      models.Role
	TurnIndex int
	Timestamp time.Time
}

// Extractor filters, classifies, and chunks turns.
type Extractor struct {
	cfg     Config
	chunker *Chunker
}

func New(cfg Config) *Extractor {
	return &Extractor{cfg: cfg, chunker: NewChunker(cfg)}
}

// Extract returns candidates ordered high value first, and the number of
// turns dropped by the filter or classifier.
func (e *Extractor) Extract(turns []models.Turn) (candidates []Candidate, skipped int) {
	for _, t := range turns {
		content := StripPrivate(t.Content)
		if !IsMeaningful(content, e.cfg.MinLength) {
			skipped++
			continue
		}
		value := Classify(content)
		if value == ValueNone {
			skipped++
			continue
		}
		for _, chunk := range e.chunker.Chunk(content) {
			candidates = append(candidates, Candidate{
				Content:   chunk,
				Value:     value,
				Role:      t.Role,
				TurnIndex: t.TurnIndex,
				Timestamp: t.Timestamp,
			})
		}
	}
	Prioritize(candidates)
	return candidates, skipped
}

// Prioritize orders candidates high value first, keeping input order within
// a tier.
func Prioritize(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Value > candidates[j].Value
	})
}
