package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/iammorganparry/recall/internal/vectors"
)

// HashProvider derives deterministic embeddings without a model server.
// Each lowercase token contributes a pseudo-random direction seeded by its
// hash, so texts that share words point the same way. Role prefixes are
// ignored so a query and a document with identical text embed identically.
type HashProvider struct {
	dim int
}

func NewHashProvider(dim int) *HashProvider {
	return &HashProvider{dim: dim}
}

func (h *HashProvider) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(in)
	}
	return out, nil
}

func (h *HashProvider) embed(text string) []float32 {
	text = strings.TrimPrefix(text, DocumentPrefix)
	text = strings.TrimPrefix(text, QueryPrefix)

	v := make([]float32, h.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		f := fnv.New64a()
		f.Write([]byte(tok))
		seed := f.Sum64()
		for i := range v {
			// LCG step
			seed = seed*6364136223846793005 + 1442695040888963407
			v[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return vectors.Normalize(v)
}
