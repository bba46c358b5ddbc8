package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/search"
	"github.com/iammorganparry/recall/internal/store"
)

const testDim = 8

type failingEmbedder struct{}

func (failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder should not be called")
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{DataDir: t.TempDir(), Driver: store.DriverPureGo, Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hashEmbedder() *embedding.Service {
	return embedding.NewService(embedding.NewHashProvider(testDim), embedding.Config{Dimension: testDim}, nil)
}

func saveTurns(t *testing.T, s *store.Store, project *string, n, chars int) {
	t.Helper()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	var turns []models.Turn
	for i := 0; i < n; i++ {
		prefix := fmt.Sprintf("turn %02d ", i)
		turns = append(turns, models.Turn{
			Role:      models.RoleUser,
			Content:   prefix + strings.Repeat("x", chars-len(prefix)),
			SessionID: "s",
			TurnIndex: i,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, s.SaveTurns(project, turns))
}

func insertFragments(t *testing.T, s *store.Store, emb *embedding.Service, project *string, n, chars int) {
	t.Helper()
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("fragment %02d about recent work and decisions ", i)
		content += strings.Repeat("y", chars-len(content))
		vec, err := emb.EmbedDocument(context.Background(), content)
		require.NoError(t, err)
		_, err = s.Insert(models.NewFragment{Content: content, Embedding: vec, ProjectID: project, SessionID: "s"})
		require.NoError(t, err)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("日本語"))
}

func TestBuildEmpty(t *testing.T) {
	s := setupStore(t)
	b := NewBuilder(s, search.NewEngine(s), hashEmbedder(), 0)

	bundle, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, bundle.HasContent)
	assert.Equal(t, "No previous context available.", bundle.Summary)
	assert.Empty(t, bundle.Context)
	assert.Equal(t, 0, bundle.TotalTokens)
}

func TestBuildTurnsWithinBudgetChronological(t *testing.T) {
	s := setupStore(t)
	project := models.StringPtr("recall")
	saveTurns(t, s, project, 10, 40)

	// 70 turn tokens fit seven 10-token turns; 30 left is below the fragment minimum.
	b := NewBuilder(s, search.NewEngine(s), failingEmbedder{}, 100)
	bundle, err := b.Build(context.Background(), project)
	require.NoError(t, err)

	require.Len(t, bundle.Turns, 7)
	assert.True(t, strings.HasPrefix(bundle.Turns[0].Content, "turn 03"))
	assert.True(t, strings.HasPrefix(bundle.Turns[6].Content, "turn 09"))
	assert.Empty(t, bundle.Fragments)
	assert.Equal(t, 70, bundle.TotalTokens)
	assert.True(t, bundle.HasContent)
	assert.Contains(t, bundle.Context, "## Recent conversation")
	assert.Equal(t, fmt.Sprintf("Restored %d recent turns and 0 related memories (~%d tokens).", len(bundle.Turns), bundle.TotalTokens), bundle.Summary)
	assert.NotContains(t, bundle.Summary, "\n")
}

func TestBuildTruncatesLongTurns(t *testing.T) {
	s := setupStore(t)
	saveTurns(t, s, nil, 1, 5000)

	b := NewBuilder(s, search.NewEngine(s), hashEmbedder(), 0)
	bundle, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, bundle.Turns, 1)
	assert.Len(t, bundle.Turns[0].Content, maxTurnChars)
	assert.Equal(t, 500, bundle.TotalTokens)
}

func TestBuildFragmentsCappedAndScoped(t *testing.T) {
	s := setupStore(t)
	emb := hashEmbedder()
	project := models.StringPtr("recall")
	insertFragments(t, s, emb, project, 4, 600)
	insertFragments(t, s, emb, nil, 3, 50)

	other := "other project fragment about recent work and decisions"
	vec, err := emb.EmbedDocument(context.Background(), other)
	require.NoError(t, err)
	_, err = s.Insert(models.NewFragment{Content: other, Embedding: vec, ProjectID: models.StringPtr("elsewhere")})
	require.NoError(t, err)

	b := NewBuilder(s, search.NewEngine(s), emb, 0)
	bundle, err := b.Build(context.Background(), project)
	require.NoError(t, err)

	require.Len(t, bundle.Fragments, maxFragments)
	for _, f := range bundle.Fragments {
		assert.NotEqual(t, "elsewhere", models.Deref(f.ProjectID))
		assert.LessOrEqual(t, len([]rune(f.Content)), maxFragmentChars)
	}
	assert.Contains(t, bundle.Context, "## Related memories")
	assert.NotContains(t, bundle.Context, "## Recent conversation")
	assert.Contains(t, bundle.Summary, "0 recent turns and")
}

func TestBuildStopsAtTotalBudget(t *testing.T) {
	s := setupStore(t)
	emb := hashEmbedder()
	insertFragments(t, s, emb, nil, 4, 600)

	// Each fragment truncates to 500 chars, 125 tokens; two fit in 300.
	b := NewBuilder(s, search.NewEngine(s), emb, 300)
	bundle, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, bundle.Fragments, 2)
	assert.Equal(t, 250, bundle.TotalTokens)
}
