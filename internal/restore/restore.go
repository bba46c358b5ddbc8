// Package restore rebuilds a compact continuity bundle after the assistant's
// context has been cleared: the latest raw turns plus a few related
// fragments, all within a token budget.
package restore

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/search"
	"github.com/iammorganparry/recall/internal/store"
)

const (
	DefaultTokenBudget = 2000
	turnShare          = 0.7
	tokensPerChar      = 0.25

	maxTurnChars      = 2000
	maxFragmentChars  = 500
	maxFragments      = 5
	maxTurnsFetched   = 50
	minFragmentBudget = 100

	// RestoreQuery is embedded to find generally relevant fragments.
	RestoreQuery = "recent work, context, and decisions"

	emptySummary = "No previous context available."
)

// QueryEmbedder embeds search text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Bundle is the restored context.
type Bundle struct {
	HasContent  bool               `json:"hasContent"`
	Summary     string             `json:"summary"`
	Context     string             `json:"context,omitempty"`
	Turns       []models.Turn      `json:"turns"`
	Fragments   []*models.Fragment `json:"fragments"`
	TotalTokens int                `json:"totalTokens"`
}

// Builder assembles bundles from the store and the search engine.
type Builder struct {
	store    *store.Store
	engine   *search.Engine
	embedder QueryEmbedder
	budget   int
}

func NewBuilder(s *store.Store, engine *search.Engine, embedder QueryEmbedder, budget int) *Builder {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Builder{store: s, engine: engine, embedder: embedder, budget: budget}
}

// WithBudget returns a copy of b that spends budget tokens. Non-positive
// values keep the current budget.
func (b *Builder) WithBudget(budget int) *Builder {
	c := *b
	if budget > 0 {
		c.budget = budget
	}
	return &c
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return int(math.Ceil(float64(len([]rune(s))) * tokensPerChar))
}

// Build restores context for project (nil for the global window). Fragments
// come from the project and global scope.
func (b *Builder) Build(ctx context.Context, project *string) (*Bundle, error) {
	bundle := &Bundle{}
	used := 0

	turnBudget := int(float64(b.budget) * turnShare)
	recent, err := b.store.RecentTurns(project, maxTurnsFetched)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}
	for _, t := range recent {
		t.Content = truncate(t.Content, maxTurnChars)
		tokens := EstimateTokens(t.Content)
		if used+tokens > turnBudget {
			break
		}
		used += tokens
		bundle.Turns = append(bundle.Turns, t)
	}
	for i, j := 0, len(bundle.Turns)-1; i < j; i, j = i+1, j-1 {
		bundle.Turns[i], bundle.Turns[j] = bundle.Turns[j], bundle.Turns[i]
	}

	if b.budget-used > minFragmentBudget {
		vec, err := b.embedder.EmbedQuery(ctx, RestoreQuery)
		if err != nil {
			return nil, fmt.Errorf("embed restore query: %w", err)
		}
		scope := store.AllProjects
		if project != nil {
			scope = store.ProjectScope(*project, true)
		}
		hits, err := b.engine.VectorSearch(vec, scope, maxFragments)
		if err != nil {
			return nil, fmt.Errorf("search fragments: %w", err)
		}
		for _, h := range hits {
			f := *h.Fragment
			f.Content = truncate(f.Content, maxFragmentChars)
			tokens := EstimateTokens(f.Content)
			if used+tokens > b.budget {
				break
			}
			used += tokens
			bundle.Fragments = append(bundle.Fragments, &f)
		}
	}

	bundle.TotalTokens = used
	bundle.HasContent = len(bundle.Turns) > 0 || len(bundle.Fragments) > 0
	bundle.Summary = bundle.summarize()
	bundle.Context = bundle.Render()
	return bundle, nil
}

func (b *Bundle) summarize() string {
	if !b.HasContent {
		return emptySummary
	}
	return fmt.Sprintf("Restored %s and %s (~%d tokens).",
		plural(len(b.Turns), "recent turn"), plural(len(b.Fragments), "related memory"), b.TotalTokens)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "y") {
		return fmt.Sprintf("%d %sies", n, strings.TrimSuffix(noun, "y"))
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// Render formats the turns and fragments as markdown for injection into a
// fresh session. It is empty when the bundle has no content.
func (b *Bundle) Render() string {
	if !b.HasContent {
		return ""
	}
	var sb strings.Builder
	if len(b.Turns) > 0 {
		sb.WriteString("## Recent conversation\n\n")
		for _, t := range b.Turns {
			fmt.Fprintf(&sb, "**%s:** %s\n\n", t.Role, t.Content)
		}
	}
	if len(b.Fragments) > 0 {
		sb.WriteString("## Related memories\n\n")
		for _, f := range b.Fragments {
			fmt.Fprintf(&sb, "- %s\n", strings.ReplaceAll(f.Content, "\n", " "))
		}
	}
	return strings.TrimSpace(sb.String())
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
