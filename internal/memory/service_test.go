package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/recall/internal/archive"
	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/extract"
	"github.com/iammorganparry/recall/internal/models"
	"github.com/iammorganparry/recall/internal/restore"
	"github.com/iammorganparry/recall/internal/search"
	"github.com/iammorganparry/recall/internal/store"
)

const testDim = 16

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(store.Options{DataDir: t.TempDir(), Driver: store.DriverPureGo, Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embedding.NewService(embedding.NewHashProvider(testDim), embedding.Config{Dimension: testDim, QueryCacheSize: 8}, logger)
	engine := search.NewEngine(st)
	return NewService(
		st,
		emb,
		engine,
		archive.NewPipeline(st, emb, extract.New(extract.DefaultConfig()), 0, logger),
		restore.NewBuilder(st, engine, emb, 0),
		logger,
	)
}

func TestStoreDedupAndPrivacy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Store(ctx, &models.StoreRequest{Content: "Backups rotate after every successful save.", ProjectID: models.StringPtr("p")})
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	again, err := svc.Store(ctx, &models.StoreRequest{Content: "Backups rotate after every successful save. <private>token</private>"})
	require.NoError(t, err)
	assert.True(t, again.IsDuplicate)
	assert.Equal(t, first.ID, again.ID)

	private, err := svc.Store(ctx, &models.StoreRequest{Content: "<private>secret</private>"})
	require.NoError(t, err)
	assert.True(t, private.Skipped)
	assert.Equal(t, "content_private", private.SkipReason)

	_, err = svc.Store(ctx, &models.StoreRequest{Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeleteIsTwoPhase(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Store(ctx, &models.StoreRequest{Content: "Temporary note to be removed."})
	require.NoError(t, err)

	preview, err := svc.Delete(res.ID, false)
	require.NoError(t, err)
	assert.False(t, preview.Deleted)
	require.NotNil(t, preview.Preview)
	assert.Equal(t, "Temporary note to be removed.", preview.Preview.Content)

	_, err = svc.GetByID(res.ID)
	require.NoError(t, err)

	done, err := svc.Delete(res.ID, true)
	require.NoError(t, err)
	assert.True(t, done.Deleted)

	_, err = svc.GetByID(res.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.Delete(res.ID, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteProjectIsTwoPhase(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Store(ctx, &models.StoreRequest{Content: fmt.Sprintf("project note %d", i), ProjectID: models.StringPtr("p")})
		require.NoError(t, err)
	}
	_, err := svc.Store(ctx, &models.StoreRequest{Content: "global note"})
	require.NoError(t, err)

	preview, err := svc.DeleteProject("p", false)
	require.NoError(t, err)
	assert.Equal(t, 3, preview.Count)
	assert.False(t, preview.Deleted)

	done, err := svc.DeleteProject("p", true)
	require.NoError(t, err)
	assert.Equal(t, 3, done.Count)
	assert.True(t, done.Deleted)

	st, err := svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FragmentCount)

	_, err = svc.DeleteProject("", true)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUpdate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a, err := svc.Store(ctx, &models.StoreRequest{Content: "first version of the note"})
	require.NoError(t, err)
	b, err := svc.Store(ctx, &models.StoreRequest{Content: "another note entirely"})
	require.NoError(t, err)

	f, err := svc.Update(ctx, a.ID, &models.UpdateRequest{Content: "second version of the note"})
	require.NoError(t, err)
	assert.Equal(t, "second version of the note", f.Content)

	_, err = svc.Update(ctx, b.ID, &models.UpdateRequest{Content: "second version of the note"})
	assert.ErrorIs(t, err, store.ErrDuplicateContent)

	_, err = svc.Update(ctx, 9999, &models.UpdateRequest{Content: "nothing here"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchModes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.Store(ctx, &models.StoreRequest{Content: "snapshot the database then rename it into place"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, &models.StoreRequest{Content: "the chunker splits paragraphs before sentences"})
	require.NoError(t, err)

	hybrid, err := svc.Search(ctx, &models.SearchRequest{Query: "snapshot rename"})
	require.NoError(t, err)
	require.NotEmpty(t, hybrid.Results)
	assert.Equal(t, models.SearchModeHybrid, hybrid.Mode)
	assert.Contains(t, hybrid.Results[0].Fragment.Content, "snapshot")
	assert.Equal(t, "hybrid", hybrid.Results[0].Provenance)

	kw, err := svc.Search(ctx, &models.SearchRequest{Query: "chunker", Mode: models.SearchModeKeyword})
	require.NoError(t, err)
	require.Len(t, kw.Results, 1)
	assert.Equal(t, "keyword", kw.Results[0].Provenance)

	vec, err := svc.Search(ctx, &models.SearchRequest{Query: "chunker", Mode: models.SearchModeVector, Limit: 1})
	require.NoError(t, err)
	require.Len(t, vec.Results, 1)
	assert.Equal(t, "vector", vec.Results[0].Provenance)

	_, err = svc.Search(ctx, &models.SearchRequest{Query: "x", Mode: "fuzzy"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Search(ctx, &models.SearchRequest{Query: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestArchiveThenRestore(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	project := models.StringPtr("recall")

	assistant := "We decided to keep the keyword index in the temp schema so snapshots stay readable by both SQLite drivers."
	transcript := strings.Join([]string{
		`{"role":"user","content":"How should the keyword index be stored?"}`,
		fmt.Sprintf(`{"role":"assistant","content":%q}`, assistant),
	}, "\n")

	report, err := svc.Archive(ctx, &models.ArchiveRequest{SessionID: "s1", ProjectID: project, Transcript: transcript, ContextPercent: 72}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)
	assert.Equal(t, 1, report.Skipped)

	sum, err := svc.Summary("s1")
	require.NoError(t, err)
	assert.Equal(t, 72, sum.ContextPercent)
	assert.Equal(t, 1, sum.FragmentCount)

	list, err := svc.Sessions(project, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	bundle, err := svc.Restore(ctx, &models.RestoreRequest{ProjectID: project})
	require.NoError(t, err)
	assert.True(t, bundle.HasContent)
	assert.Len(t, bundle.Turns, 2)
	require.Len(t, bundle.Fragments, 1)
	assert.Equal(t, assistant, bundle.Fragments[0].Content)

	_, err = svc.Summary("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Archive(ctx, &models.ArchiveRequest{}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
