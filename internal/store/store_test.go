package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/recall/internal/models"
)

const testDim = 4

var drivers = []string{DriverCGO, DriverPureGo}

func setupTestStore(t *testing.T, driver, dir string) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: dir, Driver: driver, Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func vec(vals ...float32) []float32 { return vals }

func frag(content string, project *string) models.NewFragment {
	return models.NewFragment{
		Content:   content,
		Embedding: vec(0.5, 0.5, 0.5, 0.5),
		ProjectID: project,
		SessionID: "sess-1",
	}
}

func corrupt(t *testing.T, path string) {
	t.Helper()
	junk := []byte(strings.Repeat("this is not a sqlite database ", 200))
	require.NoError(t, os.WriteFile(path, junk, 0o644))
}

func TestInsertDedup(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := setupTestStore(t, driver, t.TempDir())

			first, err := s.Insert(frag("The cache layer uses write-through semantics.", nil))
			require.NoError(t, err)
			assert.False(t, first.IsDuplicate)

			second, err := s.Insert(frag("  The cache layer uses write-through semantics.\n", models.StringPtr("other")))
			require.NoError(t, err)
			assert.True(t, second.IsDuplicate)
			assert.Equal(t, first.ID, second.ID)

			st, err := s.Stats()
			require.NoError(t, err)
			assert.Equal(t, 1, st.FragmentCount)
		})
	}
}

func TestInsertRejectsBadInput(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())

	_, err := s.Insert(frag("   ", nil))
	assert.ErrorIs(t, err, ErrEmptyContent)

	bad := frag("wrong dimension embedding", nil)
	bad.Embedding = vec(1, 2)
	_, err = s.Insert(bad)
	assert.Error(t, err)
}

func TestInsertMany(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())

	results, err := s.InsertMany([]models.NewFragment{
		frag("first fragment in the batch", nil),
		frag("second fragment in the batch", nil),
		frag("first fragment in the batch", nil),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].IsDuplicate)
	assert.False(t, results[1].IsDuplicate)
	assert.True(t, results[2].IsDuplicate)
	assert.Equal(t, results[0].ID, results[2].ID)
}

func TestEmbeddingSurvivesReopen(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			want := vec(0.1, -0.25, 3.5, -0.0001)
			ts := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)

			s, err := Open(Options{DataDir: dir, Driver: driver, Dimension: testDim})
			require.NoError(t, err)
			res, err := s.Insert(models.NewFragment{
				Content:   "embedding bytes must round trip exactly",
				Embedding: want,
				ProjectID: models.StringPtr("proj"),
				SessionID: "sess-9",
				Timestamp: ts,
			})
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s = setupTestStore(t, driver, dir)
			assert.Equal(t, SourceMain, s.Report().Source)
			assert.NotEmpty(t, s.Report().BackupCreated)

			got, err := s.Get(res.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, got.Embedding)
			assert.Equal(t, "proj", models.Deref(got.ProjectID))
			assert.Equal(t, "sess-9", got.SessionID)
			assert.True(t, ts.Equal(got.Timestamp))
		})
	}
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := setupTestStore(t, DriverPureGo, dir)

	_, err := s.Insert(frag("a fragment that forces a snapshot", nil))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)
}

// blockMainFile makes the rename onto the main file fail.
func blockMainFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))
}

func TestFailedPersistRollsBackLiveDatabase(t *testing.T) {
	dir := t.TempDir()
	s := setupTestStore(t, DriverPureGo, dir)
	blockMainFile(t, s.Path())

	_, err := s.Insert(frag("written while the disk refuses the rename", nil))
	require.Error(t, err)

	f, err := s.Get(1)
	require.NoError(t, err)
	assert.Nil(t, f, "row must not stay live after a failed save")

	require.Error(t, s.SaveTurns(nil, []models.Turn{{Role: models.RoleUser, Content: "hello", SessionID: "sess-1"}}))
	turns, err := s.RecentTurns(nil, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	require.NoError(t, os.RemoveAll(s.Path()))
	res, err := s.Insert(frag("written while the disk refuses the rename", nil))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	require.NoError(t, s.Close())

	reopened := setupTestStore(t, DriverPureGo, dir)
	st, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FragmentCount)
}

func TestFailedPersistKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	s := setupTestStore(t, DriverPureGo, dir)

	first, err := s.Insert(frag("already safely on disk", nil))
	require.NoError(t, err)

	// A read-only data directory makes the snapshot itself fail.
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })
	if f, err := os.Create(filepath.Join(dir, ".write-check")); err == nil {
		f.Close()
		os.Remove(f.Name())
		t.Skip("directory permissions are not enforced for this user")
	}

	_, err = s.Insert(frag("never reaches the disk", nil))
	require.Error(t, err)

	got, err := s.Get(first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FragmentCount)
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		s, err := Open(Options{DataDir: dir, Driver: DriverPureGo, Dimension: testDim})
		require.NoError(t, err)
		_, err = s.Insert(frag(strings.Repeat("x", i+10)+" rotation content", nil))
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	s := setupTestStore(t, DriverPureGo, dir)
	backups, err := s.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, maxBackups)

	for i := 1; i < len(backups); i++ {
		assert.Greater(t, backups[i-1], backups[i], "backups must be newest first")
	}
}

func TestRecoveryAdoptsNewestValidBackup(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			backupDir := filepath.Join(dir, "backups")

			s, err := Open(Options{DataDir: dir, Driver: driver, Dimension: testDim})
			require.NoError(t, err)
			res, err := s.Insert(frag("decided to keep the single-file layout", nil))
			require.NoError(t, err)
			require.NoError(t, s.Close())

			valid := filepath.Join(backupDir, BackupName(defaultFileName, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
			require.NoError(t, copyFile(filepath.Join(dir, defaultFileName), valid))
			corrupt(t, filepath.Join(backupDir, BackupName(defaultFileName, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))))
			corrupt(t, filepath.Join(backupDir, BackupName(defaultFileName, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))))
			corrupt(t, filepath.Join(dir, defaultFileName))

			s = setupTestStore(t, driver, dir)
			report := s.Report()
			assert.True(t, report.Recovered())
			assert.Equal(t, valid, report.Backup)
			assert.Len(t, report.Rejected, 3)
			assert.ErrorIs(t, report.Rejected[0].Err, ErrCorrupt)

			got, err := s.Get(res.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.NoError(t, s.Close())

			// The adopted backup was re-persisted as the main file.
			s2 := setupTestStore(t, driver, dir)
			assert.Equal(t, SourceMain, s2.Report().Source)
			got, err = s2.Get(res.ID)
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestRecoveryFallsBackToEmptyStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	corrupt(t, filepath.Join(dir, defaultFileName))

	s := setupTestStore(t, DriverPureGo, dir)
	report := s.Report()
	assert.True(t, report.Reset())
	assert.NotEmpty(t, report.BackupCreated)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.FragmentCount)

	_, err = s.Insert(frag("the store keeps working after a reset", nil))
	require.NoError(t, err)
}

func TestFreshDirectoryIsNotAReset(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, filepath.Join(t.TempDir(), "nested", "data"))
	assert.Equal(t, SourceEmpty, s.Report().Source)
	assert.False(t, s.Report().Reset())
	assert.Empty(t, s.Report().BackupCreated)
}

func TestDimensionMismatchIsRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{DataDir: dir, Driver: DriverPureGo, Dimension: testDim})
	require.NoError(t, err)
	_, err = s.Insert(frag("stored with four dimensions", nil))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Options{DataDir: dir, Driver: DriverPureGo, Dimension: 8})
	require.NoError(t, err)
	defer s2.Close()

	report := s2.Report()
	require.NotEmpty(t, report.Rejected)
	assert.True(t, errors.Is(report.Rejected[0].Err, ErrSchemaMismatch))
	assert.Equal(t, SourceEmpty, report.Source)
}

func TestDeleteAllForProjectKeepsGlobal(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := setupTestStore(t, driver, t.TempDir())
			alpha := models.StringPtr("alpha")

			_, err := s.Insert(frag("alpha fragment number one", alpha))
			require.NoError(t, err)
			_, err = s.Insert(frag("alpha fragment number two", alpha))
			require.NoError(t, err)
			global, err := s.Insert(frag("a global fragment shared by all", nil))
			require.NoError(t, err)
			beta, err := s.Insert(frag("beta fragment stays put", models.StringPtr("beta")))
			require.NoError(t, err)

			n, err := s.CountForProject("alpha")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			deleted, err := s.DeleteAllForProject("alpha")
			require.NoError(t, err)
			assert.Equal(t, 2, deleted)

			for _, id := range []int64{global.ID, beta.ID} {
				f, err := s.Get(id)
				require.NoError(t, err)
				assert.NotNil(t, f)
			}
			hits, err := s.KeywordSearch("alpha", AllProjects, 10)
			require.NoError(t, err)
			assert.Empty(t, hits)

			deleted, err = s.DeleteAllForProject("alpha")
			require.NoError(t, err)
			assert.Zero(t, deleted)
		})
	}
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())
	res, err := s.Insert(frag("to be deleted shortly", nil))
	require.NoError(t, err)

	ok, err := s.Delete(res.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(res.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := s.Get(res.ID)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestUpdateContent(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())
	a, err := s.Insert(frag("original wording of the note", nil))
	require.NoError(t, err)
	b, err := s.Insert(frag("another note entirely", nil))
	require.NoError(t, err)

	updated, err := s.UpdateContent(a.ID, "  revised wording of the note ", vec(1, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "revised wording of the note", updated.Content)
	assert.Equal(t, ContentHash("revised wording of the note"), updated.ContentHash)
	assert.Equal(t, vec(1, 0, 0, 0), updated.Embedding)

	hits, err := s.KeywordSearch("revised", AllProjects, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].Fragment.ID)

	_, err = s.UpdateContent(a.ID, "another note entirely", vec(1, 0, 0, 0))
	assert.ErrorIs(t, err, ErrDuplicateContent)

	_, err = s.UpdateContent(b.ID+100, "nobody home", vec(1, 0, 0, 0))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeywordSearch(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := setupTestStore(t, driver, t.TempDir())
			now := time.Now()
			insertAt := func(content string, project *string, age time.Duration) int64 {
				f := frag(content, project)
				f.Timestamp = now.Add(-age)
				res, err := s.Insert(f)
				require.NoError(t, err)
				return res.ID
			}

			insertAt("Postgres connection pool exhausted under load", models.StringPtr("api"), 3*time.Hour)
			insertAt("The connection pool size is now 20", models.StringPtr("api"), time.Hour)
			insertAt("Redis pool settings are global", nil, 2*time.Hour)
			insertAt("Unrelated note about CSS grid", models.StringPtr("web"), time.Minute)

			hits, err := s.KeywordSearch("connection pool", ProjectScope("api", false), 10)
			require.NoError(t, err)
			assert.Len(t, hits, 2)

			hits, err = s.KeywordSearch("pool", ProjectScope("api", true), 10)
			require.NoError(t, err)
			assert.Len(t, hits, 3)

			hits, err = s.KeywordSearch("pool grid", AllProjects, 10)
			require.NoError(t, err)
			assert.Empty(t, hits)

			hits, err = s.KeywordSearch("   ", AllProjects, 10)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestPureGoDriverHasNativeIndex(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())
	assert.Equal(t, NativeIndex, s.KeywordIndex())
}

func TestScanIndexRanksByRecency(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())
	now := time.Now()
	var ids []int64
	for i, age := range []time.Duration{5 * time.Hour, time.Hour, 3 * time.Hour} {
		f := frag("Deploy Pipeline step "+strings.Repeat("i", i+1), nil)
		f.Timestamp = now.Add(-age)
		res, err := s.Insert(f)
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	hits, err := scanIndex{}.search(s.db, "deploy PIPELINE", AllProjects, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, ids[1], hits[0].Fragment.ID)
	assert.Equal(t, ids[2], hits[1].Fragment.ID)
	assert.Less(t, hits[0].Rank, hits[1].Rank)
}

func TestSanitizeFTS(t *testing.T) {
	assert.Equal(t, `"foo" "bar"`, sanitizeFTS("foo  bar"))
	assert.Equal(t, `"say" """hi"""`, sanitizeFTS(`say "hi"`))
	assert.Equal(t, "", sanitizeFTS("   "))
}

func TestTurnWindow(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())
	proj := models.StringPtr("proj")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	first := []models.Turn{
		{Role: models.RoleUser, Content: "old question", SessionID: "s1", TurnIndex: 0, Timestamp: base},
		{Role: models.RoleAssistant, Content: "old answer", SessionID: "s1", TurnIndex: 1, Timestamp: base.Add(time.Second)},
	}
	require.NoError(t, s.SaveTurns(proj, first))
	require.NoError(t, s.SaveTurns(nil, []models.Turn{
		{Role: models.RoleUser, Content: "global turn", SessionID: "s0", Timestamp: base},
	}))

	second := []models.Turn{
		{Role: models.RoleUser, Content: "new question", SessionID: "s2", TurnIndex: 0, Timestamp: base.Add(time.Hour)},
		{Role: models.RoleAssistant, Content: "new answer", SessionID: "s2", TurnIndex: 1, Timestamp: base.Add(time.Hour + time.Second)},
	}
	require.NoError(t, s.SaveTurns(proj, second))

	turns, err := s.RecentTurns(proj, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "new answer", turns[0].Content)
	assert.Equal(t, "new question", turns[1].Content)
	assert.Equal(t, models.RoleAssistant, turns[0].Role)

	global, err := s.RecentTurns(nil, 10)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "global turn", global[0].Content)
}

func TestSummaryUpsert(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())

	sum := &models.SessionSummary{
		ProjectID:      models.StringPtr("proj"),
		SessionID:      "sess-1",
		Summary:        "first pass",
		Decisions:      []string{"use sqlite"},
		ContextPercent: 40,
		FragmentCount:  3,
	}
	require.NoError(t, s.SaveSummary(sum))

	sum2 := &models.SessionSummary{
		ProjectID:      models.StringPtr("proj"),
		SessionID:      "sess-1",
		Summary:        "second pass",
		Outcomes:       []string{"tests pass"},
		ContextPercent: 85,
		FragmentCount:  7,
	}
	require.NoError(t, s.SaveSummary(sum2))

	got, err := s.GetSummary("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second pass", got.Summary)
	assert.Empty(t, got.Decisions)
	assert.Equal(t, []string{"tests pass"}, got.Outcomes)
	assert.Equal(t, 85, got.ContextPercent)
	assert.Equal(t, 7, got.FragmentCount)

	list, err := s.RecentSummaries(models.StringPtr("proj"), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	missing, err := s.GetSummary("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStats(t *testing.T) {
	s := setupTestStore(t, DriverPureGo, t.TempDir())
	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	f1 := frag("stats fragment one", models.StringPtr("a"))
	f1.Timestamp = old
	f2 := frag("stats fragment two", models.StringPtr("b"))
	f2.Timestamp = recent
	f2.SessionID = "sess-2"
	f3 := frag("stats fragment three", nil)
	f3.Timestamp = recent
	_, err := s.InsertMany([]models.NewFragment{f1, f2, f3})
	require.NoError(t, err)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.FragmentCount)
	assert.Equal(t, 2, st.ProjectCount)
	assert.Equal(t, 2, st.SessionCount)
	assert.Greater(t, st.SizeBytes, int64(0))
	require.NotNil(t, st.Oldest)
	require.NotNil(t, st.Newest)
	assert.True(t, old.Equal(*st.Oldest))
	assert.True(t, recent.Equal(*st.Newest))
	assert.Equal(t, "fts5", st.KeywordIndex)
}

func TestOpenerSharesOneOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{DataDir: dir, Driver: DriverPureGo, Dimension: testDim})
	require.NoError(t, err)
	_, err = s.Insert(frag("existing data so open takes a backup", nil))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	o := NewOpener(Options{DataDir: dir, Driver: DriverPureGo, Dimension: testDim})
	defer o.Close()

	var wg sync.WaitGroup
	got := make([]*Store, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := o.Get()
			assert.NoError(t, err)
			got[i] = st
		}(i)
	}
	wg.Wait()

	for _, st := range got {
		assert.Same(t, got[0], st)
	}
	backups, err := got[0].Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
