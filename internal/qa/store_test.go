package qa

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/semkb/semkb/internal/errors"
)

func newTestStore(t *testing.T, embedder *fakeEmbedder) *Store {
	t.Helper()
	store := NewStore(StoreConfig{
		Dir:        t.TempDir(),
		Category:   "general",
		Dimensions: 4,
	}, embedder)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_AddAndQuery(t *testing.T) {
	// Given: a store with one pair whose question embeds to [1,0,0,0]
	embedder := newFakeEmbedder().set("how do I reset my password", atCosine(1.0))
	store := newTestStore(t, embedder)

	res, err := store.Add(context.Background(), "how do I reset my password", "use the account page", AddOptions{})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.NotEmpty(t, res.ID)

	// When: I query with the same question
	qr, err := store.Query(context.Background(), "how do I reset my password", 5, 0.7)
	require.NoError(t, err)

	// Then: the pair is found with similarity ~1.0
	require.True(t, qr.Found)
	require.Len(t, qr.Matches, 1)
	assert.Equal(t, res.ID, qr.Best.Pair.ID)
	assert.Equal(t, "use the account page", qr.Best.Pair.Answer)
	assert.Greater(t, qr.Best.Similarity, float32(0.99))
}

func TestStore_AddValidation(t *testing.T) {
	store := newTestStore(t, newFakeEmbedder())

	// Empty question
	_, err := store.Add(context.Background(), "", "answer", AddOptions{})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeEmptyQuestion, kberrors.GetCode(err))

	// Empty answer
	_, err = store.Add(context.Background(), "question", "", AddOptions{})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))

	// Confidence out of range
	bad := 1.5
	_, err = store.Add(context.Background(), "question", "answer", AddOptions{Confidence: &bad})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))

	assert.Equal(t, 0, store.Count())
}

func TestStore_DuplicateDetection(t *testing.T) {
	// Given: a stored question at [1,0,0,0] and a near-identical newcomer
	embedder := newFakeEmbedder().
		set("original", atCosine(1.0)).
		set("near duplicate", atCosine(0.99)).
		set("clearly different", atCosine(0.90))
	store := newTestStore(t, embedder)

	first, err := store.Add(context.Background(), "original", "a1", AddOptions{})
	require.NoError(t, err)

	// When: I add a question above the 0.98 duplicate threshold
	res, err := store.Add(context.Background(), "near duplicate", "a2", AddOptions{})
	require.NoError(t, err)

	// Then: the add is skipped and points at the existing pair
	assert.True(t, res.Duplicate)
	assert.Equal(t, first.ID, res.ExistingID)
	assert.Greater(t, res.Similarity, float32(0.98))
	assert.Equal(t, 1, store.Count())

	// And: a question below the threshold is inserted normally
	res, err = store.Add(context.Background(), "clearly different", "a3", AddOptions{})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, store.Count())
}

func TestStore_SkipDuplicateCheck(t *testing.T) {
	embedder := newFakeEmbedder().
		set("original", atCosine(1.0)).
		set("near duplicate", atCosine(0.99))
	store := newTestStore(t, embedder)

	_, err := store.Add(context.Background(), "original", "a1", AddOptions{})
	require.NoError(t, err)

	res, err := store.Add(context.Background(), "near duplicate", "a2", AddOptions{SkipDuplicateCheck: true})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, store.Count())
}

func TestStore_CustomDuplicateThreshold(t *testing.T) {
	embedder := newFakeEmbedder().
		set("original", atCosine(1.0)).
		set("related", atCosine(0.92))
	store := newTestStore(t, embedder)

	_, err := store.Add(context.Background(), "original", "a1", AddOptions{})
	require.NoError(t, err)

	// A lowered threshold catches the merely related question
	res, err := store.Add(context.Background(), "related", "a2", AddOptions{DuplicateThreshold: 0.9})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestStore_AddBatchMixedOutcomes(t *testing.T) {
	// Given: a batch with a valid item, an in-batch duplicate, and a bad item
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q1 again", atCosine(0.99))
	store := newTestStore(t, embedder)

	res, err := store.AddBatch(context.Background(), []BatchItem{
		{Question: "q1", Answer: "a1"},
		{Question: "q1 again", Answer: "a2"},
		{Question: "broken", Answer: ""},
	})
	require.NoError(t, err)

	// Then: each item gets its own outcome, indexed by input position
	assert.Equal(t, 1, res.AddedCount())
	require.Equal(t, 1, res.SkippedCount())
	assert.Equal(t, 1, res.Skipped[0].Index)
	require.Equal(t, 1, res.FailedCount())
	assert.Equal(t, 2, res.Failed[0].Index)
	assert.Equal(t, 1, store.Count())
}

func TestStore_QueryReportsBestSimilarityBelowThreshold(t *testing.T) {
	// Given: the only pair sits at similarity 0.5 to the query
	embedder := newFakeEmbedder().
		set("stored", atCosine(0.5)).
		set("query", atCosine(1.0))
	store := newTestStore(t, embedder)

	_, err := store.Add(context.Background(), "stored", "answer", AddOptions{})
	require.NoError(t, err)

	// When: I query with a 0.7 threshold
	qr, err := store.Query(context.Background(), "query", 5, 0.7)
	require.NoError(t, err)

	// Then: nothing qualifies, but the nearest observed similarity is reported
	assert.False(t, qr.Found)
	assert.Empty(t, qr.Matches)
	assert.Nil(t, qr.Best)
	assert.InDelta(t, 0.5, float64(qr.BestSimilarity), 0.01)
}

func TestStore_QueryEmptyStore(t *testing.T) {
	store := newTestStore(t, newFakeEmbedder())

	qr, err := store.Query(context.Background(), "anything", 5, 0.7)
	require.NoError(t, err)
	assert.False(t, qr.Found)
	assert.Empty(t, qr.Matches)
	assert.Zero(t, qr.BestSimilarity)
}

func TestStore_Delete(t *testing.T) {
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.5))
	store := newTestStore(t, embedder)

	r1, err := store.Add(context.Background(), "q1", "a1", AddOptions{})
	require.NoError(t, err)
	_, err = store.Add(context.Background(), "q2", "a2", AddOptions{})
	require.NoError(t, err)

	// Deleting one known and one unknown id removes just the known one
	removed, err := store.Delete(context.Background(), []string{r1.ID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Count())

	// The deleted pair no longer matches queries
	qr, err := store.Query(context.Background(), "q1", 5, 0.9)
	require.NoError(t, err)
	assert.False(t, qr.Found)

	// Metadata map and index stay in bijection
	onlyMeta, onlyIndex := store.CheckBijection()
	assert.Empty(t, onlyMeta)
	assert.Empty(t, onlyIndex)
}

func TestStore_PersistAndReload(t *testing.T) {
	// Given: a persisted store with two pairs
	dir := t.TempDir()
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.5))
	cfg := StoreConfig{Dir: dir, Category: "general", Dimensions: 4}

	store := NewStore(cfg, embedder)
	require.NoError(t, store.Initialize())

	r1, err := store.Add(context.Background(), "q1", "a1", AddOptions{Source: "docs"})
	require.NoError(t, err)
	_, err = store.Add(context.Background(), "q2", "a2", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Persist())
	require.NoError(t, store.Close())

	// When: a fresh store opens the same directory
	reloaded := NewStore(cfg, embedder)
	require.NoError(t, reloaded.Initialize())
	defer func() { _ = reloaded.Close() }()

	// Then: pairs, metadata, and retrieval all survive
	assert.Equal(t, 2, reloaded.Count())
	pair, ok := reloaded.Get(r1.ID)
	require.True(t, ok)
	assert.Equal(t, "docs", pair.Source)

	qr, err := reloaded.Query(context.Background(), "q1", 1, 0.9)
	require.NoError(t, err)
	require.True(t, qr.Found)
	assert.Equal(t, r1.ID, qr.Best.Pair.ID)

	onlyMeta, onlyIndex := reloaded.CheckBijection()
	assert.Empty(t, onlyMeta)
	assert.Empty(t, onlyIndex)
}

func TestStore_ReloadDimensionMismatchIsFatal(t *testing.T) {
	// Given: a store persisted with 4-dimension vectors
	dir := t.TempDir()
	embedder := newFakeEmbedder().set("q1", atCosine(1.0))

	store := NewStore(StoreConfig{Dir: dir, Category: "general", Dimensions: 4}, embedder)
	require.NoError(t, store.Initialize())
	_, err := store.Add(context.Background(), "q1", "a1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Persist())
	require.NoError(t, store.Close())

	// When: the store reopens configured for 8 dimensions
	other := NewStore(StoreConfig{Dir: dir, Category: "general", Dimensions: 8}, embedder)
	err = other.Initialize()

	// Then: initialization fails fatally with a dimension mismatch
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeDimensionMismatch, kberrors.GetCode(err))
	assert.True(t, kberrors.IsFatal(err))
}

func TestStore_List(t *testing.T) {
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.5)).
		set("q3", atCosine(0.0))
	store := newTestStore(t, embedder)

	low := 0.4
	_, err := store.Add(context.Background(), "q1", "a1", AddOptions{})
	require.NoError(t, err)
	_, err = store.Add(context.Background(), "q2", "a2", AddOptions{Confidence: &low})
	require.NoError(t, err)
	_, err = store.Add(context.Background(), "q3", "a3", AddOptions{})
	require.NoError(t, err)

	all := store.List(ListFilter{})
	require.Len(t, all, 3)
	// Sorted by creation time then id
	assert.Equal(t, "q1", all[0].Question)

	confident := store.List(ListFilter{MinConfidence: 0.5})
	require.Len(t, confident, 2)
	for _, p := range confident {
		assert.GreaterOrEqual(t, p.Confidence, 0.5)
	}
}

func TestStore_Drop(t *testing.T) {
	dir := t.TempDir()
	embedder := newFakeEmbedder().set("q1", atCosine(1.0))
	store := NewStore(StoreConfig{Dir: dir, Category: "general", Dimensions: 4}, embedder)
	require.NoError(t, store.Initialize())
	defer func() { _ = store.Close() }()

	_, err := store.Add(context.Background(), "q1", "a1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Persist())

	require.NoError(t, store.Drop())

	assert.Equal(t, 0, store.Count())
	_, err = os.Stat(store.MetadataPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.IndexPath())
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RequiresInitialization(t *testing.T) {
	store := NewStore(StoreConfig{Dir: t.TempDir(), Category: "general", Dimensions: 4}, newFakeEmbedder())

	_, err := store.Add(context.Background(), "q", "a", AddOptions{})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeNotInitialized, kberrors.GetCode(err))
}

func TestStore_Stats(t *testing.T) {
	embedder := newFakeEmbedder().set("q1", atCosine(1.0))
	store := newTestStore(t, embedder)

	_, err := store.Add(context.Background(), "q1", "a1", AddOptions{})
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, "general", stats.Category)
	assert.Equal(t, 1, stats.PairCount)
	assert.Equal(t, 1, stats.IndexEntries)
	assert.Equal(t, 4, stats.Dimensions)
}

func TestStore_InitializeReconcilesMissingIndexFile(t *testing.T) {
	// Given: a persisted store whose index file was lost on disk
	dir := t.TempDir()
	embedder := newFakeEmbedder().set("orphaned question", atCosine(1.0))
	cfg := StoreConfig{Dir: dir, Category: "general", Dimensions: 4}

	store := NewStore(cfg, embedder)
	require.NoError(t, store.Initialize())
	_, err := store.Add(context.Background(), "orphaned question", "ans", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Persist())
	require.NoError(t, store.Close())
	require.NoError(t, os.Remove(store.IndexPath()))

	// When: the store is reopened
	reopened := NewStore(cfg, embedder)
	require.NoError(t, reopened.Initialize())
	t.Cleanup(func() { _ = reopened.Close() })

	// Then: the one-sided pair is dropped and the bijection holds
	assert.Equal(t, 0, reopened.Count())
	onlyMeta, onlyIndex := reopened.CheckBijection()
	assert.Empty(t, onlyMeta)
	assert.Empty(t, onlyIndex)

	qr, err := reopened.Query(context.Background(), "orphaned question", 1, 0.7)
	require.NoError(t, err)
	assert.False(t, qr.Found)
}
