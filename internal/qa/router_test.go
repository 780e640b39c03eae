package qa

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/semkb/semkb/internal/errors"
)

func newTestRouter(t *testing.T, embedder *fakeEmbedder) *Router {
	t.Helper()
	router := NewRouter(RouterConfig{
		BasePath:   t.TempDir(),
		Dimensions: 4,
	}, embedder)
	require.NoError(t, router.Initialize())
	t.Cleanup(func() { _ = router.Close() })
	return router
}

func TestRouter_AddRoutesByCategory(t *testing.T) {
	// Given: a router and pairs destined for two categories
	embedder := newFakeEmbedder().
		set("q-alpha", atCosine(1.0)).
		set("q-beta", atCosine(0.0))
	router := newTestRouter(t, embedder)

	ra, err := router.Add(context.Background(), "q-alpha", "a", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	rb, err := router.Add(context.Background(), "q-beta", "b", AddOptions{Category: "beta"})
	require.NoError(t, err)

	// Then: each pair lives in its category and in the global view
	assert.Equal(t, []string{"alpha", "beta"}, router.Categories())
	assert.Equal(t, 2, router.GlobalCount())

	pa, ok := router.Get(ra.ID)
	require.True(t, ok)
	assert.Equal(t, "alpha", pa.Category)
	pb, ok := router.Get(rb.ID)
	require.True(t, ok)
	assert.Equal(t, "beta", pb.Category)
}

func TestRouter_DefaultCategory(t *testing.T) {
	embedder := newFakeEmbedder().set("q", atCosine(1.0))
	router := newTestRouter(t, embedder)

	res, err := router.Add(context.Background(), "q", "a", AddOptions{})
	require.NoError(t, err)

	pair, ok := router.Get(res.ID)
	require.True(t, ok)
	assert.Equal(t, DefaultCategory, pair.Category)
	assert.Equal(t, []string{DefaultCategory}, router.Categories())
}

func TestRouter_InvalidCategoryName(t *testing.T) {
	router := newTestRouter(t, newFakeEmbedder())

	for _, bad := range []string{"../escape", "a/b", `a\b`, ".."} {
		_, err := router.Add(context.Background(), "q", "a", AddOptions{Category: bad})
		require.Error(t, err, "category %q", bad)
		assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))
	}
}

func TestRouter_FederatedQueryMergesAcrossCategories(t *testing.T) {
	// Given: alpha holds a 0.95 match and beta a 0.90 match for the query
	embedder := newFakeEmbedder().
		set("close question", atCosine(0.95)).
		set("closer still", atCosine(0.90)).
		set("unrelated", atCosine(0.1)).
		set("the query", atCosine(1.0))
	router := newTestRouter(t, embedder)

	ra, err := router.Add(context.Background(), "close question", "a1", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	rb, err := router.Add(context.Background(), "closer still", "a2", AddOptions{Category: "beta"})
	require.NoError(t, err)
	_, err = router.Add(context.Background(), "unrelated", "a3", AddOptions{Category: "beta"})
	require.NoError(t, err)

	// When: I query without a category
	qr, err := router.Query(context.Background(), "the query", 5, 0.7, "")
	require.NoError(t, err)

	// Then: matches from both categories come back sorted by similarity
	require.True(t, qr.Found)
	require.Len(t, qr.Matches, 2)
	assert.Equal(t, ra.ID, qr.Matches[0].Pair.ID)
	assert.Equal(t, rb.ID, qr.Matches[1].Pair.ID)
	assert.Greater(t, qr.Matches[0].Similarity, qr.Matches[1].Similarity)
	assert.Equal(t, qr.Matches[0].Pair.ID, qr.Best.Pair.ID)
}

func TestRouter_FederatedQueryHonorsTopK(t *testing.T) {
	embedder := newFakeEmbedder().
		set("m1", atCosine(0.95)).
		set("m2", atCosine(0.90)).
		set("m3", atCosine(0.85)).
		set("the query", atCosine(1.0))
	router := newTestRouter(t, embedder)

	for i, q := range []string{"m1", "m2", "m3"} {
		cat := "alpha"
		if i%2 == 1 {
			cat = "beta"
		}
		_, err := router.Add(context.Background(), q, "a", AddOptions{Category: cat})
		require.NoError(t, err)
	}

	qr, err := router.Query(context.Background(), "the query", 2, 0.7, "")
	require.NoError(t, err)
	require.Len(t, qr.Matches, 2)
	assert.Equal(t, "m1", qr.Matches[0].Pair.Question)
	assert.Equal(t, "m2", qr.Matches[1].Pair.Question)
}

func TestRouter_QueryScopedToCategory(t *testing.T) {
	embedder := newFakeEmbedder().
		set("in alpha", atCosine(0.95)).
		set("in beta", atCosine(0.90)).
		set("the query", atCosine(1.0))
	router := newTestRouter(t, embedder)

	_, err := router.Add(context.Background(), "in alpha", "a", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	_, err = router.Add(context.Background(), "in beta", "b", AddOptions{Category: "beta"})
	require.NoError(t, err)

	qr, err := router.Query(context.Background(), "the query", 5, 0.7, "beta")
	require.NoError(t, err)
	require.Len(t, qr.Matches, 1)
	assert.Equal(t, "in beta", qr.Matches[0].Pair.Question)
}

func TestRouter_QueryUnknownCategoryIsNotFound(t *testing.T) {
	router := newTestRouter(t, newFakeEmbedder())

	// Unknown category is a successful empty result, not an error
	qr, err := router.Query(context.Background(), "anything", 5, 0.7, "nope")
	require.NoError(t, err)
	assert.False(t, qr.Found)
	assert.Empty(t, qr.Matches)
}

func TestRouter_QueryReportsBestSimilarityAcrossCategories(t *testing.T) {
	embedder := newFakeEmbedder().
		set("weak match", atCosine(0.6)).
		set("the query", atCosine(1.0))
	router := newTestRouter(t, embedder)

	_, err := router.Add(context.Background(), "weak match", "a", AddOptions{Category: "alpha"})
	require.NoError(t, err)

	qr, err := router.Query(context.Background(), "the query", 5, 0.7, "")
	require.NoError(t, err)
	assert.False(t, qr.Found)
	assert.InDelta(t, 0.6, float64(qr.BestSimilarity), 0.01)
}

func TestRouter_AddBatchSpansCategories(t *testing.T) {
	// Given: a batch touching two categories with one invalid item
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.0)).
		set("q3", atCosine(0.5))
	router := newTestRouter(t, embedder)

	res, err := router.AddBatch(context.Background(), []BatchItem{
		{Question: "q1", Answer: "a1", Options: AddOptions{Category: "alpha"}},
		{Question: "q2", Answer: "a2", Options: AddOptions{Category: "beta"}},
		{Question: "", Answer: "a3", Options: AddOptions{Category: "alpha"}},
		{Question: "q3", Answer: "a4"},
	})
	require.NoError(t, err)

	// Then: successes and failures keep their input positions
	assert.Equal(t, 3, res.AddedCount())
	require.Equal(t, 1, res.FailedCount())
	assert.Equal(t, 2, res.Failed[0].Index)
	assert.Equal(t, "alpha", res.Failed[0].Category)
	assert.Equal(t, 3, router.GlobalCount())
	assert.Equal(t, []string{"alpha", "beta", "general"}, router.Categories())
}

func TestRouter_DeleteAcrossCategories(t *testing.T) {
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.0)).
		set("q3", atCosine(0.5))
	router := newTestRouter(t, embedder)

	r1, err := router.Add(context.Background(), "q1", "a1", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	r2, err := router.Add(context.Background(), "q2", "a2", AddOptions{Category: "beta"})
	require.NoError(t, err)
	_, err = router.Add(context.Background(), "q3", "a3", AddOptions{Category: "beta"})
	require.NoError(t, err)

	// Deleting ids from both categories in one call
	removed, err := router.Delete(context.Background(), []string{r1.ID, r2.ID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, router.GlobalCount())

	_, ok := router.Get(r1.ID)
	assert.False(t, ok)
}

func TestRouter_DeleteCategory(t *testing.T) {
	// Given: 3 pairs in alpha and 2 in beta
	embedder := newFakeEmbedder().
		set("a1", atCosine(1.0)).
		set("a2", atCosine(0.5)).
		set("a3", atCosine(0.0)).
		set("b1", atCosine(0.8)).
		set("b2", atCosine(0.3))
	router := newTestRouter(t, embedder)

	for _, q := range []string{"a1", "a2", "a3"} {
		_, err := router.Add(context.Background(), q, "ans", AddOptions{Category: "alpha"})
		require.NoError(t, err)
	}
	for _, q := range []string{"b1", "b2"} {
		_, err := router.Add(context.Background(), q, "ans", AddOptions{Category: "beta"})
		require.NoError(t, err)
	}
	alphaDir := filepath.Join(router.cfg.BasePath, "alpha")
	_, err := os.Stat(alphaDir)
	require.NoError(t, err)

	// When: alpha is deleted
	require.NoError(t, router.DeleteCategory(context.Background(), "alpha"))

	// Then: beta survives, alpha's directory and global entries are gone
	assert.Equal(t, []string{"beta"}, router.Categories())
	assert.Equal(t, 2, router.GlobalCount())
	_, err = os.Stat(alphaDir)
	assert.True(t, os.IsNotExist(err))

	// And: deleting it again reports an unknown category
	err = router.DeleteCategory(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeUnknownCategory, kberrors.GetCode(err))
}

func TestRouter_InitializeReloadsCategories(t *testing.T) {
	// Given: a router that persisted pairs into two categories
	base := t.TempDir()
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.0))
	cfg := RouterConfig{BasePath: base, Dimensions: 4}

	router := NewRouter(cfg, embedder)
	require.NoError(t, router.Initialize())
	r1, err := router.Add(context.Background(), "q1", "a1", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	_, err = router.Add(context.Background(), "q2", "a2", AddOptions{Category: "beta"})
	require.NoError(t, err)
	require.NoError(t, router.Close())

	// When: a fresh router scans the same base path
	reloaded := NewRouter(cfg, embedder)
	require.NoError(t, reloaded.Initialize())
	defer func() { _ = reloaded.Close() }()

	// Then: both categories and all pairs come back
	assert.Equal(t, []string{"alpha", "beta"}, reloaded.Categories())
	assert.Equal(t, 2, reloaded.GlobalCount())

	qr, err := reloaded.Query(context.Background(), "q1", 1, 0.9, "")
	require.NoError(t, err)
	require.True(t, qr.Found)
	assert.Equal(t, r1.ID, qr.Best.Pair.ID)
}

func TestRouter_InitializeSkipsCorruptCategory(t *testing.T) {
	// Given: one healthy category and one with corrupt metadata
	base := t.TempDir()
	embedder := newFakeEmbedder().set("q1", atCosine(1.0))
	cfg := RouterConfig{BasePath: base, Dimensions: 4}

	router := NewRouter(cfg, embedder)
	require.NoError(t, router.Initialize())
	_, err := router.Add(context.Background(), "q1", "a1", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	require.NoError(t, router.Close())

	corrupt := filepath.Join(base, "broken")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(corrupt, MetadataFileName("default", "default")),
		[]byte("{not json"), 0o644))

	// When: a fresh router scans the base path
	reloaded := NewRouter(cfg, embedder)
	require.NoError(t, reloaded.Initialize())
	defer func() { _ = reloaded.Close() }()

	// Then: the corrupt category is skipped, the healthy one loads
	assert.Equal(t, []string{"alpha"}, reloaded.Categories())
	assert.Equal(t, 1, reloaded.GlobalCount())
}

func TestRouter_Stats(t *testing.T) {
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.0))
	router := newTestRouter(t, embedder)

	_, err := router.Add(context.Background(), "q1", "a1", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	_, err = router.Add(context.Background(), "q2", "a2", AddOptions{Category: "beta"})
	require.NoError(t, err)

	stats, err := router.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPairs)
	require.Len(t, stats.Categories, 2)
	assert.Equal(t, 1, stats.Categories["alpha"].PairCount)
	assert.Equal(t, 1, stats.Categories["beta"].PairCount)
}

func TestRouter_ListGlobalAndScoped(t *testing.T) {
	embedder := newFakeEmbedder().
		set("q1", atCosine(1.0)).
		set("q2", atCosine(0.0))
	router := newTestRouter(t, embedder)

	_, err := router.Add(context.Background(), "q1", "a1", AddOptions{Category: "alpha"})
	require.NoError(t, err)
	_, err = router.Add(context.Background(), "q2", "a2", AddOptions{Category: "beta"})
	require.NoError(t, err)

	all, err := router.List(ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := router.List(ListFilter{Category: "alpha"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "q1", scoped[0].Question)
}
