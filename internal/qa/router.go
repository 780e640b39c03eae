package qa

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/semkb/semkb/internal/embed"
	kberrors "github.com/semkb/semkb/internal/errors"
)

// RouterConfig configures the category router.
type RouterConfig struct {
	// BasePath is the root directory holding one sub-directory per category.
	BasePath  string
	Namespace string
	Workspace string
	// Dimensions is the embedding dimension shared by all stores.
	Dimensions int
	// MinSimilarity is the default retrieval threshold.
	MinSimilarity float64
}

// Router owns a dynamic set of category stores, lazily created, plus a
// merged global id -> pair view for cross-category operations.
//
// The global map is a denormalized cache: it is mutated only after the
// corresponding store mutation succeeds, so a failure never leaves the
// global view ahead of a store.
type Router struct {
	cfg      RouterConfig
	embedder embed.Embedder

	// mu guards stores, global, and every store's own state. Mutations hold
	// the write lock; queries and listings hold the read lock. The keyed
	// locks in lockmgr order whole operations above this.
	mu     sync.RWMutex
	stores map[string]*Store
	global map[string]*Pair

	initialized bool
}

// NewRouter creates a router. Call Initialize before use.
func NewRouter(cfg RouterConfig, embedder embed.Embedder) *Router {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "default"
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	return &Router{
		cfg:      cfg,
		embedder: embedder,
		stores:   make(map[string]*Store),
		global:   make(map[string]*Pair),
	}
}

// Initialize scans the base path for category directories holding a
// recognizable metadata file and loads each as a store. A failing category
// is logged and skipped; it never aborts the whole router.
func (r *Router) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	if err := os.MkdirAll(r.cfg.BasePath, 0o755); err != nil {
		return kberrors.New(kberrors.ErrCodeStoragePath,
			fmt.Sprintf("cannot create base path %s", r.cfg.BasePath), err)
	}

	entries, err := os.ReadDir(r.cfg.BasePath)
	if err != nil {
		return kberrors.New(kberrors.ErrCodeStoragePath,
			fmt.Sprintf("cannot scan base path %s", r.cfg.BasePath), err)
	}

	metaName := MetadataFileName(r.cfg.Namespace, r.cfg.Workspace)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		category := entry.Name()
		metaPath := filepath.Join(r.cfg.BasePath, category, metaName)
		if _, err := os.Stat(metaPath); err != nil {
			continue // not a category store for this namespace/workspace
		}

		store := r.newStore(category)
		if err := store.Initialize(); err != nil {
			slog.Warn("skipping category with unloadable store",
				slog.String("category", category),
				slog.String("error", err.Error()))
			continue
		}

		r.stores[category] = store
		for _, p := range store.List(ListFilter{}) {
			r.global[p.ID] = p
		}
		slog.Debug("loaded category store",
			slog.String("category", category),
			slog.Int("pairs", store.Count()))
	}

	r.initialized = true
	return nil
}

func (r *Router) newStore(category string) *Store {
	return NewStore(StoreConfig{
		Dir:           filepath.Join(r.cfg.BasePath, category),
		Category:      category,
		Namespace:     r.cfg.Namespace,
		Workspace:     r.cfg.Workspace,
		Dimensions:    r.cfg.Dimensions,
		MinSimilarity: r.cfg.MinSimilarity,
	}, r.embedder)
}

// validateCategory rejects names that would escape the base path.
func validateCategory(category string) error {
	if category == "" {
		return kberrors.New(kberrors.ErrCodeInvalidInput, "category must not be empty", nil)
	}
	if strings.ContainsAny(category, `/\`) || category == "." || category == ".." {
		return kberrors.Newf(kberrors.ErrCodeInvalidInput, "invalid category name %q", category)
	}
	return nil
}

// GetOrCreate returns the store for a category, lazily constructing,
// initializing, and registering it on first use.
func (r *Router) GetOrCreate(category string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(category)
}

func (r *Router) getOrCreateLocked(category string) (*Store, error) {
	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	if category == "" {
		category = DefaultCategory
	}
	if err := validateCategory(category); err != nil {
		return nil, err
	}

	if store, ok := r.stores[category]; ok {
		return store, nil
	}

	store := r.newStore(category)
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	r.stores[category] = store
	return store, nil
}

// Categories returns the known category names, sorted.
func (r *Router) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.categoriesLocked()
}

func (r *Router) categoriesLocked() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a pair from the merged global view.
func (r *Router) Get(id string) (*Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.global[id]
	return p, ok
}

// GlobalCount returns the size of the merged global view.
func (r *Router) GlobalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.global)
}

// Add resolves the category store, delegates, mirrors the new pair into the
// global view, and persists the touched category.
func (r *Router) Add(ctx context.Context, question, answer string, opts AddOptions) (*AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	category := opts.Category
	if category == "" {
		category = DefaultCategory
		opts.Category = category
	}

	store, err := r.getOrCreateLocked(category)
	if err != nil {
		return nil, err
	}

	res, err := store.Add(ctx, question, answer, opts)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return res, nil
	}

	if pair, ok := store.Get(res.ID); ok {
		r.global[res.ID] = pair
	}

	if err := store.Persist(); err != nil {
		// The in-memory mutation stands; surfacing lets the caller decide
		// whether to retry the flush.
		return res, err
	}
	return res, nil
}

// AddBatch groups items by category, applies per-item add semantics, mirrors
// successes into the global view, and persists each touched category once.
// Result indexes refer to positions in items.
func (r *Router) AddBatch(ctx context.Context, items []BatchItem) (*BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireInitialized(); err != nil {
		return nil, err
	}

	result := &BatchResult{}
	touched := make(map[string]*Store)

	for i, item := range items {
		category := item.Options.Category
		if category == "" {
			category = DefaultCategory
			item.Options.Category = category
		}

		store, err := r.getOrCreateLocked(category)
		if err != nil {
			result.Failed = append(result.Failed, FailedItem{
				Index: i, Category: category, Err: err, Reason: err.Error(),
			})
			continue
		}

		res, err := store.Add(ctx, item.Question, item.Answer, item.Options)
		if err != nil {
			result.Failed = append(result.Failed, FailedItem{
				Index: i, Category: category, Err: err, Reason: err.Error(),
			})
			continue
		}
		if res.Duplicate {
			result.Skipped = append(result.Skipped, SkippedDuplicate{
				Index: i, ExistingID: res.ExistingID, Similarity: res.Similarity,
			})
			continue
		}

		result.AddedIDs = append(result.AddedIDs, res.ID)
		if pair, ok := store.Get(res.ID); ok {
			r.global[res.ID] = pair
		}
		touched[category] = store
	}

	for category, store := range touched {
		if err := store.Persist(); err != nil {
			slog.Warn("failed to persist category after batch add",
				slog.String("category", category),
				slog.String("error", err.Error()))
		}
	}

	return result, nil
}

// Query retrieves matches. With a category, the query is delegated fully to
// that store. Without one, it fans out to every store with a permissive
// threshold, merges all candidates, sorts by similarity descending, applies
// the effective threshold once over the union, and keeps the top k.
func (r *Router) Query(ctx context.Context, question string, topK int, minSimilarity float64, category string) (*QueryResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	if question == "" {
		return nil, kberrors.New(kberrors.ErrCodeEmptyQuestion, "question must not be empty", nil)
	}
	if topK <= 0 {
		topK = 1
	}

	if category != "" {
		store, ok := r.stores[category]
		if !ok {
			// Unknown category is a successful "not found", not an error.
			return &QueryResult{Matches: []Match{}}, nil
		}
		return store.Query(ctx, question, topK, minSimilarity)
	}

	if minSimilarity < 0 {
		minSimilarity = r.cfg.MinSimilarity
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, kberrors.ProviderError("failed to embed question", err)
	}

	merged := &QueryResult{Matches: []Match{}}
	var candidates []Match
	for _, name := range r.categoriesLocked() {
		store := r.stores[name]
		res, err := store.QueryVector(ctx, vec, topK, 0)
		if err != nil {
			return nil, err
		}
		if res.BestSimilarity > merged.BestSimilarity {
			merged.BestSimilarity = res.BestSimilarity
		}
		candidates = append(candidates, res.Matches...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	for _, m := range candidates {
		if float64(m.Similarity) < minSimilarity {
			continue
		}
		merged.Matches = append(merged.Matches, m)
		if len(merged.Matches) == topK {
			break
		}
	}

	if len(merged.Matches) > 0 {
		merged.Found = true
		merged.Best = &merged.Matches[0]
	}
	return merged, nil
}

// List returns pairs. With a category it delegates to that store; otherwise
// it aggregates over the merged global view.
func (r *Router) List(filter ListFilter) ([]*Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.requireInitialized(); err != nil {
		return nil, err
	}

	if filter.Category != "" {
		store, ok := r.stores[filter.Category]
		if !ok {
			return []*Pair{}, nil
		}
		return store.List(ListFilter{MinConfidence: filter.MinConfidence}), nil
	}

	out := make([]*Pair, 0, len(r.global))
	for _, p := range r.global {
		if filter.MinConfidence > 0 && p.Confidence < filter.MinConfidence {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes pairs by id wherever they live: resolve each id through the
// global view, delegate to the owning store, update the global view, and
// persist touched categories.
func (r *Router) Delete(ctx context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireInitialized(); err != nil {
		return 0, err
	}

	byCategory := make(map[string][]string)
	for _, id := range ids {
		pair, ok := r.global[id]
		if !ok {
			continue
		}
		byCategory[pair.Category] = append(byCategory[pair.Category], id)
	}

	removed := 0
	for category, catIDs := range byCategory {
		store, ok := r.stores[category]
		if !ok {
			continue
		}
		n, err := store.Delete(ctx, catIDs)
		if err != nil {
			return removed, err
		}
		for _, id := range catIDs {
			delete(r.global, id)
		}
		removed += n

		if err := store.Persist(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats returns per-category statistics plus the merged total.
func (r *Router) Stats() (*RouterStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.requireInitialized(); err != nil {
		return nil, err
	}

	stats := &RouterStats{
		TotalPairs: len(r.global),
		Categories: make(map[string]StoreStats, len(r.stores)),
	}
	for name, store := range r.stores {
		stats.Categories[name] = store.Stats()
	}
	return stats, nil
}

// CategoryStats returns statistics for one category.
func (r *Router) CategoryStats(category string) (StoreStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.requireInitialized(); err != nil {
		return StoreStats{}, err
	}
	store, ok := r.stores[category]
	if !ok {
		return StoreStats{}, kberrors.Newf(kberrors.ErrCodeUnknownCategory, "unknown category %q", category)
	}
	return store.Stats(), nil
}

// DeleteCategory removes the category's pairs from the global view,
// instructs the store to drop (including its on-disk artifacts), removes the
// category directory, and deregisters the store.
func (r *Router) DeleteCategory(ctx context.Context, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireInitialized(); err != nil {
		return err
	}

	store, ok := r.stores[category]
	if !ok {
		return kberrors.Newf(kberrors.ErrCodeUnknownCategory, "unknown category %q", category)
	}

	for _, id := range store.IDs() {
		delete(r.global, id)
	}

	if err := store.Drop(); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	dir := filepath.Join(r.cfg.BasePath, category)
	if err := os.RemoveAll(dir); err != nil {
		return kberrors.New(kberrors.ErrCodePersistFailed,
			fmt.Sprintf("failed to remove category directory %s", dir), err)
	}

	delete(r.stores, category)
	return nil
}

// CheckIntegrity verifies the pair-map/index bijection of every store.
// Returns category -> ids present on only one side; empty means consistent.
func (r *Router) CheckIntegrity() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	problems := make(map[string][]string)
	for name, store := range r.stores {
		onlyMeta, onlyIndex := store.CheckBijection()
		if len(onlyMeta)+len(onlyIndex) > 0 {
			problems[name] = append(onlyMeta, onlyIndex...)
		}
	}
	return problems
}

// PersistAll flushes every store. The first error is returned after all
// stores have been attempted.
func (r *Router) PersistAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireInitialized(); err != nil {
		return err
	}

	var firstErr error
	for name, store := range r.stores {
		if err := store.Persist(); err != nil {
			slog.Warn("failed to persist category",
				slog.String("category", name),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close releases every store.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, store := range r.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// requireInitialized reads initialized; callers hold mu.
func (r *Router) requireInitialized() error {
	if !r.initialized {
		return kberrors.New(kberrors.ErrCodeNotInitialized, "category router is not initialized", nil)
	}
	return nil
}
