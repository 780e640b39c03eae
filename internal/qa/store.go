package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/semkb/semkb/internal/embed"
	kberrors "github.com/semkb/semkb/internal/errors"
	"github.com/semkb/semkb/internal/index"
)

// metadataVersion is the schema version of the metadata file.
const metadataVersion = 1

// StoreConfig configures a single-category store.
type StoreConfig struct {
	// Dir is the category directory under the router's base path.
	Dir       string
	Category  string
	Namespace string
	Workspace string
	// Dimensions is the embedding dimension, fixed at construction.
	Dimensions int
	// MinSimilarity is the default retrieval threshold.
	MinSimilarity float64
}

// Store is the source of truth for one category: a vector index plus an
// in-memory pair map. Invariant: the pair map and the index hold exactly the
// same ids after every operation (and across persist/reload).
//
// The store does not lock itself; the owning router serializes access.
type Store struct {
	cfg      StoreConfig
	embedder embed.Embedder
	idx      *index.HNSWIndex
	pairs    map[string]*Pair

	initialized bool
	lastPersist time.Time
}

// metadataFile is the JSON layout of the per-store metadata file.
type metadataFile struct {
	Version    int     `json:"version"`
	Category   string  `json:"category"`
	Namespace  string  `json:"namespace"`
	Workspace  string  `json:"workspace"`
	Dimensions int     `json:"dimensions"`
	SavedAt    string  `json:"saved_at"`
	Pairs      []*Pair `json:"pairs"`
}

// NewStore creates a store for one category. Call Initialize before use.
func NewStore(cfg StoreConfig, embedder embed.Embedder) *Store {
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "default"
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	return &Store{
		cfg:      cfg,
		embedder: embedder,
		pairs:    make(map[string]*Pair),
	}
}

// MetadataPath returns the metadata file path for this store.
func (s *Store) MetadataPath() string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("qa_%s_%s.json", s.cfg.Namespace, s.cfg.Workspace))
}

// IndexPath returns the vector index file path for this store.
func (s *Store) IndexPath() string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("qa_%s_%s.hnsw", s.cfg.Namespace, s.cfg.Workspace))
}

// MetadataFileName returns the metadata file name a directory must contain
// to be recognized as a category store.
func MetadataFileName(namespace, workspace string) string {
	return fmt.Sprintf("qa_%s_%s.json", namespace, workspace)
}

// Category returns the store's category.
func (s *Store) Category() string { return s.cfg.Category }

// Initialize opens or creates the vector index and loads persisted metadata.
// A dimension mismatch against a persisted index is fatal.
func (s *Store) Initialize() error {
	if s.initialized {
		return nil
	}

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return kberrors.New(kberrors.ErrCodeStoragePath,
			fmt.Sprintf("cannot create category directory %s", s.cfg.Dir), err)
	}

	persistedDims, err := index.ReadIndexDimensions(s.IndexPath())
	if err != nil {
		return kberrors.New(kberrors.ErrCodeIndexCorrupt,
			fmt.Sprintf("unreadable index sidecar for category %s", s.cfg.Category), err)
	}
	if persistedDims != 0 && persistedDims != s.cfg.Dimensions {
		return kberrors.New(kberrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("category %s index has dimension %d, embedder produces %d",
				s.cfg.Category, persistedDims, s.cfg.Dimensions), nil).
			WithSuggestion("re-add the category's pairs with the current embedding model")
	}

	idx, err := index.NewHNSWIndex(index.DefaultConfig(s.cfg.Dimensions))
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeInternal, err)
	}
	s.idx = idx

	if _, err := os.Stat(s.IndexPath()); err == nil {
		if err := s.idx.Load(s.IndexPath()); err != nil {
			return kberrors.New(kberrors.ErrCodeIndexCorrupt,
				fmt.Sprintf("cannot load vector index for category %s", s.cfg.Category), err)
		}
	}

	if err := s.loadMetadata(); err != nil {
		return err
	}

	// A missing or stale index file (or metadata file) leaves the two sides
	// disagreeing. Drop the one-sided ids so the bijection holds from the
	// first operation on; the pairs themselves are gone either way.
	if onlyMeta, onlyIndex := s.CheckBijection(); len(onlyMeta)+len(onlyIndex) > 0 {
		for _, id := range onlyMeta {
			delete(s.pairs, id)
		}
		if len(onlyIndex) > 0 {
			if err := s.idx.Delete(context.Background(), onlyIndex); err != nil {
				return kberrors.New(kberrors.ErrCodeIndexCorrupt,
					fmt.Sprintf("cannot reconcile vector index for category %s", s.cfg.Category), err)
			}
		}
		slog.Warn("reconciled category store after load",
			slog.String("category", s.cfg.Category),
			slog.Int("dropped_pairs", len(onlyMeta)),
			slog.Int("dropped_vectors", len(onlyIndex)))
	}

	s.initialized = true
	return nil
}

// loadMetadata reads the JSON metadata file into the pair map.
func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(s.MetadataPath())
	if os.IsNotExist(err) {
		return nil // fresh store
	}
	if err != nil {
		return kberrors.New(kberrors.ErrCodeMetadataCorrupt,
			fmt.Sprintf("cannot read metadata for category %s", s.cfg.Category), err)
	}

	var meta metadataFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return kberrors.New(kberrors.ErrCodeMetadataCorrupt,
			fmt.Sprintf("corrupt metadata for category %s", s.cfg.Category), err)
	}

	s.pairs = make(map[string]*Pair, len(meta.Pairs))
	for _, p := range meta.Pairs {
		s.pairs[p.ID] = p
	}
	return nil
}

// Get returns a pair by id.
func (s *Store) Get(id string) (*Pair, bool) {
	p, ok := s.pairs[id]
	return p, ok
}

// Count returns the number of pairs in the store.
func (s *Store) Count() int { return len(s.pairs) }

// IDs returns all pair ids in the metadata map.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.pairs))
	for id := range s.pairs {
		ids = append(ids, id)
	}
	return ids
}

// Add embeds the question and inserts a new pair, unless deduplication finds
// an existing question at or above the duplicate threshold. Add does not
// persist; callers decide when to flush.
func (s *Store) Add(ctx context.Context, question, answer string, opts AddOptions) (*AddResult, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if question == "" {
		return nil, kberrors.New(kberrors.ErrCodeEmptyQuestion, "question must not be empty", nil)
	}
	if answer == "" {
		return nil, kberrors.New(kberrors.ErrCodeInvalidInput, "answer must not be empty", nil)
	}

	confidence := 1.0
	if opts.Confidence != nil {
		confidence = *opts.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, kberrors.Newf(kberrors.ErrCodeInvalidInput, "confidence must be in [0,1] (got %v)", confidence)
	}

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, kberrors.ProviderError("failed to embed question", err)
	}

	if !opts.SkipDuplicateCheck {
		threshold := opts.DuplicateThreshold
		if threshold <= 0 {
			threshold = DefaultDuplicateThreshold
		}

		neighbors, err := s.idx.Query(ctx, vec, 1, index.SimilarityToDistance(threshold))
		if err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeInternal, err)
		}
		if len(neighbors) > 0 {
			return &AddResult{
				Duplicate:  true,
				ExistingID: neighbors[0].ID,
				Similarity: neighbors[0].Similarity,
			}, nil
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	category := opts.Category
	if category == "" {
		category = s.cfg.Category
	}

	now := time.Now().UTC()
	pair := &Pair{
		ID:         id,
		Question:   question,
		Answer:     answer,
		Category:   category,
		Confidence: confidence,
		Keywords:   opts.Keywords,
		Source:     opts.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	meta := index.EntryMeta{
		Question:  question,
		Category:  category,
		CreatedAt: now,
	}
	if err := s.idx.Upsert(ctx, []string{id}, [][]float32{vec}, []index.EntryMeta{meta}); err != nil {
		// No partial insert: the pair map is only touched after the index
		// accepts the vector.
		return nil, kberrors.Wrap(kberrors.ErrCodeInternal, err)
	}
	s.pairs[id] = pair

	return &AddResult{ID: id}, nil
}

// AddBatch applies per-item Add semantics, collecting added ids, skipped
// duplicates, and failed items. One item's failure never aborts the rest.
// Indexes in the result refer to positions in items.
func (s *Store) AddBatch(ctx context.Context, items []BatchItem) (*BatchResult, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for i, item := range items {
		res, err := s.Add(ctx, item.Question, item.Answer, item.Options)
		if err != nil {
			result.Failed = append(result.Failed, FailedItem{
				Index:    i,
				Category: s.cfg.Category,
				Err:      err,
				Reason:   err.Error(),
			})
			continue
		}
		if res.Duplicate {
			result.Skipped = append(result.Skipped, SkippedDuplicate{
				Index:      i,
				ExistingID: res.ExistingID,
				Similarity: res.Similarity,
			})
			continue
		}
		result.AddedIDs = append(result.AddedIDs, res.ID)
	}
	return result, nil
}

// Query embeds the question and retrieves the top matches.
// minSimilarity < 0 selects the store's configured default.
func (s *Store) Query(ctx context.Context, question string, topK int, minSimilarity float64) (*QueryResult, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if question == "" {
		return nil, kberrors.New(kberrors.ErrCodeEmptyQuestion, "question must not be empty", nil)
	}

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, kberrors.ProviderError("failed to embed question", err)
	}

	return s.QueryVector(ctx, vec, topK, minSimilarity)
}

// QueryVector retrieves the top matches for an already-embedded question.
// The index is asked with a permissive threshold so the best observed
// similarity can be reported even when no candidate qualifies.
func (s *Store) QueryVector(ctx context.Context, vec []float32, topK int, minSimilarity float64) (*QueryResult, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 1
	}
	if minSimilarity < 0 {
		minSimilarity = s.cfg.MinSimilarity
	}

	neighbors, err := s.idx.Query(ctx, vec, topK, index.MaxCosineDistance)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeInternal, err)
	}

	result := &QueryResult{Matches: []Match{}}
	for _, n := range neighbors {
		if n.Similarity > result.BestSimilarity {
			result.BestSimilarity = n.Similarity
		}
		if float64(n.Similarity) < minSimilarity {
			continue
		}
		pair, ok := s.pairs[n.ID]
		if !ok {
			// Bijection violation; surface rather than fabricate a match.
			return nil, kberrors.Newf(kberrors.ErrCodeInternal,
				"index entry %s has no metadata in category %s", n.ID, s.cfg.Category)
		}
		result.Matches = append(result.Matches, Match{Pair: pair, Similarity: n.Similarity})
	}

	if len(result.Matches) > 0 {
		result.Found = true
		result.Best = &result.Matches[0]
	}
	return result, nil
}

// List returns pairs passing all filters, ordered by creation time then id.
// Pagination is a caller concern.
func (s *Store) List(filter ListFilter) []*Pair {
	out := make([]*Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
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
	return out
}

// Delete removes pairs from both the index and the map.
// Returns the number of pairs actually removed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if err := s.requireInitialized(); err != nil {
		return 0, err
	}

	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.pairs[id]; ok {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}

	if err := s.idx.Delete(ctx, present); err != nil {
		return 0, kberrors.Wrap(kberrors.ErrCodeInternal, err)
	}
	for _, id := range present {
		delete(s.pairs, id)
	}
	return len(present), nil
}

// Persist flushes the index and atomically rewrites the metadata file
// (write-temp-then-rename) so readers never observe a partial file.
// In-memory state is not rolled back on failure.
func (s *Store) Persist() error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	if err := s.idx.Save(s.IndexPath()); err != nil {
		return kberrors.New(kberrors.ErrCodePersistFailed,
			fmt.Sprintf("failed to save vector index for category %s", s.cfg.Category), err)
	}

	pairs := s.List(ListFilter{})
	meta := metadataFile{
		Version:    metadataVersion,
		Category:   s.cfg.Category,
		Namespace:  s.cfg.Namespace,
		Workspace:  s.cfg.Workspace,
		Dimensions: s.cfg.Dimensions,
		SavedAt:    time.Now().UTC().Format(time.RFC3339),
		Pairs:      pairs,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodePersistFailed, err)
	}

	tmpPath := s.MetadataPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return kberrors.New(kberrors.ErrCodePersistFailed,
			fmt.Sprintf("failed to write metadata for category %s", s.cfg.Category), err)
	}
	if err := os.Rename(tmpPath, s.MetadataPath()); err != nil {
		_ = os.Remove(tmpPath)
		return kberrors.New(kberrors.ErrCodePersistFailed,
			fmt.Sprintf("failed to replace metadata for category %s", s.cfg.Category), err)
	}

	s.lastPersist = time.Now().UTC()
	return nil
}

// Drop clears all state, deletes both on-disk artifacts, and reinitializes
// an empty index.
func (s *Store) Drop() error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	s.idx.Reset()
	s.pairs = make(map[string]*Pair)

	for _, path := range []string{s.MetadataPath(), s.IndexPath(), s.IndexPath() + ".meta"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return kberrors.New(kberrors.ErrCodePersistFailed,
				fmt.Sprintf("failed to remove %s", path), err)
		}
	}
	return nil
}

// Close releases the index.
func (s *Store) Close() error {
	if s.idx != nil {
		return s.idx.Close()
	}
	return nil
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	stats := StoreStats{
		Category:    s.cfg.Category,
		PairCount:   len(s.pairs),
		Dimensions:  s.cfg.Dimensions,
		LastPersist: s.lastPersist,
	}
	if s.idx != nil {
		stats.IndexEntries = s.idx.Count()
	}
	return stats
}

// CheckBijection verifies the metadata-map/index id bijection.
// Returns ids present on only one side.
func (s *Store) CheckBijection() (onlyMeta, onlyIndex []string) {
	indexIDs := make(map[string]bool)
	if s.idx != nil {
		for _, id := range s.idx.IDs() {
			indexIDs[id] = true
		}
	}
	for id := range s.pairs {
		if !indexIDs[id] {
			onlyMeta = append(onlyMeta, id)
		}
		delete(indexIDs, id)
	}
	for id := range indexIDs {
		onlyIndex = append(onlyIndex, id)
	}
	sort.Strings(onlyMeta)
	sort.Strings(onlyIndex)
	return onlyMeta, onlyIndex
}

func (s *Store) requireInitialized() error {
	if !s.initialized {
		return kberrors.New(kberrors.ErrCodeNotInitialized,
			fmt.Sprintf("category store %s is not initialized", s.cfg.Category), nil)
	}
	return nil
}
