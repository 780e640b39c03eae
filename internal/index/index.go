// Package index provides the per-category vector index for QA pairs.
// The backing implementation is an HNSW graph with cosine distance; queries
// are distance-thresholded nearest-neighbor searches.
package index

import (
	"context"
	"fmt"
	"time"
)

// EntryMeta is the denormalized metadata stored alongside each vector.
// It lets callers render results without joining back to the pair map.
type EntryMeta struct {
	Question  string
	Category  string
	CreatedAt time.Time
}

// Result is a single nearest-neighbor match.
type Result struct {
	ID string
	// Distance is the cosine distance (0 identical, 2 opposite).
	Distance float32
	// Similarity is 1 - Distance, clipped to [0,1].
	Similarity float32
	Meta       EntryMeta
}

// Config configures a vector index.
type Config struct {
	// Dimensions is the vector dimension, fixed at construction.
	Dimensions int

	// M is HNSW max connections per layer (default: 16)
	M int

	// EfSearch is HNSW query-time search width (default: 20)
	EfSearch int
}

// DefaultConfig returns sensible defaults for the given dimension.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   20,
	}
}

// VectorIndex is the per-store nearest-neighbor index capability.
type VectorIndex interface {
	// Upsert inserts vectors with their IDs and metadata.
	// An existing ID is replaced.
	Upsert(ctx context.Context, ids []string, vectors [][]float32, metas []EntryMeta) error

	// Query finds up to k nearest neighbors within maxDistance.
	// Results are ordered nearest first. Pass MaxCosineDistance to
	// disable the threshold.
	Query(ctx context.Context, vector []float32, k int, maxDistance float32) ([]Result, error)

	// Get returns the metadata for an ID.
	Get(id string) (EntryMeta, bool)

	// Delete removes vectors by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// IDs returns all vector IDs in the index (for bijection checks).
	IDs() []string

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns number of vectors.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// MaxCosineDistance is the permissive threshold admitting every neighbor.
const MaxCosineDistance float32 = 2.0

// ErrDimensionMismatch indicates vector dimension mismatch, either between a
// vector and the index or between a persisted index and its configuration.
// It is fatal: an index built with one embedding model cannot serve another.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// DistanceToSimilarity converts cosine distance to a similarity score,
// clipped to [0,1].
func DistanceToSimilarity(distance float32) float32 {
	s := 1.0 - distance
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// SimilarityToDistance converts a minimum similarity into the corresponding
// maximum cosine distance.
func SimilarityToDistance(similarity float64) float32 {
	return float32(1.0 - similarity)
}
