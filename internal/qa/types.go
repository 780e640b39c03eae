// Package qa implements the QA pair store and the category router: the
// storage core of the knowledge base. A Store owns one category's pairs and
// vector index; the Router shards stores by category, maintains a merged
// global view, and federates cross-category queries.
//
// Neither the Store nor the Router locks itself. Callers that must not
// interleave mutations apply the keyed locks from internal/lockmgr around
// these operations.
package qa

import (
	"time"
)

// Defaults for pair creation and retrieval.
const (
	// DefaultCategory is assigned when a pair is added without a category.
	DefaultCategory = "general"

	// DefaultDuplicateThreshold is the insert-time similarity above which a
	// new question is rejected as a duplicate.
	DefaultDuplicateThreshold = 0.98

	// DefaultMinSimilarity is the retrieval threshold used when a caller
	// does not supply one.
	DefaultMinSimilarity = 0.7
)

// Pair is one question/answer entry. A pair is owned by exactly one Store;
// its Category never changes after creation (mutation is delete+recreate).
type Pair struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Keywords   []string  `json:"keywords,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AddOptions carries optional settings for Add.
type AddOptions struct {
	// ID is used as the pair id when set; otherwise one is generated.
	ID string
	// Category defaults to DefaultCategory when empty.
	Category string
	// Confidence defaults to 1.0 when nil. Must be in [0,1].
	Confidence *float64
	Keywords   []string
	Source     string

	// SkipDuplicateCheck disables insert-time deduplication.
	SkipDuplicateCheck bool
	// DuplicateThreshold overrides DefaultDuplicateThreshold when positive.
	DuplicateThreshold float64
}

// AddResult reports the outcome of a single Add.
// A duplicate is a successful outcome, not an error: the existing pair
// already answers the question.
type AddResult struct {
	// ID is the new pair id, empty when Duplicate is true.
	ID string
	// Duplicate reports that an existing question was too similar.
	Duplicate bool
	// ExistingID is the id of the pair the question duplicated.
	ExistingID string
	// Similarity is the measured similarity against the existing pair.
	Similarity float32
}

// BatchItem is one entry of an AddBatch request.
type BatchItem struct {
	Question string
	Answer   string
	Options  AddOptions
}

// SkippedDuplicate identifies a batch item skipped by deduplication.
type SkippedDuplicate struct {
	Index      int     `json:"index"`
	ExistingID string  `json:"existing_id"`
	Similarity float32 `json:"similarity"`
}

// FailedItem identifies a batch item that could not be added.
type FailedItem struct {
	Index    int    `json:"index"`
	Category string `json:"category"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// BatchResult aggregates per-item outcomes of AddBatch. A failing item never
// aborts the remaining items.
type BatchResult struct {
	AddedIDs []string           `json:"added_ids"`
	Skipped  []SkippedDuplicate `json:"skipped_duplicates"`
	Failed   []FailedItem       `json:"failed_items"`
}

// AddedCount returns the number of successfully added pairs.
func (r *BatchResult) AddedCount() int { return len(r.AddedIDs) }

// SkippedCount returns the number of duplicate-skipped items.
func (r *BatchResult) SkippedCount() int { return len(r.Skipped) }

// FailedCount returns the number of failed items.
func (r *BatchResult) FailedCount() int { return len(r.Failed) }

// Match is one ranked query result.
type Match struct {
	Pair       *Pair   `json:"pair"`
	Similarity float32 `json:"similarity"`
}

// QueryResult is the outcome of a retrieval. Found=false is a successful
// "not found" outcome; BestSimilarity still reports the nearest observed
// neighbor so callers can tune thresholds.
type QueryResult struct {
	Found   bool    `json:"found"`
	Matches []Match `json:"matches"`
	// Best is the top match when Found, nil otherwise.
	Best *Match `json:"best,omitempty"`
	// BestSimilarity is the highest similarity observed, matched or not.
	BestSimilarity float32 `json:"best_similarity"`
}

// ListFilter selects pairs for List. Zero values mean "no constraint";
// filters are AND-combined.
type ListFilter struct {
	Category      string
	MinConfidence float64
}

// StoreStats describes one category store.
type StoreStats struct {
	Category     string    `json:"category"`
	PairCount    int       `json:"pair_count"`
	IndexEntries int       `json:"index_entries"`
	Dimensions   int       `json:"dimensions"`
	LastPersist  time.Time `json:"last_persist,omitempty"`
}

// RouterStats aggregates statistics across all category stores.
type RouterStats struct {
	TotalPairs int                   `json:"total_pairs"`
	Categories map[string]StoreStats `json:"categories"`
}
