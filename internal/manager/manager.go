// Package manager wires the knowledge base together: configuration, the
// embedding provider, the category router, keyed locks, telemetry, and the
// single-instance guard. It is the one surface callers talk to.
//
// The manager is where locking discipline lives. The router's read-write
// lock only keeps its maps safe under concurrent access; every mutation
// going through the manager additionally holds the owning category's keyed
// lock, which orders whole operations.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/semkb/semkb/internal/config"
	"github.com/semkb/semkb/internal/embed"
	kberrors "github.com/semkb/semkb/internal/errors"
	"github.com/semkb/semkb/internal/lockmgr"
	"github.com/semkb/semkb/internal/qa"
	"github.com/semkb/semkb/internal/telemetry"
)

// mutateOp is the canonical lock operation name for all mutations. Using one
// name makes every mutation on a category mutually exclusive.
const mutateOp = "mutate"

// Manager is the knowledge-base facade.
type Manager struct {
	cfg      *config.Config
	embedder embed.Embedder
	router   *qa.Router
	locks    *lockmgr.Manager
	metrics  *telemetry.Collector

	fileLock    *flock.Flock
	initialized bool
}

// HealthStatus reports manager health for diagnostics.
type HealthStatus struct {
	Status      string `json:"status"` // healthy, unhealthy, not_initialized
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Dimensions  int    `json:"dimensions"`
	TotalPairs  int    `json:"total_pairs"`
	Categories  int    `json:"categories"`
	ProviderErr string `json:"provider_error,omitempty"`
}

// New creates a manager. Call Initialize before use.
func New(cfg *config.Config) *Manager {
	return &Manager{
		cfg:   cfg,
		locks: lockmgr.New(),
	}
}

// Initialize acquires the single-instance lock, connects the embedding
// provider, and loads every category store under the base path.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	if err := os.MkdirAll(m.cfg.Storage.BasePath, 0o755); err != nil {
		return kberrors.New(kberrors.ErrCodeStoragePath,
			fmt.Sprintf("cannot create base path %s", m.cfg.Storage.BasePath), err)
	}

	lock := flock.New(filepath.Join(m.cfg.Storage.BasePath, ".semkb.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return kberrors.New(kberrors.ErrCodeStoragePath, "cannot acquire instance lock", err)
	}
	if !locked {
		return kberrors.New(kberrors.ErrCodeAlreadyRunning,
			"another process holds the knowledge base at "+m.cfg.Storage.BasePath, nil).
			WithSuggestion("stop the other semkb process or use a different base path")
	}
	m.fileLock = lock

	embedder, err := embed.NewEmbedder(ctx, embed.ProviderType(m.cfg.Embeddings.Provider), embed.FactoryConfig{
		Model:         m.cfg.Embeddings.Model,
		Dimensions:    m.cfg.Embeddings.Dimensions,
		BatchSize:     m.cfg.Embeddings.BatchSize,
		OllamaHost:    m.cfg.Embeddings.OllamaHost,
		OpenAIBaseURL: m.cfg.Embeddings.BaseURL,
		OpenAIKeyEnv:  m.cfg.Embeddings.APIKeyEnv,
		CacheSize:     m.cfg.Embeddings.CacheSize,
	})
	if err != nil {
		m.releaseLock()
		return kberrors.New(kberrors.ErrCodeProviderUnavailable,
			"cannot initialize embedding provider "+m.cfg.Embeddings.Provider, err)
	}
	m.embedder = embedder

	dims := m.cfg.Embeddings.Dimensions
	if dims == 0 {
		dims = embedder.Dimensions()
	}

	m.router = qa.NewRouter(qa.RouterConfig{
		BasePath:      m.cfg.Storage.BasePath,
		Namespace:     m.cfg.Storage.Namespace,
		Workspace:     m.cfg.Storage.Workspace,
		Dimensions:    dims,
		MinSimilarity: m.cfg.Query.MinSimilarity,
	}, embedder)
	if err := m.router.Initialize(); err != nil {
		_ = embedder.Close()
		m.releaseLock()
		return err
	}

	if m.cfg.Telemetry.Enabled {
		store, err := telemetry.OpenSQLiteMetricsStore(filepath.Join(m.cfg.Storage.BasePath, "telemetry.db"))
		if err != nil {
			// Telemetry never blocks startup; degrade to in-memory only.
			slog.Warn("telemetry store unavailable, keeping metrics in memory",
				slog.String("error", err.Error()))
			m.metrics = telemetry.NewCollector(nil)
		} else {
			m.metrics = telemetry.NewCollector(store)
		}
	} else {
		m.metrics = telemetry.NewCollector(nil)
	}

	m.initialized = true
	slog.Info("knowledge base initialized",
		slog.String("base_path", m.cfg.Storage.BasePath),
		slog.String("provider", embedder.ModelName()),
		slog.Int("dimensions", dims),
		slog.Int("categories", len(m.router.Categories())),
		slog.Int("pairs", m.router.GlobalCount()))
	return nil
}

func (m *Manager) releaseLock() {
	if m.fileLock != nil {
		_ = m.fileLock.Unlock()
		m.fileLock = nil
	}
}

// Add inserts one QA pair under its category's lock.
func (m *Manager) Add(ctx context.Context, question, answer string, opts qa.AddOptions) (*qa.AddResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if opts.Category == "" {
		opts.Category = qa.DefaultCategory
	}
	if opts.DuplicateThreshold <= 0 {
		opts.DuplicateThreshold = m.cfg.Query.DuplicateThreshold
	}

	start := time.Now()
	var res *qa.AddResult
	err := m.locks.WithCategoryLock(ctx, opts.Category, mutateOp, func() error {
		var err error
		res, err = m.router.Add(ctx, question, answer, opts)
		return err
	})
	if err != nil {
		// A persist failure leaves the pair live in memory and the router
		// hands back its id; pass both through so the caller keeps it.
		return res, err
	}

	m.metrics.Record(telemetry.Event{
		Operation: telemetry.OpAdd,
		Category:  opts.Category,
		Question:  question,
		Duplicate: res.Duplicate,
		Latency:   time.Since(start),
		Timestamp: start,
	})
	return res, nil
}

// AddBatch inserts many pairs while holding the locks of every category the
// batch touches.
func (m *Manager) AddBatch(ctx context.Context, items []qa.BatchItem) (*qa.BatchResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	categories := make([]string, 0, len(items))
	for i := range items {
		if items[i].Options.Category == "" {
			items[i].Options.Category = qa.DefaultCategory
		}
		if items[i].Options.DuplicateThreshold <= 0 {
			items[i].Options.DuplicateThreshold = m.cfg.Query.DuplicateThreshold
		}
		categories = append(categories, items[i].Options.Category)
	}

	start := time.Now()
	var res *qa.BatchResult
	err := m.locks.WithMultiCategoryLock(ctx, categories, mutateOp, func() error {
		var err error
		res, err = m.router.AddBatch(ctx, items)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Record(telemetry.Event{
		Operation:   telemetry.OpAdd,
		ResultCount: res.AddedCount(),
		Latency:     time.Since(start),
		Timestamp:   start,
	})
	return res, nil
}

// Query retrieves matches for a question. An empty category searches all
// categories. topK <= 0 and minSimilarity < 0 select configured defaults.
// Queries take no keyed locks; the router's read lock keeps them safe
// against concurrent mutation.
func (m *Manager) Query(ctx context.Context, question string, topK int, minSimilarity float64, category string) (*qa.QueryResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = m.cfg.Query.TopK
	}

	start := time.Now()
	res, err := m.router.Query(ctx, question, topK, minSimilarity, category)
	if err != nil {
		return nil, err
	}

	m.metrics.Record(telemetry.Event{
		Operation:   telemetry.OpQuery,
		Category:    category,
		Question:    question,
		ResultCount: len(res.Matches),
		Latency:     time.Since(start),
		Timestamp:   start,
	})
	return res, nil
}

// QueryBatch runs many queries concurrently, bounded by the configured
// parallelism and the batch timeout. Results keep the input order. The
// timeout bounds the whole batch: when it fires, the batch fails as a unit.
func (m *Manager) QueryBatch(ctx context.Context, questions []string, topK int, minSimilarity float64, category string) ([]*qa.QueryResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return []*qa.QueryResult{}, nil
	}

	batchCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.Query.BatchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, m.cfg.Query.BatchTimeout)
		defer cancel()
	}

	results := make([]*qa.QueryResult, len(questions))
	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(m.cfg.Query.BatchParallelism)

	for i, question := range questions {
		i, question := i, question
		g.Go(func() error {
			res, err := m.Query(gctx, question, topK, minSimilarity, category)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if batchCtx.Err() == context.DeadlineExceeded {
			return nil, kberrors.Newf(kberrors.ErrCodeBatchTimeout,
				"batch of %d queries exceeded %s", len(questions), m.cfg.Query.BatchTimeout)
		}
		return nil, err
	}
	return results, nil
}

// List returns pairs matching the filter.
func (m *Manager) List(filter qa.ListFilter) ([]*qa.Pair, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.router.List(filter)
}

// Get returns one pair by id.
func (m *Manager) Get(id string) (*qa.Pair, bool) {
	if m.router == nil {
		return nil, false
	}
	return m.router.Get(id)
}

// Delete removes pairs by id under the locks of their owning categories.
func (m *Manager) Delete(ctx context.Context, ids []string) (int, error) {
	if err := m.requireInitialized(); err != nil {
		return 0, err
	}

	var categories []string
	for _, id := range ids {
		if pair, ok := m.router.Get(id); ok {
			categories = append(categories, pair.Category)
		}
	}
	if len(categories) == 0 {
		return 0, nil
	}

	start := time.Now()
	var removed int
	err := m.locks.WithMultiCategoryLock(ctx, categories, mutateOp, func() error {
		var err error
		removed, err = m.router.Delete(ctx, ids)
		return err
	})
	if err != nil {
		return removed, err
	}

	m.metrics.Record(telemetry.Event{
		Operation:   telemetry.OpDelete,
		ResultCount: removed,
		Latency:     time.Since(start),
		Timestamp:   start,
	})
	return removed, nil
}

// DeleteCategory drops a whole category under its lock.
func (m *Manager) DeleteCategory(ctx context.Context, category string) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	return m.locks.WithCategoryLock(ctx, category, mutateOp, func() error {
		return m.router.DeleteCategory(ctx, category)
	})
}

// Stats returns per-category storage statistics.
func (m *Manager) Stats() (*qa.RouterStats, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.router.Stats()
}

// LockStats returns lock manager counters.
func (m *Manager) LockStats() lockmgr.Stats {
	return m.locks.Stats()
}

// Metrics returns the telemetry snapshot.
func (m *Manager) Metrics() *telemetry.Snapshot {
	if m.metrics == nil {
		return &telemetry.Snapshot{}
	}
	return m.metrics.Snapshot()
}

// Health probes the embedding provider and reports overall status.
// Healthy means initialized and a live provider round trip.
func (m *Manager) Health(ctx context.Context) *HealthStatus {
	if !m.initialized {
		return &HealthStatus{Status: "not_initialized"}
	}

	status := &HealthStatus{
		Status:     "healthy",
		Provider:   m.cfg.Embeddings.Provider,
		Model:      m.embedder.ModelName(),
		Dimensions: m.embedder.Dimensions(),
		TotalPairs: m.router.GlobalCount(),
		Categories: len(m.router.Categories()),
	}

	if !m.embedder.Available(ctx) {
		status.Status = "unhealthy"
		status.ProviderErr = "embedding provider did not answer the availability probe"
	}
	return status
}

// CheckIntegrity reports stores whose pair map and vector index disagree.
func (m *Manager) CheckIntegrity() (map[string][]string, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.router.CheckIntegrity(), nil
}

// Cleanup persists every store, closes the provider and telemetry, and
// releases the instance lock. Safe to call more than once.
func (m *Manager) Cleanup() error {
	if !m.initialized {
		m.releaseLock()
		return nil
	}
	m.initialized = false

	var firstErr error
	if err := m.router.PersistAll(); err != nil {
		firstErr = err
	}
	if err := m.router.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.embedder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.metrics != nil {
		if err := m.metrics.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.releaseLock()

	slog.Info("knowledge base shut down")
	return firstErr
}

func (m *Manager) requireInitialized() error {
	if !m.initialized {
		return kberrors.New(kberrors.ErrCodeNotInitialized, "knowledge base is not initialized", nil)
	}
	return nil
}
