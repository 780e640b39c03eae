// Package telemetry collects knowledge-base operation metrics for local
// inspection. Nothing leaves the machine; persistence is an embedded SQLite
// database under the storage base path.
package telemetry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Operation classifies a recorded knowledge-base operation.
type Operation string

const (
	OpAdd    Operation = "add"
	OpQuery  Operation = "query"
	OpDelete Operation = "delete"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// Event is one recorded operation.
type Event struct {
	Operation   Operation
	Category    string
	Question    string
	ResultCount int
	Duplicate   bool
	Latency     time.Duration
	Timestamp   time.Time
}

// IsZeroResult reports whether a query event found nothing.
func (e Event) IsZeroResult() bool {
	return e.Operation == OpQuery && e.ResultCount == 0
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Snapshot is an immutable view of the collected metrics.
type Snapshot struct {
	OperationCounts     map[Operation]int64     `json:"operation_counts"`
	CategoryCounts      map[string]int64        `json:"category_counts"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	TotalOperations     int64                   `json:"total_operations"`
	DuplicateCount      int64                   `json:"duplicate_count"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of queries that found nothing.
func (s *Snapshot) ZeroResultPercentage() float64 {
	queries := s.OperationCounts[OpQuery]
	if queries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(queries) * 100
}

// Config configures the collector.
type Config struct {
	// ZeroResultsCapacity bounds the zero-result query buffer (default 100).
	ZeroResultsCapacity int
	// CategoriesCapacity bounds the per-category counter cache (default 256).
	CategoriesCapacity int
	// FlushInterval is the auto-flush period (default 60s, 0 disables).
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ZeroResultsCapacity: 100,
		CategoriesCapacity:  256,
		FlushInterval:       60 * time.Second,
	}
}

// MetricsStore persists collected metrics.
type MetricsStore interface {
	SaveOperationCounts(date string, counts map[Operation]int64) error
	GetOperationCounts(from, to string) (map[Operation]int64, error)
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
	AddZeroResultQuery(query string, timestamp time.Time) error
	GetZeroResultQueries(limit int) ([]string, error)
	Close() error
}

// Collector aggregates operation metrics in memory and periodically flushes
// to a store. Safe for concurrent use. A nil store keeps metrics in memory
// only.
type Collector struct {
	mu sync.RWMutex

	operations      map[Operation]int64
	categories      *lru.Cache[string, int64]
	latencies       map[LatencyBucket]int64
	zeroResults     *CircularBuffer[string]
	totalOperations int64
	duplicateCount  int64
	zeroResultCount int64
	startTime       time.Time

	store       MetricsStore
	config      Config
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closed      bool
}

// NewCollector creates a collector with default configuration.
func NewCollector(store MetricsStore) *Collector {
	return NewCollectorWithConfig(store, DefaultConfig())
}

// NewCollectorWithConfig creates a collector with custom configuration.
func NewCollectorWithConfig(store MetricsStore, cfg Config) *Collector {
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.CategoriesCapacity <= 0 {
		cfg.CategoriesCapacity = 256
	}

	categories, _ := lru.New[string, int64](cfg.CategoriesCapacity)

	c := &Collector{
		operations:  make(map[Operation]int64),
		categories:  categories,
		latencies:   make(map[LatencyBucket]int64),
		zeroResults: NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		startTime:   time.Now(),
		store:       store,
		config:      cfg,
		stopCh:      make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		c.flushTicker = time.NewTicker(cfg.FlushInterval)
		go c.flushLoop()
	}

	return c
}

func (c *Collector) flushLoop() {
	for {
		select {
		case <-c.flushTicker.C:
			_ = c.Flush()
		case <-c.stopCh:
			return
		}
	}
}

// Record captures one operation. Non-blocking apart from the mutex.
func (c *Collector) Record(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.operations[event.Operation]++
	c.totalOperations++

	if event.Category != "" {
		count, _ := c.categories.Get(event.Category)
		c.categories.Add(event.Category, count+1)
	}

	if event.Duplicate {
		c.duplicateCount++
	}

	if event.IsZeroResult() {
		c.zeroResults.Add(event.Question)
		c.zeroResultCount++
	}

	c.latencies[LatencyToBucket(event.Latency)]++
}

// Snapshot returns the current metrics.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() *Snapshot {
	operations := make(map[Operation]int64, len(c.operations))
	for k, v := range c.operations {
		operations[k] = v
	}

	categories := make(map[string]int64)
	for _, key := range c.categories.Keys() {
		if count, ok := c.categories.Peek(key); ok {
			categories[key] = count
		}
	}

	latencies := make(map[LatencyBucket]int64, len(c.latencies))
	for k, v := range c.latencies {
		latencies[k] = v
	}

	return &Snapshot{
		OperationCounts:     operations,
		CategoryCounts:      categories,
		LatencyDistribution: latencies,
		ZeroResultQueries:   c.zeroResults.Items(),
		TotalOperations:     c.totalOperations,
		DuplicateCount:      c.duplicateCount,
		ZeroResultCount:     c.zeroResultCount,
		Since:               c.startTime,
	}
}

// Flush persists in-memory metrics. Safe without a store.
func (c *Collector) Flush() error {
	if c.store == nil {
		return nil
	}

	c.mu.RLock()
	snapshot := c.snapshotLocked()
	c.mu.RUnlock()

	today := time.Now().Format("2006-01-02")

	if err := c.store.SaveOperationCounts(today, snapshot.OperationCounts); err != nil {
		return err
	}
	return c.store.SaveLatencyCounts(today, snapshot.LatencyDistribution)
}

// Close flushes and stops the collector.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.flushTicker != nil {
		c.flushTicker.Stop()
		close(c.stopCh)
	}

	return c.Flush()
}
