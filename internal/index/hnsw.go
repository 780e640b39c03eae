package index

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex implements VectorIndex using the coder/hnsw pure Go HNSW graph.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64 // string ID -> internal key
	keyMap  map[uint64]string // internal key -> string ID
	nextKey uint64            // next available key

	meta map[string]EntryMeta

	closed bool
}

// hnswSidecar stores ID mappings and entry metadata for persistence.
type hnswSidecar struct {
	IDMap   map[string]uint64
	Meta    map[string]EntryMeta
	NextKey uint64
	Config  Config
}

// Verify interface implementation
var _ VectorIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates a new HNSW-based vector index.
func NewHNSWIndex(cfg Config) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("index dimensions must be positive (got %d)", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	idx := &HNSWIndex{
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		meta:   make(map[string]EntryMeta),
	}
	idx.graph = newGraph(cfg)
	return idx, nil
}

func newGraph(cfg Config) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

// Upsert inserts vectors with their IDs and metadata.
// Replacement uses lazy deletion: the old graph node is orphaned rather than
// removed, because deleting nodes destabilizes small coder/hnsw graphs.
func (s *HNSWIndex) Upsert(ctx context.Context, ids []string, vectors [][]float32, metas []EntryMeta) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) || len(ids) != len(metas) {
		return fmt.Errorf("ids, vectors, and metas length mismatch: %d, %d, %d", len(ids), len(vectors), len(metas))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{
				Expected: s.config.Dimensions,
				Got:      len(v),
			}
		}
	}

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey) // orphan the old node
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[id] = key
		s.keyMap[key] = id
		s.meta[id] = metas[i]
	}

	return nil
}

// Query finds up to k nearest neighbors within maxDistance, nearest first.
func (s *HNSWIndex) Query(ctx context.Context, vector []float32, k int, maxDistance float32) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(vector) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{
			Expected: s.config.Dimensions,
			Got:      len(vector),
		}
	}
	if k <= 0 || s.graph.Len() == 0 {
		return []Result{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	// Over-fetch by the orphan count so lazily deleted nodes cannot crowd
	// live entries out of the result set.
	fetch := k + (s.graph.Len() - len(s.idMap))
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	nodes := s.graph.Search(query, fetch)

	results := make([]Result, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // orphaned by lazy deletion
		}

		distance := s.graph.Distance(query, node.Value)
		if distance > maxDistance {
			continue
		}

		results = append(results, Result{
			ID:         id,
			Distance:   distance,
			Similarity: DistanceToSimilarity(distance),
			Meta:       s.meta[id],
		})
		if len(results) == k {
			break
		}
	}

	return results, nil
}

// Get returns the metadata for an ID.
func (s *HNSWIndex) Get(id string) (EntryMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return EntryMeta{}, false
	}
	m, ok := s.meta[id]
	return m, ok
}

// Delete removes vectors by ID using lazy deletion.
func (s *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.meta, id)
		}
	}

	return nil
}

// IDs returns all vector IDs in the index.
func (s *HNSWIndex) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains checks if ID exists.
func (s *HNSWIndex) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// Count returns number of vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Dimensions returns the configured vector dimension.
func (s *HNSWIndex) Dimensions() int {
	return s.config.Dimensions
}

// Save persists the index to disk atomically (temp file + rename), the graph
// at path and the id/metadata sidecar at path+".meta".
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	if err := s.saveSidecar(path + ".meta"); err != nil {
		return fmt.Errorf("failed to save index sidecar: %w", err)
	}

	return nil
}

// saveSidecar writes ID mappings and entry metadata to a gob file.
func (s *HNSWIndex) saveSidecar(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp sidecar file: %w", err)
	}

	sidecar := hnswSidecar{
		IDMap:   s.idMap,
		Meta:    s.meta,
		NextKey: s.nextKey,
		Config:  s.config,
	}

	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp sidecar during cleanup", slog.String("error", closeErr.Error()))
		}
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode sidecar: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close sidecar file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load loads the index from disk. The persisted dimension must match the
// configured dimension; a mismatch is fatal.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	if err := s.loadSidecar(path + ".meta"); err != nil {
		return fmt.Errorf("failed to load index sidecar: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import requires an io.ByteReader
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	return nil
}

// loadSidecar loads ID mappings and metadata from a gob file.
func (s *HNSWIndex) loadSidecar(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sidecar file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close sidecar file", slog.String("error", err.Error()))
		}
	}()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return fmt.Errorf("decode sidecar: %w", err)
	}

	if sidecar.Config.Dimensions != s.config.Dimensions {
		return ErrDimensionMismatch{
			Expected: s.config.Dimensions,
			Got:      sidecar.Config.Dimensions,
		}
	}

	s.idMap = sidecar.IDMap
	s.meta = sidecar.Meta
	s.nextKey = sidecar.NextKey
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	if s.meta == nil {
		s.meta = make(map[string]EntryMeta)
	}

	return nil
}

// Reset clears all entries and replaces the graph with an empty one.
func (s *HNSWIndex) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.graph = newGraph(s.config)
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.meta = make(map[string]EntryMeta)
	s.nextKey = 0
}

// Close releases resources.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadIndexDimensions reads the dimension recorded in a persisted index
// sidecar. Returns 0 if the sidecar doesn't exist (fresh start).
func ReadIndexDimensions(indexPath string) (int, error) {
	file, err := os.Open(indexPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil // fresh start
		}
		return 0, fmt.Errorf("failed to open index sidecar: %w", err)
	}
	defer func() { _ = file.Close() }()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return 0, fmt.Errorf("failed to decode index sidecar: %w", err)
	}

	return sidecar.Config.Dimensions, nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
