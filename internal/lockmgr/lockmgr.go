// Package lockmgr provides keyed advisory locks for knowledge-base mutations.
//
// The keyed locks order whole operations; the router's own read-write lock
// only keeps individual map accesses safe. A lock key is (category,
// operation); the global lock uses a reserved category key and excludes
// nothing by itself, so callers that need total exclusion must route every
// mutation through it.
package lockmgr

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	kberrors "github.com/semkb/semkb/internal/errors"
)

// globalKey is the reserved pseudo-category for the global lock.
// Category names containing path separators are rejected upstream, so this
// can never collide with a real category.
const globalKey = "__global__"

// Stats reports lock manager counters since the last reset.
type Stats struct {
	CategoryLocksCreated int64 `json:"category_locks_created"`
	GlobalLocksCreated   int64 `json:"global_locks_created"`
	Acquisitions         int64 `json:"acquisitions"`
	Releases             int64 `json:"releases"`
	Cancellations        int64 `json:"cancellations"`
	ActiveKeys           int   `json:"active_keys"`
}

// Manager hands out one mutex-weight semaphore per (category, operation) key.
// Semaphores are created on first use and live until EvictIdle removes them.
type Manager struct {
	locks sync.Map // key string -> *semaphore.Weighted

	categoryLocksCreated atomic.Int64
	globalLocksCreated   atomic.Int64
	acquisitions         atomic.Int64
	releases             atomic.Int64
	cancellations        atomic.Int64
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{}
}

func lockKey(category, operation string) string {
	return category + "\x00" + operation
}

// get returns the semaphore for a key, creating it on first use.
func (m *Manager) get(category, operation string) *semaphore.Weighted {
	key := lockKey(category, operation)
	if sem, ok := m.locks.Load(key); ok {
		return sem.(*semaphore.Weighted)
	}
	sem, loaded := m.locks.LoadOrStore(key, semaphore.NewWeighted(1))
	if !loaded {
		if category == globalKey {
			m.globalLocksCreated.Add(1)
		} else {
			m.categoryLocksCreated.Add(1)
		}
	}
	return sem.(*semaphore.Weighted)
}

// acquire blocks until the key's semaphore is held or ctx is done. It returns
// the instance actually held; release must act on that instance, never on a
// registry re-lookup, because EvictIdle can swap the mapping underneath us.
func (m *Manager) acquire(ctx context.Context, category, operation string) (*semaphore.Weighted, error) {
	key := lockKey(category, operation)
	for {
		sem := m.get(category, operation)
		if err := sem.Acquire(ctx, 1); err != nil {
			m.cancellations.Add(1)
			return nil, kberrors.New(kberrors.ErrCodeLockCancelled,
				"lock acquisition cancelled for category "+category, err)
		}
		// EvictIdle may have deleted the key between the registry lookup
		// and the Acquire. Holding an unmapped semaphore excludes nobody,
		// so confirm the mapping and retry against the replacement if it
		// changed. Once confirmed, the held semaphore cannot be evicted.
		if cur, ok := m.locks.Load(key); ok && cur.(*semaphore.Weighted) == sem {
			m.acquisitions.Add(1)
			return sem, nil
		}
		sem.Release(1)
	}
}

func (m *Manager) release(sem *semaphore.Weighted) {
	sem.Release(1)
	m.releases.Add(1)
}

// WithCategoryLock runs fn while holding the (category, operation) lock.
// The lock is released on every path, including a panic in fn.
func (m *Manager) WithCategoryLock(ctx context.Context, category, operation string, fn func() error) error {
	sem, err := m.acquire(ctx, category, operation)
	if err != nil {
		return err
	}
	defer m.release(sem)
	return fn()
}

// WithGlobalLock runs fn while holding the global (operation) lock.
func (m *Manager) WithGlobalLock(ctx context.Context, operation string, fn func() error) error {
	return m.WithCategoryLock(ctx, globalKey, operation, fn)
}

// WithMultiCategoryLock runs fn while holding the locks of several categories
// at once. Categories are deduplicated and acquired in lexicographic order,
// which makes two overlapping multi-lock calls deadlock-free. On a failed
// acquisition every lock already held is released in reverse order.
func (m *Manager) WithMultiCategoryLock(ctx context.Context, categories []string, operation string, fn func() error) error {
	seen := make(map[string]bool, len(categories))
	ordered := make([]string, 0, len(categories))
	for _, c := range categories {
		if !seen[c] {
			seen[c] = true
			ordered = append(ordered, c)
		}
	}
	sort.Strings(ordered)

	held := make([]*semaphore.Weighted, 0, len(ordered))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.release(held[i])
		}
	}()

	for _, c := range ordered {
		sem, err := m.acquire(ctx, c, operation)
		if err != nil {
			return err
		}
		held = append(held, sem)
	}

	return fn()
}

// EvictIdle removes every semaphore that is not currently held and returns
// the number evicted. An acquirer racing an eviction notices the mapping
// changed after its Acquire and retries against the replacement, so eviction
// only trades memory for a map re-insert.
func (m *Manager) EvictIdle() int {
	evicted := 0
	m.locks.Range(func(key, value any) bool {
		sem := value.(*semaphore.Weighted)
		if sem.TryAcquire(1) {
			sem.Release(1)
			m.locks.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		CategoryLocksCreated: m.categoryLocksCreated.Load(),
		GlobalLocksCreated:   m.globalLocksCreated.Load(),
		Acquisitions:         m.acquisitions.Load(),
		Releases:             m.releases.Load(),
		Cancellations:        m.cancellations.Load(),
	}
	m.locks.Range(func(_, _ any) bool {
		s.ActiveKeys++
		return true
	})
	return s
}

// ResetStats zeroes the counters. Live semaphores are untouched.
func (m *Manager) ResetStats() {
	m.categoryLocksCreated.Store(0)
	m.globalLocksCreated.Store(0)
	m.acquisitions.Store(0)
	m.releases.Store(0)
	m.cancellations.Store(0)
}
