package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/semkb/semkb/internal/errors"
)

func TestManager_CategoryLockMutualExclusion(t *testing.T) {
	// Given: many goroutines incrementing a counter under the same lock
	m := New()
	const workers = 16
	const iterations = 200

	counter := 0
	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := 0; it < iterations; it++ {
				err := m.WithCategoryLock(context.Background(), "alpha", "mutate", func() error {
					counter++
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Then: no increment was lost
	assert.Equal(t, workers*iterations, counter)

	stats := m.Stats()
	assert.Equal(t, int64(workers*iterations), stats.Acquisitions)
	assert.Equal(t, stats.Acquisitions, stats.Releases)
}

func TestManager_DifferentCategoriesDoNotBlock(t *testing.T) {
	// Given: the alpha lock is held
	m := New()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = m.WithCategoryLock(context.Background(), "alpha", "mutate", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// When: a beta mutation runs with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran := false
	err := m.WithCategoryLock(ctx, "beta", "mutate", func() error {
		ran = true
		return nil
	})

	// Then: it completes without waiting on alpha
	require.NoError(t, err)
	assert.True(t, ran)
	close(release)
}

func TestManager_MultiCategoryLockIsDeadlockFree(t *testing.T) {
	// Given: two goroutines locking the same categories in opposite order
	m := New()
	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for it := 0; it < 100; it++ {
				err := m.WithMultiCategoryLock(context.Background(), []string{"a", "b"}, "mutate", func() error {
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for it := 0; it < 100; it++ {
				err := m.WithMultiCategoryLock(context.Background(), []string{"b", "a"}, "mutate", func() error {
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Then: everything finishes; lexicographic ordering prevents deadlock
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("multi-category locking deadlocked")
	}
}

func TestManager_MultiCategoryLockDeduplicates(t *testing.T) {
	// Duplicate names must not self-deadlock on a second acquisition
	m := New()
	err := m.WithMultiCategoryLock(context.Background(), []string{"a", "a", "b", "a"}, "mutate", func() error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Stats().Acquisitions)
}

func TestManager_CancelledAcquisition(t *testing.T) {
	// Given: the alpha lock is held
	m := New()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.WithCategoryLock(context.Background(), "alpha", "mutate", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	// When: a second acquisition runs with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithCategoryLock(ctx, "alpha", "mutate", func() error {
		t.Error("callback must not run after a cancelled acquisition")
		return nil
	})

	// Then: it fails with a lock cancellation error
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeLockCancelled, kberrors.GetCode(err))
	assert.Equal(t, int64(1), m.Stats().Cancellations)
}

func TestManager_LockReleasedAfterPanic(t *testing.T) {
	m := New()

	func() {
		defer func() { _ = recover() }()
		_ = m.WithCategoryLock(context.Background(), "alpha", "mutate", func() error {
			panic("boom")
		})
	}()

	// The lock must be free again
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.WithCategoryLock(ctx, "alpha", "mutate", func() error { return nil })
	require.NoError(t, err)
}

func TestManager_GlobalLock(t *testing.T) {
	m := New()

	err := m.WithGlobalLock(context.Background(), "mutate", func() error { return nil })
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.GlobalLocksCreated)
	assert.Equal(t, int64(0), stats.CategoryLocksCreated)
}

func TestManager_EvictIdle(t *testing.T) {
	// Given: one idle lock and one held lock
	m := New()
	require.NoError(t, m.WithCategoryLock(context.Background(), "idle", "mutate", func() error { return nil }))

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.WithCategoryLock(context.Background(), "busy", "mutate", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// When: idle locks are evicted
	evicted := m.EvictIdle()

	// Then: only the idle one goes away
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, m.Stats().ActiveKeys)
	close(release)
}

func TestManager_ResetStats(t *testing.T) {
	m := New()
	require.NoError(t, m.WithCategoryLock(context.Background(), "alpha", "mutate", func() error { return nil }))
	require.NotZero(t, m.Stats().Acquisitions)

	m.ResetStats()

	stats := m.Stats()
	assert.Zero(t, stats.Acquisitions)
	assert.Zero(t, stats.Releases)
	// The semaphore itself survives a counter reset
	assert.Equal(t, 1, stats.ActiveKeys)
}

func TestManager_EvictIdleKeepsExclusion(t *testing.T) {
	// Given: workers contending on one key while evictions run continuously
	m := New()
	const workers = 8
	const iterations = 200

	var inside atomic.Int32
	stop := make(chan struct{})
	var evictor sync.WaitGroup
	evictor.Add(1)
	go func() {
		defer evictor.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.EvictIdle()
			}
		}
	}()

	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := 0; it < iterations; it++ {
				err := m.WithCategoryLock(context.Background(), "alpha", "mutate", func() error {
					if !inside.CompareAndSwap(0, 1) {
						t.Error("two holders inside the alpha critical section")
					}
					inside.Store(0)
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	evictor.Wait()

	// Releases match acquisitions; releasing a semaphore swapped out by an
	// eviction would have panicked instead
	stats := m.Stats()
	assert.Equal(t, int64(workers*iterations), stats.Acquisitions)
	assert.Equal(t, stats.Acquisitions, stats.Releases)
}
