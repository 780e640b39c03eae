package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteMetricsStore {
	t.Helper()
	store, err := OpenSQLiteMetricsStore(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteMetricsStore_OperationCounts(t *testing.T) {
	store := openTestStore(t)

	// Saving twice for the same day accumulates
	counts := map[Operation]int64{OpAdd: 3, OpQuery: 5}
	require.NoError(t, store.SaveOperationCounts("2026-08-30", counts))
	require.NoError(t, store.SaveOperationCounts("2026-08-30", map[Operation]int64{OpAdd: 2}))

	got, err := store.GetOperationCounts("2026-08-30", "2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got[OpAdd])
	assert.Equal(t, int64(5), got[OpQuery])

	// A range outside the saved date is empty
	got, err = store.GetOperationCounts("2026-09-01", "2026-09-30")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteMetricsStore_LatencyCounts(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveLatencyCounts("2026-08-29", map[LatencyBucket]int64{BucketP10: 7}))
	require.NoError(t, store.SaveLatencyCounts("2026-08-30", map[LatencyBucket]int64{BucketP10: 3, BucketP500: 1}))

	got, err := store.GetLatencyCounts("2026-08-29", "2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got[BucketP10])
	assert.Equal(t, int64(1), got[BucketP500])
}

func TestSQLiteMetricsStore_ZeroResultQueries(t *testing.T) {
	store := openTestStore(t)

	now := time.Now()
	require.NoError(t, store.AddZeroResultQuery("first", now))
	require.NoError(t, store.AddZeroResultQuery("second", now))

	got, err := store.GetZeroResultQueries(10)
	require.NoError(t, err)
	// Most recent first
	assert.Equal(t, []string{"second", "first"}, got)
}

func TestCollector_FlushToSQLite(t *testing.T) {
	// Given: a collector backed by SQLite, no auto-flush
	store := openTestStore(t)
	c := NewCollectorWithConfig(store, Config{FlushInterval: 0})

	c.Record(Event{Operation: OpAdd, Latency: 5 * time.Millisecond})
	c.Record(Event{Operation: OpQuery, ResultCount: 1, Latency: 20 * time.Millisecond})

	// When: flushed explicitly
	require.NoError(t, c.Flush())

	// Then: the persisted counts match the snapshot
	today := time.Now().Format("2006-01-02")
	ops, err := store.GetOperationCounts(today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ops[OpAdd])
	assert.Equal(t, int64(1), ops[OpQuery])
}
