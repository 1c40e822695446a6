package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stm-data/internal/common/config"
	"github.com/stm-data/internal/common/logger"
)

func openTestHandle(t *testing.T, path string) *Handle {
	t.Helper()
	h := New("sqlite", config.SQLiteDSN(path), logger.Nop())
	require.NoError(t, h.Open(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func countRows(t *testing.T, h *Handle, table string) int {
	t.Helper()
	row, err := h.QueryRowContext(context.Background(), "SELECT count(*) FROM "+table)
	require.NoError(t, err)
	var n int
	require.NoError(t, row.Scan(&n))
	return n
}

func TestOpenIsIdempotent(t *testing.T) {
	h := openTestHandle(t, filepath.Join(t.TempDir(), "store.db"))
	conn, err := h.db()
	require.NoError(t, err)

	require.NoError(t, h.Open(context.Background()))
	again, err := h.db()
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.True(t, h.IsOpen())
}

func TestUnopenedHandleRejectsOperations(t *testing.T) {
	h := New("sqlite", config.SQLiteDSN(filepath.Join(t.TempDir(), "store.db")), logger.Nop())

	_, err := h.BulkInsert(context.Background(), "t", []string{"a"}, [][]any{{"x"}})
	assert.ErrorIs(t, err, ErrHandleClosed)
	_, err = h.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestClosedHandleRejectsOperationsAndNeverReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	h := openTestHandle(t, path)
	ctx := context.Background()

	require.NoError(t, h.Exec(ctx, "CREATE TABLE stops (stop_id TEXT PRIMARY KEY, stop_name TEXT)"))
	_, err := h.BulkInsert(ctx, "stops", []string{"stop_id", "stop_name"}, [][]any{{"S1", "Berri"}})
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.False(t, h.IsOpen())

	_, err = h.BulkInsert(ctx, "stops", []string{"stop_id", "stop_name"}, [][]any{{"S2", "Jarry"}})
	assert.ErrorIs(t, err, ErrHandleClosed)
	_, err = h.ExistingKeys(ctx, "stops", "stop_id", []string{"S1"})
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.ErrorIs(t, h.Exec(ctx, "DELETE FROM stops"), ErrHandleClosed)
	assert.ErrorIs(t, h.Open(ctx), ErrHandleClosed)

	// The store itself is untouched.
	other := openTestHandle(t, path)
	assert.Equal(t, 1, countRows(t, other, "stops"))
}

func TestBulkInsertAndExistingKeys(t *testing.T) {
	h := openTestHandle(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()
	require.NoError(t, h.Exec(ctx, "CREATE TABLE stops (stop_id TEXT PRIMARY KEY, stop_name TEXT)"))

	n, err := h.BulkInsert(ctx, "stops", []string{"stop_id", "stop_name"}, [][]any{
		{"S1", "Berri"},
		{"S2", nil},
		{"S3", "Jarry"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	found, err := h.ExistingKeys(ctx, "stops", "stop_id", []string{"S1", "S3", "S9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"S1": true, "S3": true}, found)
}

func TestBulkInsertIsAtomic(t *testing.T) {
	h := openTestHandle(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()
	require.NoError(t, h.Exec(ctx, "CREATE TABLE stops (stop_id TEXT PRIMARY KEY, stop_name TEXT)"))

	_, err := h.BulkInsert(ctx, "stops", []string{"stop_id", "stop_name"}, [][]any{
		{"S1", "Berri"},
		{"S1", "Duplicate"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, h, "stops"))

	_, err = h.BulkInsert(ctx, "stops", []string{"stop_id", "stop_name"}, [][]any{{"S1"}})
	assert.Error(t, err)
}

func TestBuildInsertQuery(t *testing.T) {
	sqlite := New("sqlite", "", logger.Nop())
	assert.Equal(t, "INSERT INTO stops (a, b) VALUES (?1, ?2), (?3, ?4)",
		sqlite.buildInsertQuery("stops", []string{"a", "b"}, 2))

	pg := New("postgres", "", logger.Nop())
	assert.Equal(t, "INSERT INTO stops (a, b, c) VALUES ($1, $2, $3)",
		pg.buildInsertQuery("stops", []string{"a", "b", "c"}, 1))
}

func TestAcquireIsExclusive(t *testing.T) {
	h := openTestHandle(t, filepath.Join(t.TempDir(), "store.db"))

	release, err := h.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := h.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	h := New("mysql", "", logger.Nop())
	assert.Error(t, h.Open(context.Background()))
	assert.False(t, h.IsOpen())
}

func TestTuplesFiltersOnLeadingColumn(t *testing.T) {
	h := openTestHandle(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()

	require.NoError(t, h.Exec(ctx, "CREATE TABLE stop_times (trip_id TEXT, stop_sequence INTEGER, note TEXT, PRIMARY KEY (trip_id, stop_sequence))"))
	_, err := h.BulkInsert(ctx, "stop_times", []string{"trip_id", "stop_sequence", "note"}, [][]any{
		{"T1", int64(1), nil},
		{"T1", int64(2), "x"},
		{"T2", int64(1), nil},
	})
	require.NoError(t, err)

	tuples, err := h.Tuples(ctx, "stop_times", []string{"trip_id", "stop_sequence", "note"}, "trip_id", []string{"T1", "T9"})
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"T1", "1", ""}, {"T1", "2", "x"}}, tuples)

	tuples, err = h.Tuples(ctx, "stop_times", []string{"trip_id"}, "trip_id", nil)
	require.NoError(t, err)
	assert.Empty(t, tuples)

	require.NoError(t, h.Close())
	_, err = h.Tuples(ctx, "stop_times", []string{"trip_id"}, "trip_id", []string{"T1"})
	assert.ErrorIs(t, err, ErrHandleClosed)
}
