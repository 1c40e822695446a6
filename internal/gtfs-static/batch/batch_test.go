package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stm-data/internal/common/logger"
	"github.com/stm-data/internal/gtfs-static/schema"
)

type call struct {
	table string
	rows  [][]any
}

type fakeInserter struct {
	mu     sync.Mutex
	calls  []call
	failAt int // 0-based call index that fails, -1 never
	block  bool
	onCall func(n int)
}

func (f *fakeInserter) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, call{table: table, rows: rows})
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(n)
	}
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if n == f.failAt {
		return 0, errors.New("disk full")
	}
	return int64(len(rows)), nil
}

func stopRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("S%d", i), nil, "name", "45.5", nil, nil, nil}
	}
	return rows
}

func TestChunkSize(t *testing.T) {
	size, err := ChunkSize(10, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	size, err = ChunkSize(65536, 7)
	require.NoError(t, err)
	assert.Equal(t, 9362, size)

	_, err = ChunkSize(2, 3)
	assert.Error(t, err)
	_, err = ChunkSize(10, 0)
	assert.Error(t, err)
}

func TestSplitSevenStopsIntoThreeChunks(t *testing.T) {
	size, err := ChunkSize(10, 3)
	require.NoError(t, err)

	records := []string{"S1", "S2", "S3", "S4", "S5", "S6", "S7"}
	chunks := Split(records, size)

	var sizes []int
	for _, c := range chunks {
		sizes = append(sizes, len(c))
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, records, slices.Concat(chunks...))
}

func TestSplitIsLosslessForManyShapes(t *testing.T) {
	for _, maxParams := range []int{3, 10, 64, 1000} {
		for _, fields := range []int{1, 3, 5} {
			for _, n := range []int{0, 1, 2, 7, 100, 333} {
				size, err := ChunkSize(maxParams, fields)
				if fields > maxParams {
					require.Error(t, err)
					continue
				}
				require.NoError(t, err)

				records := make([]int, n)
				for i := range records {
					records[i] = i
				}
				chunks := Split(records, size)

				want := (n + size - 1) / size
				assert.Len(t, chunks, want, "max=%d fields=%d n=%d", maxParams, fields, n)
				for _, c := range chunks {
					assert.NotEmpty(t, c)
					assert.LessOrEqual(t, len(c)*fields, maxParams)
				}
				if n > 0 {
					assert.Equal(t, records, slices.Concat(chunks...))
				}
			}
		}
	}
}

func TestWriteCommitsChunksInOrder(t *testing.T) {
	ins := &fakeInserter{failAt: -1}
	table := schema.MustLookup(schema.Stop)
	w := NewWriter(ins, 3*table.FieldCount(), time.Second, logger.Nop())

	rows := stopRows(7)
	progress, err := w.Write(context.Background(), table, rows)
	require.NoError(t, err)

	assert.Equal(t, Progress{Entity: schema.Stop, Chunks: 3, Committed: 3, Rows: 7, LastChunk: 2}, progress)
	require.Len(t, ins.calls, 3)
	var written [][]any
	for _, c := range ins.calls {
		assert.Equal(t, "stops", c.table)
		written = append(written, c.rows...)
	}
	assert.Equal(t, rows, written)
}

func TestWriteStopsAtFailingChunk(t *testing.T) {
	ins := &fakeInserter{failAt: 1}
	table := schema.MustLookup(schema.Stop)
	w := NewWriter(ins, 2*table.FieldCount(), 0, logger.Nop())

	progress, err := w.Write(context.Background(), table, stopRows(7))

	var failure *WriteFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, schema.Stop, failure.Entity)
	assert.Equal(t, 1, failure.Chunk)
	assert.Equal(t, 0, failure.Committed.LastChunk)
	assert.EqualError(t, errors.Unwrap(failure), "disk full")

	assert.Equal(t, 1, progress.Committed)
	assert.EqualValues(t, 2, progress.Rows)
	assert.Len(t, ins.calls, 2, "chunks after the failure are abandoned")
}

func TestWriteTimeoutIsWriteFailure(t *testing.T) {
	ins := &fakeInserter{failAt: -1, block: true}
	table := schema.MustLookup(schema.Stop)
	w := NewWriter(ins, 100, 10*time.Millisecond, logger.Nop())

	_, err := w.Write(context.Background(), table, stopRows(1))

	var failure *WriteFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, failure.Chunk)
	assert.ErrorIs(t, err, ErrChunkTimeout)
}

func TestWriteCancelsBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ins := &fakeInserter{failAt: -1}
	ins.onCall = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	table := schema.MustLookup(schema.Stop)
	w := NewWriter(ins, table.FieldCount(), time.Second, logger.Nop())

	progress, err := w.Write(ctx, table, stopRows(5))

	var canceled *Canceled
	require.True(t, errors.As(err, &canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, canceled.LastChunk, "the chunk in flight when canceled still commits")
	assert.Equal(t, 2, progress.Committed)
	assert.Len(t, ins.calls, 2)
}

func TestWriteRejectsCeilingBelowOneRecord(t *testing.T) {
	ins := &fakeInserter{failAt: -1}
	w := NewWriter(ins, 2, time.Second, logger.Nop())

	_, err := w.Write(context.Background(), schema.MustLookup(schema.Stop), stopRows(1))
	assert.Error(t, err)
	assert.Empty(t, ins.calls)
}
