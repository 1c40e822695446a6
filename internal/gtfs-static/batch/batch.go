package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stm-data/internal/common/logger"
	"github.com/stm-data/internal/gtfs-static/schema"
)

// ErrChunkTimeout marks a chunk write that outlived the chunk timeout.
var ErrChunkTimeout = errors.New("chunk write timed out")

// Inserter issues one atomic multi-row insert.
type Inserter interface {
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// WriteFailure reports the chunk that failed. Chunks before it stay
// committed; it and every later chunk of the group are abandoned.
type WriteFailure struct {
	Entity    schema.EntityType
	Chunk     int
	Committed Progress
	Err       error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("writing %s chunk %d: %v", e.Entity, e.Chunk, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

// Canceled reports a write stopped between chunks. LastChunk is the index of
// the last committed chunk, -1 when none was.
type Canceled struct {
	Entity    schema.EntityType
	LastChunk int
	Err       error
}

func (e *Canceled) Error() string {
	return fmt.Sprintf("writing %s canceled after chunk %d: %v", e.Entity, e.LastChunk, e.Err)
}

func (e *Canceled) Unwrap() error {
	return e.Err
}

// Progress describes what a Write committed.
type Progress struct {
	Entity    schema.EntityType
	Chunks    int   // chunks planned
	Committed int   // chunks committed
	Rows      int64 // rows committed
	LastChunk int   // -1 when nothing was committed
}

// ChunkSize is the largest number of records whose bound parameters fit under
// maxParameters.
func ChunkSize(maxParameters, fieldsPerRecord int) (int, error) {
	if fieldsPerRecord <= 0 {
		return 0, fmt.Errorf("fields per record must be positive, got %d", fieldsPerRecord)
	}
	if maxParameters < fieldsPerRecord {
		return 0, fmt.Errorf("parameter ceiling %d cannot hold one record of %d fields", maxParameters, fieldsPerRecord)
	}
	return maxParameters / fieldsPerRecord, nil
}

// Split cuts records into consecutive chunks of at most size records.
// Concatenating the chunks yields records again; no chunk is empty.
func Split[T any](records []T, size int) [][]T {
	if size <= 0 {
		panic(fmt.Sprintf("batch: chunk size must be positive, got %d", size))
	}
	chunks := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end:end])
	}
	return chunks
}

type Writer struct {
	inserter      Inserter
	maxParameters int
	chunkTimeout  time.Duration
	logger        logger.Logger
}

// NewWriter returns a writer bounded by maxParameters per statement. A zero
// chunkTimeout leaves chunk writes unbounded.
func NewWriter(inserter Inserter, maxParameters int, chunkTimeout time.Duration, logger logger.Logger) *Writer {
	return &Writer{
		inserter:      inserter,
		maxParameters: maxParameters,
		chunkTimeout:  chunkTimeout,
		logger:        logger,
	}
}

// ChunkSize returns the chunk size the writer uses for table.
func (w *Writer) ChunkSize(table schema.Table) (int, error) {
	return ChunkSize(w.maxParameters, table.FieldCount())
}

// Write commits rows into table chunk by chunk, in order. ctx is checked
// between chunks only; a chunk in flight runs to completion or timeout.
func (w *Writer) Write(ctx context.Context, table schema.Table, rows [][]any) (Progress, error) {
	progress := Progress{Entity: table.Entity, LastChunk: -1}

	size, err := w.ChunkSize(table)
	if err != nil {
		return progress, fmt.Errorf("sizing %s chunks: %w", table.Entity, err)
	}
	chunks := Split(rows, size)
	progress.Chunks = len(chunks)
	columns := table.ColumnNames()

	for k, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			w.logger.Warn("Write canceled between chunks",
				"entity", table.Entity, "last_chunk", progress.LastChunk, "chunks", len(chunks))
			return progress, &Canceled{Entity: table.Entity, LastChunk: progress.LastChunk, Err: err}
		}

		n, err := w.writeChunk(ctx, table, columns, chunk)
		if err != nil {
			w.logger.Error("Chunk write failed",
				"entity", table.Entity, "chunk", k, "rows", len(chunk), "error", err)
			return progress, &WriteFailure{Entity: table.Entity, Chunk: k, Committed: progress, Err: err}
		}

		progress.Committed++
		progress.Rows += n
		progress.LastChunk = k
		w.logger.Debug("Chunk committed",
			"entity", table.Entity, "chunk", k, "of", len(chunks), "rows", len(chunk))
	}

	return progress, nil
}

func (w *Writer) writeChunk(ctx context.Context, table schema.Table, columns []string, chunk [][]any) (int64, error) {
	chunkCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if w.chunkTimeout > 0 {
		chunkCtx, cancel = context.WithTimeout(chunkCtx, w.chunkTimeout)
	} else {
		chunkCtx, cancel = context.WithCancel(chunkCtx)
	}
	defer cancel()

	n, err := w.inserter.BulkInsert(chunkCtx, table.Name(), columns, chunk)
	if err != nil {
		if errors.Is(chunkCtx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w after %s: %w", ErrChunkTimeout, w.chunkTimeout, err)
		}
		return 0, err
	}
	return n, nil
}
