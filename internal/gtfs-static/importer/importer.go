package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stm-data/internal/common/config"
	"github.com/stm-data/internal/common/db"
	"github.com/stm-data/internal/common/logger"
	"github.com/stm-data/internal/gtfs-static/batch"
	"github.com/stm-data/internal/gtfs-static/integrity"
	"github.com/stm-data/internal/gtfs-static/schema"
	"github.com/stm-data/pkg/gtfs-static/models"
)

// maxDetailLen bounds the error text kept with a session.
const maxDetailLen = 2000

// ErrRejected wraps every failure detected before the first write.
var ErrRejected = errors.New("import rejected")

type Importer struct {
	db       *db.Handle
	cfg      config.ImportConfig
	logger   logger.Logger
	sessions *sessionLog
}

// Options control a single import.
type Options struct {
	// Replace clears the stored dataset before writing, once the feed has
	// passed validation.
	Replace bool
}

// Checkpoint names a committed chunk.
type Checkpoint struct {
	Entity schema.EntityType
	Chunk  int
}

// Report describes an import, including one that stopped partway.
type Report struct {
	SessionID string
	Status    models.SessionStatus
	Progress  map[schema.EntityType]batch.Progress
	// LastCommitted is the last chunk known to be committed, nil if none.
	LastCommitted     *Checkpoint
	UnmatchedServices []string
	Duration          time.Duration
}

// Rows returns the number of rows committed across all entity types.
func (r *Report) Rows() int64 {
	var n int64
	for _, p := range r.Progress {
		n += p.Rows
	}
	return n
}

func NewImporter(database *db.Handle, cfg config.ImportConfig) *Importer {
	return &Importer{
		db:       database,
		cfg:      cfg,
		logger:   database.Logger(),
		sessions: &sessionLog{handle: database},
	}
}

// EnsureSchema creates the schedule tables and the session log if missing.
func (i *Importer) EnsureSchema(ctx context.Context) error {
	stmts := append(schema.DDL(i.db.Driver()), sessionsDDL)
	if err := i.db.Exec(ctx, stmts...); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Import validates feed and writes it in dependency order. Validation
// failures reject the feed before any row is written. A write failure or
// cancellation leaves earlier chunks committed; the report says how far the
// import got.
func (i *Importer) Import(ctx context.Context, feed integrity.Feed, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{
		SessionID: uuid.New().String(),
		Status:    models.SessionRunning,
		Progress:  make(map[schema.EntityType]batch.Progress),
	}
	log := i.logger.With("session_id", report.SessionID)

	if err := ctx.Err(); err != nil {
		report.Status = models.SessionCanceled
		return report, err
	}
	release, err := i.db.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("acquiring import session: %w", err)
		report.Status = statusOf(err)
		return report, err
	}
	defer release()

	if err := i.sessions.start(ctx, report.SessionID, opts.Replace, start); err != nil {
		report.Status = models.SessionFailed
		return report, err
	}
	log.Info("Import started", "replace", opts.Replace, "entity_types", len(feed))

	err = i.run(ctx, log, feed, opts, report)
	report.Duration = time.Since(start)
	report.Status = statusOf(err)

	detail := ""
	if err != nil {
		detail = truncateDetail(err.Error(), maxDetailLen)
	}
	if ferr := i.sessions.finish(context.WithoutCancel(ctx), report.SessionID, report.Status, report.Rows(), detail); ferr != nil {
		log.Warn("Failed to record session outcome", "error", ferr)
	}

	if err != nil {
		fields := []interface{}{"status", report.Status, "rows", report.Rows(), "error", err}
		if report.LastCommitted != nil {
			fields = append(fields, "last_entity", report.LastCommitted.Entity, "last_chunk", report.LastCommitted.Chunk)
		}
		log.Error("Import did not complete", fields...)
		return report, err
	}

	log.Info("Import completed successfully",
		"rows", report.Rows(),
		"duration", report.Duration)
	return report, nil
}

func (i *Importer) run(ctx context.Context, log logger.Logger, feed integrity.Feed, opts Options, report *Report) error {
	enforcer := integrity.NewEnforcer(i.db, i.cfg.MaxParameters, log)
	plan, err := enforcer.Prepare(ctx, feed, integrity.Options{IgnoreStore: opts.Replace})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	report.UnmatchedServices = plan.UnmatchedServices

	if err := ctx.Err(); err != nil {
		return err
	}

	if opts.Replace {
		if err := i.db.Exec(ctx, schema.ClearStatements()...); err != nil {
			return fmt.Errorf("clearing stored dataset: %w", err)
		}
		log.Info("Cleared stored dataset for replacement")
	}

	writer := batch.NewWriter(i.db, i.cfg.MaxParameters, i.cfg.ChunkTimeout, log)
	rec := &recorder{report: report}

	for _, level := range plan.Levels {
		if err := i.writeLevel(ctx, writer, level, rec); err != nil {
			return err
		}
	}
	return nil
}

// writeLevel writes groups that share a dependency level. Every group of the
// level finishes before writeLevel returns.
func (i *Importer) writeLevel(ctx context.Context, writer *batch.Writer, level []integrity.Group, rec *recorder) error {
	if !i.cfg.ParallelLevels || len(level) == 1 {
		for _, group := range level {
			progress, err := writer.Write(ctx, group.Table, group.Rows)
			rec.record(progress)
			if err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range level {
		g.Go(func() error {
			progress, err := writer.Write(gctx, group.Table, group.Rows)
			rec.record(progress)
			return err
		})
	}
	return g.Wait()
}

type recorder struct {
	mu     sync.Mutex
	report *Report
}

func (r *recorder) record(p batch.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Progress[p.Entity] = p
	if p.LastChunk >= 0 {
		r.report.LastCommitted = &Checkpoint{Entity: p.Entity, Chunk: p.LastChunk}
	}
}

// truncateDetail cuts s to at most n bytes without splitting a rune.
func truncateDetail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func statusOf(err error) models.SessionStatus {
	var (
		failure  *batch.WriteFailure
		canceled *batch.Canceled
	)
	switch {
	case err == nil:
		return models.SessionSucceeded
	case errors.Is(err, ErrRejected):
		return models.SessionRejected
	case errors.As(err, &failure):
		return models.SessionFailed
	case errors.As(err, &canceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.SessionCanceled
	default:
		return models.SessionFailed
	}
}
