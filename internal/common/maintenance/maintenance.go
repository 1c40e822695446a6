package maintenance

import (
	"context"
	"fmt"

	"github.com/stm-data/internal/common/config"
	"github.com/stm-data/internal/common/db"
	"github.com/stm-data/internal/common/logger"
	"github.com/stm-data/internal/gtfs-static/schema"
	"github.com/stm-data/pkg/gtfs-static/models"
)

// Result summarizes one maintenance run.
type Result struct {
	SessionsAbandoned int64
	SessionsPruned    int64
	Vacuumed          bool
}

// Maintenance keeps the session log bounded and the store compact. It holds
// the import session lock while it runs, so it never overlaps an import.
type Maintenance struct {
	db     *db.Handle
	logger logger.Logger
}

// New creates a new Maintenance instance
func New(database *db.Handle, logger logger.Logger) *Maintenance {
	return &Maintenance{
		db:     database,
		logger: logger,
	}
}

// Run performs the upkeep described by cfg.
func (m *Maintenance) Run(ctx context.Context, cfg config.MaintenanceConfig) (*Result, error) {
	release, err := m.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring import session: %w", err)
	}
	defer release()

	result := &Result{}
	if result.SessionsAbandoned, err = m.markAbandoned(ctx); err != nil {
		return result, err
	}
	if result.SessionsPruned, err = m.pruneSessions(ctx, cfg.KeepSessions); err != nil {
		return result, err
	}

	if cfg.Vacuum {
		if err := m.vacuum(ctx); err != nil {
			// The log is already pruned; a failed vacuum only costs space.
			m.logger.Warn("Failed to vacuum schedule tables", "error", err)
		} else {
			result.Vacuumed = true
		}
	}

	m.logger.Info("Maintenance completed",
		"sessions_abandoned", result.SessionsAbandoned,
		"sessions_pruned", result.SessionsPruned,
		"vacuumed", result.Vacuumed)
	return result, nil
}

// markAbandoned fails sessions still marked running. The caller holds the
// session lock, so no live import owns them.
func (m *Maintenance) markAbandoned(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("UPDATE import_sessions SET status = %s, detail = %s WHERE status = %s",
		m.db.Placeholder(1), m.db.Placeholder(2), m.db.Placeholder(3))
	res, err := m.db.ExecContext(ctx, query,
		string(models.SessionFailed), "abandoned before completion", string(models.SessionRunning))
	if err != nil {
		return 0, fmt.Errorf("marking abandoned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting abandoned sessions: %w", err)
	}
	if n > 0 {
		m.logger.Warn("Marked abandoned import sessions as failed", "sessions", n)
	}
	return n, nil
}

// pruneSessions deletes all but the keep most recent sessions.
func (m *Maintenance) pruneSessions(ctx context.Context, keep int) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM import_sessions WHERE session_id NOT IN (
	SELECT session_id FROM import_sessions ORDER BY started_at DESC LIMIT %s
)`, m.db.Placeholder(1))
	res, err := m.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning import sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned sessions: %w", err)
	}
	m.logger.Debug("Pruned import sessions", "deleted", n, "kept", keep)
	return n, nil
}

// vacuum reclaims space and refreshes planner statistics. VACUUM cannot run
// inside a transaction on either store.
func (m *Maintenance) vacuum(ctx context.Context) error {
	var stmts []string
	if m.db.Driver() == "sqlite" {
		stmts = []string{"VACUUM", "ANALYZE"}
	} else {
		for _, entity := range schema.CommitOrder() {
			stmts = append(stmts, "VACUUM ANALYZE "+string(entity))
		}
		stmts = append(stmts, "VACUUM ANALYZE import_sessions")
	}

	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %s: %w", stmt, err)
		}
	}
	m.logger.Debug("Vacuumed schedule tables", "statements", len(stmts))
	return nil
}
