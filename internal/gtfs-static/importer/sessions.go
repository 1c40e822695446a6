package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/stm-data/internal/common/db"
	"github.com/stm-data/pkg/gtfs-static/models"
)

const sessionsDDL = `CREATE TABLE IF NOT EXISTS import_sessions (
	session_id VARCHAR(36) PRIMARY KEY,
	started_at VARCHAR(40) NOT NULL,
	finished_at VARCHAR(40),
	status VARCHAR(16) NOT NULL,
	replace_data INTEGER NOT NULL DEFAULT 0,
	row_count BIGINT NOT NULL DEFAULT 0,
	detail TEXT
)`

var sessionColumns = []string{"session_id", "started_at", "status", "replace_data"}

// sessionLog records every import attempt and its outcome.
type sessionLog struct {
	handle *db.Handle
}

func (s *sessionLog) start(ctx context.Context, sessionID string, replace bool, startedAt time.Time) error {
	replaceFlag := 0
	if replace {
		replaceFlag = 1
	}
	_, err := s.handle.BulkInsert(ctx, "import_sessions", sessionColumns, [][]any{{
		sessionID,
		startedAt.UTC().Format(models.TimestampFormat),
		string(models.SessionRunning),
		replaceFlag,
	}})
	if err != nil {
		return fmt.Errorf("recording session start: %w", err)
	}
	return nil
}

func (s *sessionLog) finish(ctx context.Context, sessionID string, status models.SessionStatus, rows int64, detail string) error {
	var detailArg any
	if detail != "" {
		detailArg = detail
	}
	query := fmt.Sprintf("UPDATE import_sessions SET finished_at = %s, status = %s, row_count = %s, detail = %s WHERE session_id = %s",
		s.handle.Placeholder(1), s.handle.Placeholder(2), s.handle.Placeholder(3), s.handle.Placeholder(4), s.handle.Placeholder(5))

	result, err := s.handle.ExecContext(ctx, query,
		time.Now().UTC().Format(models.TimestampFormat), string(status), rows, detailArg, sessionID)
	if err != nil {
		return fmt.Errorf("recording session outcome: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}
