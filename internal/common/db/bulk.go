package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Placeholder returns the n-th (1-based) bound parameter marker for the driver.
func (h *Handle) Placeholder(n int) string {
	if h.driver == "sqlite" {
		return fmt.Sprintf("?%d", n)
	}
	return fmt.Sprintf("$%d", n)
}

// Placeholders returns count markers starting at from, joined by ", ".
func (h *Handle) Placeholders(from, count int) string {
	var sb strings.Builder
	for i := 0; i < count; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(h.Placeholder(from + i))
	}
	return sb.String()
}

// BulkInsert writes rows into table as one multi-row INSERT inside its own
// transaction, so the rows commit or fail together. Every row must carry one
// value per column.
func (h *Handle) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	conn, err := h.db()
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("row %d of %s has %d values, want %d", i, table, len(row), len(columns))
		}
		args = append(args, row...)
	}

	query := h.buildInsertQuery(table, columns, len(rows))

	// Begin transaction
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing batch insert into %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return affected, nil
}

func (h *Handle) buildInsertQuery(table string, columns []string, rowCount int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", ")))

	fieldCount := len(columns)
	for i := 0; i < rowCount; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(h.Placeholders(i*fieldCount+1, fieldCount))
		sb.WriteString(")")
	}

	return sb.String()
}

// ExistingKeys returns which of keys are present in table.column. Callers
// bound len(keys) to the parameter ceiling of the store.
func (h *Handle) ExistingKeys(ctx context.Context, table, column string, keys []string) (map[string]bool, error) {
	conn, err := h.db()
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IN (%s)",
		column, table, column, h.Placeholders(1, len(keys)))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning %s.%s: %w", table, column, err)
		}
		found[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s.%s: %w", table, column, err)
	}
	return found, nil
}

// Tuples returns the values of columns for every row of table whose column
// matches one of values. NULLs read as "". Callers keep len(values) under the
// parameter ceiling.
func (h *Handle) Tuples(ctx context.Context, table string, columns []string, column string, values []string) ([][]string, error) {
	conn, err := h.db()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(columns, ", "), table, column, h.Placeholders(1, len(values)))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s (%s): %w", table, strings.Join(columns, ", "), err)
	}
	defer rows.Close()

	var tuples [][]string
	for rows.Next() {
		parts := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range parts {
			dest[i] = &parts[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s tuple: %w", table, err)
		}
		tuple := make([]string, len(parts))
		for i, p := range parts {
			tuple[i] = p.String
		}
		tuples = append(tuples, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s tuples: %w", table, err)
	}
	return tuples, nil
}

// Exec runs statements in order inside one transaction.
func (h *Handle) Exec(ctx context.Context, statements ...string) error {
	conn, err := h.db()
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ExecContext runs a single statement with arguments outside any transaction.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := h.db()
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}
