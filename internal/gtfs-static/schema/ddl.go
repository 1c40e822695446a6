package schema

import (
	"fmt"
	"slices"
	"strings"
)

// DDL returns the CREATE statements for all six tables in commit order.
// driver selects the synthetic id syntax ("sqlite" or a postgres driver).
func DDL(driver string) []string {
	var stmts []string
	for _, entity := range CommitOrder() {
		table := MustLookup(entity)
		stmts = append(stmts, createTable(driver, table))
		stmts = append(stmts, createIndexes(table)...)
	}
	return stmts
}

// ClearStatements deletes every row of the six tables, dependents first.
func ClearStatements() []string {
	order := CommitOrder()
	slices.Reverse(order)
	stmts := make([]string, len(order))
	for i, entity := range order {
		stmts[i] = "DELETE FROM " + string(entity)
	}
	return stmts
}

func createTable(driver string, t Table) string {
	var defs []string
	if t.Synthetic != "" {
		if driver == "sqlite" {
			defs = append(defs, t.Synthetic+" INTEGER PRIMARY KEY AUTOINCREMENT")
		} else {
			defs = append(defs, t.Synthetic+" BIGSERIAL PRIMARY KEY")
		}
	}
	for _, c := range t.Columns {
		def := c.Name + " " + columnType(c)
		if c.Required {
			def += " NOT NULL"
		}
		if c.Ref != nil && !c.Ref.Advisory {
			def += fmt.Sprintf(" REFERENCES %s (%s)", c.Ref.Entity, c.Ref.Column)
		}
		defs = append(defs, def)
	}
	if len(t.Key) > 0 {
		if t.Synthetic != "" {
			defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(t.Key, ", ")))
		} else {
			defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.Key, ", ")))
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Entity, strings.Join(defs, ",\n\t"))
}

func columnType(c Column) string {
	switch {
	case c.Kind == KindInteger:
		return "INTEGER"
	case c.MaxLen > 0:
		return fmt.Sprintf("VARCHAR(%d)", c.MaxLen)
	default:
		return "TEXT"
	}
}

// createIndexes indexes the reference columns of t and the columns of t that
// advisory references point at, unless they already lead a key.
func createIndexes(t Table) []string {
	var columns []string
	for _, c := range t.References() {
		columns = append(columns, c.Name)
	}
	for _, other := range EntityTypes {
		for _, c := range MustLookup(other).References() {
			if c.Ref.Entity == t.Entity && c.Ref.Advisory {
				columns = append(columns, c.Ref.Column)
			}
		}
	}

	var stmts []string
	for _, name := range columns {
		if len(t.Key) > 0 && t.Key[0] == name {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			t.Entity, name, t.Entity, name))
	}
	return stmts
}
