package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stm-data/internal/common/logger"
	"github.com/stm-data/internal/gtfs-static/batch"
	"github.com/stm-data/internal/gtfs-static/schema"
)

// maxIssues caps how many violations one rejected import reports.
const maxIssues = 50

// Feed is the parsed input: entity type name to ordered field maps.
type Feed map[string][]map[string]string

// KeyLookup answers which keys already exist in the store.
type KeyLookup interface {
	ExistingKeys(ctx context.Context, table, column string, keys []string) (map[string]bool, error)
	// Tuples returns columns of the rows whose column is one of values.
	Tuples(ctx context.Context, table string, columns []string, column string, values []string) ([][]string, error)
}

// DanglingReference reports a record whose reference matches no row in the
// batch or the store.
type DanglingReference struct {
	Entity       schema.EntityType
	Row          int
	Field        string
	Target       schema.EntityType
	TargetColumn string
	Key          string
}

func (e *DanglingReference) Error() string {
	return fmt.Sprintf("%s row %d: %s %q references missing %s.%s",
		e.Entity, e.Row, e.Field, e.Key, e.Target, e.TargetColumn)
}

// Group is the validated rows of one entity type, in input order.
type Group struct {
	Table schema.Table
	Rows  [][]any
}

func (g Group) Entity() schema.EntityType {
	return g.Table.Entity
}

// Plan is a validated import ready to be written.
type Plan struct {
	// Levels holds groups by dependency level; groups sharing a level do
	// not reference each other.
	Levels [][]Group
	// UnmatchedServices lists calendar_dates service ids no trip uses.
	UnmatchedServices []string
}

// Groups flattens Levels into commit order.
func (p *Plan) Groups() []Group {
	var groups []Group
	for _, level := range p.Levels {
		groups = append(groups, level...)
	}
	return groups
}

// Rows counts the rows of every group.
func (p *Plan) Rows() int {
	n := 0
	for _, g := range p.Groups() {
		n += len(g.Rows)
	}
	return n
}

type Options struct {
	// IgnoreStore validates the feed on its own, as when it replaces the
	// stored dataset.
	IgnoreStore bool
}

type Enforcer struct {
	lookup        KeyLookup
	maxParameters int
	logger        logger.Logger
}

func NewEnforcer(lookup KeyLookup, maxParameters int, logger logger.Logger) *Enforcer {
	return &Enforcer{
		lookup:        lookup,
		maxParameters: maxParameters,
		logger:        logger,
	}
}

// Prepare validates feed and orders it for commit. Any schema violation or
// dangling reference rejects the whole feed before anything is written.
func (e *Enforcer) Prepare(ctx context.Context, feed Feed, opts Options) (*Plan, error) {
	records, err := partition(feed)
	if err != nil {
		return nil, err
	}

	issues := &collector{}
	for _, entity := range schema.CommitOrder() {
		for row, rec := range records[entity] {
			issues.add(schema.Validate(entity, row, rec))
		}
	}
	if err := issues.err(); err != nil {
		e.logger.Warn("Feed rejected by schema validation", "issues", issues.total)
		return nil, err
	}

	for _, entity := range schema.CommitOrder() {
		uniqueInBatch(entity, records[entity], issues)
	}
	if !opts.IgnoreStore {
		for _, entity := range schema.CommitOrder() {
			if err := e.uniqueInStore(ctx, entity, records[entity], issues); err != nil {
				return nil, err
			}
		}
	}
	if err := issues.err(); err != nil {
		e.logger.Warn("Feed rejected for duplicate keys", "issues", issues.total)
		return nil, err
	}

	unmatched, err := e.checkReferences(ctx, records, opts, issues)
	if err != nil {
		return nil, err
	}
	if err := issues.err(); err != nil {
		e.logger.Warn("Feed rejected for dangling references", "issues", issues.total)
		return nil, err
	}
	if len(unmatched) > 0 {
		e.logger.Warn("Calendar dates reference services no trip uses",
			"services", len(unmatched), "sample", sample(unmatched))
	}

	plan := &Plan{UnmatchedServices: unmatched}
	for _, level := range schema.CommitLevels() {
		var groups []Group
		for _, entity := range level {
			if len(records[entity]) == 0 {
				continue
			}
			table := schema.MustLookup(entity)
			rows := make([][]any, len(records[entity]))
			for i, rec := range records[entity] {
				rows[i] = schema.Values(table, rec)
			}
			groups = append(groups, Group{Table: table, Rows: rows})
		}
		if len(groups) > 0 {
			plan.Levels = append(plan.Levels, groups)
		}
	}

	e.logger.Info("Feed validated", "rows", plan.Rows(), "levels", len(plan.Levels))
	return plan, nil
}

func partition(feed Feed) (map[schema.EntityType][]schema.Record, error) {
	names := make([]string, 0, len(feed))
	for name := range feed {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make(map[schema.EntityType][]schema.Record, len(feed))
	seen := make(map[schema.EntityType]string, len(feed))
	for _, name := range names {
		entity, err := schema.ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[entity]; ok {
			return nil, fmt.Errorf("entity type %s supplied twice (%q and %q)", entity, prev, name)
		}
		seen[entity] = name

		group := make([]schema.Record, len(feed[name]))
		for i, rec := range feed[name] {
			group[i] = schema.Record(rec)
		}
		records[entity] = group
	}
	return records, nil
}

func uniqueInBatch(entity schema.EntityType, records []schema.Record, issues *collector) {
	table := schema.MustLookup(entity)
	if len(table.Key) == 0 {
		return
	}
	seen := make(map[string]int, len(records))
	for row, rec := range records {
		key := table.KeyOf(rec)
		if first, ok := seen[key]; ok {
			issues.add(&schema.SchemaViolation{
				Entity:     entity,
				Row:        row,
				Field:      strings.Join(table.Key, ","),
				Constraint: fmt.Sprintf("%s (duplicates row %d)", schema.ConstraintUnique, first),
				Value:      strings.ReplaceAll(key, "\x1f", ","),
			})
			continue
		}
		seen[key] = row
	}
}

// uniqueInStore rejects natural keys that are already stored. Committed rows
// are immutable, so a repeated key can never be patched.
func (e *Enforcer) uniqueInStore(ctx context.Context, entity schema.EntityType, records []schema.Record, issues *collector) error {
	table := schema.MustLookup(entity)
	if len(table.Key) == 0 || len(records) == 0 {
		return nil
	}

	var (
		existing map[string]bool
		err      error
	)
	if len(table.Key) == 1 {
		values := make([]string, len(records))
		for i, rec := range records {
			values[i] = table.KeyOf(rec)
		}
		existing, err = e.existing(ctx, entity, table.Key[0], distinct(values))
	} else {
		existing, err = e.existingComposite(ctx, table, records)
	}
	if err != nil {
		return err
	}

	for row, rec := range records {
		key := table.KeyOf(rec)
		if existing[key] {
			issues.add(&schema.SchemaViolation{
				Entity:     entity,
				Row:        row,
				Field:      strings.Join(table.Key, ","),
				Constraint: schema.ConstraintUnique + " (already stored)",
				Value:      strings.ReplaceAll(key, "\x1f", ","),
			})
		}
	}
	return nil
}

// existingComposite loads the stored keys of table that share a leading key
// column value with records, in chunks that respect the parameter ceiling.
func (e *Enforcer) existingComposite(ctx context.Context, table schema.Table, records []schema.Record) (map[string]bool, error) {
	lead := table.Key[0]
	values := make([]string, len(records))
	for i, rec := range records {
		values[i] = table.Normalize(lead, rec[lead])
	}
	keys := distinct(values)

	found := make(map[string]bool)
	if len(keys) == 0 {
		return found, nil
	}
	size, err := batch.ChunkSize(e.maxParameters, 1)
	if err != nil {
		return nil, err
	}
	for _, chunk := range batch.Split(keys, size) {
		tuples, err := e.lookup.Tuples(ctx, table.Name(), table.Key, lead, chunk)
		if err != nil {
			return nil, fmt.Errorf("looking up stored %s keys: %w", table.Entity, err)
		}
		for _, tuple := range tuples {
			rec := make(schema.Record, len(table.Key))
			for i, column := range table.Key {
				rec[column] = tuple[i]
			}
			found[table.KeyOf(rec)] = true
		}
	}
	return found, nil
}

func (e *Enforcer) checkReferences(ctx context.Context, records map[schema.EntityType][]schema.Record, opts Options, issues *collector) ([]string, error) {
	unmatched := map[string]bool{}

	for _, entity := range schema.CommitOrder() {
		table := schema.MustLookup(entity)
		for _, col := range table.References() {
			target := schema.MustLookup(col.Ref.Entity)

			inBatch := make(map[string]bool, len(records[target.Entity]))
			for _, rec := range records[target.Entity] {
				inBatch[target.Normalize(col.Ref.Column, rec[col.Ref.Column])] = true
			}

			values := make([]string, len(records[entity]))
			var missing []string
			for row, rec := range records[entity] {
				values[row] = table.Normalize(col.Name, rec[col.Name])
				if values[row] != "" && !inBatch[values[row]] {
					missing = append(missing, values[row])
				}
			}

			inStore := map[string]bool{}
			if !opts.IgnoreStore && len(missing) > 0 {
				var err error
				inStore, err = e.existing(ctx, target.Entity, col.Ref.Column, distinct(missing))
				if err != nil {
					return nil, err
				}
			}

			for row, value := range values {
				if value == "" || inBatch[value] || inStore[value] {
					continue
				}
				if col.Ref.Advisory {
					unmatched[value] = true
					continue
				}
				issues.add(&DanglingReference{
					Entity:       entity,
					Row:          row,
					Field:        col.Name,
					Target:       target.Entity,
					TargetColumn: col.Ref.Column,
					Key:          value,
				})
			}
		}
	}

	out := make([]string, 0, len(unmatched))
	for service := range unmatched {
		out = append(out, service)
	}
	sort.Strings(out)
	return out, nil
}

// existing looks keys up in chunks that respect the parameter ceiling.
func (e *Enforcer) existing(ctx context.Context, entity schema.EntityType, column string, keys []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(keys) == 0 {
		return found, nil
	}
	size, err := batch.ChunkSize(e.maxParameters, 1)
	if err != nil {
		return nil, err
	}
	for _, chunk := range batch.Split(keys, size) {
		part, err := e.lookup.ExistingKeys(ctx, string(entity), column, chunk)
		if err != nil {
			return nil, fmt.Errorf("looking up stored %s.%s: %w", entity, column, err)
		}
		for k := range part {
			found[k] = true
		}
	}
	return found, nil
}

func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func sample(values []string) []string {
	if len(values) > 5 {
		return values[:5]
	}
	return values
}

type collector struct {
	errs  []error
	total int
}

func (c *collector) add(err error) {
	if err == nil {
		return
	}
	c.total++
	if len(c.errs) < maxIssues {
		c.errs = append(c.errs, err)
	}
}

func (c *collector) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	if c.total > len(c.errs) {
		return errors.Join(append(c.errs, fmt.Errorf("%d more issues not shown", c.total-len(c.errs)))...)
	}
	return errors.Join(c.errs...)
}
