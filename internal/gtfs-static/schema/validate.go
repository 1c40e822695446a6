package schema

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Constraint names reported by SchemaViolation.
const (
	ConstraintRequired  = "required"
	ConstraintMaxLength = "max_length"
	ConstraintDecimal   = "decimal"
	ConstraintRange     = "range"
	ConstraintInteger   = "integer"
	ConstraintEnum      = "enum"
	ConstraintTime      = "time"
	ConstraintDate      = "date"
	ConstraintColor     = "color"
	ConstraintUnique    = "unique"
)

// SchemaViolation reports a record that breaks a field constraint of its
// entity type. Row is the zero-based position of the record in its group.
type SchemaViolation struct {
	Entity     EntityType
	Row        int
	Field      string
	Constraint string
	Value      string
}

func (e *SchemaViolation) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s row %d: %s violates %s", e.Entity, e.Row, e.Field, e.Constraint)
	}
	return fmt.Sprintf("%s row %d: %s violates %s (value %q)", e.Entity, e.Row, e.Field, e.Constraint, e.Value)
}

var (
	timePattern    = regexp.MustCompile(`^\d{1,2}:[0-5]\d:[0-5]\d$`)
	colorPattern   = regexp.MustCompile(`^[0-9A-Fa-f]{6}$`)
	decimalPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
)

// Validate checks rec against the constraints of entity. Fields that are not
// part of the table are ignored.
func Validate(entity EntityType, row int, rec Record) error {
	table, ok := Lookup(entity)
	if !ok {
		return fmt.Errorf("unknown entity type %q", entity)
	}
	for _, col := range table.Columns {
		value := strings.TrimSpace(rec[col.Name])
		if constraint := check(col, value); constraint != "" {
			return &SchemaViolation{
				Entity:     entity,
				Row:        row,
				Field:      col.Name,
				Constraint: constraint,
				Value:      value,
			}
		}
	}
	return nil
}

func check(col Column, value string) string {
	if value == "" {
		if col.Required {
			return ConstraintRequired
		}
		return ""
	}
	if col.MaxLen > 0 && utf8.RuneCountInString(value) > col.MaxLen {
		return fmt.Sprintf("%s=%d", ConstraintMaxLength, col.MaxLen)
	}

	switch col.Kind {
	case KindDecimal:
		if !decimalPattern.MatchString(value) {
			return ConstraintDecimal
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return ConstraintDecimal
		}
		if col.Min != col.Max && (f < col.Min || f > col.Max) {
			return ConstraintRange
		}
	case KindInteger:
		// INTEGER columns are 32-bit on postgres.
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil || n < 0 {
			return ConstraintInteger
		}
		if len(col.Enum) > 0 && !slices.Contains(col.Enum, strconv.FormatInt(n, 10)) {
			return ConstraintEnum
		}
	case KindEnum:
		if !slices.Contains(col.Enum, value) {
			return ConstraintEnum
		}
	case KindTime:
		if !timePattern.MatchString(value) {
			return ConstraintTime
		}
	case KindDate:
		if len(value) != 8 {
			return ConstraintDate
		}
		if _, err := time.Parse("20060102", value); err != nil {
			return ConstraintDate
		}
	case KindColor:
		if !colorPattern.MatchString(value) {
			return ConstraintColor
		}
	}
	return ""
}

// Values returns the bound parameters of rec in column order. Empty optional
// fields bind NULL and integer columns bind int64.
func Values(table Table, rec Record) []any {
	values := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		value := strings.TrimSpace(rec[col.Name])
		if value == "" {
			values[i] = nil
			continue
		}
		if col.Kind == KindInteger {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				values[i] = n
				continue
			}
		}
		values[i] = value
	}
	return values
}

func normalize(col Column, value string) string {
	value = strings.TrimSpace(value)
	if col.Kind == KindInteger {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
	}
	return value
}

// Normalize returns the form of value used for key comparison.
func (t Table) Normalize(column, value string) string {
	col, ok := t.Column(column)
	if !ok {
		return strings.TrimSpace(value)
	}
	return normalize(col, value)
}
