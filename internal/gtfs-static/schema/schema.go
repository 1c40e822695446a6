package schema

import (
	"fmt"
	"strings"
)

// EntityType names one of the six schedule tables.
type EntityType string

const (
	Agency       EntityType = "agency"
	Stop         EntityType = "stops"
	Route        EntityType = "routes"
	Trip         EntityType = "trips"
	StopTime     EntityType = "stop_times"
	CalendarDate EntityType = "calendar_dates"
)

// EntityTypes lists every entity type in declaration order.
var EntityTypes = []EntityType{Agency, Stop, Route, Trip, StopTime, CalendarDate}

// ParseEntityType accepts a table name, its singular form, or the feed file
// name ("stops.txt").
func ParseEntityType(name string) (EntityType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".txt")
	switch n {
	case "agency", "agencies":
		return Agency, nil
	case "stops", "stop":
		return Stop, nil
	case "routes", "route":
		return Route, nil
	case "trips", "trip":
		return Trip, nil
	case "stop_times", "stop_time", "stoptimes", "stoptime":
		return StopTime, nil
	case "calendar_dates", "calendar_date", "calendardates", "calendardate":
		return CalendarDate, nil
	}
	return "", fmt.Errorf("unknown entity type %q", name)
}

// Kind is the semantic type of a column value.
type Kind int

const (
	KindText Kind = iota
	KindDecimal
	KindInteger
	KindEnum
	KindTime
	KindDate
	KindColor
)

// Reference is a foreign-key edge from a column to a column of another entity.
// Advisory references order the commit and are reported, never enforced.
type Reference struct {
	Entity   EntityType
	Column   string
	Advisory bool
}

type Column struct {
	Name     string
	Kind     Kind
	Required bool
	MaxLen   int
	Min, Max float64  // inclusive range for KindDecimal, ignored when equal
	Enum     []string // allowed values for KindEnum and KindInteger
	Ref      *Reference
}

// Table describes one entity type. Key holds the natural key columns; when
// Synthetic is set the store generates that id column and Key is only unique.
type Table struct {
	Entity    EntityType
	Columns   []Column
	Key       []string
	Synthetic string
}

// Record is one parsed feed row keyed by field name.
type Record map[string]string

// defaultMaxLen bounds text columns declared without an explicit length.
const defaultMaxLen = 255

var tables = map[EntityType]Table{
	Agency: {
		Entity: Agency,
		Key:    []string{"agency_id"},
		Columns: []Column{
			{Name: "agency_id", Required: true, MaxLen: 3},
			{Name: "agency_name", Required: true, MaxLen: 40},
			{Name: "agency_url", Required: true, MaxLen: 60},
			{Name: "agency_timezone", Required: true, MaxLen: 20},
			{Name: "agency_lang", MaxLen: 10},
			{Name: "agency_phone", MaxLen: 20},
			{Name: "agency_fare_url"},
		},
	},
	Stop: {
		Entity: Stop,
		Key:    []string{"stop_id"},
		Columns: []Column{
			{Name: "stop_id", Required: true},
			{Name: "stop_code"},
			{Name: "stop_name", Required: true, MaxLen: 50},
			{Name: "stop_lat", Kind: KindDecimal, Required: true, MaxLen: 32, Min: -90, Max: 90},
			{Name: "stop_lon", Kind: KindDecimal, MaxLen: 32, Min: -180, Max: 180},
			{Name: "stop_url", MaxLen: 60},
			{Name: "wheelchair_boarding", Kind: KindEnum, Enum: []string{"0", "1", "2"}},
		},
	},
	Route: {
		Entity: Route,
		Key:    []string{"route_id"},
		Columns: []Column{
			{Name: "route_id", Required: true},
			{Name: "agency_id", Required: true, MaxLen: 3, Ref: &Reference{Entity: Agency, Column: "agency_id"}},
			{Name: "route_short_name", Required: true, MaxLen: 10},
			{Name: "route_long_name", Required: true, MaxLen: 40},
			{Name: "route_type", Required: true, MaxLen: 10},
			{Name: "route_url", MaxLen: -1},
			{Name: "route_color", Kind: KindColor, MaxLen: 6},
			{Name: "route_text_color", Kind: KindColor, MaxLen: 6},
		},
	},
	Trip: {
		Entity:    Trip,
		Key:       []string{"trip_id"},
		Synthetic: "id",
		Columns: []Column{
			{Name: "route_id", Required: true, Ref: &Reference{Entity: Route, Column: "route_id"}},
			{Name: "service_id", Required: true},
			{Name: "trip_id", Required: true, MaxLen: 20},
			{Name: "trip_headsign", MaxLen: 50},
			{Name: "direction_id", Kind: KindEnum, Enum: []string{"0", "1"}},
			{Name: "shape_id", MaxLen: 15},
			{Name: "wheelchair_accessible", Kind: KindEnum, Enum: []string{"0", "1", "2"}},
			{Name: "note_fr"},
			{Name: "note_en"},
		},
	},
	StopTime: {
		Entity: StopTime,
		Key:    []string{"trip_id", "stop_sequence"},
		Columns: []Column{
			{Name: "trip_id", Required: true, MaxLen: 20, Ref: &Reference{Entity: Trip, Column: "trip_id"}},
			{Name: "arrival_time", Kind: KindTime, Required: true, MaxLen: 8},
			{Name: "departure_time", Kind: KindTime, Required: true, MaxLen: 8},
			{Name: "stop_id", Required: true, Ref: &Reference{Entity: Stop, Column: "stop_id"}},
			{Name: "stop_sequence", Kind: KindInteger, Required: true},
		},
	},
	CalendarDate: {
		Entity:    CalendarDate,
		Synthetic: "calendar_id",
		Columns: []Column{
			{Name: "service_id", Required: true, Ref: &Reference{Entity: Trip, Column: "service_id", Advisory: true}},
			{Name: "date", Kind: KindDate, Required: true, MaxLen: 8},
			{Name: "exception_type", Kind: KindInteger, Required: true, Enum: []string{"1", "2"}},
		},
	},
}

func init() {
	for entity, table := range tables {
		for i := range table.Columns {
			if table.Columns[i].MaxLen == 0 && table.Columns[i].Kind == KindText {
				table.Columns[i].MaxLen = defaultMaxLen
			}
		}
		tables[entity] = table
	}
}

// Lookup returns the table of entity.
func Lookup(entity EntityType) (Table, bool) {
	t, ok := tables[entity]
	return t, ok
}

// MustLookup is Lookup for entity types known to be valid.
func MustLookup(entity EntityType) Table {
	t, ok := tables[entity]
	if !ok {
		panic(fmt.Sprintf("schema: unknown entity type %q", entity))
	}
	return t
}

// Name returns the table name.
func (t Table) Name() string {
	return string(t.Entity)
}

// FieldCount is the number of parameters bound per inserted row.
func (t Table) FieldCount() int {
	return len(t.Columns)
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// References returns the columns carrying a reference, in column order.
func (t Table) References() []Column {
	var refs []Column
	for _, c := range t.Columns {
		if c.Ref != nil {
			refs = append(refs, c)
		}
	}
	return refs
}

// KeyOf joins the natural key values of rec. It returns "" for tables
// without a natural key.
func (t Table) KeyOf(rec Record) string {
	if len(t.Key) == 0 {
		return ""
	}
	parts := make([]string, len(t.Key))
	for i, k := range t.Key {
		parts[i] = normalize(t.mustColumn(k), rec[k])
	}
	return strings.Join(parts, "\x1f")
}

func (t Table) mustColumn(name string) Column {
	c, ok := t.Column(name)
	if !ok {
		panic(fmt.Sprintf("schema: %s has no column %s", t.Entity, name))
	}
	return c
}
