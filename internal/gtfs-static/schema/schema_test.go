package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStop() Record {
	return Record{
		"stop_id":   "S1",
		"stop_name": "Berri-UQAM",
		"stop_lat":  "45.515289",
		"stop_lon":  "-73.561167",
	}
}

func TestCommitOrder(t *testing.T) {
	assert.Equal(t, [][]EntityType{
		{Agency, Stop},
		{Route},
		{Trip},
		{StopTime, CalendarDate},
	}, CommitLevels())
	assert.Equal(t, []EntityType{Agency, Stop, Route, Trip, StopTime, CalendarDate}, CommitOrder())
}

func TestCommitOrderRespectsEveryReference(t *testing.T) {
	position := map[EntityType]int{}
	for i, entity := range CommitOrder() {
		position[entity] = i
	}
	for _, entity := range EntityTypes {
		for _, dep := range Dependencies().DependsOn(entity) {
			assert.Less(t, position[dep], position[entity], "%s must follow %s", entity, dep)
		}
	}
}

func TestLayerDetectsCycle(t *testing.T) {
	_, err := layer([]EntityType{Route, Trip}, map[EntityType][]EntityType{
		Route: {Trip},
		Trip:  {Route},
	})
	assert.Error(t, err)
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, Validate(Stop, 0, validStop()))
	assert.NoError(t, Validate(StopTime, 0, Record{
		"trip_id": "T1", "arrival_time": "25:10:00", "departure_time": "5:10:30",
		"stop_id": "S1", "stop_sequence": "3",
	}))
	assert.NoError(t, Validate(CalendarDate, 0, Record{
		"service_id": "WK", "date": "20240229", "exception_type": "2",
	}))
}

func TestValidateViolations(t *testing.T) {
	long := strings.Repeat("x", 41)
	tests := []struct {
		name       string
		entity     EntityType
		rec        Record
		field      string
		constraint string
	}{
		{"missing name", Agency, Record{"agency_id": "STM", "agency_url": "u", "agency_timezone": "tz"}, "agency_name", ConstraintRequired},
		{"oversized name", Agency, Record{"agency_id": "STM", "agency_name": long, "agency_url": "u", "agency_timezone": "tz"}, "agency_name", "max_length=40"},
		{"agency code length", Agency, Record{"agency_id": "STMX", "agency_name": "n", "agency_url": "u", "agency_timezone": "tz"}, "agency_id", "max_length=3"},
		{"latitude not decimal", Stop, Record{"stop_id": "S", "stop_name": "n", "stop_lat": "north"}, "stop_lat", ConstraintDecimal},
		{"latitude hex float", Stop, Record{"stop_id": "S", "stop_name": "n", "stop_lat": "0x1p-2"}, "stop_lat", ConstraintDecimal},
		{"latitude exponent", Stop, Record{"stop_id": "S", "stop_name": "n", "stop_lat": "4.5e1"}, "stop_lat", ConstraintDecimal},
		{"longitude trailing dot", Stop, Record{"stop_id": "S", "stop_name": "n", "stop_lat": "45", "stop_lon": "-73."}, "stop_lon", ConstraintDecimal},
		{"latitude out of range", Stop, Record{"stop_id": "S", "stop_name": "n", "stop_lat": "91.5"}, "stop_lat", ConstraintRange},
		{"wheelchair enum", Stop, Record{"stop_id": "S", "stop_name": "n", "stop_lat": "1", "wheelchair_boarding": "7"}, "wheelchair_boarding", ConstraintEnum},
		{"route color", Route, Record{"route_id": "R", "agency_id": "STM", "route_short_name": "1", "route_long_name": "Verte", "route_type": "1", "route_color": "green!"}, "route_color", ConstraintColor},
		{"missing route ref", Trip, Record{"service_id": "WK", "trip_id": "T"}, "route_id", ConstraintRequired},
		{"bad time", StopTime, Record{"trip_id": "T", "arrival_time": "8h00", "departure_time": "08:00:00", "stop_id": "S", "stop_sequence": "1"}, "arrival_time", ConstraintTime},
		{"negative sequence", StopTime, Record{"trip_id": "T", "arrival_time": "08:00:00", "departure_time": "08:00:00", "stop_id": "S", "stop_sequence": "-1"}, "stop_sequence", ConstraintInteger},
		{"sequence past int32", StopTime, Record{"trip_id": "T", "arrival_time": "08:00:00", "departure_time": "08:00:00", "stop_id": "S", "stop_sequence": "2147483648"}, "stop_sequence", ConstraintInteger},
		{"sequence far past int32", StopTime, Record{"trip_id": "T", "arrival_time": "08:00:00", "departure_time": "08:00:00", "stop_id": "S", "stop_sequence": "9999999999"}, "stop_sequence", ConstraintInteger},
		{"bad date", CalendarDate, Record{"service_id": "WK", "date": "20230230", "exception_type": "1"}, "date", ConstraintDate},
		{"exception type", CalendarDate, Record{"service_id": "WK", "date": "20230201", "exception_type": "3"}, "exception_type", ConstraintEnum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.entity, 4, tt.rec)
			var violation *SchemaViolation
			require.True(t, errors.As(err, &violation), "got %v", err)
			assert.Equal(t, tt.entity, violation.Entity)
			assert.Equal(t, 4, violation.Row)
			assert.Equal(t, tt.field, violation.Field)
			assert.Equal(t, tt.constraint, violation.Constraint)
		})
	}
}

func TestValidateAcceptsBoundaryValues(t *testing.T) {
	assert.NoError(t, Validate(StopTime, 0, Record{"trip_id": "T", "arrival_time": "08:00:00", "departure_time": "08:00:00", "stop_id": "S", "stop_sequence": "2147483647"}))
	for _, lat := range []string{"45", "-45.5", "+45.515289", "90", "-90.0"} {
		assert.NoError(t, Validate(Stop, 0, Record{"stop_id": "S", "stop_name": "n", "stop_lat": lat}), lat)
	}
}

func TestValues(t *testing.T) {
	table := MustLookup(Stop)
	values := Values(table, validStop())
	require.Len(t, values, table.FieldCount())
	assert.Equal(t, []any{"S1", nil, "Berri-UQAM", "45.515289", "-73.561167", nil, nil}, values)

	st := MustLookup(StopTime)
	values = Values(st, Record{"trip_id": "T", "arrival_time": "08:00:00", "departure_time": "08:01:00", "stop_id": "S", "stop_sequence": "007"})
	assert.Equal(t, int64(7), values[4])
}

func TestKeyOf(t *testing.T) {
	st := MustLookup(StopTime)
	a := st.KeyOf(Record{"trip_id": "T1", "stop_sequence": "01"})
	b := st.KeyOf(Record{"trip_id": "T1", "stop_sequence": "1"})
	assert.Equal(t, a, b)
	assert.Empty(t, MustLookup(CalendarDate).KeyOf(Record{"service_id": "WK"}))
}

func TestParseEntityType(t *testing.T) {
	for name, want := range map[string]EntityType{
		"agency":             Agency,
		"stops.txt":          Stop,
		"Route":              Route,
		"stop_times":         StopTime,
		"calendar_dates.txt": CalendarDate,
	} {
		got, err := ParseEntityType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEntityType("shapes")
	assert.Error(t, err)
}

func TestDDL(t *testing.T) {
	stmts := DDL("sqlite")
	joined := strings.Join(stmts, ";\n")
	assert.Contains(t, joined, "agency_id VARCHAR(3) NOT NULL REFERENCES agency (agency_id)")
	assert.Contains(t, joined, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	assert.Contains(t, joined, "PRIMARY KEY (trip_id, stop_sequence)")
	assert.Contains(t, joined, "idx_trips_service_id")
	assert.NotContains(t, joined, "REFERENCES trips (service_id)")
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS agency"))

	assert.Contains(t, strings.Join(DDL("postgres"), "\n"), "calendar_id BIGSERIAL PRIMARY KEY")
	assert.Equal(t, "DELETE FROM calendar_dates", ClearStatements()[0])
	assert.Equal(t, "DELETE FROM agency", ClearStatements()[5])
}
