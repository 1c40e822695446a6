package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stm-data/internal/common/db"
	"github.com/stm-data/internal/gtfs-static/schema"
	"github.com/stm-data/pkg/gtfs-static/models"
)

// ErrNotFound is returned when no row matches a key.
var ErrNotFound = errors.New("not found")

// Reader queries the stored schedule by key and along references. It never
// takes the import session lock.
type Reader struct {
	db *db.Handle
}

func NewReader(database *db.Handle) *Reader {
	return &Reader{db: database}
}

const (
	agencyColumns       = "agency_id, agency_name, agency_url, agency_timezone, agency_lang, agency_phone, agency_fare_url"
	stopColumns         = "stop_id, stop_code, stop_name, stop_lat, stop_lon, stop_url, wheelchair_boarding"
	routeColumns        = "route_id, agency_id, route_short_name, route_long_name, route_type, route_url, route_color, route_text_color"
	tripColumns         = "id, route_id, service_id, trip_id, trip_headsign, direction_id, shape_id, wheelchair_accessible, note_fr, note_en"
	stopTimeColumns     = "trip_id, arrival_time, departure_time, stop_id, stop_sequence"
	calendarDateColumns = "calendar_id, service_id, date, exception_type"
)

func (r *Reader) Agency(ctx context.Context, agencyID string) (*models.Agency, error) {
	row, err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM agency WHERE agency_id = %s", agencyColumns, r.db.Placeholder(1)), agencyID)
	if err != nil {
		return nil, err
	}
	var a models.Agency
	err = row.Scan(&a.AgencyID, &a.AgencyName, &a.AgencyURL, &a.AgencyTimezone, &a.AgencyLang, &a.AgencyPhone, &a.AgencyFareURL)
	if err := notFound(err, "agency", agencyID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Reader) Stop(ctx context.Context, stopID string) (*models.Stop, error) {
	row, err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM stops WHERE stop_id = %s", stopColumns, r.db.Placeholder(1)), stopID)
	if err != nil {
		return nil, err
	}
	var s models.Stop
	err = row.Scan(&s.StopID, &s.StopCode, &s.StopName, &s.StopLat, &s.StopLon, &s.StopURL, &s.WheelchairBoarding)
	if err := notFound(err, "stop", stopID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Reader) Route(ctx context.Context, routeID string) (*models.Route, error) {
	routes, err := r.routes(ctx, "route_id", routeID)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("route %q: %w", routeID, ErrNotFound)
	}
	return &routes[0], nil
}

// RoutesByAgency returns the routes of an agency ordered by route_id.
func (r *Reader) RoutesByAgency(ctx context.Context, agencyID string) ([]models.Route, error) {
	return r.routes(ctx, "agency_id", agencyID)
}

func (r *Reader) routes(ctx context.Context, column, value string) ([]models.Route, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM routes WHERE %s = %s ORDER BY route_id", routeColumns, column, r.db.Placeholder(1)), value)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	var routes []models.Route
	for rows.Next() {
		var rt models.Route
		if err := rows.Scan(&rt.RouteID, &rt.AgencyID, &rt.RouteShortName, &rt.RouteLongName,
			&rt.RouteType, &rt.RouteURL, &rt.RouteColor, &rt.RouteTextColor); err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routes: %w", err)
	}
	return routes, nil
}

func (r *Reader) Trip(ctx context.Context, tripID string) (*models.Trip, error) {
	trips, err := r.trips(ctx, "trip_id", tripID)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, fmt.Errorf("trip %q: %w", tripID, ErrNotFound)
	}
	return &trips[0], nil
}

// TripsByRoute returns the trips of a route in import order.
func (r *Reader) TripsByRoute(ctx context.Context, routeID string) ([]models.Trip, error) {
	return r.trips(ctx, "route_id", routeID)
}

func (r *Reader) trips(ctx context.Context, column, value string) ([]models.Trip, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM trips WHERE %s = %s ORDER BY id", tripColumns, column, r.db.Placeholder(1)), value)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		var t models.Trip
		if err := rows.Scan(&t.ID, &t.RouteID, &t.ServiceID, &t.TripID, &t.TripHeadsign, &t.DirectionID,
			&t.ShapeID, &t.WheelchairAccessible, &t.NoteFR, &t.NoteEN); err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trips: %w", err)
	}
	return trips, nil
}

// StopTimesByTrip returns the stop times of a trip ordered by stop_sequence.
func (r *Reader) StopTimesByTrip(ctx context.Context, tripID string) ([]models.StopTime, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM stop_times WHERE trip_id = %s ORDER BY stop_sequence", stopTimeColumns, r.db.Placeholder(1)), tripID)
	if err != nil {
		return nil, fmt.Errorf("querying stop times: %w", err)
	}
	defer rows.Close()

	var stopTimes []models.StopTime
	for rows.Next() {
		var st models.StopTime
		if err := rows.Scan(&st.TripID, &st.ArrivalTime, &st.DepartureTime, &st.StopID, &st.StopSequence); err != nil {
			return nil, fmt.Errorf("scanning stop time: %w", err)
		}
		stopTimes = append(stopTimes, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stop times: %w", err)
	}
	return stopTimes, nil
}

// CalendarDatesByService returns the exceptions of a service ordered by date.
func (r *Reader) CalendarDatesByService(ctx context.Context, serviceID string) ([]models.CalendarDate, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM calendar_dates WHERE service_id = %s ORDER BY date, calendar_id", calendarDateColumns, r.db.Placeholder(1)), serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying calendar dates: %w", err)
	}
	defer rows.Close()

	var dates []models.CalendarDate
	for rows.Next() {
		var cd models.CalendarDate
		if err := rows.Scan(&cd.ID, &cd.ServiceID, &cd.Date, &cd.ExceptionType); err != nil {
			return nil, fmt.Errorf("scanning calendar date: %w", err)
		}
		dates = append(dates, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calendar dates: %w", err)
	}
	return dates, nil
}

// Counts returns the number of stored rows per entity type.
func (r *Reader) Counts(ctx context.Context) (map[schema.EntityType]int64, error) {
	counts := make(map[schema.EntityType]int64, len(schema.EntityTypes))
	for _, entity := range schema.EntityTypes {
		row, err := r.db.QueryRowContext(ctx, "SELECT count(*) FROM "+string(entity))
		if err != nil {
			return nil, err
		}
		var n int64
		if err := row.Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", entity, err)
		}
		counts[entity] = n
	}
	return counts, nil
}

// Keys returns the sorted identity of every stored row of entity: the natural
// key, or every column for tables keyed only by a synthetic id. Components
// are joined by ",".
func (r *Reader) Keys(ctx context.Context, entity schema.EntityType) ([]string, error) {
	table, ok := schema.Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	columns := table.Key
	if len(columns) == 0 {
		columns = table.ColumnNames()
	}
	list := strings.Join(columns, ", ")

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", list, entity, list))
	if err != nil {
		return nil, fmt.Errorf("querying %s keys: %w", entity, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		parts := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range parts {
			dest[i] = &parts[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s key: %w", entity, err)
		}
		values := make([]string, len(parts))
		for i, p := range parts {
			values[i] = p.String
		}
		keys = append(keys, strings.Join(values, ","))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s keys: %w", entity, err)
	}
	return keys, nil
}

// Sessions returns the recorded imports, most recent first.
func (r *Reader) Sessions(ctx context.Context) ([]models.ImportSession, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT session_id, started_at, finished_at, status, replace_data, row_count, detail FROM import_sessions ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("querying import sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ImportSession
	for rows.Next() {
		var (
			s          models.ImportSession
			startedAt  string
			finishedAt sql.NullString
			status     string
			replace    int
		)
		if err := rows.Scan(&s.SessionID, &startedAt, &finishedAt, &status, &replace, &s.RowCount, &s.Detail); err != nil {
			return nil, fmt.Errorf("scanning import session: %w", err)
		}
		if s.StartedAt, err = time.Parse(models.TimestampFormat, startedAt); err != nil {
			return nil, fmt.Errorf("parsing session start: %w", err)
		}
		if finishedAt.Valid {
			t, err := time.Parse(models.TimestampFormat, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing session finish: %w", err)
			}
			s.FinishedAt = sql.NullTime{Time: t, Valid: true}
		}
		s.Status = models.SessionStatus(status)
		s.Replace = replace != 0
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating import sessions: %w", err)
	}
	return sessions, nil
}

func notFound(err error, what, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", what, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying %s: %w", what, err)
	}
	return nil
}
