package models

import (
	"database/sql"
)

type Agency struct {
	AgencyID       string
	AgencyName     string
	AgencyURL      string
	AgencyTimezone string
	AgencyLang     sql.NullString
	AgencyPhone    sql.NullString
	AgencyFareURL  sql.NullString
}

// Stop coordinates are kept as decimal text exactly as supplied by the feed.
type Stop struct {
	StopID             string
	StopCode           sql.NullString
	StopName           string
	StopLat            string
	StopLon            sql.NullString
	StopURL            sql.NullString
	WheelchairBoarding sql.NullString
}

type Route struct {
	RouteID        string
	AgencyID       string
	RouteShortName string
	RouteLongName  string
	RouteType      string
	RouteURL       sql.NullString
	RouteColor     sql.NullString
	RouteTextColor sql.NullString
}

type Trip struct {
	ID                   int64
	RouteID              string
	ServiceID            string
	TripID               string
	TripHeadsign         sql.NullString
	DirectionID          sql.NullString
	ShapeID              sql.NullString
	WheelchairAccessible sql.NullString
	NoteFR               sql.NullString
	NoteEN               sql.NullString
}

type StopTime struct {
	TripID        string
	ArrivalTime   string // Format: HH:MM:SS, may pass 24:00:00
	DepartureTime string
	StopID        string
	StopSequence  int
}

// ExceptionType says whether a calendar date adds or removes a service.
type ExceptionType int

const (
	ServiceAdded   ExceptionType = 1
	ServiceRemoved ExceptionType = 2
)

func (e ExceptionType) String() string {
	switch e {
	case ServiceAdded:
		return "added"
	case ServiceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type CalendarDate struct {
	ID            int64
	ServiceID     string
	Date          string // Format: YYYYMMDD
	ExceptionType ExceptionType
}
