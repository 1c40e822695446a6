package models

import (
	"database/sql"
	"time"
)

// SessionStatus is the outcome recorded for an import session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionRejected  SessionStatus = "rejected"
	SessionFailed    SessionStatus = "failed"
	SessionCanceled  SessionStatus = "canceled"
)

// TimestampFormat is the fixed-width UTC layout session times are stored in,
// so that they sort as text.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

type ImportSession struct {
	SessionID  string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     SessionStatus
	Replace    bool
	RowCount   int64
	Detail     sql.NullString
}
