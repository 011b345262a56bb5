package model

import "time"

// ScanSession is a time-boxed admission window opened by a role holder.
// Rows are never deleted; End flips Active and expiry is evaluated lazily.
type ScanSession struct {
	ID         int64
	ProgramKey string
	ProgramID  *int64
	Track      string
	Target     string
	RoleKey    string
	StartedBy  int64
	Nonce      string
	Active     bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// AttendanceEvent is one captured scan. At most one row exists per
// (SessionID, UserID); duplicates are dropped at insert time.
type AttendanceEvent struct {
	SessionID  int64
	UserID     int64
	OccurredAt time.Time
	ClientIP   *string
	WifiSSID   *string
	DeviceFP   *string
}

// DailyAttendance is one present-ledger row produced by finalization.
type DailyAttendance struct {
	Day        string // YYYY-MM-DD
	ProgramKey string
	ProgramID  *int64
	Track      string
	UserID     int64
	OccurredAt time.Time
	IsLate     bool
	Target     string
	RoleKey    string
	Name       string
}

// DailyAbsentee is one expected-but-absent row for a finalized scope.
type DailyAbsentee struct {
	Day        string
	ProgramKey string
	ProgramID  *int64
	Track      string
	UserID     int64
	Name       string
}

// DayRecord tracks the first open and last close seen for a user on a day.
// Written best-effort during ingestion.
type DayRecord struct {
	UserID   int64
	Day      string
	OpenedAt *time.Time
	ClosedAt *time.Time
}

// DeliveryLog records one attempted outbound message.
type DeliveryLog struct {
	ID         string
	UserID     int64
	Phone      string
	Subject    string
	Body       string
	Status     string // sent, skipped, failed
	ProviderID *string
	Error      *string
	SentAt     time.Time
}

// ProgramConfig comes from the roster/config store and is read-only here.
// CapTime is "HH:MM" or "HH:MM:SS"; empty means lateness is never applied.
type ProgramConfig struct {
	ProgramID int64
	CapTime   string
	MemberIDs []int64
}

// UserProfile is the identity provider's view of a user, as much of it as
// notification and name resolution need.
type UserProfile struct {
	ID           int64
	Name         string
	Phone        string
	PhoneEnabled bool
	IsTeacher    bool
}

// Scope identifies one finalization target: a date plus the effective
// program/track the session admitted for.
type Scope struct {
	Day        string
	ProgramKey string
	ProgramID  *int64
	Track      string
}
