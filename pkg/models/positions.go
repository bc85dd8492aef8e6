package models

import (
	"database/sql"
	"time"
)

// Position is one stored vehicle report. Vehicles carry no persistent
// identifier, so LinkedID is inferred after the fact by cross-batch linking
// and always points at a row from an earlier batch.
type Position struct {
	ID         int64
	DeviceTime string // YYMMDDHHMMSS, device clock, UTC
	Latitude   float64
	Longitude  float64
	Heading    float64
	FixType    int
	Route      string
	StopID     sql.NullString
	NextStopID sql.NullString
	Code       string
	DayOfWeek  int    // 0=Monday .. 6=Sunday
	TimeHHMM   string // HHMM extracted from DeviceTime
	RecordedAt time.Time
	SpeedKMH   sql.NullFloat64
	LinkedID   sql.NullInt64
}

// DelayRecord is one detected stop visit measured against the schedule
// version that was active when it was computed. Written once, never updated.
type DelayRecord struct {
	ID               int64
	PositionID       int64
	RouteID          string
	StopID           string
	ScheduledArrival string // HH:MM:SS as published, hours may exceed 23
	ActualArrival    time.Time
	DelaySeconds     int
	RecordedAt       time.Time
	VersionID        int
}

// VersionInfo describes one immutable schedule snapshot.
type VersionInfo struct {
	ID        int
	Hash      string
	FetchedAt time.Time
	IsActive  bool
}
