// Package delay turns detected stop-visit transitions into signed schedule
// deviations measured against the active schedule version.
package delay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/internal/observation"
)

// MatchWindowSeconds is the widest gap between an actual arrival and a
// scheduled time that still counts as the same stop visit. Beyond it the
// schedule context is too ambiguous and no record is written.
const MatchWindowSeconds = 1800

const secondsPerDay = 24 * 60 * 60

var dayColumns = [7]string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

type Engine struct {
	db     *db.DB
	logger logger.Logger
}

func New(database *db.DB, log logger.Logger) *Engine {
	return &Engine{db: database, logger: log}
}

// arrival is one stop-visit candidate: a linked observation whose current
// stop differs from its predecessor's.
type arrival struct {
	PositionID  int64
	Route       string
	CurrentStop string
	DeviceTime  string
	RecordedAt  time.Time
}

// ParseScheduleTime splits an HH:MM:SS schedule entry into total seconds
// since the start of the service day. Hours of 24 and above encode
// next-calendar-day times and are preserved as-is.
func ParseScheduleTime(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid schedule time %q", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("invalid schedule time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid schedule time %q", s)
	}
	sec, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("invalid schedule time %q", s)
	}
	if h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid schedule time %q", s)
	}
	return h*3600 + m*60 + sec, nil
}

// MatchScheduled picks the scheduled time whose time-of-day is closest to the
// actual arrival's time-of-day, accepting only differences within
// MatchWindowSeconds. Schedule times past 24:00 compare by their wrapped
// time-of-day. Returns ok=false when nothing qualifies.
func MatchScheduled(scheduled []string, actual time.Time) (best string, diff int, ok bool) {
	actualTOD := actual.Hour()*3600 + actual.Minute()*60 + actual.Second()

	bestDiff := MatchWindowSeconds + 1
	for _, s := range scheduled {
		total, err := ParseScheduleTime(s)
		if err != nil {
			continue
		}
		d := total%secondsPerDay - actualTOD
		if d < 0 {
			d = -d
		}
		if d < bestDiff {
			bestDiff = d
			best = s
		}
	}

	if bestDiff > MatchWindowSeconds {
		return "", 0, false
	}
	return best, bestDiff, true
}

// ResolveScheduledInstant anchors a scheduled time-of-day to the actual
// arrival's calendar date, in the same UTC convention as device timestamps.
// An hour component of 24 or more rolls over to the following calendar date.
func ResolveScheduledInstant(scheduled string, actual time.Time) (time.Time, error) {
	total, err := ParseScheduleTime(scheduled)
	if err != nil {
		return time.Time{}, err
	}

	day := time.Date(actual.Year(), actual.Month(), actual.Day(), 0, 0, 0, 0, time.UTC)
	if total >= secondsPerDay {
		day = day.AddDate(0, 0, 1)
		total -= secondsPerDay
	}
	return day.Add(time.Duration(total) * time.Second), nil
}

// Run detects stop visits in the most recent linked batch pair and writes one
// delay record per visit that matches the active schedule. Visits without an
// unambiguous schedule match are skipped silently. Returns the number of
// records written.
func (e *Engine) Run(ctx context.Context) (int, error) {
	latest, previous, ok, err := e.latestBatchPair(ctx)
	if err != nil || !ok {
		return 0, err
	}

	versionID, err := e.activeVersion(ctx)
	if err != nil {
		return 0, err
	}
	if versionID == 0 {
		e.logger.Warn("No active schedule version, skipping delay inference")
		return 0, nil
	}

	arrivals, err := e.detectArrivals(ctx, latest, previous)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, a := range arrivals {
		written, err := e.recordDelay(ctx, a, versionID)
		if err != nil {
			e.logger.Warn("Failed to compute delay for arrival",
				"position_id", a.PositionID, "error", err)
			continue
		}
		if written {
			recorded++
		}
	}

	if recorded > 0 {
		e.logger.Info("Recorded stop-visit delays",
			"arrivals", len(arrivals), "recorded", recorded)
	}
	return recorded, nil
}

func (e *Engine) latestBatchPair(ctx context.Context) (latest, previous time.Time, ok bool, err error) {
	var latestNull sql.NullTime
	if err = e.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(recorded_at) FROM bus_positions`).Scan(&latestNull); err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("querying latest batch: %w", err)
	}
	if !latestNull.Valid {
		return time.Time{}, time.Time{}, false, nil
	}

	var prevNull sql.NullTime
	if err = e.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(recorded_at) FROM bus_positions WHERE recorded_at < $1`,
		latestNull.Time).Scan(&prevNull); err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("querying previous batch: %w", err)
	}
	if !prevNull.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return latestNull.Time, prevNull.Time, true, nil
}

func (e *Engine) activeVersion(ctx context.Context) (int, error) {
	var id int
	err := e.db.Conn().QueryRowContext(ctx,
		`SELECT id FROM gtfs_versions WHERE is_active = TRUE LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying active schedule version: %w", err)
	}
	return id, nil
}

// detectArrivals finds linked observations that moved on to a new stop since
// their predecessor. The feed reports the most recently visited stop, so a
// changed stop id is the arrival signal.
func (e *Engine) detectArrivals(ctx context.Context, latest, previous time.Time) ([]arrival, error) {
	rows, err := e.db.Conn().QueryContext(ctx, `
		SELECT curr.id, curr.route, curr.stop_id, curr.device_time, curr.recorded_at
		FROM bus_positions curr
		JOIN bus_positions prev ON curr.linked_id = prev.id
		WHERE curr.recorded_at = $1
		  AND prev.recorded_at = $2
		  AND curr.stop_id IS NOT NULL
		  AND prev.stop_id IS NOT NULL
		  AND curr.stop_id != prev.stop_id
		ORDER BY curr.id
	`, latest, previous)
	if err != nil {
		return nil, fmt.Errorf("detecting arrivals: %w", err)
	}
	defer rows.Close()

	var arrivals []arrival
	for rows.Next() {
		var a arrival
		if err := rows.Scan(&a.PositionID, &a.Route, &a.CurrentStop, &a.DeviceTime, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning arrival: %w", err)
		}
		arrivals = append(arrivals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating arrivals: %w", err)
	}
	return arrivals, nil
}

// scheduledTimes loads every published arrival time at a stop for a route on
// services running the given weekday (0=Monday) in the given version.
func (e *Engine) scheduledTimes(ctx context.Context, versionID int, stopID, routeID string, weekday int) ([]string, error) {
	if weekday < 0 || weekday > 6 {
		return nil, fmt.Errorf("weekday %d out of range", weekday)
	}

	query := fmt.Sprintf(`
		SELECT st.arrival_time
		FROM gtfs_stop_times st
		JOIN gtfs_trips t ON st.trip_id = t.trip_id AND st.version_id = t.version_id
		JOIN gtfs_calendar c ON t.service_id = c.service_id AND t.version_id = c.version_id
		WHERE st.version_id = $1
		  AND st.stop_id = $2
		  AND t.route_id = $3
		  AND c.%s = 1
	`, dayColumns[weekday])

	rows, err := e.db.Conn().QueryContext(ctx, query, versionID, stopID, routeID)
	if err != nil {
		return nil, fmt.Errorf("querying scheduled times: %w", err)
	}
	defer rows.Close()

	var times []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning scheduled time: %w", err)
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scheduled times: %w", err)
	}
	return times, nil
}

// recordDelay computes and stores one delay record for an arrival. The unique
// key on position_id makes re-runs over the same batch pair no-ops.
func (e *Engine) recordDelay(ctx context.Context, a arrival, versionID int) (bool, error) {
	actual, err := observation.ParseDeviceTime(a.DeviceTime)
	if err != nil {
		return false, err
	}
	weekday := (int(actual.Weekday()) + 6) % 7

	times, err := e.scheduledTimes(ctx, versionID, a.CurrentStop, a.Route, weekday)
	if err != nil {
		return false, err
	}

	scheduled, _, ok := MatchScheduled(times, actual)
	if !ok {
		return false, nil
	}

	scheduledInstant, err := ResolveScheduledInstant(scheduled, actual)
	if err != nil {
		return false, err
	}

	delaySeconds := int(actual.Sub(scheduledInstant).Seconds())

	res, err := e.db.Conn().ExecContext(ctx, `
		INSERT INTO bus_delays
			(position_id, route_id, stop_id, scheduled_arrival,
			 actual_arrival, delay_seconds, recorded_at, version_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (position_id) DO NOTHING
	`, a.PositionID, a.Route, a.CurrentStop, scheduled,
		actual, delaySeconds, a.RecordedAt, versionID)
	if err != nil {
		return false, fmt.Errorf("inserting delay record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}
