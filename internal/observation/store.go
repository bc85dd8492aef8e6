package observation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/internal/feed"
	"github.com/benjaminjulian/seinn-v2/pkg/models"
)

// maxChainHops bounds back-reference traversal. Chains cannot cycle because a
// link always points at an earlier batch, but corrupted data must not hang a
// reader.
const maxChainHops = 200

// ErrBadDeviceTime marks a report whose device clock field is unusable.
var ErrBadDeviceTime = errors.New("invalid device timestamp")

type Store struct {
	db     *db.DB
	logger logger.Logger
}

func NewStore(database *db.DB, log logger.Logger) *Store {
	return &Store{db: database, logger: log}
}

// ParseDeviceTime parses the fixed-width YYMMDDHHMMSS device timestamp.
// Device clocks report UTC.
func ParseDeviceTime(s string) (time.Time, error) {
	if len(s) != 12 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDeviceTime, s)
	}
	t, err := time.ParseInLocation("20060102150405", "20"+s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDeviceTime, s)
	}
	return t, nil
}

// TimeComponents derives the service weekday (0=Monday) and HHMM string from
// a device timestamp.
func TimeComponents(deviceTime string) (int, string, error) {
	t, err := ParseDeviceTime(deviceTime)
	if err != nil {
		return 0, "", err
	}
	weekday := (int(t.Weekday()) + 6) % 7
	return weekday, deviceTime[6:10], nil
}

// InsertBatch stores one poll's reports under a shared batch timestamp.
// Re-delivered reports hit the natural key (device_time, lat, lon, route) and
// are dropped silently. Malformed reports are skipped, not fatal. Returns the
// number of newly inserted rows.
func (s *Store) InsertBatch(ctx context.Context, reports []feed.Report, recordedAt time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, r := range reports {
		lat, latErr := strconv.ParseFloat(r.Latitude, 64)
		lon, lonErr := strconv.ParseFloat(r.Longitude, 64)
		head, headErr := strconv.ParseFloat(r.Heading, 64)
		fixType, fixErr := strconv.Atoi(r.FixType)
		if latErr != nil || lonErr != nil || headErr != nil || fixErr != nil {
			s.logger.Warn("Skipping report with unparseable numeric field",
				"route", r.Route, "code", r.Code)
			continue
		}

		weekday, hhmm, err := TimeComponents(r.DeviceTime)
		if err != nil {
			s.logger.Warn("Skipping report with invalid device time",
				"device_time", r.DeviceTime, "route", r.Route)
			continue
		}

		stopID := sql.NullString{String: r.StopID, Valid: r.StopID != ""}
		nextStopID := sql.NullString{String: r.NextStopID, Valid: r.NextStopID != ""}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO bus_positions
				(device_time, latitude, longitude, heading, fix_type, route,
				 stop_id, next_stop_id, vehicle_code, day_of_week, time_hhmm, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (device_time, latitude, longitude, route) DO NOTHING
		`, r.DeviceTime, lat, lon, head, fixType, r.Route,
			stopID, nextStopID, r.Code, weekday, hhmm, recordedAt)
		if err != nil {
			return 0, fmt.Errorf("inserting position: %w", err)
		}

		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing batch: %w", err)
	}

	s.logger.Info("Stored position batch",
		"reports", len(reports),
		"inserted", inserted,
		"recorded_at", recordedAt)

	return inserted, nil
}

// LatestBatches returns the two most recent distinct batch timestamps.
// ok is false when fewer than two batches exist.
func (s *Store) LatestBatches(ctx context.Context) (latest, previous time.Time, ok bool, err error) {
	var latestNull sql.NullTime
	err = s.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(recorded_at) FROM bus_positions`).Scan(&latestNull)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("querying latest batch: %w", err)
	}
	if !latestNull.Valid {
		return time.Time{}, time.Time{}, false, nil
	}

	var prevNull sql.NullTime
	err = s.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(recorded_at) FROM bus_positions WHERE recorded_at < $1`,
		latestNull.Time).Scan(&prevNull)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("querying previous batch: %w", err)
	}
	if !prevNull.Valid {
		return latestNull.Time, time.Time{}, false, nil
	}

	return latestNull.Time, prevNull.Time, true, nil
}

// LoadBatch reads every observation sharing one batch timestamp.
func (s *Store) LoadBatch(ctx context.Context, recordedAt time.Time) ([]models.Position, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, device_time, latitude, longitude, heading, fix_type, route,
		       stop_id, next_stop_id, vehicle_code, day_of_week, time_hhmm,
		       recorded_at, speed_kmh, linked_id
		FROM bus_positions
		WHERE recorded_at = $1
		ORDER BY id
	`, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(
			&p.ID, &p.DeviceTime, &p.Latitude, &p.Longitude, &p.Heading,
			&p.FixType, &p.Route, &p.StopID, &p.NextStopID, &p.Code,
			&p.DayOfWeek, &p.TimeHHMM, &p.RecordedAt, &p.SpeedKMH, &p.LinkedID,
		); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch: %w", err)
	}

	return positions, nil
}

// ChainReader resolves the per-position facts needed to walk a linkage chain
// backwards: the delay recorded at a position, if any, and the position it
// links to.
type ChainReader interface {
	DelayForPosition(ctx context.Context, positionID int64) (*models.DelayRecord, error)
	PredecessorOf(ctx context.Context, positionID int64) (int64, bool, error)
}

// LatestDelayInChain walks the back-reference chain starting at positionID
// and returns the most recent delay record found on it, or nil. Traversal
// stops after maxChainHops regardless of chain shape.
func LatestDelayInChain(ctx context.Context, chain ChainReader, positionID int64) (*models.DelayRecord, error) {
	current := positionID
	for hop := 0; hop < maxChainHops; hop++ {
		d, err := chain.DelayForPosition(ctx, current)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		prev, ok, err := chain.PredecessorOf(ctx, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		current = prev
	}
	return nil, nil
}

// DelayForPosition returns the delay recorded at one position, or nil when
// none was recorded there.
func (s *Store) DelayForPosition(ctx context.Context, positionID int64) (*models.DelayRecord, error) {
	var d models.DelayRecord
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, position_id, route_id, stop_id, scheduled_arrival,
		       actual_arrival, delay_seconds, recorded_at, version_id
		FROM bus_delays
		WHERE position_id = $1
	`, positionID).Scan(
		&d.ID, &d.PositionID, &d.RouteID, &d.StopID, &d.ScheduledArrival,
		&d.ActualArrival, &d.DelaySeconds, &d.RecordedAt, &d.VersionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying delay for position %d: %w", positionID, err)
	}
	return &d, nil
}

// PredecessorOf returns the position this one links back to; ok is false at
// the head of a chain or for an unknown position.
func (s *Store) PredecessorOf(ctx context.Context, positionID int64) (int64, bool, error) {
	var linked sql.NullInt64
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT linked_id FROM bus_positions WHERE id = $1`, positionID).Scan(&linked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("following chain from position %d: %w", positionID, err)
	}
	return linked.Int64, linked.Valid, nil
}
