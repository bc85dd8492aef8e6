package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/pkg/models"
)

// Importer bulk-loads one parsed archive into the schedule tables, every row
// tagged with the snapshot's version id. The whole import is one transaction:
// either the snapshot is complete or it does not exist.
type Importer struct {
	db        *db.DB
	versionID int
	batchSize int
}

func NewImporter(database *db.DB, versionID int) *Importer {
	return &Importer{
		db:        database,
		versionID: versionID,
		batchSize: 1000,
	}
}

func (i *Importer) Import(ctx context.Context, data []byte) error {
	p := NewParser(i.db.Logger())

	stopBatch := i.newBatchInserter("gtfs_stops", 7)
	routeBatch := i.newBatchInserter("gtfs_routes", 5)
	tripBatch := i.newBatchInserter("gtfs_trips", 6)
	stopTimeBatch := i.newBatchInserter("gtfs_stop_times", 6)
	calendarBatch := i.newBatchInserter("gtfs_calendar", 11)
	calendarDateBatch := i.newBatchInserter("gtfs_calendar_dates", 4)

	callbacks := ParseCallbacks{
		OnStop: func(stop *models.Stop) error {
			return stopBatch.Add(
				i.versionID,
				stop.StopID,
				stop.StopName,
				sql.NullFloat64{Float64: stop.StopLat, Valid: stop.StopLat != 0},
				sql.NullFloat64{Float64: stop.StopLon, Valid: stop.StopLon != 0},
				sql.NullString{String: stop.ZoneID, Valid: stop.ZoneID != ""},
				sql.NullString{String: stop.StopCode, Valid: stop.StopCode != ""},
			)
		},
		OnRoute: func(route *models.Route) error {
			return routeBatch.Add(
				i.versionID,
				route.RouteID,
				sql.NullString{String: route.RouteShortName, Valid: route.RouteShortName != ""},
				sql.NullString{String: route.RouteLongName, Valid: route.RouteLongName != ""},
				route.RouteType,
			)
		},
		OnTrip: func(trip *models.Trip) error {
			return tripBatch.Add(
				i.versionID,
				trip.TripID,
				trip.RouteID,
				trip.ServiceID,
				sql.NullString{String: trip.TripHeadsign, Valid: trip.TripHeadsign != ""},
				trip.DirectionID,
			)
		},
		OnStopTime: func(stopTime *models.StopTime) error {
			return stopTimeBatch.Add(
				i.versionID,
				stopTime.TripID,
				stopTime.ArrivalTime,
				stopTime.DepartureTime,
				stopTime.StopID,
				stopTime.StopSequence,
			)
		},
		OnCalendar: func(calendar *models.Calendar) error {
			return calendarBatch.Add(
				i.versionID,
				calendar.ServiceID,
				calendar.Monday,
				calendar.Tuesday,
				calendar.Wednesday,
				calendar.Thursday,
				calendar.Friday,
				calendar.Saturday,
				calendar.Sunday,
				calendar.StartDate,
				calendar.EndDate,
			)
		},
		OnCalendarDate: func(calendarDate *models.CalendarDate) error {
			return calendarDateBatch.Add(
				i.versionID,
				calendarDate.ServiceID,
				calendarDate.Date,
				calendarDate.ExceptionType,
			)
		},
	}

	tx, err := i.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	batches := []*batchInserter{
		stopBatch, routeBatch, tripBatch, stopTimeBatch,
		calendarBatch, calendarDateBatch,
	}
	for _, batch := range batches {
		batch.tx = tx
	}

	if err := p.ParseArchive(ctx, data, callbacks); err != nil {
		return fmt.Errorf("parsing archive: %w", err)
	}

	for _, batch := range batches {
		if err := batch.Flush(); err != nil {
			return fmt.Errorf("flushing %s batch: %w", batch.tableName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}

	i.db.Logger().Info("Schedule import completed", "version_id", i.versionID)
	return nil
}

type batchInserter struct {
	tableName  string
	columns    []string
	values     []interface{}
	valueCount int
	batchSize  int
	fieldCount int
	tx         *sql.Tx
}

func (i *Importer) newBatchInserter(tableName string, fieldCount int) *batchInserter {
	return &batchInserter{
		tableName:  tableName,
		columns:    columnsForTable(tableName),
		values:     make([]interface{}, 0, i.batchSize*fieldCount),
		batchSize:  i.batchSize,
		fieldCount: fieldCount,
	}
}

func (b *batchInserter) Add(values ...interface{}) error {
	b.values = append(b.values, values...)
	b.valueCount++

	if b.valueCount >= b.batchSize {
		return b.Flush()
	}
	return nil
}

func (b *batchInserter) Flush() error {
	if b.valueCount == 0 {
		return nil
	}

	query := b.buildInsertQuery()
	if _, err := b.tx.Exec(query, b.values...); err != nil {
		return fmt.Errorf("executing batch insert: %w", err)
	}

	b.values = b.values[:0]
	b.valueCount = 0
	return nil
}

func (b *batchInserter) buildInsertQuery() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		b.tableName,
		strings.Join(b.columns, ", ")))

	for i := 0; i < b.valueCount; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < b.fieldCount; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("$%d", i*b.fieldCount+j+1))
		}
		sb.WriteString(")")
	}

	sb.WriteString(" ON CONFLICT DO NOTHING")

	return sb.String()
}

func columnsForTable(tableName string) []string {
	switch tableName {
	case "gtfs_stops":
		return []string{"version_id", "stop_id", "stop_name", "stop_lat", "stop_lon", "zone_id", "stop_code"}
	case "gtfs_routes":
		return []string{"version_id", "route_id", "route_short_name", "route_long_name", "route_type"}
	case "gtfs_trips":
		return []string{"version_id", "trip_id", "route_id", "service_id", "trip_headsign", "direction_id"}
	case "gtfs_stop_times":
		return []string{"version_id", "trip_id", "arrival_time", "departure_time", "stop_id", "stop_sequence"}
	case "gtfs_calendar":
		return []string{"version_id", "service_id", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday", "start_date", "end_date"}
	case "gtfs_calendar_dates":
		return []string{"version_id", "service_id", "date", "exception_type"}
	default:
		return nil
	}
}
