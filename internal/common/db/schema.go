package db

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so startup can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS bus_positions (
		id BIGSERIAL PRIMARY KEY,
		device_time TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		heading DOUBLE PRECISION NOT NULL,
		fix_type INTEGER NOT NULL,
		route TEXT NOT NULL,
		stop_id TEXT,
		next_stop_id TEXT,
		vehicle_code TEXT NOT NULL,
		day_of_week INTEGER NOT NULL,
		time_hhmm TEXT NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
		speed_kmh DOUBLE PRECISION,
		linked_id BIGINT,
		UNIQUE(device_time, latitude, longitude, route)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_positions_route_time ON bus_positions(route, time_hhmm)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_positions_day_time ON bus_positions(day_of_week, time_hhmm)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_positions_recorded_at ON bus_positions(recorded_at)`,

	`CREATE TABLE IF NOT EXISTS gtfs_versions (
		id SERIAL PRIMARY KEY,
		hash TEXT UNIQUE NOT NULL,
		fetched_at TIMESTAMP WITH TIME ZONE NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS gtfs_stops (
		version_id INTEGER NOT NULL REFERENCES gtfs_versions (id),
		stop_id TEXT NOT NULL,
		stop_name TEXT,
		stop_lat DOUBLE PRECISION,
		stop_lon DOUBLE PRECISION,
		zone_id TEXT,
		stop_code TEXT,
		PRIMARY KEY (version_id, stop_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gtfs_routes (
		version_id INTEGER NOT NULL REFERENCES gtfs_versions (id),
		route_id TEXT NOT NULL,
		route_short_name TEXT,
		route_long_name TEXT,
		route_type INTEGER,
		PRIMARY KEY (version_id, route_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gtfs_trips (
		version_id INTEGER NOT NULL REFERENCES gtfs_versions (id),
		trip_id TEXT NOT NULL,
		route_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		trip_headsign TEXT,
		direction_id INTEGER,
		PRIMARY KEY (version_id, trip_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gtfs_stop_times (
		version_id INTEGER NOT NULL REFERENCES gtfs_versions (id),
		trip_id TEXT NOT NULL,
		arrival_time TEXT NOT NULL,
		departure_time TEXT NOT NULL,
		stop_id TEXT NOT NULL,
		stop_sequence INTEGER NOT NULL,
		PRIMARY KEY (version_id, trip_id, stop_sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gtfs_stop_times_stop ON gtfs_stop_times(version_id, stop_id)`,
	`CREATE TABLE IF NOT EXISTS gtfs_calendar (
		version_id INTEGER NOT NULL REFERENCES gtfs_versions (id),
		service_id TEXT NOT NULL,
		monday INTEGER NOT NULL,
		tuesday INTEGER NOT NULL,
		wednesday INTEGER NOT NULL,
		thursday INTEGER NOT NULL,
		friday INTEGER NOT NULL,
		saturday INTEGER NOT NULL,
		sunday INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		PRIMARY KEY (version_id, service_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gtfs_calendar_dates (
		version_id INTEGER NOT NULL REFERENCES gtfs_versions (id),
		service_id TEXT NOT NULL,
		date TEXT NOT NULL,
		exception_type INTEGER NOT NULL,
		PRIMARY KEY (version_id, service_id, date)
	)`,

	`CREATE TABLE IF NOT EXISTS bus_delays (
		id BIGSERIAL PRIMARY KEY,
		position_id BIGINT NOT NULL UNIQUE REFERENCES bus_positions (id),
		route_id TEXT NOT NULL,
		stop_id TEXT NOT NULL,
		scheduled_arrival TEXT NOT NULL,
		actual_arrival TIMESTAMP WITH TIME ZONE NOT NULL,
		delay_seconds INTEGER NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
		version_id INTEGER REFERENCES gtfs_versions (id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_delays_route_time ON bus_delays(route_id, actual_arrival)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_delays_stop_time ON bus_delays(stop_id, actual_arrival)`,
}

// InitSchema creates all tables and indexes if they do not exist yet.
func (db *DB) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	db.logger.Info("Database schema initialized")
	return nil
}
