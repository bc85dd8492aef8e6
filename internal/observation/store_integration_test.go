//go:build integration

package observation

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/internal/feed"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	log := logger.New(zerolog.Disabled, io.Discard)
	database, err := db.New(url, 4, 2, log)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(context.Background()); err != nil {
		t.Fatalf("initializing schema: %v", err)
	}
	if _, err := database.Conn().Exec(
		`TRUNCATE bus_delays, bus_positions RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncating: %v", err)
	}
	return database
}

func TestInsertBatchDedup(t *testing.T) {
	database := openTestDB(t)
	store := NewStore(database, logger.New(zerolog.Disabled, io.Discard))
	ctx := context.Background()

	reports := []feed.Report{
		{DeviceTime: "250825120000", Latitude: "64.1355", Longitude: "-21.8954",
			Heading: "270.0", FixType: "2", Route: "14",
			StopID: "90000295", NextStopID: "90000296", Code: "V1"},
		{DeviceTime: "250825120001", Latitude: "64.1123", Longitude: "-21.9077",
			Heading: "90.0", FixType: "2", Route: "3", Code: "V2"},
	}
	batch := time.Now().UTC().Truncate(time.Microsecond)

	n, err := store.InsertBatch(ctx, reports, batch)
	if err != nil {
		t.Fatalf("InsertBatch error: %v", err)
	}
	if n != 2 {
		t.Fatalf("first ingestion stored %d rows, want 2", n)
	}

	n, err = store.InsertBatch(ctx, reports, batch)
	if err != nil {
		t.Fatalf("InsertBatch error on re-ingestion: %v", err)
	}
	if n != 0 {
		t.Errorf("re-ingestion stored %d rows, want 0", n)
	}

	var count int
	if err := database.Conn().QueryRow(
		`SELECT COUNT(*) FROM bus_positions`).Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 2 {
		t.Errorf("row count = %d, want 2", count)
	}
}
