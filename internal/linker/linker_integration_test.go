//go:build integration

package linker

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
	"github.com/benjaminjulian/seinn-v2/internal/observation"
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

func TestRunCommitIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	log := logger.New(zerolog.Disabled, io.Discard)
	store := observation.NewStore(database, log)
	lk := New(database, store, log)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)

	// One vehicle on route 14, ~333 m and 30 s apart (~40 km/h).
	prevReports := []feed.Report{
		{DeviceTime: "250825120000", Latitude: "64.1000", Longitude: "-21.9000",
			Heading: "0", FixType: "2", Route: "14",
			StopID: "A", NextStopID: "B", Code: "V1"},
	}
	currReports := []feed.Report{
		{DeviceTime: "250825120030", Latitude: "64.1030", Longitude: "-21.9000",
			Heading: "0", FixType: "2", Route: "14",
			StopID: "B", NextStopID: "C", Code: "V1"},
	}

	if _, err := store.InsertBatch(ctx, prevReports, base); err != nil {
		t.Fatalf("inserting previous batch: %v", err)
	}
	if _, err := store.InsertBatch(ctx, currReports, base.Add(30*time.Second)); err != nil {
		t.Fatalf("inserting current batch: %v", err)
	}

	matches, err := lk.Run(ctx)
	if err != nil {
		t.Fatalf("first Run error: %v", err)
	}
	if matches != 1 {
		t.Fatalf("first Run accepted %d matches, want 1", matches)
	}

	first, err := store.LoadBatch(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("loading batch: %v", err)
	}
	if len(first) != 1 || !first[0].LinkedID.Valid || !first[0].SpeedKMH.Valid {
		t.Fatalf("first run state = %+v, want one linked row with speed", first)
	}

	matches, err = lk.Run(ctx)
	if err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if matches != 1 {
		t.Fatalf("second Run accepted %d matches, want 1", matches)
	}

	second, err := store.LoadBatch(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("loading batch again: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("row count changed between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].LinkedID != second[i].LinkedID {
			t.Errorf("row %d linked_id changed: %+v vs %+v", i, first[i].LinkedID, second[i].LinkedID)
		}
		if first[i].SpeedKMH != second[i].SpeedKMH {
			t.Errorf("row %d speed_kmh changed: %+v vs %+v", i, first[i].SpeedKMH, second[i].SpeedKMH)
		}
	}
}
