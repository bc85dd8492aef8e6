//go:build integration

package schedule

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
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
	if _, err := database.Conn().Exec(`TRUNCATE bus_delays, bus_positions,
		gtfs_stop_times, gtfs_trips, gtfs_routes, gtfs_stops,
		gtfs_calendar, gtfs_calendar_dates, gtfs_versions
		RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncating: %v", err)
	}
	return database
}

func TestActivationKeepsSingleActiveVersion(t *testing.T) {
	database := openTestDB(t)
	vs := NewVersionStore(database)
	ctx := context.Background()

	countActive := func() int {
		t.Helper()
		var n int
		if err := database.Conn().QueryRow(
			`SELECT COUNT(*) FROM gtfs_versions WHERE is_active = TRUE`).Scan(&n); err != nil {
			t.Fatalf("counting active versions: %v", err)
		}
		return n
	}

	v1, err := vs.CreateVersion(ctx, "hash-one", time.Now().UTC())
	if err != nil {
		t.Fatalf("creating version: %v", err)
	}
	v2, err := vs.CreateVersion(ctx, "hash-two", time.Now().UTC())
	if err != nil {
		t.Fatalf("creating version: %v", err)
	}

	// Creation never activates.
	if n := countActive(); n != 0 {
		t.Fatalf("active count after creation = %d, want 0", n)
	}

	if err := vs.ActivateVersion(ctx, v1); err != nil {
		t.Fatalf("activating v1: %v", err)
	}
	if n := countActive(); n != 1 {
		t.Fatalf("active count = %d, want 1", n)
	}

	if err := vs.ActivateVersion(ctx, v2); err != nil {
		t.Fatalf("activating v2: %v", err)
	}
	if n := countActive(); n != 1 {
		t.Fatalf("active count after switch = %d, want 1", n)
	}
	active, err := vs.GetActiveVersion(ctx)
	if err != nil {
		t.Fatalf("reading active version: %v", err)
	}
	if active == nil || active.ID != v2 {
		t.Fatalf("active version = %+v, want id %d", active, v2)
	}

	// Re-activating the active version is a no-op, not a duplication.
	if err := vs.ActivateVersion(ctx, v2); err != nil {
		t.Fatalf("re-activating v2: %v", err)
	}
	if n := countActive(); n != 1 {
		t.Errorf("active count after re-activation = %d, want 1", n)
	}

	// A failed activation leaves the previous state intact.
	if err := vs.ActivateVersion(ctx, 999999); err == nil {
		t.Fatal("activating unknown version did not fail")
	}
	if n := countActive(); n != 1 {
		t.Errorf("active count after failed activation = %d, want 1", n)
	}
	active, err = vs.GetActiveVersion(ctx)
	if err != nil {
		t.Fatalf("reading active version: %v", err)
	}
	if active == nil || active.ID != v2 {
		t.Errorf("active version after failed activation = %+v, want id %d", active, v2)
	}
}

func TestTouchFetchedAtDefersRefresh(t *testing.T) {
	database := openTestDB(t)
	vs := NewVersionStore(database)
	log := logger.New(zerolog.Disabled, io.Discard)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond)
	id, err := vs.CreateVersion(ctx, "hash-stale", stale)
	if err != nil {
		t.Fatalf("creating version: %v", err)
	}

	mgr := NewManager(database, nil, 24*time.Hour, log)
	due, err := mgr.DueForRefresh(ctx)
	if err != nil {
		t.Fatalf("due check: %v", err)
	}
	if !due {
		t.Fatal("48h-old fetch not due for refresh")
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := vs.TouchFetchedAt(ctx, id, now); err != nil {
		t.Fatalf("TouchFetchedAt error: %v", err)
	}

	due, err = mgr.DueForRefresh(ctx)
	if err != nil {
		t.Fatalf("due check after touch: %v", err)
	}
	if due {
		t.Error("refresh still due after an unchanged-archive download was recorded")
	}

	last, ok, err := vs.LastFetchedAt(ctx)
	if err != nil {
		t.Fatalf("LastFetchedAt error: %v", err)
	}
	if !ok || !last.Equal(now) {
		t.Errorf("last fetch = %v ok=%v, want %v true", last, ok, now)
	}
}
