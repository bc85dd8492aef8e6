package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/pkg/models"
)

// VersionStore manages the immutable schedule snapshots and the single
// active-version flag.
type VersionStore struct {
	db *db.DB
}

func NewVersionStore(database *db.DB) *VersionStore {
	return &VersionStore{db: database}
}

// GetActiveVersion returns the active snapshot, or nil when none exists.
func (vs *VersionStore) GetActiveVersion(ctx context.Context) (*models.VersionInfo, error) {
	var v models.VersionInfo
	err := vs.db.Conn().QueryRowContext(ctx, `
		SELECT id, hash, fetched_at, is_active
		FROM gtfs_versions
		WHERE is_active = TRUE
		LIMIT 1
	`).Scan(&v.ID, &v.Hash, &v.FetchedAt, &v.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active version: %w", err)
	}
	return &v, nil
}

// FindByHash looks up a snapshot by its content hash.
func (vs *VersionStore) FindByHash(ctx context.Context, hash string) (*models.VersionInfo, error) {
	var v models.VersionInfo
	err := vs.db.Conn().QueryRowContext(ctx, `
		SELECT id, hash, fetched_at, is_active
		FROM gtfs_versions
		WHERE hash = $1
	`, hash).Scan(&v.ID, &v.Hash, &v.FetchedAt, &v.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying version by hash: %w", err)
	}
	return &v, nil
}

// LastFetchedAt returns when any snapshot was last downloaded; ok is false
// when no snapshot exists yet.
func (vs *VersionStore) LastFetchedAt(ctx context.Context) (time.Time, bool, error) {
	var last sql.NullTime
	err := vs.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(fetched_at) FROM gtfs_versions`).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying last fetch time: %w", err)
	}
	return last.Time, last.Valid, nil
}

// CreateVersion inserts a new inactive snapshot row and returns its id.
// Activation is a separate step so a failed import never exposes a
// half-imported snapshot.
func (vs *VersionStore) CreateVersion(ctx context.Context, hash string, fetchedAt time.Time) (int, error) {
	var id int
	err := vs.db.Conn().QueryRowContext(ctx, `
		INSERT INTO gtfs_versions (hash, fetched_at, is_active)
		VALUES ($1, $2, FALSE)
		RETURNING id
	`, hash, fetchedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating version: %w", err)
	}
	return id, nil
}

// TouchFetchedAt records that a fresh download matched this version's hash,
// so the refresh cadence counts from the latest download rather than the
// original import.
func (vs *VersionStore) TouchFetchedAt(ctx context.Context, versionID int, fetchedAt time.Time) error {
	_, err := vs.db.Conn().ExecContext(ctx,
		`UPDATE gtfs_versions SET fetched_at = $1 WHERE id = $2`, fetchedAt, versionID)
	if err != nil {
		return fmt.Errorf("updating fetch time: %w", err)
	}
	return nil
}

// ActivateVersion atomically makes the given version the only active one.
func (vs *VersionStore) ActivateVersion(ctx context.Context, versionID int) error {
	tx, err := vs.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE gtfs_versions SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
		return fmt.Errorf("deactivating versions: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE gtfs_versions SET is_active = TRUE WHERE id = $1`, versionID)
	if err != nil {
		return fmt.Errorf("activating version: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("version %d not found", versionID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activation: %w", err)
	}
	return nil
}
