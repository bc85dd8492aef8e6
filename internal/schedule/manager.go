// Package schedule maintains immutable, versioned snapshots of the published
// schedule. Snapshots are content-addressed by the sha256 of the source
// archive; exactly one snapshot is active at a time and activation is a
// single transaction.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
)

type Manager struct {
	db              *db.DB
	fetcher         *Fetcher
	versions        *VersionStore
	refreshInterval time.Duration
	logger          logger.Logger
}

func NewManager(database *db.DB, fetcher *Fetcher, refreshInterval time.Duration, log logger.Logger) *Manager {
	return &Manager{
		db:              database,
		fetcher:         fetcher,
		versions:        NewVersionStore(database),
		refreshInterval: refreshInterval,
		logger:          log,
	}
}

// DueForRefresh reports whether the archive should be re-fetched. It is a
// cheap timestamp comparison, safe to call every cycle.
func (m *Manager) DueForRefresh(ctx context.Context) (bool, error) {
	last, ok, err := m.versions.LastFetchedAt(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return time.Since(last) >= m.refreshInterval, nil
}

// Refresh fetches the archive and, when its content hash is new, imports it
// as a fresh snapshot and flips activation to it. A known hash only gets a
// defensive re-activation. Any failure leaves the previously active snapshot
// untouched; position ingestion is never blocked by a failed refresh.
func (m *Manager) Refresh(ctx context.Context) error {
	data, hash, err := m.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching schedule archive: %w", err)
	}

	existing, err := m.versions.FindByHash(ctx, hash)
	if err != nil {
		return err
	}
	if existing != nil {
		m.logger.Info("Schedule archive unchanged", "version_id", existing.ID, "hash", hash)
		if err := m.versions.TouchFetchedAt(ctx, existing.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("updating fetch time for version %d: %w", existing.ID, err)
		}
		if !existing.IsActive {
			if err := m.versions.ActivateVersion(ctx, existing.ID); err != nil {
				return fmt.Errorf("re-activating version %d: %w", existing.ID, err)
			}
			m.logger.Warn("Re-activated existing schedule version", "version_id", existing.ID)
		}
		return nil
	}

	m.logger.Info("New schedule archive detected, importing", "hash", hash)

	versionID, err := m.versions.CreateVersion(ctx, hash, time.Now().UTC())
	if err != nil {
		return err
	}

	importer := NewImporter(m.db, versionID)
	if err := importer.Import(ctx, data); err != nil {
		m.logger.Error("Schedule import failed, version stays inactive",
			"version_id", versionID, "error", err)
		return fmt.Errorf("importing schedule version %d: %w", versionID, err)
	}

	if err := m.versions.ActivateVersion(ctx, versionID); err != nil {
		return fmt.Errorf("activating version %d: %w", versionID, err)
	}

	m.logger.Info("Activated new schedule version", "version_id", versionID, "hash", hash)
	return nil
}
