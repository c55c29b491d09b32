package storage

import (
	"context"
	"database/sql"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// Store bundles the repositories the sync engine and exporter work through.
type Store struct {
	db        *DB
	Feeds     *FeedRepository
	Events    *EventRepository
	Conflicts *ConflictRepository
	SyncLogs  *SyncLogRepository
	Exports   *ExportStateRepository
}

// NewStore creates a store over db.
func NewStore(db *DB) *Store {
	return &Store{
		db:        db,
		Feeds:     NewFeedRepository(db),
		Events:    NewEventRepository(db),
		Conflicts: NewConflictRepository(db),
		SyncLogs:  NewSyncLogRepository(db),
		Exports:   NewExportStateRepository(db),
	}
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// GetFeed retrieves a feed by ID.
func (s *Store) GetFeed(ctx context.Context, id string) (*models.Feed, error) {
	return s.Feeds.GetByID(ctx, id)
}

// ListActiveFeeds retrieves a property's active feeds ordered by priority.
func (s *Store) ListActiveFeeds(ctx context.Context, propertyID string) ([]models.Feed, error) {
	return s.Feeds.ListActiveByProperty(ctx, propertyID)
}

// ListPropertyIDs returns the properties that have active feeds.
func (s *Store) ListPropertyIDs(ctx context.Context) ([]string, error) {
	return s.Feeds.ListPropertyIDs(ctx)
}

// ListUnitEvents retrieves all events on the given units.
func (s *Store) ListUnitEvents(ctx context.Context, unitIDs ...string) ([]models.Event, error) {
	return s.Events.ListByUnits(ctx, unitIDs...)
}

// ListMirrorUnits returns the units of a property holding active mirrors.
func (s *Store) ListMirrorUnits(ctx context.Context, propertyID string) ([]string, error) {
	return s.Events.ListMirrorUnits(ctx, propertyID)
}

// StartSyncLog opens a run log.
func (s *Store) StartSyncLog(ctx context.Context, l *models.SyncLog) error {
	return s.SyncLogs.Start(ctx, l)
}

// FinishSyncLog finalizes a run log.
func (s *Store) FinishSyncLog(ctx context.Context, l *models.SyncLog) error {
	return s.SyncLogs.Finish(ctx, l)
}

// CommitFeedRun applies a feed's write set and its new sync state atomically.
// Cache validators only advance when the events they describe were stored.
func (s *Store) CommitFeedRun(ctx context.Context, feedID string, ws models.WriteSet, state models.FeedSyncState) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.applyWriteSet(ctx, tx, ws); err != nil {
			return err
		}
		return s.Feeds.WithTx(tx).RecordSync(ctx, feedID, state)
	})
}

// CommitWriteSet applies a write set in one transaction.
func (s *Store) CommitWriteSet(ctx context.Context, ws models.WriteSet) error {
	if ws.Empty() {
		return nil
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return s.applyWriteSet(ctx, tx, ws)
	})
}

// RecordFeedFailure stores a failed run on the feed.
func (s *Store) RecordFeedFailure(ctx context.Context, feedID string, state models.FeedSyncState) error {
	return s.Feeds.RecordFailure(ctx, feedID, state)
}

// ActiveUnitEvents retrieves the active events of a unit.
func (s *Store) ActiveUnitEvents(ctx context.Context, unitID string) ([]models.Event, error) {
	return s.Events.ListByUnit(ctx, unitID, models.EventStatusActive)
}

// ExportStates returns the export bookkeeping of a unit's events.
func (s *Store) ExportStates(ctx context.Context, unitID string) (map[string]models.ExportState, error) {
	return s.Exports.ListByUnit(ctx, unitID)
}

// SaveExportStates stores updated export bookkeeping.
func (s *Store) SaveExportStates(ctx context.Context, states []models.ExportState) error {
	return s.Exports.Save(ctx, states)
}

func (s *Store) applyWriteSet(ctx context.Context, tx *sql.Tx, ws models.WriteSet) error {
	events := s.Events.WithTx(tx)
	for i := range ws.Inserts {
		if err := events.Insert(ctx, &ws.Inserts[i]); err != nil {
			return err
		}
	}
	for i := range ws.Updates {
		if err := events.Update(ctx, &ws.Updates[i]); err != nil {
			return err
		}
	}

	conflicts := s.Conflicts.WithTx(tx)
	for i := range ws.Conflicts {
		if err := conflicts.Insert(ctx, &ws.Conflicts[i]); err != nil {
			return err
		}
	}
	return nil
}
