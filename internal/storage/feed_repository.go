package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calendar-sync/backend/internal/storage/models"
)

const feedColumns = `
	id, tenant_id, property_id, unit_id, name, platform, priority, url,
	poll_interval_min, active, etag, last_modified, last_sync_at, last_sync_status,
	last_sync_error, consecutive_failures, total_syncs, events_imported_last,
	created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// FeedRepository provides data access for iCal feed configurations.
type FeedRepository struct {
	BaseRepository
}

// NewFeedRepository creates a new feed repository.
func NewFeedRepository(db *DB) *FeedRepository {
	return &FeedRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// WithTx returns a repository that runs its queries inside tx.
func (r *FeedRepository) WithTx(tx *sql.Tx) *FeedRepository {
	return &FeedRepository{BaseRepository: r.bind(tx)}
}

// Create inserts a new feed.
func (r *FeedRepository) Create(ctx context.Context, feed *models.Feed) error {
	if feed.ID == "" {
		feed.ID = GenerateID()
	}
	feed.CreatedAt = r.Now()
	feed.UpdatedAt = feed.CreatedAt
	feed.LastSyncStatus = models.SyncStatusPending

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO ics_feeds (
			id, tenant_id, property_id, unit_id, name, platform, priority, url,
			poll_interval_min, active, last_sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		feed.ID, feed.TenantID, feed.PropertyID, feed.UnitID, feed.Name, feed.Platform,
		feed.Priority, feed.URL, feed.PollIntervalMin, feed.Active, feed.LastSyncStatus,
		feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting feed: %w", err)
	}

	return nil
}

// Upsert inserts the feed or refreshes its configuration columns.
// Sync-state columns of an existing feed are left untouched.
func (r *FeedRepository) Upsert(ctx context.Context, feed *models.Feed) error {
	if feed.ID == "" {
		return r.Create(ctx, feed)
	}
	now := r.Now()

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO ics_feeds (
			id, tenant_id, property_id, unit_id, name, platform, priority, url,
			poll_interval_min, active, last_sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			property_id = excluded.property_id,
			unit_id = excluded.unit_id,
			name = excluded.name,
			platform = excluded.platform,
			priority = excluded.priority,
			url = excluded.url,
			poll_interval_min = excluded.poll_interval_min,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		feed.ID, feed.TenantID, feed.PropertyID, feed.UnitID, feed.Name, feed.Platform,
		feed.Priority, feed.URL, feed.PollIntervalMin, feed.Active, models.SyncStatusPending,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting feed: %w", err)
	}

	return nil
}

// GetByID retrieves a feed by its ID.
func (r *FeedRepository) GetByID(ctx context.Context, id string) (*models.Feed, error) {
	row := r.Conn().QueryRowContext(ctx, `SELECT `+feedColumns+` FROM ics_feeds WHERE id = ?`, id)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed: %w", err)
	}

	return feed, nil
}

// List retrieves all feeds, including inactive ones.
func (r *FeedRepository) List(ctx context.Context) ([]models.Feed, error) {
	return r.query(ctx, `SELECT `+feedColumns+` FROM ics_feeds ORDER BY property_id, priority, id`)
}

// ListActive retrieves all active feeds, least recently synced first.
func (r *FeedRepository) ListActive(ctx context.Context) ([]models.Feed, error) {
	return r.query(ctx, `
		SELECT `+feedColumns+` FROM ics_feeds
		WHERE active = 1
		ORDER BY last_sync_at ASC NULLS FIRST
	`)
}

// ListActiveByProperty retrieves a property's active feeds in reconciliation order.
func (r *FeedRepository) ListActiveByProperty(ctx context.Context, propertyID string) ([]models.Feed, error) {
	return r.query(ctx, `
		SELECT `+feedColumns+` FROM ics_feeds
		WHERE active = 1 AND property_id = ?
		ORDER BY priority, id
	`, propertyID)
}

// ListPropertyIDs returns the distinct properties that have active feeds.
func (r *FeedRepository) ListPropertyIDs(ctx context.Context) ([]string, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT DISTINCT property_id FROM ics_feeds WHERE active = 1 ORDER BY property_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning property id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Update updates the configuration columns of an existing feed.
func (r *FeedRepository) Update(ctx context.Context, feed *models.Feed) error {
	feed.UpdatedAt = r.Now()

	result, err := r.Conn().ExecContext(ctx, `
		UPDATE ics_feeds SET
			tenant_id = ?, property_id = ?, unit_id = ?, name = ?, platform = ?, priority = ?,
			url = ?, poll_interval_min = ?, active = ?, updated_at = ?
		WHERE id = ?
	`,
		feed.TenantID, feed.PropertyID, feed.UnitID, feed.Name, feed.Platform, feed.Priority,
		feed.URL, feed.PollIntervalMin, feed.Active, feed.UpdatedAt, feed.ID,
	)
	if err != nil {
		return fmt.Errorf("updating feed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("feed not found: %s", feed.ID)
	}

	return nil
}

// Deactivate turns a feed off. Feeds are never deleted so their events keep a valid owner.
func (r *FeedRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE ics_feeds SET active = 0, updated_at = ? WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("deactivating feed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("feed not found: %s", id)
	}

	return nil
}

// RecordSync stores the outcome of a successful run, including the new cache validators.
func (r *FeedRepository) RecordSync(ctx context.Context, id string, state models.FeedSyncState) error {
	_, err := r.Conn().ExecContext(ctx, `
		UPDATE ics_feeds SET
			etag = ?, last_modified = ?, last_sync_at = ?, last_sync_status = ?,
			last_sync_error = ?, consecutive_failures = 0, total_syncs = total_syncs + 1,
			events_imported_last = ?, updated_at = ?
		WHERE id = ?
	`,
		state.ETag, state.LastModified, state.SyncedAt, state.Status,
		state.Error, state.EventsImported, r.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("recording feed sync: %w", err)
	}

	return nil
}

// RecordFailure stores a failed run. Cache validators are kept so the next run stays conditional.
func (r *FeedRepository) RecordFailure(ctx context.Context, id string, state models.FeedSyncState) error {
	_, err := r.Conn().ExecContext(ctx, `
		UPDATE ics_feeds SET
			last_sync_at = ?, last_sync_status = ?, last_sync_error = ?,
			consecutive_failures = consecutive_failures + 1, total_syncs = total_syncs + 1,
			events_imported_last = 0, updated_at = ?
		WHERE id = ?
	`, state.SyncedAt, models.SyncStatusFailed, state.Error, r.Now(), id)
	if err != nil {
		return fmt.Errorf("recording feed failure: %w", err)
	}

	return nil
}

func (r *FeedRepository) query(ctx context.Context, query string, args ...any) ([]models.Feed, error) {
	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, *feed)
	}

	return feeds, rows.Err()
}

func scanFeed(s rowScanner) (*models.Feed, error) {
	var f models.Feed
	err := s.Scan(
		&f.ID, &f.TenantID, &f.PropertyID, &f.UnitID, &f.Name, &f.Platform, &f.Priority, &f.URL,
		&f.PollIntervalMin, &f.Active, &f.ETag, &f.LastModified, &f.LastSyncAt, &f.LastSyncStatus,
		&f.LastSyncError, &f.ConsecutiveFailures, &f.TotalSyncs, &f.EventsImportedLast,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
