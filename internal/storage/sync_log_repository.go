package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// SyncLogRepository provides data access for per-feed run logs.
type SyncLogRepository struct {
	BaseRepository
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(db *DB) *SyncLogRepository {
	return &SyncLogRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Start inserts the log row for a run that is about to begin.
func (r *SyncLogRepository) Start(ctx context.Context, l *models.SyncLog) error {
	if l.ID == "" {
		l.ID = GenerateID()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = r.Now()
	}
	l.Status = models.SyncStatusRunning

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO sync_logs (id, feed_id, property_id, started_at, status, stage)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.FeedID, l.PropertyID, l.StartedAt.UTC(), l.Status, l.Stage)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}

	return nil
}

// Finish finalizes a running log. A log can only be finished once.
func (r *SyncLogRepository) Finish(ctx context.Context, l *models.SyncLog) error {
	if l.CompletedAt == nil {
		now := r.Now()
		l.CompletedAt = &now
	}

	result, err := r.Conn().ExecContext(ctx, `
		UPDATE sync_logs SET
			completed_at = ?, status = ?, stage = ?, not_modified = ?,
			created_count = ?, updated_count = ?, skipped_count = ?, failed_count = ?,
			cancelled_count = ?, conflict_count = ?, merged_count = ?, restored_count = ?,
			error = ?
		WHERE id = ? AND status = ?
	`,
		l.CompletedAt.UTC(), l.Status, l.Stage, l.NotModified,
		l.Created, l.Updated, l.Skipped, l.Failed,
		l.Cancelled, l.Conflicts, l.Merged, l.Restored,
		l.Error, l.ID, models.SyncStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finishing sync log: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("sync log %s is not running", l.ID)
	}

	return nil
}

// ListByFeed retrieves a feed's most recent runs.
func (r *SyncLogRepository) ListByFeed(ctx context.Context, feedID string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.Conn().QueryContext(ctx, `
		SELECT id, feed_id, property_id, started_at, completed_at, status, stage, not_modified,
		       created_count, updated_count, skipped_count, failed_count,
		       cancelled_count, conflict_count, merged_count, restored_count, error
		FROM sync_logs
		WHERE feed_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`, feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		logs = append(logs, *l)
	}

	return logs, rows.Err()
}

// GetByID retrieves a single run log.
func (r *SyncLogRepository) GetByID(ctx context.Context, id string) (*models.SyncLog, error) {
	row := r.Conn().QueryRowContext(ctx, `
		SELECT id, feed_id, property_id, started_at, completed_at, status, stage, not_modified,
		       created_count, updated_count, skipped_count, failed_count,
		       cancelled_count, conflict_count, merged_count, restored_count, error
		FROM sync_logs WHERE id = ?
	`, id)

	l, err := scanSyncLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync log: %w", err)
	}

	return l, nil
}

func scanSyncLog(s rowScanner) (*models.SyncLog, error) {
	var l models.SyncLog
	err := s.Scan(
		&l.ID, &l.FeedID, &l.PropertyID, &l.StartedAt, &l.CompletedAt, &l.Status, &l.Stage, &l.NotModified,
		&l.Created, &l.Updated, &l.Skipped, &l.Failed,
		&l.Cancelled, &l.Conflicts, &l.Merged, &l.Restored, &l.Error,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
