package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// ConflictRepository provides append-only access to conflict records.
type ConflictRepository struct {
	BaseRepository
}

// NewConflictRepository creates a new conflict repository.
func NewConflictRepository(db *DB) *ConflictRepository {
	return &ConflictRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// WithTx returns a repository that runs its queries inside tx.
func (r *ConflictRepository) WithTx(tx *sql.Tx) *ConflictRepository {
	return &ConflictRepository{BaseRepository: r.bind(tx)}
}

// Insert appends a conflict record.
func (r *ConflictRepository) Insert(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = GenerateID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = r.Now()
	}

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO conflict_records (id, unit_id, winning_event_id, losing_event_id, reason, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.UnitID, c.WinningEventID, c.LosingEventID, c.Reason, c.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}

	return nil
}

// ListByUnit retrieves a unit's conflict records, newest first.
func (r *ConflictRepository) ListByUnit(ctx context.Context, unitID string, limit int) ([]models.Conflict, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.Conn().QueryContext(ctx, `
		SELECT id, unit_id, winning_event_id, losing_event_id, reason, detected_at
		FROM conflict_records
		WHERE unit_id = ?
		ORDER BY detected_at DESC, id
		LIMIT ?
	`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		var c models.Conflict
		if err := rows.Scan(&c.ID, &c.UnitID, &c.WinningEventID, &c.LosingEventID, &c.Reason, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}
