package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// ExportStateRepository tracks what the exporter last published per event.
type ExportStateRepository struct {
	BaseRepository
}

// NewExportStateRepository creates a new export state repository.
func NewExportStateRepository(db *DB) *ExportStateRepository {
	return &ExportStateRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// ListByUnit returns the export state of every event on a unit, keyed by event ID.
func (r *ExportStateRepository) ListByUnit(ctx context.Context, unitID string) (map[string]models.ExportState, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT s.event_id, s.sequence, s.content_hash, s.exported_at
		FROM event_export_state s
		JOIN calendar_events e ON e.id = s.event_id
		WHERE e.unit_id = ?
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("querying export state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.ExportState)
	for rows.Next() {
		var s models.ExportState
		if err := rows.Scan(&s.EventID, &s.Sequence, &s.ContentHash, &s.ExportedAt); err != nil {
			return nil, fmt.Errorf("scanning export state: %w", err)
		}
		s.ExportedAt = s.ExportedAt.UTC()
		states[s.EventID] = s
	}

	return states, rows.Err()
}

// Save upserts the given export states in one transaction.
func (r *ExportStateRepository) Save(ctx context.Context, states []models.ExportState) error {
	if len(states) == 0 {
		return nil
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, s := range states {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO event_export_state (event_id, sequence, content_hash, exported_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(event_id) DO UPDATE SET
					sequence = excluded.sequence,
					content_hash = excluded.content_hash,
					exported_at = excluded.exported_at
			`, s.EventID, s.Sequence, s.ContentHash, s.ExportedAt.UTC())
			if err != nil {
				return fmt.Errorf("saving export state for %s: %w", s.EventID, err)
			}
		}
		return nil
	})
}
