package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calendar-sync/backend/internal/storage/models"
)

const eventColumns = `
	id, tenant_id, property_id, unit_id, feed_id, source, source_priority, external_uid,
	event_type, summary, description, start_at, end_at, all_day, guest_name,
	reservation_code, phone_last4, status, sequence, dtstamp, content_hash,
	parent_event_id, system_generated, matched_with_ics, properties, revision,
	created_at, updated_at`

// EventRepository provides data access for canonical calendar events.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// WithTx returns a repository that runs its queries inside tx.
func (r *EventRepository) WithTx(tx *sql.Tx) *EventRepository {
	return &EventRepository{BaseRepository: r.bind(tx)}
}

// Insert stores a new canonical event. The caller assigns the ID.
func (r *EventRepository) Insert(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = GenerateID()
	}
	now := r.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Revision = 1

	props, err := encodeProperties(e.Properties)
	if err != nil {
		return err
	}

	_, err = r.Conn().ExecContext(ctx, `
		INSERT INTO calendar_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.TenantID, e.PropertyID, e.UnitID, nullString(e.FeedID), e.Source, e.SourcePriority,
		e.ExternalUID, e.Type, e.Summary, e.Description, e.Start.UTC(), e.End.UTC(), e.AllDay,
		e.GuestName, e.ReservationCode, e.PhoneLast4, e.Status, e.Sequence, e.DTStamp.UTC(),
		e.ContentHash, e.ParentEventID, e.SystemGenerated, e.MatchedWithICS, props, e.Revision,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ExternalUID, err)
	}

	return nil
}

// Update writes e if its stored revision still equals e.Revision.
// On success e.Revision is advanced; otherwise ErrConcurrentUpdate is returned.
func (r *EventRepository) Update(ctx context.Context, e *models.Event) error {
	e.UpdatedAt = r.Now()

	props, err := encodeProperties(e.Properties)
	if err != nil {
		return err
	}

	result, err := r.Conn().ExecContext(ctx, `
		UPDATE calendar_events SET
			feed_id = ?, source_priority = ?, event_type = ?, summary = ?, description = ?,
			start_at = ?, end_at = ?, all_day = ?, guest_name = ?, reservation_code = ?,
			phone_last4 = ?, status = ?, sequence = ?, dtstamp = ?, content_hash = ?,
			parent_event_id = ?, matched_with_ics = ?, properties = ?,
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`,
		nullString(e.FeedID), e.SourcePriority, e.Type, e.Summary, e.Description,
		e.Start.UTC(), e.End.UTC(), e.AllDay, e.GuestName, e.ReservationCode,
		e.PhoneLast4, e.Status, e.Sequence, e.DTStamp.UTC(), e.ContentHash,
		e.ParentEventID, e.MatchedWithICS, props,
		e.UpdatedAt, e.ID, e.Revision,
	)
	if err != nil {
		return fmt.Errorf("updating event %s: %w", e.ID, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("updating event %s at revision %d: %w", e.ID, e.Revision, ErrConcurrentUpdate)
	}
	e.Revision++

	return nil
}

// GetByID retrieves an event by its ID.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	row := r.Conn().QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}

	return e, nil
}

// ListByUnits retrieves every event, in any status, owned by the given units.
func (r *EventRepository) ListByUnits(ctx context.Context, unitIDs ...string) ([]models.Event, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(unitIDs)), ",")
	args := make([]any, len(unitIDs))
	for i, id := range unitIDs {
		args[i] = id
	}

	return r.query(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE unit_id IN (`+placeholders+`)
		ORDER BY start_at, id
	`, args...)
}

// ListByUnit retrieves a unit's events, optionally filtered by status.
func (r *EventRepository) ListByUnit(ctx context.Context, unitID, status string) ([]models.Event, error) {
	if status == "" {
		return r.ListByUnits(ctx, unitID)
	}
	return r.query(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE unit_id = ? AND status = ?
		ORDER BY start_at, id
	`, unitID, status)
}

// ListMirrorUnits returns the units of a property holding active
// system-generated mirrors.
func (r *EventRepository) ListMirrorUnits(ctx context.Context, propertyID string) ([]string, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT DISTINCT unit_id FROM calendar_events
		WHERE property_id = ? AND system_generated = 1 AND status = ?
		ORDER BY unit_id
	`, propertyID, models.EventStatusActive)
	if err != nil {
		return nil, fmt.Errorf("querying mirror units: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning unit id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *EventRepository) query(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *e)
	}

	return events, rows.Err()
}

func scanEvent(s rowScanner) (*models.Event, error) {
	var (
		e      models.Event
		feedID *string
		props  string
	)
	err := s.Scan(
		&e.ID, &e.TenantID, &e.PropertyID, &e.UnitID, &feedID, &e.Source, &e.SourcePriority,
		&e.ExternalUID, &e.Type, &e.Summary, &e.Description, &e.Start, &e.End, &e.AllDay,
		&e.GuestName, &e.ReservationCode, &e.PhoneLast4, &e.Status, &e.Sequence, &e.DTStamp,
		&e.ContentHash, &e.ParentEventID, &e.SystemGenerated, &e.MatchedWithICS, &props,
		&e.Revision, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.FeedID = derefString(feedID)
	e.Start = e.Start.UTC()
	e.End = e.End.UTC()
	e.DTStamp = e.DTStamp.UTC()

	if props != "" && props != "[]" {
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return nil, fmt.Errorf("decoding properties of %s: %w", e.ID, err)
		}
	}

	return &e, nil
}

func encodeProperties(props []models.Property) (string, error) {
	if len(props) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encoding properties: %w", err)
	}
	return string(b), nil
}
