package models

import (
	"time"
)

// EventType classifies what an event means for unit availability.
type EventType string

// EventType constants
const (
	EventTypeReservation EventType = "reservation"
	EventTypeBlock       EventType = "block"
	EventTypeMaintenance EventType = "maintenance"
	EventTypeParentBlock EventType = "parent_block"
)

// Blocking reports whether the event makes its unit unavailable.
func (t EventType) Blocking() bool {
	switch t {
	case EventTypeReservation, EventTypeBlock, EventTypeMaintenance, EventTypeParentBlock:
		return true
	}
	return false
}

// EventStatus constants
const (
	EventStatusActive     = "active"
	EventStatusSuperseded = "superseded"
	EventStatusCancelled  = "cancelled"
)

// Property is an opaque VEVENT property kept for forward compatibility.
type Property struct {
	Name   string              `json:"name"`
	Params map[string][]string `json:"params,omitempty"`
	Value  string              `json:"value"`
}

// Event is a canonical calendar event owned by the sync engine.
type Event struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	PropertyID      string     `json:"property_id"`
	UnitID          string     `json:"unit_id"`
	FeedID          string     `json:"feed_id,omitempty"`
	Source          Platform   `json:"source"`
	SourcePriority  int        `json:"source_priority"`
	ExternalUID     string     `json:"external_uid"`
	Type            EventType  `json:"event_type"`
	Summary         string     `json:"summary"`
	Description     string     `json:"description,omitempty"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	AllDay          bool       `json:"all_day"`
	GuestName       string     `json:"guest_name,omitempty"`
	ReservationCode string     `json:"reservation_code,omitempty"`
	PhoneLast4      string     `json:"phone_last4,omitempty"`
	Status          string     `json:"status"`
	Sequence        int        `json:"sequence"`
	DTStamp         time.Time  `json:"dtstamp"`
	ContentHash     string     `json:"-"`
	ParentEventID   *string    `json:"parent_event_id,omitempty"`
	SystemGenerated bool       `json:"system_generated"`
	MatchedWithICS  bool       `json:"matched_with_ics"`
	Properties      []Property `json:"properties,omitempty"`
	Revision        int        `json:"revision"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsActive returns true if the event currently owns its date range.
func (e *Event) IsActive() bool {
	return e.Status == EventStatusActive
}

// Overlaps reports whether the event intersects the half-open range [start, end).
func (e *Event) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}

// Conflict records two events competing for the same unit and dates.
type Conflict struct {
	ID             string    `json:"id"`
	UnitID         string    `json:"unit_id"`
	WinningEventID string    `json:"winning_event_id"`
	LosingEventID  string    `json:"losing_event_id"`
	Reason         string    `json:"reason"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Conflict reasons
const (
	ConflictReasonPriority           = "priority"
	ConflictReasonTieNewestDTStamp   = "equal_priority_newest_dtstamp"
	ConflictReasonTieKeepExisting    = "equal_priority_keep_existing"
	ConflictReasonParentBlockOverlap = "parent_block_overlap"
)

// ExportState tracks what was last published for an event.
type ExportState struct {
	EventID     string    `json:"event_id"`
	Sequence    int       `json:"sequence"`
	ContentHash string    `json:"content_hash"`
	ExportedAt  time.Time `json:"exported_at"`
}

// WriteSet is a batch of canonical writes applied in one transaction.
// Updates carry the revision they were read at.
type WriteSet struct {
	Inserts   []Event
	Updates   []Event
	Conflicts []Conflict
}

// Empty returns true if the write set has nothing to apply.
func (w WriteSet) Empty() bool {
	return len(w.Inserts) == 0 && len(w.Updates) == 0 && len(w.Conflicts) == 0
}
