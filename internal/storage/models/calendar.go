// Package models contains the domain models for the calendar sync engine.
package models

import (
	"strings"
	"time"
)

// Platform identifies the booking platform that publishes a feed.
type Platform string

// Platform constants
const (
	PlatformAirbnb    Platform = "airbnb"
	PlatformBooking   Platform = "booking"
	PlatformVRBO      Platform = "vrbo"
	PlatformMotoPress Platform = "motopress"
	PlatformManual    Platform = "manual"
	PlatformGeneric   Platform = "generic"

	// PlatformSystem marks events synthesized by the engine itself.
	PlatformSystem Platform = "system"
)

// ParsePlatform maps a configured platform name to a Platform.
// Common aliases such as "booking.com" and "generic_ics" are accepted.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "airbnb":
		return PlatformAirbnb, true
	case "booking", "booking.com", "bookingcom":
		return PlatformBooking, true
	case "vrbo", "homeaway":
		return PlatformVRBO, true
	case "motopress":
		return PlatformMotoPress, true
	case "manual":
		return PlatformManual, true
	case "generic", "generic_ics", "ics", "":
		return PlatformGeneric, true
	}
	return "", false
}

// Feed represents an external iCal feed attached to an accommodation unit.
type Feed struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	PropertyID          string     `json:"property_id"`
	UnitID              string     `json:"unit_id"`
	Name                string     `json:"name"`
	Platform            Platform   `json:"platform"`
	Priority            int        `json:"priority"`
	URL                 string     `json:"url"`
	PollIntervalMin     int        `json:"poll_interval_min"`
	Active              bool       `json:"active"`
	ETag                *string    `json:"etag,omitempty"`
	LastModified        *string    `json:"last_modified,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus      string     `json:"last_sync_status"`
	LastSyncError       *string    `json:"last_sync_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalSyncs          int        `json:"total_syncs"`
	EventsImportedLast  int        `json:"events_imported_last"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SyncStatus constants
const (
	SyncStatusPending = "pending"
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// FeedSyncState is the set of sync-state columns written after each feed run.
type FeedSyncState struct {
	ETag           *string
	LastModified   *string
	Status         string
	Error          *string
	EventsImported int
	SyncedAt       time.Time
}
