package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// DefaultProductID is the PRODID written on exported calendars.
const DefaultProductID = "-//calendar-sync//Calendar Export//EN"

// ExportSource is the storage the exporter reads events from and records
// published versions in.
type ExportSource interface {
	ActiveUnitEvents(ctx context.Context, unitID string) ([]models.Event, error)
	ExportStates(ctx context.Context, unitID string) (map[string]models.ExportState, error)
	SaveExportStates(ctx context.Context, states []models.ExportState) error
}

// ExportProfile shapes a calendar for the platform that imports it.
type ExportProfile string

// Export profiles. The generic profile keeps timed events as UTC DATE-TIME
// values and summaries as stored.
const (
	ProfileGeneric ExportProfile = "generic"
	// ProfileAirbnb writes DATE values only, with "Reserved" for reservations
	// and "Airbnb (Not available)" for everything else.
	ProfileAirbnb ExportProfile = "airbnb"
	// ProfileBooking forces UTC DATE-TIME values on timed events and keeps
	// reservation summaries, falling back to "Booking".
	ProfileBooking ExportProfile = "booking"
)

// ParseExportProfile maps a profile name to an ExportProfile. The empty
// string selects the generic profile.
func ParseExportProfile(s string) (ExportProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ProfileGeneric):
		return ProfileGeneric, nil
	case string(ProfileAirbnb):
		return ProfileAirbnb, nil
	case string(ProfileBooking), "booking.com":
		return ProfileBooking, nil
	default:
		return "", fmt.Errorf("unknown export profile %q", s)
	}
}

// ExportOptions controls exported calendar content.
type ExportOptions struct {
	ProductID          string
	IncludeDescription bool
	// NeutralSummaries replaces platform summaries with the event type so guest
	// names are not republished to other platforms.
	NeutralSummaries bool
	// UnitNames maps unit ids to X-WR-CALNAME values.
	UnitNames map[string]string

	// Platform is the profile ExportUnit uses.
	Platform ExportProfile
}

// Exporter renders a unit's active events as an RFC 5545 calendar.
type Exporter struct {
	src  ExportSource
	opts ExportOptions
	now  func() time.Time

	mu sync.Mutex
}

// NewExporter creates an exporter over src.
func NewExporter(src ExportSource, opts ExportOptions) *Exporter {
	if opts.ProductID == "" {
		opts.ProductID = DefaultProductID
	}
	if opts.Platform == "" {
		opts.Platform = ProfileGeneric
	}
	return &Exporter{src: src, opts: opts, now: time.Now}
}

// ExportUnit returns the serialized calendar for a unit using the configured
// profile. Exporting unchanged state twice produces identical bytes: SEQUENCE
// and DTSTAMP only move when an event's exported content changes.
func (x *Exporter) ExportUnit(ctx context.Context, unitID string) ([]byte, error) {
	return x.ExportUnitProfile(ctx, unitID, x.opts.Platform)
}

// ExportUnitProfile is ExportUnit rendered for a specific platform profile.
// Profiles share one SEQUENCE per event: the export state hashes event
// content, not its per-profile rendering.
func (x *Exporter) ExportUnitProfile(ctx context.Context, unitID string, profile ExportProfile) ([]byte, error) {
	if profile == "" {
		profile = x.opts.Platform
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	events, err := x.src.ActiveUnitEvents(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ID < events[j].ID
	})

	states, err := x.src.ExportStates(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("loading export state: %w", err)
	}

	now := x.now().UTC().Truncate(time.Second)
	current := make([]models.ExportState, len(events))
	var changed []models.ExportState
	for i := range events {
		hash := x.exportHash(&events[i])
		st, ok := states[events[i].ID]
		switch {
		case !ok:
			st = models.ExportState{EventID: events[i].ID, ContentHash: hash, ExportedAt: now}
			changed = append(changed, st)
		case st.ContentHash != hash:
			st.Sequence++
			st.ContentHash = hash
			st.ExportedAt = now
			changed = append(changed, st)
		}
		current[i] = st
	}

	if len(changed) > 0 {
		if err := x.src.SaveExportStates(ctx, changed); err != nil {
			return nil, fmt.Errorf("saving export state: %w", err)
		}
	}

	cal := ical.NewCalendar()
	cal.SetProductId(x.opts.ProductID)
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(x.calendarName(unitID))

	for i := range events {
		x.addEvent(cal, &events[i], current[i], profile)
	}

	return []byte(cal.Serialize(ical.WithNewLineWindows)), nil
}

func (x *Exporter) addEvent(cal *ical.Calendar, e *models.Event, st models.ExportState, profile ExportProfile) {
	ve := cal.AddEvent(e.ID)
	ve.SetDtStampTime(st.ExportedAt)
	ve.SetSequence(st.Sequence)
	switch {
	case profile == ProfileAirbnb:
		start, end := dateSpan(e)
		ve.SetAllDayStartAt(start)
		ve.SetAllDayEndAt(end)
	case e.AllDay:
		ve.SetAllDayStartAt(e.Start.UTC())
		ve.SetAllDayEndAt(e.End.UTC())
	default:
		ve.SetStartAt(e.Start.UTC())
		ve.SetEndAt(e.End.UTC())
	}
	ve.SetSummary(x.profileSummary(e, profile))
	if x.opts.IncludeDescription && e.Description != "" {
		ve.SetDescription(e.Description)
	}
	ve.SetStatus(ical.ObjectStatusConfirmed)
	ve.SetTimeTransparency(ical.TransparencyOpaque)
	if e.ReservationCode != "" {
		ve.SetProperty(ical.ComponentProperty("X-RESERVATION-CODE"), e.ReservationCode)
	}
}

func (x *Exporter) summary(e *models.Event) string {
	if !x.opts.NeutralSummaries {
		return e.Summary
	}
	switch e.Type {
	case models.EventTypeReservation:
		return "Reserved"
	case models.EventTypeMaintenance:
		return "Maintenance"
	default:
		return "Not available"
	}
}

func (x *Exporter) profileSummary(e *models.Event, profile ExportProfile) string {
	switch profile {
	case ProfileAirbnb:
		if e.Type == models.EventTypeReservation {
			return "Reserved"
		}
		return "Airbnb (Not available)"
	case ProfileBooking:
		if e.Type != models.EventTypeReservation {
			return "Not available"
		}
		if s := x.summary(e); s != "" {
			return s
		}
		return "Booking"
	default:
		return x.summary(e)
	}
}

// dateSpan widens an event to whole UTC days with an exclusive end date.
func dateSpan(e *models.Event) (time.Time, time.Time) {
	start := e.Start.UTC().Truncate(24 * time.Hour)
	endUTC := e.End.UTC()
	end := endUTC.Truncate(24 * time.Hour)
	if !e.AllDay && endUTC.After(end) {
		end = end.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}

func (x *Exporter) calendarName(unitID string) string {
	if name, ok := x.opts.UnitNames[unitID]; ok && name != "" {
		return name
	}
	return unitID
}

// exportHash covers exactly what addEvent writes, so options that change
// output also bump SEQUENCE.
func (x *Exporter) exportHash(e *models.Event) string {
	desc := ""
	if x.opts.IncludeDescription {
		desc = e.Description
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%t|%s|%s|%s",
		e.Start.Unix(), e.End.Unix(), e.AllDay, x.summary(e), desc, e.ReservationCode)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
