package calendar

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/calendar-sync/backend/internal/storage/models"
)

type memExportSource struct {
	events []models.Event
	states map[string]models.ExportState
}

func (m *memExportSource) ActiveUnitEvents(_ context.Context, unitID string) ([]models.Event, error) {
	var out []models.Event
	for _, e := range m.events {
		if e.UnitID == unitID && e.IsActive() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memExportSource) ExportStates(context.Context, string) (map[string]models.ExportState, error) {
	out := make(map[string]models.ExportState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *memExportSource) SaveExportStates(_ context.Context, states []models.ExportState) error {
	for _, s := range states {
		m.states[s.EventID] = s
	}
	return nil
}

func exportFixture() *memExportSource {
	return &memExportSource{
		states: map[string]models.ExportState{},
		events: []models.Event{
			{
				ID: "evt-b", UnitID: "apt", Status: models.EventStatusActive, Type: models.EventTypeReservation,
				Summary: "Guest, with; special chars", Description: "line one\nline two",
				Start: time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 8, 11, 0, 0, 0, time.UTC),
				ReservationCode: "HMABCD1234",
			},
			{
				ID: "evt-a", UnitID: "apt", Status: models.EventStatusActive, Type: models.EventTypeBlock,
				Summary: "Not available", AllDay: true,
				Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
			},
			{
				ID: "evt-c", UnitID: "apt", Status: models.EventStatusCancelled,
				Start: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
			},
		},
	}
}

func TestExportUnitRoundTrip(t *testing.T) {
	src := exportFixture()
	x := NewExporter(src, ExportOptions{IncludeDescription: true})
	x.now = func() time.Time { return time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC) }

	data, err := x.ExportUnit(context.Background(), "apt")
	if err != nil {
		t.Fatalf("ExportUnit() error = %v", err)
	}
	if problems := ValidateICS(data); len(problems) > 0 {
		t.Fatalf("ValidateICS() = %v", problems)
	}

	text := string(data)
	if !strings.HasSuffix(text, "END:VCALENDAR\r\n") || strings.Contains(strings.ReplaceAll(text, "\r\n", ""), "\n") {
		t.Error("export lines must end in CRLF")
	}
	for _, want := range []string{
		"PRODID:" + DefaultProductID,
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"X-WR-CALNAME:apt",
		"DTSTART;VALUE=DATE:20260301",
		"DTSTART:20260305T150000Z",
		"X-RESERVATION-CODE:HMABCD1234",
		"DTSTAMP:20260201T093000Z",
		"SEQUENCE:0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("export missing %q", want)
		}
	}
	if strings.Index(text, "UID:evt-a") > strings.Index(text, "UID:evt-b") {
		t.Error("events should be ordered by start")
	}
	if strings.Contains(text, "evt-c") {
		t.Error("cancelled event exported")
	}

	feed, err := NewParser().ParseBytes(data, models.PlatformManual, time.Now())
	if err != nil {
		t.Fatalf("re-parse error = %v", err)
	}
	events := feed.Events()
	if len(events) != 2 || len(feed.Errors()) != 0 {
		t.Fatalf("re-parsed %d events, errors %v", len(events), feed.Errors())
	}
	byUID := map[string]ParsedEvent{}
	for _, e := range events {
		byUID[e.UID] = e
	}
	for _, want := range src.events[:2] {
		got, ok := byUID[want.ID]
		if !ok {
			t.Fatalf("UID %s missing after round trip", want.ID)
		}
		if !got.Start.Equal(want.Start) || !got.End.Equal(want.End) || got.AllDay != want.AllDay {
			t.Errorf("%s range = %v..%v allDay=%t", want.ID, got.Start, got.End, got.AllDay)
		}
		if got.Summary != want.Summary {
			t.Errorf("%s summary = %q, want %q", want.ID, got.Summary, want.Summary)
		}
	}
	if byUID["evt-b"].Description != "line one\nline two" {
		t.Errorf("description = %q", byUID["evt-b"].Description)
	}
}

func TestExportUnitIsStable(t *testing.T) {
	src := exportFixture()
	x := NewExporter(src, ExportOptions{})
	clock := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	x.now = func() time.Time { return clock }

	first, err := x.ExportUnit(context.Background(), "apt")
	if err != nil {
		t.Fatalf("ExportUnit() error = %v", err)
	}

	clock = clock.Add(time.Hour)
	second, err := x.ExportUnit(context.Background(), "apt")
	if err != nil {
		t.Fatalf("ExportUnit() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("unchanged state exported differently:\n%s\n---\n%s", first, second)
	}

	src.events[0].End = src.events[0].End.Add(24 * time.Hour)
	third, err := x.ExportUnit(context.Background(), "apt")
	if err != nil {
		t.Fatalf("ExportUnit() error = %v", err)
	}
	if bytes.Equal(second, third) {
		t.Fatal("changed event exported identically")
	}
	if st := src.states["evt-b"]; st.Sequence != 1 || !st.ExportedAt.Equal(clock) {
		t.Errorf("evt-b state = %+v, want sequence 1 at %v", st, clock)
	}
	if st := src.states["evt-a"]; st.Sequence != 0 {
		t.Errorf("evt-a sequence = %d, want 0", st.Sequence)
	}
}

func TestExportNeutralSummaries(t *testing.T) {
	x := NewExporter(exportFixture(), ExportOptions{NeutralSummaries: true, UnitNames: map[string]string{"apt": "Casa Apt"}})
	data, err := x.ExportUnit(context.Background(), "apt")
	if err != nil {
		t.Fatalf("ExportUnit() error = %v", err)
	}
	text := string(data)
	if strings.Contains(text, "Guest") {
		t.Error("guest summary leaked with NeutralSummaries")
	}
	if !strings.Contains(text, "SUMMARY:Reserved") || !strings.Contains(text, "X-WR-CALNAME:Casa Apt") {
		t.Errorf("unexpected export:\n%s", text)
	}
}

func TestExportProfiles(t *testing.T) {
	tests := []struct {
		profile ExportProfile
		want    []string
		absent  []string
	}{
		{
			profile: ProfileAirbnb,
			want: []string{
				"DTSTART;VALUE=DATE:20260305",
				"DTEND;VALUE=DATE:20260309",
				"DTSTART;VALUE=DATE:20260301",
				"DTEND;VALUE=DATE:20260303",
				"SUMMARY:Reserved",
				"SUMMARY:Airbnb (Not available)",
			},
			absent: []string{"DTSTART:", "Guest"},
		},
		{
			profile: ProfileBooking,
			want: []string{
				"DTSTART:20260305T150000Z",
				"DTEND:20260308T110000Z",
				"DTSTART;VALUE=DATE:20260301",
				`SUMMARY:Guest\, with\; special chars`,
				"SUMMARY:Not available",
			},
		},
		{
			profile: ProfileGeneric,
			want: []string{
				"DTSTART:20260305T150000Z",
				`SUMMARY:Guest\, with\; special chars`,
				"SUMMARY:Not available",
			},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			x := NewExporter(exportFixture(), ExportOptions{})
			data, err := x.ExportUnitProfile(context.Background(), "apt", tt.profile)
			if err != nil {
				t.Fatalf("ExportUnitProfile() error = %v", err)
			}
			if problems := ValidateICS(data); len(problems) > 0 {
				t.Fatalf("ValidateICS() = %v", problems)
			}
			text := string(data)
			for _, want := range tt.want {
				if !strings.Contains(text, want) {
					t.Errorf("export missing %q", want)
				}
			}
			for _, bad := range tt.absent {
				if strings.Contains(text, bad) {
					t.Errorf("export contains %q", bad)
				}
			}
		})
	}
}

func TestExportProfilesShareSequence(t *testing.T) {
	src := exportFixture()
	x := NewExporter(src, ExportOptions{Platform: ProfileAirbnb})
	if _, err := x.ExportUnit(context.Background(), "apt"); err != nil {
		t.Fatal(err)
	}
	data, err := x.ExportUnitProfile(context.Background(), "apt", ProfileBooking)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "SEQUENCE:1") {
		t.Error("switching profile bumped SEQUENCE")
	}
	if st := src.states["evt-b"]; st.Sequence != 0 {
		t.Errorf("stored sequence = %d, want 0", st.Sequence)
	}
}

func TestParseExportProfile(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportProfile
		wantErr bool
	}{
		{"", ProfileGeneric, false},
		{"Airbnb", ProfileAirbnb, false},
		{"booking.com", ProfileBooking, false},
		{"booking", ProfileBooking, false},
		{"expedia", "", true},
	}
	for _, tt := range tests {
		got, err := ParseExportProfile(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseExportProfile(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestValidateICS(t *testing.T) {
	bad := "BEGIN:VCALENDAR\nBEGIN:VEVENT\r\nUID:x\r\nEND:VCALENDAR\r\n"
	problems := ValidateICS([]byte(bad))
	if len(problems) < 3 {
		t.Errorf("ValidateICS() = %v, want structural problems", problems)
	}
}
