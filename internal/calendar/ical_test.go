package calendar

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/calendar-sync/backend/internal/storage/models"
)

var fetchedAt = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func ics(events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Test//Feed//EN\r\nX-WR-CALNAME:Test Feed\r\n")
	for _, e := range events {
		b.WriteString(e)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func vevent(lines ...string) string {
	return "BEGIN:VEVENT\r\n" + strings.Join(lines, "\r\n") + "\r\nEND:VEVENT\r\n"
}

func TestParseAirbnbFeed(t *testing.T) {
	body := ics(vevent(
		"UID:1418fb94e984-abc@airbnb.com",
		"DTSTAMP:20251230T080000Z",
		"DTSTART;VALUE=DATE:20260110",
		"DTEND;VALUE=DATE:20260115",
		"SUMMARY:Reserved",
		`DESCRIPTION:Reservation URL: https://www.airbnb.com/hosting/reservations/details/HMABCD1234\nPhone Number (Last 4 Digits): 5678`,
		"LOCATION:Somewhere",
		"X-CUSTOM;FOO=bar:opaque",
	))

	feed, err := NewParser().ParseBytes([]byte(body), models.PlatformGeneric, fetchedAt)
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}

	if feed.Platform != models.PlatformAirbnb {
		t.Errorf("Platform = %q, want airbnb (detected)", feed.Platform)
	}
	if feed.Name != "Test Feed" || feed.ProductID != "-//Test//Feed//EN" {
		t.Errorf("metadata = %q / %q", feed.Name, feed.ProductID)
	}

	events := feed.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]

	if !ev.AllDay {
		t.Error("AllDay = false, want true")
	}
	if want := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC); !ev.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", ev.Start, want)
	}
	if want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC); !ev.End.Equal(want) {
		t.Errorf("End = %v, want %v", ev.End, want)
	}
	if ev.Guest.ReservationCode != "HMABCD1234" {
		t.Errorf("ReservationCode = %q", ev.Guest.ReservationCode)
	}
	if ev.Guest.PhoneLast4 != "5678" {
		t.Errorf("PhoneLast4 = %q", ev.Guest.PhoneLast4)
	}
	if ev.Type != models.EventTypeReservation {
		t.Errorf("Type = %q, want reservation", ev.Type)
	}
	if !strings.Contains(ev.Description, "\n") {
		t.Errorf("Description should be unescaped, got %q", ev.Description)
	}

	if len(ev.Properties) != 2 {
		t.Fatalf("Properties = %+v, want LOCATION and X-CUSTOM", ev.Properties)
	}
	if p := ev.Properties[1]; p.Name != "X-CUSTOM" || p.Value != "opaque" || p.Params["FOO"][0] != "bar" {
		t.Errorf("opaque property = %+v", p)
	}
}

func TestParseTimes(t *testing.T) {
	bogota, err := time.LoadLocation("America/Bogota")
	if err != nil {
		t.Skip("tzdata not available")
	}

	tests := []struct {
		name      string
		lines     []string
		wantStart time.Time
		wantEnd   time.Time
		warns     bool
	}{
		{
			name:      "utc",
			lines:     []string{"DTSTART:20260110T150000Z", "DTEND:20260112T110000Z"},
			wantStart: time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 1, 12, 11, 0, 0, 0, time.UTC),
		},
		{
			name:      "tzid",
			lines:     []string{"DTSTART;TZID=America/New_York:20260110T100000", "DTEND;TZID=America/New_York:20260110T120000"},
			wantStart: time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 1, 10, 17, 0, 0, 0, time.UTC),
		},
		{
			name:      "floating uses parser location",
			lines:     []string{"DTSTART:20260110T100000", "DTEND:20260110T120000"},
			wantStart: time.Date(2026, 1, 10, 10, 0, 0, 0, bogota).UTC(),
			wantEnd:   time.Date(2026, 1, 10, 12, 0, 0, 0, bogota).UTC(),
		},
		{
			name:      "unknown tzid falls back",
			lines:     []string{"DTSTART;TZID=Mars/Olympus:20260110T100000", "DTEND:20260110T200000Z"},
			wantStart: time.Date(2026, 1, 10, 10, 0, 0, 0, bogota).UTC(),
			wantEnd:   time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC),
			warns:     true,
		},
		{
			name:      "duration",
			lines:     []string{"DTSTART:20260110T150000Z", "DURATION:P1DT2H"},
			wantStart: time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 1, 11, 17, 0, 0, 0, time.UTC),
		},
		{
			name:      "date without end defaults to one day",
			lines:     []string{"DTSTART;VALUE=DATE:20260110"},
			wantStart: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC),
			warns:     true,
		},
	}

	p := NewParser(WithLocation(bogota))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := append([]string{"UID:t-1", "SUMMARY:x"}, tt.lines...)
			feed, err := p.ParseBytes([]byte(ics(vevent(lines...))), models.PlatformManual, fetchedAt)
			if err != nil {
				t.Fatalf("ParseBytes() error = %v", err)
			}
			events := feed.Events()
			if len(events) != 1 {
				t.Fatalf("events = %d, errors = %v", len(events), feed.Errors())
			}
			if !events[0].Start.Equal(tt.wantStart) || !events[0].End.Equal(tt.wantEnd) {
				t.Errorf("range = %v..%v, want %v..%v", events[0].Start, events[0].End, tt.wantStart, tt.wantEnd)
			}
			if tt.warns && len(feed.Warnings) == 0 {
				t.Error("expected a warning")
			}
		})
	}
}

func TestParseIsolatesMalformedBlocks(t *testing.T) {
	var blocks []string
	for i := 0; i < 10; i++ {
		start := fmt.Sprintf("DTSTART;VALUE=DATE:202602%02d", i+1)
		if i == 4 {
			start = "DTSTART:not-a-date"
		}
		blocks = append(blocks, vevent(
			fmt.Sprintf("UID:evt-%d", i),
			start,
			fmt.Sprintf("DTEND;VALUE=DATE:202602%02d", i+2),
			"SUMMARY:Blocked",
		))
	}

	feed, err := NewParser().ParseBytes([]byte(ics(blocks...)), models.PlatformManual, fetchedAt)
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	if got := len(feed.Events()); got != 9 {
		t.Errorf("events = %d, want 9", got)
	}
	errs := feed.Errors()
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(errs))
	}
	if errs[0].Index != 4 || errs[0].UID != "evt-4" {
		t.Errorf("error = %+v", errs[0])
	}
	if !feed.Complete() {
		t.Error("Complete() = false, every block had a UID")
	}
	if !feed.UIDs()["evt-4"] {
		t.Error("UIDs() should include the failed block's UID")
	}
}

func TestParseBrokenStructure(t *testing.T) {
	body := ics(
		vevent("DTSTART;VALUE=DATE:20260201", "DTEND;VALUE=DATE:20260202", "SUMMARY:no uid"),
		"BEGIN:VEVENT\r\nUID:unterminated\r\nDTSTART;VALUE=DATE:20260203\r\n",
		vevent("UID:ok", "DTSTART;VALUE=DATE:20260205", "DTEND;VALUE=DATE:20260206", "SUMMARY:fine"),
		vevent("UID:garbage", "THIS LINE HAS NO COLON", "DTSTART;VALUE=DATE:20260207"),
		vevent("UID:backwards", "DTSTART;VALUE=DATE:20260210", "DTEND;VALUE=DATE:20260209"),
	)

	feed, err := NewParser().ParseBytes([]byte(body), models.PlatformManual, fetchedAt)
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}

	events := feed.Events()
	if len(events) != 1 || events[0].UID != "ok" {
		t.Fatalf("events = %+v, want only ok", events)
	}

	reasons := map[string]string{}
	for _, e := range feed.Errors() {
		reasons[e.UID] = e.Reason
	}
	if len(reasons) != 4 {
		t.Fatalf("errors = %v", feed.Errors())
	}
	if reasons[""] != "missing UID" {
		t.Errorf("missing UID reason = %q", reasons[""])
	}
	if reasons["unterminated"] != "missing END:VEVENT" {
		t.Errorf("unterminated reason = %q", reasons["unterminated"])
	}
	if _, ok := reasons["garbage"]; !ok {
		t.Error("expected error for garbage block")
	}
	if reasons["backwards"] != "DTEND precedes DTSTART" {
		t.Errorf("backwards reason = %q", reasons["backwards"])
	}
	if feed.Complete() {
		t.Error("Complete() = true with a UID-less failure")
	}
}

func TestParseDuplicateUIDs(t *testing.T) {
	body := ics(
		vevent("UID:dup", "SEQUENCE:2", "DTSTAMP:20260101T000000Z", "DTSTART;VALUE=DATE:20260301", "DTEND;VALUE=DATE:20260302", "SUMMARY:second"),
		vevent("UID:dup", "SEQUENCE:1", "DTSTAMP:20260102T000000Z", "DTSTART;VALUE=DATE:20260301", "DTEND;VALUE=DATE:20260302", "SUMMARY:first"),
		vevent("UID:dup", "SEQUENCE:2", "DTSTAMP:20260105T000000Z", "DTSTART;VALUE=DATE:20260301", "DTEND;VALUE=DATE:20260303", "SUMMARY:latest"),
	)

	feed, err := NewParser().ParseBytes([]byte(body), models.PlatformManual, fetchedAt)
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	events := feed.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Summary != "latest" {
		t.Errorf("kept %q, want latest", events[0].Summary)
	}
}

func TestParseCancelledAndDefaults(t *testing.T) {
	body := ics(vevent("UID:c1", "STATUS:CANCELLED", "DTSTART;VALUE=DATE:20260301", "DTEND;VALUE=DATE:20260302"))

	feed, err := NewParser().ParseBytes([]byte(body), models.PlatformManual, fetchedAt)
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	ev := feed.Events()[0]
	if !ev.Cancelled {
		t.Error("Cancelled = false")
	}
	if ev.Sequence != 0 || !ev.DTStamp.Equal(fetchedAt) {
		t.Errorf("defaults = seq %d stamp %v", ev.Sequence, ev.DTStamp)
	}
	if ev.Summary != "" || len(feed.Warnings) == 0 {
		t.Error("missing SUMMARY should give an empty summary and a warning")
	}
}

func TestParseEmptyAndNonCalendar(t *testing.T) {
	p := NewParser()

	feed, err := p.ParseBytes([]byte("  \r\n"), models.PlatformAirbnb, fetchedAt)
	if err != nil || len(feed.Results) != 0 {
		t.Errorf("empty body: feed = %+v, err = %v", feed, err)
	}

	_, err = p.ParseBytes([]byte("<html><body>Login required</body></html>"), models.PlatformAirbnb, fetchedAt)
	if !errors.Is(err, ErrNotCalendar) {
		t.Errorf("html body: err = %v, want ErrNotCalendar", err)
	}
}

func TestParseMaxEvents(t *testing.T) {
	var blocks []string
	for i := 0; i < 5; i++ {
		blocks = append(blocks, vevent(fmt.Sprintf("UID:m-%d", i), "DTSTART;VALUE=DATE:20260301", "DTEND;VALUE=DATE:20260302"))
	}

	feed, err := NewParser(WithMaxEvents(3)).ParseBytes([]byte(ics(blocks...)), models.PlatformManual, fetchedAt)
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	if got := len(feed.Events()); got != 3 {
		t.Errorf("events = %d, want 3", got)
	}
	if feed.Complete() {
		t.Error("Complete() = true for a truncated feed")
	}
}

func TestParseDateRange(t *testing.T) {
	body := ics(
		vevent("UID:old", "DTSTART;VALUE=DATE:20251101", "DTEND;VALUE=DATE:20251103"),
		vevent("UID:recent", "DTSTART;VALUE=DATE:20251220", "DTEND;VALUE=DATE:20251222"),
		vevent("UID:near", "DTSTART;VALUE=DATE:20260301", "DTEND;VALUE=DATE:20260302"),
		vevent("UID:far", "DTSTART;VALUE=DATE:20270601", "DTEND;VALUE=DATE:20270603"),
	)

	tests := []struct {
		name string
		opt  ParserOption
		want []string
	}{
		{"unbounded", WithDateRange(0, 0), []string{"old", "recent", "near", "far"}},
		{"past only", WithDateRange(30*24*time.Hour, 0), []string{"recent", "near", "far"}},
		{"both", WithDateRange(30*24*time.Hour, 365*24*time.Hour), []string{"recent", "near"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed, err := NewParser(tt.opt).ParseBytes([]byte(body), models.PlatformManual, fetchedAt)
			if err != nil {
				t.Fatalf("ParseBytes() error = %v", err)
			}
			var got []string
			for _, e := range feed.Events() {
				got = append(got, e.UID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
			// Skipped events still count as present so they are not cancelled.
			if uids := feed.UIDs(); len(uids) != 4 || !feed.Complete() {
				t.Errorf("UIDs() = %v, Complete() = %t", uids, feed.Complete())
			}
			skipped := len(tt.want) < 4
			warned := strings.Contains(strings.Join(feed.Warnings, ";"), "outside the date range")
			if skipped != warned {
				t.Errorf("warnings = %v", feed.Warnings)
			}
		})
	}
}

func TestParseFoldedLines(t *testing.T) {
	body := ics(vevent(
		"UID:folded-",
		" uid",
		"DTSTART;VALUE=DATE:20260301",
		"DTEND;VALUE=DATE:20260302",
		"SUMMARY:A very long summary that the platform",
		"  folded across lines",
	))

	feed, err := NewParser().Parse(strings.NewReader(body), models.PlatformManual, fetchedAt)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ev := feed.Events()[0]
	if ev.UID != "folded-uid" {
		t.Errorf("UID = %q", ev.UID)
	}
	if ev.Summary != "A very long summary that the platform folded across lines" {
		t.Errorf("Summary = %q", ev.Summary)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in       string
		wantDays int
		wantDur  time.Duration
		wantErr  bool
	}{
		{"P1D", 1, 0, false},
		{"P2W", 14, 0, false},
		{"PT1H30M", 0, 90 * time.Minute, false},
		{"-PT15M", 0, -15 * time.Minute, false},
		{"P1DT12H", 1, 12 * time.Hour, false},
		{"P", 0, 0, true},
		{"PT", 0, 0, true},
		{"1D", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			days, d, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (days != tt.wantDays || d != tt.wantDur) {
				t.Errorf("got %d days %v, want %d days %v", days, d, tt.wantDays, tt.wantDur)
			}
		})
	}
}
