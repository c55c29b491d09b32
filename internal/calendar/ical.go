// Package calendar provides iCal parsing, fetching and export for the sync engine.
package calendar

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// ErrNotCalendar is returned for a non-empty body that contains no calendar data.
var ErrNotCalendar = errors.New("body is not an iCalendar document")

const defaultMaxEvents = 10000

// GuestInfo is guest metadata extracted from free-text event fields.
type GuestInfo struct {
	Name            string `json:"name,omitempty"`
	ReservationCode string `json:"reservation_code,omitempty"`
	PhoneLast4      string `json:"phone_last4,omitempty"`
}

// ParsedEvent is a single VEVENT normalized for reconciliation.
type ParsedEvent struct {
	UID         string
	Platform    models.Platform
	DTStamp     time.Time
	Sequence    int
	Start       time.Time
	End         time.Time
	AllDay      bool
	Summary     string
	Description string
	Status      string
	Cancelled   bool
	Type        models.EventType
	Guest       GuestInfo
	Properties  []models.Property
}

// Fingerprint hashes the fields that matter to the canonical store.
// DTSTAMP and SEQUENCE are left out so a restamped but unchanged event hashes the same.
func (e *ParsedEvent) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%t|%s|%s|%t|%s|%s|%s|%s",
		e.Start.Unix(), e.End.Unix(), e.AllDay, e.Summary, e.Description, e.Cancelled,
		e.Type, e.Guest.Name, e.Guest.ReservationCode, e.Guest.PhoneLast4)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ParseError describes a VEVENT block that could not be turned into an event.
type ParseError struct {
	Index  int
	UID    string
	Reason string
}

func (e *ParseError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("event %d (%s): %s", e.Index, e.UID, e.Reason)
	}
	return fmt.Sprintf("event %d: %s", e.Index, e.Reason)
}

// Result holds either the parsed event or the error for one VEVENT block.
type Result struct {
	Event *ParsedEvent
	Err   *ParseError
}

// Feed is a parsed calendar document.
type Feed struct {
	Platform    models.Platform
	Detected    Detection
	ProductID   string
	Name        string
	Description string
	Timezone    string
	Results     []Result
	Warnings    []string

	truncated  bool
	outOfRange map[string]bool
}

// Events returns the successfully parsed events in feed order.
func (f *Feed) Events() []ParsedEvent {
	var events []ParsedEvent
	for _, r := range f.Results {
		if r.Event != nil {
			events = append(events, *r.Event)
		}
	}
	return events
}

// Errors returns the per-block parse errors in feed order.
func (f *Feed) Errors() []*ParseError {
	var errs []*ParseError
	for _, r := range f.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// UIDs returns every UID present in the feed, including UIDs of blocks that
// failed to parse or fell outside the parser's date range.
func (f *Feed) UIDs() map[string]bool {
	uids := make(map[string]bool, len(f.Results)+len(f.outOfRange))
	for uid := range f.outOfRange {
		uids[uid] = true
	}
	for _, r := range f.Results {
		switch {
		case r.Event != nil:
			uids[r.Event.UID] = true
		case r.Err != nil && r.Err.UID != "":
			uids[r.Err.UID] = true
		}
	}
	return uids
}

// Complete reports whether the feed's membership is fully known: every block
// has a readable UID and nothing was dropped by the event limit.
func (f *Feed) Complete() bool {
	if f.truncated {
		return false
	}
	for _, r := range f.Results {
		if r.Err != nil && r.Err.UID == "" {
			return false
		}
	}
	return true
}

// Parser parses iCal/ICS calendar feeds.
type Parser struct {
	location  *time.Location
	maxEvents int
	past      time.Duration
	future    time.Duration
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithLocation sets the zone used for floating DATE-TIME values.
func WithLocation(loc *time.Location) ParserOption {
	return func(p *Parser) {
		if loc != nil {
			p.location = loc
		}
	}
}

// WithMaxEvents caps the number of VEVENT blocks read from one feed.
func WithMaxEvents(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.maxEvents = n
		}
	}
}

// WithDateRange keeps only events that start no earlier than past before the
// fetch time and end no later than future after it. A zero bound is open.
func WithDateRange(past, future time.Duration) ParserOption {
	return func(p *Parser) {
		if past > 0 {
			p.past = past
		}
		if future > 0 {
			p.future = future
		}
	}
}

// NewParser creates a new iCal parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		location:  time.UTC,
		maxEvents: defaultMaxEvents,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse reads and parses iCal data from a reader.
func (p *Parser) Parse(r io.Reader, platform models.Platform, fetchedAt time.Time) (*Feed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading calendar: %w", err)
	}
	return p.ParseBytes(data, platform, fetchedAt)
}

// ParseBytes parses a calendar body. Each VEVENT is parsed on its own, so a
// malformed block yields a ParseError without affecting its siblings.
func (p *Parser) ParseBytes(data []byte, platform models.Platform, fetchedAt time.Time) (*Feed, error) {
	feed := &Feed{Platform: platform}
	if len(bytes.TrimSpace(data)) == 0 {
		return feed, nil
	}

	doc := splitDocument(data)
	if !doc.sawCalendar {
		if len(doc.blocks) == 0 {
			return nil, ErrNotCalendar
		}
		feed.Warnings = append(feed.Warnings, "missing BEGIN:VCALENDAR wrapper")
	}

	feed.ProductID = doc.props["PRODID"]
	feed.Name = ical.FromText(doc.props["X-WR-CALNAME"])
	feed.Description = ical.FromText(doc.props["X-WR-CALDESC"])
	feed.Timezone = doc.props["X-WR-TIMEZONE"]
	feed.Detected = DetectPlatform(data)
	if platform == "" || platform == models.PlatformGeneric {
		if feed.Detected.Confidence >= minDetectionConfidence {
			feed.Platform = feed.Detected.Platform
		}
	}
	extractor := ExtractorFor(feed.Platform)

	byUID := make(map[string]int)
	skipped := 0
	for i, blk := range doc.blocks {
		if i >= p.maxEvents {
			feed.truncated = true
			feed.Warnings = append(feed.Warnings,
				fmt.Sprintf("skipped %d events beyond limit of %d", len(doc.blocks)-i, p.maxEvents))
			break
		}

		ev, perr := p.parseBlock(i, blk, fetchedAt, func(msg string) {
			feed.Warnings = append(feed.Warnings, msg)
		})
		if perr != nil {
			feed.Results = append(feed.Results, Result{Err: perr})
			continue
		}

		if !p.inRange(ev, fetchedAt) {
			if feed.outOfRange == nil {
				feed.outOfRange = make(map[string]bool)
			}
			feed.outOfRange[ev.UID] = true
			skipped++
			continue
		}

		ev.Platform = feed.Platform
		ev.Guest = extractor.Extract(ev.Summary, ev.Description)
		if feed.Platform == models.PlatformVRBO && ev.Guest.ReservationCode == "" {
			ev.Guest.ReservationCode = vrboReservationFromUID(ev.UID)
		}
		ev.Type = Classify(ev.Summary, ev.Guest)

		if j, ok := byUID[ev.UID]; ok {
			if supersedes(ev, feed.Results[j].Event) {
				feed.Results[j].Event = ev
			}
			feed.Warnings = append(feed.Warnings, fmt.Sprintf("duplicate UID %s collapsed", ev.UID))
			continue
		}
		byUID[ev.UID] = len(feed.Results)
		feed.Results = append(feed.Results, Result{Event: ev})
	}
	if skipped > 0 {
		feed.Warnings = append(feed.Warnings, fmt.Sprintf("skipped %d events outside the date range", skipped))
	}

	return feed, nil
}

func (p *Parser) inRange(ev *ParsedEvent, fetchedAt time.Time) bool {
	if p.past > 0 && ev.Start.Before(fetchedAt.Add(-p.past)) {
		return false
	}
	if p.future > 0 && ev.End.After(fetchedAt.Add(p.future)) {
		return false
	}
	return true
}

// supersedes reports whether a later copy of a UID replaces an earlier one.
func supersedes(later, earlier *ParsedEvent) bool {
	if later.Sequence != earlier.Sequence {
		return later.Sequence > earlier.Sequence
	}
	return !later.DTStamp.Before(earlier.DTStamp)
}

// knownProperties are mapped onto ParsedEvent fields; everything else is kept opaque.
var knownProperties = map[string]bool{
	string(ical.ComponentPropertyUniqueId):    true,
	string(ical.ComponentPropertyDtStart):     true,
	string(ical.ComponentPropertyDtEnd):       true,
	string(ical.ComponentPropertyDuration):    true,
	string(ical.ComponentPropertyDtstamp):     true,
	string(ical.ComponentPropertySequence):    true,
	string(ical.ComponentPropertySummary):     true,
	string(ical.ComponentPropertyDescription): true,
	string(ical.ComponentPropertyStatus):      true,
}

func (p *Parser) parseBlock(index int, blk block, fetchedAt time.Time, warn func(string)) (*ParsedEvent, *ParseError) {
	fail := func(uid, format string, args ...any) *ParseError {
		return &ParseError{Index: index, UID: uid, Reason: fmt.Sprintf(format, args...)}
	}

	blkUID := ical.FromText(blk.uid)
	if blk.broken != "" {
		return nil, fail(blkUID, "%s", blk.broken)
	}

	raw := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + strings.Join(blk.lines, "\r\n") + "\r\nEND:VCALENDAR\r\n"
	cal, err := ical.ParseCalendar(strings.NewReader(raw))
	if err != nil {
		return nil, fail(blkUID, "malformed event: %v", err)
	}
	vevents := cal.Events()
	if len(vevents) != 1 {
		return nil, fail(blkUID, "expected one VEVENT, found %d", len(vevents))
	}
	ve := vevents[0]

	uid := strings.TrimSpace(ve.Id())
	if uid == "" {
		return nil, fail("", "missing UID")
	}
	warnf := func(format string, args ...any) {
		warn(uid + ": " + fmt.Sprintf(format, args...))
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return nil, fail(uid, "missing DTSTART")
	}
	start, allDay, err := p.resolveTime(startProp, warnf)
	if err != nil {
		return nil, fail(uid, "invalid DTSTART: %v", err)
	}

	var end time.Time
	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, _, err = p.resolveTime(ve.GetProperty(ical.ComponentPropertyDtEnd), warnf)
		if err != nil {
			return nil, fail(uid, "invalid DTEND: %v", err)
		}
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		days, d, err := parseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return nil, fail(uid, "invalid DURATION: %v", err)
		}
		end = start.AddDate(0, 0, days).Add(d)
	case allDay:
		end = start.AddDate(0, 0, 1)
		warnf("no DTEND or DURATION, assuming one day")
	default:
		end = start
		warnf("no DTEND or DURATION, assuming zero length")
	}
	if end.Before(start) {
		return nil, fail(uid, "DTEND precedes DTSTART")
	}

	ev := &ParsedEvent{
		UID:     uid,
		Start:   start,
		End:     end,
		AllDay:  allDay,
		DTStamp: fetchedAt.UTC(),
	}

	if prop := ve.GetProperty(ical.ComponentPropertySummary); prop != nil {
		ev.Summary = strings.TrimSpace(prop.Value)
	} else {
		warnf("missing SUMMARY")
	}
	if prop := ve.GetProperty(ical.ComponentPropertyDescription); prop != nil {
		ev.Description = strings.TrimSpace(prop.Value)
	}
	if prop := ve.GetProperty(ical.ComponentPropertySequence); prop != nil {
		seq, err := strconv.Atoi(strings.TrimSpace(prop.Value))
		if err != nil {
			warnf("invalid SEQUENCE %q", prop.Value)
		} else {
			ev.Sequence = seq
		}
	}
	if prop := ve.GetProperty(ical.ComponentPropertyDtstamp); prop != nil {
		if stamp, _, err := p.resolveTime(prop, warnf); err == nil {
			ev.DTStamp = stamp
		} else {
			warnf("invalid DTSTAMP %q", prop.Value)
		}
	}
	if prop := ve.GetProperty(ical.ComponentPropertyStatus); prop != nil {
		ev.Status = strings.ToUpper(strings.TrimSpace(prop.Value))
		ev.Cancelled = ev.Status == string(ical.ObjectStatusCancelled)
	}

	for _, prop := range ve.Properties {
		if knownProperties[prop.IANAToken] {
			continue
		}
		op := models.Property{Name: prop.IANAToken, Value: prop.Value}
		if len(prop.ICalParameters) > 0 {
			op.Params = make(map[string][]string, len(prop.ICalParameters))
			for k, v := range prop.ICalParameters {
				op.Params[k] = append([]string(nil), v...)
			}
		}
		ev.Properties = append(ev.Properties, op)
	}

	return ev, nil
}

// resolveTime reads a DATE or DATE-TIME property. DATE values become midnight
// UTC; floating DATE-TIMEs use the parser's location.
func (p *Parser) resolveTime(prop *ical.IANAProperty, warnf func(string, ...any)) (time.Time, bool, error) {
	value := strings.TrimSpace(prop.Value)

	isDate := len(value) == 8
	if v, ok := prop.ICalParameters[string(ical.ParameterValue)]; ok && len(v) > 0 {
		isDate = isDate || strings.EqualFold(v[0], string(ical.ValueDataTypeDate))
	}
	if isDate {
		if len(value) < 8 {
			return time.Time{}, true, fmt.Errorf("date value %q too short", value)
		}
		t, err := time.ParseInLocation("20060102", value[:8], time.UTC)
		return t, true, err
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.ParseInLocation("20060102T150405Z", value, time.UTC)
		return t, false, err
	}

	loc := p.location
	if tz, ok := prop.ICalParameters[string(ical.ParameterTzid)]; ok && len(tz) > 0 {
		name := strings.Trim(tz[0], `"`)
		if l, err := time.LoadLocation(name); err == nil {
			loc = l
		} else {
			warnf("unknown TZID %q, using %s", name, p.location)
		}
	}
	t, err := time.ParseInLocation("20060102T150405", value, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration reads an RFC 5545 dur-value. Day and week parts are returned
// separately so they follow calendar days rather than fixed 24h spans.
func parseDuration(value string) (int, time.Duration, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	m := durationPattern.FindStringSubmatch(value)
	if m == nil || value == "P" || value == "PT" || strings.HasSuffix(value, "T") {
		return 0, 0, fmt.Errorf("malformed duration %q", value)
	}

	num := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	days := num(m[2])*7 + num(m[3])
	d := time.Duration(num(m[4]))*time.Hour +
		time.Duration(num(m[5]))*time.Minute +
		time.Duration(num(m[6]))*time.Second

	if m[1] == "-" {
		return -days, -d, nil
	}
	return days, d, nil
}

// FilterByDateRange returns events that overlap with the given date range.
func FilterByDateRange(events []models.Event, start, end time.Time) []models.Event {
	var filtered []models.Event
	for _, e := range events {
		if e.Overlaps(start, end) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// SortEvents orders parsed events by start time, then UID.
func SortEvents(events []ParsedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].UID < events[j].UID
	})
}
