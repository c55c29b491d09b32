package calendar

import (
	"regexp"
	"strings"
	"sync"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// Extractor pulls guest metadata out of a platform's SUMMARY and DESCRIPTION
// conventions. Extractors never fail; fields they cannot find stay empty.
type Extractor interface {
	Extract(summary, description string) GuestInfo
}

// ExtractorFunc adapts an ordinary function to the Extractor interface.
type ExtractorFunc func(summary, description string) GuestInfo

// Extract calls f(summary, description).
func (f ExtractorFunc) Extract(summary, description string) GuestInfo {
	return f(summary, description)
}

var (
	extractorsMu sync.RWMutex
	extractors   = map[models.Platform]Extractor{
		models.PlatformAirbnb:    ExtractorFunc(extractAirbnb),
		models.PlatformBooking:   ExtractorFunc(extractBooking),
		models.PlatformVRBO:      ExtractorFunc(extractVRBO),
		models.PlatformMotoPress: ExtractorFunc(extractMotoPress),
		models.PlatformGeneric:   ExtractorFunc(extractGeneric),
	}
	noopExtractor = ExtractorFunc(func(string, string) GuestInfo { return GuestInfo{} })
)

// RegisterExtractor installs or replaces the extractor for a platform.
func RegisterExtractor(p models.Platform, e Extractor) {
	extractorsMu.Lock()
	defer extractorsMu.Unlock()
	extractors[p] = e
}

// ExtractorFor returns the platform's extractor, or one that extracts nothing.
func ExtractorFor(p models.Platform) Extractor {
	extractorsMu.RLock()
	defer extractorsMu.RUnlock()
	if e, ok := extractors[p]; ok {
		return e
	}
	return noopExtractor
}

var (
	// Airbnb writes "Phone Number (Last 4 Digits): 1234"; older exports drop the parentheses.
	phoneLast4Pattern = regexp.MustCompile(`(?i)\(?Last 4 Digits\)?:\s*(\d{4})`)
	phonePattern      = regexp.MustCompile(`(?i)\b(?:Phone|Tel|Mobile)\b[: \t]*([+\d \t().-]{4,})`)
	guestLinePattern  = regexp.MustCompile(`(?im)^\s*Guest(?:\s+name)?:\s*(.+?)\s*$`)
	nameLinePattern   = regexp.MustCompile(`(?im)^\s*(?:Guest|Name):\s*(.+?)\s*$`)

	airbnbCodePattern    = regexp.MustCompile(`\bHM[A-Z0-9]{8}\b`)
	airbnbSummaryPattern = regexp.MustCompile(`^(.+?)\s*\(HM[A-Z0-9]{8}\)\s*$`)

	bookingSummaryPattern = regexp.MustCompile(`^(.+?)\s*-\s*Booking`)
	bookingRefPattern     = regexp.MustCompile(`Booking Reference:\s*(\w+)`)
	bookingNumberPattern  = regexp.MustCompile(`\b\d{10,}\b`)

	vrboSummaryPattern = regexp.MustCompile(`(?i)^Reserved\s*-\s*(.+?)\s*$`)
	vrboCodePattern    = regexp.MustCompile(`\bHA-[A-Za-z0-9]+\b`)

	motopressSummaryPattern = regexp.MustCompile(`^(.+?)\s*\(#(\d+)\)`)
	motopressIDPattern      = regexp.MustCompile(`(?i)Booking ID:\s*#?(\d+)`)

	genericCodePattern = regexp.MustCompile(`(?i)(?:Reservation|Confirmation)(?:\s+(?:code|number|no\.?|id))?\s*[:#][\s:#]*([A-Z0-9]{8,})\b`)
)

func extractAirbnb(summary, description string) GuestInfo {
	var info GuestInfo

	if code := airbnbCodePattern.FindString(description); code != "" {
		info.ReservationCode = code
	} else if code := airbnbCodePattern.FindString(summary); code != "" {
		info.ReservationCode = code
	}

	if m := phoneLast4Pattern.FindStringSubmatch(description); m != nil {
		info.PhoneLast4 = m[1]
	}

	if m := guestLinePattern.FindStringSubmatch(description); m != nil {
		info.Name = m[1]
	} else if m := airbnbSummaryPattern.FindStringSubmatch(summary); m != nil {
		info.Name = strings.TrimSpace(m[1])
	}

	return info
}

func extractBooking(summary, description string) GuestInfo {
	var info GuestInfo

	if m := bookingSummaryPattern.FindStringSubmatch(summary); m != nil {
		name := strings.TrimSpace(m[1])
		if !isPlaceholderName(name) {
			info.Name = name
		}
	}
	if m := bookingRefPattern.FindStringSubmatch(description); m != nil {
		info.ReservationCode = m[1]
	} else if n := bookingNumberPattern.FindString(description); n != "" {
		info.ReservationCode = n
	}
	info.PhoneLast4 = extractPhoneLast4(description)

	return info
}

func extractVRBO(summary, description string) GuestInfo {
	var info GuestInfo

	if m := vrboSummaryPattern.FindStringSubmatch(summary); m != nil {
		info.Name = m[1]
	}
	if code := vrboCodePattern.FindString(description); code != "" {
		info.ReservationCode = code
	} else if code := vrboCodePattern.FindString(summary); code != "" {
		info.ReservationCode = code
	}
	info.PhoneLast4 = extractPhoneLast4(description)

	return info
}

// vrboReservationFromUID reads the reservation id VRBO encodes as the second
// dash-separated part of the UID.
func vrboReservationFromUID(uid string) string {
	local, _, _ := strings.Cut(uid, "@")
	parts := strings.Split(local, "-")
	if len(parts) < 2 || parts[1] == "" {
		return ""
	}
	return parts[1]
}

func extractMotoPress(summary, description string) GuestInfo {
	var info GuestInfo

	if m := motopressSummaryPattern.FindStringSubmatch(summary); m != nil {
		info.Name = strings.TrimSpace(m[1])
		info.ReservationCode = m[2]
	}
	if info.Name == "" {
		if m := guestLinePattern.FindStringSubmatch(description); m != nil {
			info.Name = m[1]
		}
	}
	if info.ReservationCode == "" {
		if m := motopressIDPattern.FindStringSubmatch(description); m != nil {
			info.ReservationCode = m[1]
		}
	}
	info.PhoneLast4 = extractPhoneLast4(description)

	return info
}

func extractGeneric(_, description string) GuestInfo {
	var info GuestInfo

	if m := nameLinePattern.FindStringSubmatch(description); m != nil {
		info.Name = m[1]
	}
	if m := genericCodePattern.FindStringSubmatch(description); m != nil {
		info.ReservationCode = strings.ToUpper(m[1])
	}
	info.PhoneLast4 = extractPhoneLast4(description)

	return info
}

// extractPhoneLast4 prefers an explicit "Last 4 Digits" label and falls back
// to the last four digits of a labelled phone number.
func extractPhoneLast4(description string) string {
	if m := phoneLast4Pattern.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	m := phonePattern.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	var digits []byte
	for i := 0; i < len(m[1]); i++ {
		if c := m[1][i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 4 {
		return ""
	}
	return string(digits[len(digits)-4:])
}

func isPlaceholderName(name string) bool {
	switch strings.ToLower(name) {
	case "closed", "not available", "blocked", "unavailable":
		return true
	}
	return false
}

// NormalizeName folds a guest name for duplicate detection.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
