package calendar

import (
	"bytes"
	"strings"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// minDetectionConfidence is the score a detection needs before it overrides a generic feed.
const minDetectionConfidence = 90

// Detection is the platform guessed from a feed body.
type Detection struct {
	Platform   models.Platform `json:"platform"`
	Confidence int             `json:"confidence"`
}

var platformMarkers = []struct {
	platform   models.Platform
	confidence int
	markers    []string
}{
	{models.PlatformAirbnb, 99, []string{"@airbnb.com", "airbnb.com/hosting"}},
	{models.PlatformBooking, 95, []string{"@booking.com", "booking.com//"}},
	{models.PlatformVRBO, 95, []string{"@vrbo.com", "X-VRBO"}},
	{models.PlatformMotoPress, 98, []string{"MotoPress", "X-MOTOPRESS"}},
}

// DetectPlatform guesses the platform that produced a feed from markers in its body.
func DetectPlatform(content []byte) Detection {
	for _, pm := range platformMarkers {
		for _, m := range pm.markers {
			if bytes.Contains(content, []byte(m)) {
				return Detection{Platform: pm.platform, Confidence: pm.confidence}
			}
		}
	}
	return Detection{Platform: models.PlatformGeneric, Confidence: 50}
}

var (
	reservationKeywords = []string{"reserved", "booking", "reservation"}
	maintenanceKeywords = []string{"maintenance", "repair", "cleaning"}
	blockKeywords       = []string{"blocked", "not available", "unavailable", "closed", "hold"}
)

// Classify assigns an event type from the summary and extracted guest info.
// Anything unrecognised is a block so the dates stay unavailable.
func Classify(summary string, guest GuestInfo) models.EventType {
	s := strings.ToLower(summary)

	switch {
	case containsAny(s, blockKeywords) && !containsAny(s, reservationKeywords):
		return models.EventTypeBlock
	case containsAny(s, reservationKeywords), guest.ReservationCode != "":
		return models.EventTypeReservation
	case containsAny(s, maintenanceKeywords):
		return models.EventTypeMaintenance
	case guest.Name != "":
		return models.EventTypeReservation
	}
	return models.EventTypeBlock
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
