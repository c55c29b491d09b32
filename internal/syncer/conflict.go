// Package syncer reconciles parsed feeds into canonical events and drives sync runs.
package syncer

import (
	"fmt"
	"sort"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// TieBreakPolicy decides conflicts between events of equal source priority.
type TieBreakPolicy string

// TieBreakPolicy constants
const (
	// TieBreakNewestDTStamp lets the event with the later DTSTAMP win; equal stamps keep the existing one.
	TieBreakNewestDTStamp TieBreakPolicy = "newest_dtstamp"
	// TieBreakKeepExisting always keeps the event that already owns the dates.
	TieBreakKeepExisting TieBreakPolicy = "keep_existing"
)

// ParseTieBreakPolicy validates a configured policy name. Empty means the default.
func ParseTieBreakPolicy(s string) (TieBreakPolicy, error) {
	switch TieBreakPolicy(s) {
	case "":
		return TieBreakNewestDTStamp, nil
	case TieBreakNewestDTStamp, TieBreakKeepExisting:
		return TieBreakPolicy(s), nil
	}
	return "", fmt.Errorf("unknown tie-break policy %q", s)
}

// decide reports whether challenger displaces incumbent, with the conflict reason.
func (p TieBreakPolicy) decide(challenger, incumbent *models.Event) (bool, string) {
	if challenger.SourcePriority != incumbent.SourcePriority {
		return challenger.SourcePriority < incumbent.SourcePriority, models.ConflictReasonPriority
	}
	if p == TieBreakKeepExisting {
		return false, models.ConflictReasonTieKeepExisting
	}
	return challenger.DTStamp.After(incumbent.DTStamp), models.ConflictReasonTieNewestDTStamp
}

// overlapping returns the events in candidates that intersect e.
func overlapping(e *models.Event, candidates []*models.Event) []*models.Event {
	var out []*models.Event
	for _, c := range candidates {
		if c != e && c.Overlaps(e.Start, e.End) {
			out = append(out, c)
		}
	}
	return out
}

// byPriority orders events by source priority, then start, then id.
func byPriority(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.SourcePriority != b.SourcePriority {
			return a.SourcePriority < b.SourcePriority
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
}
