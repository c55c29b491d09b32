package syncer

import (
	"time"

	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/storage/models"
)

// Plan is the result of reconciling one feed: the writes to apply and what they mean.
type Plan struct {
	WriteSet models.WriteSet
	Counts   models.SyncCounts
	Imported int
}

// Reconciler turns a feed's parsed events into canonical event writes.
// It performs no I/O; the caller loads existing events and applies the plan.
type Reconciler struct {
	tieBreak TieBreakPolicy
	newID    func() string
}

// NewReconciler creates a reconciler using policy for equal-priority conflicts.
func NewReconciler(policy TieBreakPolicy) *Reconciler {
	if policy == "" {
		policy = TieBreakNewestDTStamp
	}
	return &Reconciler{tieBreak: policy}
}

// Plan reconciles parsed against existing, the current events of the feed's unit.
// now is the fetch time; only events ending after it are cancelled for absence.
func (r *Reconciler) Plan(feed models.Feed, parsed *calendar.Feed, existing []models.Event, now time.Time) *Plan {
	ws := newWorkset(existing, r.newID)
	plan := &Plan{}

	plan.Counts.Failed = len(parsed.Errors())

	events := parsed.Events()
	calendar.SortEvents(events)
	plan.Imported = len(events)

	for i := range events {
		r.apply(ws, feed, &events[i], now, &plan.Counts)
	}

	if parsed.Complete() {
		r.cancelMissing(ws, feed, parsed.UIDs(), now, &plan.Counts)
	}

	plan.WriteSet = ws.writeSet()
	return plan
}

func (r *Reconciler) apply(ws *workset, feed models.Feed, pe *calendar.ParsedEvent, now time.Time, counts *models.SyncCounts) {
	existing := ws.lookup(feed.UnitID, feed.Platform, pe.UID)
	hash := pe.Fingerprint()

	if pe.Cancelled {
		if existing == nil || existing.Status == models.EventStatusCancelled {
			counts.Skipped++
			return
		}
		wasActive := existing.IsActive()
		existing.Status = models.EventStatusCancelled
		existing.Sequence = pe.Sequence
		existing.DTStamp = pe.DTStamp
		existing.ContentHash = hash
		ws.touch(existing)
		counts.Cancelled++
		if wasActive {
			counts.Restored += ws.restore(existing.UnitID, existing.Start, existing.End)
		}
		return
	}

	var (
		e                *models.Event
		wasActive        bool
		oldStart, oldEnd time.Time
	)

	if existing != nil {
		revived := existing.Status == models.EventStatusCancelled
		if !revived && (!isNewer(pe, existing) || existing.ContentHash == hash) {
			counts.Skipped++
			return
		}
		e = existing
		wasActive = e.IsActive()
		oldStart, oldEnd = e.Start, e.End
		counts.Updated++
	} else {
		if dup := r.duplicateOf(ws, feed, pe); dup != nil {
			counts.Merged++
			return
		}
		e = &models.Event{
			TenantID:    feed.TenantID,
			PropertyID:  feed.PropertyID,
			UnitID:      feed.UnitID,
			FeedID:      feed.ID,
			Source:      feed.Platform,
			ExternalUID: pe.UID,
		}
		ws.add(e)
		counts.Created++
	}

	fill(e, feed, pe, hash)
	ws.touch(e)
	r.resolve(ws, e, now, counts)

	if wasActive && (!e.IsActive() || e.Start.After(oldStart) || e.End.Before(oldEnd)) {
		counts.Restored += ws.restore(e.UnitID, oldStart, oldEnd)
	}
}

// isNewer compares (SEQUENCE, DTSTAMP) lexicographically.
func isNewer(pe *calendar.ParsedEvent, e *models.Event) bool {
	if pe.Sequence != e.Sequence {
		return pe.Sequence > e.Sequence
	}
	return pe.DTStamp.After(e.DTStamp)
}

func fill(e *models.Event, feed models.Feed, pe *calendar.ParsedEvent, hash string) {
	e.SourcePriority = feed.Priority
	e.Type = pe.Type
	e.Summary = pe.Summary
	e.Description = pe.Description
	e.Start = pe.Start
	e.End = pe.End
	e.AllDay = pe.AllDay
	e.GuestName = pe.Guest.Name
	e.ReservationCode = pe.Guest.ReservationCode
	e.PhoneLast4 = pe.Guest.PhoneLast4
	e.Sequence = pe.Sequence
	e.DTStamp = pe.DTStamp
	e.ContentHash = hash
	e.MatchedWithICS = true
	e.Properties = pe.Properties
}

// resolve settles e against the active events it overlaps. e either wins
// against all of them, superseding each, or loses to the first that beats it.
func (r *Reconciler) resolve(ws *workset, e *models.Event, now time.Time, counts *models.SyncCounts) {
	overlaps := overlapping(e, ws.active(e.UnitID, e))
	byPriority(overlaps)

	for _, rival := range overlaps {
		if wins, reason := r.tieBreak.decide(e, rival); !wins {
			e.Status = models.EventStatusSuperseded
			ws.conflict(e.UnitID, rival.ID, e.ID, reason, now)
			counts.Conflicts++
			return
		}
	}

	e.Status = models.EventStatusActive
	for _, rival := range overlaps {
		_, reason := r.tieBreak.decide(e, rival)
		rival.Status = models.EventStatusSuperseded
		ws.touch(rival)
		ws.conflict(e.UnitID, e.ID, rival.ID, reason, now)
		counts.Conflicts++
	}
	for _, rival := range overlaps {
		counts.Restored += ws.restore(rival.UnitID, rival.Start, rival.End)
	}
}

// duplicateOf finds an active event from another feed of the same platform
// describing the same stay.
func (r *Reconciler) duplicateOf(ws *workset, feed models.Feed, pe *calendar.ParsedEvent) *models.Event {
	name := calendar.NormalizeName(pe.Guest.Name)
	for _, e := range ws.active(feed.UnitID, nil) {
		if e.Source != feed.Platform || e.FeedID == feed.ID {
			continue
		}
		if e.Start.Equal(pe.Start) && e.End.Equal(pe.End) && calendar.NormalizeName(e.GuestName) == name {
			return e
		}
	}
	return nil
}

// cancelMissing cancels this feed's current and future events whose UID no
// longer appears in the feed.
func (r *Reconciler) cancelMissing(ws *workset, feed models.Feed, seen map[string]bool, now time.Time, counts *models.SyncCounts) {
	for _, e := range ws.events {
		if e.FeedID != feed.ID || e.SystemGenerated || e.Status == models.EventStatusCancelled {
			continue
		}
		if seen[e.ExternalUID] || !e.End.After(now) {
			continue
		}
		wasActive := e.IsActive()
		e.Status = models.EventStatusCancelled
		ws.touch(e)
		counts.Cancelled++
		if wasActive {
			counts.Restored += ws.restore(e.UnitID, e.Start, e.End)
		}
	}
}
