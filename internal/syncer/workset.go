package syncer

import (
	"time"

	"github.com/google/uuid"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// workset is an in-memory copy of the canonical events a plan may touch.
// Plans mutate the copies and workset turns the difference into a WriteSet.
type workset struct {
	events    []*models.Event
	byID      map[string]*models.Event
	byKey     map[string]*models.Event
	dirty     map[string]bool
	inserted  map[string]bool
	conflicts []models.Conflict
	newID     func() string
}

func newWorkset(existing []models.Event, newID func() string) *workset {
	if newID == nil {
		newID = uuid.NewString
	}
	ws := &workset{
		byID:     make(map[string]*models.Event, len(existing)),
		byKey:    make(map[string]*models.Event, len(existing)),
		dirty:    make(map[string]bool),
		inserted: make(map[string]bool),
		newID:    newID,
	}
	for i := range existing {
		e := existing[i]
		e.Properties = append([]models.Property(nil), e.Properties...)
		ws.index(&e)
	}
	return ws
}

func eventKey(unitID string, source models.Platform, externalUID string) string {
	return unitID + "\x00" + string(source) + "\x00" + externalUID
}

func (w *workset) index(e *models.Event) {
	w.events = append(w.events, e)
	w.byID[e.ID] = e
	w.byKey[eventKey(e.UnitID, e.Source, e.ExternalUID)] = e
}

func (w *workset) lookup(unitID string, source models.Platform, externalUID string) *models.Event {
	return w.byKey[eventKey(unitID, source, externalUID)]
}

// add registers a new event; it is written as an insert.
func (w *workset) add(e *models.Event) {
	if e.ID == "" {
		e.ID = w.newID()
	}
	w.index(e)
	w.inserted[e.ID] = true
}

// touch marks an existing event as changed.
func (w *workset) touch(e *models.Event) {
	w.dirty[e.ID] = true
}

func (w *workset) conflict(unitID, winnerID, loserID, reason string, at time.Time) {
	w.conflicts = append(w.conflicts, models.Conflict{
		ID:             w.newID(),
		UnitID:         unitID,
		WinningEventID: winnerID,
		LosingEventID:  loserID,
		Reason:         reason,
		DetectedAt:     at,
	})
}

// active returns the active, feed-sourced events on a unit, excluding skip.
func (w *workset) active(unitID string, skip *models.Event) []*models.Event {
	var out []*models.Event
	for _, e := range w.events {
		if e == skip || e.UnitID != unitID || !e.IsActive() || e.SystemGenerated {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (w *workset) hasActiveOverlap(e *models.Event) bool {
	return len(overlapping(e, w.active(e.UnitID, e))) > 0
}

// restore promotes superseded events overlapping [start, end) on a unit when
// nothing active covers them any more. Higher priority events go first.
func (w *workset) restore(unitID string, start, end time.Time) int {
	var candidates []*models.Event
	for _, e := range w.events {
		if e.UnitID == unitID && e.Status == models.EventStatusSuperseded && !e.SystemGenerated && e.Overlaps(start, end) {
			candidates = append(candidates, e)
		}
	}
	byPriority(candidates)

	restored := 0
	for _, e := range candidates {
		if w.hasActiveOverlap(e) {
			continue
		}
		e.Status = models.EventStatusActive
		w.touch(e)
		restored++
	}
	return restored
}

// writeSet returns inserts and updates in load order, followed by conflicts.
func (w *workset) writeSet() models.WriteSet {
	var ws models.WriteSet
	for _, e := range w.events {
		switch {
		case w.inserted[e.ID]:
			ws.Inserts = append(ws.Inserts, *e)
		case w.dirty[e.ID]:
			ws.Updates = append(ws.Updates, *e)
		}
	}
	ws.Conflicts = append(ws.Conflicts, w.conflicts...)
	return ws
}
