package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// PropagationPlan is the set of mirror writes for one property.
type PropagationPlan struct {
	WriteSet models.WriteSet
	Counts   models.SyncCounts
}

// Propagator mirrors blocking parent-unit events onto child units.
type Propagator struct {
	newID func() string
}

// NewPropagator creates a propagator.
func NewPropagator() *Propagator {
	return &Propagator{}
}

// Plan diffs the mirrors relations require against the mirrors in events.
// relations must list parents before the children that are themselves
// parents, so mirrors created for a child are seen when its own children are
// processed.
func (p *Propagator) Plan(relations []models.UnitRelation, events []models.Event, now time.Time) *PropagationPlan {
	ws := newWorkset(events, p.newID)
	plan := &PropagationPlan{}
	wanted := make(map[string]bool)
	finalized := make(map[string]bool)

	// retract cancels a unit's mirrors nothing asked for. It runs before the
	// unit is read as a parent so stale mirrors never cascade.
	retract := func(unitID string) {
		if finalized[unitID] {
			return
		}
		finalized[unitID] = true
		for _, e := range ws.events {
			if e.UnitID != unitID || !e.SystemGenerated || !e.IsActive() || wanted[e.ID] {
				continue
			}
			e.Status = models.EventStatusCancelled
			e.Sequence++
			e.DTStamp = now
			ws.touch(e)
			plan.Counts.Cancelled++
		}
	}

	for _, rel := range relations {
		retract(rel.ParentUnitID)
		for _, src := range p.sources(ws, rel.ParentUnitID) {
			start, end, ok := rel.Window(src.Start, src.End)
			if !ok {
				continue
			}

			mirror := ws.lookup(rel.ChildUnitID, models.PlatformSystem, src.ID)
			summary := mirrorSummary(rel)
			switch {
			case mirror == nil:
				parentID := src.ID
				mirror = &models.Event{
					TenantID:        src.TenantID,
					PropertyID:      src.PropertyID,
					UnitID:          rel.ChildUnitID,
					Source:          models.PlatformSystem,
					SourcePriority:  src.SourcePriority,
					ExternalUID:     src.ID,
					Type:            models.EventTypeParentBlock,
					Summary:         summary,
					Start:           start,
					End:             end,
					AllDay:          src.AllDay,
					Status:          models.EventStatusActive,
					DTStamp:         now,
					ParentEventID:   &parentID,
					SystemGenerated: true,
				}
				mirror.ContentHash = mirrorHash(mirror)
				ws.add(mirror)
				plan.Counts.Created++
				p.auditOverlaps(ws, mirror, now, &plan.Counts)
			case !mirror.IsActive() || !mirror.Start.Equal(start) || !mirror.End.Equal(end) ||
				mirror.Summary != summary || mirror.AllDay != src.AllDay:
				mirror.Status = models.EventStatusActive
				mirror.Start = start
				mirror.End = end
				mirror.Summary = summary
				mirror.AllDay = src.AllDay
				mirror.SourcePriority = src.SourcePriority
				mirror.Sequence++
				mirror.DTStamp = now
				mirror.ContentHash = mirrorHash(mirror)
				ws.touch(mirror)
				plan.Counts.Updated++
				p.auditOverlaps(ws, mirror, now, &plan.Counts)
			}
			wanted[mirror.ID] = true
		}
	}

	for _, e := range ws.events {
		if e.SystemGenerated {
			retract(e.UnitID)
		}
	}

	plan.WriteSet = ws.writeSet()
	return plan
}

// sources returns the active blocking events on a parent unit, mirrors included.
func (p *Propagator) sources(ws *workset, unitID string) []*models.Event {
	var out []*models.Event
	for _, e := range ws.events {
		if e.UnitID == unitID && e.IsActive() && e.Type.Blocking() {
			out = append(out, e)
		}
	}
	byPriority(out)
	return out
}

// auditOverlaps records a conflict for every active child event a mirror
// lands on. Both events stay active.
func (p *Propagator) auditOverlaps(ws *workset, mirror *models.Event, now time.Time, counts *models.SyncCounts) {
	for _, o := range overlapping(mirror, ws.active(mirror.UnitID, mirror)) {
		ws.conflict(mirror.UnitID, mirror.ID, o.ID, models.ConflictReasonParentBlockOverlap, now)
		counts.Conflicts++
	}
}

func mirrorSummary(rel models.UnitRelation) string {
	name := rel.ParentName
	if name == "" {
		name = rel.ParentUnitID
	}
	return fmt.Sprintf("Blocked by %s", name)
}

func mirrorHash(e *models.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%t|%s", e.Start.Unix(), e.End.Unix(), e.AllDay, e.Summary)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
