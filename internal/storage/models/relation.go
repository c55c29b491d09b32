package models

import "time"

// UnitRelation links a parent unit to a child unit it contains. Bookings on
// the parent block the child inside the optional availability window.
type UnitRelation struct {
	ParentUnitID   string     `json:"parent_unit_id"`
	ParentName     string     `json:"parent_name,omitempty"`
	ChildUnitID    string     `json:"child_unit_id"`
	AvailableFrom  *time.Time `json:"available_from,omitempty"`
	AvailableUntil *time.Time `json:"available_until,omitempty"`
}

// Window clips [start, end) to the relation's availability window.
func (r UnitRelation) Window(start, end time.Time) (time.Time, time.Time, bool) {
	if r.AvailableFrom != nil && r.AvailableFrom.After(start) {
		start = *r.AvailableFrom
	}
	if r.AvailableUntil != nil && r.AvailableUntil.Before(end) {
		end = *r.AvailableUntil
	}
	return start, end, start.Before(end)
}
