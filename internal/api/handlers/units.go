package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-sync/backend/internal/api/middleware"
	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/storage"
	"github.com/calendar-sync/backend/internal/storage/models"
)

// UnitExporter renders a unit's calendar. An empty profile selects the
// exporter's configured default.
type UnitExporter interface {
	ExportUnit(ctx context.Context, unitID string) ([]byte, error)
	ExportUnitProfile(ctx context.Context, unitID string, profile calendar.ExportProfile) ([]byte, error)
}

// parseBound reads a date (2006-01-02) or RFC 3339 timestamp query parameter.
func parseBound(r *http.Request, key string) (time.Time, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s must be YYYY-MM-DD or RFC 3339", key)
	}
	return t, true, nil
}

// UnitEvents returns a unit's canonical events. ?status= selects active
// (default), superseded, cancelled or all; ?from= and ?to= keep events
// overlapping the range.
func UnitEvents(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "":
			status = models.EventStatusActive
		case "all":
			status = ""
		case models.EventStatusActive, models.EventStatusSuperseded, models.EventStatusCancelled:
		default:
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Unknown status: "+status)
			return
		}

		from, hasFrom, err := parseBound(r, "from")
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}
		to, hasTo, err := parseBound(r, "to")
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		events, err := store.Events.ListByUnit(r.Context(), mux.Vars(r)["id"], status)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query events")
			return
		}

		if hasFrom || hasTo {
			if !hasFrom {
				from = time.Unix(0, 0).UTC()
			}
			if !hasTo {
				to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
			}
			events = calendar.FilterByDateRange(events, from, to)
		}
		if events == nil {
			events = []models.Event{}
		}

		writeJSON(w, http.StatusOK, events)
	}
}

// UnitConflicts returns a unit's conflict records, newest first.
func UnitConflicts(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflicts, err := store.Conflicts.ListByUnit(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 100))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query conflicts")
			return
		}
		if conflicts == nil {
			conflicts = []models.Conflict{}
		}

		writeJSON(w, http.StatusOK, conflicts)
	}
}

// UnitCalendar serves a unit's active events as an iCalendar feed.
// ?platform= (airbnb, booking, generic) selects the export profile.
func UnitCalendar(exporter UnitExporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unitID := mux.Vars(r)["id"]

		var (
			data []byte
			err  error
		)
		if p := r.URL.Query().Get("platform"); p != "" {
			profile, perr := calendar.ParseExportProfile(p)
			if perr != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, perr.Error())
				return
			}
			data, err = exporter.ExportUnitProfile(r.Context(), unitID, profile)
		} else {
			data, err = exporter.ExportUnit(r.Context(), unitID)
		}
		if err != nil {
			slog.Error("exporting unit calendar", "unit_id", unitID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to export calendar")
			return
		}

		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.ics"`, unitID))
		w.Write(data)
	}
}
