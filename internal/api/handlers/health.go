// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"net/http"
	"time"

	"github.com/calendar-sync/backend/internal/api/middleware"
	"github.com/calendar-sync/backend/internal/storage"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.PingContext(r.Context()) == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{Status: status, DBConnected: dbConnected})
	}
}

// PropertyStatus is the schedule of one property.
type PropertyStatus struct {
	PropertyID   string     `json:"property_id"`
	ActiveFeeds  int        `json:"active_feeds"`
	FailingFeeds int        `json:"failing_feeds"`
	NextSyncAt   *time.Time `json:"next_sync_at,omitempty"`
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	FeedsCount   int              `json:"feeds_count"`
	ActiveFeeds  int              `json:"active_feeds"`
	FailingFeeds int              `json:"failing_feeds"`
	Properties   []PropertyStatus `json:"properties"`
}

// Status returns feed counts and the next scheduled sync of each property.
func Status(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feeds, err := store.Feeds.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feeds")
			return
		}

		response := StatusResponse{FeedsCount: len(feeds), Properties: []PropertyStatus{}}
		index := make(map[string]int)
		for _, f := range feeds {
			if !f.Active {
				continue
			}
			response.ActiveFeeds++

			i, ok := index[f.PropertyID]
			if !ok {
				i = len(response.Properties)
				index[f.PropertyID] = i
				ps := PropertyStatus{PropertyID: f.PropertyID}
				if sched != nil {
					ps.NextSyncAt = sched.GetNextRun(f.PropertyID)
				}
				response.Properties = append(response.Properties, ps)
			}
			response.Properties[i].ActiveFeeds++
			if f.ConsecutiveFailures > 0 {
				response.FailingFeeds++
				response.Properties[i].FailingFeeds++
			}
		}

		writeJSON(w, http.StatusOK, response)
	}
}
