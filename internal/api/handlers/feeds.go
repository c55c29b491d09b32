package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-sync/backend/internal/api/middleware"
	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/storage"
	"github.com/calendar-sync/backend/internal/storage/models"
)

// SyncTrigger starts background property syncs and keeps their schedules current.
type SyncTrigger interface {
	TriggerProperty(propertyID string)
	Refresh(ctx context.Context) error
	GetNextRun(propertyID string) *time.Time
}

// Feed request/response types

type FeedRequest struct {
	TenantID        string `json:"tenant_id"`
	PropertyID      string `json:"property_id"`
	UnitID          string `json:"unit_id"`
	Name            string `json:"name"`
	Platform        string `json:"platform"`
	Priority        int    `json:"priority"`
	URL             string `json:"url"`
	PollIntervalMin int    `json:"poll_interval_min"`
	Active          *bool  `json:"active"`
}

type FeedResponse struct {
	models.Feed
	NextSyncAt *time.Time `json:"next_sync_at,omitempty"`
}

func feedResponse(f models.Feed, sched SyncTrigger) FeedResponse {
	f.URL = calendar.RedactURL(f.URL)
	resp := FeedResponse{Feed: f}
	if sched != nil && f.Active {
		resp.NextSyncAt = sched.GetNextRun(f.PropertyID)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func validFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return true
	}
	return false
}

func refreshSchedules(ctx context.Context, sched SyncTrigger) {
	if sched == nil {
		return
	}
	if err := sched.Refresh(ctx); err != nil {
		slog.Warn("refreshing sync schedules", "error", err)
	}
}

// ListFeeds returns all feeds, optionally filtered by ?property_id=.
func ListFeeds(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feeds, err := store.Feeds.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feeds")
			return
		}

		propertyID := r.URL.Query().Get("property_id")
		response := []FeedResponse{}
		for _, f := range feeds {
			if propertyID != "" && f.PropertyID != propertyID {
				continue
			}
			response = append(response, feedResponse(f, sched))
		}

		writeJSON(w, http.StatusOK, response)
	}
}

// CreateFeed adds a new feed.
func CreateFeed(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		if req.PropertyID == "" || req.UnitID == "" || req.URL == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "property_id, unit_id and url are required")
			return
		}
		if !validFeedURL(req.URL) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "url must be an http(s) URL")
			return
		}
		platform, ok := models.ParsePlatform(req.Platform)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Unknown platform: "+req.Platform)
			return
		}

		if req.PollIntervalMin < 5 {
			req.PollIntervalMin = 15
		}
		if req.Priority <= 0 {
			req.Priority = 100
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}

		feed := models.Feed{
			TenantID:        req.TenantID,
			PropertyID:      req.PropertyID,
			UnitID:          req.UnitID,
			Name:            req.Name,
			Platform:        platform,
			Priority:        req.Priority,
			URL:             req.URL,
			PollIntervalMin: req.PollIntervalMin,
			Active:          active,
		}
		if err := store.Feeds.Create(r.Context(), &feed); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create feed")
			return
		}

		refreshSchedules(r.Context(), sched)
		writeJSON(w, http.StatusCreated, feedResponse(feed, sched))
	}
}

// GetFeed returns a single feed by ID.
func GetFeed(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feed, err := store.Feeds.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feed")
			return
		}
		if feed == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
			return
		}

		writeJSON(w, http.StatusOK, feedResponse(*feed, sched))
	}
}

// UpdateFeed changes a feed's configuration. Omitted fields keep their values.
func UpdateFeed(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		feed, err := store.Feeds.GetByID(ctx, mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feed")
			return
		}
		if feed == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
			return
		}

		var req FeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		if req.Platform != "" {
			platform, ok := models.ParsePlatform(req.Platform)
			if !ok {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Unknown platform: "+req.Platform)
				return
			}
			feed.Platform = platform
		}
		if req.URL != "" {
			if !validFeedURL(req.URL) {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "url must be an http(s) URL")
				return
			}
			feed.URL = req.URL
		}
		if req.TenantID != "" {
			feed.TenantID = req.TenantID
		}
		if req.PropertyID != "" {
			feed.PropertyID = req.PropertyID
		}
		if req.UnitID != "" {
			feed.UnitID = req.UnitID
		}
		if req.Name != "" {
			feed.Name = req.Name
		}
		if req.Priority > 0 {
			feed.Priority = req.Priority
		}
		if req.PollIntervalMin >= 5 {
			feed.PollIntervalMin = req.PollIntervalMin
		}
		if req.Active != nil {
			feed.Active = *req.Active
		}

		if err := store.Feeds.Update(ctx, feed); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update feed")
			return
		}

		refreshSchedules(ctx, sched)
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteFeed deactivates a feed. Its events and logs are kept.
func DeleteFeed(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		feed, err := store.Feeds.GetByID(ctx, id)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feed")
			return
		}
		if feed == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
			return
		}

		if err := store.Feeds.Deactivate(ctx, id); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to deactivate feed")
			return
		}

		refreshSchedules(ctx, sched)
		w.WriteHeader(http.StatusNoContent)
	}
}

// SyncFeed triggers a background sync of the property that owns the feed.
func SyncFeed(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feed, err := store.Feeds.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feed")
			return
		}
		if feed == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
			return
		}
		if !feed.Active {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Feed is not active")
			return
		}

		if sched == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrInternalError, "Sync scheduler is not running")
			return
		}
		sched.TriggerProperty(feed.PropertyID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "syncing", "property_id": feed.PropertyID})
	}
}

// SyncProperty triggers a background sync of every active feed of a property.
func SyncProperty(store *storage.Store, sched SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		feeds, err := store.ListActiveFeeds(r.Context(), id)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feeds")
			return
		}
		if len(feeds) == 0 {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Property has no active feeds")
			return
		}

		if sched == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrInternalError, "Sync scheduler is not running")
			return
		}
		sched.TriggerProperty(id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "syncing", "property_id": id})
	}
}

// FeedLogs returns a feed's most recent sync runs, newest first.
func FeedLogs(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)

		logs, err := store.SyncLogs.ListByFeed(r.Context(), mux.Vars(r)["id"], limit)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query sync logs")
			return
		}
		if logs == nil {
			logs = []models.SyncLog{}
		}

		writeJSON(w, http.StatusOK, logs)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
