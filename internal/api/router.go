// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calendar-sync/backend/internal/api/handlers"
	"github.com/calendar-sync/backend/internal/api/middleware"
	"github.com/calendar-sync/backend/internal/storage"
)

// Services are the components the HTTP handlers work through.
// Scheduler and Gatherer may be nil.
type Services struct {
	Store     *storage.Store
	Scheduler handlers.SyncTrigger
	Exporter  handlers.UnitExporter
	Gatherer  prometheus.Gatherer
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(s.Store.DB())).Methods("GET")
	api.HandleFunc("/status", handlers.Status(s.Store, s.Scheduler)).Methods("GET")

	// Feed endpoints
	api.HandleFunc("/feeds", handlers.ListFeeds(s.Store, s.Scheduler)).Methods("GET")
	api.HandleFunc("/feeds", handlers.CreateFeed(s.Store, s.Scheduler)).Methods("POST")
	api.HandleFunc("/feeds/{id}", handlers.GetFeed(s.Store, s.Scheduler)).Methods("GET")
	api.HandleFunc("/feeds/{id}", handlers.UpdateFeed(s.Store, s.Scheduler)).Methods("PUT")
	api.HandleFunc("/feeds/{id}", handlers.DeleteFeed(s.Store, s.Scheduler)).Methods("DELETE")
	api.HandleFunc("/feeds/{id}/sync", handlers.SyncFeed(s.Store, s.Scheduler)).Methods("POST")
	api.HandleFunc("/feeds/{id}/logs", handlers.FeedLogs(s.Store)).Methods("GET")

	// Property endpoints
	api.HandleFunc("/properties/{id}/sync", handlers.SyncProperty(s.Store, s.Scheduler)).Methods("POST")

	// Unit endpoints
	api.HandleFunc("/units/{id}/events", handlers.UnitEvents(s.Store)).Methods("GET")
	api.HandleFunc("/units/{id}/conflicts", handlers.UnitConflicts(s.Store)).Methods("GET")
	api.HandleFunc("/units/{id}/calendar.ics", handlers.UnitCalendar(s.Exporter)).Methods("GET")

	return r
}
