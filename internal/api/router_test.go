package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calendar-sync/backend/internal/api/handlers"
	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/metrics"
	"github.com/calendar-sync/backend/internal/storage"
	"github.com/calendar-sync/backend/internal/storage/models"
)

type fakeScheduler struct {
	mu        sync.Mutex
	triggered []string
	refreshes int
}

func (f *fakeScheduler) TriggerProperty(propertyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, propertyID)
}

func (f *fakeScheduler) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeScheduler) GetNextRun(string) *time.Time {
	return nil
}

func (f *fakeScheduler) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggered...), f.refreshes
}

type testEnv struct {
	srv   *httptest.Server
	store *storage.Store
	sched *fakeScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	store := storage.NewStore(db)
	reg := prometheus.NewRegistry()
	metrics.NewSync(reg).ObserveProperty(time.Second)
	sched := &fakeScheduler{}

	srv := httptest.NewServer(NewRouter(Services{
		Store:     store,
		Scheduler: sched,
		Exporter:  calendar.NewExporter(store, calendar.ExportOptions{UnitNames: map[string]string{"unit-1": "Loft"}}),
		Gatherer:  reg,
	}))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[handlers.HealthResponse](t, resp); got.Status != "healthy" || !got.DBConnected {
		t.Errorf("health = %+v", got)
	}
}

func TestFeedLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/feeds", map[string]any{
		"property_id": "prop-1",
		"unit_id":     "unit-1",
		"platform":    "booking.com",
		"url":         "https://admin.booking.com/export/1.ics?t=secret-token",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[handlers.FeedResponse](t, resp)
	if created.Platform != models.PlatformBooking || created.Priority != 100 || !created.Active {
		t.Errorf("created = %+v", created)
	}
	if strings.Contains(created.URL, "secret-token") {
		t.Errorf("response leaks feed URL: %s", created.URL)
	}
	if _, refreshes := env.sched.snapshot(); refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}

	list := decode[[]handlers.FeedResponse](t, env.do(t, "GET", "/api/feeds?property_id=prop-1", nil))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	resp = env.do(t, "PUT", "/api/feeds/"+created.ID, map[string]any{"priority": 2, "name": "Booking"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	got := decode[handlers.FeedResponse](t, env.do(t, "GET", "/api/feeds/"+created.ID, nil))
	if got.Priority != 2 || got.Name != "Booking" || got.Platform != models.PlatformBooking {
		t.Errorf("after update = %+v", got)
	}

	resp = env.do(t, "POST", "/api/feeds/"+created.ID+"/sync", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	if triggered, _ := env.sched.snapshot(); len(triggered) != 1 || triggered[0] != "prop-1" {
		t.Errorf("triggered = %v", triggered)
	}

	resp = env.do(t, "DELETE", "/api/feeds/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	got = decode[handlers.FeedResponse](t, env.do(t, "GET", "/api/feeds/"+created.ID, nil))
	if got.Active {
		t.Error("feed still active after delete")
	}

	if resp := env.do(t, "POST", "/api/properties/prop-1/sync", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("sync of property without active feeds = %d, want 404", resp.StatusCode)
	}
}

func TestFeedValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing unit", map[string]any{"property_id": "p", "url": "https://example.com/a.ics"}},
		{"unknown platform", map[string]any{"property_id": "p", "unit_id": "u", "platform": "expedia", "url": "https://example.com/a.ics"}},
		{"bad url", map[string]any{"property_id": "p", "unit_id": "u", "url": "ftp://example.com/a.ics"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/api/feeds", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	if resp := env.do(t, "GET", "/api/feeds/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing feed status = %d, want 404", resp.StatusCode)
	}
}

func seedEvents(t *testing.T, store *storage.Store) {
	t.Helper()
	stamp := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	mk := func(id string, from, to int, status string) models.Event {
		return models.Event{
			ID:             id,
			PropertyID:     "prop-1",
			UnitID:         "unit-1",
			Source:         models.PlatformManual,
			SourcePriority: 1,
			ExternalUID:    id,
			Type:           models.EventTypeReservation,
			Summary:        "Reserved",
			Start:          time.Date(2026, 3, from, 0, 0, 0, 0, time.UTC),
			End:            time.Date(2026, 3, to, 0, 0, 0, 0, time.UTC),
			AllDay:         true,
			Status:         status,
			DTStamp:        stamp,
		}
	}
	ws := models.WriteSet{Inserts: []models.Event{
		mk("e1", 1, 4, models.EventStatusActive),
		mk("e2", 10, 12, models.EventStatusActive),
		mk("e3", 2, 3, models.EventStatusSuperseded),
	}}
	if err := store.CommitWriteSet(context.Background(), ws); err != nil {
		t.Fatalf("CommitWriteSet() error = %v", err)
	}
}

func TestUnitEvents(t *testing.T) {
	env := newTestEnv(t)
	seedEvents(t, env.store)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"e1", "e2"}},
		{"?status=all", []string{"e1", "e3", "e2"}},
		{"?status=superseded", []string{"e3"}},
		{"?from=2026-03-05", []string{"e2"}},
		{"?to=2026-03-05", []string{"e1"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			events := decode[[]models.Event](t, env.do(t, "GET", "/api/units/unit-1/events"+tt.query, nil))
			var ids []string
			for _, e := range events {
				ids = append(ids, e.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("events = %v, want %v", ids, tt.want)
			}
		})
	}

	if resp := env.do(t, "GET", "/api/units/unit-1/events?from=yesterday", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad from status = %d", resp.StatusCode)
	}
}

func TestUnitCalendar(t *testing.T) {
	env := newTestEnv(t)
	seedEvents(t, env.store)

	resp := env.do(t, "GET", "/api/units/unit-1/calendar.ics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if problems := calendar.ValidateICS(body); len(problems) > 0 {
		t.Errorf("invalid export: %v", problems)
	}
	if got := strings.Count(string(body), "BEGIN:VEVENT"); got != 2 {
		t.Errorf("exported events = %d, want 2", got)
	}
	if !strings.Contains(string(body), "X-WR-CALNAME:Loft") {
		t.Error("calendar name missing")
	}
	if !strings.HasPrefix(string(body), "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n") {
		t.Errorf("export does not use CRLF: %q", body[:min(len(body), 40)])
	}

	resp = env.do(t, "GET", "/api/units/unit-1/calendar.ics?platform=airbnb", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("airbnb status = %d", resp.StatusCode)
	}
	body, _ = io.ReadAll(resp.Body)
	if problems := calendar.ValidateICS(body); len(problems) > 0 {
		t.Errorf("invalid airbnb export: %v", problems)
	}
	if strings.Count(string(body), "SUMMARY:Reserved") != 2 || strings.Contains(string(body), "DTSTART:") {
		t.Errorf("airbnb export not date-only:\n%s", body)
	}

	if resp := env.do(t, "GET", "/api/units/unit-1/calendar.ics?platform=expedia", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown platform status = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "calsync_property_sync_duration_seconds") {
		t.Error("metrics output missing sync collectors")
	}
}
