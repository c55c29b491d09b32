package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calendar-sync/backend/internal/storage/models"
)

const sampleConfig = `
listen: ":9000"
timezone: America/Bogota
fetch_timeout: 45s
tie_break: keep_existing
parse_window:
  past: 720h
export:
  neutral_summaries: true
  platform: airbnb
properties:
  - id: casa
    tenant_id: t1
    units:
      - id: room-a
        name: Room A
      - id: apt
        name: Whole apartment
        children:
          - unit: room-a
          - unit: room-b
            available_from: 2026-01-01
            available_until: 2026-07-01
      - id: room-b
    feeds:
      - id: apt-airbnb
        unit: apt
        platform: airbnb
        priority: 1
        url: https://www.airbnb.com/calendar/ical/1.ics?s=secret
        poll_interval: 30m
      - id: room-a-booking
        unit: room-a
        platform: booking.com
        url: https://admin.booking.com/ical/2.ics
        active: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Listen != ":9000" || cfg.FetchTimeout.Duration() != 45*time.Second {
		t.Errorf("listen/fetch timeout = %s/%s", cfg.Listen, cfg.FetchTimeout.Duration())
	}
	if cfg.Workers != defaultWorkers || cfg.PersistTimeout.Duration() != defaultPersistTimeout {
		t.Errorf("defaults not applied: workers=%d persist=%s", cfg.Workers, cfg.PersistTimeout.Duration())
	}
	if !cfg.Export.NeutralSummaries || cfg.Export.ProductID == "" || cfg.Export.Platform != "airbnb" {
		t.Errorf("export = %+v", cfg.Export)
	}
	if cfg.ParseWindow.Past.Duration() != 30*24*time.Hour || cfg.ParseWindow.Future != 0 {
		t.Errorf("parse window = %+v", cfg.ParseWindow)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/Bogota" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestRelations(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rels := cfg.Relations("casa")
	if len(rels) != 2 {
		t.Fatalf("relations = %d, want 2", len(rels))
	}
	if rels[0].ParentUnitID != "apt" || rels[0].ChildUnitID != "room-a" || rels[0].ParentName != "Whole apartment" {
		t.Errorf("first relation = %+v", rels[0])
	}
	windowed := rels[1]
	if windowed.AvailableFrom == nil || !windowed.AvailableFrom.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("available_from = %v", windowed.AvailableFrom)
	}
	if windowed.AvailableUntil == nil || !windowed.AvailableUntil.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("available_until = %v", windowed.AvailableUntil)
	}
	if cfg.Relations("unknown") != nil {
		t.Error("unknown property has relations")
	}
}

func TestRelationsParentsFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Properties = []PropertyConfig{{
		ID: "p",
		Units: []UnitConfig{
			{ID: "floor", Children: []ChildConfig{{Unit: "room"}}},
			{ID: "house", Children: []ChildConfig{{Unit: "floor"}}},
			{ID: "room"},
		},
	}}

	rels := cfg.Relations("p")
	if len(rels) != 2 || rels[0].ParentUnitID != "house" || rels[1].ParentUnitID != "floor" {
		t.Errorf("relations = %+v, want house before floor", rels)
	}
}

func TestFeeds(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	feeds := cfg.Feeds()
	if len(feeds) != 2 {
		t.Fatalf("feeds = %d, want 2", len(feeds))
	}
	air, booking := feeds[0], feeds[1]
	if air.Platform != models.PlatformAirbnb || air.PollIntervalMin != 30 || air.TenantID != "t1" || !air.Active {
		t.Errorf("airbnb feed = %+v", air)
	}
	if booking.Platform != models.PlatformBooking || booking.Priority != defaultFeedPriority || booking.Active {
		t.Errorf("booking feed = %+v", booking)
	}
	if booking.PollIntervalMin != 15 {
		t.Errorf("default poll interval = %d, want 15", booking.PollIntervalMin)
	}

	names := cfg.UnitNames()
	if names["apt"] != "Whole apartment" || names["room-b"] != "" {
		t.Errorf("unit names = %v", names)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad tie break", func(c *Config) { c.TieBreak = "random" }, "tie-break"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"unknown child", func(c *Config) {
			c.Properties[0].Units[0].Children = []ChildConfig{{Unit: "ghost"}}
		}, "unknown child"},
		{"cycle", func(c *Config) {
			c.Properties[0].Units[0].Children = []ChildConfig{{Unit: "b"}}
			c.Properties[0].Units[1].Children = []ChildConfig{{Unit: "a"}}
		}, "cycle"},
		{"empty window", func(c *Config) {
			from := Date{time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
			until := Date{time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
			c.Properties[0].Units[0].Children = []ChildConfig{{Unit: "b", AvailableFrom: &from, AvailableUntil: &until}}
		}, "availability window"},
		{"unknown platform", func(c *Config) { c.Properties[0].Feeds[0].Platform = "expedia" }, "unknown platform"},
		{"feed on unknown unit", func(c *Config) { c.Properties[0].Feeds[0].Unit = "zzz" }, "unknown unit"},
		{"unknown export profile", func(c *Config) { c.Export.Platform = "expedia" }, "export profile"},
		{"negative parse window", func(c *Config) { c.ParseWindow.Future = Duration(-time.Hour) }, "parse_window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Properties = []PropertyConfig{{
				ID:    "p",
				Units: []UnitConfig{{ID: "a"}, {ID: "b"}},
				Feeds: []FeedConfig{{ID: "f", Unit: "a", Platform: "airbnb", URL: "https://example.com/a.ics"}},
			}}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline Validate() error = %v", err)
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != defaultListen {
		t.Errorf("listen = %s", cfg.Listen)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if again.FetchTimeout != cfg.FetchTimeout || again.TieBreak != cfg.TieBreak {
		t.Errorf("reloaded config differs: %+v", again)
	}
}
