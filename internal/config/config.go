// Package config loads the YAML configuration: engine tunables, the unit
// topology of each property and the feeds to seed into the store.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/storage/models"
	"github.com/calendar-sync/backend/internal/syncer"
)

const (
	defaultListen          = ":8099"
	defaultTimezone        = "UTC"
	defaultWorkers         = 4
	defaultFeedConcurrency = 4
	defaultFetchTimeout    = 30 * time.Second
	defaultPersistTimeout  = 10 * time.Second
	defaultPollInterval    = 15 * time.Minute
	defaultMaxEvents       = 10000
	defaultFeedPriority    = 100
)

// Duration is a time.Duration written as "30s" or "15m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Date is a calendar date written as 2006-01-02, interpreted as UTC midnight.
type Date struct {
	time.Time
}

// UnmarshalYAML parses a YYYY-MM-DD date.
func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	t, err := time.Parse(time.DateOnly, value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid date %q", value.Line, value.Value)
	}
	d.Time = t
	return nil
}

// MarshalYAML writes the date as YYYY-MM-DD.
func (d Date) MarshalYAML() (interface{}, error) {
	return d.Format(time.DateOnly), nil
}

// ExportConfig tunes the iCal exporter. NeutralSummaries publishes
// "Reserved" in place of guest-facing summaries. Platform is the default
// export profile (generic, airbnb or booking).
type ExportConfig struct {
	ProductID          string `yaml:"product_id"`
	IncludeDescription bool   `yaml:"include_description"`
	NeutralSummaries   bool   `yaml:"neutral_summaries"`
	Platform           string `yaml:"platform,omitempty"`
}

// ParseWindowConfig bounds imported events to [fetch-Past, fetch+Future].
// A zero bound leaves that side open.
type ParseWindowConfig struct {
	Past   Duration `yaml:"past,omitempty"`
	Future Duration `yaml:"future,omitempty"`
}

// ChildConfig makes a unit a child of the unit listing it.
type ChildConfig struct {
	Unit           string `yaml:"unit"`
	AvailableFrom  *Date  `yaml:"available_from,omitempty"`
	AvailableUntil *Date  `yaml:"available_until,omitempty"`
}

// UnitConfig describes an accommodation unit.
type UnitConfig struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name,omitempty"`
	Children []ChildConfig `yaml:"children,omitempty"`
}

// FeedConfig seeds an external feed into the store.
type FeedConfig struct {
	ID           string   `yaml:"id"`
	Unit         string   `yaml:"unit"`
	Name         string   `yaml:"name,omitempty"`
	Platform     string   `yaml:"platform"`
	Priority     int      `yaml:"priority"`
	URL          string   `yaml:"url"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`
	Active       *bool    `yaml:"active,omitempty"`
}

// PropertyConfig groups the units and feeds of one property.
type PropertyConfig struct {
	ID       string       `yaml:"id"`
	TenantID string       `yaml:"tenant_id,omitempty"`
	Units    []UnitConfig `yaml:"units"`
	Feeds    []FeedConfig `yaml:"feeds"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen              string            `yaml:"listen"`
	Timezone            string            `yaml:"timezone"`
	Workers             int               `yaml:"workers"`
	FeedConcurrency     int               `yaml:"feed_concurrency"`
	FetchTimeout        Duration          `yaml:"fetch_timeout"`
	PersistTimeout      Duration          `yaml:"persist_timeout"`
	DefaultPollInterval Duration          `yaml:"default_poll_interval"`
	TieBreak            string            `yaml:"tie_break"`
	MaxEvents           int               `yaml:"max_events"`
	ParseWindow         ParseWindowConfig `yaml:"parse_window"`
	Export              ExportConfig      `yaml:"export"`
	Properties          []PropertyConfig  `yaml:"properties"`
}

// DefaultConfig returns an in-memory default configuration with no properties.
func DefaultConfig() *Config {
	return &Config{
		Listen:              defaultListen,
		Timezone:            defaultTimezone,
		Workers:             defaultWorkers,
		FeedConcurrency:     defaultFeedConcurrency,
		FetchTimeout:        Duration(defaultFetchTimeout),
		PersistTimeout:      Duration(defaultPersistTimeout),
		DefaultPollInterval: Duration(defaultPollInterval),
		TieBreak:            string(syncer.TieBreakNewestDTStamp),
		MaxEvents:           defaultMaxEvents,
		Export:              ExportConfig{ProductID: calendar.DefaultProductID},
		Properties:          []PropertyConfig{},
	}
}

// Normalize fills in zero values so partially written files behave like the defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.FeedConcurrency <= 0 {
		c.FeedConcurrency = defaultFeedConcurrency
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = Duration(defaultFetchTimeout)
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = Duration(defaultPersistTimeout)
	}
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = Duration(defaultPollInterval)
	}
	if c.TieBreak == "" {
		c.TieBreak = string(syncer.TieBreakNewestDTStamp)
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = defaultMaxEvents
	}
	if c.Export.ProductID == "" {
		c.Export.ProductID = calendar.DefaultProductID
	}
	if c.Properties == nil {
		c.Properties = []PropertyConfig{}
	}
	for i := range c.Properties {
		for j := range c.Properties[i].Feeds {
			f := &c.Properties[i].Feeds[j]
			if f.Platform == "" {
				f.Platform = string(models.PlatformGeneric)
			}
			if f.Priority <= 0 {
				f.Priority = defaultFeedPriority
			}
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := syncer.ParseTieBreakPolicy(c.TieBreak); err != nil {
		errs = append(errs, err)
	}
	if _, err := calendar.ParseExportProfile(c.Export.Platform); err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}
	if c.ParseWindow.Past < 0 || c.ParseWindow.Future < 0 {
		errs = append(errs, errors.New("parse_window bounds must not be negative"))
	}

	properties := make(map[string]bool)
	feedIDs := make(map[string]bool)
	for _, p := range c.Properties {
		if p.ID == "" {
			errs = append(errs, errors.New("property without id"))
			continue
		}
		if properties[p.ID] {
			errs = append(errs, fmt.Errorf("property %s: duplicate id", p.ID))
		}
		properties[p.ID] = true

		units := make(map[string]bool)
		for _, u := range p.Units {
			if u.ID == "" {
				errs = append(errs, fmt.Errorf("property %s: unit without id", p.ID))
				continue
			}
			if units[u.ID] {
				errs = append(errs, fmt.Errorf("property %s: duplicate unit %s", p.ID, u.ID))
			}
			units[u.ID] = true
		}

		for _, u := range p.Units {
			for _, ch := range u.Children {
				switch {
				case !units[ch.Unit]:
					errs = append(errs, fmt.Errorf("property %s: unit %s has unknown child %q", p.ID, u.ID, ch.Unit))
				case ch.Unit == u.ID:
					errs = append(errs, fmt.Errorf("property %s: unit %s is its own child", p.ID, u.ID))
				}
				if ch.AvailableFrom != nil && ch.AvailableUntil != nil && !ch.AvailableFrom.Before(ch.AvailableUntil.Time) {
					errs = append(errs, fmt.Errorf("property %s: child %s of %s has an empty availability window", p.ID, ch.Unit, u.ID))
				}
			}
		}
		if _, err := topoOrder(p); err != nil {
			errs = append(errs, fmt.Errorf("property %s: %w", p.ID, err))
		}

		for _, f := range p.Feeds {
			if f.ID == "" {
				errs = append(errs, fmt.Errorf("property %s: feed without id", p.ID))
				continue
			}
			if feedIDs[f.ID] {
				errs = append(errs, fmt.Errorf("feed %s: duplicate id", f.ID))
			}
			feedIDs[f.ID] = true
			if !units[f.Unit] {
				errs = append(errs, fmt.Errorf("feed %s: unknown unit %q", f.ID, f.Unit))
			}
			if _, ok := models.ParsePlatform(f.Platform); !ok {
				errs = append(errs, fmt.Errorf("feed %s: unknown platform %q", f.ID, f.Platform))
			}
			if f.URL == "" {
				errs = append(errs, fmt.Errorf("feed %s: url is required", f.ID))
			}
		}
	}

	return errors.Join(errs...)
}

// Location returns the zone used for floating times.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) property(id string) *PropertyConfig {
	for i := range c.Properties {
		if c.Properties[i].ID == id {
			return &c.Properties[i]
		}
	}
	return nil
}

// Relations returns a property's parent/child relations, ordered so that a
// unit's relations as a child come before its relations as a parent.
func (c *Config) Relations(propertyID string) []models.UnitRelation {
	p := c.property(propertyID)
	if p == nil {
		return nil
	}
	order, err := topoOrder(*p)
	if err != nil {
		return nil
	}

	names := make(map[string]string, len(p.Units))
	byID := make(map[string]UnitConfig, len(p.Units))
	for _, u := range p.Units {
		names[u.ID] = u.Name
		byID[u.ID] = u
	}

	var out []models.UnitRelation
	for _, id := range order {
		for _, ch := range byID[id].Children {
			rel := models.UnitRelation{
				ParentUnitID: id,
				ParentName:   names[id],
				ChildUnitID:  ch.Unit,
			}
			if ch.AvailableFrom != nil {
				from := ch.AvailableFrom.Time
				rel.AvailableFrom = &from
			}
			if ch.AvailableUntil != nil {
				until := ch.AvailableUntil.Time
				rel.AvailableUntil = &until
			}
			out = append(out, rel)
		}
	}
	return out
}

// topoOrder sorts a property's units parents first. Ties keep file order.
func topoOrder(p PropertyConfig) ([]string, error) {
	indegree := make(map[string]int, len(p.Units))
	for _, u := range p.Units {
		if _, ok := indegree[u.ID]; !ok {
			indegree[u.ID] = 0
		}
		for _, ch := range u.Children {
			indegree[ch.Unit]++
		}
	}

	children := make(map[string][]string, len(p.Units))
	var queue []string
	for _, u := range p.Units {
		for _, ch := range u.Children {
			children[u.ID] = append(children[u.ID], ch.Unit)
		}
		if indegree[u.ID] == 0 {
			queue = append(queue, u.ID)
		}
	}

	var order []string
	seen := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
		for _, ch := range children[id] {
			indegree[ch]--
			if indegree[ch] == 0 {
				queue = append(queue, ch)
			}
		}
	}

	if len(order) < len(indegree) {
		var stuck []string
		for id := range indegree {
			if !seen[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return order, fmt.Errorf("unit hierarchy has a cycle through %v", stuck)
	}
	return order, nil
}

// Feeds returns the configured feeds as store records.
func (c *Config) Feeds() []models.Feed {
	var feeds []models.Feed
	for _, p := range c.Properties {
		for _, f := range p.Feeds {
			platform, ok := models.ParsePlatform(f.Platform)
			if !ok {
				platform = models.PlatformGeneric
			}
			interval := f.PollInterval.Duration()
			if interval <= 0 {
				interval = c.DefaultPollInterval.Duration()
			}
			active := true
			if f.Active != nil {
				active = *f.Active
			}
			feeds = append(feeds, models.Feed{
				ID:              f.ID,
				TenantID:        p.TenantID,
				PropertyID:      p.ID,
				UnitID:          f.Unit,
				Name:            f.Name,
				Platform:        platform,
				Priority:        f.Priority,
				URL:             f.URL,
				PollIntervalMin: int(interval / time.Minute),
				Active:          active,
			})
		}
	}
	return feeds
}

// UnitNames maps every configured unit to its display name.
func (c *Config) UnitNames() map[string]string {
	names := make(map[string]string)
	for _, p := range c.Properties {
		for _, u := range p.Units {
			if u.Name != "" {
				names[u.ID] = u.Name
			}
		}
	}
	return names
}

// Load reads the configuration at path. A missing file is created with the
// defaults. The result is normalized but not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting config permissions: %w", err)
	}

	return os.Rename(tmpName, path)
}
