package syncer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// FeedLister lists the feeds the scheduler plans around.
type FeedLister interface {
	ListActive(ctx context.Context) ([]models.Feed, error)
}

// PropertySyncer runs one property sync.
type PropertySyncer interface {
	SyncProperty(ctx context.Context, propertyID string) (*PropertyReport, error)
}

// Scheduler runs periodic property syncs.
type Scheduler struct {
	cron    *cron.Cron
	syncer  PropertySyncer
	feeds   FeedLister
	timeout time.Duration

	// one job per property
	jobs      map[string]cron.EntryID
	intervals map[string]time.Duration
	jobsMu    sync.RWMutex

	defaultInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Properties are polled at the shortest
// poll interval among their feeds, or defaultInterval when none is set.
// Each run is bounded by timeout.
func NewScheduler(syncer PropertySyncer, feeds FeedLister, defaultInterval, timeout time.Duration) *Scheduler {
	if defaultInterval < time.Minute {
		defaultInterval = 15 * time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:            cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		syncer:          syncer,
		feeds:           feeds,
		timeout:         timeout,
		jobs:            make(map[string]cron.EntryID),
		intervals:       make(map[string]time.Duration),
		defaultInterval: defaultInterval,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start schedules every property with active feeds and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("starting sync scheduler")

	if err := s.Refresh(ctx); err != nil {
		return err
	}

	// pick up added, removed and re-timed feeds
	if _, err := s.cron.AddFunc("@every 5m", func() {
		if err := s.Refresh(s.ctx); err != nil {
			slog.Error("refreshing sync schedules", "error", err)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	slog.Info("sync scheduler started", "properties", len(s.ScheduledProperties()))
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	slog.Info("stopping sync scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("sync scheduler stopped")
}

// SchedulePropertyEvery adds or replaces a property's job.
func (s *Scheduler) SchedulePropertyEvery(propertyID string, interval time.Duration) {
	if interval < time.Minute {
		interval = s.defaultInterval
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existing, ok := s.jobs[propertyID]; ok {
		if s.intervals[propertyID] == interval {
			return
		}
		s.cron.Remove(existing)
		delete(s.jobs, propertyID)
	}

	entryID, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.run(propertyID)
	})
	if err != nil {
		slog.Error("scheduling property", "property_id", propertyID, "error", err)
		return
	}

	s.jobs[propertyID] = entryID
	s.intervals[propertyID] = interval
	slog.Info("scheduled property", "property_id", propertyID, "every", interval.String())
}

// UnscheduleProperty removes a property's job.
func (s *Scheduler) UnscheduleProperty(propertyID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if entryID, ok := s.jobs[propertyID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, propertyID)
		delete(s.intervals, propertyID)
		slog.Info("unscheduled property", "property_id", propertyID)
	}
}

// TriggerProperty starts an immediate sync in the background.
func (s *Scheduler) TriggerProperty(propertyID string) {
	go s.run(propertyID)
}

func (s *Scheduler) run(propertyID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	report, err := s.syncer.SyncProperty(ctx, propertyID)
	if err != nil {
		slog.Error("scheduled sync failed", "property_id", propertyID, "error", err)
		return
	}
	slog.Debug("scheduled sync done", "property_id", propertyID, "status", report.Status)
}

// Refresh reconciles jobs with the active feeds.
func (s *Scheduler) Refresh(ctx context.Context) error {
	feeds, err := s.feeds.ListActive(ctx)
	if err != nil {
		return err
	}

	current := pollIntervals(feeds)
	for propertyID, interval := range current {
		s.SchedulePropertyEvery(propertyID, interval)
	}

	for _, propertyID := range s.ScheduledProperties() {
		if _, ok := current[propertyID]; !ok {
			s.UnscheduleProperty(propertyID)
		}
	}
	return nil
}

// pollIntervals maps each property to the shortest poll interval of its feeds.
func pollIntervals(feeds []models.Feed) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, f := range feeds {
		d := time.Duration(f.PollIntervalMin) * time.Minute
		cur, ok := out[f.PropertyID]
		if !ok || (d > 0 && (cur == 0 || d < cur)) {
			out[f.PropertyID] = d
		}
	}
	return out
}

// ScheduledProperties returns the IDs of scheduled properties, sorted.
func (s *Scheduler) ScheduledProperties() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetNextRun returns the next scheduled run of a property.
func (s *Scheduler) GetNextRun(propertyID string) *time.Time {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	if entryID, ok := s.jobs[propertyID]; ok {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}
