package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calendar-sync/backend/internal/calendar"
	"github.com/calendar-sync/backend/internal/metrics"
	"github.com/calendar-sync/backend/internal/storage/models"
)

// Stage is a step of the per-feed sync state machine.
type Stage string

// Stage constants
const (
	StageIdle        Stage = "idle"
	StageFetching    Stage = "fetching"
	StageParsing     Stage = "parsing"
	StageReconciling Stage = "reconciling"
	StagePersisting  Stage = "persisting"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Store is the persistence the sync manager works through.
type Store interface {
	GetFeed(ctx context.Context, id string) (*models.Feed, error)
	ListActiveFeeds(ctx context.Context, propertyID string) ([]models.Feed, error)
	ListPropertyIDs(ctx context.Context) ([]string, error)
	ListUnitEvents(ctx context.Context, unitIDs ...string) ([]models.Event, error)
	ListMirrorUnits(ctx context.Context, propertyID string) ([]string, error)
	StartSyncLog(ctx context.Context, l *models.SyncLog) error
	FinishSyncLog(ctx context.Context, l *models.SyncLog) error
	CommitFeedRun(ctx context.Context, feedID string, ws models.WriteSet, state models.FeedSyncState) error
	CommitWriteSet(ctx context.Context, ws models.WriteSet) error
	RecordFeedFailure(ctx context.Context, feedID string, state models.FeedSyncState) error
}

// Fetcher retrieves feed bodies honoring cache validators.
type Fetcher interface {
	Fetch(ctx context.Context, url string, v calendar.Validators) (*calendar.FetchResult, error)
}

// Topology provides the parent/child unit relations of a property, parents first.
type Topology interface {
	Relations(propertyID string) []models.UnitRelation
}

// PersistenceError is returned when a feed's batch could not be stored.
type PersistenceError struct {
	FeedID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting feed %s: %v", e.FeedID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Options tunes the sync manager.
type Options struct {
	Workers         int
	FeedConcurrency int
	PersistTimeout  time.Duration
	TieBreak        TieBreakPolicy
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.FeedConcurrency <= 0 {
		o.FeedConcurrency = 4
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.TieBreak == "" {
		o.TieBreak = TieBreakNewestDTStamp
	}
}

// FeedReport is the outcome of one feed run.
type FeedReport struct {
	FeedID      string            `json:"feed_id"`
	Platform    models.Platform   `json:"platform"`
	SyncLogID   string            `json:"sync_log_id,omitempty"`
	Stage       Stage             `json:"stage"`
	Status      string            `json:"status"`
	NotModified bool              `json:"not_modified"`
	Counts      models.SyncCounts `json:"counts"`
	Imported    int               `json:"imported"`
	ParseErrors []string          `json:"parse_errors,omitempty"`
	Error       string            `json:"error,omitempty"`
	Err         error             `json:"-"`
}

// PropertyReport aggregates the feed runs and propagation of one property sync.
type PropertyReport struct {
	PropertyID       string            `json:"property_id"`
	Status           string            `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
	Feeds            []FeedReport      `json:"feeds"`
	Totals           models.SyncCounts `json:"totals"`
	Propagation      models.SyncCounts `json:"propagation"`
	PropagationError string            `json:"propagation_error,omitempty"`
}

// Manager runs sync pipelines: fetch, parse, reconcile, persist, propagate.
type Manager struct {
	store      Store
	fetcher    Fetcher
	parser     *calendar.Parser
	reconciler *Reconciler
	propagator *Propagator
	topology   Topology
	metrics    *metrics.Sync
	opts       Options
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a sync manager. topology and m may be nil.
func NewManager(store Store, fetcher Fetcher, parser *calendar.Parser, topology Topology, m *metrics.Sync, opts Options) *Manager {
	opts.normalize()
	if parser == nil {
		parser = calendar.NewParser()
	}
	return &Manager{
		store:      store,
		fetcher:    fetcher,
		parser:     parser,
		reconciler: NewReconciler(opts.TieBreak),
		propagator: NewPropagator(),
		topology:   topology,
		metrics:    m,
		opts:       opts,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// feedRun carries one feed through the state machine.
type feedRun struct {
	feed   models.Feed
	log    *models.SyncLog
	stage  Stage
	fetch  *calendar.FetchResult
	report FeedReport
}

func (r *feedRun) fail(err error) {
	r.report.Err = err
	r.report.Error = err.Error()
	r.report.Status = models.SyncStatusFailed
	r.report.Stage = r.stage
	r.stage = StageFailed
}

func (m *Manager) propertyLock(propertyID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[propertyID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[propertyID] = l
	}
	return l
}

// SyncFeed syncs the property that owns feedID, since a feed's events compete
// with its siblings.
func (m *Manager) SyncFeed(ctx context.Context, feedID string) (*PropertyReport, error) {
	feed, err := m.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("getting feed: %w", err)
	}
	if feed == nil {
		return nil, fmt.Errorf("feed not found: %s", feedID)
	}
	return m.SyncProperty(ctx, feed.PropertyID)
}

// SyncProperty syncs every active feed of a property. Fetches run
// concurrently; parsing, reconciliation and persistence run one feed at a
// time in (priority, id) order, then parent blocks are propagated. A failing
// feed never stops its siblings.
func (m *Manager) SyncProperty(ctx context.Context, propertyID string) (*PropertyReport, error) {
	lock := m.propertyLock(propertyID)
	lock.Lock()
	defer lock.Unlock()

	started := m.now()
	feeds, err := m.store.ListActiveFeeds(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	sort.SliceStable(feeds, func(i, j int) bool {
		if feeds[i].Priority != feeds[j].Priority {
			return feeds[i].Priority < feeds[j].Priority
		}
		return feeds[i].ID < feeds[j].ID
	})

	runs := make([]*feedRun, len(feeds))
	for i, f := range feeds {
		runs[i] = m.startRun(ctx, f)
	}

	var g errgroup.Group
	g.SetLimit(m.opts.FeedConcurrency)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			m.fetchFeed(ctx, run)
			return nil
		})
	}
	g.Wait()

	report := &PropertyReport{PropertyID: propertyID, StartedAt: started}
	for _, run := range runs {
		if run.stage != StageFailed {
			m.processFeed(ctx, run)
		}
		m.finishRun(ctx, run)
		report.Feeds = append(report.Feeds, run.report)
		report.Totals.Add(run.report.Counts)
	}

	counts, err := m.propagate(ctx, propertyID, feeds)
	report.Propagation = counts
	if err != nil {
		report.PropagationError = err.Error()
		slog.Error("propagation failed", "property_id", propertyID, "error", err)
	}

	report.Status = propertyStatus(report.Feeds)
	report.CompletedAt = m.now()
	m.metrics.ObserveProperty(report.CompletedAt.Sub(started))

	slog.Info("property synced",
		"property_id", propertyID,
		"status", report.Status,
		"feeds", len(report.Feeds),
		"created", report.Totals.Created,
		"updated", report.Totals.Updated,
		"cancelled", report.Totals.Cancelled,
		"conflicts", report.Totals.Conflicts,
		"propagated", report.Propagation.Changes())

	return report, nil
}

// SyncAll syncs every property with active feeds on a bounded worker pool.
func (m *Manager) SyncAll(ctx context.Context) ([]PropertyReport, error) {
	ids, err := m.store.ListPropertyIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing properties: %w", err)
	}

	type job struct {
		index      int
		propertyID string
	}

	reports := make([]PropertyReport, len(ids))
	jobs := make(chan job)
	var wg sync.WaitGroup

	workers := min(m.opts.Workers, len(ids))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				report, err := m.SyncProperty(ctx, j.propertyID)
				if err != nil {
					slog.Error("property sync failed", "property_id", j.propertyID, "error", err)
					report = &PropertyReport{PropertyID: j.propertyID, Status: models.SyncStatusFailed}
				}
				reports[j.index] = *report
			}
		}()
	}

	for i, id := range ids {
		select {
		case jobs <- job{index: i, propertyID: id}:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	return reports, ctx.Err()
}

func (m *Manager) startRun(ctx context.Context, feed models.Feed) *feedRun {
	run := &feedRun{
		feed:  feed,
		stage: StageIdle,
		log: &models.SyncLog{
			FeedID:     feed.ID,
			PropertyID: feed.PropertyID,
			StartedAt:  m.now().UTC(),
			Stage:      string(StageIdle),
		},
		report: FeedReport{FeedID: feed.ID, Platform: feed.Platform},
	}
	if err := m.store.StartSyncLog(ctx, run.log); err != nil {
		slog.Warn("sync log not started", "feed_id", feed.ID, "error", err)
		run.log = nil
	} else {
		run.report.SyncLogID = run.log.ID
	}
	return run
}

func (m *Manager) fetchFeed(ctx context.Context, run *feedRun) {
	run.stage = StageFetching

	v := calendar.Validators{}
	if run.feed.ETag != nil {
		v.ETag = *run.feed.ETag
	}
	if run.feed.LastModified != nil {
		v.LastModified = *run.feed.LastModified
	}

	start := time.Now()
	res, err := m.fetcher.Fetch(ctx, run.feed.URL, v)
	m.metrics.ObserveFetch(run.feed.Platform, time.Since(start))
	if err != nil {
		run.fail(err)
		return
	}
	run.fetch = res
}

func (m *Manager) processFeed(ctx context.Context, run *feedRun) {
	feed := run.feed
	res := run.fetch
	syncedAt := m.now().UTC()

	if res.NotModified {
		run.stage = StagePersisting
		run.report.NotModified = true
		state := models.FeedSyncState{
			ETag:           validator(res.ETag, feed.ETag),
			LastModified:   validator(res.LastModified, feed.LastModified),
			Status:         models.SyncStatusSuccess,
			EventsImported: feed.EventsImportedLast,
			SyncedAt:       syncedAt,
		}
		if err := m.commit(ctx, feed.ID, models.WriteSet{}, state); err != nil {
			run.fail(err)
			return
		}
		run.report.Status = models.SyncStatusSuccess
		run.stage = StageDone
		return
	}

	run.stage = StageParsing
	parsed, err := m.parser.ParseBytes(res.Body, feed.Platform, res.FetchedAt)
	if err != nil {
		run.fail(fmt.Errorf("parsing feed: %w", err))
		return
	}
	for _, perr := range parsed.Errors() {
		run.report.ParseErrors = append(run.report.ParseErrors, perr.Error())
	}
	if len(parsed.Warnings) > 0 {
		slog.Debug("feed parse warnings", "feed_id", feed.ID, "warnings", parsed.Warnings)
	}

	run.stage = StageReconciling
	existing, err := m.store.ListUnitEvents(ctx, feed.UnitID)
	if err != nil {
		run.fail(&PersistenceError{FeedID: feed.ID, Err: fmt.Errorf("loading events: %w", err)})
		return
	}
	plan := m.reconciler.Plan(feed, parsed, existing, res.FetchedAt)
	run.report.Counts = plan.Counts
	run.report.Imported = plan.Imported

	run.stage = StagePersisting
	status := models.SyncStatusSuccess
	var lastErr *string
	if plan.Counts.Failed > 0 {
		status = models.SyncStatusPartial
		msg := fmt.Sprintf("%d events failed to parse", plan.Counts.Failed)
		lastErr = &msg
	}
	state := models.FeedSyncState{
		ETag:           optional(res.ETag),
		LastModified:   optional(res.LastModified),
		Status:         status,
		Error:          lastErr,
		EventsImported: plan.Imported,
		SyncedAt:       syncedAt,
	}
	if err := m.commit(ctx, feed.ID, plan.WriteSet, state); err != nil {
		run.fail(err)
		return
	}

	run.report.Status = status
	run.stage = StageDone
}

func (m *Manager) commit(ctx context.Context, feedID string, ws models.WriteSet, state models.FeedSyncState) error {
	pctx, cancel := context.WithTimeout(ctx, m.opts.PersistTimeout)
	defer cancel()
	if err := m.store.CommitFeedRun(pctx, feedID, ws, state); err != nil {
		return &PersistenceError{FeedID: feedID, Err: err}
	}
	return nil
}

// finishRun records the outcome even when ctx is already cancelled, so a
// stopped or timed-out run never leaves its log open.
func (m *Manager) finishRun(ctx context.Context, run *feedRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PersistTimeout)
	defer cancel()

	if run.stage == StageFailed {
		run.report.Counts = models.SyncCounts{Failed: run.report.Counts.Failed}
		slog.Warn("feed sync failed",
			"feed_id", run.feed.ID,
			"url", calendar.RedactURL(run.feed.URL),
			"stage", run.report.Stage,
			"error", run.report.Err)

		msg := run.report.Error
		state := models.FeedSyncState{Status: models.SyncStatusFailed, Error: &msg, SyncedAt: m.now().UTC()}
		if err := m.store.RecordFeedFailure(ctx, run.feed.ID, state); err != nil {
			slog.Error("recording feed failure", "feed_id", run.feed.ID, "error", err)
		}
	} else {
		run.report.Stage = StageDone
	}

	m.metrics.ObserveFeed(run.feed.Platform, run.report.Status, run.report.Counts)

	if run.log == nil {
		return
	}
	now := m.now().UTC()
	run.log.CompletedAt = &now
	run.log.Status = run.report.Status
	run.log.Stage = string(run.report.Stage)
	run.log.NotModified = run.report.NotModified
	run.log.SyncCounts = run.report.Counts
	if run.report.Error != "" {
		msg := run.report.Error
		run.log.Error = &msg
	}
	if err := m.store.FinishSyncLog(ctx, run.log); err != nil {
		slog.Error("finishing sync log", "feed_id", run.feed.ID, "error", err)
	}
}

// propagate mirrors parent blocks across the property's units once every
// feed has persisted. Units still holding mirrors are always loaded so mirrors
// of removed relations are retracted.
func (m *Manager) propagate(ctx context.Context, propertyID string, feeds []models.Feed) (models.SyncCounts, error) {
	var relations []models.UnitRelation
	if m.topology != nil {
		relations = m.topology.Relations(propertyID)
	}
	mirrorUnits, err := m.store.ListMirrorUnits(ctx, propertyID)
	if err != nil {
		return models.SyncCounts{}, fmt.Errorf("loading mirror units: %w", err)
	}
	if len(relations) == 0 && len(mirrorUnits) == 0 {
		return models.SyncCounts{}, nil
	}

	seen := make(map[string]bool)
	var units []string
	addUnit := func(id string) {
		if !seen[id] {
			seen[id] = true
			units = append(units, id)
		}
	}
	for _, f := range feeds {
		addUnit(f.UnitID)
	}
	for _, r := range relations {
		addUnit(r.ParentUnitID)
		addUnit(r.ChildUnitID)
	}
	for _, id := range mirrorUnits {
		addUnit(id)
	}

	events, err := m.store.ListUnitEvents(ctx, units...)
	if err != nil {
		return models.SyncCounts{}, fmt.Errorf("loading events: %w", err)
	}

	plan := m.propagator.Plan(relations, events, m.now().UTC())
	if plan.WriteSet.Empty() {
		return plan.Counts, nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.PersistTimeout)
	defer cancel()
	if err := m.store.CommitWriteSet(pctx, plan.WriteSet); err != nil {
		return models.SyncCounts{}, &PersistenceError{FeedID: "propagation:" + propertyID, Err: err}
	}
	m.metrics.ObserveChanges(plan.Counts)
	return plan.Counts, nil
}

func propertyStatus(feeds []FeedReport) string {
	if len(feeds) == 0 {
		return models.SyncStatusSuccess
	}
	failed := 0
	partial := false
	for _, f := range feeds {
		switch f.Status {
		case models.SyncStatusFailed:
			failed++
		case models.SyncStatusPartial:
			partial = true
		}
	}
	switch {
	case failed == len(feeds):
		return models.SyncStatusFailed
	case failed > 0 || partial:
		return models.SyncStatusPartial
	}
	return models.SyncStatusSuccess
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// validator prefers a fresh header value and falls back to the stored one.
func validator(fresh string, stored *string) *string {
	if fresh != "" {
		return &fresh
	}
	return stored
}
