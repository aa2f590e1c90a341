package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/store"
)

// ErrFeedInactive rejects a manual trigger of a disabled feed.
var ErrFeedInactive = errors.New("feeds: feed is inactive")

// ErrFeedBusy rejects a manual trigger while a cycle is already running.
var ErrFeedBusy = errors.New("feeds: fetch already in progress")

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	// CheckInterval is how often due feeds are polled for. Default: 15s.
	CheckInterval time.Duration
	// MaxFailStreak is the number of consecutive failures that move a
	// feed to the error status. Default: 3.
	MaxFailStreak int
	// JitterFrac is the maximum schedule jitter as a fraction of the
	// feed interval. Default: 0.1.
	JitterFrac float64

	Logger *slog.Logger
}

func (c *SchedulerConfig) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 15 * time.Second
	}
	if c.MaxFailStreak <= 0 {
		c.MaxFailStreak = 3
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler runs each active feed on its own interval. Feeds never block
// each other: every cycle runs in its own goroutine and the only mutual
// exclusion is per feed, where a cycle still in flight makes the feed
// skip its tick instead of overlapping.
type Scheduler struct {
	st      *store.Store
	fetcher *Fetcher
	ingest  *Ingestor
	events  *obs.Events
	cfg     SchedulerConfig

	mu       sync.Mutex
	inflight map[string]bool
	nextDue  map[string]time.Time
	etags    map[string]string
	hashes   map[string]string

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler. events may be nil.
func NewScheduler(st *store.Store, fetcher *Fetcher, ingest *Ingestor, events *obs.Events, cfg SchedulerConfig) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		st:       st,
		fetcher:  fetcher,
		ingest:   ingest,
		events:   events,
		cfg:      cfg,
		inflight: map[string]bool{},
		nextDue:  map[string]time.Time{},
		etags:    map[string]string{},
		hashes:   map[string]string{},
	}
}

// Run polls for due feeds until ctx is cancelled, then waits for cycles
// still in flight to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// Trigger runs one feed's cycle immediately, outside its schedule. The
// empty id triggers every active feed. Inactive feeds are refused, and a
// feed already mid-cycle returns ErrFeedBusy rather than overlapping.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	if id == "" {
		feeds, err := s.st.ListFeeds(ctx)
		if err != nil {
			return err
		}
		for _, f := range feeds {
			if f.Status == store.FeedInactive {
				continue
			}
			if s.tryStart(f.ID) {
				s.launch(ctx, f)
			}
		}
		return nil
	}

	f, err := s.st.GetFeed(ctx, id)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("feeds: no feed %q", id)
	}
	if f.Status == store.FeedInactive {
		return ErrFeedInactive
	}
	if !s.tryStart(f.ID) {
		return ErrFeedBusy
	}
	s.launch(ctx, f)
	return nil
}

// dispatchDue starts a cycle for every active feed whose next-due time
// has passed. Errors here are logged, never fatal: the next tick retries.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	feeds, err := s.st.ListFeeds(ctx)
	if err != nil {
		s.cfg.Logger.Error("scheduler: list feeds", "error", err)
		return
	}

	now := time.Now()
	for _, f := range feeds {
		if f.Status == store.FeedInactive {
			s.forget(f.ID)
			continue
		}
		if !s.due(f, now) {
			continue
		}
		if !s.tryStart(f.ID) {
			continue
		}
		s.launch(ctx, f)
	}
}

func (s *Scheduler) due(f *store.Feed, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextDue[f.ID]; ok {
		return !now.Before(next)
	}
	// First sight of this feed: schedule off its last successful update,
	// or immediately if it has never succeeded.
	if f.LastUpdate != nil {
		next := time.UnixMilli(*f.LastUpdate).Add(s.jittered(f.Interval))
		s.nextDue[f.ID] = next
		return !now.Before(next)
	}
	return true
}

func (s *Scheduler) jittered(intervalMillis int64) time.Duration {
	interval := time.Duration(intervalMillis) * time.Millisecond
	jitter := time.Duration(rand.Int63n(1 + int64(float64(interval)*s.cfg.JitterFrac)))
	return interval + jitter
}

func (s *Scheduler) tryStart(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) finish(id string, intervalMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
	s.nextDue[id] = time.Now().Add(s.jittered(intervalMillis))
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nextDue, id)
}

func (s *Scheduler) launch(ctx context.Context, f *store.Feed) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(f.ID, f.Interval)
		s.runCycle(ctx, f)
	}()
}

// runCycle performs one fetch-parse-ingest pass for a feed and records
// the outcome on the feed row.
func (s *Scheduler) runCycle(ctx context.Context, f *store.Feed) {
	s.mu.Lock()
	etag, hash := s.etags[f.ID], s.hashes[f.ID]
	s.mu.Unlock()

	res, err := s.fetcher.Fetch(ctx, f.URL, f.AuthToken, etag, hash)
	if err != nil {
		s.recordFailure(ctx, f, "fetch", err)
		return
	}

	if !res.Changed || res.StatusCode == 304 {
		// Upstream unchanged counts as a successful cycle with no new
		// records; it still clears an error streak.
		s.recordSuccess(ctx, f, 0, "unchanged")
		return
	}

	batch, err := Parse(f.Format, res.Body)
	if err != nil {
		s.recordFailure(ctx, f, "parse", err)
		return
	}
	added, err := s.ingest.Ingest(ctx, f.ID, batch)
	if err != nil {
		s.recordFailure(ctx, f, "ingest", err)
		return
	}

	// Conditional-GET state is cached only after a fully successful cycle.
	// A payload that keeps failing to parse is re-fetched and counted as a
	// failure every cycle, never masked as unchanged.
	s.mu.Lock()
	if res.ETag != "" {
		s.etags[f.ID] = res.ETag
	}
	if res.Hash != "" {
		s.hashes[f.ID] = res.Hash
	}
	s.mu.Unlock()

	s.recordSuccess(ctx, f, added, "ok")
	s.cfg.Logger.Info("feed updated",
		"feed", f.Name, "parsed", len(batch), "new", added)
}

func (s *Scheduler) recordSuccess(ctx context.Context, f *store.Feed, added int64, result string) {
	obs.FeedFetches.WithLabelValues(f.Name, result).Inc()
	if err := s.st.RecordFeedSuccess(ctx, f.ID, added); err != nil {
		s.cfg.Logger.Error("scheduler: record success", "feed", f.Name, "error", err)
		return
	}
	if f.Status == store.FeedError {
		s.events.Record(ctx, obs.Event{
			Type: "feed_recovered", Entity: "feed", EntityID: f.ID,
			Detail: f.Name, Success: true,
		})
		s.cfg.Logger.Info("feed recovered", "feed", f.Name)
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, f *store.Feed, stage string, err error) {
	obs.FeedFetches.WithLabelValues(f.Name, stage+"_error").Inc()
	s.cfg.Logger.Warn("feed cycle failed", "feed", f.Name, "stage", stage, "error", err)

	streak, serr := s.st.RecordFeedFailure(ctx, f.ID)
	if serr != nil {
		s.cfg.Logger.Error("scheduler: record failure", "feed", f.Name, "error", serr)
		return
	}
	if streak >= s.cfg.MaxFailStreak && f.Status != store.FeedError {
		if serr := s.st.SetFeedStatus(ctx, f.ID, store.FeedError); serr != nil {
			s.cfg.Logger.Error("scheduler: set error status", "feed", f.Name, "error", serr)
			return
		}
		s.events.Record(ctx, obs.Event{
			Type: "feed_error", Entity: "feed", EntityID: f.ID,
			Detail: fmt.Sprintf("%s: %d consecutive failures", f.Name, streak),
		})
		s.cfg.Logger.Error("feed moved to error status", "feed", f.Name, "fail_streak", streak)
	}
}
