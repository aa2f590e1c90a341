package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chimerasec/chimera/dbopen"
	"github.com/chimerasec/chimera/store"
	_ "modernc.org/sqlite"
)

func newFeedStore(t *testing.T) *store.Store {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return store.New(db)
}

func newTestScheduler(t *testing.T, st *store.Store) *Scheduler {
	fetcher := NewFetcher(FetchConfig{
		Timeout:      2 * time.Second,
		URLValidator: func(string) error { return nil },
	})
	return NewScheduler(st, fetcher, NewIngestor(st), nil, SchedulerConfig{})
}

func insertFeed(t *testing.T, st *store.Store, url string, status store.FeedStatus) *store.Feed {
	t.Helper()
	f := &store.Feed{
		ID:       "feed_" + string(status) + "_test",
		Name:     "test feed",
		URL:      url,
		Format:   store.FormatJSON,
		Interval: int64(time.Hour / time.Millisecond),
		Status:   status,
	}
	if err := st.InsertFeed(context.Background(), f); err != nil {
		t.Fatalf("insert feed: %v", err)
	}
	return f
}

func reload(t *testing.T, st *store.Store, id string) *store.Feed {
	t.Helper()
	f, err := st.GetFeed(context.Background(), id)
	if err != nil || f == nil {
		t.Fatalf("reload feed: %v", err)
	}
	return f
}

func TestCycle_SuccessUpdatesCounters(t *testing.T) {
	// WHAT: A successful cycle bumps record_count by new records only and
	// stamps last_update.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"value": "evil.example"}, {"value": "198.51.100.7"}]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)

	s.runCycle(context.Background(), f)

	got := reload(t, st, f.ID)
	if got.RecordCount != 2 {
		t.Errorf("record_count: got %d, want 2", got.RecordCount)
	}
	if got.LastUpdate == nil {
		t.Error("last_update not stamped")
	}
	if got.ErrorCount != 0 || got.FailStreak != 0 {
		t.Errorf("error counters: count %d streak %d", got.ErrorCount, got.FailStreak)
	}
}

func TestCycle_BearerCredentialSent(t *testing.T) {
	// WHAT: The feed's credential travels as a bearer token.
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)
	f.AuthToken = "sekrit"

	s.runCycle(context.Background(), f)
	if gotAuth != "Bearer sekrit" {
		t.Errorf("authorization: got %q", gotAuth)
	}
}

func TestCycle_UnchangedPayloadSkipsParse(t *testing.T) {
	// WHAT: A second cycle with identical content is a success with zero
	// new records; the body hash makes re-ingest unnecessary.
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[{"value": "evil.example"}]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)

	s.runCycle(context.Background(), f)
	s.runCycle(context.Background(), reload(t, st, f.ID))

	got := reload(t, st, f.ID)
	if got.RecordCount != 1 {
		t.Errorf("record_count: got %d, want 1", got.RecordCount)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("server hits: got %d, want 2", hits)
	}
}

func TestCycle_FailStreakMovesToError(t *testing.T) {
	// WHAT: Three consecutive failed cycles move the feed to error; one
	// success afterwards returns it to active.
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"value": "evil.example"}]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)

	for i := 0; i < 2; i++ {
		s.runCycle(context.Background(), reload(t, st, f.ID))
	}
	if got := reload(t, st, f.ID); got.Status != store.FeedActive {
		t.Fatalf("status after 2 failures: got %q, want active", got.Status)
	}

	s.runCycle(context.Background(), reload(t, st, f.ID))
	got := reload(t, st, f.ID)
	if got.Status != store.FeedError {
		t.Fatalf("status after 3 failures: got %q, want error", got.Status)
	}
	if got.ErrorCount != 3 || got.FailStreak != 3 {
		t.Errorf("counters: error_count %d fail_streak %d", got.ErrorCount, got.FailStreak)
	}

	failing.Store(false)
	s.runCycle(context.Background(), reload(t, st, f.ID))
	got = reload(t, st, f.ID)
	if got.Status != store.FeedActive {
		t.Errorf("status after recovery: got %q, want active", got.Status)
	}
	if got.FailStreak != 0 {
		t.Errorf("fail_streak after recovery: got %d, want 0", got.FailStreak)
	}
	if got.ErrorCount != 3 {
		t.Errorf("error_count should keep history: got %d, want 3", got.ErrorCount)
	}
}

func TestCycle_ParseFailureCounts(t *testing.T) {
	// WHAT: A fetch that succeeds but does not parse is still a failed
	// cycle.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{{{not json`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)

	s.runCycle(context.Background(), f)
	got := reload(t, st, f.ID)
	if got.ErrorCount != 1 {
		t.Errorf("error_count: got %d, want 1", got.ErrorCount)
	}
	if got.LastUpdate != nil {
		t.Error("last_update must only move on success")
	}
}

func TestCycle_RepeatedParseFailureReachesError(t *testing.T) {
	// WHAT: A feed whose body never parses keeps failing even though the
	// bytes are identical from cycle to cycle. The content hash is only
	// remembered after a full success, so the repeat fetches must not be
	// mistaken for unchanged payloads.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{{{not json`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)

	for i := 0; i < 3; i++ {
		s.runCycle(context.Background(), reload(t, st, f.ID))
	}

	got := reload(t, st, f.ID)
	if got.Status != store.FeedError {
		t.Fatalf("status: got %q, want error", got.Status)
	}
	if got.ErrorCount != 3 || got.FailStreak != 3 {
		t.Errorf("counters: error_count %d fail_streak %d, want 3/3", got.ErrorCount, got.FailStreak)
	}
	if got.LastUpdate != nil {
		t.Error("last_update must only move on success")
	}
}

func TestDispatch_InactiveNeverScheduled(t *testing.T) {
	// WHAT: An inactive feed is skipped by the dispatcher no matter how
	// overdue it is, and a manual trigger is refused.
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	insertFeed(t, st, srv.URL, store.FeedInactive)

	s.dispatchDue(context.Background())
	s.wg.Wait()
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("inactive feed was fetched %d times", hits)
	}

	err := s.Trigger(context.Background(), "feed_inactive_test")
	if !errors.Is(err, ErrFeedInactive) {
		t.Errorf("trigger: got %v, want ErrFeedInactive", err)
	}
}

func TestDispatch_NewFeedRunsImmediately(t *testing.T) {
	// WHAT: A feed that has never succeeded is due on first sight.
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	insertFeed(t, st, srv.URL, store.FeedActive)

	s.dispatchDue(context.Background())
	s.wg.Wait()
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits: got %d, want 1", hits)
	}

	// Freshly run: not due again until the interval elapses.
	s.dispatchDue(context.Background())
	s.wg.Wait()
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits after immediate re-dispatch: got %d, want 1", hits)
	}
}

func TestTrigger_SingleFlight(t *testing.T) {
	// WHAT: A feed mid-cycle refuses an overlapping trigger.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	st := newFeedStore(t)
	s := newTestScheduler(t, st)
	f := insertFeed(t, st, srv.URL, store.FeedActive)

	if err := s.Trigger(context.Background(), f.ID); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	err := s.Trigger(context.Background(), f.ID)
	if !errors.Is(err, ErrFeedBusy) {
		t.Errorf("second trigger: got %v, want ErrFeedBusy", err)
	}
	close(release)
	s.wg.Wait()

	// With the first cycle done the feed can be triggered again, but it
	// was just run, so the next trigger starts a fresh cycle.
	if err := s.Trigger(context.Background(), f.ID); err != nil {
		t.Errorf("trigger after completion: %v", err)
	}
	s.wg.Wait()
}

func TestIngest_BloomDedup(t *testing.T) {
	// WHAT: Re-ingesting the same batch reports zero new records.
	st := newFeedStore(t)
	in := NewIngestor(st)
	f := insertFeed(t, st, "http://unused.example", store.FeedActive)

	batch := []*store.FeedIndicator{
		{Value: "evil.example", Type: "domain"},
		{Value: "198.51.100.7", Type: "ip"},
	}
	added, err := in.Ingest(context.Background(), f.ID, batch)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if added != 2 {
		t.Errorf("first ingest: got %d new, want 2", added)
	}

	batch2 := []*store.FeedIndicator{
		{Value: "evil.example", Type: "domain"},
		{Value: "fresh.example", Type: "domain"},
	}
	added, err = in.Ingest(context.Background(), f.ID, batch2)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if added != 1 {
		t.Errorf("second ingest: got %d new, want 1", added)
	}
}
