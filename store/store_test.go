package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chimerasec/chimera/dbopen"
	"github.com/chimerasec/chimera/ioc"
	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func TestIndicator_UpsertIdentity(t *testing.T) {
	// WHAT: Re-putting the same normalized value+type reuses the stored row.
	// WHY: Indicator identity anchors verdict history; a duplicate row would
	// split the history in two.
	st := newStore(t)
	ctx := context.Background()

	first, err := st.PutIndicator(ctx, &Indicator{ID: "ind_1", Value: "evil.example", Type: ioc.TypeDomain})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := st.PutIndicator(ctx, &Indicator{ID: "ind_2", Value: "evil.example", Type: ioc.TypeDomain})
	if err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("identity changed: %q -> %q", first.ID, second.ID)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at changed: %d -> %d", first.CreatedAt, second.CreatedAt)
	}
}

func TestIndicator_SameValueDifferentType(t *testing.T) {
	// WHAT: The same literal value under two types is two indicators.
	st := newStore(t)
	ctx := context.Background()

	a, err := st.PutIndicator(ctx, &Indicator{ID: "ind_a", Value: "example.com", Type: ioc.TypeDomain})
	if err != nil {
		t.Fatalf("put domain: %v", err)
	}
	b, err := st.PutIndicator(ctx, &Indicator{ID: "ind_b", Value: "example.com", Type: ioc.TypeEmail})
	if err != nil {
		t.Fatalf("put email: %v", err)
	}
	if a.ID == b.ID {
		t.Error("distinct types must not share an indicator row")
	}
}

func TestVerdict_HistoryNewestFirst(t *testing.T) {
	// WHAT: Verdicts are append-only and history comes back newest first,
	// with LatestVerdict matching the head of the history.
	st := newStore(t)
	ctx := context.Background()

	ind, err := st.PutIndicator(ctx, &Indicator{ID: "ind_1", Value: "1.2.3.4", Type: ioc.TypeIP})
	if err != nil {
		t.Fatalf("put indicator: %v", err)
	}
	for i := 0; i < 3; i++ {
		v := &Verdict{
			ID:          fmt.Sprintf("ver_%d", i),
			IndicatorID: ind.ID,
			Label:       LabelSuspicious,
			Threat:      float64(40 + i),
			Confidence:  50,
			Evidence:    []string{"virustotal: flagged"},
			CreatedAt:   int64(1000 + i),
		}
		if err := st.AppendVerdict(ctx, v); err != nil {
			t.Fatalf("append verdict %d: %v", i, err)
		}
	}

	hist, err := st.VerdictHistory(ctx, ind.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history len: got %d, want 3", len(hist))
	}
	if hist[0].ID != "ver_2" || hist[2].ID != "ver_0" {
		t.Errorf("order: got %q..%q, want ver_2..ver_0", hist[0].ID, hist[2].ID)
	}
	latest, err := st.LatestVerdict(ctx, ind.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "ver_2" || latest.Threat != 42 {
		t.Errorf("latest: got %q threat %v", latest.ID, latest.Threat)
	}
	if len(latest.Evidence) != 1 {
		t.Errorf("evidence round-trip: %v", latest.Evidence)
	}
}

func TestVerdict_NotFoundIsNil(t *testing.T) {
	st := newStore(t)
	v, err := st.GetVerdict(context.Background(), "ver_missing")
	if err != nil || v != nil {
		t.Errorf("got %v, %v; want nil, nil", v, err)
	}
}

func TestFeed_SuccessAndFailureCounters(t *testing.T) {
	// WHAT: Failures grow error_count and the streak without touching
	// last_update; one success resets the streak, moves last_update, and
	// keeps the cumulative error_count.
	st := newStore(t)
	ctx := context.Background()

	feed := &Feed{ID: "feed_1", Name: "test", URL: "https://feeds.example/v1", Format: FormatJSON, Interval: 3600000}
	if err := st.InsertFeed(ctx, feed); err != nil {
		t.Fatalf("insert feed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		streak, err := st.RecordFeedFailure(ctx, feed.ID)
		if err != nil {
			t.Fatalf("failure %d: %v", want, err)
		}
		if streak != want {
			t.Errorf("streak: got %d, want %d", streak, want)
		}
	}
	f, _ := st.GetFeed(ctx, feed.ID)
	if f.LastUpdate != nil {
		t.Error("last_update must not move on failure")
	}
	if f.ErrorCount != 2 {
		t.Errorf("error_count: got %d, want 2", f.ErrorCount)
	}

	if err := st.RecordFeedSuccess(ctx, feed.ID, 17); err != nil {
		t.Fatalf("success: %v", err)
	}
	f, _ = st.GetFeed(ctx, feed.ID)
	if f.FailStreak != 0 {
		t.Errorf("streak after success: got %d, want 0", f.FailStreak)
	}
	if f.ErrorCount != 2 {
		t.Errorf("error_count after success: got %d, want 2 (cumulative)", f.ErrorCount)
	}
	if f.LastUpdate == nil || f.RecordCount != 17 {
		t.Errorf("success bookkeeping: last_update %v records %d", f.LastUpdate, f.RecordCount)
	}

	if err := st.ResetFeedErrors(ctx, feed.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	f, _ = st.GetFeed(ctx, feed.ID)
	if f.ErrorCount != 0 || f.FailStreak != 0 {
		t.Errorf("after reset: errors %d streak %d", f.ErrorCount, f.FailStreak)
	}
}

func TestFeed_SuccessLeavesInactiveAlone(t *testing.T) {
	// WHAT: A success arriving for a feed an operator disabled mid-cycle
	// does not resurrect it.
	st := newStore(t)
	ctx := context.Background()

	feed := &Feed{ID: "feed_1", Name: "test", URL: "https://feeds.example/v1", Format: FormatCSV, Interval: 60000}
	if err := st.InsertFeed(ctx, feed); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.SetFeedStatus(ctx, feed.ID, FeedInactive); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := st.RecordFeedSuccess(ctx, feed.ID, 5); err != nil {
		t.Fatalf("success: %v", err)
	}
	f, _ := st.GetFeed(ctx, feed.ID)
	if f.Status != FeedInactive {
		t.Errorf("status: got %q, want inactive", f.Status)
	}
}

func TestFeedIndicators_UpsertCountsNewOnly(t *testing.T) {
	// WHAT: The batch upsert reports only genuinely new rows; duplicates
	// just move last_seen forward.
	st := newStore(t)
	ctx := context.Background()

	feed := &Feed{ID: "feed_1", Name: "test", URL: "https://feeds.example/v1", Format: FormatJSON, Interval: 60000}
	if err := st.InsertFeed(ctx, feed); err != nil {
		t.Fatalf("insert: %v", err)
	}

	batch := []*FeedIndicator{
		{ID: "fi_1", Value: "evil.example", Type: ioc.TypeDomain, Confidence: 80, ThreatLevel: "high"},
		{ID: "fi_2", Value: "10.9.8.7", Type: ioc.TypeIP, Confidence: 50, ThreatLevel: "medium"},
	}
	n, err := st.UpsertFeedIndicators(ctx, feed.ID, batch)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n != 2 {
		t.Errorf("first batch: got %d new, want 2", n)
	}

	again := []*FeedIndicator{
		{ID: "fi_3", Value: "evil.example", Type: ioc.TypeDomain, Confidence: 80, ThreatLevel: "high"},
	}
	n, err = st.UpsertFeedIndicators(ctx, feed.ID, again)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if n != 0 {
		t.Errorf("duplicate batch: got %d new, want 0", n)
	}

	found, err := st.SearchFeedIndicators(ctx, "evil.example", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != "fi_1" {
		t.Errorf("search: %+v", found)
	}
}

func TestJob_TransitionGuards(t *testing.T) {
	// WHAT: The transition table is enforced both statically (illegal pairs)
	// and against the stored state (stale transitions lose).
	st := newStore(t)
	ctx := context.Background()

	job := &Job{ID: "job_1", FileSHA256: "abc", Filename: "sample.bin", Environment: "ubuntu20"}
	if err := st.AppendJob(ctx, job); err != nil {
		t.Fatalf("append: %v", err)
	}

	// queued -> completed skips running and is statically illegal.
	err := st.TransitionJob(ctx, job.ID, JobQueued, JobCompleted, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("queued->completed: got %v, want ErrIllegalTransition", err)
	}

	if err := st.TransitionJob(ctx, job.ID, JobQueued, JobRunning, ""); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	// A second dispatcher trying the same transition must lose.
	err = st.TransitionJob(ctx, job.ID, JobQueued, JobRunning, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("stale queued->running: got %v, want ErrIllegalTransition", err)
	}

	if err := st.TransitionJob(ctx, job.ID, JobRunning, JobCancelled, "operator"); err != nil {
		t.Fatalf("running->cancelled: %v", err)
	}
	j, _ := st.GetJob(ctx, job.ID)
	if j.State != JobCancelled || j.Reason != "operator" {
		t.Errorf("final: state %q reason %q", j.State, j.Reason)
	}
	if j.CompletedAt == nil {
		t.Error("terminal transition must stamp completed_at")
	}
}

func TestJob_ProgressMonotonic(t *testing.T) {
	// WHAT: Progress never moves backwards and never reaches 100 outside of
	// completion.
	st := newStore(t)
	ctx := context.Background()

	job := &Job{ID: "job_1", FileSHA256: "abc", Filename: "a", Environment: "ubuntu20"}
	if err := st.AppendJob(ctx, job); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.TransitionJob(ctx, job.ID, JobQueued, JobRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}

	for _, p := range []int{40, 70, 30, 100} {
		if err := st.SetJobProgress(ctx, job.ID, p); err != nil {
			t.Fatalf("progress %d: %v", p, err)
		}
	}
	j, _ := st.GetJob(ctx, job.ID)
	if j.Progress != 99 {
		t.Errorf("progress: got %d, want 99 (70 then clamped 100->99)", j.Progress)
	}

	if err := st.CompleteJob(ctx, job.ID, "ver_1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	j, _ = st.GetJob(ctx, job.ID)
	if j.Progress != 100 || j.VerdictID != "ver_1" || j.State != JobCompleted {
		t.Errorf("completed: progress %d verdict %q state %q", j.Progress, j.VerdictID, j.State)
	}

	// Terminal jobs refuse further completion.
	if err := st.CompleteJob(ctx, job.ID, "ver_2"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("re-complete: got %v, want ErrIllegalTransition", err)
	}
}

func TestJobStats_Counts(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i, state := range []JobState{JobQueued, JobQueued, JobRunning, JobCompleted} {
		j := &Job{ID: fmt.Sprintf("job_%d", i), FileSHA256: "x", Filename: "f", Environment: "ubuntu20", State: state}
		if err := st.AppendJob(ctx, j); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	stats, err := st.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Queued != 2 || stats.Running != 1 || stats.Completed != 1 {
		t.Errorf("stats: %+v", stats)
	}
}
