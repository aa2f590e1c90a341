package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chimerasec/chimera/analysis"
	"github.com/chimerasec/chimera/dbopen"
	"github.com/chimerasec/chimera/feeds"
	"github.com/chimerasec/chimera/intel"
	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/sandbox"
	"github.com/chimerasec/chimera/store"
	_ "modernc.org/sqlite"
)

// cannedAdapter always answers with a fixed score.
type cannedAdapter struct {
	name   string
	score  float64
	weight float64
}

func (c *cannedAdapter) Name() string             { return c.name }
func (c *cannedAdapter) Weight() float64          { return c.weight }
func (c *cannedAdapter) Supports(t ioc.Type) bool { return true }

func (c *cannedAdapter) Query(ctx context.Context, sub intel.Subject) store.SourceResult {
	return store.SourceResult{
		Source: c.name, Score: c.score, Weight: c.weight,
		Outcome: store.OutcomeOK, Detail: "canned",
		FetchedAt: time.Now().UnixMilli(),
	}
}

func newTestServer(t *testing.T) (*Server, *store.Store, *sandbox.Orchestrator) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)

	engine := analysis.New(st, []intel.Adapter{
		&cannedAdapter{name: "alpha", score: 80, weight: 0.5},
		&cannedAdapter{name: "beta", score: 40, weight: 0.5},
	}, analysis.Config{})

	fetcher := feeds.NewFetcher(feeds.FetchConfig{URLValidator: func(string) error { return nil }})
	scheduler := feeds.NewScheduler(st, fetcher, feeds.NewIngestor(st), nil, feeds.SchedulerConfig{})

	orch := sandbox.New(st, &sandbox.LocalExecutor{}, nil, sandbox.Config{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(cancel)

	return New(engine, scheduler, orch, st, nil, Options{}), st, orch
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeEndpoint(t *testing.T) {
	// WHAT: POST /api/analyze returns the reduced verdict.
	s, _, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, "POST", "/api/analyze", map[string]string{"indicator": "malware.com"})
	if rec.Code != 200 {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body)
	}
	var v store.Verdict
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Threat != 60 {
		t.Errorf("threat: got %v, want 60", v.Threat)
	}
	if v.Label != store.LabelSuspicious {
		t.Errorf("label: got %q", v.Label)
	}
}

func TestAnalyzeEndpoint_Invalid(t *testing.T) {
	// WHAT: Unclassifiable input is a 400, not a 500.
	s, _, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, "POST", "/api/analyze", map[string]string{"indicator": "!!!"})
	if rec.Code != 400 {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestAnalyzeBatch(t *testing.T) {
	// WHAT: A batch mixes successes and per-entry failures.
	s, _, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, "POST", "/api/analyze/batch",
		map[string][]string{"indicators": {"malware.com", "!! bad !!", "198.51.100.7"}})
	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	var out struct {
		Results []struct {
			Indicator string         `json:"indicator"`
			Verdict   *store.Verdict `json:"verdict"`
			Error     string         `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results: got %d", len(out.Results))
	}
	if out.Results[0].Verdict == nil || out.Results[2].Verdict == nil {
		t.Error("valid indicators should have verdicts")
	}
	if out.Results[1].Error == "" {
		t.Error("invalid indicator should carry an error")
	}
}

func TestVerdictHistoryEndpoint(t *testing.T) {
	// WHAT: History returns past verdicts for an analyzed indicator and
	// 404 for one never seen.
	s, _, _ := newTestServer(t)
	h := s.Router()

	doJSON(t, h, "POST", "/api/analyze", map[string]string{"indicator": "malware.com"})
	doJSON(t, h, "POST", "/api/analyze", map[string]string{"indicator": "malware.com"})

	rec := doJSON(t, h, "GET", "/api/indicators/history?value=malware.com", nil)
	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	var out struct {
		Verdicts []store.Verdict `json:"verdicts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Verdicts) != 2 {
		t.Errorf("verdicts: got %d, want 2", len(out.Verdicts))
	}

	rec = doJSON(t, h, "GET", "/api/indicators/history?value=never-seen.example", nil)
	if rec.Code != 404 {
		t.Errorf("unseen status: got %d, want 404", rec.Code)
	}
}

func TestFeedLifecycleEndpoints(t *testing.T) {
	// WHAT: Add, list, toggle; triggering an inactive feed conflicts.
	s, _, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, "POST", "/api/feeds/", map[string]any{
		"name": "test feed", "url": "https://feeds.example.com/iocs.json",
		"format": "JSON", "update_interval": 0.5,
	})
	if rec.Code != 201 {
		t.Fatalf("add: got %d, body %s", rec.Code, rec.Body)
	}
	var f store.Feed
	if err := json.Unmarshal(rec.Body.Bytes(), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Interval != int64(30*time.Minute/time.Millisecond) {
		t.Errorf("interval: got %d ms, want 30 minutes", f.Interval)
	}
	if f.Status != store.FeedActive {
		t.Errorf("status: got %q, want active", f.Status)
	}

	rec = doJSON(t, h, "GET", "/api/feeds/", nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), f.ID) {
		t.Errorf("list: code %d body %s", rec.Code, rec.Body)
	}
	// Credentials never leak through the API.
	if strings.Contains(rec.Body.String(), "auth_token") {
		t.Error("feed listing exposes credentials")
	}

	rec = doJSON(t, h, "POST", "/api/feeds/"+f.ID+"/toggle", nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "inactive") {
		t.Errorf("toggle: code %d body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "POST", "/api/feeds/"+f.ID+"/trigger", nil)
	if rec.Code != 409 {
		t.Errorf("trigger inactive: got %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/feeds/"+f.ID+"/toggle", nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "active") {
		t.Errorf("re-toggle: code %d body %s", rec.Code, rec.Body)
	}
}

func TestFeedAddValidation(t *testing.T) {
	// WHAT: Bad format and internal URLs are rejected.
	s, _, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, "POST", "/api/feeds/", map[string]any{
		"name": "x", "url": "https://feeds.example.com/a", "format": "YAML",
	})
	if rec.Code != 400 {
		t.Errorf("bad format: got %d, want 400", rec.Code)
	}
	rec = doJSON(t, h, "POST", "/api/feeds/", map[string]any{
		"name": "x", "url": "http://127.0.0.1/feed", "format": "JSON",
	})
	if rec.Code != 400 {
		t.Errorf("internal url: got %d, want 400", rec.Code)
	}
}

func submitFile(t *testing.T, h http.Handler, filename, env string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(content)
	if env != "" {
		mw.WriteField("environment", env)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/sandbox/submit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSandboxEndpoints(t *testing.T) {
	// WHAT: Submit, poll status to completion, then cancellation of the
	// finished job conflicts.
	s, st, _ := newTestServer(t)
	h := s.Router()

	rec := submitFile(t, h, "sample.bin", "ubuntu22", []byte("some payload"))
	if rec.Code != 202 {
		t.Fatalf("submit: got %d, body %s", rec.Code, rec.Body)
	}
	var out map[string]string
	json.Unmarshal(rec.Body.Bytes(), &out)
	id := out["job_id"]
	if id == "" {
		t.Fatal("no job id returned")
	}

	deadline := time.Now().Add(5 * time.Second)
	var j *store.Job
	for time.Now().Before(deadline) {
		j, _ = st.GetJob(context.Background(), id)
		if j != nil && j.State.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if j == nil || j.State != store.JobCompleted {
		t.Fatalf("job state: %+v", j)
	}

	rec = doJSON(t, h, "GET", "/api/sandbox/jobs/"+id, nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "completed") {
		t.Errorf("status: code %d body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "POST", "/api/sandbox/jobs/"+id+"/cancel", nil)
	if rec.Code != 409 {
		t.Errorf("cancel terminal: got %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, "GET", "/api/sandbox/jobs/job_missing", nil)
	if rec.Code != 404 {
		t.Errorf("missing job: got %d, want 404", rec.Code)
	}
}

func TestSubmitFile_Empty(t *testing.T) {
	// WHAT: Empty uploads are refused before queueing.
	s, _, _ := newTestServer(t)
	h := s.Router()
	rec := submitFile(t, h, "empty.bin", "", nil)
	if rec.Code != 400 {
		t.Errorf("empty file: got %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Router()
	rec := doJSON(t, h, "GET", "/healthz", nil)
	if rec.Code != 200 {
		t.Errorf("healthz: got %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	// WHAT: GET /api/events lists recorded events and filters by type.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(obs.EventSchema))
	st := store.New(db)
	events := obs.NewEvents(db, nil)
	events.Record(context.Background(), obs.Event{Type: "feed_error", Entity: "feed", EntityID: "feed_1", Detail: "3 consecutive failures"})
	events.Record(context.Background(), obs.Event{Type: "job_cancelled", Entity: "job", EntityID: "job_1", Success: true})

	h := New(nil, nil, nil, st, events, Options{}).Router()

	rec := doJSON(t, h, "GET", "/api/events", nil)
	if rec.Code != 200 {
		t.Fatalf("list events: got %d", rec.Code)
	}
	var all []obs.Event
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("events: got %d, want 2", len(all))
	}

	rec = doJSON(t, h, "GET", "/api/events?type=feed_error", nil)
	var filtered []obs.Event
	if err := json.NewDecoder(rec.Body).Decode(&filtered); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].EntityID != "feed_1" {
		t.Fatalf("filtered events: got %+v", filtered)
	}
	if filtered[0].CreatedAt == 0 {
		t.Error("created_at not populated on read")
	}
}
