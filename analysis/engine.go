// Package analysis implements the verdict aggregation engine: it fans an
// indicator out to every configured intelligence source concurrently,
// collects their normalized results, and reduces them to one verdict.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chimerasec/chimera/idgen"
	"github.com/chimerasec/chimera/intel"
	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/store"
)

// ErrInvalidIndicator rejects input that classifies to no known type.
// It is the only analysis error surfaced before any source is queried.
var ErrInvalidIndicator = errors.New("analysis: invalid indicator")

// Config tunes one engine instance.
type Config struct {
	// Deadline bounds one whole analyze call. Sources still pending when
	// it expires are recorded with a timeout outcome. Default 30s.
	Deadline time.Duration

	Policy Policy
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Policy.defaults()
}

// Engine aggregates source adapter answers into verdicts.
type Engine struct {
	store    *store.Store
	adapters []intel.Adapter
	cfg      Config

	indID idgen.Generator
	resID idgen.Generator
	verID idgen.Generator
}

// New creates an engine over the given adapters. The adapter set is fixed
// for the engine's lifetime; per-indicator eligibility is decided by each
// adapter's Supports method at analyze time.
func New(st *store.Store, adapters []intel.Adapter, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		store:    st,
		adapters: adapters,
		cfg:      cfg,
		indID:    idgen.Prefixed("ind_", idgen.UUIDv7()),
		resID:    idgen.Prefixed("res_", idgen.UUIDv7()),
		verID:    idgen.Prefixed("ver_", idgen.UUIDv7()),
	}
}

// Analyze classifies raw input, consults every eligible source, and
// persists both the per-source results and the reduced verdict. A failed
// or deadline-exceeded source degrades confidence; it never fails the
// call. Only unclassifiable input is rejected.
func (e *Engine) Analyze(ctx context.Context, raw string) (*store.Verdict, error) {
	t, err := ioc.Classify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIndicator, raw)
	}
	value := ioc.Normalize(raw, t)

	ind, err := e.store.PutIndicator(ctx, &store.Indicator{ID: e.indID(), Value: value, Type: t})
	if err != nil {
		return nil, fmt.Errorf("analysis: store indicator: %w", err)
	}

	started := time.Now()
	results, maxWeight := e.consult(ctx, intel.Subject{Value: value, Type: t})
	red := Reduce(results, maxWeight, e.cfg.Policy)

	verdict := &store.Verdict{
		ID:          e.verID(),
		IndicatorID: ind.ID,
		Label:       red.Label,
		Confidence:  red.Confidence,
		Threat:      red.Threat,
		Evidence:    red.Evidence,
		Tags:        red.Tags,
		CreatedAt:   time.Now().UnixMilli(),
	}

	for i := range results {
		results[i].ID = e.resID()
		results[i].IndicatorID = ind.ID
		if err := e.store.AppendSourceResult(ctx, &results[i]); err != nil {
			return nil, fmt.Errorf("analysis: store source result: %w", err)
		}
	}
	if err := e.store.AppendVerdict(ctx, verdict); err != nil {
		return nil, fmt.Errorf("analysis: store verdict: %w", err)
	}

	obs.AnalysisDuration.Observe(time.Since(started).Seconds())
	obs.AnalysesTotal.WithLabelValues(string(red.Label)).Inc()
	e.cfg.Logger.Info("analysis complete",
		"indicator", value, "type", string(t), "label", string(red.Label),
		"threat", red.Threat, "confidence", red.Confidence,
		"sources", len(results), "elapsed_ms", time.Since(started).Milliseconds())
	return verdict, nil
}

// consult fans out to every adapter that supports the subject's type and
// joins all answers, bounded by the engine deadline. Adapters that have
// not answered when the deadline fires are recorded as timed out; their
// goroutines drain into the buffered channel and are dropped.
func (e *Engine) consult(ctx context.Context, sub intel.Subject) ([]store.SourceResult, float64) {
	var eligible []intel.Adapter
	var maxWeight float64
	for _, a := range e.adapters {
		if a.Supports(sub.Type) {
			eligible = append(eligible, a)
			maxWeight += a.Weight()
		}
	}
	if len(eligible) == 0 {
		return nil, 0
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	type answer struct {
		idx int
		res store.SourceResult
	}
	ch := make(chan answer, len(eligible))
	for i, a := range eligible {
		go func(i int, a intel.Adapter) {
			ch <- answer{i, a.Query(ctx, sub)}
		}(i, a)
	}

	got := make([]*store.SourceResult, len(eligible))
	for pending := len(eligible); pending > 0; {
		select {
		case ans := <-ch:
			got[ans.idx] = &ans.res
			pending--
		case <-ctx.Done():
			pending = 0
		}
	}

	results := make([]store.SourceResult, 0, len(eligible))
	for i, a := range eligible {
		r := got[i]
		if r == nil {
			r = &store.SourceResult{
				Source:    a.Name(),
				Outcome:   store.OutcomeTimeout,
				Detail:    "timeout: no answer within analysis deadline",
				FetchedAt: time.Now().UnixMilli(),
			}
			e.cfg.Logger.Warn("source deadline exceeded", "source", a.Name(), "indicator", sub.Value)
		}
		obs.SourceQueries.WithLabelValues(r.Source, string(r.Outcome)).Inc()
		results = append(results, *r)
	}
	return results, maxWeight
}
