// Package intel provides uniform adapters over external threat-intelligence
// providers.
//
// Every provider is wrapped in the same contract: one query in, one
// normalized (score, weight, outcome) result out. Provider-specific payload
// fields never leave the adapter; the aggregation engine only ever sees the
// normalized shape. Adapters never return an error to the caller — a failed
// consultation is a result with weight 0 and a non-ok outcome, recorded as
// evidence that the source was asked.
package intel

import (
	"context"
	"time"

	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/store"
	"golang.org/x/time/rate"
)

// Subject is what an adapter is asked about: a classified indicator or a
// file digest (which arrives as a hash-typed indicator).
type Subject struct {
	Value string
	Type  ioc.Type
}

// Adapter is the uniform query interface to one provider.
type Adapter interface {
	// Name is the stable provider identifier used in evidence and metrics.
	Name() string
	// Weight is the provider's maximum contribution to an aggregate, 0-1.
	Weight() float64
	// Supports reports whether the provider can answer for this IOC type.
	Supports(t ioc.Type) bool
	// Query consults the provider. It always returns a result: on timeout,
	// quota exhaustion or transport failure the outcome field says so and
	// the weight is 0.
	Query(ctx context.Context, sub Subject) store.SourceResult
}

// Config is the per-adapter tuning shared by all providers.
type Config struct {
	// APIKey authenticates against the provider. Empty disables the adapter
	// unless the provider allows anonymous queries.
	APIKey string
	// Timeout bounds one query. Default: 15s.
	Timeout time.Duration
	// RatePerMinute is the provider quota as a token bucket refill rate.
	// Default: 4 (one query per 15s, the free-tier shape most providers use).
	RatePerMinute float64
	// Burst is the token bucket size. Default: 4.
	Burst int
	// Weight overrides the provider's default aggregation weight when > 0.
	Weight float64
	// BaseURL overrides the provider endpoint. Used in tests.
	BaseURL string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 4
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
}

func (c *Config) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(c.RatePerMinute/60.0), c.Burst)
}

// clamp bounds a score to [0,100].
func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
