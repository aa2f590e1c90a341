// Package sandbox implements the detonation job orchestrator: a bounded
// FIFO queue in front of a fixed worker pool, with cooperative
// cancellation and a hard per-job timeout. Executors produce behavioral
// observations that reduce to a verdict with the same scoring policy
// used for intelligence sources.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/chimerasec/chimera/store"
)

// Environment describes one supported detonation target.
type Environment struct {
	Name     string
	Platform string // "windows" or "linux"
	Image    string
	Timeout  time.Duration
}

// Environments lists the supported detonation targets by name.
var Environments = map[string]Environment{
	"windows10": {Name: "windows10", Platform: "windows", Image: "threatanalysis/windows10-sandbox:latest", Timeout: 5 * time.Minute},
	"windows11": {Name: "windows11", Platform: "windows", Image: "threatanalysis/windows11-sandbox:latest", Timeout: 5 * time.Minute},
	"ubuntu20":  {Name: "ubuntu20", Platform: "linux", Image: "threatanalysis/ubuntu20-sandbox:latest", Timeout: 5 * time.Minute},
	"ubuntu22":  {Name: "ubuntu22", Platform: "linux", Image: "threatanalysis/ubuntu22-sandbox:latest", Timeout: 5 * time.Minute},
}

// DefaultEnvironment is used when a submission names no environment.
const DefaultEnvironment = "ubuntu20"

// LookupEnvironment resolves an environment name, applying the default
// for the empty string.
func LookupEnvironment(name string) (Environment, error) {
	if name == "" {
		name = DefaultEnvironment
	}
	env, ok := Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("sandbox: unsupported environment %q", name)
	}
	return env, nil
}

// Observation is one behavioral finding from a detonation, already
// normalized to the score/weight shape the verdict reducer consumes.
type Observation struct {
	Category string // "behavior", "network", "filesystem", "memory"
	Score    float64
	Weight   float64
	Detail   string
	Tags     []string
}

// Report is the full outcome of one detonation.
type Report struct {
	Observations []Observation
}

// Executor runs one file in one environment. Implementations must honor
// ctx cancellation promptly and may call progress with values in [0,100];
// the orchestrator keeps progress monotonic regardless of what the
// executor reports.
type Executor interface {
	Run(ctx context.Context, job *store.Job, content []byte, env Environment, progress func(int)) (*Report, error)
}

// sourceResults converts a report into per-category source results for
// the reducer. The indicator they attach to is the file digest.
func (r *Report) sourceResults(indicatorID string) []store.SourceResult {
	now := time.Now().UnixMilli()
	out := make([]store.SourceResult, 0, len(r.Observations))
	for _, o := range r.Observations {
		out = append(out, store.SourceResult{
			IndicatorID: indicatorID,
			Source:      "sandbox:" + o.Category,
			Score:       o.Score,
			Weight:      o.Weight,
			Outcome:     store.OutcomeOK,
			Detail:      o.Detail,
			Tags:        o.Tags,
			FetchedAt:   now,
		})
	}
	return out
}

// maxWeight is the weight ceiling for confidence scoring over a report.
func (r *Report) maxWeight() float64 {
	var sum float64
	for _, o := range r.Observations {
		sum += o.Weight
	}
	return sum
}
