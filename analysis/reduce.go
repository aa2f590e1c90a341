package analysis

import (
	"fmt"
	"sort"

	"github.com/chimerasec/chimera/store"
)

// Policy holds the verdict label thresholds. Thresholds are tunable
// policy, not fixed law; the defaults match the standard bands.
type Policy struct {
	MaliciousAt  float64 // threat score at or above this is MALICIOUS
	SuspiciousAt float64 // threat score at or above this is SUSPICIOUS
}

func (p *Policy) defaults() {
	if p.MaliciousAt == 0 {
		p.MaliciousAt = 70
	}
	if p.SuspiciousAt == 0 {
		p.SuspiciousAt = 30
	}
}

// Reduction is the pure output of combining one run's source results.
type Reduction struct {
	Label      store.Label
	Threat     float64
	Confidence float64
	Evidence   []string
	Tags       []string
}

// Reduce combines the source results of one analysis run into a single
// reduction. It is deterministic: the same inputs always yield the same
// output, regardless of result order.
//
// Threat score is the weighted average of the scores that answered.
// Confidence is the fraction of the maximum possible weight that actually
// answered, scaled to 0-100: it measures coverage, not agreement. A run
// where nothing answered has zero weight and is UNKNOWN, never BENIGN.
func Reduce(results []store.SourceResult, maxWeight float64, p Policy) Reduction {
	p.defaults()

	var weightedSum, weightTotal float64
	ok := make([]store.SourceResult, 0, len(results))
	for _, r := range results {
		if r.Outcome != store.OutcomeOK || r.Weight <= 0 {
			continue
		}
		weightedSum += r.Score * r.Weight
		weightTotal += r.Weight
		ok = append(ok, r)
	}

	red := Reduction{Evidence: []string{}, Tags: []string{}}
	if weightTotal > 0 {
		red.Threat = weightedSum / weightTotal
	}
	if maxWeight > 0 {
		red.Confidence = weightTotal / maxWeight * 100
		if red.Confidence > 100 {
			red.Confidence = 100
		}
	}

	switch {
	case weightTotal == 0:
		red.Label = store.LabelUnknown
	case red.Threat >= p.MaliciousAt:
		red.Label = store.LabelMalicious
	case red.Threat >= p.SuspiciousAt:
		red.Label = store.LabelSuspicious
	default:
		red.Label = store.LabelBenign
	}

	// Evidence lines ordered by descending individual score; ties broken
	// by source name so the ordering is total.
	sort.SliceStable(ok, func(i, j int) bool {
		if ok[i].Score != ok[j].Score {
			return ok[i].Score > ok[j].Score
		}
		return ok[i].Source < ok[j].Source
	})
	seen := map[string]bool{}
	for _, r := range ok {
		red.Evidence = append(red.Evidence,
			fmt.Sprintf("%s: %s (score %.1f, weight %.2f)", r.Source, r.Detail, r.Score, r.Weight))
		for _, tag := range r.Tags {
			if !seen[tag] {
				seen[tag] = true
				red.Tags = append(red.Tags, tag)
			}
		}
	}
	return red
}
