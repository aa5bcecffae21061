// Package analysis folds the analyzer's per-chunk results into one live
// risk estimate. Everything is recomputed from the full result list on each
// call; there is no running accumulator.
package analysis

import (
	"callshield/protocol"
)

const (
	peakWeight       = 0.6
	cumulativeWeight = 0.4
	trendEpsilon     = 0.05
)

type Trend string

const (
	TrendStable  Trend = "stable"
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
)

type Estimate struct {
	Chunks     int
	Peak       float64
	Cumulative float64
	Effective  float64
	// HasScore is false until the first result arrives; Cumulative,
	// Effective and Verdict are meaningless before that.
	HasScore       bool
	Verdict        protocol.Verdict
	Recommendation string
	Trend          Trend
}

// Compute derives the estimate for an ordered result sequence.
func Compute(results []protocol.PartialResult) Estimate {
	est := Estimate{Chunks: len(results), Trend: TrendStable}
	if len(results) == 0 {
		return est
	}

	best := 0
	for i, r := range results {
		if r.ScamScore > est.Peak {
			est.Peak = r.ScamScore
		}
		if r.ScamScore > results[best].ScamScore {
			best = i
		}
	}

	last := results[len(results)-1]
	est.HasScore = true
	est.Cumulative = last.CumulativeScore
	// Explicit conversions keep the compiler from fusing into an FMA, so the
	// result rounds the same on every architecture.
	est.Effective = float64(peakWeight*est.Peak) + float64(cumulativeWeight*est.Cumulative)
	est.Verdict = protocol.VerdictFor(est.Effective)

	est.Recommendation = results[best].Recommendation
	if est.Recommendation == "" {
		est.Recommendation = last.Recommendation
	}

	if len(results) >= 2 {
		delta := last.ScamScore - results[len(results)-2].ScamScore
		switch {
		case delta > trendEpsilon:
			est.Trend = TrendRising
		case delta < -trendEpsilon:
			est.Trend = TrendFalling
		}
	}
	return est
}

// IsNew reports whether the analyzer flagged s as first seen in r.
func IsNew(r protocol.PartialResult, s protocol.Signal) bool {
	for _, ns := range r.NewSignals {
		if ns.Category == s.Category {
			return true
		}
	}
	return false
}

// Aggregator keeps the append-only result list for one session.
type Aggregator struct {
	results []protocol.PartialResult
}

// Add appends r and returns the recomputed estimate.
func (a *Aggregator) Add(r protocol.PartialResult) Estimate {
	a.results = append(a.results, r)
	return Compute(a.results)
}

func (a *Aggregator) Estimate() Estimate {
	return Compute(a.results)
}

func (a *Aggregator) Len() int { return len(a.results) }

// Results returns a copy of the results received so far.
func (a *Aggregator) Results() []protocol.PartialResult {
	out := make([]protocol.PartialResult, len(a.results))
	copy(out, a.results)
	return out
}
