package rollup

import (
	"math"
	"sort"

	"github.com/raulshma/manlab-sub013/server/store"
)

// Summarize computes avg/min/max/p95 over the present values of one
// metric in a bucket. Zero present values yields an all-nil summary —
// nulls propagate, they never collapse to zero.
//
// The p95 uses the 1-based rank ceil(0.95*n), clamped into range, over
// the ascending-sorted values.
func Summarize(values []float64) store.MetricSummary {
	n := len(values)
	if n == 0 {
		return store.MetricSummary{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(n)
	min := sorted[0]
	max := sorted[n-1]

	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	p95 := sorted[idx]

	return store.MetricSummary{Avg: &avg, Min: &min, Max: &max, P95: &p95}
}

// weighted pairs one child bucket's summary with its sample count.
type weighted struct {
	summary store.MetricSummary
	weight  int
}

// Reaggregate combines child bucket summaries into a parent summary:
// a sample-count-weighted mean of the avgs (nil avgs and zero weights
// excluded), extrema of the mins/maxes, and — as a deliberate cheap
// approximation — the max of the child p95s rather than a true percentile
// over the raw samples.
func Reaggregate(parts []weighted) store.MetricSummary {
	var out store.MetricSummary
	var weightedSum float64
	var totalWeight int

	for _, p := range parts {
		s := p.summary
		if s.Avg != nil && p.weight > 0 {
			weightedSum += *s.Avg * float64(p.weight)
			totalWeight += p.weight
		}
		if s.Min != nil && (out.Min == nil || *s.Min < *out.Min) {
			v := *s.Min
			out.Min = &v
		}
		if s.Max != nil && (out.Max == nil || *s.Max > *out.Max) {
			v := *s.Max
			out.Max = &v
		}
		if s.P95 != nil && (out.P95 == nil || *s.P95 > *out.P95) {
			v := *s.P95
			out.P95 = &v
		}
	}

	if totalWeight > 0 {
		avg := weightedSum / float64(totalWeight)
		out.Avg = &avg
	}
	return out
}
