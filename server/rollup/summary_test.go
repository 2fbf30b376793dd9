package rollup

import (
	"testing"

	"github.com/raulshma/manlab-sub013/server/store"
)

func f(v float64) *float64 { return &v }

func TestSummarizeBasic(t *testing.T) {
	s := Summarize([]float64{30, 10, 50, 20, 40})

	if s.Avg == nil || *s.Avg != 30 {
		t.Errorf("avg = %v, want 30", s.Avg)
	}
	if s.Min == nil || *s.Min != 10 {
		t.Errorf("min = %v, want 10", s.Min)
	}
	if s.Max == nil || *s.Max != 50 {
		t.Errorf("max = %v, want 50", s.Max)
	}
	// ceil(0.95*5) = 5 -> last element of the sorted slice.
	if s.P95 == nil || *s.P95 != 50 {
		t.Errorf("p95 = %v, want 50", s.P95)
	}
}

func TestSummarizeP95SmallSample(t *testing.T) {
	// ceil(0.95*4) = 4 -> the maximum.
	s := Summarize([]float64{1, 2, 3, 4})
	if s.P95 == nil || *s.P95 != 4 {
		t.Errorf("p95 = %v, want 4", s.P95)
	}

	s = Summarize([]float64{7})
	if s.P95 == nil || *s.P95 != 7 {
		t.Errorf("p95 of single value = %v, want 7", s.P95)
	}
}

func TestSummarizeEmptyStaysNil(t *testing.T) {
	s := Summarize(nil)
	if s.Avg != nil || s.Min != nil || s.Max != nil || s.P95 != nil {
		t.Errorf("empty summary must keep every field nil, got %+v", s)
	}
}

func TestSummarizeDoesNotMutateInput(t *testing.T) {
	in := []float64{3, 1, 2}
	Summarize(in)
	if in[0] != 3 || in[1] != 1 || in[2] != 2 {
		t.Errorf("input reordered: %v", in)
	}
}

func TestReaggregateWeightedAverage(t *testing.T) {
	out := Reaggregate([]weighted{
		{summary: store.MetricSummary{Avg: f(10), Min: f(5), Max: f(15), P95: f(14)}, weight: 100},
		{summary: store.MetricSummary{Avg: f(20), Min: f(8), Max: f(30), P95: f(28)}, weight: 300},
	})

	if out.Avg == nil || *out.Avg != 17.5 {
		t.Errorf("avg = %v, want 17.5", out.Avg)
	}
	if out.Min == nil || *out.Min != 5 {
		t.Errorf("min = %v, want 5", out.Min)
	}
	if out.Max == nil || *out.Max != 30 {
		t.Errorf("max = %v, want 30", out.Max)
	}
	if out.P95 == nil || *out.P95 != 28 {
		t.Errorf("p95 = %v, want max of child p95s", out.P95)
	}
}

func TestReaggregateSkipsNilParts(t *testing.T) {
	out := Reaggregate([]weighted{
		{summary: store.MetricSummary{}, weight: 50},
		{summary: store.MetricSummary{Avg: f(40), Min: f(40), Max: f(40), P95: f(40)}, weight: 10},
	})

	// The all-nil child contributes nothing, including its weight.
	if out.Avg == nil || *out.Avg != 40 {
		t.Errorf("avg = %v, want 40", out.Avg)
	}
}

func TestReaggregateAllNil(t *testing.T) {
	out := Reaggregate([]weighted{
		{summary: store.MetricSummary{}, weight: 10},
		{summary: store.MetricSummary{}, weight: 20},
	})
	if out.Avg != nil || out.Min != nil || out.Max != nil || out.P95 != nil {
		t.Errorf("want all-nil parent, got %+v", out)
	}
}
