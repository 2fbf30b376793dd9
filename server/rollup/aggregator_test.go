package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/store"
)

func newTestAggregator(s store.Store, now time.Time) *Aggregator {
	opts := config.Defaults()
	opts.RollupBackfill = 48 * time.Hour
	a := NewAggregator(s, config.NewHolder(opts))
	a.now = func() time.Time { return now }
	return a
}

func seedNode(t *testing.T, s store.Store, nodeID string) {
	t.Helper()
	if err := s.UpsertNode(context.Background(), &store.Node{NodeID: nodeID, Status: store.NodeOnline}); err != nil {
		t.Fatalf("seed node: %v", err)
	}
}

func seedSample(t *testing.T, s store.Store, nodeID string, at time.Time, cpu float64, temp *float64) {
	t.Helper()
	err := s.InsertTelemetry(context.Background(), &store.TelemetrySnapshot{
		NodeID:        nodeID,
		CollectedAt:   at,
		CPUPercent:    cpu,
		MemoryPercent: 50,
		DiskPercent:   60,
		Temperature:   temp,
	})
	if err != nil {
		t.Fatalf("seed sample: %v", err)
	}
}

func TestHourlyRollupExcludesOpenHour(t *testing.T) {
	s := store.NewMemoryStore()
	seedNode(t, s, "node-1")

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := newTestAggregator(s, now)

	// Two samples in the completed 13:00 hour, one in the still-open
	// 14:00 hour.
	seedSample(t, s, "node-1", time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC), 20, nil)
	seedSample(t, s, "node-1", time.Date(2026, 3, 10, 13, 45, 0, 0, time.UTC), 40, nil)
	seedSample(t, s, "node-1", time.Date(2026, 3, 10, 14, 10, 0, 0, time.UTC), 99, nil)

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	hourlies, err := s.ListRollupsRange(context.Background(), "node-1", store.GranularityHour,
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), now)
	if err != nil {
		t.Fatalf("list rollups: %v", err)
	}
	if len(hourlies) != 1 {
		t.Fatalf("hourly rollups = %d, want 1 (open hour excluded)", len(hourlies))
	}

	r := hourlies[0]
	if !r.BucketStart.Equal(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("bucket = %v", r.BucketStart)
	}
	if r.SampleCount != 2 {
		t.Errorf("sample count = %d, want 2", r.SampleCount)
	}
	if r.CPU.Avg == nil || *r.CPU.Avg != 30 {
		t.Errorf("cpu avg = %v, want 30", r.CPU.Avg)
	}
	if r.Temperature.Avg != nil {
		t.Errorf("temperature avg = %v, want nil when no sample carried one", r.Temperature.Avg)
	}
}

func TestRollupIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	seedNode(t, s, "node-1")

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := newTestAggregator(s, now)
	seedSample(t, s, "node-1", time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC), 20, nil)

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	count := s.RollupCount()

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if s.RollupCount() != count {
		t.Errorf("rollup count grew from %d to %d on re-run", count, s.RollupCount())
	}
}

func TestDailyRollupFromHourlies(t *testing.T) {
	s := store.NewMemoryStore()
	seedNode(t, s, "node-1")

	// Just past midnight: yesterday is a completed day.
	now := time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC)
	a := newTestAggregator(s, now)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	// Uneven sample counts so the daily average must be weighted:
	// (10*1 + 30*3) / 4 = 25.
	seedSample(t, s, "node-1", day.Add(8*time.Hour+5*time.Minute), 10, f(41))
	for i := 0; i < 3; i++ {
		seedSample(t, s, "node-1", day.Add(9*time.Hour+time.Duration(i*10)*time.Minute), 30, f(45))
	}

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	dailies, err := s.ListRollupsRange(context.Background(), "node-1", store.GranularityDay,
		day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("list dailies: %v", err)
	}
	if len(dailies) != 1 {
		t.Fatalf("daily rollups = %d, want 1", len(dailies))
	}

	r := dailies[0]
	if r.SampleCount != 4 {
		t.Errorf("sample count = %d, want sum of hourly counts", r.SampleCount)
	}
	if r.CPU.Avg == nil || *r.CPU.Avg != 25 {
		t.Errorf("cpu avg = %v, want weighted 25", r.CPU.Avg)
	}
	if r.Temperature.Min == nil || *r.Temperature.Min != 41 {
		t.Errorf("temperature min = %v, want 41", r.Temperature.Min)
	}
	if r.Temperature.Max == nil || *r.Temperature.Max != 45 {
		t.Errorf("temperature max = %v, want 45", r.Temperature.Max)
	}
}

func TestRollupPerNodeIsolation(t *testing.T) {
	s := store.NewMemoryStore()
	seedNode(t, s, "node-1")
	seedNode(t, s, "node-2")

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := newTestAggregator(s, now)
	seedSample(t, s, "node-1", time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC), 20, nil)
	seedSample(t, s, "node-2", time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC), 80, nil)

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	for node, want := range map[string]float64{"node-1": 20, "node-2": 80} {
		rs, _ := s.ListRollupsRange(context.Background(), node, store.GranularityHour,
			time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), now)
		if len(rs) != 1 || rs[0].CPU.Avg == nil || *rs[0].CPU.Avg != want {
			t.Errorf("node %s rollups = %+v", node, rs)
		}
	}
}
