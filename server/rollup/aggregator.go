// Package rollup compresses raw telemetry into hourly and daily
// statistical buckets. Runs are idempotent: existing buckets are checked
// before insert, so re-running over a completed window never duplicates
// rows.
package rollup

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/observability"
	"github.com/raulshma/manlab-sub013/server/store"
)

// Aggregator is the timer-driven rollup job.
type Aggregator struct {
	store store.Store
	cfg   *config.Holder
	log   *logrus.Entry
	now   func() time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(s store.Store, cfg *config.Holder) *Aggregator {
	return &Aggregator{
		store: s,
		cfg:   cfg,
		log:   logrus.WithField("component", "rollup"),
		now:   time.Now,
	}
}

// Start launches the rollup loop.
func (a *Aggregator) Start(ctx context.Context) {
	go a.loop(ctx)
}

func (a *Aggregator) loop(ctx context.Context) {
	a.log.WithField("interval", a.cfg.Snapshot().RollupInterval).Info("rollup aggregator started")
	for {
		opts := a.cfg.Snapshot()
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.RollupInterval):
		}

		if err := a.RunCycle(ctx); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Error("rollup cycle failed")
		}
	}
}

// RunCycle rolls up every known node, hourly then daily. Each node's work
// is committed before moving on, so a failure mid-loop loses at most the
// in-flight node's progress for this cycle; the idempotency check recovers
// it on the next tick.
func (a *Aggregator) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.RollupCycleDuration.Observe(time.Since(start).Seconds())
	}()

	nodes, err := a.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	opts := a.cfg.Snapshot()
	for _, node := range nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.rollupHourly(ctx, opts, node.NodeID); err != nil {
			a.log.WithError(err).WithField("node_id", node.NodeID).Warn("hourly rollup failed")
			continue
		}
		if err := a.rollupDaily(ctx, opts, node.NodeID); err != nil {
			a.log.WithError(err).WithField("node_id", node.NodeID).Warn("daily rollup failed")
		}
	}
	return nil
}

// rollupHourly computes missing hourly buckets for the node from raw
// samples. The window ends at the most recent fully completed hour; a
// still-open hour is never aggregated.
func (a *Aggregator) rollupHourly(ctx context.Context, opts *config.Options, nodeID string) error {
	nowHour := a.now().UTC().Truncate(time.Hour)
	lastComplete := nowHour.Add(-time.Hour)

	start, err := a.windowStart(ctx, nodeID, store.GranularityHour, opts, nowHour)
	if err != nil {
		return err
	}
	if start.After(lastComplete) {
		return nil
	}
	windowEnd := lastComplete.Add(time.Hour)

	existing, err := a.existingBuckets(ctx, nodeID, store.GranularityHour, start, windowEnd)
	if err != nil {
		return err
	}

	samples, err := a.store.ListTelemetryRange(ctx, nodeID, start, windowEnd)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	groups := make(map[time.Time][]*store.TelemetrySnapshot)
	for _, s := range samples {
		bucket := s.CollectedAt.UTC().Truncate(time.Hour)
		groups[bucket] = append(groups[bucket], s)
	}

	var rollups []*store.TelemetryRollup
	for _, bucket := range sortedBuckets(groups) {
		if existing[bucket] {
			continue
		}
		rollups = append(rollups, buildHourly(nodeID, bucket, groups[bucket]))
	}
	return a.commit(ctx, rollups, store.GranularityHour)
}

// rollupDaily re-aggregates hourly rollups into daily buckets, avoiding a
// second scan of the raw samples.
func (a *Aggregator) rollupDaily(ctx context.Context, opts *config.Options, nodeID string) error {
	nowDay := truncateDay(a.now().UTC())
	lastComplete := nowDay.AddDate(0, 0, -1)

	start, err := a.windowStart(ctx, nodeID, store.GranularityDay, opts, nowDay)
	if err != nil {
		return err
	}
	if start.After(lastComplete) {
		return nil
	}
	windowEnd := lastComplete.AddDate(0, 0, 1)

	existing, err := a.existingBuckets(ctx, nodeID, store.GranularityDay, start, windowEnd)
	if err != nil {
		return err
	}

	hourlies, err := a.store.ListRollupsRange(ctx, nodeID, store.GranularityHour, start, windowEnd)
	if err != nil {
		return err
	}
	if len(hourlies) == 0 {
		return nil
	}

	groups := make(map[time.Time][]*store.TelemetryRollup)
	for _, h := range hourlies {
		bucket := truncateDay(h.BucketStart.UTC())
		groups[bucket] = append(groups[bucket], h)
	}

	var rollups []*store.TelemetryRollup
	for _, bucket := range sortedBuckets(groups) {
		if existing[bucket] {
			continue
		}
		rollups = append(rollups, buildDaily(nodeID, bucket, groups[bucket]))
	}
	return a.commit(ctx, rollups, store.GranularityDay)
}

// windowStart picks where the next window begins: one bucket after the
// latest existing rollup, or the backfill horizon when the node has none.
func (a *Aggregator) windowStart(ctx context.Context, nodeID string, gran store.RollupGranularity, opts *config.Options, nowBucket time.Time) (time.Time, error) {
	last, ok, err := a.store.LatestRollupBucket(ctx, nodeID, gran)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		if gran == store.GranularityDay {
			return last.UTC().AddDate(0, 0, 1), nil
		}
		return last.UTC().Add(time.Hour), nil
	}
	horizon := nowBucket.Add(-opts.RollupBackfill)
	if gran == store.GranularityDay {
		return truncateDay(horizon), nil
	}
	return horizon.Truncate(time.Hour), nil
}

func (a *Aggregator) existingBuckets(ctx context.Context, nodeID string, gran store.RollupGranularity, from, to time.Time) (map[time.Time]bool, error) {
	buckets, err := a.store.ListRollupBuckets(ctx, nodeID, gran, from, to)
	if err != nil {
		return nil, err
	}
	set := make(map[time.Time]bool, len(buckets))
	for _, b := range buckets {
		set[b.UTC()] = true
	}
	return set, nil
}

func (a *Aggregator) commit(ctx context.Context, rollups []*store.TelemetryRollup, gran store.RollupGranularity) error {
	if len(rollups) == 0 {
		return nil
	}
	if err := a.store.InsertRollups(ctx, rollups); err != nil {
		return err
	}
	observability.RollupsCreated.WithLabelValues(string(gran)).Add(float64(len(rollups)))
	return nil
}

// buildHourly summarizes one hour bucket of raw samples.
func buildHourly(nodeID string, bucket time.Time, samples []*store.TelemetrySnapshot) *store.TelemetryRollup {
	r := &store.TelemetryRollup{
		NodeID:      nodeID,
		Granularity: store.GranularityHour,
		BucketStart: bucket,
		SampleCount: len(samples),
	}

	var cpu, mem, disk, temp, rx, tx, rtt, loss []float64
	for _, s := range samples {
		cpu = append(cpu, s.CPUPercent)
		mem = append(mem, s.MemoryPercent)
		disk = append(disk, s.DiskPercent)
		temp = appendPresent(temp, s.Temperature)
		rx = appendPresent(rx, s.NetRxBps)
		tx = appendPresent(tx, s.NetTxBps)
		rtt = appendPresent(rtt, s.PingRTTMs)
		loss = appendPresent(loss, s.PingLossPct)
	}

	r.CPU = Summarize(cpu)
	r.Memory = Summarize(mem)
	r.Disk = Summarize(disk)
	r.Temperature = Summarize(temp)
	r.NetRx = Summarize(rx)
	r.NetTx = Summarize(tx)
	r.PingRTT = Summarize(rtt)
	r.PingLoss = Summarize(loss)
	return r
}

// buildDaily combines one day's hourly rollups. The sample count is the
// sum of the child counts so a future re-aggregation stays weighted
// correctly.
func buildDaily(nodeID string, bucket time.Time, hourlies []*store.TelemetryRollup) *store.TelemetryRollup {
	r := &store.TelemetryRollup{
		NodeID:      nodeID,
		Granularity: store.GranularityDay,
		BucketStart: bucket,
	}

	parts := func(pick func(*store.TelemetryRollup) store.MetricSummary) []weighted {
		out := make([]weighted, 0, len(hourlies))
		for _, h := range hourlies {
			out = append(out, weighted{summary: pick(h), weight: h.SampleCount})
		}
		return out
	}

	for _, h := range hourlies {
		r.SampleCount += h.SampleCount
	}

	r.CPU = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.CPU }))
	r.Memory = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.Memory }))
	r.Disk = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.Disk }))
	r.Temperature = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.Temperature }))
	r.NetRx = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.NetRx }))
	r.NetTx = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.NetTx }))
	r.PingRTT = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.PingRTT }))
	r.PingLoss = Reaggregate(parts(func(h *store.TelemetryRollup) store.MetricSummary { return h.PingLoss }))
	return r
}

func appendPresent(dst []float64, v *float64) []float64 {
	if v != nil {
		dst = append(dst, *v)
	}
	return dst
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortedBuckets[V any](m map[time.Time]V) []time.Time {
	out := make([]time.Time, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
