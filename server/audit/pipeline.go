// Package audit is a fire-and-forget, back-pressure-aware event pipe from
// arbitrary call sites to durable storage. TryEnqueue never blocks or
// errors toward its caller; everything downstream is best-effort with
// drop-and-count semantics.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/observability"
	"github.com/raulshma/manlab-sub013/server/store"
)

// Stats is a snapshot of the pipeline's throughput counters, exposed so
// silent data loss stays observable.
type Stats struct {
	Enqueued      uint64 `json:"enqueued"`
	Dropped       uint64 `json:"dropped"`
	PublishFailed uint64 `json:"publish_failed"`
	Persisted     uint64 `json:"persisted"`
}

// Pipeline accepts audit events, publishes them to a durable broker and
// drains the broker into storage in batches.
type Pipeline struct {
	store  store.Store
	broker Broker
	cfg    *config.Holder
	log    *logrus.Entry
	work   chan *store.AuditEvent
	now    func() time.Time

	enqueued      atomic.Uint64
	dropped       atomic.Uint64
	publishFailed atomic.Uint64
	persisted     atomic.Uint64
}

// NewPipeline builds a Pipeline. The hand-off channel capacity is fixed at
// construction from the current options.
func NewPipeline(s store.Store, b Broker, cfg *config.Holder) *Pipeline {
	opts := cfg.Snapshot()
	return &Pipeline{
		store:  s,
		broker: b,
		cfg:    cfg,
		log:    logrus.WithField("component", "audit"),
		work:   make(chan *store.AuditEvent, opts.AuditQueueSize),
		now:    time.Now,
	}
}

// TryEnqueue normalizes the event and hands it off without blocking.
// It never returns an error and never panics toward the caller; when the
// hand-off channel is full the event is dropped and counted.
func (p *Pipeline) TryEnqueue(e *store.AuditEvent) {
	opts := p.cfg.Snapshot()
	if !opts.AuditEnabled || e == nil {
		return
	}
	if ignoredEvents[e.Name] {
		return
	}

	Normalize(e, p.now())

	select {
	case p.work <- e:
		p.enqueued.Add(1)
		observability.AuditEnqueued.Inc()
	default:
		p.dropped.Add(1)
		observability.AuditDropped.WithLabelValues("queue_full").Inc()
	}
}

// Start launches the publish and drain loops.
func (p *Pipeline) Start(ctx context.Context) {
	go p.publishLoop(ctx)
	go p.drainLoop(ctx)
}

// StartRetention launches the periodic retention sweep on its own timer,
// independent of the drain loop.
func (p *Pipeline) StartRetention(ctx context.Context) {
	go p.retentionLoop(ctx)
}

// Stats returns a snapshot of the throughput counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:      p.enqueued.Load(),
		Dropped:       p.dropped.Load(),
		PublishFailed: p.publishFailed.Load(),
		Persisted:     p.persisted.Load(),
	}
}

// publishLoop forwards accepted events to the broker. Publish failures
// are counted and swallowed; the caller already moved on.
func (p *Pipeline) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.work:
			data, err := json.Marshal(e)
			if err != nil {
				p.dropped.Add(1)
				continue
			}
			opts := p.cfg.Snapshot()
			if err := p.broker.Publish(opts.AuditSubject, data); err != nil {
				p.publishFailed.Add(1)
				observability.AuditDropped.WithLabelValues("publish_error").Inc()
				p.log.WithError(err).Debug("audit publish failed")
			}
		}
	}
}

// drainLoop waits for a message or a flush tick, greedily drains up to a
// batch, and persists the batch in one transaction.
func (p *Pipeline) drainLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		opts := p.cfg.Snapshot()

		batch, err := p.collectBatch(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Warn("audit drain error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		if !opts.AuditEnabled {
			// Drain-and-discard: leaving the broker to fill while the
			// subsystem is switched off would just move the backlog
			// somewhere less visible.
			p.dropped.Add(uint64(len(batch)))
			observability.AuditDropped.WithLabelValues("disabled").Add(float64(len(batch)))
			continue
		}

		p.persistWithRetry(ctx, batch, opts)
	}
}

// collectBatch blocks until one message arrives or the flush interval
// elapses, then drains greedily without further waiting.
func (p *Pipeline) collectBatch(ctx context.Context, opts *config.Options) ([]*store.AuditEvent, error) {
	first, err := p.broker.Next(ctx, opts.AuditFlushInterval)
	if errors.Is(err, ErrNoMessage) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	batch := make([]*store.AuditEvent, 0, opts.AuditBatchSize)
	if e := decodeEvent(first); e != nil {
		batch = append(batch, e)
	}
	for len(batch) < opts.AuditBatchSize {
		data, err := p.broker.Next(ctx, 0)
		if err != nil {
			break
		}
		if e := decodeEvent(data); e != nil {
			batch = append(batch, e)
		}
	}
	return batch, nil
}

func decodeEvent(data []byte) *store.AuditEvent {
	var e store.AuditEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	return &e
}

// persistWithRetry writes the batch, retrying transient failures with a
// linearly increasing delay. An exhausted batch is dropped: audit logging
// must never become a source of backpressure or crash-looping.
func (p *Pipeline) persistWithRetry(ctx context.Context, batch []*store.AuditEvent, opts *config.Options) {
	for attempt := 1; attempt <= opts.AuditPersistAttempts; attempt++ {
		err := p.store.InsertAuditEvents(ctx, batch)
		if err == nil {
			p.persisted.Add(uint64(len(batch)))
			observability.AuditPersisted.Add(float64(len(batch)))
			return
		}
		p.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"events":  len(batch),
		}).Warn("audit batch persist failed")

		if attempt < opts.AuditPersistAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * opts.AuditRetryDelay):
			}
		}
	}

	p.dropped.Add(uint64(len(batch)))
	observability.AuditDropped.WithLabelValues("persist_failed").Add(float64(len(batch)))
	p.log.WithField("events", len(batch)).Error("audit batch dropped after exhausted retries")
}

// retentionLoop bulk-deletes audit rows older than the retention window.
func (p *Pipeline) retentionLoop(ctx context.Context) {
	for {
		opts := p.cfg.Snapshot()
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.AuditCleanupInterval):
		}

		if err := p.sweepOnce(ctx); err != nil {
			p.log.WithError(err).Warn("audit retention sweep failed")
		}
	}
}

// sweepOnce runs a single retention pass.
func (p *Pipeline) sweepOnce(ctx context.Context) error {
	opts := p.cfg.Snapshot()
	cutoff := p.now().Add(-opts.AuditRetention)
	deleted, err := p.store.DeleteAuditEventsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		observability.AuditRetentionDeleted.Add(float64(deleted))
		p.log.WithField("deleted", deleted).Info("audit retention sweep")
	}
	return nil
}
