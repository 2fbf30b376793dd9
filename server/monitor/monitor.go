// Package monitor watches node liveness: nodes whose last-seen timestamp
// has gone stale are marked offline, and the connected-nodes gauge is kept
// current.
package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/audit"
	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/observability"
	"github.com/raulshma/manlab-sub013/server/store"
)

// Counter is the read-only view of the connection registry the monitor
// needs.
type Counter interface {
	Count() int
}

// Auditor is the fire-and-forget audit entry point.
type Auditor interface {
	TryEnqueue(e *store.AuditEvent)
}

// NodeMonitor periodically checks for stale node heartbeats.
type NodeMonitor struct {
	store store.Store
	conns Counter
	audit Auditor
	cfg   *config.Holder
	log   *logrus.Entry
	now   func() time.Time
}

// NewNodeMonitor creates a NodeMonitor.
func NewNodeMonitor(s store.Store, conns Counter, auditor Auditor, cfg *config.Holder) *NodeMonitor {
	return &NodeMonitor{
		store: s,
		conns: conns,
		audit: auditor,
		cfg:   cfg,
		log:   logrus.WithField("component", "monitor"),
		now:   time.Now,
	}
}

// Start launches the liveness loop.
func (m *NodeMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *NodeMonitor) loop(ctx context.Context) {
	opts := m.cfg.Snapshot()
	m.log.WithFields(logrus.Fields{
		"interval":  opts.MonitorInterval,
		"threshold": opts.OfflineThreshold,
	}).Info("node monitor started")

	for {
		opts = m.cfg.Snapshot()
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.MonitorInterval):
		}

		if err := m.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("liveness check failed")
		}
	}
}

// CheckOnce runs a single liveness pass.
func (m *NodeMonitor) CheckOnce(ctx context.Context) error {
	observability.ConnectedNodes.Set(float64(m.conns.Count()))

	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	opts := m.cfg.Snapshot()
	now := m.now()
	for _, node := range nodes {
		if node.Status == store.NodeOffline {
			continue
		}
		if now.Sub(node.LastSeenAt) <= opts.OfflineThreshold {
			continue
		}

		if err := m.store.UpdateNodeStatus(ctx, node.NodeID, store.NodeOffline); err != nil {
			m.log.WithError(err).WithField("node_id", node.NodeID).Warn("mark offline failed")
			continue
		}
		m.audit.TryEnqueue(&store.AuditEvent{
			Kind:    audit.KindNodeStatus,
			Name:    "node.offline",
			NodeID:  node.NodeID,
			Message: "heartbeat stale, marked offline",
		})
		m.log.WithFields(logrus.Fields{
			"node_id":   node.NodeID,
			"last_seen": node.LastSeenAt,
		}).Info("node marked offline")
	}
	return nil
}
