package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/store"
)

type fixedCounter int

func (c fixedCounter) Count() int { return int(c) }

type recordingAuditor struct {
	events []*store.AuditEvent
}

func (r *recordingAuditor) TryEnqueue(e *store.AuditEvent) {
	r.events = append(r.events, e)
}

func TestCheckOnceMarksStaleNodesOffline(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	opts := config.Defaults()
	opts.OfflineThreshold = 2 * time.Minute

	s.UpsertNode(ctx, &store.Node{NodeID: "fresh", Status: store.NodeOnline, LastSeenAt: now.Add(-time.Minute)})
	s.UpsertNode(ctx, &store.Node{NodeID: "stale", Status: store.NodeOnline, LastSeenAt: now.Add(-10 * time.Minute)})
	s.UpsertNode(ctx, &store.Node{NodeID: "gone", Status: store.NodeOffline, LastSeenAt: now.Add(-time.Hour)})

	auditor := &recordingAuditor{}
	m := NewNodeMonitor(s, fixedCounter(1), auditor, config.NewHolder(opts))
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	fresh, _ := s.GetNode(ctx, "fresh")
	if fresh.Status != store.NodeOnline {
		t.Errorf("fresh node status = %s, want online", fresh.Status)
	}
	stale, _ := s.GetNode(ctx, "stale")
	if stale.Status != store.NodeOffline {
		t.Errorf("stale node status = %s, want offline", stale.Status)
	}

	// One audit event, for the freshly offlined node only.
	if len(auditor.events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(auditor.events))
	}
	if auditor.events[0].NodeID != "stale" || auditor.events[0].Name != "node.offline" {
		t.Errorf("audit event = %+v", auditor.events[0])
	}
}

func TestCheckOnceIdempotentForOfflineNodes(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.UpsertNode(ctx, &store.Node{NodeID: "stale", Status: store.NodeOnline, LastSeenAt: now.Add(-time.Hour)})

	auditor := &recordingAuditor{}
	m := NewNodeMonitor(s, fixedCounter(0), auditor, config.NewHolder(config.Defaults()))
	m.now = func() time.Time { return now }

	m.CheckOnce(ctx)
	m.CheckOnce(ctx)

	if len(auditor.events) != 1 {
		t.Errorf("audit events = %d, want 1 across repeated checks", len(auditor.events))
	}
}
