package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/store"
)

type sentMessage struct {
	nodeID   string
	envelope Envelope
}

type fakeTransport struct {
	ids     []string
	sent    []sentMessage
	sendErr error
}

func (f *fakeTransport) Count() int             { return len(f.ids) }
func (f *fakeTransport) ConnectedIDs() []string { return f.ids }

func (f *fakeTransport) Send(nodeID string, v any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{nodeID: nodeID, envelope: v.(Envelope)})
	return nil
}

type recordingAuditor struct {
	events []*store.AuditEvent
}

func (r *recordingAuditor) TryEnqueue(e *store.AuditEvent) {
	r.events = append(r.events, e)
}

type recordingNotifier struct {
	updates []store.CommandStatus
}

func (r *recordingNotifier) CommandUpdated(ctx context.Context, cmd *store.Command) {
	r.updates = append(r.updates, cmd.Status)
}

// trackingStore counts store reads so the no-connections fast path can be
// verified.
type trackingStore struct {
	store.Store
	reads int
}

func (t *trackingStore) ListStuckSent(ctx context.Context, sentBefore time.Time) ([]*store.Command, error) {
	t.reads++
	return t.Store.ListStuckSent(ctx, sentBefore)
}

func testOptions() *config.Options {
	o := config.Defaults()
	o.NodeSendRate = 100
	o.NodeSendBurst = 100
	return o
}

func newTestDispatcher(s store.Store, conns Transport, opts *config.Options) (*Dispatcher, *recordingAuditor, *recordingNotifier) {
	auditor := &recordingAuditor{}
	notifier := &recordingNotifier{}
	d := NewDispatcher(s, conns, auditor, notifier, config.NewHolder(opts))
	return d, auditor, notifier
}

func seedCommand(t *testing.T, s store.Store, cmd *store.Command) {
	t.Helper()
	if err := s.CreateCommand(context.Background(), cmd); err != nil {
		t.Fatalf("seed command: %v", err)
	}
}

func TestRunCycleNoConnectionsSkipsStore(t *testing.T) {
	tracked := &trackingStore{Store: store.NewMemoryStore()}
	d, _, _ := newTestDispatcher(tracked, &fakeTransport{}, testOptions())

	dispatched, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if dispatched {
		t.Error("expected nothing dispatched")
	}
	if tracked.reads != 0 {
		t.Errorf("expected no store reads with zero connections, got %d", tracked.reads)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-1"}}
	d, auditor, notifier := newTestDispatcher(s, conns, testOptions())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedCommand(t, s, &store.Command{
		CommandID: "cmd-1",
		NodeID:    "node-1",
		Type:      store.CommandShellExecute,
		Payload:   json.RawMessage(`{"cmd":"uptime"}`),
		Status:    store.CommandQueued,
		CreatedAt: now.Add(-time.Minute),
	})

	dispatched, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !dispatched {
		t.Fatal("expected a dispatch")
	}

	cmd, _ := s.GetCommand(context.Background(), "cmd-1")
	if cmd.Status != store.CommandSent {
		t.Errorf("status = %s, want sent", cmd.Status)
	}
	if cmd.DispatchAttempts != 1 {
		t.Errorf("attempts = %d, want 1", cmd.DispatchAttempts)
	}
	if cmd.SentAt == nil || !cmd.SentAt.Equal(now) {
		t.Errorf("sent_at = %v, want %v", cmd.SentAt, now)
	}

	if len(conns.sent) != 1 {
		t.Fatalf("pushes = %d, want 1", len(conns.sent))
	}
	env := conns.sent[0].envelope
	if env.Op != "shell.execute" || env.CommandID != "cmd-1" {
		t.Errorf("envelope = %+v", env)
	}

	if len(auditor.events) != 1 || auditor.events[0].Kind != KindDispatched {
		t.Errorf("audit events = %+v", auditor.events)
	}
	if len(notifier.updates) != 1 || notifier.updates[0] != store.CommandSent {
		t.Errorf("notifications = %v", notifier.updates)
	}
}

func TestDispatchOldestFirstWithinBatch(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-1"}}
	opts := testOptions()
	opts.DispatchBatchSize = 2
	d, _, _ := newTestDispatcher(s, conns, opts)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	for i, age := range []time.Duration{time.Minute, 3 * time.Minute, 2 * time.Minute} {
		seedCommand(t, s, &store.Command{
			CommandID: []string{"newest", "oldest", "middle"}[i],
			NodeID:    "node-1",
			Type:      store.CommandShellExecute,
			Status:    store.CommandQueued,
			CreatedAt: now.Add(-age),
		})
	}

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(conns.sent) != 2 {
		t.Fatalf("pushes = %d, want batch of 2", len(conns.sent))
	}
	if conns.sent[0].envelope.CommandID != "oldest" || conns.sent[1].envelope.CommandID != "middle" {
		t.Errorf("dispatch order = %s, %s", conns.sent[0].envelope.CommandID, conns.sent[1].envelope.CommandID)
	}
	newest, _ := s.GetCommand(context.Background(), "newest")
	if newest.Status != store.CommandQueued {
		t.Errorf("over-batch command status = %s, want queued", newest.Status)
	}
}

func TestStuckSentRequeued(t *testing.T) {
	s := store.NewMemoryStore()
	// Connected, but not the stuck command's node, so it stays queued
	// after the requeue.
	conns := &fakeTransport{ids: []string{"node-other"}}
	d, _, notifier := newTestDispatcher(s, conns, testOptions())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	sentAt := now.Add(-2 * time.Minute)
	seedCommand(t, s, &store.Command{
		CommandID:        "cmd-stuck",
		NodeID:           "node-1",
		Type:             store.CommandShellExecute,
		Status:           store.CommandSent,
		DispatchAttempts: 2,
		SentAt:           &sentAt,
		CreatedAt:        now.Add(-5 * time.Minute),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	cmd, _ := s.GetCommand(context.Background(), "cmd-stuck")
	if cmd.Status != store.CommandQueued {
		t.Errorf("status = %s, want queued", cmd.Status)
	}
	if cmd.SentAt != nil {
		t.Error("sent_at should be cleared on requeue")
	}
	if len(notifier.updates) != 1 || notifier.updates[0] != store.CommandQueued {
		t.Errorf("notifications = %v", notifier.updates)
	}
}

func TestStuckSentExhaustedFails(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-other"}}
	opts := testOptions()
	opts.MaxDispatchAttempts = 3
	d, auditor, _ := newTestDispatcher(s, conns, opts)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	sentAt := now.Add(-2 * time.Minute)
	seedCommand(t, s, &store.Command{
		CommandID:        "cmd-dead",
		NodeID:           "node-1",
		Type:             store.CommandShellExecute,
		Status:           store.CommandSent,
		DispatchAttempts: 3,
		SentAt:           &sentAt,
		CreatedAt:        now.Add(-10 * time.Minute),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	cmd, _ := s.GetCommand(context.Background(), "cmd-dead")
	if cmd.Status != store.CommandFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if !strings.Contains(cmd.Output, "no acknowledgment after 3 attempts") {
		t.Errorf("output = %q", cmd.Output)
	}
	if len(auditor.events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(auditor.events))
	}
	if auditor.events[0].Kind != KindDispatchFailed || auditor.events[0].Category != "send_timeout" {
		t.Errorf("audit event = %+v", auditor.events[0])
	}
}

func TestExpiredQueuedFails(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-other"}}
	opts := testOptions()
	opts.MaxQueueAge = time.Hour
	d, auditor, _ := newTestDispatcher(s, conns, opts)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedCommand(t, s, &store.Command{
		CommandID: "cmd-old",
		NodeID:    "node-1",
		Type:      store.CommandShellExecute,
		Status:    store.CommandQueued,
		CreatedAt: now.Add(-2 * time.Hour),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	cmd, _ := s.GetCommand(context.Background(), "cmd-old")
	if cmd.Status != store.CommandFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if auditor.events[0].Category != "expired" {
		t.Errorf("category = %s, want expired", auditor.events[0].Category)
	}
}

func TestExpiryBeatsDispatchForConnectedNode(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-1"}}
	opts := testOptions()
	opts.MaxQueueAge = time.Hour
	d, _, _ := newTestDispatcher(s, conns, opts)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// The node is connected, but the command already blew its queue age:
	// it must expire, not dispatch.
	seedCommand(t, s, &store.Command{
		CommandID: "cmd-late",
		NodeID:    "node-1",
		Type:      store.CommandShellExecute,
		Status:    store.CommandQueued,
		CreatedAt: now.Add(-90 * time.Minute),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	cmd, _ := s.GetCommand(context.Background(), "cmd-late")
	if cmd.Status != store.CommandFailed {
		t.Errorf("status = %s, want failed", cmd.Status)
	}
	if len(conns.sent) != 0 {
		t.Errorf("pushes = %d, want 0", len(conns.sent))
	}
}

func TestUnsupportedTypeFailsTerminally(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-1"}}
	d, auditor, _ := newTestDispatcher(s, conns, testOptions())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedCommand(t, s, &store.Command{
		CommandID: "cmd-bogus",
		NodeID:    "node-1",
		Type:      store.CommandType("teleport"),
		Status:    store.CommandQueued,
		CreatedAt: now.Add(-time.Minute),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	cmd, _ := s.GetCommand(context.Background(), "cmd-bogus")
	if cmd.Status != store.CommandFailed {
		t.Fatalf("status = %s, want failed", cmd.Status)
	}
	if len(conns.sent) != 0 {
		t.Error("unsupported command must not be pushed")
	}
	if auditor.events[0].Category != "unsupported_type" {
		t.Errorf("category = %s", auditor.events[0].Category)
	}
}

func TestSendFailureLeavesCommandSent(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-1"}, sendErr: errors.New("broken pipe")}
	d, _, _ := newTestDispatcher(s, conns, testOptions())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedCommand(t, s, &store.Command{
		CommandID: "cmd-drop",
		NodeID:    "node-1",
		Type:      store.CommandShellExecute,
		Status:    store.CommandQueued,
		CreatedAt: now.Add(-time.Minute),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// The push failed but the status write already happened; the timeout
	// reconciliation owns recovery from here.
	cmd, _ := s.GetCommand(context.Background(), "cmd-drop")
	if cmd.Status != store.CommandSent {
		t.Errorf("status = %s, want sent", cmd.Status)
	}
}

func TestRateLimitLeavesOverflowQueued(t *testing.T) {
	s := store.NewMemoryStore()
	conns := &fakeTransport{ids: []string{"node-1"}}
	opts := testOptions()
	opts.NodeSendRate = 0.001
	opts.NodeSendBurst = 1
	d, _, _ := newTestDispatcher(s, conns, opts)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	for _, id := range []string{"cmd-a", "cmd-b"} {
		seedCommand(t, s, &store.Command{
			CommandID: id,
			NodeID:    "node-1",
			Type:      store.CommandShellExecute,
			Status:    store.CommandQueued,
			CreatedAt: now.Add(-time.Minute),
		})
	}

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(conns.sent) != 1 {
		t.Fatalf("pushes = %d, want 1 under rate limit", len(conns.sent))
	}
	var queued int
	for _, id := range []string{"cmd-a", "cmd-b"} {
		cmd, _ := s.GetCommand(context.Background(), id)
		if cmd.Status == store.CommandQueued {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("queued after cycle = %d, want 1", queued)
	}
}

func TestFailureMirrorsScriptRun(t *testing.T) {
	s := store.NewMemoryStore()
	s.SeedScriptRun("run-1", "node-1", "running")
	conns := &fakeTransport{ids: []string{"node-other"}}
	opts := testOptions()
	opts.MaxQueueAge = time.Hour
	d, _, _ := newTestDispatcher(s, conns, opts)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedCommand(t, s, &store.Command{
		CommandID: "cmd-script",
		NodeID:    "node-1",
		Type:      store.CommandScriptRun,
		Payload:   json.RawMessage(`{"script_run_id":"run-1"}`),
		Status:    store.CommandQueued,
		CreatedAt: now.Add(-2 * time.Hour),
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	status, ok := s.ScriptRunStatus("run-1")
	if !ok || status != "failed" {
		t.Errorf("script run status = %q, want failed", status)
	}
}

func TestWireOperationRoundTrip(t *testing.T) {
	op, ok := WireOperation(store.CommandReboot)
	if !ok || op != "power.reboot" {
		t.Fatalf("WireOperation(reboot) = %q, %v", op, ok)
	}
	typ, ok := CommandTypeForWire("power.reboot")
	if !ok || typ != store.CommandReboot {
		t.Fatalf("CommandTypeForWire = %q, %v", typ, ok)
	}
	if _, ok := WireOperation(store.CommandType("nope")); ok {
		t.Error("unknown type must not map")
	}
}
