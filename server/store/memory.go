package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and single-binary dev
// mode. It mirrors the Postgres semantics, including status guards and
// output tail truncation.
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	commands   map[string]*Command
	scriptRuns map[string]*memScriptRun
	telemetry  []*TelemetrySnapshot
	rollups    map[rollupKey]*TelemetryRollup
	audit      map[string]*AuditEvent
	nextSnapID int64
}

type rollupKey struct {
	nodeID      string
	granularity RollupGranularity
	bucketStart time.Time
}

type memScriptRun struct {
	RunID      string
	NodeID     string
	Status     string
	Error      string
	FinishedAt *time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:      make(map[string]*Node),
		commands:   make(map[string]*Command),
		scriptRuns: make(map[string]*memScriptRun),
		rollups:    make(map[rollupKey]*TelemetryRollup),
		audit:      make(map[string]*AuditEvent),
	}
}

// --- Node Operations ---

func (s *MemoryStore) UpsertNode(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	if existing, ok := s.nodes[node.NodeID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.nodes[node.NodeID] = &cp
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemoryStore) UpdateNodeLastSeen(ctx context.Context, nodeID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.LastSeenAt = t
		n.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.Status = status
		n.UpdatedAt = time.Now()
	}
	return nil
}

// --- Command Operations ---

func (s *MemoryStore) CreateCommand(ctx context.Context, cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.CommandID]; ok {
		return errors.New("command already exists")
	}
	cp := *cmd
	s.commands[cmd.CommandID] = &cp
	return nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[commandID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCommands(ctx context.Context, nodeID string, limit int) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Command
	for _, c := range s.commands {
		if c.NodeID == nodeID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStuckSent(ctx context.Context, sentBefore time.Time) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Command
	for _, c := range s.commands {
		if c.Status == CommandSent && c.SentAt != nil && c.SentAt.Before(sentBefore) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(*out[j].SentAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredQueued(ctx context.Context, createdBefore time.Time) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Command
	for _, c := range s.commands {
		if c.Status == CommandQueued && c.CreatedAt.Before(createdBefore) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListQueuedForNodes(ctx context.Context, nodeIDs []string, limit int) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connected := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		connected[id] = true
	}
	var out []*Command
	for _, c := range s.commands {
		if c.Status == CommandQueued && connected[c.NodeID] {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkCommandSent(ctx context.Context, commandID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok || c.Status != CommandQueued {
		return errors.New("command not queued")
	}
	c.Status = CommandSent
	c.DispatchAttempts++
	t := at
	c.LastAttemptAt = &t
	sent := at
	c.SentAt = &sent
	return nil
}

func (s *MemoryStore) RequeueCommand(ctx context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.commands[commandID]; ok && c.Status == CommandSent {
		c.Status = CommandQueued
		c.SentAt = nil
	}
	return nil
}

func appendOutput(existing, line string) string {
	out := existing
	if out != "" && line != "" {
		out += "\n"
	}
	out += line
	if len(out) > maxOutputLen {
		out = out[len(out)-maxOutputLen:]
	}
	return out
}

func (s *MemoryStore) FailCommand(ctx context.Context, commandID string, logLine string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok || c.Terminal() {
		return nil
	}
	c.Status = CommandFailed
	t := at
	c.FinishedAt = &t
	c.Output = appendOutput(c.Output, logLine)
	return nil
}

func (s *MemoryStore) UpdateCommandFromAgent(ctx context.Context, commandID string, status CommandStatus, output string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return nil
	}
	switch status {
	case CommandInProgress:
		if c.Status == CommandSent || c.Status == CommandInProgress {
			c.Status = CommandInProgress
			t := at
			c.StartedAt = &t
		}
	case CommandCompleted, CommandFailed:
		if c.Status == CommandSent || c.Status == CommandInProgress {
			c.Status = status
			t := at
			c.FinishedAt = &t
			c.Output = appendOutput(c.Output, output)
		}
	default:
		return errors.New("invalid agent status: " + string(status))
	}
	return nil
}

// --- Script Run Operations ---

// SeedScriptRun registers a script run row for tests.
func (s *MemoryStore) SeedScriptRun(runID, nodeID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scriptRuns[runID] = &memScriptRun{RunID: runID, NodeID: nodeID, Status: status}
}

// ScriptRunStatus reports the current status of a seeded script run.
func (s *MemoryStore) ScriptRunStatus(runID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.scriptRuns[runID]
	if !ok {
		return "", false
	}
	return r.Status, true
}

func (s *MemoryStore) MirrorScriptRunStatus(ctx context.Context, runID, nodeID, status, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.scriptRuns[runID]
	if !ok || r.NodeID != nodeID || r.Status == "completed" || r.Status == "failed" {
		return nil
	}
	r.Status = status
	r.Error = errMsg
	t := at
	r.FinishedAt = &t
	return nil
}

// --- Telemetry Operations ---

func (s *MemoryStore) InsertTelemetry(ctx context.Context, snap *TelemetrySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnapID++
	cp := *snap
	cp.SnapshotID = s.nextSnapID
	s.telemetry = append(s.telemetry, &cp)
	return nil
}

func (s *MemoryStore) ListTelemetryRange(ctx context.Context, nodeID string, from, to time.Time) ([]*TelemetrySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TelemetrySnapshot
	for _, t := range s.telemetry {
		if t.NodeID == nodeID && !t.CollectedAt.Before(from) && t.CollectedAt.Before(to) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.Before(out[j].CollectedAt) })
	return out, nil
}

// --- Rollup Operations ---

func (s *MemoryStore) LatestRollupBucket(ctx context.Context, nodeID string, gran RollupGranularity) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	found := false
	for k := range s.rollups {
		if k.nodeID == nodeID && k.granularity == gran {
			if !found || k.bucketStart.After(latest) {
				latest = k.bucketStart
				found = true
			}
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) ListRollupBuckets(ctx context.Context, nodeID string, gran RollupGranularity, from, to time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for k := range s.rollups {
		if k.nodeID == nodeID && k.granularity == gran && !k.bucketStart.Before(from) && k.bucketStart.Before(to) {
			out = append(out, k.bucketStart)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) ListRollupsRange(ctx context.Context, nodeID string, gran RollupGranularity, from, to time.Time) ([]*TelemetryRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TelemetryRollup
	for k, r := range s.rollups {
		if k.nodeID == nodeID && k.granularity == gran && !k.bucketStart.Before(from) && k.bucketStart.Before(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (s *MemoryStore) InsertRollups(ctx context.Context, rollups []*TelemetryRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rollups {
		key := rollupKey{r.NodeID, r.Granularity, r.BucketStart}
		if _, ok := s.rollups[key]; ok {
			continue
		}
		cp := *r
		s.rollups[key] = &cp
	}
	return nil
}

// RollupCount reports the number of stored rollup rows (test helper).
func (s *MemoryStore) RollupCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rollups)
}

// --- Audit Operations ---

func (s *MemoryStore) InsertAuditEvents(ctx context.Context, events []*AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if _, ok := s.audit[e.EventID]; ok {
			continue
		}
		cp := *e
		s.audit[e.EventID] = &cp
	}
	return nil
}

func (s *MemoryStore) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, e := range s.audit {
		if e.Timestamp.Before(cutoff) {
			delete(s.audit, id)
			deleted++
		}
	}
	return deleted, nil
}

// AuditEvents returns a snapshot of all stored audit rows (test helper).
func (s *MemoryStore) AuditEvents() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEvent, 0, len(s.audit))
	for _, e := range s.audit {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
