package store

import (
	"context"
	"time"
)

// Store defines the persistence operations the server needs.
// It abstracts over Postgres (durable) and the in-memory implementation
// used in tests and single-binary dev mode.
//
// Lookups that find nothing return (nil, nil), not an error.
type Store interface {
	// Node operations
	UpsertNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	UpdateNodeLastSeen(ctx context.Context, nodeID string, t time.Time) error
	UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error

	// Command operations
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, commandID string) (*Command, error)
	ListCommands(ctx context.Context, nodeID string, limit int) ([]*Command, error)

	// ListStuckSent returns commands still in "sent" whose sent_at is
	// older than the given cutoff.
	ListStuckSent(ctx context.Context, sentBefore time.Time) ([]*Command, error)

	// ListExpiredQueued returns commands still "queued" created before
	// the given cutoff.
	ListExpiredQueued(ctx context.Context, createdBefore time.Time) ([]*Command, error)

	// ListQueuedForNodes returns up to limit "queued" commands whose node
	// id is in nodeIDs, oldest created first.
	ListQueuedForNodes(ctx context.Context, nodeIDs []string, limit int) ([]*Command, error)

	// MarkCommandSent transitions queued -> sent, increments the dispatch
	// attempt counter and stamps last_attempt_at and sent_at.
	MarkCommandSent(ctx context.Context, commandID string, at time.Time) error

	// RequeueCommand transitions sent -> queued (timeout reconciliation).
	RequeueCommand(ctx context.Context, commandID string) error

	// FailCommand transitions a non-terminal command to failed, appending
	// logLine to the output (tail-truncated to the output bound).
	FailCommand(ctx context.Context, commandID string, logLine string, at time.Time) error

	// UpdateCommandFromAgent applies an agent status callback. Terminal
	// states stamp finished_at; in_progress stamps started_at. Already
	// terminal commands are left untouched.
	UpdateCommandFromAgent(ctx context.Context, commandID string, status CommandStatus, output string, at time.Time) error

	// MirrorScriptRunStatus mirrors a terminal command status onto the
	// referenced script run row, scoped to the same node. A missing or
	// mismatched row is not an error.
	MirrorScriptRunStatus(ctx context.Context, runID, nodeID, status, errMsg string, at time.Time) error

	// Telemetry operations
	InsertTelemetry(ctx context.Context, snap *TelemetrySnapshot) error

	// ListTelemetryRange returns samples for the node with
	// collected_at in [from, to), ascending by time.
	ListTelemetryRange(ctx context.Context, nodeID string, from, to time.Time) ([]*TelemetrySnapshot, error)

	// Rollup operations
	LatestRollupBucket(ctx context.Context, nodeID string, gran RollupGranularity) (time.Time, bool, error)
	ListRollupBuckets(ctx context.Context, nodeID string, gran RollupGranularity, from, to time.Time) ([]time.Time, error)
	ListRollupsRange(ctx context.Context, nodeID string, gran RollupGranularity, from, to time.Time) ([]*TelemetryRollup, error)

	// InsertRollups inserts the batch in one transaction.
	InsertRollups(ctx context.Context, rollups []*TelemetryRollup) error

	// Audit operations
	InsertAuditEvents(ctx context.Context, events []*AuditEvent) error
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
