package store

import (
	"encoding/json"
	"time"
)

// NodeStatus describes the connectivity state of a managed node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeError   NodeStatus = "error"
)

// Node represents a registered remote agent under fleet management.
type Node struct {
	NodeID     string     `json:"node_id" db:"node_id"`
	Hostname   string     `json:"hostname" db:"hostname"`
	Status     NodeStatus `json:"status" db:"status"`
	LastSeenAt time.Time  `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// CommandStatus is the lifecycle state of a Command.
// Transitions are monotonic (queued -> sent -> in_progress -> completed/failed)
// with one backward edge: sent -> queued on send timeout.
type CommandStatus string

const (
	CommandQueued     CommandStatus = "queued"
	CommandSent       CommandStatus = "sent"
	CommandInProgress CommandStatus = "in_progress"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
)

// CommandType is the closed set of operation kinds a node can execute.
type CommandType string

const (
	CommandShellExecute  CommandType = "shell_execute"
	CommandScriptRun     CommandType = "script_run"
	CommandServiceAction CommandType = "service_action"
	CommandTerminalOpen  CommandType = "terminal_open"
	CommandLogTail       CommandType = "log_tail"
	CommandFileBrowse    CommandType = "file_browse"
	CommandAgentUpdate   CommandType = "agent_update"
	CommandReboot        CommandType = "reboot"
	CommandShutdown      CommandType = "shutdown"
)

// Command is one unit of work targeted at a single node.
type Command struct {
	CommandID        string          `json:"command_id" db:"command_id"`
	NodeID           string          `json:"node_id" db:"node_id"`
	Type             CommandType     `json:"type" db:"type"`
	Payload          json.RawMessage `json:"payload" db:"payload"`
	Status           CommandStatus   `json:"status" db:"status"`
	DispatchAttempts int             `json:"dispatch_attempts" db:"dispatch_attempts"`
	Output           string          `json:"output" db:"output"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at" db:"last_attempt_at"`
	SentAt           *time.Time      `json:"sent_at" db:"sent_at"`
	StartedAt        *time.Time      `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at" db:"finished_at"`
}

// Terminal reports whether the command has reached a final state.
func (c *Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed
}

// TelemetrySnapshot is one raw sample of a node's resource metrics.
// Rows are immutable once written.
type TelemetrySnapshot struct {
	SnapshotID    int64     `json:"snapshot_id" db:"snapshot_id"`
	NodeID        string    `json:"node_id" db:"node_id"`
	CollectedAt   time.Time `json:"collected_at" db:"collected_at"`
	CPUPercent    float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent" db:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent" db:"disk_percent"`
	Temperature   *float64  `json:"temperature" db:"temperature"`
	NetRxBps      *float64  `json:"net_rx_bps" db:"net_rx_bps"`
	NetTxBps      *float64  `json:"net_tx_bps" db:"net_tx_bps"`
	PingRTTMs     *float64  `json:"ping_rtt_ms" db:"ping_rtt_ms"`
	PingLossPct   *float64  `json:"ping_loss_pct" db:"ping_loss_pct"`
}

// RollupGranularity is the bucket width of a telemetry rollup.
type RollupGranularity string

const (
	GranularityHour RollupGranularity = "hour"
	GranularityDay  RollupGranularity = "day"
)

// MetricSummary holds the statistical summary of one metric over a bucket.
// All fields are nil when the metric was absent for the whole bucket; nulls
// must propagate downstream rather than collapse to zero.
type MetricSummary struct {
	Avg *float64 `json:"avg"`
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	P95 *float64 `json:"p95"`
}

// TelemetryRollup is a statistical summary bucket for one node, one
// granularity and one bucket start. At most one row exists per
// (node, granularity, bucket_start); rows are never updated in place.
type TelemetryRollup struct {
	NodeID      string            `json:"node_id" db:"node_id"`
	Granularity RollupGranularity `json:"granularity" db:"granularity"`
	BucketStart time.Time         `json:"bucket_start" db:"bucket_start"`
	SampleCount int               `json:"sample_count" db:"sample_count"`

	CPU         MetricSummary `json:"cpu"`
	Memory      MetricSummary `json:"memory"`
	Disk        MetricSummary `json:"disk"`
	Temperature MetricSummary `json:"temperature"`
	NetRx       MetricSummary `json:"net_rx"`
	NetTx       MetricSummary `json:"net_tx"`
	PingRTT     MetricSummary `json:"ping_rtt"`
	PingLoss    MetricSummary `json:"ping_loss"`
}

// AuditEvent is a structured record of something notable that happened.
// Every textual field is length-bounded at normalization time.
type AuditEvent struct {
	EventID   string    `json:"event_id" db:"event_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Kind      string    `json:"kind" db:"kind"`
	Name      string    `json:"name" db:"name"`
	Category  string    `json:"category,omitempty" db:"category"`
	Message   string    `json:"message,omitempty" db:"message"`
	Success   *bool     `json:"success,omitempty" db:"success"`

	ActorType string `json:"actor_type,omitempty" db:"actor_type"`
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorName string `json:"actor_name,omitempty" db:"actor_name"`
	ActorIP   string `json:"actor_ip,omitempty" db:"actor_ip"`
	UserAgent string `json:"user_agent,omitempty" db:"user_agent"`

	NodeID       string `json:"node_id,omitempty" db:"node_id"`
	CommandID    string `json:"command_id,omitempty" db:"command_id"`
	SessionID    string `json:"session_id,omitempty" db:"session_id"`
	TraceID      string `json:"trace_id,omitempty" db:"trace_id"`
	SpanID       string `json:"span_id,omitempty" db:"span_id"`
	ConnectionID string `json:"connection_id,omitempty" db:"connection_id"`
	RequestID    string `json:"request_id,omitempty" db:"request_id"`

	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`
	Error   string          `json:"error,omitempty" db:"error"`
}
