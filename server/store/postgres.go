package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxOutputLen bounds the command output/log column. Appends keep the tail.
const maxOutputLen = 16384

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Node Operations ---

func (s *PostgresStore) UpsertNode(ctx context.Context, node *Node) error {
	query := `
		INSERT INTO nodes (node_id, hostname, status, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (node_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, node.NodeID, node.Hostname, node.Status, node.LastSeenAt)
	return err
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	query := `
		SELECT node_id, hostname, status, last_seen_at, created_at, updated_at
		FROM nodes WHERE node_id = $1
	`
	var n Node
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&n.NodeID, &n.Hostname, &n.Status, &n.LastSeenAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*Node, error) {
	query := `
		SELECT node_id, hostname, status, last_seen_at, created_at, updated_at
		FROM nodes ORDER BY node_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeID, &n.Hostname, &n.Status, &n.LastSeenAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateNodeLastSeen(ctx context.Context, nodeID string, t time.Time) error {
	query := `UPDATE nodes SET last_seen_at = $2, updated_at = NOW() WHERE node_id = $1`
	_, err := s.pool.Exec(ctx, query, nodeID, t)
	return err
}

func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	query := `UPDATE nodes SET status = $2, updated_at = NOW() WHERE node_id = $1`
	_, err := s.pool.Exec(ctx, query, nodeID, status)
	return err
}

// --- Command Operations ---

const commandColumns = `
	command_id, node_id, type, payload, status, dispatch_attempts, output,
	created_at, last_attempt_at, sent_at, started_at, finished_at`

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	err := row.Scan(
		&c.CommandID, &c.NodeID, &c.Type, &c.Payload, &c.Status, &c.DispatchAttempts,
		&c.Output, &c.CreatedAt, &c.LastAttemptAt, &c.SentAt, &c.StartedAt, &c.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) collectCommands(rows pgx.Rows) ([]*Command, error) {
	defer rows.Close()
	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (command_id, node_id, type, payload, status, dispatch_attempts, output, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		cmd.CommandID, cmd.NodeID, cmd.Type, cmd.Payload, cmd.Status,
		cmd.DispatchAttempts, cmd.Output, cmd.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE command_id = $1`
	c, err := scanCommand(s.pool.QueryRow(ctx, query, commandID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListCommands(ctx context.Context, nodeID string, limit int) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE node_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, nodeID, limit)
	if err != nil {
		return nil, err
	}
	return s.collectCommands(rows)
}

func (s *PostgresStore) ListStuckSent(ctx context.Context, sentBefore time.Time) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE status = 'sent' AND sent_at < $1 ORDER BY sent_at`
	rows, err := s.pool.Query(ctx, query, sentBefore)
	if err != nil {
		return nil, err
	}
	return s.collectCommands(rows)
}

func (s *PostgresStore) ListExpiredQueued(ctx context.Context, createdBefore time.Time) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE status = 'queued' AND created_at < $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, createdBefore)
	if err != nil {
		return nil, err
	}
	return s.collectCommands(rows)
}

func (s *PostgresStore) ListQueuedForNodes(ctx context.Context, nodeIDs []string, limit int) ([]*Command, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + commandColumns + `
		FROM commands WHERE status = 'queued' AND node_id = ANY($1)
		ORDER BY created_at LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, nodeIDs, limit)
	if err != nil {
		return nil, err
	}
	return s.collectCommands(rows)
}

func (s *PostgresStore) MarkCommandSent(ctx context.Context, commandID string, at time.Time) error {
	// The status guard keeps the state machine monotonic: only queued
	// commands can move to sent.
	query := `
		UPDATE commands
		SET status = 'sent', dispatch_attempts = dispatch_attempts + 1, last_attempt_at = $2, sent_at = $2
		WHERE command_id = $1 AND status = 'queued'
	`
	tag, err := s.pool.Exec(ctx, query, commandID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("command not queued")
	}
	return nil
}

func (s *PostgresStore) RequeueCommand(ctx context.Context, commandID string) error {
	query := `UPDATE commands SET status = 'queued', sent_at = NULL WHERE command_id = $1 AND status = 'sent'`
	_, err := s.pool.Exec(ctx, query, commandID)
	return err
}

func (s *PostgresStore) FailCommand(ctx context.Context, commandID string, logLine string, at time.Time) error {
	query := `
		UPDATE commands
		SET status = 'failed', finished_at = $2,
		    output = right(concat_ws(E'\n', nullif(output, ''), $3::text), $4)
		WHERE command_id = $1 AND status IN ('queued', 'sent', 'in_progress')
	`
	_, err := s.pool.Exec(ctx, query, commandID, at, logLine, maxOutputLen)
	return err
}

func (s *PostgresStore) UpdateCommandFromAgent(ctx context.Context, commandID string, status CommandStatus, output string, at time.Time) error {
	switch status {
	case CommandInProgress:
		query := `
			UPDATE commands SET status = 'in_progress', started_at = $2
			WHERE command_id = $1 AND status IN ('sent', 'in_progress')
		`
		_, err := s.pool.Exec(ctx, query, commandID, at)
		return err
	case CommandCompleted, CommandFailed:
		query := `
			UPDATE commands
			SET status = $2, finished_at = $3,
			    output = right(concat_ws(E'\n', nullif(output, ''), nullif($4::text, '')), $5)
			WHERE command_id = $1 AND status IN ('sent', 'in_progress')
		`
		_, err := s.pool.Exec(ctx, query, commandID, status, at, output, maxOutputLen)
		return err
	default:
		return errors.New("invalid agent status: " + string(status))
	}
}

// --- Script Run Operations ---

func (s *PostgresStore) MirrorScriptRunStatus(ctx context.Context, runID, nodeID, status, errMsg string, at time.Time) error {
	// RowsAffected == 0 (missing or mismatched run) is deliberately not
	// an error; the reference inside a payload is advisory.
	query := `
		UPDATE script_runs SET status = $3, error = $4, finished_at = $5
		WHERE run_id = $1 AND node_id = $2 AND status NOT IN ('completed', 'failed')
	`
	_, err := s.pool.Exec(ctx, query, runID, nodeID, status, errMsg, at)
	return err
}

// --- Telemetry Operations ---

func (s *PostgresStore) InsertTelemetry(ctx context.Context, snap *TelemetrySnapshot) error {
	query := `
		INSERT INTO telemetry_snapshots
			(node_id, collected_at, cpu_percent, memory_percent, disk_percent,
			 temperature, net_rx_bps, net_tx_bps, ping_rtt_ms, ping_loss_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		snap.NodeID, snap.CollectedAt, snap.CPUPercent, snap.MemoryPercent, snap.DiskPercent,
		snap.Temperature, snap.NetRxBps, snap.NetTxBps, snap.PingRTTMs, snap.PingLossPct,
	)
	return err
}

func (s *PostgresStore) ListTelemetryRange(ctx context.Context, nodeID string, from, to time.Time) ([]*TelemetrySnapshot, error) {
	query := `
		SELECT snapshot_id, node_id, collected_at, cpu_percent, memory_percent, disk_percent,
		       temperature, net_rx_bps, net_tx_bps, ping_rtt_ms, ping_loss_pct
		FROM telemetry_snapshots
		WHERE node_id = $1 AND collected_at >= $2 AND collected_at < $3
		ORDER BY collected_at
	`
	rows, err := s.pool.Query(ctx, query, nodeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*TelemetrySnapshot
	for rows.Next() {
		var t TelemetrySnapshot
		if err := rows.Scan(
			&t.SnapshotID, &t.NodeID, &t.CollectedAt, &t.CPUPercent, &t.MemoryPercent, &t.DiskPercent,
			&t.Temperature, &t.NetRxBps, &t.NetTxBps, &t.PingRTTMs, &t.PingLossPct,
		); err != nil {
			return nil, err
		}
		snaps = append(snaps, &t)
	}
	return snaps, rows.Err()
}

// --- Rollup Operations ---

func (s *PostgresStore) LatestRollupBucket(ctx context.Context, nodeID string, gran RollupGranularity) (time.Time, bool, error) {
	query := `
		SELECT bucket_start FROM telemetry_rollups
		WHERE node_id = $1 AND granularity = $2
		ORDER BY bucket_start DESC LIMIT 1
	`
	var t time.Time
	err := s.pool.QueryRow(ctx, query, nodeID, gran).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) ListRollupBuckets(ctx context.Context, nodeID string, gran RollupGranularity, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT bucket_start FROM telemetry_rollups
		WHERE node_id = $1 AND granularity = $2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start
	`
	rows, err := s.pool.Query(ctx, query, nodeID, gran, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		buckets = append(buckets, t)
	}
	return buckets, rows.Err()
}

const rollupColumns = `
	node_id, granularity, bucket_start, sample_count,
	cpu_avg, cpu_min, cpu_max, cpu_p95,
	memory_avg, memory_min, memory_max, memory_p95,
	disk_avg, disk_min, disk_max, disk_p95,
	temperature_avg, temperature_min, temperature_max, temperature_p95,
	net_rx_avg, net_rx_min, net_rx_max, net_rx_p95,
	net_tx_avg, net_tx_min, net_tx_max, net_tx_p95,
	ping_rtt_avg, ping_rtt_min, ping_rtt_max, ping_rtt_p95,
	ping_loss_avg, ping_loss_min, ping_loss_max, ping_loss_p95`

func (s *PostgresStore) ListRollupsRange(ctx context.Context, nodeID string, gran RollupGranularity, from, to time.Time) ([]*TelemetryRollup, error) {
	query := `
		SELECT ` + rollupColumns + `
		FROM telemetry_rollups
		WHERE node_id = $1 AND granularity = $2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start
	`
	rows, err := s.pool.Query(ctx, query, nodeID, gran, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollups []*TelemetryRollup
	for rows.Next() {
		var r TelemetryRollup
		if err := rows.Scan(
			&r.NodeID, &r.Granularity, &r.BucketStart, &r.SampleCount,
			&r.CPU.Avg, &r.CPU.Min, &r.CPU.Max, &r.CPU.P95,
			&r.Memory.Avg, &r.Memory.Min, &r.Memory.Max, &r.Memory.P95,
			&r.Disk.Avg, &r.Disk.Min, &r.Disk.Max, &r.Disk.P95,
			&r.Temperature.Avg, &r.Temperature.Min, &r.Temperature.Max, &r.Temperature.P95,
			&r.NetRx.Avg, &r.NetRx.Min, &r.NetRx.Max, &r.NetRx.P95,
			&r.NetTx.Avg, &r.NetTx.Min, &r.NetTx.Max, &r.NetTx.P95,
			&r.PingRTT.Avg, &r.PingRTT.Min, &r.PingRTT.Max, &r.PingRTT.P95,
			&r.PingLoss.Avg, &r.PingLoss.Min, &r.PingLoss.Max, &r.PingLoss.P95,
		); err != nil {
			return nil, err
		}
		rollups = append(rollups, &r)
	}
	return rollups, rows.Err()
}

func (s *PostgresStore) InsertRollups(ctx context.Context, rollups []*TelemetryRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO telemetry_rollups (` + rollupColumns + `)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
		        $29, $30, $31, $32, $33, $34, $35, $36)
		ON CONFLICT (node_id, granularity, bucket_start) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, r := range rollups {
		batch.Queue(query,
			r.NodeID, r.Granularity, r.BucketStart, r.SampleCount,
			r.CPU.Avg, r.CPU.Min, r.CPU.Max, r.CPU.P95,
			r.Memory.Avg, r.Memory.Min, r.Memory.Max, r.Memory.P95,
			r.Disk.Avg, r.Disk.Min, r.Disk.Max, r.Disk.P95,
			r.Temperature.Avg, r.Temperature.Min, r.Temperature.Max, r.Temperature.P95,
			r.NetRx.Avg, r.NetRx.Min, r.NetRx.Max, r.NetRx.P95,
			r.NetTx.Avg, r.NetTx.Min, r.NetTx.Max, r.NetTx.P95,
			r.PingRTT.Avg, r.PingRTT.Min, r.PingRTT.Max, r.PingRTT.P95,
			r.PingLoss.Avg, r.PingLoss.Min, r.PingLoss.Max, r.PingLoss.P95,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Audit Operations ---

func (s *PostgresStore) InsertAuditEvents(ctx context.Context, events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO audit_events
			(event_id, timestamp, kind, name, category, message, success,
			 actor_type, actor_id, actor_name, actor_ip, user_agent,
			 node_id, command_id, session_id, trace_id, span_id, connection_id, request_id,
			 payload, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (event_id) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query,
			e.EventID, e.Timestamp, e.Kind, e.Name, e.Category, e.Message, e.Success,
			e.ActorType, e.ActorID, e.ActorName, e.ActorIP, e.UserAgent,
			e.NodeID, e.CommandID, e.SessionID, e.TraceID, e.SpanID, e.ConnectionID, e.RequestID,
			e.Payload, e.Error,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
