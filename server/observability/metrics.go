package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsDispatched counts commands handed to a connected node.
	CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manlab_commands_dispatched_total",
		Help: "Total number of commands dispatched to nodes",
	})

	// CommandsFailed counts terminal dispatch failures by reason.
	CommandsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manlab_commands_failed_total",
		Help: "Total number of commands failed by the dispatcher",
	}, []string{"reason"}) // send_timeout, expired, unsupported_type

	// CommandsRequeued counts sent->queued timeout reconciliations.
	CommandsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manlab_commands_requeued_total",
		Help: "Total number of stuck sent commands returned to the queue",
	})

	// DispatchCycleDuration tracks the duration of a full dispatch cycle.
	DispatchCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "manlab_dispatch_cycle_duration_seconds",
		Help:    "Duration of one dispatcher cycle",
		Buckets: prometheus.DefBuckets,
	})

	// ConnectedNodes tracks the number of live agent connections.
	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "manlab_connected_nodes",
		Help: "Current number of nodes with a live transport connection",
	})

	// RollupsCreated counts rollup rows inserted by granularity.
	RollupsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manlab_rollups_created_total",
		Help: "Total number of telemetry rollup buckets created",
	}, []string{"granularity"})

	// RollupCycleDuration tracks the duration of a full rollup cycle.
	RollupCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "manlab_rollup_cycle_duration_seconds",
		Help:    "Duration of one rollup aggregation cycle",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// AuditEnqueued counts audit events accepted by TryEnqueue.
	AuditEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manlab_audit_enqueued_total",
		Help: "Total number of audit events accepted into the pipeline",
	})

	// AuditDropped counts audit events lost, by stage.
	AuditDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manlab_audit_dropped_total",
		Help: "Total number of audit events dropped (best-effort pipeline)",
	}, []string{"reason"}) // queue_full, publish_error, persist_failed, disabled

	// AuditPersisted counts audit events written to storage.
	AuditPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manlab_audit_persisted_total",
		Help: "Total number of audit events persisted",
	})

	// AuditRetentionDeleted counts rows removed by the retention sweep.
	AuditRetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manlab_audit_retention_deleted_total",
		Help: "Total number of audit rows removed by the retention sweep",
	})

	// NotifyPublishFailures counts failed command-updated broadcasts.
	NotifyPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manlab_notify_publish_failures_total",
		Help: "Failed command-updated broadcast attempts (non-blocking, best-effort)",
	})
)
