// Package dispatch hands queued commands to connected nodes and owns the
// command status state machine while a command is queued or sent. Once the
// agent acknowledges (in_progress), writes belong to the agent callback
// path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/observability"
	"github.com/raulshma/manlab-sub013/server/store"
)

// Terminal failure reasons recorded on audit events and metrics.
const (
	reasonSendTimeout = "send_timeout"
	reasonExpired     = "expired"
	reasonUnsupported = "unsupported_type"
)

// Audit event kinds emitted by the dispatcher.
const (
	KindDispatched     = "command.dispatched"
	KindDispatchFailed = "command.dispatch.failed"
)

// Transport is the dispatcher's read-only view of the connection registry
// plus the push side of the agent transport.
type Transport interface {
	Count() int
	ConnectedIDs() []string
	Send(nodeID string, v any) error
}

// Notifier broadcasts lightweight command-updated notifications to
// observers. Implementations must be best-effort and non-blocking.
type Notifier interface {
	CommandUpdated(ctx context.Context, cmd *store.Command)
}

// Auditor is the fire-and-forget audit entry point.
type Auditor interface {
	TryEnqueue(e *store.AuditEvent)
}

// Dispatcher polls the command store on an adaptive timer and applies the
// dispatch state machine.
type Dispatcher struct {
	store    store.Store
	conns    Transport
	audit    Auditor
	notifier Notifier
	cfg      *config.Holder
	limiter  *nodeLimiter
	log      *logrus.Entry
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s store.Store, conns Transport, audit Auditor, notifier Notifier, cfg *config.Holder) *Dispatcher {
	opts := cfg.Snapshot()
	return &Dispatcher{
		store:    s,
		conns:    conns,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		limiter:  newNodeLimiter(opts.NodeSendRate, opts.NodeSendBurst),
		log:      logrus.WithField("component", "dispatcher"),
		now:      time.Now,
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	opts := d.cfg.Snapshot()
	backoff := NewBackoff(opts.DispatchInterval, opts.DispatchMaxInterval, 1.5)

	d.log.WithFields(logrus.Fields{
		"interval":     opts.DispatchInterval,
		"max_interval": opts.DispatchMaxInterval,
	}).Info("dispatcher started")

	for {
		dispatched, err := d.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).Error("dispatch cycle failed")
		}

		opts = d.cfg.Snapshot()
		var delay time.Duration
		if dispatched {
			backoff.Reset()
			delay = opts.DispatchInterval
		} else {
			delay = backoff.Next()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// RunCycle executes one dispatch cycle: reconcile stuck sends, expire
// stale queued commands, then dispatch a batch to connected nodes — in
// strictly that order, since each phase's writes affect what the next
// should see. It reports whether anything was dispatched, which drives
// the adaptive backoff.
func (d *Dispatcher) RunCycle(ctx context.Context) (bool, error) {
	// Fast exit: with nobody connected there is nothing to send and no
	// point polling the store.
	if d.conns.Count() == 0 {
		return false, nil
	}

	start := time.Now()
	defer func() {
		observability.DispatchCycleDuration.Observe(time.Since(start).Seconds())
	}()

	opts := d.cfg.Snapshot()
	now := d.now()

	if err := d.reconcileStuck(ctx, opts, now); err != nil {
		return false, fmt.Errorf("reconcile stuck sends: %w", err)
	}
	if err := d.expireQueued(ctx, opts, now); err != nil {
		return false, fmt.Errorf("expire queued: %w", err)
	}
	n, err := d.dispatchBatch(ctx, opts, now)
	if err != nil {
		return n > 0, fmt.Errorf("dispatch batch: %w", err)
	}
	return n > 0, nil
}

// reconcileStuck handles commands stranded in "sent": the connection
// dropped between our push and the agent's acknowledgment. Under the
// attempt budget they go back to the queue; over it they fail for good.
func (d *Dispatcher) reconcileStuck(ctx context.Context, opts *config.Options, now time.Time) error {
	stuck, err := d.store.ListStuckSent(ctx, now.Add(-opts.SendTimeout))
	if err != nil {
		return err
	}

	for _, cmd := range stuck {
		if cmd.DispatchAttempts >= opts.MaxDispatchAttempts {
			line := fmt.Sprintf("dispatch failed: no acknowledgment after %d attempts", cmd.DispatchAttempts)
			d.failCommand(ctx, cmd, reasonSendTimeout, line, now)
			continue
		}

		if err := d.store.RequeueCommand(ctx, cmd.CommandID); err != nil {
			d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("requeue failed")
			continue
		}
		observability.CommandsRequeued.Inc()
		cmd.Status = store.CommandQueued
		d.notifier.CommandUpdated(ctx, cmd)
		d.log.WithFields(logrus.Fields{
			"command_id": cmd.CommandID,
			"node_id":    cmd.NodeID,
			"attempts":   cmd.DispatchAttempts,
		}).Info("sent command timed out, requeued")
	}
	return nil
}

// expireQueued fails commands that sat queued past the maximum age: the
// node was never online long enough to receive them.
func (d *Dispatcher) expireQueued(ctx context.Context, opts *config.Options, now time.Time) error {
	expired, err := d.store.ListExpiredQueued(ctx, now.Add(-opts.MaxQueueAge))
	if err != nil {
		return err
	}

	for _, cmd := range expired {
		line := fmt.Sprintf("dispatch failed: command expired after %s in queue", opts.MaxQueueAge)
		d.failCommand(ctx, cmd, reasonExpired, line, now)
	}
	return nil
}

// dispatchBatch pushes up to a batch of queued commands to their
// connected nodes, oldest created first.
func (d *Dispatcher) dispatchBatch(ctx context.Context, opts *config.Options, now time.Time) (int, error) {
	connected := d.conns.ConnectedIDs()
	if len(connected) == 0 {
		return 0, nil
	}

	cmds, err := d.store.ListQueuedForNodes(ctx, connected, opts.DispatchBatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, cmd := range cmds {
		op, ok := WireOperation(cmd.Type)
		if !ok {
			line := fmt.Sprintf("dispatch failed: unsupported command type %q", cmd.Type)
			d.failCommand(ctx, cmd, reasonUnsupported, line, now)
			continue
		}

		// Over the node's send budget: leave it queued for a later cycle.
		if !d.limiter.Allow(cmd.NodeID) {
			continue
		}

		if err := d.store.MarkCommandSent(ctx, cmd.CommandID, now); err != nil {
			// Someone else raced us or the store write failed; the next
			// tick re-derives state either way.
			d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("mark sent failed")
			continue
		}
		cmd.Status = store.CommandSent
		cmd.DispatchAttempts++

		d.audit.TryEnqueue(&store.AuditEvent{
			Kind:      KindDispatched,
			Name:      string(cmd.Type),
			NodeID:    cmd.NodeID,
			CommandID: cmd.CommandID,
		})

		if err := d.conns.Send(cmd.NodeID, Envelope{Op: op, CommandID: cmd.CommandID, Payload: cmd.Payload}); err != nil {
			// The node vanished mid-cycle. The command stays "sent" and
			// the timeout reconciliation picks it up later.
			d.log.WithError(err).WithFields(logrus.Fields{
				"command_id": cmd.CommandID,
				"node_id":    cmd.NodeID,
			}).Warn("push to node failed")
		}

		observability.CommandsDispatched.Inc()
		d.notifier.CommandUpdated(ctx, cmd)
		dispatched++
	}
	return dispatched, nil
}

// failCommand applies a terminal failure: store transition, script-run
// mirroring, audit trail, observer notification.
func (d *Dispatcher) failCommand(ctx context.Context, cmd *store.Command, reason, line string, now time.Time) {
	if err := d.store.FailCommand(ctx, cmd.CommandID, line, now); err != nil {
		d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("fail transition failed")
		return
	}
	cmd.Status = store.CommandFailed

	d.mirrorScriptRun(ctx, cmd, line, now)

	d.audit.TryEnqueue(&store.AuditEvent{
		Kind:      KindDispatchFailed,
		Name:      string(cmd.Type),
		Category:  reason,
		NodeID:    cmd.NodeID,
		CommandID: cmd.CommandID,
		Error:     line,
	})
	observability.CommandsFailed.WithLabelValues(reason).Inc()
	d.notifier.CommandUpdated(ctx, cmd)

	d.log.WithFields(logrus.Fields{
		"command_id": cmd.CommandID,
		"node_id":    cmd.NodeID,
		"reason":     reason,
	}).Info("command failed terminally")
}

// scriptRunRef is the payload fragment referencing an auxiliary script
// run record.
type scriptRunRef struct {
	ScriptRunID string `json:"script_run_id"`
}

// mirrorScriptRun propagates a terminal failure onto a referenced script
// run row, if any. A missing or mismatched reference is silently ignored.
func (d *Dispatcher) mirrorScriptRun(ctx context.Context, cmd *store.Command, line string, now time.Time) {
	if len(cmd.Payload) == 0 {
		return
	}
	var ref scriptRunRef
	if err := json.Unmarshal(cmd.Payload, &ref); err != nil || ref.ScriptRunID == "" {
		return
	}
	if err := d.store.MirrorScriptRunStatus(ctx, ref.ScriptRunID, cmd.NodeID, "failed", line, now); err != nil {
		d.log.WithError(err).WithField("command_id", cmd.CommandID).Debug("script run mirror failed")
	}
}
