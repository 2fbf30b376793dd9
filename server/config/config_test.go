package config

import (
	"testing"
	"time"
)

func TestSnapshotAppliesFloors(t *testing.T) {
	o := Defaults()
	o.DispatchInterval = 10 * time.Millisecond
	o.DispatchMaxInterval = time.Millisecond
	o.DispatchBatchSize = 0
	o.AuditBatchSize = -5
	o.AuditCleanupInterval = time.Second
	o.MonitorInterval = 0

	got := NewHolder(o).Snapshot()

	if got.DispatchInterval != time.Second {
		t.Errorf("DispatchInterval = %v, want 1s floor", got.DispatchInterval)
	}
	if got.DispatchMaxInterval != got.DispatchInterval {
		t.Errorf("DispatchMaxInterval = %v, must not undercut the base interval", got.DispatchMaxInterval)
	}
	if got.DispatchBatchSize != 1 {
		t.Errorf("DispatchBatchSize = %d, want 1", got.DispatchBatchSize)
	}
	if got.AuditBatchSize != 1 {
		t.Errorf("AuditBatchSize = %d, want 1", got.AuditBatchSize)
	}
	if got.AuditCleanupInterval != 5*time.Minute {
		t.Errorf("AuditCleanupInterval = %v, want 5m floor", got.AuditCleanupInterval)
	}
	if got.MonitorInterval != 5*time.Second {
		t.Errorf("MonitorInterval = %v, want 5s floor", got.MonitorInterval)
	}
}

func TestSnapshotDoesNotMutateStored(t *testing.T) {
	o := Defaults()
	o.DispatchBatchSize = 0
	h := NewHolder(o)

	h.Snapshot()
	if o.DispatchBatchSize != 0 {
		t.Error("Snapshot must clamp a copy, not the stored Options")
	}
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder(Defaults())
	if h.Snapshot().DispatchBatchSize != 25 {
		t.Fatalf("unexpected default batch size %d", h.Snapshot().DispatchBatchSize)
	}

	next := Defaults()
	next.DispatchBatchSize = 100
	h.Store(next)

	if got := h.Snapshot().DispatchBatchSize; got != 100 {
		t.Errorf("DispatchBatchSize after swap = %d, want 100", got)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DISPATCH_INTERVAL", "7s")
	t.Setenv("DISPATCH_BATCH_SIZE", "9")
	t.Setenv("AUDIT_ENABLED", "false")
	t.Setenv("DISPATCH_NODE_RATE", "2.5")

	o := Load()
	if o.DispatchInterval != 7*time.Second {
		t.Errorf("DispatchInterval = %v", o.DispatchInterval)
	}
	if o.DispatchBatchSize != 9 {
		t.Errorf("DispatchBatchSize = %d", o.DispatchBatchSize)
	}
	if o.AuditEnabled {
		t.Error("AuditEnabled should be false")
	}
	if o.NodeSendRate != 2.5 {
		t.Errorf("NodeSendRate = %v", o.NodeSendRate)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DISPATCH_INTERVAL", "soon")
	t.Setenv("DISPATCH_BATCH_SIZE", "many")

	o := Load()
	if o.DispatchInterval != 2*time.Second {
		t.Errorf("DispatchInterval = %v, want default kept", o.DispatchInterval)
	}
	if o.DispatchBatchSize != 25 {
		t.Errorf("DispatchBatchSize = %d, want default kept", o.DispatchBatchSize)
	}
}
