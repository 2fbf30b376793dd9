package config

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Options carries every externally configurable knob. Loops read a fresh
// snapshot from a Holder at the top of each cycle, so a swapped Options
// takes effect on the next tick without a restart.
type Options struct {
	ListenAddr  string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	NATSURL      string
	AuditSubject string

	// Dispatcher
	DispatchInterval    time.Duration
	DispatchMaxInterval time.Duration
	DispatchBatchSize   int
	SendTimeout         time.Duration
	MaxDispatchAttempts int
	MaxQueueAge         time.Duration
	NodeSendRate        float64
	NodeSendBurst       int

	// Rollup aggregator
	RollupInterval time.Duration
	RollupBackfill time.Duration

	// Audit pipeline
	AuditEnabled         bool
	AuditQueueSize       int
	AuditBatchSize       int
	AuditFlushInterval   time.Duration
	AuditPersistAttempts int
	AuditRetryDelay      time.Duration
	AuditRetention       time.Duration
	AuditCleanupInterval time.Duration

	// Node liveness monitor
	MonitorInterval  time.Duration
	OfflineThreshold time.Duration
}

// Defaults returns the fallback configuration.
func Defaults() *Options {
	return &Options{
		ListenAddr:   ":8080",
		RedisChannel: "manlab:commands",
		AuditSubject: "manlab.audit",

		DispatchInterval:    2 * time.Second,
		DispatchMaxInterval: 5 * time.Second,
		DispatchBatchSize:   25,
		SendTimeout:         45 * time.Second,
		MaxDispatchAttempts: 5,
		MaxQueueAge:         24 * time.Hour,
		NodeSendRate:        5,
		NodeSendBurst:       5,

		RollupInterval: 10 * time.Minute,
		RollupBackfill: 7 * 24 * time.Hour,

		AuditEnabled:         true,
		AuditQueueSize:       1024,
		AuditBatchSize:       250,
		AuditFlushInterval:   5 * time.Second,
		AuditPersistAttempts: 3,
		AuditRetryDelay:      2 * time.Second,
		AuditRetention:       30 * 24 * time.Hour,
		AuditCleanupInterval: time.Hour,

		MonitorInterval:  30 * time.Second,
		OfflineThreshold: 2 * time.Minute,
	}
}

// Load reads Options from the environment on top of Defaults.
func Load() *Options {
	o := Defaults()

	o.ListenAddr = getenv("LISTEN_ADDR", o.ListenAddr)
	o.DatabaseURL = getenv("DATABASE_URL", o.DatabaseURL)
	o.RedisAddr = getenv("REDIS_ADDR", o.RedisAddr)
	o.RedisPassword = getenv("REDIS_PASSWORD", o.RedisPassword)
	o.RedisDB = getenvInt("REDIS_DB", o.RedisDB)
	o.RedisChannel = getenv("REDIS_COMMAND_CHANNEL", o.RedisChannel)
	o.NATSURL = getenv("NATS_URL", o.NATSURL)
	o.AuditSubject = getenv("AUDIT_SUBJECT", o.AuditSubject)

	o.DispatchInterval = getenvDuration("DISPATCH_INTERVAL", o.DispatchInterval)
	o.DispatchMaxInterval = getenvDuration("DISPATCH_MAX_INTERVAL", o.DispatchMaxInterval)
	o.DispatchBatchSize = getenvInt("DISPATCH_BATCH_SIZE", o.DispatchBatchSize)
	o.SendTimeout = getenvDuration("DISPATCH_SEND_TIMEOUT", o.SendTimeout)
	o.MaxDispatchAttempts = getenvInt("DISPATCH_MAX_ATTEMPTS", o.MaxDispatchAttempts)
	o.MaxQueueAge = getenvDuration("DISPATCH_MAX_QUEUE_AGE", o.MaxQueueAge)
	o.NodeSendRate = getenvFloat("DISPATCH_NODE_RATE", o.NodeSendRate)
	o.NodeSendBurst = getenvInt("DISPATCH_NODE_BURST", o.NodeSendBurst)

	o.RollupInterval = getenvDuration("ROLLUP_INTERVAL", o.RollupInterval)
	o.RollupBackfill = getenvDuration("ROLLUP_BACKFILL", o.RollupBackfill)

	o.AuditEnabled = getenvBool("AUDIT_ENABLED", o.AuditEnabled)
	o.AuditQueueSize = getenvInt("AUDIT_QUEUE_SIZE", o.AuditQueueSize)
	o.AuditBatchSize = getenvInt("AUDIT_BATCH_SIZE", o.AuditBatchSize)
	o.AuditFlushInterval = getenvDuration("AUDIT_FLUSH_INTERVAL", o.AuditFlushInterval)
	o.AuditPersistAttempts = getenvInt("AUDIT_PERSIST_ATTEMPTS", o.AuditPersistAttempts)
	o.AuditRetryDelay = getenvDuration("AUDIT_RETRY_DELAY", o.AuditRetryDelay)
	o.AuditRetention = getenvDuration("AUDIT_RETENTION", o.AuditRetention)
	o.AuditCleanupInterval = getenvDuration("AUDIT_CLEANUP_INTERVAL", o.AuditCleanupInterval)

	o.MonitorInterval = getenvDuration("MONITOR_INTERVAL", o.MonitorInterval)
	o.OfflineThreshold = getenvDuration("MONITOR_OFFLINE_THRESHOLD", o.OfflineThreshold)

	return o
}

// clamped applies sanity floors so a misconfigured knob cannot turn a
// background loop into a busy loop.
func (o *Options) clamped() *Options {
	c := *o
	c.DispatchInterval = maxDuration(c.DispatchInterval, time.Second)
	c.DispatchMaxInterval = maxDuration(c.DispatchMaxInterval, c.DispatchInterval)
	c.DispatchBatchSize = maxInt(c.DispatchBatchSize, 1)
	c.SendTimeout = maxDuration(c.SendTimeout, 5*time.Second)
	c.MaxDispatchAttempts = maxInt(c.MaxDispatchAttempts, 1)
	c.MaxQueueAge = maxDuration(c.MaxQueueAge, time.Minute)

	c.RollupInterval = maxDuration(c.RollupInterval, time.Minute)

	c.AuditQueueSize = maxInt(c.AuditQueueSize, 1)
	c.AuditBatchSize = maxInt(c.AuditBatchSize, 1)
	c.AuditPersistAttempts = maxInt(c.AuditPersistAttempts, 1)
	c.AuditCleanupInterval = maxDuration(c.AuditCleanupInterval, 5*time.Minute)
	c.AuditRetention = maxDuration(c.AuditRetention, time.Hour)

	c.MonitorInterval = maxDuration(c.MonitorInterval, 5*time.Second)
	return &c
}

// Holder is an atomically swappable Options container.
type Holder struct {
	ptr atomic.Pointer[Options]
}

// NewHolder returns a Holder seeded with o.
func NewHolder(o *Options) *Holder {
	h := &Holder{}
	h.Store(o)
	return h
}

// Snapshot returns the current Options with sanity floors applied.
func (h *Holder) Snapshot() *Options {
	return h.ptr.Load().clamped()
}

// Store swaps in a new Options; loops pick it up on their next cycle.
func (h *Holder) Store(o *Options) {
	h.ptr.Store(o)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
