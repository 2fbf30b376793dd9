package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raulshma/manlab-sub013/server/store"
)

// Well-known event kinds emitted outside the dispatcher.
const (
	KindHTTPRequest = "http.request"
	KindNodeStatus  = "node.status"
)

// Field length bounds applied at normalization time. Oversized input is
// clipped, never rejected, so callers cannot fail by logging too much.
const (
	maxKindLen     = 64
	maxNameLen     = 128
	maxCategoryLen = 64
	maxMessageLen  = 1024
	maxActorLen    = 128
	maxIPLen       = 45
	maxAgentLen    = 256
	maxIDLen       = 64
	maxErrorLen    = 2048

	// payloadByteBudget caps the JSON payload column to keep row growth
	// bounded; anything larger is replaced with the truncation marker.
	payloadByteBudget = 4096
)

// truncatedPayload replaces payloads that exceed the byte budget.
var truncatedPayload = json.RawMessage(`{"truncated":true}`)

// ignoredEvents lists extremely frequent event names that hot paths skip
// entirely.
var ignoredEvents = map[string]bool{
	"node.heartbeat":  true,
	"node.telemetry":  true,
	"ws.ping":         true,
	"metrics.scraped": true,
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Normalize trims and length-bounds every field of e in place, fills a
// default id and timestamp when absent, and enforces the payload budget.
// It is called exactly once, on the TryEnqueue path.
func Normalize(e *store.AuditEvent, now time.Time) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}

	e.Kind = clip(e.Kind, maxKindLen)
	e.Name = clip(e.Name, maxNameLen)
	e.Category = clip(e.Category, maxCategoryLen)
	e.Message = clip(e.Message, maxMessageLen)

	e.ActorType = clip(e.ActorType, maxActorLen)
	e.ActorID = clip(e.ActorID, maxActorLen)
	e.ActorName = clip(e.ActorName, maxActorLen)
	e.ActorIP = clip(e.ActorIP, maxIPLen)
	e.UserAgent = clip(e.UserAgent, maxAgentLen)

	e.NodeID = clip(e.NodeID, maxIDLen)
	e.CommandID = clip(e.CommandID, maxIDLen)
	e.SessionID = clip(e.SessionID, maxIDLen)
	e.TraceID = clip(e.TraceID, maxIDLen)
	e.SpanID = clip(e.SpanID, maxIDLen)
	e.ConnectionID = clip(e.ConnectionID, maxIDLen)
	e.RequestID = clip(e.RequestID, maxIDLen)

	e.Error = clip(e.Error, maxErrorLen)

	if len(e.Payload) > payloadByteBudget {
		e.Payload = truncatedPayload
	}
}
