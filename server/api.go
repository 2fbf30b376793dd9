package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/audit"
	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/dispatch"
	"github.com/raulshma/manlab-sub013/server/registry"
	"github.com/raulshma/manlab-sub013/server/store"
)

// API carries the HTTP and websocket surface. It is deliberately thin:
// the interesting machinery lives in the background loops.
type API struct {
	store store.Store
	conns *registry.Registry
	audit *audit.Pipeline
	cfg   *config.Holder
	log   *logrus.Entry
}

func NewAPI(s store.Store, conns *registry.Registry, pipeline *audit.Pipeline, cfg *config.Holder) *API {
	return &API{
		store: s,
		conns: conns,
		audit: pipeline,
		cfg:   cfg,
		log:   logrus.WithField("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type createCommandRequest struct {
	NodeID  string            `json:"node_id"`
	Type    store.CommandType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// handleCommands serves POST (enqueue) and GET (list) on /api/commands.
func (a *API) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateCommand(w, r)
	case http.MethodGet:
		a.handleListCommands(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.Type == "" {
		http.Error(w, "node_id and type are required", http.StatusBadRequest)
		return
	}
	if _, ok := dispatch.WireOperation(req.Type); !ok {
		http.Error(w, "unsupported command type", http.StatusBadRequest)
		return
	}

	cmd := &store.Command{
		CommandID: uuid.NewString(),
		NodeID:    req.NodeID,
		Type:      req.Type,
		Payload:   req.Payload,
		Status:    store.CommandQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateCommand(r.Context(), cmd); err != nil {
		a.log.WithError(err).Error("create command failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.audit.TryEnqueue(&store.AuditEvent{
		Kind:      audit.KindHTTPRequest,
		Name:      "command.create",
		NodeID:    cmd.NodeID,
		CommandID: cmd.CommandID,
		ActorIP:   r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	writeJSON(w, http.StatusCreated, cmd)
}

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cmds, err := a.store.ListCommands(r.Context(), nodeID, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// handleTelemetry ingests one raw snapshot and bumps the node's last-seen.
func (a *API) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var snap store.TelemetrySnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if snap.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = time.Now().UTC()
	}

	if err := a.store.InsertTelemetry(r.Context(), &snap); err != nil {
		a.log.WithError(err).Error("telemetry insert failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := a.store.UpdateNodeLastSeen(r.Context(), snap.NodeID, snap.CollectedAt); err != nil {
		a.log.WithError(err).Warn("last-seen update failed")
	}
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// agentMessage is what an agent pushes upstream over its connection.
type agentMessage struct {
	Type      string              `json:"type"` // "status" or "heartbeat"
	CommandID string              `json:"command_id,omitempty"`
	Status    store.CommandStatus `json:"status,omitempty"`
	Output    string              `json:"output,omitempty"`
}

// handleAgentWS upgrades the agent connection, registers it, and feeds
// agent status callbacks into the command state machine. The agent owns
// status writes once a command reaches in_progress.
func (a *API) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	now := time.Now().UTC()
	if err := a.store.UpsertNode(r.Context(), &store.Node{
		NodeID:     nodeID,
		Hostname:   r.URL.Query().Get("hostname"),
		Status:     store.NodeOnline,
		LastSeenAt: now,
	}); err != nil {
		a.log.WithError(err).WithField("node_id", nodeID).Warn("node upsert failed")
	}
	a.conns.Add(nodeID, ws)

	go a.readPump(nodeID, ws)
}

func (a *API) readPump(nodeID string, ws *websocket.Conn) {
	ctx := context.Background()
	defer func() {
		a.conns.Remove(nodeID, ws)
		ws.Close()
		if err := a.store.UpdateNodeStatus(ctx, nodeID, store.NodeOffline); err != nil {
			a.log.WithError(err).WithField("node_id", nodeID).Warn("offline update failed")
		}
	}()

	ws.SetReadLimit(1 << 20)
	ws.SetReadDeadline(time.Now().Add(90 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		return a.store.UpdateNodeLastSeen(ctx, nodeID, time.Now().UTC())
	})

	for {
		var msg agentMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.WithError(err).WithField("node_id", nodeID).Debug("read error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(90 * time.Second))

		switch msg.Type {
		case "heartbeat":
			a.store.UpdateNodeLastSeen(ctx, nodeID, time.Now().UTC())
		case "status":
			if msg.CommandID == "" {
				continue
			}
			if err := a.store.UpdateCommandFromAgent(ctx, msg.CommandID, msg.Status, msg.Output, time.Now().UTC()); err != nil {
				a.log.WithError(err).WithFields(logrus.Fields{
					"node_id":    nodeID,
					"command_id": msg.CommandID,
				}).Warn("agent status update failed")
			}
		}
	}
}

// handleAuditStats exposes the pipeline throughput counters.
func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.audit.Stats())
}
