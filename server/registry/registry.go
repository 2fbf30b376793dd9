// Package registry tracks which nodes currently hold a live websocket
// connection. Only the transport layer mutates it; the dispatcher reads
// snapshots and must tolerate a node disconnecting mid-cycle.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

type nodeConn struct {
	ws          *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time
}

// Registry is a read-mostly map of node id to live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*nodeConn
	log   *logrus.Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*nodeConn),
		log:   logrus.WithField("component", "registry"),
	}
}

// Add registers a connection for the node, replacing and closing any
// previous one (reconnect case).
func (r *Registry) Add(nodeID string, ws *websocket.Conn) {
	r.mu.Lock()
	if old, ok := r.conns[nodeID]; ok {
		old.ws.Close()
	}
	r.conns[nodeID] = &nodeConn{ws: ws, connectedAt: time.Now()}
	total := len(r.conns)
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"node_id": nodeID, "connected": total}).Info("node connected")
}

// Remove drops the node's connection, but only if it is still the same
// websocket (a reconnect may already have replaced it).
func (r *Registry) Remove(nodeID string, ws *websocket.Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[nodeID]; ok && cur.ws == ws {
		delete(r.conns, nodeID)
	}
	total := len(r.conns)
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"node_id": nodeID, "connected": total}).Info("node disconnected")
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectedIDs returns a snapshot of connected node ids.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Send writes v as JSON to the node's connection. The write is serialized
// per connection and bounded by a deadline so a dead peer cannot block a
// dispatch cycle.
func (r *Registry) Send(nodeID string, v any) error {
	r.mu.RLock()
	c, ok := r.conns[nodeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}
