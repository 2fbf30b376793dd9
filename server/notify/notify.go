// Package notify broadcasts lightweight "command updated" notifications
// over Redis pub/sub so dashboards and other observers can react without
// polling the store.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/observability"
	"github.com/raulshma/manlab-sub013/server/store"
)

type commandUpdate struct {
	CommandID string              `json:"command_id"`
	NodeID    string              `json:"node_id"`
	Type      store.CommandType   `json:"type"`
	Status    store.CommandStatus `json:"status"`
	Attempts  int                 `json:"attempts"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Publisher sends command updates to a Redis channel. Publishing is
// best-effort; failures are counted and logged, never returned.
type Publisher struct {
	rdb     *redis.Client
	channel string
	log     *logrus.Entry
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, addr, password string, db int, channel string) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		log:     logrus.WithField("component", "notify"),
	}, nil
}

// CommandUpdated publishes a compact status notification for the command.
func (p *Publisher) CommandUpdated(ctx context.Context, cmd *store.Command) {
	data, err := json.Marshal(commandUpdate{
		CommandID: cmd.CommandID,
		NodeID:    cmd.NodeID,
		Type:      cmd.Type,
		Status:    cmd.Status,
		Attempts:  cmd.DispatchAttempts,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		observability.NotifyPublishFailures.Inc()
		p.log.WithError(err).Warn("command update broadcast failed")
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}

// Nop is a Publisher stand-in for deployments without Redis.
type Nop struct{}

// CommandUpdated does nothing.
func (Nop) CommandUpdated(ctx context.Context, cmd *store.Command) {}
