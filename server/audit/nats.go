package audit

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSBroker implements Broker over a NATS connection with a synchronous
// subscription on the audit subject.
type NATSBroker struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSBroker connects to the NATS server and subscribes to subject.
func NewNATSBroker(url, subject string) (*NATSBroker, error) {
	log := logrus.WithField("component", "audit-broker")

	conn, err := nats.Connect(url,
		nats.Name("manlab-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	sub, err := conn.SubscribeSync(subject)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// Bound the client-side buffer; the broker is the durable side.
	sub.SetPendingLimits(64*1024, 64*1024*1024)

	return &NATSBroker{conn: conn, sub: sub}, nil
}

func (b *NATSBroker) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBroker) Next(ctx context.Context, wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		msg, err := b.sub.NextMsg(time.Millisecond)
		if errors.Is(err, nats.ErrTimeout) {
			return nil, ErrNoMessage
		}
		if err != nil {
			return nil, err
		}
		return msg.Data, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msg, err := b.sub.NextMsgWithContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, ErrNoMessage
		}
		return nil, err
	}
	return msg.Data, nil
}

// Close tears down the subscription and connection.
func (b *NATSBroker) Close() {
	b.sub.Unsubscribe()
	b.conn.Close()
}
