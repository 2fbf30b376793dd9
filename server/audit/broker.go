package audit

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Broker.Next when the wait elapses with
// nothing available. It is the normal idle-path result, not a failure.
var ErrNoMessage = errors.New("audit: no message available")

// Broker is the durable external queue between the fire-and-forget entry
// point and the drain loop. Publish must not await acknowledgment; Next
// waits up to the given duration for one message (zero or negative means
// a non-blocking poll) and honors ctx cancellation.
type Broker interface {
	Publish(subject string, data []byte) error
	Next(ctx context.Context, wait time.Duration) ([]byte, error)
}

// MemoryBroker is a channel-backed Broker used in tests and in dev mode
// when no NATS server is configured.
type MemoryBroker struct {
	msgs chan []byte
}

// NewMemoryBroker returns a MemoryBroker with the given buffer capacity.
func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryBroker{msgs: make(chan []byte, capacity)}
}

func (b *MemoryBroker) Publish(subject string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case b.msgs <- cp:
		return nil
	default:
		return errors.New("audit: memory broker full")
	}
}

func (b *MemoryBroker) Next(ctx context.Context, wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		select {
		case msg := <-b.msgs:
			return msg, nil
		default:
			return nil, ErrNoMessage
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-b.msgs:
		return msg, nil
	case <-timer.C:
		return nil, ErrNoMessage
	}
}

// Len reports the number of buffered messages (test helper).
func (b *MemoryBroker) Len() int {
	return len(b.msgs)
}
