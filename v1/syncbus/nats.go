package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "muster.bus."

// NATSBus implements Bus using a NATS connection. Useful when the fleet
// already runs NATS and Redis pub/sub is undesirable.
type NATSBus struct {
	conn *nats.Conn
	f    *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		f:    newFanout(),
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubjectPrefix+topic, []byte("1")); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(topic)
	if first {
		sub, err := b.conn.Subscribe(natsSubjectPrefix+topic, func(_ *nats.Msg) {
			b.f.deliver(topic)
		})
		if err == nil {
			// make sure the server knows about the interest before returning
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.f.remove(topic, ch)
			return nil, err
		}
		b.subs[topic] = sub
	}
	b.f.unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, empty := b.f.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
