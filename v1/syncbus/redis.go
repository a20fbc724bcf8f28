package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "muster:bus:"

// RedisBus implements Bus on top of Redis pub/sub, so lockers in different
// processes sharing one Redis see each other's releases.
type RedisBus struct {
	client *redis.Client
	f      *fanout

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus returns a RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		f:      newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, redisChannelPrefix+topic, "1").Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first local subscriber of a topic
// opens the Redis subscription and waits for its confirmation, so events
// published after Subscribe returns are not lost.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(topic)
	if first {
		ps := b.client.Subscribe(context.Background(), redisChannelPrefix+topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.f.remove(topic, ch)
			return nil, err
		}
		b.subs[topic] = ps
		go func(msgs <-chan *redis.Message) {
			for range msgs {
				b.f.deliver(topic)
			}
		}(ps.Channel())
	}
	b.f.unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, empty := b.f.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	ps, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}
