// Package syncbus carries lock release notifications between lockers, so a
// blocked Acquire can retry as soon as the holder releases instead of waiting
// for its next poll. Events carry no payload: a topic firing only means
// "try again". Delivery is best effort; lockers always keep polling as well.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a minimal topic based pub/sub.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Metrics reports how many events were published and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps local subscriber channels per topic. Channels have a buffer
// of one and deliveries never block, so a slow subscriber only misses
// events that would have coalesced anyway.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	// stops holds one entry per live channel; the func cancels its
	// context watcher, nil when there is none.
	stops     map[chan struct{}]func() bool
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{
		subs:  make(map[string][]chan struct{}),
		stops: make(map[chan struct{}]func() bool),
	}
}

// add registers a new channel and reports whether it is the first one for
// topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.stops[ch] = nil
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left.
func (f *fanout) remove(topic string, ch chan struct{}) (found, empty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			if stop := f.stops[c]; stop != nil {
				stop()
			}
			delete(f.stops, c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx is cancelled. The watcher is
// dropped as soon as ch is removed by other means.
func (f *fanout) unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, live := f.stops[ch]; !live {
		stop()
		return
	}
	f.stops[ch] = stop
}

// watchers returns how many channels still have a context watcher.
func (f *fanout) watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, stop := range f.stops {
		if stop != nil {
			n++
		}
	}
	return n
}

// InMemoryBus is a Bus local to the process. It is enough when every
// worker shares one Locker or lives in the same binary.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	b.f.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is
// cancelled or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	b.f.unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
