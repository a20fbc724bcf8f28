// Package queue provides the in-process FIFO shared by a worker pool. Every
// item handed out by Get must be acknowledged with Done, sentinels included;
// Join waits until all items ever Put have been acknowledged.
package queue

import (
	"context"
	stdErrors "errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrTooManyDone is returned by Done when it is called more often than
// items were put.
var ErrTooManyDone = stdErrors.New("queue: done called too many times")

// Item is one queue entry. Index is 1-based for real work; a sentinel has
// Stop set and tells the worker receiving it to exit.
type Item[T any] struct {
	Index   int
	Payload T
	Stop    bool
}

// Sentinel returns the stop marker.
func Sentinel[T any]() Item[T] {
	return Item[T]{Stop: true}
}

// Queue is an unbounded FIFO safe for concurrent use.
type Queue[T any] struct {
	mu          sync.Mutex
	buf         *queue.Queue
	outstanding int
	idle        chan struct{}
	// ready holds at most one wakeup; a getter that takes an item while
	// more remain passes the wakeup on.
	ready chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		buf:   queue.New(),
		idle:  idle,
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Put appends item. It never blocks.
func (q *Queue[T]) Put(item Item[T]) {
	q.mu.Lock()
	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
	q.buf.Add(item)
	q.mu.Unlock()
	q.signal()
}

// Get removes the oldest item, waiting until one is available or ctx ends.
// A cancelled context wins over available items.
func (q *Queue[T]) Get(ctx context.Context) (Item[T], error) {
	for {
		if err := ctx.Err(); err != nil {
			q.passWakeup()
			return Item[T]{}, err
		}
		q.mu.Lock()
		if q.buf.Length() > 0 {
			item := q.buf.Remove().(Item[T])
			more := q.buf.Length() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			q.passWakeup()
			return Item[T]{}, ctx.Err()
		}
	}
}

// passWakeup re-arms ready for another getter when this one leaves with
// items still queued, since it may have consumed the only wakeup.
func (q *Queue[T]) passWakeup() {
	q.mu.Lock()
	more := q.buf.Length() > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
}

// Done acknowledges one item previously returned by Get.
func (q *Queue[T]) Done() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding == 0 {
		return ErrTooManyDone
	}
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
	return nil
}

// Join blocks until every item put so far has been acknowledged.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of items waiting to be picked up.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Outstanding returns the number of items put but not yet acknowledged.
func (q *Queue[T]) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}
