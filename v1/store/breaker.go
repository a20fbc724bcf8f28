package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store and fails fast with ErrCircuitOpen after
// threshold consecutive failures, until timeout has passed. Once the timeout
// elapses a single probe is let through; its outcome closes or reopens the
// circuit.
type CircuitBreaker struct {
	inner     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreaker around inner.
func NewCircuitBreaker(inner Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		inner:     inner,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	// cancellation by the caller says nothing about the store's health: a
	// cancelled probe hands the next call a new probe
	if err != nil && stdErrors.Is(err, context.Canceled) {
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

func guard[V any](cb *CircuitBreaker, fn func() (V, error)) (V, error) {
	if !cb.allow() {
		var zero V
		return zero, musterrors.ErrCircuitOpen
	}
	v, err := fn()
	cb.record(err)
	return v, err
}

// SetNX implements Store.SetNX.
func (cb *CircuitBreaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return guard(cb, func() (bool, error) { return cb.inner.SetNX(ctx, key, value, ttl) })
}

// CompareAndDelete implements Store.CompareAndDelete.
func (cb *CircuitBreaker) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	return guard(cb, func() (bool, error) { return cb.inner.CompareAndDelete(ctx, key, value) })
}

// Del implements Store.Del.
func (cb *CircuitBreaker) Del(ctx context.Context, key string) error {
	_, err := guard(cb, func() (struct{}, error) { return struct{}{}, cb.inner.Del(ctx, key) })
	return err
}

// SAdd implements Store.SAdd.
func (cb *CircuitBreaker) SAdd(ctx context.Context, key, member string) (bool, error) {
	return guard(cb, func() (bool, error) { return cb.inner.SAdd(ctx, key, member) })
}

// SIsMember implements Store.SIsMember.
func (cb *CircuitBreaker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return guard(cb, func() (bool, error) { return cb.inner.SIsMember(ctx, key, member) })
}

// SCard implements Store.SCard.
func (cb *CircuitBreaker) SCard(ctx context.Context, key string) (int64, error) {
	return guard(cb, func() (int64, error) { return cb.inner.SCard(ctx, key) })
}

// SMembers implements Store.SMembers.
func (cb *CircuitBreaker) SMembers(ctx context.Context, key string) ([]string, error) {
	return guard(cb, func() ([]string, error) { return cb.inner.SMembers(ctx, key) })
}

// Ping implements Store.Ping.
func (cb *CircuitBreaker) Ping(ctx context.Context) error {
	_, err := guard(cb, func() (struct{}, error) { return struct{}{}, cb.inner.Ping(ctx) })
	return err
}

// Close closes the wrapped store.
func (cb *CircuitBreaker) Close() error {
	return cb.inner.Close()
}
