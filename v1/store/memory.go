package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
)

type stringEntry struct {
	value     string
	expiresAt time.Time
}

// InMemoryStore is a Store backed by process memory. Expired keys are
// dropped lazily on access.
type InMemoryStore struct {
	mu      sync.Mutex
	strings map[string]stringEntry
	sets    map[string]map[string]struct{}
	now     func() time.Time
	closed  atomic.Bool
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock replaces the time source used for TTL checks.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemory returns an empty InMemoryStore.
func NewInMemory(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		strings: make(map[string]stringEntry),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return musterrors.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// live returns the entry for key, evicting it if expired. Caller holds mu.
func (s *InMemoryStore) live(key string) (stringEntry, bool) {
	e, ok := s.strings[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.strings, key)
		return e, false
	}
	return e, true
}

// SetNX implements Store.SetNX.
func (s *InMemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	e := stringEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.strings[key] = e
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.strings, key)
	return true, nil
}

// Del implements Store.Del.
func (s *InMemoryStore) Del(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.strings, key)
	delete(s.sets, key)
	s.mu.Unlock()
	return nil
}

// SAdd implements Store.SAdd.
func (s *InMemoryStore) SAdd(ctx context.Context, key, member string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	if _, ok := set[member]; ok {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

// SIsMember implements Store.SIsMember.
func (s *InMemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.sets[key][member]
	s.mu.Unlock()
	return ok, nil
}

// SCard implements Store.SCard.
func (s *InMemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	n := len(s.sets[key])
	s.mu.Unlock()
	return int64(n), nil
}

// SMembers implements Store.SMembers.
func (s *InMemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	s.mu.Unlock()
	return members, nil
}

// Ping implements Store.Ping.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx)
}

// Close marks the store closed; subsequent calls fail with
// ErrConnectionClosed.
func (s *InMemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
