// Package ledger records which identifiers a run has already processed. A
// ledger is a set in the shared store; inserting is idempotent, so its
// cardinality is a lower bound on distinct processed identifiers even when
// two workers race on the same one.
//
// Contains followed by Add is only advisory across processes. Claim runs the
// check, the side effect and the insert inside the identifier's lock, which
// is what callers wanting at-most-once side effects should use.
package ledger

import (
	"context"
	stdErrors "errors"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
	"github.com/mirkobrombin/go-muster/v1/lock"
	"github.com/mirkobrombin/go-muster/v1/metrics"
	"github.com/mirkobrombin/go-muster/v1/store"
)

// ErrNoLocker is returned by Claim when the ledger was built without
// WithLocker.
var ErrNoLocker = stdErrors.New("ledger: claim requires a locker")

// ClaimOutcome describes what Claim did with an identifier.
type ClaimOutcome int

const (
	// Claimed means fn ran and the identifier was recorded.
	Claimed ClaimOutcome = iota
	// AlreadyRecorded means the identifier was in the ledger; fn did not run.
	AlreadyRecorded
	// Contended means another holder had the identifier's lock; fn did not run.
	Contended
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyRecorded:
		return "already_recorded"
	case Contended:
		return "contended"
	}
	return "unknown"
}

// Ledger wraps a store with set semantics keyed per run.
type Ledger struct {
	store   store.Store
	cache   *ristretto.Cache
	locker  *lock.Locker
	lockTTL time.Duration
	lockKey func(id string) string
}

// Option configures a Ledger.
type Option func(*Ledger) error

// WithCache keeps confirmed members in a local ristretto cache. Only
// positive answers are cached since a ledger never loses members during a
// run.
func WithCache(numCounters, maxCost int64) Option {
	return func(l *Ledger) error {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return err
		}
		l.cache = c
		return nil
	}
}

// WithLocker enables Claim. keyFn maps an identifier to its lock key.
func WithLocker(lk *lock.Locker, ttl time.Duration, keyFn func(id string) string) Option {
	return func(l *Ledger) error {
		if ttl <= 0 {
			return musterrors.ErrInvalidTTL
		}
		l.locker = lk
		l.lockTTL = ttl
		l.lockKey = keyFn
		return nil
	}
}

// New returns a Ledger over s.
func New(s store.Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{store: s, lockKey: func(id string) string { return "ledger:" + id }}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func cacheKey(key, id string) string {
	return key + "\x00" + id
}

func (l *Ledger) remember(key, id string) {
	if l.cache == nil {
		return
	}
	l.cache.Set(cacheKey(key, id), struct{}{}, 1)
}

// Contains reports whether id is recorded in the ledger at key.
func (l *Ledger) Contains(ctx context.Context, key, id string) (bool, error) {
	if key == "" {
		return false, musterrors.ErrEmptyKey
	}
	if l.cache != nil {
		if _, ok := l.cache.Get(cacheKey(key, id)); ok {
			return true, nil
		}
	}
	ok, err := l.store.SIsMember(ctx, key, id)
	if err != nil {
		return false, err
	}
	if ok {
		l.remember(key, id)
	}
	return ok, nil
}

// Add records id and reports whether it was new. Repeated calls are safe.
func (l *Ledger) Add(ctx context.Context, key, id string) (bool, error) {
	if key == "" {
		return false, musterrors.ErrEmptyKey
	}
	added, err := l.store.SAdd(ctx, key, id)
	if err != nil {
		return false, err
	}
	if added {
		metrics.LedgerInserts.WithLabelValues("added").Inc()
	} else {
		metrics.LedgerInserts.WithLabelValues("duplicate").Inc()
	}
	l.remember(key, id)
	return added, nil
}

// Count returns the number of distinct identifiers recorded.
func (l *Ledger) Count(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, musterrors.ErrEmptyKey
	}
	return l.store.SCard(ctx, key)
}

// Members returns the recorded identifiers in lexical order.
func (l *Ledger) Members(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, musterrors.ErrEmptyKey
	}
	members, err := l.store.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// Claim takes id's lock without waiting and, while holding it, checks the
// ledger, runs fn and records id when fn succeeds. fn may be nil. An error
// from fn leaves id unrecorded so a later attempt can retry it; the outcome
// carries no meaning when err is non-nil.
func (l *Ledger) Claim(ctx context.Context, key, id string, fn func(context.Context) error) (ClaimOutcome, error) {
	if l.locker == nil {
		return Contended, ErrNoLocker
	}
	if key == "" {
		return Contended, musterrors.ErrEmptyKey
	}
	outcome := Contended
	acquired, err := l.locker.WithLock(ctx, l.lockKey(id), l.lockTTL, true, func(ctx context.Context) error {
		seen, err := l.Contains(ctx, key, id)
		if err != nil {
			return err
		}
		if seen {
			outcome = AlreadyRecorded
			return nil
		}
		if fn != nil {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		if _, err := l.Add(ctx, key, id); err != nil {
			return err
		}
		outcome = Claimed
		return nil
	})
	if err != nil {
		return outcome, err
	}
	if !acquired {
		return Contended, nil
	}
	return outcome, nil
}

// Drop deletes the ledger at key and clears the local cache.
func (l *Ledger) Drop(ctx context.Context, key string) error {
	if key == "" {
		return musterrors.ErrEmptyKey
	}
	if l.cache != nil {
		l.cache.Clear()
	}
	return l.store.Del(ctx, key)
}

// Close releases the local cache, if any.
func (l *Ledger) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
