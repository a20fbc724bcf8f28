// Package store defines the coordination primitives go-muster needs from a
// shared key-value store: conditional set with TTL, compare-and-delete and a
// handful of set operations. Redis is the production backend; an in-memory
// implementation exists for tests and single-process runs.
package store

import (
	"context"
	"time"
)

// Store is the contract consumed by the lock and ledger packages.
// Implementations must be safe for concurrent use.
type Store interface {
	// SetNX sets key to value with the given TTL only if key is unset.
	// It reports whether the value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// Del removes key unconditionally.
	Del(ctx context.Context, key string) error
	// SAdd inserts member into the set at key and reports whether it was new.
	SAdd(ctx context.Context, key, member string) (bool, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}
