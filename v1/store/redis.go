package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedis returns a RedisStore using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Connect parses a redis:// URL, dials it and pings the server once.
// Any failure is wrapped in ErrUnavailable and the client is closed.
func Connect(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", musterrors.ErrUnavailable, err)
	}
	client := redis.NewClient(ropts)
	s := NewRedis(client, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %v", musterrors.ErrUnavailable, ropts.Addr, err)
	}
	return s, nil
}

// Client exposes the underlying Redis client, e.g. to build a RedisBus on
// the same connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return musterrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return musterrors.ErrConnectionClosed
	}
	return err
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	return ok, mapError(err)
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := cadScript.Run(cctx, s.client, []string{key}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return n == 1, nil
}

// Del implements Store.Del.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapError(s.client.Del(cctx, key).Err())
}

// SAdd implements Store.SAdd.
func (s *RedisStore) SAdd(ctx context.Context, key, member string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.SAdd(cctx, key, member).Result()
	return n == 1, mapError(err)
}

// SIsMember implements Store.SIsMember.
func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SIsMember(cctx, key, member).Result()
	return ok, mapError(err)
}

// SCard implements Store.SCard.
func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.SCard(cctx, key).Result()
	return n, mapError(err)
}

// SMembers implements Store.SMembers.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	members, err := s.client.SMembers(cctx, key).Result()
	if err != nil {
		return nil, mapError(err)
	}
	return members, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapError(s.client.Ping(cctx).Err())
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
