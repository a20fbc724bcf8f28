// Package presets wires a store and an unlock-event bus from settings.
package presets

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-muster/v1/config"
	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
	"github.com/mirkobrombin/go-muster/v1/store"
	"github.com/mirkobrombin/go-muster/v1/syncbus"
)

// Backend is a connected store plus an optional bus. Close releases both.
type Backend struct {
	Store store.Store
	// Bus is nil when unlock events are disabled.
	Bus syncbus.Bus

	redisClient *redis.Client
	natsConn    *nats.Conn
}

// Close closes the bus connection and the store.
func (b *Backend) Close() error {
	if b.natsConn != nil {
		b.natsConn.Close()
	}
	return b.Store.Close()
}

// NewInMemoryStandalone returns a Backend with no external dependencies.
// Locks only exclude goroutines of this process.
func NewInMemoryStandalone() *Backend {
	return &Backend{Store: store.NewInMemory(), Bus: syncbus.NewInMemoryBus()}
}

// NewRedis connects to the Redis at url and uses it as both store and bus.
func NewRedis(ctx context.Context, url string) (*Backend, error) {
	cfg := config.Default()
	cfg.Store.URL = url
	return Connect(ctx, cfg)
}

// Connect builds the Backend described by cfg's store and bus sections.
func Connect(ctx context.Context, cfg config.Config) (*Backend, error) {
	b := &Backend{}
	switch cfg.Store.Backend {
	case "memory":
		b.Store = store.NewInMemory()
	case "redis":
		rs, err := store.Connect(ctx, cfg.Store.URL, store.WithTimeout(cfg.Store.Timeout.Duration))
		if err != nil {
			return nil, err
		}
		b.redisClient = rs.Client()
		b.Store = rs
	default:
		return nil, fmt.Errorf("presets: unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.BreakerThreshold > 0 {
		b.Store = store.NewCircuitBreaker(b.Store, cfg.Store.BreakerThreshold, cfg.Store.BreakerTimeout.Duration)
	}

	switch cfg.Bus.Kind {
	case "", "none":
	case "memory":
		b.Bus = syncbus.NewInMemoryBus()
	case "redis":
		if b.redisClient == nil {
			_ = b.Store.Close()
			return nil, stdErrors.New("presets: redis bus needs the redis store backend")
		}
		b.Bus = syncbus.NewRedisBus(b.redisClient)
	case "nats":
		nc, err := nats.Connect(cfg.Bus.NATSURL, nats.Name("muster"))
		if err != nil {
			_ = b.Store.Close()
			return nil, fmt.Errorf("%w: nats: %v", musterrors.ErrUnavailable, err)
		}
		b.natsConn = nc
		b.Bus = syncbus.NewNATSBus(nc)
	default:
		_ = b.Store.Close()
		return nil, fmt.Errorf("presets: unknown bus kind %q", cfg.Bus.Kind)
	}
	return b, nil
}
