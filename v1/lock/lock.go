package lock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
	"github.com/mirkobrombin/go-muster/v1/metrics"
	"github.com/mirkobrombin/go-muster/v1/store"
	"github.com/mirkobrombin/go-muster/v1/syncbus"
)

const defaultRetryInterval = 100 * time.Millisecond

var tracer = otel.Tracer("github.com/mirkobrombin/go-muster/v1/lock")

// ErrAlreadyAcquired is returned when Lock is called on a Mutex that
// already holds its key. Mutexes are not reentrant.
var ErrAlreadyAcquired = stdErrors.New("lock: mutex already acquired")

// Locker creates mutexes backed by a shared store.
type Locker struct {
	store          store.Store
	bus            syncbus.Bus
	retryInterval  time.Duration
	acquireTimeout time.Duration
	tracing        bool
	logger         *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithBus publishes release events on bus and lets blocking waiters
// subscribe to them.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) {
		l.bus = bus
	}
}

// WithRetryInterval sets the base poll interval of blocking acquisition.
// Each wait is jittered between half and the full interval.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithAcquireTimeout bounds how long a blocking acquisition may wait. Zero
// means only the caller's context bounds it.
func WithAcquireTimeout(d time.Duration) Option {
	return func(l *Locker) {
		l.acquireTimeout = d
	}
}

// WithTracing records a span for every blocking acquisition.
func WithTracing() Option {
	return func(l *Locker) {
		l.tracing = true
	}
}

// WithLogger sets the logger used for release warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns a Locker using s as the source of truth.
func New(s store.Store, opts ...Option) *Locker {
	l := &Locker{
		store:         s,
		retryInterval: defaultRetryInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewMutex returns an unacquired Mutex for key. A Mutex must not be shared
// between goroutines.
func (l *Locker) NewMutex(key string, ttl time.Duration, skipIfLocked bool) *Mutex {
	return &Mutex{locker: l, key: key, ttl: ttl, skipIfLocked: skipIfLocked}
}

// TryLock makes a single attempt at key. The returned Mutex reports the
// outcome through Acquired and must be unlocked by the caller when it was
// acquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Mutex, bool, error) {
	m := l.NewMutex(key, ttl, true)
	ok, err := m.Lock(ctx)
	return m, ok, err
}

// Acquire blocks until key is held, the context ends or the acquire timeout
// elapses.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Mutex, error) {
	m := l.NewMutex(key, ttl, false)
	if _, err := m.Lock(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// WithLock runs fn while holding key. With skipIfLocked a held key returns
// acquired=false without running fn. The lock is released on every exit path
// of fn, panics included. A release failure is returned only when fn itself
// succeeded.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, skipIfLocked bool, fn func(context.Context) error) (acquired bool, err error) {
	m := l.NewMutex(key, ttl, skipIfLocked)
	ok, err := m.Lock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if rerr := m.Unlock(context.WithoutCancel(ctx)); rerr != nil {
			l.logger.Warn("muster: lock release failed", "key", key, "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	return true, fn(ctx)
}

func (l *Locker) jitter() time.Duration {
	half := l.retryInterval / 2
	if half <= 0 {
		return l.retryInterval
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func unlockTopic(key string) string {
	return "unlock:" + key
}

// Mutex is one acquisition attempt of a key.
type Mutex struct {
	locker       *Locker
	key          string
	ttl          time.Duration
	skipIfLocked bool

	token    string
	acquired bool
}

// Key returns the locked key.
func (m *Mutex) Key() string { return m.key }

// Acquired reports whether the last Lock call obtained the key and it has
// not been unlocked since.
func (m *Mutex) Acquired() bool { return m.acquired }

// Lock acquires the key according to the mutex mode. In skip mode a held
// key returns false immediately.
func (m *Mutex) Lock(ctx context.Context) (bool, error) {
	if m.key == "" {
		return false, musterrors.ErrEmptyKey
	}
	if m.ttl <= 0 {
		return false, musterrors.ErrInvalidTTL
	}
	if m.acquired {
		return false, ErrAlreadyAcquired
	}
	if m.skipIfLocked {
		return m.try(ctx)
	}
	return m.lockBlocking(ctx)
}

func (m *Mutex) try(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := m.locker.store.SetNX(ctx, m.key, token, m.ttl)
	switch {
	case err != nil:
		metrics.LockAttempts.WithLabelValues("error").Inc()
		return false, err
	case !ok:
		metrics.LockAttempts.WithLabelValues("contended").Inc()
		return false, nil
	}
	metrics.LockAttempts.WithLabelValues("acquired").Inc()
	m.token = token
	m.acquired = true
	return true, nil
}

func (m *Mutex) lockBlocking(ctx context.Context) (ok bool, err error) {
	l := m.locker
	attempts := 0
	if l.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Locker.Acquire", trace.WithAttributes(attribute.String("muster.lock.key", m.key)))
		defer func() {
			span.SetAttributes(attribute.Int("muster.lock.attempts", attempts))
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	// subscribe before the first attempt so a release between a failed
	// attempt and the wait is not missed
	var events chan struct{}
	if l.bus != nil {
		ch, err := l.bus.Subscribe(ctx, unlockTopic(m.key))
		if err != nil {
			l.logger.Warn("muster: unlock subscription failed, polling only", "key", m.key, "error", err)
		} else {
			events = ch
			defer func() { _ = l.bus.Unsubscribe(context.Background(), unlockTopic(m.key), ch) }()
		}
	}

	for {
		attempts++
		ok, err := m.try(ctx)
		if err != nil {
			return false, timeoutErr(err)
		}
		if ok {
			return true, nil
		}
		timer := time.NewTimer(l.jitter())
		select {
		case _, open := <-events:
			if !open {
				events = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, timeoutErr(ctx.Err())
		}
		timer.Stop()
	}
}

func timeoutErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return musterrors.ErrTimeout
	}
	return err
}

// Unlock releases the key if this mutex holds it. Unlocking an unacquired
// mutex is a no-op. When the TTL already expired, ErrLockLost is returned
// and the key, which may now belong to another holder, is left alone.
func (m *Mutex) Unlock(ctx context.Context) error {
	if !m.acquired {
		return nil
	}
	l := m.locker
	deleted, err := l.store.CompareAndDelete(ctx, m.key, m.token)
	if err != nil {
		return err
	}
	m.acquired = false
	m.token = ""
	if !deleted {
		return musterrors.ErrLockLost
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, unlockTopic(m.key)); err != nil {
			l.logger.Debug("muster: unlock event not published", "key", m.key, "error", err)
		}
	}
	return nil
}
