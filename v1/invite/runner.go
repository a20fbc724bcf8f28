package invite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
	"github.com/mirkobrombin/go-muster/v1/ledger"
	"github.com/mirkobrombin/go-muster/v1/lock"
	"github.com/mirkobrombin/go-muster/v1/pool"
	"github.com/mirkobrombin/go-muster/v1/store"
	"github.com/mirkobrombin/go-muster/v1/syncbus"
)

const (
	defaultWorkers = 3
	defaultLockTTL = 60 * time.Second
)

// Summary describes a finished run.
type Summary struct {
	RunID     string
	LedgerKey string
	Offered   int
	Joined    int64
	Members   []string
	Report    pool.Report
	// PromoteErr is set when the end-of-run batch step failed. It does not
	// fail the run.
	PromoteErr error
}

// Runner drives one run: it owns no global state, everything it touches is
// passed in.
type Runner struct {
	store      store.Store
	agent      Agent
	bus        syncbus.Bus
	promoter   Promoter
	adminToken string
	onClaim    func(context.Context, string) error

	community   string
	workers     int
	lockTTL     time.Duration
	cacheLedger bool
	tracing     bool
	logger      *slog.Logger
	now         func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCommunity sets the resource the run targets. It scopes ledger keys.
func WithCommunity(c string) RunnerOption {
	return func(r *Runner) { r.community = c }
}

// WithWorkers sets the pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) { r.workers = n }
}

// WithLockTTL sets the TTL of identifier locks.
func WithLockTTL(d time.Duration) RunnerOption {
	return func(r *Runner) { r.lockTTL = d }
}

// WithBus lets lockers of the run publish release events on bus.
func WithBus(bus syncbus.Bus) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

// WithPromoter enables the end-of-run batch step.
func WithPromoter(p Promoter, adminToken string) RunnerOption {
	return func(r *Runner) {
		r.promoter = p
		r.adminToken = adminToken
	}
}

// WithClaimAction runs fn for every identifier while its lock is held,
// before it is recorded.
func WithClaimAction(fn func(ctx context.Context, id string) error) RunnerOption {
	return func(r *Runner) { r.onClaim = fn }
}

// WithLedgerCache enables the local positive-membership cache.
func WithLedgerCache() RunnerOption {
	return func(r *Runner) { r.cacheLedger = true }
}

// WithTracing enables per-task spans.
func WithTracing() RunnerOption {
	return func(r *Runner) { r.tracing = true }
}

// WithLogger sets the logger handed to every component of the run.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces the time source used to derive the ledger key.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a Runner over s using agent for the per-account step.
func NewRunner(s store.Store, agent Agent, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		store:   s,
		agent:   agent,
		workers: defaultWorkers,
		lockTTL: defaultLockTTL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.community == "" {
		return nil, fmt.Errorf("invite: community: %w", musterrors.ErrEmptyKey)
	}
	if r.lockTTL <= 0 {
		return nil, fmt.Errorf("invite: lock ttl: %w", musterrors.ErrInvalidTTL)
	}
	if r.workers <= 0 {
		return nil, pool.ErrNoWorkers
	}
	return r, nil
}

// Run processes tokens. It fails before any processing when the store is
// unreachable; per-token failures only show up in the summary and logs. A
// cancelled ctx stops the workers and returns a partial summary with ctx's
// error.
func (r *Runner) Run(ctx context.Context, tokens []string) (Summary, error) {
	if err := r.store.Ping(ctx); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", musterrors.ErrUnavailable, err)
	}

	runID, err := uuid.GenerateUUID()
	if err != nil {
		return Summary{}, err
	}
	logger := r.logger.With("run", runID)
	key := LedgerKey(r.community, r.now())

	lockOpts := []lock.Option{lock.WithLogger(logger)}
	if r.bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(r.bus))
	}
	if r.tracing {
		lockOpts = append(lockOpts, lock.WithTracing())
	}
	ledgerOpts := []ledger.Option{ledger.WithLocker(lock.New(r.store, lockOpts...), r.lockTTL, LockKey)}
	if r.cacheLedger {
		ledgerOpts = append(ledgerOpts, ledger.WithCache(1e5, 1e4))
	}
	l, err := ledger.New(r.store, ledgerOpts...)
	if err != nil {
		return Summary{}, err
	}
	defer l.Close()

	rec := NewRecorder(r.agent, l, key, r.onClaim, logger)
	poolOpts := []pool.Option[string]{pool.WithLogger[string](logger)}
	if r.tracing {
		poolOpts = append(poolOpts, pool.WithTracing[string]())
	}
	p, err := pool.New[string](r.workers, rec.Handle, poolOpts...)
	if err != nil {
		return Summary{}, err
	}

	logger.Info("muster: starting run", "tokens", len(tokens), "workers", r.workers, "ledger", key)
	rep, runErr := p.Run(ctx, tokens)

	sum := Summary{RunID: runID, LedgerKey: key, Offered: len(tokens), Report: rep}
	// reporting still runs after cancellation so the partial result is visible
	rctx := context.WithoutCancel(ctx)
	members, err := l.Members(rctx, key)
	if err != nil {
		return sum, fmt.Errorf("read ledger: %w", err)
	}
	sum.Members = members
	if runErr == nil && r.promoter != nil && len(members) > 0 {
		if err := r.promoter.Promote(ctx, r.adminToken, members); err != nil {
			logger.Error("muster: promote failed", "users", len(members), "error", err)
			sum.PromoteErr = err
		}
	}
	joined, err := l.Count(rctx, key)
	if err != nil {
		return sum, fmt.Errorf("count ledger: %w", err)
	}
	sum.Joined = joined
	logger.Info("muster: run finished", "joined", joined, "offered", len(tokens), "succeeded", rep.Succeeded, "skipped", rep.Skipped, "failed", rep.Failed)
	return sum, runErr
}
