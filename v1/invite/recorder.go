package invite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-muster/v1/ledger"
	"github.com/mirkobrombin/go-muster/v1/pool"
	"github.com/mirkobrombin/go-muster/v1/queue"
)

// Recorder is the per-task step of a run: join with one token, then claim
// the observed identifier in the run's ledger.
type Recorder struct {
	agent     Agent
	ledger    *ledger.Ledger
	ledgerKey string
	onClaim   func(ctx context.Context, id string) error
	logger    *slog.Logger
}

// NewRecorder returns a Recorder writing to the ledger at ledgerKey. The
// ledger must have been built with ledger.WithLocker. onClaim, when not nil,
// runs while the identifier's lock is held and before it is recorded.
func NewRecorder(agent Agent, l *ledger.Ledger, ledgerKey string, onClaim func(context.Context, string) error, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{agent: agent, ledger: l, ledgerKey: ledgerKey, onClaim: onClaim, logger: logger}
}

// Handle implements pool.Handler for token payloads.
func (r *Recorder) Handle(ctx context.Context, task queue.Item[string]) error {
	token, err := NormalizeToken(task.Payload)
	if err != nil {
		r.logger.Warn("muster: rejecting token", "index", task.Index, "error", err)
		return pool.Skipf("token %d: %v", task.Index, err)
	}

	raw, err := r.agent.Join(ctx, token)
	if err != nil {
		return fmt.Errorf("join with token %d: %w", task.Index, err)
	}
	if raw == "" {
		r.logger.Warn("muster: failed to retrieve username", "index", task.Index)
		return pool.Skip("no username observed")
	}
	id, err := NormalizeIdentifier(raw)
	if err != nil {
		r.logger.Warn("muster: username seems not real", "index", task.Index, "error", err)
		return pool.Skip(err.Error())
	}

	var action func(context.Context) error
	if r.onClaim != nil {
		action = func(ctx context.Context) error { return r.onClaim(ctx, id) }
	}
	outcome, err := r.ledger.Claim(ctx, r.ledgerKey, id, action)
	if err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	switch outcome {
	case ledger.Contended:
		return pool.Skipf("%s is being handled by another worker", id)
	case ledger.AlreadyRecorded:
		return pool.Skipf("%s already recorded", id)
	}
	r.logger.Debug("muster: recorded user", "index", task.Index, "user", id)
	return nil
}
