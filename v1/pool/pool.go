// Package pool runs a fixed number of workers over a queue of tasks. The
// producer enqueues every task followed by one sentinel per worker, so each
// worker exits after seeing exactly one sentinel and no broadcast is needed.
// A task's failure, panic included, is recorded in its Result and never
// reaches other workers or the caller of Run.
package pool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-muster/v1/metrics"
	"github.com/mirkobrombin/go-muster/v1/queue"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-muster/v1/pool")

// ErrNoWorkers is returned by New for a non-positive worker count.
var ErrNoWorkers = stdErrors.New("pool: at least one worker is required")

// WorkerState is the lifecycle of one worker:
// Running -> (Processing -> Running)* -> Draining -> Terminated.
type WorkerState int

const (
	Running WorkerState = iota
	Processing
	Draining
	Terminated
)

func (s WorkerState) String() string {
	switch s {
	case Running:
		return "running"
	case Processing:
		return "processing"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Handler processes one task. Returning Skip marks it Skipped, any other
// error marks it Failed.
type Handler[T any] func(ctx context.Context, task queue.Item[T]) error

// Pool runs Handler over a batch of payloads with a fixed set of workers.
type Pool[T any] struct {
	workers int
	handler Handler[T]
	logger  *slog.Logger
	hook    func(worker int, s WorkerState)
	tracing bool
	hookMu  sync.Mutex
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithLogger sets the logger used for per-task messages.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStateHook registers fn to observe worker state transitions. Calls are
// serialized.
func WithStateHook[T any](fn func(worker int, s WorkerState)) Option[T] {
	return func(p *Pool[T]) {
		p.hook = fn
	}
}

// WithTracing enables an OpenTelemetry span per task.
func WithTracing[T any]() Option[T] {
	return func(p *Pool[T]) {
		p.tracing = true
	}
}

// New returns a Pool with the given number of workers.
func New[T any](workers int, h Handler[T], opts ...Option[T]) (*Pool[T], error) {
	if workers <= 0 {
		return nil, ErrNoWorkers
	}
	p := &Pool[T]{
		workers: workers,
		handler: h,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Workers returns the configured worker count.
func (p *Pool[T]) Workers() int { return p.workers }

// Run enqueues payloads with 1-based indexes, one sentinel per worker, and
// waits until every worker terminated and every item was acknowledged. The
// only error it returns is ctx's; the report then covers the tasks that were
// processed before cancellation.
func (p *Pool[T]) Run(ctx context.Context, payloads []T) (Report, error) {
	q := queue.New[T]()
	for i, payload := range payloads {
		q.Put(queue.Item[T]{Index: i + 1, Payload: payload})
	}
	for i := 0; i < p.workers; i++ {
		q.Put(queue.Sentinel[T]())
	}
	metrics.QueueDepth.Set(float64(q.Len()))

	results := make([]Result, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.workers; w++ {
		id := w
		g.Go(func() error {
			return p.work(gctx, id, q, results)
		})
	}
	err := g.Wait()
	if err == nil {
		err = q.Join(ctx)
	}
	if err == nil {
		p.logger.Info("muster: all workers completed", "workers", p.workers, "tasks", len(payloads))
	}
	return buildReport(len(payloads), results), err
}

func (p *Pool[T]) setState(worker int, s WorkerState) {
	p.logger.Debug("muster: worker state", "worker", worker, "state", s.String())
	if p.hook == nil {
		return
	}
	p.hookMu.Lock()
	p.hook(worker, s)
	p.hookMu.Unlock()
}

func (p *Pool[T]) work(ctx context.Context, worker int, q *queue.Queue[T], results []Result) error {
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	p.setState(worker, Running)
	for {
		task, err := q.Get(ctx)
		if err != nil {
			// nothing was dequeued, so there is nothing to acknowledge
			p.logger.Warn("muster: worker stopped before its sentinel", "worker", worker, "error", err)
			p.setState(worker, Terminated)
			return err
		}
		metrics.QueueDepth.Set(float64(q.Len()))
		if task.Stop {
			p.setState(worker, Draining)
			p.ack(q, worker)
			p.setState(worker, Terminated)
			return nil
		}

		p.setState(worker, Processing)
		results[task.Index-1] = p.process(ctx, worker, task)
		p.ack(q, worker)
		p.setState(worker, Running)
	}
}

func (p *Pool[T]) ack(q *queue.Queue[T], worker int) {
	if err := q.Done(); err != nil {
		p.logger.Error("muster: queue acknowledgement failed", "worker", worker, "error", err)
	}
}

func (p *Pool[T]) process(ctx context.Context, worker int, task queue.Item[T]) (res Result) {
	var span trace.Span
	if p.tracing {
		ctx, span = tracer.Start(ctx, "Pool.Process", trace.WithAttributes(
			attribute.Int("muster.task.index", task.Index),
			attribute.Int("muster.worker", worker),
		))
		defer span.End()
	}

	start := time.Now()
	res = Result{Index: task.Index, Worker: worker}
	p.logger.Info("muster: starting task", "worker", worker, "index", task.Index)

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = Failed
			res.Err = fmt.Errorf("panic: %v", r)
			res.Reason = res.Err.Error()
		}
		res.Duration = time.Since(start)
		metrics.TasksTotal.WithLabelValues(res.Outcome.String()).Inc()
		metrics.TaskDuration.Observe(res.Duration.Seconds())

		switch res.Outcome {
		case Succeeded:
			p.logger.Info("muster: completed task", "worker", worker, "index", task.Index)
		case Skipped:
			p.logger.Info("muster: skipped task", "worker", worker, "index", task.Index, "reason", res.Reason)
		case Failed:
			p.logger.Error("muster: error processing task", "worker", worker, "index", task.Index, "error", res.Err)
		}
		if span != nil {
			span.SetAttributes(attribute.String("muster.task.outcome", res.Outcome.String()))
			if res.Err != nil {
				span.SetStatus(codes.Error, res.Err.Error())
			}
		}
	}()

	res.Outcome, res.Reason, res.Err = classify(p.handler(ctx, task))
	return res
}
