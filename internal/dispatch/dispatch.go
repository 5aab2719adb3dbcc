package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pharindoko/cdk-github-runners/internal/engine"
)

const defaultTimeout = 30 * time.Second

// Outcome classifies a successful dispatch.
type Outcome int

const (
	// Started means a new orchestration run was created.
	Started Outcome = iota
	// Deduplicated means a run with this key already exists. Expected
	// on event redelivery; success, not an error.
	Deduplicated
)

func (o Outcome) String() string {
	if o == Deduplicated {
		return "deduplicated"
	}
	return "started"
}

// Result reports what a dispatch did.
type Result struct {
	Outcome Outcome
	Handle  string
}

// Dispatcher starts orchestration runs, one per idempotency key. It
// never retries: redelivery by the event source is the retry mechanism,
// made safe by the key.
type Dispatcher struct {
	engine  engine.Engine
	timeout time.Duration
	logger  *slog.Logger

	tracer     trace.Tracer
	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a dispatcher bound to a workflow engine.
func New(eng engine.Engine, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	d := &Dispatcher{
		engine:  eng,
		timeout: timeout,
		logger:  logger,
		tracer:  otel.Tracer("github-runners/dispatch"),
	}

	meter := otel.Meter("github-runners/dispatch")

	var err error
	d.dispatches, err = meter.Int64Counter(
		"runners.dispatches",
		metric.WithDescription("Total orchestration dispatch attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create dispatches counter", slog.String("error", err.Error()))
	}
	d.duration, err = meter.Float64Histogram(
		"runners.dispatch.duration",
		metric.WithDescription("Latency of start-run calls to the workflow engine"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create dispatch duration histogram", slog.String("error", err.Error()))
	}

	return d
}

// Dispatch starts one run named by key. A run that already exists is
// reported as Deduplicated, not as an error. Any other engine failure
// propagates to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, input engine.RunInput, key string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("run.key", key))

	start := time.Now()
	handle, err := d.engine.StartRun(ctx, key, input)
	if d.duration != nil {
		d.duration.Record(ctx, time.Since(start).Seconds())
	}
	switch {
	case errors.Is(err, engine.ErrRunExists):
		d.logger.Info("duplicate delivery, run already exists", slog.String("key", key))
		d.count(ctx, "deduplicated")
		return Result{Outcome: Deduplicated, Handle: key}, nil
	case err != nil:
		d.count(ctx, "failed")
		return Result{}, fmt.Errorf("start run %s: %w", key, err)
	}

	d.logger.Info("orchestration run dispatched",
		slog.String("key", key),
		slog.String("handle", handle),
	)
	d.count(ctx, "started")
	return Result{Outcome: Started, Handle: handle}, nil
}

func (d *Dispatcher) count(ctx context.Context, outcome string) {
	if d.dispatches != nil {
		d.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
