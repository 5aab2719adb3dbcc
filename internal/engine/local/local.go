// Package local implements the engine.Engine start contract in-process.
//
// A run sequences: request a one-time registration token, materialize a
// work unit from the provider selected by the job's labels, resolve the
// runtime parameter references into literals, launch the worker, wait
// for it to exit, destroy its compute resource. Run-name uniqueness
// (the idempotency anchor) is enforced with an atomic create-if-absent
// on the run table.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pharindoko/cdk-github-runners/internal/engine"
	"github.com/pharindoko/cdk-github-runners/internal/provider"
)

// TokenSource hands out one-time runner registration tokens.
type TokenSource interface {
	RegistrationToken(ctx context.Context, owner, repo string) (string, error)
}

// Runtime parameter references, resolved by this engine at execution
// time. Providers treat these as opaque strings.
const (
	refRunnerToken  = provider.Ref("$." + provider.ParamRunnerToken)
	refRunnerName   = provider.Ref("$." + provider.ParamRunnerName)
	refSourceDomain = provider.Ref("$." + provider.ParamSourceDomain)
	refOwnerAccount = provider.Ref("$." + provider.ParamOwnerAccount)
	refRepository   = provider.Ref("$." + provider.ParamRepository)
)

// RunState describes where a run is in its lifecycle.
type RunState string

const (
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

// Config holds the engine's collaborators.
type Config struct {
	Providers *provider.Registry
	Tokens    TokenSource

	// SourceDomain is the event-source domain workers register
	// against (e.g. "github.com").
	SourceDomain string

	// RunTimeout bounds a whole run, launch to worker exit.
	// Default: 1 hour.
	RunTimeout time.Duration

	Logger *slog.Logger
}

type run struct {
	name  string
	state RunState
	err   error
}

// Engine is the in-process engine. One instance per process; runs
// execute on their own goroutines.
type Engine struct {
	providers    *provider.Registry
	tokens       TokenSource
	sourceDomain string
	runTimeout   time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	tracer trace.Tracer
	meter  metric.Meter

	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
}

// Compile-time check.
var _ engine.Engine = (*Engine)(nil)

// New creates a local engine.
func New(cfg Config) *Engine {
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = time.Hour
	}

	e := &Engine{
		providers:    cfg.Providers,
		tokens:       cfg.Tokens,
		sourceDomain: cfg.SourceDomain,
		runTimeout:   cfg.RunTimeout,
		logger:       cfg.Logger,
		runs:         make(map[string]*run),
		tracer:       otel.Tracer("github-runners/engine/local"),
		meter:        otel.Meter("github-runners/engine/local"),
	}

	// Metric creation errors are logged but not fatal.
	var err error
	e.runsStarted, err = e.meter.Int64Counter(
		"runners.runs.started",
		metric.WithDescription("Total number of orchestration runs started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runsStarted counter", slog.String("error", err.Error()))
	}
	e.runsCompleted, err = e.meter.Int64Counter(
		"runners.runs.completed",
		metric.WithDescription("Total number of orchestration runs completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runsCompleted counter", slog.String("error", err.Error()))
	}

	return e
}

// StartRun registers a run under name and starts executing it. The
// create-if-absent check and the registration are one atomic step, so
// concurrent redeliveries of the same event cannot double-start.
func (e *Engine) StartRun(ctx context.Context, name string, input engine.RunInput) (string, error) {
	if name == "" {
		return "", fmt.Errorf("run name is required")
	}
	if input.Owner == "" || input.Repository == "" {
		return "", fmt.Errorf("run input: owner and repository are required")
	}

	p, ok := e.providers.ForLabels(input.Labels)
	if !ok {
		return "", fmt.Errorf("no provider serves labels %v", labelNames(input.Labels))
	}

	e.mu.Lock()
	if _, exists := e.runs[name]; exists {
		e.mu.Unlock()
		return "", engine.ErrRunExists
	}
	r := &run{name: name, state: StateRunning}
	e.runs[name] = r
	e.mu.Unlock()

	if e.runsStarted != nil {
		e.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", p.Label())))
	}

	e.logger.Info("run started",
		slog.String("run", name),
		slog.String("provider", p.Label()),
		slog.String("owner", input.Owner),
		slog.String("repo", input.Repository),
		slog.Int64("jobRunID", input.RunID),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The run outlives the triggering request.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runTimeout)
		defer cancel()
		e.finish(r, e.execute(runCtx, r, p, input))
	}()

	return name, nil
}

// execute drives one run through the full worker lifecycle.
func (e *Engine) execute(ctx context.Context, r *run, p provider.Provider, input engine.RunInput) error {
	ctx, span := e.tracer.Start(ctx, "engine.local.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.name", r.name),
		attribute.String("provider.label", p.Label()),
	)

	wu, err := p.Materialize(provider.RuntimeParams{
		Token:        refRunnerToken,
		Name:         refRunnerName,
		Label:        p.Label(),
		SourceDomain: refSourceDomain,
		Owner:        refOwnerAccount,
		Repository:   refRepository,
	})
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}

	token, err := e.tokens.RegistrationToken(ctx, input.Owner, input.Repository)
	if err != nil {
		return fmt.Errorf("registration token: %w", err)
	}

	runnerName := fmt.Sprintf("runner-%s", uuid.NewString()[:8])
	span.SetAttributes(attribute.String("runner.name", runnerName))

	env, err := resolveRefs(wu.Bundle(), map[provider.Ref]string{
		refRunnerToken:  token,
		refRunnerName:   runnerName,
		refSourceDomain: e.sourceDomain,
		refOwnerAccount: input.Owner,
		refRepository:   input.Repository,
	})
	if err != nil {
		return fmt.Errorf("resolve parameters: %w", err)
	}

	id, err := wu.Launch(ctx, env)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	e.logger.Info("worker launched",
		slog.String("run", r.name),
		slog.String("runner", runnerName),
		slog.String("id", id),
	)

	// The worker runs one job and exits; its resource is destroyed
	// whether the job succeeded or not.
	waitErr := wu.Wait(ctx, id)
	if err := wu.Destroy(context.WithoutCancel(ctx), id); err != nil {
		e.logger.Error("destroy worker failed",
			slog.String("run", r.name),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		if waitErr == nil {
			waitErr = err
		}
	}
	if waitErr != nil {
		return fmt.Errorf("wait: %w", waitErr)
	}
	return nil
}

// resolveRefs substitutes reference placeholders in the bundle with
// literal values. Literal entries (runnerLabel) pass through untouched.
func resolveRefs(bundle map[string]string, values map[provider.Ref]string) (map[string]string, error) {
	out := make(map[string]string, len(bundle))
	for name, v := range bundle {
		if lit, ok := values[provider.Ref(v)]; ok {
			out[name] = lit
			continue
		}
		if len(v) > 1 && v[:2] == "$." {
			return nil, fmt.Errorf("unresolvable reference %q for parameter %s", v, name)
		}
		out[name] = v
	}
	return out, nil
}

func (e *Engine) finish(r *run, err error) {
	e.mu.Lock()
	if err != nil {
		r.state = StateFailed
		r.err = err
	} else {
		r.state = StateSucceeded
	}
	e.mu.Unlock()

	result := "success"
	if err != nil {
		result = "failure"
		e.logger.Error("run failed",
			slog.String("run", r.name),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Info("run completed", slog.String("run", r.name))
	}
	if e.runsCompleted != nil {
		e.runsCompleted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

// Status returns the state of a run, if it exists.
func (e *Engine) Status(name string) (RunState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[name]
	if !ok {
		return "", false
	}
	return r.state, true
}

// Shutdown waits for in-flight runs to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func labelNames(labels map[string]bool) []string {
	out := make([]string, 0, len(labels))
	for l := range labels {
		out = append(out, l)
	}
	return out
}
