package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crucible-run/crucible/pkg/telemetry"
)

// AllEnvs is the pseudo-selector that expands to every declared environment.
const AllEnvs = "ALL"

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	// Resolver produces environment specs.
	Resolver Resolver

	// Sandboxes provisions execution sandboxes.
	Sandboxes SandboxManager

	// Runner executes command lists.
	Runner CommandRunner

	// Store persists run history. Optional; failures are logged, never fatal.
	Store HistoryStore

	// Metrics records run metrics. Optional.
	Metrics *telemetry.Metrics

	// Tracer spans runs and environments. Optional.
	Tracer *telemetry.Tracer

	// Logger is the structured logger.
	Logger zerolog.Logger

	// Output receives per-environment output blocks. Output from
	// concurrently running environments is buffered and flushed as one
	// contiguous block per environment on completion.
	Output io.Writer

	// ConfigPath is recorded on aggregates for history.
	ConfigPath string

	// MaxParallel bounds simultaneously running environments.
	// Values below 1 mean sequential execution.
	MaxParallel int

	// SkipMissingInterpreters turns an unavailable interpreter into a
	// skipped outcome instead of a failed one.
	SkipMissingInterpreters bool
}

// RunOptions are per-invocation settings.
type RunOptions struct {
	// Recreate bypasses fingerprint reuse for every selected environment.
	Recreate bool

	// Posargs are the caller-supplied pass-through tokens.
	Posargs []string
}

// Orchestrator selects the requested environment set, runs each environment
// through resolution, sandbox provisioning, and execution, and aggregates
// the results.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger zerolog.Logger

	mu sync.Mutex // serializes output block flushes
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Resolver == nil {
		return nil, NewOrchestratorError("resolver is required", nil)
	}
	if cfg.Sandboxes == nil {
		return nil, NewOrchestratorError("sandbox manager is required", nil)
	}
	if cfg.Runner == nil {
		return nil, NewOrchestratorError("command runner is required", nil)
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Select expands and validates a requested environment list. An empty
// request falls back to the configured default list; the ALL pseudo-selector
// expands to every declared environment. An unknown name is an orchestrator
// error and nothing runs.
func (o *Orchestrator) Select(requested []string) ([]string, error) {
	known := o.cfg.Resolver.Names()
	knownSet := make(map[string]struct{}, len(known))
	for _, n := range known {
		knownSet[n] = struct{}{}
	}

	if len(requested) == 1 && requested[0] == AllEnvs {
		return known, nil
	}
	if len(requested) == 0 {
		requested = o.cfg.Resolver.DefaultList()
		if len(requested) == 0 {
			return nil, NewOrchestratorError("no environments requested and no default envlist configured", nil)
		}
	}

	for _, name := range requested {
		if _, ok := knownSet[name]; !ok {
			return nil, NewOrchestratorError(
				fmt.Sprintf("unknown environment %q (known: %s)", name, strings.Join(known, ", ")), nil)
		}
	}
	return requested, nil
}

// Resolve builds the spec for every selected environment without executing
// anything. Any config error is fatal to the whole invocation.
func (o *Orchestrator) Resolve(ctx context.Context, requested []string, opts RunOptions) ([]*EnvSpec, error) {
	names, err := o.Select(requested)
	if err != nil {
		return nil, err
	}

	specs := make([]*EnvSpec, 0, len(names))
	for _, name := range names {
		spec, err := o.cfg.Resolver.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		if opts.Recreate {
			spec.Recreate = true
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Run executes the requested environments and aggregates their results.
// A non-nil error means the whole run was aborted before execution
// (config or orchestrator error); per-environment failures are recorded in
// the aggregate instead.
func (o *Orchestrator) Run(ctx context.Context, requested []string, opts RunOptions) (*Aggregate, error) {
	specs, err := o.Resolve(ctx, requested, opts)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		RunID:      uuid.New().String(),
		ConfigPath: o.cfg.ConfigPath,
		Results:    make([]RunResult, len(specs)),
		StartedAt:  time.Now(),
	}

	runCtx := ctx
	endRun := func(error) {}
	if o.cfg.Tracer != nil {
		runCtx, endRun = o.cfg.Tracer.StartRunSpan(ctx, agg.RunID)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordRunStarted()
	}

	o.logger.Info().
		Str("run_id", agg.RunID).
		Int("envs", len(specs)).
		Int("parallel", o.cfg.MaxParallel).
		Msg("Run started")

	workers := o.cfg.MaxParallel
	if len(specs) < workers {
		workers = len(specs)
	}

	jobs := make(chan int, len(specs))
	for i := range specs {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				agg.Results[i] = o.runEnv(runCtx, specs[i], opts)
			}
		}()
	}
	wg.Wait()

	agg.Duration = time.Since(agg.StartedAt)
	endRun(nil)

	if o.cfg.Metrics != nil {
		status := "succeeded"
		if !agg.Success() {
			status = "failed"
		}
		o.cfg.Metrics.RecordRunCompleted(status, agg.Duration)
	}
	o.logger.Info().
		Str("run_id", agg.RunID).
		Bool("success", agg.Success()).
		Dur("duration", agg.Duration).
		Msg("Run completed")

	if o.cfg.Store != nil {
		if err := o.cfg.Store.RecordRun(ctx, agg); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to record run history")
		}
	}

	return agg, nil
}

// runEnv runs one environment through sandbox provisioning and command
// execution, buffering its output and flushing it as one contiguous block.
func (o *Orchestrator) runEnv(ctx context.Context, spec *EnvSpec, opts RunOptions) RunResult {
	start := time.Now()
	logger := o.logger.With().Str("env", spec.Name).Logger()

	result := RunResult{Env: spec.Name}

	var buf bytes.Buffer
	defer func() {
		result.Duration = time.Since(start)
		result.Output = buf.String()
		o.flush(spec.Name, &result, &buf)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordEnvCompleted(spec.Name, string(result.Outcome), result.Duration)
			if result.Err != nil {
				o.cfg.Metrics.RecordError(string(KindOf(result.Err)))
			}
		}
	}()

	// An environment never starts once cancellation is observed.
	if ctx.Err() != nil {
		result.Outcome = OutcomeCancelled
		result.Stage = StageSandbox
		result.Err = ctx.Err()
		return result
	}

	envCtx := ctx
	if o.cfg.Tracer != nil {
		var end func(error)
		envCtx, end = o.cfg.Tracer.StartEnvSpan(ctx, spec.Name)
		defer func() { end(result.Err) }()
	}

	logger.Info().Str("interpreter", spec.Interpreter).Msg("Environment started")

	sb, err := o.cfg.Sandboxes.Ensure(envCtx, spec)
	if err != nil {
		result.Stage = StageSandbox
		result.Err = err
		switch {
		case envCtx.Err() != nil:
			result.Outcome = OutcomeCancelled
		case o.cfg.SkipMissingInterpreters && errors.Is(err, ErrInterpreterUnavailable):
			result.Outcome = OutcomeSkipped
			logger.Warn().Err(err).Msg("Environment skipped, interpreter unavailable")
			return result
		default:
			result.Outcome = OutcomeFailed
		}
		logger.Error().Err(err).Msg("Sandbox provisioning failed")
		return result
	}
	if o.cfg.Metrics != nil && !sb.Reused {
		o.cfg.Metrics.RecordSandboxRebuild(spec.Name)
	}

	result.Stage = StageExecute
	if err := o.cfg.Runner.Run(envCtx, spec, sb, opts.Posargs, &buf); err != nil {
		result.Err = err
		if envCtx.Err() != nil && errors.Is(err, envCtx.Err()) {
			result.Outcome = OutcomeCancelled
		} else {
			result.Outcome = OutcomeFailed
			var cerr *Error
			if errors.As(err, &cerr) {
				result.FailedCommand = cerr.Argv
				result.ExitCode = cerr.ExitCode
			}
		}
		logger.Error().Err(err).Msg("Environment failed")
		return result
	}

	result.Outcome = OutcomeSucceeded
	logger.Info().Dur("duration", time.Since(start)).Msg("Environment succeeded")
	return result
}

// flush writes one environment's buffered output to the shared output
// writer as a single contiguous block. Byte-interleaved output from two
// environments is a correctness bug, so the flush is serialized.
func (o *Orchestrator) flush(env string, result *RunResult, buf *bytes.Buffer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintf(o.cfg.Output, "%s: %s (%s)\n", env, result.Outcome, result.Duration.Round(time.Millisecond))
	if buf.Len() > 0 {
		_, _ = io.Copy(o.cfg.Output, buf)
		if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			fmt.Fprintln(o.cfg.Output)
		}
	}
}
