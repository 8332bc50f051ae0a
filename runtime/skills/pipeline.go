package skills

import (
	"context"
	"errors"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/telemetry"
)

// Reserved parameter keys the runner injects into every execution. Caller
// parameters with these names are overwritten.
const (
	ParamEnvelope = "envelope"
	ParamResults  = "results"
)

type (
	// StepResult is the value one pipeline step produced.
	StepResult struct {
		SkillID string
		Value   any
	}

	// Results holds step results in execution order.
	Results []StepResult

	// PipelineContext is the outcome of a pipeline run.
	PipelineContext struct {
		Envelope   envelope.Envelope
		Results    Results
		Parameters map[string]any
	}

	// Runner executes ordered skill pipelines. Unknown skill IDs, unknown
	// executor types, and failing executors are warned and skipped; a
	// pipeline only aborts on context cancellation.
	Runner struct {
		registry  Registry
		executors map[string]Executor
		logger    telemetry.Logger
	}

	// RunnerOption customizes a Runner.
	RunnerOption func(*Runner)
)

// Get returns the result of the named step.
func (r Results) Get(skillID string) (any, bool) {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i].SkillID == skillID {
			return r[i].Value, true
		}
	}
	return nil, false
}

// Last returns the result of the final step that produced one.
func (r Results) Last() (any, bool) {
	if len(r) == 0 {
		return nil, false
	}
	return r[len(r)-1].Value, true
}

// WithLogger sets the runner's logger.
func WithLogger(logger telemetry.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a pipeline runner resolving skills against the registry
// and dispatching them to the executor registered for their executor type.
func NewRunner(registry Registry, executors map[string]Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:  registry,
		executors: make(map[string]Executor, len(executors)),
		logger:    telemetry.NewNoopLogger(),
	}
	for name, ex := range executors {
		r.executors[name] = ex
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the pipeline steps in order. Each executor receives the
// caller parameters merged with the envelope and the results accumulated so
// far. The returned context carries the envelope, the ordered results, and
// the caller parameters.
func (r *Runner) Run(ctx context.Context, pipeline []string, env envelope.Envelope, params map[string]any) (PipelineContext, error) {
	pc := PipelineContext{Envelope: env, Parameters: params}
	for _, id := range pipeline {
		if err := ctx.Err(); err != nil {
			return pc, err
		}
		def, err := r.registry.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.logger.Warn(ctx, "skipping unknown skill", "skill_id", id)
			} else {
				r.logger.Warn(ctx, "skill lookup failed, skipping", "skill_id", id, "err", err)
			}
			continue
		}
		ex, ok := r.executors[def.ExecutorType]
		if !ok {
			r.logger.Warn(ctx, "skipping skill with unknown executor type",
				"skill_id", id, "executor_type", def.ExecutorType)
			continue
		}
		value, err := ex.Execute(ctx, def, mergeParams(env, pc.Results, params))
		if err != nil {
			r.logger.Warn(ctx, "skill execution failed, skipping", "skill_id", id, "err", err)
			continue
		}
		pc.Results = append(pc.Results, StepResult{SkillID: id, Value: value})
	}
	return pc, nil
}

// mergeParams builds a fresh map per step so executors cannot corrupt the
// caller's parameters or each other's view.
func mergeParams(env envelope.Envelope, results Results, params map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	merged[ParamEnvelope] = env
	merged[ParamResults] = results
	return merged
}
