// Package llm implements the "llm" skill executor. The skill's content is the
// system prompt; the executor grounds it with the goal, the capabilities of
// available agents, retrieved business context and earlier pipeline results,
// then returns the model's completion as raw text for the caller to parse.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/model"
	"goa.design/troupe/runtime/router"
	"goa.design/troupe/runtime/skills"
	"goa.design/troupe/runtime/telemetry"
)

// ExecutorType is the executor name skill definitions reference.
const ExecutorType = "llm"

type (
	// Executor runs prompt skills against a model.Client. Safe for
	// concurrent use.
	Executor struct {
		client model.Client
		logger telemetry.Logger
		maxTok int
	}

	// Option customizes an Executor.
	Option func(*Executor)
)

var _ skills.Executor = (*Executor)(nil)

// WithLogger sets the executor's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxTokens caps completion length for every skill this executor runs.
func WithMaxTokens(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxTok = n
		}
	}
}

// New builds an executor over the given model client.
func New(client model.Client, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, errors.New("model client is required")
	}
	e := &Executor{
		client: client,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute prompts the model with the skill content and the routing
// parameters. The returned value is the completion text with any surrounding
// markdown fence removed.
func (e *Executor) Execute(ctx context.Context, def skills.Definition, params map[string]any) (any, error) {
	prompt := strings.TrimSpace(def.Content)
	if prompt == "" {
		return nil, fmt.Errorf("skill %q has no prompt content", def.ID)
	}
	user := buildUserPrompt(params)
	if user == "" {
		return nil, fmt.Errorf("skill %q has nothing to prompt about", def.ID)
	}
	resp, err := e.client.Complete(ctx, model.Request{
		Class:     classFrom(params),
		MaxTokens: e.maxTok,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: prompt},
			{Role: model.RoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("skill %q completion: %w", def.ID, err)
	}
	out := stripFences(resp.Text())
	if out == "" {
		return nil, fmt.Errorf("skill %q produced no output", def.ID)
	}
	e.logger.Debug(ctx, "llm skill completed",
		"skill_id", def.ID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return out, nil
}

// buildUserPrompt renders the routing parameters the pipeline injects into
// labeled sections. Absent parameters are simply omitted.
func buildUserPrompt(params map[string]any) string {
	var b strings.Builder
	if env, ok := params[skills.ParamEnvelope].(envelope.Envelope); ok {
		if goal := envelope.Describe(env.Payload); goal != "" {
			b.WriteString("Goal: ")
			b.WriteString(goal)
			b.WriteString("\n")
		}
		if env.Context.OriginalGoal != "" {
			b.WriteString("Original goal: ")
			b.WriteString(env.Context.OriginalGoal)
			b.WriteString("\n")
		}
	}
	if caps, ok := params[router.ParamAvailableCapabilities].(string); ok && caps != "" {
		b.WriteString("Available capabilities: ")
		b.WriteString(caps)
		b.WriteString("\n")
	}
	if bc, ok := params[router.ParamBusinessContext].(string); ok && bc != "" {
		b.WriteString("Business context:\n")
		b.WriteString(bc)
		b.WriteString("\n")
	}
	if results, ok := params[skills.ParamResults].(skills.Results); ok {
		for _, r := range results {
			fmt.Fprintf(&b, "Result of %s:\n%v\n", r.SkillID, r.Value)
		}
	}
	return strings.TrimSpace(b.String())
}

func classFrom(params map[string]any) model.Class {
	if s, ok := params[router.ParamModelClass].(string); ok {
		return model.Class(s)
	}
	return model.ClassDefault
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, so fenced model output parses as plain JSON.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if i := strings.IndexByte(out, '\n'); i >= 0 && isFenceTag(strings.TrimSpace(out[:i])) {
		out = out[i+1:]
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

// isFenceTag reports whether the first fence line is a language tag rather
// than content. Bare fences have an empty tag.
func isFenceTag(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
