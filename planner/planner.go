// Package planner implements the strategic layer above the tactical engine.
// A run decomposes the goal into an ordered plan of sub-goals, executes them
// one at a time through the engine, and adapts the remaining plan when a step
// reports discoveries. Each adaptation is recorded in a revision log so the
// final outcome can explain how the plan evolved.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triadlabs/magi/engine"
	"github.com/triadlabs/magi/logging"
	"github.com/triadlabs/magi/model"
)

// State identifies the planner's position in its run.
type State int

const (
	// StateIdle is the initial state before a run begins.
	StateIdle State = iota
	// StatePlanRequested means the model has been asked for a plan.
	StatePlanRequested
	// StatePlanReceived means a valid plan is in hand.
	StatePlanReceived
	// StateExecutingStep means the engine is working on a sub-goal.
	StateExecutingStep
	// StateEvaluatingDiscovery means a step's discoveries are being weighed.
	StateEvaluatingDiscovery
	// StateAdapting means the remaining plan is being rewritten.
	StateAdapting
	// StateRetrying means a failed step is being retried.
	StateRetrying
	// StateComplete is the successful terminal state.
	StateComplete
	// StateFailed is the failed terminal state.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanRequested:
		return "plan_requested"
	case StatePlanReceived:
		return "plan_received"
	case StateExecutingStep:
		return "executing_step"
	case StateEvaluatingDiscovery:
		return "evaluating_discovery"
	case StateAdapting:
		return "adapting"
	case StateRetrying:
		return "retrying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// MaxSubGoals hard-caps plan size. Larger plans are truncated with a warning
	// rather than rejected.
	MaxSubGoals = 20
	// StepRetryBudget is how many times a failed step is retried before the
	// whole run aborts.
	StepRetryBudget = 2
	// DefaultStepTimeout bounds each sub-goal's execution.
	DefaultStepTimeout = 90 * time.Second
)

// Revision records one plan adaptation.
type Revision struct {
	Reason  string    `json:"reason"`
	OldPlan []string  `json:"old_plan"`
	NewPlan []string  `json:"new_plan"`
	At      time.Time `json:"at"`
}

// StepOutcome records what one executed sub-goal produced.
type StepOutcome struct {
	SubGoal string `json:"sub_goal"`
	Output  string `json:"output"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Result is the outcome of a planner run.
type Result struct {
	Output    string        `json:"output"`
	Plan      []string      `json:"plan"`
	Steps     []StepOutcome `json:"steps"`
	Revisions []Revision    `json:"revisions,omitempty"`
	// Partial marks a result where one or more steps were skipped or degraded.
	Partial bool `json:"partial,omitempty"`
}

// Options configures a Planner.
type Options struct {
	ModelID     string
	StepTimeout time.Duration
	Logger      logging.Logger
}

// Planner owns one agent's strategic loop. The model client decides plans and
// adaptations; the tactical engine does the actual work.
type Planner struct {
	agent  string
	client model.Client
	engine *engine.Engine
	opts   Options
}

// New creates a Planner for the named agent.
func New(agent string, client model.Client, eng *engine.Engine, optFns ...func(o *Options)) *Planner {
	opts := Options{
		StepTimeout: DefaultStepTimeout,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Planner{agent: agent, client: client, engine: eng, opts: opts}
}

type planDecision struct {
	SubGoals []string `json:"sub_goals"`
}

type adaptDecision struct {
	// Action is one of "keep", "append" or "revise".
	Action   string   `json:"action"`
	SubGoals []string `json:"sub_goals,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Run plans and executes the goal, returning the consolidated result. A step
// that exhausts its retry budget aborts the whole run; the partial result up
// to that point is still returned alongside the error.
func (p *Planner) Run(ctx context.Context, goal string) (*Result, error) {
	res := &Result{}
	state := StateIdle

	state = StatePlanRequested
	plan, err := p.requestPlan(ctx, goal)
	if err != nil {
		p.opts.Logger.Error("planner.failed", "agent", p.agent, "state", state.String(), "error", err.Error())
		res.Partial = true
		return res, fmt.Errorf("%s planning failed: %w", p.agent, err)
	}
	state = StatePlanReceived
	res.Plan = append([]string(nil), plan...)
	p.opts.Logger.Info("planner.plan", "agent", p.agent, "steps", len(plan))

	for i := 0; i < len(plan); i++ {
		subGoal := plan[i]
		state = StateExecutingStep

		stepResult, stepErr := p.executeStep(ctx, subGoal, &state)
		if stepErr != nil {
			if errors.Is(stepErr, context.DeadlineExceeded) {
				p.opts.Logger.Warn("planner.step.timeout", "agent", p.agent, "sub_goal", subGoal)
				output := "step timed out, continuing"
				if stepResult != nil && strings.TrimSpace(stepResult.Output) != "" {
					output = stepResult.Output + "\nstep timed out, continuing"
				}
				res.Steps = append(res.Steps, StepOutcome{
					SubGoal: subGoal,
					Output:  output,
					Skipped: true,
				})
				res.Partial = true
				continue
			}
			res.Partial = true
			res.Steps = append(res.Steps, StepOutcome{SubGoal: subGoal, Output: stepErr.Error(), Skipped: true})
			return res, fmt.Errorf("%s step execution failed: %w", p.agent, stepErr)
		}

		outcome := StepOutcome{SubGoal: subGoal, Output: stepResult.Output}
		if stepResult.Partial {
			outcome.Output += "\nstep failed, continuing"
			res.Partial = true
		}
		res.Steps = append(res.Steps, outcome)

		if len(stepResult.Discoveries) > 0 {
			state = StateEvaluatingDiscovery
			remaining := plan[i+1:]
			adapted, rev := p.evaluateDiscoveries(ctx, goal, remaining, stepResult.Discoveries, &state)
			if rev != nil {
				res.Revisions = append(res.Revisions, *rev)
			}
			if adapted != nil {
				plan = append(plan[:i+1], adapted...)
				if len(plan) > MaxSubGoals {
					p.opts.Logger.Warn("planner.plan.truncated", "agent", p.agent, "size", len(plan))
					plan = plan[:MaxSubGoals]
				}
				res.Plan = append([]string(nil), plan...)
			}
		}
	}

	state = StateComplete
	res.Output = p.consolidate(ctx, goal, res.Steps)
	p.opts.Logger.Info("planner.complete",
		"agent", p.agent, "steps", len(res.Steps), "revisions", len(res.Revisions), "partial", res.Partial)
	return res, nil
}

// requestPlan asks the model for an ordered sub-goal list and enforces the
// plan-size cap.
func (p *Planner) requestPlan(ctx context.Context, goal string) ([]string, error) {
	var decision planDecision
	var lastErr error
	for attempt := 0; attempt <= StepRetryBudget; attempt++ {
		lastErr = model.GenerateJSON(ctx, p.client, model.Request{
			System: fmt.Sprintf("You are the strategic planner of agent %s. Respond only with JSON.", p.agent),
			Prompt: fmt.Sprintf(
				"Goal: %s\n\nBreak the goal into an ordered list of concrete sub-goals as JSON {\"sub_goals\": [\"...\"]}. Use as few steps as the goal allows.",
				goal,
			),
			ModelID: p.opts.ModelID,
		}, &decision)
		if lastErr == nil {
			break
		}
		p.opts.Logger.Warn("planner.plan.retry", "agent", p.agent, "attempt", attempt+1, "error", lastErr.Error())
	}
	if lastErr != nil {
		return nil, lastErr
	}

	plan := make([]string, 0, len(decision.SubGoals))
	for _, sg := range decision.SubGoals {
		if s := strings.TrimSpace(sg); s != "" {
			plan = append(plan, s)
		}
	}
	if len(plan) == 0 {
		// A degenerate plan executes the goal as a single step.
		plan = []string{goal}
	}
	if len(plan) > MaxSubGoals {
		p.opts.Logger.Warn("planner.plan.truncated", "agent", p.agent, "size", len(plan))
		plan = plan[:MaxSubGoals]
	}
	return plan, nil
}

// executeStep runs one sub-goal through the engine under the step timeout,
// retrying up to StepRetryBudget on failure.
func (p *Planner) executeStep(ctx context.Context, subGoal string, state *State) (*engine.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= StepRetryBudget; attempt++ {
		if attempt > 0 {
			*state = StateRetrying
			p.opts.Logger.Warn("planner.step.retry",
				"agent", p.agent, "sub_goal", subGoal, "attempt", attempt, "error", lastErr.Error())
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if p.opts.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, p.opts.StepTimeout)
		}
		result, err := p.engine.Run(stepCtx, subGoal)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		// A timeout skips the step at the caller; only genuine failures burn
		// the retry budget. The engine's best-effort partial result is
		// returned alongside so the caller can keep what was produced.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return result, context.DeadlineExceeded
		}
		lastErr = err
	}
	return nil, lastErr
}

// evaluateDiscoveries decides whether discoveries warrant changing the
// remaining plan. It returns the new remaining plan (nil when unchanged) and a
// revision record when the plan was rewritten. Adaptation is best-effort: a
// model failure keeps the current plan.
func (p *Planner) evaluateDiscoveries(
	ctx context.Context,
	goal string,
	remaining []string,
	discoveries []engine.Discovery,
	state *State,
) ([]string, *Revision) {
	var report strings.Builder
	for _, d := range discoveries {
		fmt.Fprintf(&report, "- [%s] %s\n", d.Kind, d.Detail)
	}

	var decision adaptDecision
	err := model.GenerateJSON(ctx, p.client, model.Request{
		System: fmt.Sprintf("You are the strategic planner of agent %s reviewing new information. Respond only with JSON.", p.agent),
		Prompt: fmt.Sprintf(
			"Goal: %s\nRemaining plan: %s\nDiscoveries from the last step:\n%s\nDecide as JSON {\"action\": \"keep|append|revise\", \"sub_goals\": [\"...\"], \"reason\": \"...\"}. For \"append\", sub_goals are added after the remaining plan; for \"revise\", sub_goals replace it.",
			goal, strings.Join(remaining, "; "), report.String(),
		),
		ModelID: p.opts.ModelID,
	}, &decision)
	if err != nil {
		p.opts.Logger.Warn("planner.adapt.error", "agent", p.agent, "error", err.Error())
		return nil, nil
	}

	switch strings.ToLower(strings.TrimSpace(decision.Action)) {
	case "append":
		if len(decision.SubGoals) == 0 {
			return nil, nil
		}
		*state = StateAdapting
		return append(append([]string(nil), remaining...), decision.SubGoals...), nil
	case "revise":
		*state = StateAdapting
		rev := &Revision{
			Reason:  decision.Reason,
			OldPlan: append([]string(nil), remaining...),
			NewPlan: append([]string(nil), decision.SubGoals...),
			At:      time.Now().UTC(),
		}
		p.opts.Logger.Info("planner.adapt.revise", "agent", p.agent, "reason", decision.Reason)
		return append([]string(nil), decision.SubGoals...), rev
	default:
		return nil, nil
	}
}

// consolidate turns the step outcomes into one answer. A model failure
// degrades to mechanical concatenation so consolidation always succeeds.
func (p *Planner) consolidate(ctx context.Context, goal string, steps []StepOutcome) string {
	var findings strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&findings, "## %s\n%s\n\n", s.SubGoal, s.Output)
	}

	out, err := p.client.Generate(ctx, model.Request{
		System: fmt.Sprintf("You are agent %s writing a final answer from step findings. Be direct and grounded in the findings.", p.agent),
		Prompt: fmt.Sprintf("Goal: %s\n\nFindings:\n%s\nWrite the final answer.", goal, findings.String()),
		ModelID: p.opts.ModelID,
	})
	if err != nil {
		p.opts.Logger.Warn("planner.consolidate.error", "agent", p.agent, "error", err.Error())
		return strings.TrimSpace(findings.String())
	}
	return strings.TrimSpace(out)
}
