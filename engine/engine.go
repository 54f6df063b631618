// Package engine implements the tactical agent engine: an explicit state
// machine that executes one sub-goal at a time by gathering context, choosing
// a tool, validating and executing it, processing the output and checking for
// completion. Termination is guaranteed by three independent guards: a per-run
// retry budget, the owning agent's circuit breaker, and a stagnation guard
// that stops the run when cycles stop producing forward progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triadlabs/magi/breaker"
	"github.com/triadlabs/magi/logging"
	"github.com/triadlabs/magi/memory"
	"github.com/triadlabs/magi/model"
	"github.com/triadlabs/magi/tool"
)

// State identifies the engine's position in its execution cycle.
type State int

const (
	// StateIdle is the initial state before a run begins.
	StateIdle State = iota
	// StateContextGathering validates collaborators and collects memory context.
	StateContextGathering
	// StateSynthesizing folds the previous step's output into the working context.
	StateSynthesizing
	// StateSubgoalDetermination decides the next concrete sub-goal.
	StateSubgoalDetermination
	// StateToolSelection asks the model to pick a tool (or none) for the sub-goal.
	StateToolSelection
	// StateInputValidation checks the selected tool and arguments.
	StateInputValidation
	// StateToolExecution runs the tool under the circuit breaker.
	StateToolExecution
	// StateOutputProcessing converts raw tool output into usable findings.
	StateOutputProcessing
	// StateCompletionCheck decides whether the strategic goal is satisfied.
	StateCompletionCheck
	// StateDone is the successful terminal state.
	StateDone
	// StateFailed is the failed terminal state.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContextGathering:
		return "context_gathering"
	case StateSynthesizing:
		return "synthesizing"
	case StateSubgoalDetermination:
		return "subgoal_determination"
	case StateToolSelection:
		return "tool_selection"
	case StateInputValidation:
		return "input_validation"
	case StateToolExecution:
		return "tool_execution"
	case StateOutputProcessing:
		return "output_processing"
	case StateCompletionCheck:
		return "completion_check"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// MaxRetries is the per-run retry budget for transient failures.
	MaxRetries = 3
	// DefaultMaxCycles bounds the number of execution cycles per run.
	DefaultMaxCycles = 30
	// stagnationWindow is how many cycles may pass without forward progress
	// before the run is stopped. Progress at exactly the window boundary is
	// still acceptable.
	stagnationWindow = 5
)

var (
	// ErrMaxRetries is returned when the per-run retry budget is exhausted.
	ErrMaxRetries = errors.New("MAX_RETRIES_REACHED")
	// ErrCircuitOpen is returned when the agent's circuit breaker refuses execution.
	ErrCircuitOpen = errors.New("CIRCUIT_BREAKER_OPEN")
	// ErrInvalidContext is returned when the run cannot start (blank goal or
	// missing collaborators). It is fatal and never retried.
	ErrInvalidContext = errors.New("invalid run context")
)

// DiscoveryKind categorizes an agent-reported discovery.
type DiscoveryKind string

const (
	// DiscoveryOpportunity marks a newly found shortcut or extra value.
	DiscoveryOpportunity DiscoveryKind = "opportunity"
	// DiscoveryObstacle marks an impediment that may require replanning.
	DiscoveryObstacle DiscoveryKind = "obstacle"
	// DiscoveryImpossibility marks a sub-goal that cannot be achieved.
	DiscoveryImpossibility DiscoveryKind = "impossibility"
)

// Discovery is an agent-reported opportunity, obstacle or impossibility that
// may trigger plan revision at the strategic level.
type Discovery struct {
	Kind   DiscoveryKind `json:"kind"`
	Detail string        `json:"detail"`
}

// Result is the outcome of one engine run.
type Result struct {
	Output            string      `json:"output"`
	CompletedSubGoals []string    `json:"completed_sub_goals,omitempty"`
	Discoveries       []Discovery `json:"discoveries,omitempty"`
	// Partial marks a best-effort result produced by the stagnation guard or a
	// timeout rather than a confirmed completion.
	Partial bool `json:"partial,omitempty"`
	Cycles  int  `json:"cycles"`
}

// Context carries the mutable state of a single engine run. It is created at
// run start and discarded when the machine reaches a terminal state. The
// breaker is borrowed from the owning agent, not owned.
type Context struct {
	StrategicGoal     string
	CurrentSubGoal    string
	GatheredContext   string
	SelectedTool      string
	ToolInput         map[string]any
	ToolOutput        tool.Result
	ProcessedOutput   string
	CompletedSubGoals []string
	Discoveries       []Discovery
	RetryCount        int
	CycleCount        int
	LastProgressCycle int
	LastExecutionTime time.Time

	state    State
	toolUsed bool
	notes    []string
}

// Options configures an Engine.
type Options struct {
	MaxCycles int
	ModelID   string
	// ReadTool names the tool used for search-then-read follow-ups.
	ReadTool string
	Logger   logging.Logger
}

// Engine drives one agent's tactical execution. The model client, tool
// executor, short-term memory and circuit breaker are collaborators supplied
// by the owning agent runtime.
type Engine struct {
	agent  string
	client model.Client
	tools  tool.Executor
	mem    *memory.ShortTermMemory
	brk    *breaker.Breaker
	opts   Options
}

// New creates an Engine for the named agent.
func New(
	agent string,
	client model.Client,
	tools tool.Executor,
	mem *memory.ShortTermMemory,
	brk *breaker.Breaker,
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		MaxCycles: DefaultMaxCycles,
		ReadTool:  "extract_url",
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{agent: agent, client: client, tools: tools, mem: mem, brk: brk, opts: opts}
}

// Run executes the strategic goal to a terminal state and returns the result.
// Stagnation and cycle exhaustion produce a best-effort partial result rather
// than an error; only retry exhaustion, circuit-breaker rejection and an
// invalid starting context abort the run.
func (e *Engine) Run(ctx context.Context, goal string) (*Result, error) {
	rc := &Context{StrategicGoal: goal, state: StateIdle}

	for rc.state != StateDone && rc.state != StateFailed {
		if err := ctx.Err(); err != nil {
			return e.partialResult(rc, "run cancelled"), err
		}

		next, err := e.step(ctx, rc)
		if err != nil {
			e.opts.Logger.Error("engine.failed",
				"agent", e.agent, "state", rc.state.String(), "error", err.Error())
			return e.partialResult(rc, err.Error()), err
		}

		e.opts.Logger.Debug("engine.transition",
			"agent", e.agent, "from", rc.state.String(), "to", next.String(), "cycle", rc.CycleCount)
		rc.state = next
	}

	return e.buildResult(rc), nil
}

// step is the single transition function of the state machine. It returns the
// next state, or an error that moves the machine to StateFailed.
func (e *Engine) step(ctx context.Context, rc *Context) (State, error) {
	switch rc.state {
	case StateIdle:
		return StateContextGathering, nil
	case StateContextGathering:
		return e.gatherContext(ctx, rc)
	case StateSynthesizing:
		return e.synthesize(rc)
	case StateSubgoalDetermination:
		return e.determineSubgoal(ctx, rc)
	case StateToolSelection:
		return e.selectTool(ctx, rc)
	case StateInputValidation:
		return e.validateInput(rc)
	case StateToolExecution:
		return e.executeTool(ctx, rc)
	case StateOutputProcessing:
		return e.processOutput(ctx, rc)
	case StateCompletionCheck:
		return e.checkCompletion(ctx, rc)
	default:
		return StateFailed, fmt.Errorf("%s engine failed: unexpected state %s", e.agent, rc.state)
	}
}

// Guards

// isContextValid checks the run preconditions. A failure here is fatal for
// the run and is never retried.
func (e *Engine) isContextValid(rc *Context) bool {
	return strings.TrimSpace(rc.StrategicGoal) != "" && e.client != nil && e.tools != nil
}

// canRetry consumes one unit of the per-run retry budget.
func (e *Engine) canRetry(rc *Context) bool {
	if rc.RetryCount >= MaxRetries {
		return false
	}
	rc.RetryCount++
	return true
}

// shouldStopForStagnation is the primary infinite-loop guard, independent of
// per-call retries: even if every individual call succeeds the run must stop
// once cycles stop completing sub-goals or producing discoveries.
func shouldStopForStagnation(cycleCount, lastProgressCycle, maxCycles int) bool {
	return cycleCount >= maxCycles || cycleCount-lastProgressCycle > stagnationWindow
}

// shouldFollowUpWithRead is true only when a tool step flagged a follow-up
// fetch and supplied a non-blank URL.
func shouldFollowUpWithRead(r tool.Result) bool {
	return r.NeedsFollowUp && strings.TrimSpace(r.FollowUpURL) != ""
}

// Transitions

func (e *Engine) gatherContext(ctx context.Context, rc *Context) (State, error) {
	if !e.isContextValid(rc) {
		return StateFailed, fmt.Errorf("%s context gathering failed: %w", e.agent, ErrInvalidContext)
	}

	if e.mem != nil {
		topic := e.mem.DetermineTopic(ctx, rc.StrategicGoal)
		rc.GatheredContext = e.mem.Summarize(ctx, topic)
	}
	return StateSynthesizing, nil
}

func (e *Engine) synthesize(rc *Context) (State, error) {
	rc.CycleCount++

	if shouldStopForStagnation(rc.CycleCount, rc.LastProgressCycle, e.opts.MaxCycles) {
		e.opts.Logger.Warn("engine.stagnation",
			"agent", e.agent, "cycle", rc.CycleCount, "last_progress", rc.LastProgressCycle)
		rc.notes = append(rc.notes, "stopped: no forward progress")
		rc.state = StateDone
		return StateDone, nil
	}

	// Strict pipeline: the previous step's full output becomes this cycle's
	// primary input.
	if rc.ProcessedOutput != "" {
		rc.GatheredContext = rc.ProcessedOutput
	}
	return StateSubgoalDetermination, nil
}

type subgoalDecision struct {
	SubGoal   string `json:"sub_goal"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (e *Engine) determineSubgoal(ctx context.Context, rc *Context) (State, error) {
	var decision subgoalDecision
	err := model.GenerateJSON(ctx, e.client, model.Request{
		System: fmt.Sprintf("You are the tactical reasoning core of agent %s. Respond only with JSON.", e.agent),
		Prompt: fmt.Sprintf(
			"Goal: %s\nContext so far:\n%s\nCompleted sub-goals: %s\n\nName the single next concrete sub-goal as JSON: {\"sub_goal\": \"...\", \"reasoning\": \"...\"}",
			rc.StrategicGoal, rc.GatheredContext, strings.Join(rc.CompletedSubGoals, "; "),
		),
		ModelID: e.opts.ModelID,
	}, &decision)
	if err != nil {
		if e.canRetry(rc) {
			e.opts.Logger.Warn("engine.subgoal.retry", "agent", e.agent, "error", err.Error())
			return StateSubgoalDetermination, nil
		}
		return StateFailed, fmt.Errorf("%s subgoal determination failed: %w", e.agent, ErrMaxRetries)
	}

	rc.CurrentSubGoal = strings.TrimSpace(decision.SubGoal)
	if rc.CurrentSubGoal == "" {
		rc.CurrentSubGoal = rc.StrategicGoal
	}
	return StateToolSelection, nil
}

type toolSelection struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
}

func (e *Engine) selectTool(ctx context.Context, rc *Context) (State, error) {
	descriptors := e.tools.ListTools(e.agent)

	var catalog strings.Builder
	for _, d := range descriptors {
		fmt.Fprintf(&catalog, "- %s: %s\n", d.Name, d.Description)
	}

	var selection toolSelection
	err := model.GenerateJSON(ctx, e.client, model.Request{
		System: fmt.Sprintf("You are the tool selector of agent %s. Respond only with JSON.", e.agent),
		Prompt: fmt.Sprintf(
			"Sub-goal: %s\nContext:\n%s\nAvailable tools:\n%s\nPick one tool and its arguments as JSON {\"tool\": \"...\", \"args\": {...}}, or {\"tool\": \"none\"} to answer without tools.",
			rc.CurrentSubGoal, rc.GatheredContext, catalog.String(),
		),
		ModelID: e.opts.ModelID,
	}, &selection)
	if err != nil {
		if e.canRetry(rc) {
			e.opts.Logger.Warn("engine.tool_selection.retry", "agent", e.agent, "error", err.Error())
			return StateToolSelection, nil
		}
		return StateFailed, fmt.Errorf("%s tool selection failed: %w", e.agent, ErrMaxRetries)
	}

	selection.Tool = strings.TrimSpace(selection.Tool)
	if selection.Tool == "" || strings.EqualFold(selection.Tool, "none") {
		rc.SelectedTool = ""
		rc.ToolInput = nil
		rc.toolUsed = false
		return StateOutputProcessing, nil
	}

	rc.SelectedTool = selection.Tool
	rc.ToolInput = selection.Args
	if rc.ToolInput == nil {
		rc.ToolInput = map[string]any{}
	}
	return StateInputValidation, nil
}

func (e *Engine) validateInput(rc *Context) (State, error) {
	if err := e.tools.Validate(e.agent, rc.SelectedTool, rc.ToolInput); err != nil {
		// Invalid selections are retried, not silently skipped.
		if e.canRetry(rc) {
			e.opts.Logger.Warn("engine.validation.retry",
				"agent", e.agent, "tool", rc.SelectedTool, "error", err.Error())
			return StateToolSelection, nil
		}
		return StateFailed, fmt.Errorf("%s input validation failed: %w", e.agent, ErrMaxRetries)
	}
	return StateToolExecution, nil
}

func (e *Engine) executeTool(ctx context.Context, rc *Context) (State, error) {
	if !e.brk.CanExecute() {
		return StateFailed, fmt.Errorf("%s tool execution failed: %w (retry in %s)",
			e.agent, ErrCircuitOpen, e.brk.TimeUntilRecovery())
	}

	start := time.Now()
	result, err := e.tools.Execute(ctx, e.agent, rc.SelectedTool, rc.ToolInput)
	rc.LastExecutionTime = time.Now()
	rc.toolUsed = true

	if err != nil {
		e.brk.RecordFailure()
		e.opts.Logger.Warn("engine.tool.failed",
			"agent", e.agent, "tool", rc.SelectedTool,
			"duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		// Absorb the failure in-band so one bad step degrades quality instead
		// of aborting the run.
		rc.ToolOutput = tool.ErrorResult(fmt.Sprintf("tool %s failed, continuing with reasoning: %v", rc.SelectedTool, err))
		return StateOutputProcessing, nil
	}

	e.brk.RecordSuccess()
	rc.ToolOutput = result

	if shouldFollowUpWithRead(result) {
		rc.ToolOutput = e.followUpRead(ctx, rc, result)
	}
	return StateOutputProcessing, nil
}

// followUpRead performs the second half of the search-then-read pattern: fetch
// the URL the previous step flagged and merge its content into the output.
func (e *Engine) followUpRead(ctx context.Context, rc *Context, prior tool.Result) tool.Result {
	args := map[string]any{"url": prior.FollowUpURL}
	if err := e.tools.Validate(e.agent, e.opts.ReadTool, args); err != nil {
		return prior
	}
	if !e.brk.CanExecute() {
		return prior
	}

	read, err := e.tools.Execute(ctx, e.agent, e.opts.ReadTool, args)
	rc.LastExecutionTime = time.Now()
	if err != nil {
		e.brk.RecordFailure()
		return prior
	}
	e.brk.RecordSuccess()

	// The fetched page supersedes the hit list as the payload.
	return tool.Result{
		Kind:    tool.KindExtract,
		Query:   prior.Query,
		URL:     prior.FollowUpURL,
		Content: read.Summary(),
	}
}

func (e *Engine) processOutput(ctx context.Context, rc *Context) (State, error) {
	var prompt string
	if rc.toolUsed {
		prompt = fmt.Sprintf(
			"Sub-goal: %s\nTool output:\n%s\n\nExtract the findings relevant to the sub-goal in plain prose.",
			rc.CurrentSubGoal, rc.ToolOutput.Summary(),
		)
	} else {
		prompt = fmt.Sprintf(
			"Sub-goal: %s\nContext:\n%s\n\nAnswer the sub-goal from reasoning alone, in plain prose.",
			rc.CurrentSubGoal, rc.GatheredContext,
		)
	}

	processed, err := e.client.Generate(ctx, model.Request{
		System:  fmt.Sprintf("You are agent %s turning raw material into findings.", e.agent),
		Prompt:  prompt,
		ModelID: e.opts.ModelID,
	})
	if err != nil {
		if e.canRetry(rc) {
			e.opts.Logger.Warn("engine.processing.retry", "agent", e.agent, "error", err.Error())
			return StateOutputProcessing, nil
		}
		// Processing is a refinement step; fall back to the raw material
		// rather than failing the run.
		if rc.toolUsed {
			processed = rc.ToolOutput.Summary()
		} else {
			processed = rc.GatheredContext
		}
		rc.notes = append(rc.notes, "output processing degraded to raw material")
	}

	rc.ProcessedOutput = strings.TrimSpace(processed)
	return StateCompletionCheck, nil
}

type completionDecision struct {
	Complete    bool        `json:"complete"`
	SubGoalDone bool        `json:"sub_goal_done"`
	Discoveries []Discovery `json:"discoveries,omitempty"`
}

func (e *Engine) checkCompletion(ctx context.Context, rc *Context) (State, error) {
	var decision completionDecision
	err := model.GenerateJSON(ctx, e.client, model.Request{
		System: fmt.Sprintf("You are the completion judge of agent %s. Respond only with JSON.", e.agent),
		Prompt: fmt.Sprintf(
			"Goal: %s\nCurrent sub-goal: %s\nLatest findings:\n%s\n\nRespond as JSON {\"complete\": bool, \"sub_goal_done\": bool, \"discoveries\": [{\"kind\": \"opportunity|obstacle|impossibility\", \"detail\": \"...\"}]}",
			rc.StrategicGoal, rc.CurrentSubGoal, rc.ProcessedOutput,
		),
		ModelID: e.opts.ModelID,
	}, &decision)
	if err != nil {
		if e.canRetry(rc) {
			e.opts.Logger.Warn("engine.completion.retry", "agent", e.agent, "error", err.Error())
			return StateCompletionCheck, nil
		}
		return StateFailed, fmt.Errorf("%s completion check failed: %w", e.agent, ErrMaxRetries)
	}

	progressed := false
	if decision.SubGoalDone && rc.CurrentSubGoal != "" {
		rc.CompletedSubGoals = append(rc.CompletedSubGoals, rc.CurrentSubGoal)
		progressed = true
	}
	if len(decision.Discoveries) > 0 {
		rc.Discoveries = append(rc.Discoveries, decision.Discoveries...)
		progressed = true
	}
	if progressed {
		rc.LastProgressCycle = rc.CycleCount
	}

	if decision.Complete {
		return StateDone, nil
	}
	return StateSynthesizing, nil
}

// Results

func (e *Engine) buildResult(rc *Context) *Result {
	output := rc.ProcessedOutput
	for _, n := range rc.notes {
		output += "\n[" + n + "]"
	}
	return &Result{
		Output:            strings.TrimSpace(output),
		CompletedSubGoals: rc.CompletedSubGoals,
		Discoveries:       rc.Discoveries,
		Partial:           len(rc.notes) > 0,
		Cycles:            rc.CycleCount,
	}
}

// partialResult assembles a best-effort result when the run aborts, so a
// failed agent still contributes whatever it produced.
func (e *Engine) partialResult(rc *Context, reason string) *Result {
	rc.notes = append(rc.notes, reason)
	r := e.buildResult(rc)
	r.Partial = true
	return r
}
