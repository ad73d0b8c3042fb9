package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dimensigon/aishell/coordination"
	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/telemetry"
)

// Plan is the ordered work an agent intends to do for a task.
type Plan struct {
	Summary string     `json:"summary,omitempty"`
	Steps   []PlanStep `json:"steps"`
}

// PlanStep is one unit of an agent's plan.
type PlanStep struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description,omitempty"`
	Action      string                 `json:"action"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// StepResult is the outcome of one executed plan step.
type StepResult struct {
	StepID string      `json:"step_id"`
	Output interface{} `json:"output,omitempty"`
	Err    string      `json:"error,omitempty"`
}

// Validation is the agent's judgment of its own results. A failed
// validation with Retryable set triggers replanning within the bound.
type Validation struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Context carries the collaborators an agent may use. Agents reach
// databases and external systems only through these interfaces.
type Context struct {
	LLM    core.LLMClient
	DB     core.DatabaseClient
	Vector core.VectorStore
	Vault  core.CredentialVault
	Sync   *coordination.StateSync
	Logger core.Logger

	// Feedback carries the previous validation failure into a replan.
	Feedback string
}

// Agent is a typed specialist worker: a plan / execute-step / validate
// state machine. Implementations must keep ExecuteStep idempotent or
// honor idempotency keys carried in step params, since the runner may
// replay a step after crash recovery.
type Agent interface {
	Kind() string
	Plan(ctx context.Context, task map[string]interface{}, actx *Context) (*Plan, error)
	ExecuteStep(ctx context.Context, step PlanStep, actx *Context) (*StepResult, error)
	Validate(ctx context.Context, plan *Plan, results []*StepResult) (*Validation, error)
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Checkpoints CheckpointStore
	MaxReplans  int
	Logger      core.Logger
}

// Runner drives an agent through its state machine, writing a
// checkpoint at every phase transition so another process can resume
// the run from the latest checkpoint.
type Runner struct {
	checkpoints CheckpointStore
	maxReplans  int
	logger      core.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = NewInMemoryCheckpointStore()
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/agent")
	}
	return &Runner{
		checkpoints: cfg.Checkpoints,
		maxReplans:  cfg.MaxReplans,
		logger:      logger,
	}
}

// RunResult is an agent run's terminal outcome.
type RunResult struct {
	AgentID string        `json:"agent_id"`
	RunID   string        `json:"run_id"`
	Phase   Phase         `json:"phase"`
	Plan    *Plan         `json:"plan,omitempty"`
	Results []*StepResult `json:"results,omitempty"`
	Summary string        `json:"summary,omitempty"`
}

// Run executes the agent loop to Completed or Failed for a fresh run.
func (r *Runner) Run(ctx context.Context, a Agent, task map[string]interface{}, actx *Context) (*RunResult, error) {
	agentID := a.Kind() + "-" + uuid.New().String()[:8]
	runID := uuid.New().String()
	return r.drive(ctx, a, task, actx, agentID, runID, nil)
}

// Resume reconstitutes a run from its latest checkpoint and continues
// it. Steps already executed are not re-run; the in-flight step is
// replayed (idempotency is the agent's contract).
func (r *Runner) Resume(ctx context.Context, a Agent, task map[string]interface{}, actx *Context, agentID, runID string) (*RunResult, error) {
	cp, err := r.checkpoints.Latest(ctx, agentID, runID)
	if err != nil {
		return nil, err
	}
	return r.drive(ctx, a, task, actx, agentID, runID, cp)
}

func (r *Runner) drive(ctx context.Context, a Agent, task map[string]interface{}, actx *Context, agentID, runID string, resume *Checkpoint) (*RunResult, error) {
	if actx == nil {
		actx = &Context{}
	}
	if actx.Logger == nil {
		actx.Logger = r.logger
	}

	state := &runState{agentID: agentID, runID: runID}
	if resume != nil {
		if err := state.restore(resume); err != nil {
			return nil, err
		}
		if resume.Phase == PhaseCompleted || resume.Phase == PhaseFailed {
			return state.result(), nil
		}
	}

	telemetry.AddSpanEvent(ctx, "agent_run_started",
		attribute.String("agent.kind", a.Kind()),
		attribute.String("agent.run_id", runID),
	)

	for {
		select {
		case <-ctx.Done():
			return nil, core.NewError("agent "+a.Kind(), core.KindCancelled, ctx.Err())
		default:
		}

		// Planning
		if state.plan == nil {
			if err := r.transition(ctx, state, PhasePlanning); err != nil {
				return nil, err
			}
			plan, err := a.Plan(ctx, task, actx)
			if err != nil {
				return nil, r.fail(ctx, state, core.KindPlanningFailed, err)
			}
			if plan == nil || len(plan.Steps) == 0 {
				return nil, r.fail(ctx, state, core.KindPlanningFailed,
					core.Errorf(core.KindPlanningFailed, "agent %s produced an empty plan", a.Kind()))
			}
			state.plan = plan
			state.stepIndex = 0
			state.results = nil
		}

		// Executing
		if err := r.transition(ctx, state, PhaseExecuting); err != nil {
			return nil, err
		}
		for state.stepIndex < len(state.plan.Steps) {
			select {
			case <-ctx.Done():
				return nil, core.NewError("agent "+a.Kind(), core.KindCancelled, ctx.Err())
			default:
			}

			step := state.plan.Steps[state.stepIndex]
			result, err := a.ExecuteStep(ctx, step, actx)
			if err != nil {
				return nil, r.fail(ctx, state, core.KindOf(err), err)
			}
			state.results = append(state.results, result)
			state.lastResult = result
			state.stepIndex++
			if err := r.transition(ctx, state, PhaseExecuting); err != nil {
				return nil, err
			}
		}

		// Validating
		if err := r.transition(ctx, state, PhaseValidating); err != nil {
			return nil, err
		}
		validation, err := a.Validate(ctx, state.plan, state.results)
		if err != nil {
			return nil, r.fail(ctx, state, core.KindValidationFailed, err)
		}
		if validation.OK {
			if err := r.transition(ctx, state, PhaseCompleted); err != nil {
				return nil, err
			}
			telemetry.AddSpanEvent(ctx, "agent_run_completed",
				attribute.String("agent.kind", a.Kind()),
				attribute.Int("agent.steps", len(state.results)),
			)
			return state.result(), nil
		}

		if !validation.Retryable || state.replans >= r.maxReplans {
			return nil, r.fail(ctx, state, core.KindValidationFailed,
				core.Errorf(core.KindValidationFailed, "agent %s validation failed: %s", a.Kind(), validation.Reason))
		}

		// Replan with the validation failure as feedback.
		state.replans++
		state.plan = nil
		actx.Feedback = validation.Reason
		r.logger.WarnWithContext(ctx, "Agent replanning after validation failure", map[string]interface{}{
			"agent_kind": a.Kind(),
			"run_id":     runID,
			"replans":    state.replans,
			"reason":     validation.Reason,
		})
	}
}

// runState is the in-memory mirror of the checkpoint.
type runState struct {
	agentID    string
	runID      string
	phase      Phase
	plan       *Plan
	stepIndex  int
	results    []*StepResult
	lastResult *StepResult
	replans    int
}

func (s *runState) restore(cp *Checkpoint) error {
	s.phase = cp.Phase
	s.stepIndex = cp.StepIndex
	s.replans = cp.Replans
	if len(cp.Plan) > 0 {
		var plan Plan
		if err := json.Unmarshal(cp.Plan, &plan); err != nil {
			return core.NewError("agent.restore", core.KindInternal, err)
		}
		s.plan = &plan
	}
	if len(cp.Results) > 0 {
		if err := json.Unmarshal(cp.Results, &s.results); err != nil {
			return core.NewError("agent.restore", core.KindInternal, err)
		}
	}
	if len(s.results) > 0 {
		s.lastResult = s.results[len(s.results)-1]
	}
	return nil
}

func (s *runState) result() *RunResult {
	summary := ""
	if s.plan != nil {
		summary = s.plan.Summary
	}
	return &RunResult{
		AgentID: s.agentID,
		RunID:   s.runID,
		Phase:   s.phase,
		Plan:    s.plan,
		Results: s.results,
		Summary: summary,
	}
}

func (s *runState) checkpoint() (*Checkpoint, error) {
	cp := &Checkpoint{
		AgentID:   s.agentID,
		RunID:     s.runID,
		Phase:     s.phase,
		StepIndex: s.stepIndex,
		Replans:   s.replans,
	}
	if s.plan != nil {
		data, err := json.Marshal(s.plan)
		if err != nil {
			return nil, core.NewError("agent.checkpoint", core.KindInternal, err)
		}
		cp.Plan = data
	}
	if s.results != nil {
		data, err := json.Marshal(s.results)
		if err != nil {
			return nil, core.NewError("agent.checkpoint", core.KindInternal, err)
		}
		cp.Results = data
	}
	if s.lastResult != nil {
		data, err := json.Marshal(s.lastResult)
		if err != nil {
			return nil, core.NewError("agent.checkpoint", core.KindInternal, err)
		}
		cp.LastResult = data
	}
	return cp, nil
}

// transition moves the state machine and persists the checkpoint. A
// checkpoint that cannot be written fails the transition: continuing
// without one would make the run unrecoverable.
func (r *Runner) transition(ctx context.Context, state *runState, phase Phase) error {
	state.phase = phase
	cp, err := state.checkpoint()
	if err != nil {
		return err
	}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		return core.NewError("agent.transition", core.KindTransient, err)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, state *runState, kind core.ErrorKind, cause error) error {
	state.phase = PhaseFailed
	cp, cperr := state.checkpoint()
	if cperr == nil {
		cp.FailureKind = string(kind)
		cp.Failure = cause.Error()
		_ = r.checkpoints.Save(ctx, cp)
	}
	r.logger.ErrorWithContext(ctx, "Agent run failed", map[string]interface{}{
		"agent_id":   state.agentID,
		"run_id":     state.runID,
		"error_kind": string(kind),
		"error":      cause.Error(),
	})
	if core.KindOf(cause) == kind {
		return cause
	}
	return core.NewError("agent run "+state.runID, kind, cause)
}

// Factory builds a fresh agent instance per dispatch.
type Factory func() Agent

// Registry maps agent kinds to factories and adapts them to the
// orchestrator's AgentRunner contract.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	runner    *Runner
	baseCtx   Context
}

// NewRegistry creates a registry. baseCtx supplies the collaborators
// every dispatched agent receives.
func NewRegistry(runner *Runner, baseCtx Context) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		runner:    runner,
		baseCtx:   baseCtx,
	}
}

// Register adds an agent kind.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return core.Errorf(core.KindSchemaViolation, "agent registration requires a kind and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return core.Errorf(core.KindSchemaViolation, "agent kind %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Kinds lists registered agent kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Has reports whether a kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// RunAgent implements orchestration.AgentRunner: it dispatches the
// task to a fresh instance of the kind and blocks until the agent
// reaches a terminal phase.
func (r *Registry) RunAgent(ctx context.Context, kind string, task map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindUnknownStep, "agent kind %s is not registered", kind)
	}

	actx := r.baseCtx
	result, err := r.runner.Run(ctx, factory(), task, &actx)
	if err != nil {
		return nil, err
	}

	// Expose a plain map so workflow state stays JSON-friendly.
	outputs := make([]interface{}, 0, len(result.Results))
	for _, sr := range result.Results {
		outputs = append(outputs, map[string]interface{}{
			"step_id": sr.StepID,
			"output":  sr.Output,
		})
	}
	return map[string]interface{}{
		"agent_id": result.AgentID,
		"run_id":   result.RunID,
		"phase":    string(result.Phase),
		"summary":  result.Summary,
		"steps":    outputs,
	}, nil
}

func (r *Registry) String() string {
	return fmt.Sprintf("agent registry (%d kinds)", len(r.Kinds()))
}
