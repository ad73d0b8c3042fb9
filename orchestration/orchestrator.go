package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dimensigon/aishell/coordination"
	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/safety"
	"github.com/dimensigon/aishell/telemetry"
)

// ToolInvoker is the safety controller's contract as the orchestrator
// consumes it.
type ToolInvoker interface {
	Invoke(ctx context.Context, call safety.ToolCall) (*safety.ToolResult, error)
}

// AgentRunner dispatches a task to a specialist agent and blocks until
// its terminal status. The agent package provides the implementation;
// the indirection keeps this package free of agent internals.
type AgentRunner interface {
	RunAgent(ctx context.Context, kind string, task map[string]interface{}) (interface{}, error)
}

// StepContext is what a custom step callable receives: an immutable
// state snapshot plus the coordination handles. Cancellation arrives
// through the callable's context.
type StepContext struct {
	RunID   string
	StepID  string
	Attempt int
	// State is a snapshot taken when the step started; mutations are
	// not visible to other steps. Step results flow through the
	// orchestrator only.
	State  map[string]interface{}
	Logger core.Logger
	Locks  *coordination.LockManager
	Queue  *coordination.TaskQueue
	Sync   *coordination.StateSync
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Store  StateStore
	Tools  ToolInvoker
	Agents AgentRunner
	Locks  *coordination.LockManager
	Queue  *coordination.TaskQueue
	Sync   *coordination.StateSync
	Config *core.Config
	Logger core.Logger
}

// Orchestrator registers workflow definitions and executes runs to a
// terminal status with bounded parallelism, per-step retry policies,
// and checkpointing after every step transition.
type Orchestrator struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowDefinition
	active    map[string]*activeRun

	store       StateStore
	tools       ToolInvoker
	agents      AgentRunner
	locks       *coordination.LockManager
	queue       *coordination.TaskQueue
	sync        *coordination.StateSync
	config      *core.Config
	logger      core.Logger
	activeCount int64
}

type activeRun struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// NewOrchestrator creates an orchestrator. Store is required; tool and
// agent execution degrade to errors when their collaborators are
// absent.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, core.Errorf(core.KindSchemaViolation, "orchestrator requires a state store")
	}
	if cfg.Config == nil {
		cfg.Config = core.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/orchestration")
	}

	return &Orchestrator{
		workflows: make(map[string]*WorkflowDefinition),
		active:    make(map[string]*activeRun),
		store:     cfg.Store,
		tools:     cfg.Tools,
		agents:    cfg.Agents,
		locks:     cfg.Locks,
		queue:     cfg.Queue,
		sync:      cfg.Sync,
		config:    cfg.Config,
		logger:    logger,
	}, nil
}

// RegisterWorkflow validates and stores a definition. Invalid
// definitions are rejected before any run can reference them.
func (o *Orchestrator) RegisterWorkflow(def *WorkflowDefinition) error {
	if err := ValidateWorkflow(def); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workflows[def.ID]; exists {
		return core.Errorf(core.KindInvalidWorkflow, "workflow %s already registered", def.ID)
	}
	o.workflows[def.ID] = def

	o.logger.Info("Workflow registered", map[string]interface{}{
		"workflow_id": def.ID,
		"step_count":  len(def.Steps),
	})
	return nil
}

// GetWorkflow returns a registered definition.
func (o *Orchestrator) GetWorkflow(id string) (*WorkflowDefinition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.workflows[id]
	if !ok {
		return nil, core.Errorf(core.KindUnknownStep, "workflow %s is not registered", id)
	}
	return def, nil
}

// ListWorkflows returns registered workflow IDs.
func (o *Orchestrator) ListWorkflows() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.workflows))
	for id := range o.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveExecutions returns the number of runs currently executing.
func (o *Orchestrator) ActiveExecutions() int {
	return int(atomic.LoadInt64(&o.activeCount))
}

// GetRun loads a run's materialized view.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	return o.store.GetRun(ctx, runID)
}

// AbortRun signals cancellation to a running workflow. Steps observe
// it at their next suspension point; the run drains to aborted.
func (o *Orchestrator) AbortRun(runID string) error {
	o.mu.RLock()
	run, ok := o.active[runID]
	o.mu.RUnlock()
	if !ok {
		return core.Errorf(core.KindUnknownStep, "run %s is not active", runID)
	}
	run.aborted.Store(true)
	run.cancel()
	return nil
}

// ExecuteWorkflow runs a registered workflow to a terminal status.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, initialState map[string]interface{}) (*WorkflowRun, error) {
	def, err := o.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	run := &WorkflowRun{
		RunID:      uuid.New().String(),
		WorkflowID: def.ID,
		Status:     RunRunning,
		StartedAt:  time.Now(),
		Steps:      make(map[string]*StepRecord, len(def.Steps)),
		State:      make(map[string]interface{}, len(initialState)),
	}
	for k, v := range initialState {
		run.State[k] = v
	}
	for i := range def.Steps {
		run.Steps[def.Steps[i].ID] = &StepRecord{StepID: def.Steps[i].ID, Status: StepPending}
	}

	return o.execute(ctx, def, run, false)
}

// ResumeRun continues a run recovered from the state store: steps that
// already reached a terminal state keep their outcome, a step that was
// in flight at the crash is re-executed from its recorded attempt.
// Tool steps rely on idempotency keys to make the replay harmless.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	run, err := RecoverRun(ctx, o.store, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	def, err := o.GetWorkflow(run.WorkflowID)
	if err != nil {
		return nil, err
	}
	for i := range def.Steps {
		if run.Steps[def.Steps[i].ID] == nil {
			run.Steps[def.Steps[i].ID] = &StepRecord{StepID: def.Steps[i].ID, Status: StepPending}
		}
	}
	run.Status = RunRunning

	o.logger.InfoWithContext(ctx, "Resuming workflow run", map[string]interface{}{
		"run_id":      runID,
		"workflow_id": run.WorkflowID,
	})
	return o.execute(ctx, def, run, true)
}

func (o *Orchestrator) execute(ctx context.Context, def *WorkflowDefinition, run *WorkflowRun, resumed bool) (*WorkflowRun, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if def.Timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, def.Timeout)
		defer tcancel()
	}

	state := &activeRun{cancel: cancel}
	o.mu.Lock()
	o.active[run.RunID] = state
	o.mu.Unlock()
	atomic.AddInt64(&o.activeCount, 1)
	defer func() {
		o.mu.Lock()
		delete(o.active, run.RunID)
		o.mu.Unlock()
		atomic.AddInt64(&o.activeCount, -1)
	}()

	telemetry.SetSpanAttributes(runCtx,
		attribute.String("aishell.run.id", run.RunID),
		attribute.String("aishell.workflow.id", def.ID),
		attribute.Int("aishell.workflow.step_count", len(def.Steps)),
	)

	if !resumed {
		o.appendEvent(runCtx, &Event{
			Type: EventRunStarted, RunID: run.RunID, Timestamp: run.StartedAt,
			Payload: mustJSON(map[string]interface{}{"workflow_id": def.ID}),
		})
	}
	o.checkpoint(runCtx, run)

	o.logger.InfoWithContext(runCtx, "Workflow run started", map[string]interface{}{
		"run_id":      run.RunID,
		"workflow_id": def.ID,
		"resumed":     resumed,
	})

	execErr := o.executeDAG(runCtx, def, run, state)

	ended := time.Now()
	run.EndedAt = &ended
	switch {
	case state.aborted.Load() || (runCtx.Err() != nil && execErr == nil):
		run.Status = RunAborted
	case execErr != nil || runCtx.Err() != nil:
		if runHasFailedStep(run) || execErr != nil {
			run.Status = RunFailed
		} else {
			run.Status = RunAborted
		}
	case runHasFailedStep(run):
		run.Status = RunFailed
	default:
		run.Status = RunSucceeded
	}

	eventType := EventRunCompleted
	if run.Status == RunAborted {
		eventType = EventRunAborted
	}
	o.appendEvent(runCtx, &Event{
		Type: eventType, RunID: run.RunID, Timestamp: ended,
		Payload: mustJSON(map[string]interface{}{"status": run.Status}),
	})
	o.checkpoint(runCtx, run)

	telemetry.AddSpanEvent(runCtx, "workflow_run_finished",
		attribute.String("run_id", run.RunID),
		attribute.String("status", string(run.Status)),
	)
	o.logger.InfoWithContext(runCtx, "Workflow run finished", map[string]interface{}{
		"run_id":      run.RunID,
		"workflow_id": def.ID,
		"status":      string(run.Status),
		"duration_ms": ended.Sub(run.StartedAt).Milliseconds(),
	})

	if execErr != nil {
		return run, execErr
	}
	return run, nil
}

func runHasFailedStep(run *WorkflowRun) bool {
	for _, record := range run.Steps {
		if record.Status == StepFailed {
			return true
		}
	}
	return false
}

// stepOutcome carries a finished step from its goroutine back to the
// scheduling loop.
type stepOutcome struct {
	stepID  string
	attempt int
	result  interface{}
	err     error
}

func (o *Orchestrator) executeDAG(ctx context.Context, def *WorkflowDefinition, run *WorkflowRun, state *activeRun) error {
	dag := NewWorkflowDAG()
	for i := range def.Steps {
		dag.AddNode(def.Steps[i].ID, def.Steps[i].Dependencies)
	}
	if err := dag.Validate(); err != nil {
		return err
	}

	// Seed the DAG from existing records on resume; terminal steps are
	// not re-run.
	for stepID, record := range run.Steps {
		switch record.Status {
		case StepSucceeded:
			dag.SetStatus(stepID, NodeCompleted)
		case StepSkipped:
			dag.SetStatus(stepID, NodeSkipped)
		case StepFailed:
			dag.SetStatus(stepID, NodeFailed)
		case StepCancelled, StepRunning:
			// Re-run: a cancelled or in-flight step resumes from its
			// recorded attempt.
			record.Status = StepPending
		}
	}

	// A resumed conditional keeps its decision: re-apply branch
	// steering so the untaken branch stays skipped.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Type != StepConditional {
			continue
		}
		if record := run.Steps[step.ID]; record != nil && record.Status == StepSucceeded {
			o.steerBranches(ctx, run, dag, step, record.Result)
		}
	}

	concurrency := def.Concurrency
	if concurrency <= 0 {
		concurrency = o.config.DefaultConcurrency
	}

	results := make(chan *stepOutcome, len(def.Steps))
	inflight := 0
	var failWorkflow error

	for {
		cancelled := ctx.Err() != nil

		if !cancelled && failWorkflow == nil {
			ready := dag.ReadyNodes()
			sort.Slice(ready, func(i, j int) bool {
				return def.stepIndex(ready[i]) < def.stepIndex(ready[j])
			})

			for _, stepID := range ready {
				if inflight >= concurrency {
					break
				}
				step := def.findStep(stepID)
				record := run.Steps[stepID]

				dag.SetStatus(stepID, NodeRunning)
				record.Status = StepRunning
				started := time.Now()
				record.StartedAt = &started
				if record.Attempt == 0 {
					record.Attempt = 1
				}

				o.appendEvent(ctx, &Event{
					Type: EventStepStarted, RunID: run.RunID, StepID: stepID,
					Attempt: record.Attempt, Timestamp: started,
				})
				o.checkpoint(ctx, run)

				snapshot := snapshotState(run.State)
				inflight++
				go o.runStep(ctx, def, run, step, record.Attempt, snapshot, results)
			}
		}

		if inflight == 0 {
			if cancelled || failWorkflow != nil {
				o.markUnfinished(ctx, run, dag, StepCancelled)
				return failWorkflow
			}
			if dag.IsComplete() {
				return nil
			}
			// Nothing running and nothing ready: the remaining pending
			// steps sit behind failed dependencies. They are skipped,
			// not failed.
			o.markUnfinished(ctx, run, dag, StepSkipped)
			return nil
		}

		outcome := <-results
		inflight--
		o.processOutcome(ctx, def, run, dag, outcome, &failWorkflow, state)
	}
}

// markUnfinished records every still-pending node with the given
// terminal status during shutdown paths.
func (o *Orchestrator) markUnfinished(ctx context.Context, run *WorkflowRun, dag *WorkflowDAG, status StepStatus) {
	var affected []string
	if status == StepCancelled {
		affected = dag.CancelPending()
	} else {
		for stepID, record := range run.Steps {
			if nodeStatus, ok := dag.Status(stepID); ok && nodeStatus == NodePending && !record.Status.Terminal() {
				dag.SetStatus(stepID, NodeSkipped)
				affected = append(affected, stepID)
			}
		}
	}

	now := time.Now()
	eventType := EventStepCancelled
	if status == StepSkipped {
		eventType = EventStepSkipped
	}
	for _, stepID := range affected {
		record := run.Steps[stepID]
		record.Status = status
		record.EndedAt = &now
		o.appendEvent(ctx, &Event{
			Type: eventType, RunID: run.RunID, StepID: stepID,
			Attempt: record.Attempt, Timestamp: now,
		})
	}
	if len(affected) > 0 {
		o.checkpoint(ctx, run)
	}
}

func (o *Orchestrator) processOutcome(ctx context.Context, def *WorkflowDefinition, run *WorkflowRun, dag *WorkflowDAG, outcome *stepOutcome, failWorkflow *error, state *activeRun) {
	step := def.findStep(outcome.stepID)
	record := run.Steps[outcome.stepID]
	ended := time.Now()
	record.EndedAt = &ended
	record.Attempt = outcome.attempt

	switch {
	case outcome.err == nil:
		record.Status = StepSucceeded
		record.Result = outcome.result
		run.State[outcome.stepID] = outcome.result
		dag.SetStatus(outcome.stepID, NodeCompleted)

		o.appendEvent(ctx, &Event{
			Type: EventStepCompleted, RunID: run.RunID, StepID: outcome.stepID,
			Attempt: outcome.attempt, Timestamp: ended,
			Payload: mustJSON(map[string]interface{}{"result": outcome.result}),
		})

		if step.Type == StepConditional {
			o.steerBranches(ctx, run, dag, step, outcome.result)
		}

	case core.KindOf(outcome.err) == core.KindCancelled:
		record.Status = StepCancelled
		record.ErrorKind = string(core.KindCancelled)
		record.ErrorMessage = outcome.err.Error()
		dag.SetStatus(outcome.stepID, NodeCancelled)

		o.appendEvent(ctx, &Event{
			Type: EventStepCancelled, RunID: run.RunID, StepID: outcome.stepID,
			Attempt: outcome.attempt, Timestamp: ended,
		})

	default:
		kind := core.KindOf(outcome.err)
		record.Status = StepFailed
		record.ErrorKind = string(kind)
		record.ErrorMessage = outcome.err.Error()
		dag.SetStatus(outcome.stepID, NodeFailed)

		o.appendEvent(ctx, &Event{
			Type: EventStepFailed, RunID: run.RunID, StepID: outcome.stepID,
			Attempt: outcome.attempt, Timestamp: ended,
			Payload: mustJSON(map[string]interface{}{
				"error_kind":    string(kind),
				"error_message": outcome.err.Error(),
			}),
		})

		o.logger.ErrorWithContext(ctx, "Workflow step failed", map[string]interface{}{
			"run_id":     run.RunID,
			"step_id":    outcome.stepID,
			"error_kind": string(kind),
			"error":      outcome.err.Error(),
			"attempts":   outcome.attempt,
		})

		policy := step.OnFailure
		if policy == "" {
			policy = FailWorkflow
		}
		switch policy {
		case FailWorkflow:
			if *failWorkflow == nil {
				*failWorkflow = fmt.Errorf("step %s failed: %w", outcome.stepID, outcome.err)
			}
			state.cancel()
		case ContinueRun, SkipDependents:
			// A failed dependency is unsatisfiable either way;
			// transitive dependents are skipped, not failed.
			o.skipDependents(ctx, run, dag, outcome.stepID)
		}
	}

	o.checkpoint(ctx, run)
}

func (o *Orchestrator) skipDependents(ctx context.Context, run *WorkflowRun, dag *WorkflowDAG, stepID string) {
	skipped := dag.SkipDependents(stepID)
	now := time.Now()
	for _, id := range skipped {
		record := run.Steps[id]
		record.Status = StepSkipped
		record.EndedAt = &now
		o.appendEvent(ctx, &Event{
			Type: EventStepSkipped, RunID: run.RunID, StepID: id, Timestamp: now,
		})
	}
}

// steerBranches applies a conditional's decision: the untaken branch
// and everything reachable only through it are skipped.
func (o *Orchestrator) steerBranches(ctx context.Context, run *WorkflowRun, dag *WorkflowDAG, step *WorkflowStep, result interface{}) {
	taken, ok := conditionalNext(result)
	if !ok {
		return
	}
	var other string
	switch taken {
	case step.Conditional.Then:
		other = step.Conditional.Else
	case step.Conditional.Else:
		other = step.Conditional.Then
	default:
		// False branch with no else step: nothing runs downstream.
		other = step.Conditional.Then
	}
	if other == "" {
		return
	}

	skipped := dag.SkipBranch(other)
	now := time.Now()
	for _, id := range skipped {
		record := run.Steps[id]
		record.Status = StepSkipped
		record.EndedAt = &now
		o.appendEvent(ctx, &Event{
			Type: EventStepSkipped, RunID: run.RunID, StepID: id, Timestamp: now,
		})
	}
}

// conditionalNext extracts the taken branch from a conditional's
// result. ok is false when the result is not a conditional payload.
func conditionalNext(result interface{}) (string, bool) {
	m, ok := result.(map[string]interface{})
	if !ok {
		return "", false
	}
	next, _ := m["next"].(string)
	return next, true
}

// runStep drives one step through its retry policy. Retries dispatch
// on the canonical error kind; rate-limited failures back off without
// consuming an attempt; cancellation pre-empts backoff sleeps.
func (o *Orchestrator) runStep(ctx context.Context, def *WorkflowDefinition, run *WorkflowRun, step *WorkflowStep, startAttempt int, snapshot map[string]interface{}, results chan<- *stepOutcome) {
	attempt := startAttempt
	if attempt < 1 {
		attempt = 1
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorWithContext(ctx, "Step panic", map[string]interface{}{
				"run_id":  run.RunID,
				"step_id": step.ID,
				"panic":   fmt.Sprintf("%v", r),
				"stack":   string(debug.Stack()),
			})
			results <- &stepOutcome{
				stepID:  step.ID,
				attempt: attempt,
				err:     core.Errorf(core.KindInternal, "step %s panicked: %v", step.ID, r),
			}
		}
	}()

	policy := step.Retry
	if policy == nil {
		policy = &RetryPolicy{
			MaxAttempts:       o.config.DefaultMaxAttempts,
			InitialDelay:      o.config.DefaultInitialDelay,
			BackoffMultiplier: o.config.DefaultBackoffMultiplier,
			MaxDelay:          o.config.DefaultMaxDelay,
			RetryOn:           []core.ErrorKind{core.KindTransient},
		}
	}

	for {
		result, err := o.executeStep(ctx, def, run, step, attempt, snapshot)
		if err == nil {
			results <- &stepOutcome{stepID: step.ID, attempt: attempt, result: result}
			return
		}

		kind := core.KindOf(err)
		if ctx.Err() != nil {
			kind = core.KindCancelled
			err = core.NewError("step "+step.ID, core.KindCancelled, ctx.Err())
		}

		switch {
		case kind == core.KindCancelled:
			results <- &stepOutcome{stepID: step.ID, attempt: attempt, err: err}
			return

		case kind == core.KindRateLimited:
			// Backpressure does not consume an attempt; wait out the
			// window and try again.
			if !o.sleep(ctx, policy.Delay(attempt)) {
				results <- &stepOutcome{stepID: step.ID, attempt: attempt,
					err: core.NewError("step "+step.ID, core.KindCancelled, ctx.Err())}
				return
			}

		case policy.retries(kind) && attempt < policy.MaxAttempts:
			delay := policy.Delay(attempt)
			o.logger.WarnWithContext(ctx, "Step retrying", map[string]interface{}{
				"run_id":     run.RunID,
				"step_id":    step.ID,
				"attempt":    attempt,
				"error_kind": string(kind),
				"delay_ms":   delay.Milliseconds(),
			})
			if !o.sleep(ctx, delay) {
				results <- &stepOutcome{stepID: step.ID, attempt: attempt,
					err: core.NewError("step "+step.ID, core.KindCancelled, ctx.Err())}
				return
			}
			attempt++

		default:
			results <- &stepOutcome{stepID: step.ID, attempt: attempt, err: err}
			return
		}
	}
}

// sleep waits for d, returning false when the context was cancelled
// first. Cancellation pre-empting retry backoff is part of the abort
// contract.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (o *Orchestrator) executeStep(ctx context.Context, def *WorkflowDefinition, run *WorkflowRun, step *WorkflowStep, attempt int, snapshot map[string]interface{}) (interface{}, error) {
	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	telemetry.AddSpanEvent(stepCtx, "workflow_step_started",
		attribute.String("step_id", step.ID),
		attribute.String("step_type", string(step.Type)),
		attribute.Int("attempt", attempt),
	)

	result, err := o.dispatchStep(stepCtx, def, run, step, attempt, snapshot)

	if err != nil && stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = core.NewError("step "+step.ID, core.KindTimeout, context.DeadlineExceeded)
	}
	if err != nil {
		telemetry.RecordSpanError(stepCtx, err)
		return nil, err
	}

	telemetry.AddSpanEvent(stepCtx, "workflow_step_completed",
		attribute.String("step_id", step.ID),
		attribute.Int("attempt", attempt),
	)
	return result, nil
}

func (o *Orchestrator) dispatchStep(ctx context.Context, def *WorkflowDefinition, run *WorkflowRun, step *WorkflowStep, attempt int, snapshot map[string]interface{}) (interface{}, error) {
	switch step.Type {
	case StepTool:
		if o.tools == nil {
			return nil, core.Errorf(core.KindInternal, "no tool invoker configured")
		}
		idempotencyKey := step.Tool.IdempotencyKey
		if idempotencyKey == "" {
			// Stable across crash recovery so replays deduplicate.
			idempotencyKey = run.RunID + ":" + step.ID
		}
		result, err := o.tools.Invoke(ctx, safety.ToolCall{
			Caller:         o.config.Name,
			RunID:          run.RunID,
			StepID:         step.ID,
			Tool:           step.Tool.Tool,
			Params:         resolveParams(step.Tool.Params, snapshot),
			IdempotencyKey: idempotencyKey,
			Reason:         step.Tool.Reason,
		})
		if err != nil {
			return nil, err
		}
		return result.Output, nil

	case StepConditional:
		branch := evaluateCondition(step.Conditional, snapshot)
		next := step.Conditional.Then
		if !branch {
			next = step.Conditional.Else
		}
		return map[string]interface{}{"branch": branch, "next": next}, nil

	case StepCustom:
		sc := &StepContext{
			RunID:   run.RunID,
			StepID:  step.ID,
			Attempt: attempt,
			State:   snapshot,
			Logger:  o.logger,
			Locks:   o.locks,
			Queue:   o.queue,
			Sync:    o.sync,
		}
		result, err := step.Custom.Fn(ctx, sc)
		if err != nil {
			// Callables that do not classify their errors surface as
			// Internal.
			if core.KindOf(err) == core.KindInternal {
				var ce *core.CoreError
				if !errors.As(err, &ce) {
					err = core.NewError("step "+step.ID, core.KindInternal, err)
				}
			}
			return nil, err
		}
		return result, nil

	case StepAgent:
		if o.agents == nil {
			return nil, core.Errorf(core.KindInternal, "no agent runner configured")
		}
		return o.agents.RunAgent(ctx, step.Agent.Kind, step.Agent.Task)

	case StepSubworkflow:
		child, err := o.ExecuteWorkflow(ctx, step.Subworkflow.WorkflowID, step.Subworkflow.InitialState)
		if err != nil {
			return nil, err
		}
		if child.Status != RunSucceeded {
			return nil, core.Errorf(core.KindInternal, "subworkflow %s ended %s",
				step.Subworkflow.WorkflowID, child.Status)
		}
		return child.State, nil

	default:
		return nil, core.Errorf(core.KindInvalidWorkflow, "step %s has unknown type %q", step.ID, step.Type)
	}
}

// evaluateCondition resolves the conditional's predicate against the
// state snapshot.
func evaluateCondition(cond *ConditionalStepConfig, snapshot map[string]interface{}) bool {
	if cond.Predicate != nil {
		return cond.Predicate(snapshot)
	}
	return truthy(lookupPath(snapshot, cond.If))
}

// lookupPath resolves a dotted reference like "check.healthy" against
// nested maps in the snapshot.
func lookupPath(state map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var current interface{} = state
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func truthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case int:
		return value != 0
	case int64:
		return value != 0
	case float64:
		return value != 0
	default:
		return true
	}
}

// resolveParams substitutes "${stepID.field}" references in tool
// parameters with values from the state snapshot.
func resolveParams(params, snapshot map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	resolved := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, snapshot)
	}
	return resolved
}

func resolveValue(value interface{}, snapshot map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if len(v) > 3 && strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			if resolved := lookupPath(snapshot, v[2:len(v)-1]); resolved != nil {
				return resolved
			}
		}
		return v
	case map[string]interface{}:
		return resolveParams(v, snapshot)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, snapshot)
		}
		return out
	default:
		return value
	}
}

func snapshotState(state map[string]interface{}) map[string]interface{} {
	snapshot := make(map[string]interface{}, len(state))
	for k, v := range state {
		snapshot[k] = v
	}
	return snapshot
}

// appendEvent writes to the run log. Event loss degrades recovery
// granularity but must not fail the run; failures are logged.
func (o *Orchestrator) appendEvent(ctx context.Context, event *Event) {
	if _, err := o.store.AppendEvent(contextWithoutCancel(ctx), event); err != nil {
		o.logger.ErrorWithContext(ctx, "Failed to append run event", map[string]interface{}{
			"run_id": event.RunID,
			"type":   string(event.Type),
			"error":  err.Error(),
		})
	}
}

// checkpoint persists the materialized view.
func (o *Orchestrator) checkpoint(ctx context.Context, run *WorkflowRun) {
	if err := o.store.SaveRun(contextWithoutCancel(ctx), run); err != nil {
		o.logger.ErrorWithContext(ctx, "Failed to checkpoint run", map[string]interface{}{
			"run_id": run.RunID,
			"error":  err.Error(),
		})
	}
}

// contextWithoutCancel keeps persistence working while a run is being
// aborted: the checkpoint recording the abort must itself land.
func contextWithoutCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
