package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/orchestration"
	"github.com/dimensigon/aishell/telemetry"
)

// AggregationPolicy selects how subtask outcomes combine.
type AggregationPolicy string

const (
	// AggregateAll fails the coordination when any subtask fails.
	AggregateAll AggregationPolicy = "all"
	// AggregateBestEffort returns partial results with a failure
	// summary.
	AggregateBestEffort AggregationPolicy = "best_effort"
	// AggregateQuorum succeeds when at least Quorum subtasks succeed.
	AggregateQuorum AggregationPolicy = "quorum"
)

// CoordinateOptions configures one coordination.
type CoordinateOptions struct {
	Aggregation AggregationPolicy
	// Quorum is required for AggregateQuorum.
	Quorum int
}

// SubtaskRecord is one dispatched subtask's outcome.
type SubtaskRecord struct {
	ID        string      `json:"id"`
	AgentKind string      `json:"agent_kind"`
	Status    string      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// CoordinationResult is the aggregate outcome of a coordinated task.
type CoordinationResult struct {
	Status    string          `json:"status"` // succeeded | failed | partial
	Summary   string          `json:"summary,omitempty"`
	Subtasks  []SubtaskRecord `json:"subtasks"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// Coordinator decomposes a high-level task into a DAG of subtasks
// bound to specialist agents, dispatches them through the workflow
// orchestrator, and aggregates the results.
type Coordinator struct {
	planner      *Planner
	registry     *Registry
	orchestrator *orchestration.Orchestrator
	logger       core.Logger
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Planner      *Planner
	Registry     *Registry
	Orchestrator *orchestration.Orchestrator
	Logger       core.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Planner == nil || cfg.Registry == nil || cfg.Orchestrator == nil {
		return nil, core.Errorf(core.KindSchemaViolation,
			"coordinator requires a planner, an agent registry, and an orchestrator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/agent")
	}
	return &Coordinator{
		planner:      cfg.Planner,
		registry:     cfg.Registry,
		orchestrator: cfg.Orchestrator,
		logger:       logger,
	}, nil
}

// Coordinate plans and executes a high-level task. Subtask parallelism
// follows the planned dependency graph; the aggregation policy decides
// the overall outcome.
func (c *Coordinator) Coordinate(ctx context.Context, task string, opts CoordinateOptions) (*CoordinationResult, error) {
	if opts.Aggregation == "" {
		opts.Aggregation = AggregateAll
	}
	if opts.Aggregation == AggregateQuorum && opts.Quorum <= 0 {
		return nil, core.Errorf(core.KindSchemaViolation, "quorum aggregation requires a positive quorum")
	}

	plan, err := c.planner.Plan(ctx, task, c.registry.Kinds())
	if err != nil {
		return nil, err
	}

	telemetry.AddSpanEvent(ctx, "coordination_planned",
		attribute.Int("subtask_count", len(plan.Subtasks)),
	)
	c.logger.InfoWithContext(ctx, "Coordination plan ready", map[string]interface{}{
		"subtasks": len(plan.Subtasks),
		"summary":  plan.Summary,
	})

	def := c.buildWorkflow(plan, opts)
	if err := c.orchestrator.RegisterWorkflow(def); err != nil {
		return nil, err
	}

	run, runErr := c.orchestrator.ExecuteWorkflow(ctx, def.ID, nil)
	if run == nil {
		return nil, runErr
	}

	result := c.aggregate(plan, run, opts)
	c.logger.InfoWithContext(ctx, "Coordination finished", map[string]interface{}{
		"status":    result.Status,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	})

	if result.Status == "failed" {
		return result, core.Errorf(core.KindValidationFailed, "coordination failed: %s", result.Summary)
	}
	return result, nil
}

// buildWorkflow turns a plan into an internal workflow of agent steps.
// Failure policy is continue for quorum and best-effort aggregation so
// independent subtasks still run after one fails.
func (c *Coordinator) buildWorkflow(plan *TaskPlan, opts CoordinateOptions) *orchestration.WorkflowDefinition {
	onFailure := orchestration.ContinueRun
	if opts.Aggregation == AggregateAll {
		onFailure = orchestration.FailWorkflow
	}

	steps := make([]orchestration.WorkflowStep, 0, len(plan.Subtasks))
	for i := range plan.Subtasks {
		st := plan.Subtasks[i]
		steps = append(steps, orchestration.WorkflowStep{
			ID:           st.ID,
			Type:         orchestration.StepAgent,
			Dependencies: st.Dependencies,
			OnFailure:    onFailure,
			Agent: &orchestration.AgentStepConfig{
				Kind: st.AgentKind,
				Task: st.Task,
			},
		})
	}

	return &orchestration.WorkflowDefinition{
		ID:          "coordination-" + uuid.New().String(),
		Name:        "coordination",
		Description: plan.Summary,
		Steps:       steps,
	}
}

func (c *Coordinator) aggregate(plan *TaskPlan, run *orchestration.WorkflowRun, opts CoordinateOptions) *CoordinationResult {
	result := &CoordinationResult{Summary: plan.Summary}

	for i := range plan.Subtasks {
		st := plan.Subtasks[i]
		record := SubtaskRecord{ID: st.ID, AgentKind: st.AgentKind}
		if step, ok := run.Steps[st.ID]; ok {
			record.Status = string(step.Status)
			record.Result = step.Result
			record.ErrorKind = step.ErrorKind
			record.Error = step.ErrorMessage
			switch step.Status {
			case orchestration.StepSucceeded:
				result.Succeeded++
			case orchestration.StepFailed:
				result.Failed++
			}
		} else {
			record.Status = string(orchestration.StepPending)
		}
		result.Subtasks = append(result.Subtasks, record)
	}

	total := len(plan.Subtasks)
	switch opts.Aggregation {
	case AggregateBestEffort:
		if result.Succeeded == total {
			result.Status = "succeeded"
		} else {
			result.Status = "partial"
			result.Summary = fmt.Sprintf("%d of %d subtasks succeeded", result.Succeeded, total)
		}
	case AggregateQuorum:
		if result.Succeeded >= opts.Quorum {
			result.Status = "succeeded"
		} else {
			result.Status = "failed"
			result.Summary = fmt.Sprintf("quorum not met: %d of %d required successes", result.Succeeded, opts.Quorum)
		}
	default: // AggregateAll
		if result.Succeeded == total {
			result.Status = "succeeded"
		} else {
			result.Status = "failed"
			result.Summary = fmt.Sprintf("%d of %d subtasks failed", total-result.Succeeded, total)
		}
	}

	return result
}
