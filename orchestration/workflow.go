package orchestration

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dimensigon/aishell/core"
)

// StepType discriminates the step config union.
type StepType string

const (
	StepTool        StepType = "tool"
	StepConditional StepType = "conditional"
	StepCustom      StepType = "custom"
	StepAgent       StepType = "agent"
	StepSubworkflow StepType = "subworkflow"
)

// OnFailure selects what a step failure does to the rest of the run.
type OnFailure string

const (
	// FailWorkflow ends the run failed; in-flight steps cancel.
	FailWorkflow OnFailure = "fail_workflow"
	// ContinueRun records the failure and keeps executing steps whose
	// dependencies are still satisfiable.
	ContinueRun OnFailure = "continue"
	// SkipDependents marks transitive dependents skipped, not failed.
	SkipDependents OnFailure = "skip_dependents"
)

// RetryPolicy bounds per-step retries. Delays follow
// initialDelay * multiplier^(attempt-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts       int              `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration    `yaml:"initial_delay" json:"initial_delay"`
	BackoffMultiplier float64          `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxDelay          time.Duration    `yaml:"max_delay" json:"max_delay"`
	RetryOn           []core.ErrorKind `yaml:"retry_on" json:"retry_on"`
}

// Delay returns the backoff before the given retry (1-based).
func (p *RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < retry; i++ {
		delay *= p.BackoffMultiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func (p *RetryPolicy) retries(kind core.ErrorKind) bool {
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// ToolStepConfig invokes a registered tool through the safety
// controller.
type ToolStepConfig struct {
	Tool   string                 `yaml:"tool" json:"tool"`
	Params map[string]interface{} `yaml:"params" json:"params"`
	// IdempotencyKey lets the tool layer deduplicate replayed calls
	// after crash recovery. Empty derives one from run and step IDs.
	IdempotencyKey string `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	Reason         string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// ConditionalStepConfig evaluates a predicate over the run state and
// steers execution to one of two branch steps. The branch not taken is
// skipped along with dependents reachable only through it.
type ConditionalStepConfig struct {
	// If references a state entry, e.g. "check.healthy" for field
	// "healthy" of step "check"'s result. Truthiness: false for nil,
	// false, zero numbers, and empty strings.
	If string `yaml:"if" json:"if"`
	// Predicate overrides If for programmatic workflows.
	Predicate func(state map[string]interface{}) bool `yaml:"-" json:"-"`

	Then string `yaml:"then" json:"then"`
	Else string `yaml:"else,omitempty" json:"else,omitempty"`
}

// CustomStepConfig runs an inline callable with the execution context.
type CustomStepConfig struct {
	Fn func(ctx context.Context, sc *StepContext) (interface{}, error) `yaml:"-" json:"-"`
}

// AgentStepConfig dispatches a task to a specialist agent and waits
// for its terminal status.
type AgentStepConfig struct {
	Kind string                 `yaml:"kind" json:"kind"`
	Task map[string]interface{} `yaml:"task" json:"task"`
}

// SubworkflowStepConfig executes a registered workflow recursively.
type SubworkflowStepConfig struct {
	WorkflowID string `yaml:"workflow_id" json:"workflow_id"`
	// InitialState seeds the child run; the parent's state is not
	// inherited implicitly.
	InitialState map[string]interface{} `yaml:"initial_state,omitempty" json:"initial_state,omitempty"`
}

// WorkflowStep is one node of the workflow graph. Exactly one of the
// config fields matching Type must be set.
type WorkflowStep struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name,omitempty" json:"name,omitempty"`
	Type         StepType  `yaml:"type" json:"type"`
	Dependencies []string  `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	OnFailure    OnFailure `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	Retry   *RetryPolicy  `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Tool        *ToolStepConfig        `yaml:"tool_config,omitempty" json:"tool_config,omitempty"`
	Conditional *ConditionalStepConfig `yaml:"conditional,omitempty" json:"conditional,omitempty"`
	Custom      *CustomStepConfig      `yaml:"-" json:"-"`
	Agent       *AgentStepConfig       `yaml:"agent,omitempty" json:"agent,omitempty"`
	Subworkflow *SubworkflowStepConfig `yaml:"subworkflow,omitempty" json:"subworkflow,omitempty"`
}

// WorkflowDefinition is a declarative DAG of steps. Definitions are
// immutable once registered.
type WorkflowDefinition struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []WorkflowStep `yaml:"steps" json:"steps"`

	// Timeout bounds the whole run; exceeding it aborts.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Concurrency caps parallel steps for this workflow. Zero uses
	// the orchestrator default.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// ParseWorkflowYAML decodes a workflow document. Unknown fields are
// rejected: definitions are a stable contract and decode fail-closed.
func ParseWorkflowYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		return nil, core.NewError("workflow.Parse", core.KindInvalidWorkflow, err)
	}
	if err := ValidateWorkflow(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// MarshalWorkflowYAML serializes a definition. Parse(Marshal(def)) is
// the identity for declarative (non-callable) workflows.
func MarshalWorkflowYAML(def *WorkflowDefinition) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, core.NewError("workflow.Marshal", core.KindInternal, err)
	}
	return data, nil
}

// ValidateWorkflow checks a definition's static contract: non-empty
// unique step IDs, resolvable acyclic dependencies, a config matching
// each step's type, and sane retry policies.
func ValidateWorkflow(def *WorkflowDefinition) error {
	if def.ID == "" {
		return core.Errorf(core.KindInvalidWorkflow, "workflow id is required")
	}
	if len(def.Steps) == 0 {
		return core.Errorf(core.KindInvalidWorkflow, "workflow %s has no steps", def.ID)
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %d has no id", def.ID, i)
		}
		if stepIDs[step.ID] {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: duplicate step id %s", def.ID, step.ID)
		}
		stepIDs[step.ID] = true

		if err := validateStep(def, step); err != nil {
			return err
		}
	}

	for i := range def.Steps {
		for _, dep := range def.Steps[i].Dependencies {
			if !stepIDs[dep] {
				return core.Errorf(core.KindUnknownStep, "workflow %s: step %s depends on unknown step %s",
					def.ID, def.Steps[i].ID, dep)
			}
		}
	}

	dag := NewWorkflowDAG()
	for i := range def.Steps {
		dag.AddNode(def.Steps[i].ID, def.Steps[i].Dependencies)
	}
	if err := dag.Validate(); err != nil {
		// Preserve the cycle/unknown-step kind but flag the workflow.
		return core.NewError("workflow.Validate", core.KindOf(err), err)
	}

	return nil
}

func validateStep(def *WorkflowDefinition, step *WorkflowStep) error {
	configs := 0
	if step.Tool != nil {
		configs++
	}
	if step.Conditional != nil {
		configs++
	}
	if step.Custom != nil {
		configs++
	}
	if step.Agent != nil {
		configs++
	}
	if step.Subworkflow != nil {
		configs++
	}
	if configs != 1 {
		return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s must carry exactly one config, has %d",
			def.ID, step.ID, configs)
	}

	switch step.Type {
	case StepTool:
		if step.Tool == nil {
			return stepConfigMismatch(def, step)
		}
		if step.Tool.Tool == "" {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s names no tool", def.ID, step.ID)
		}
	case StepConditional:
		if step.Conditional == nil {
			return stepConfigMismatch(def, step)
		}
		cond := step.Conditional
		if cond.If == "" && cond.Predicate == nil {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s has no predicate", def.ID, step.ID)
		}
		if cond.Then == "" {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s has no then branch", def.ID, step.ID)
		}
	case StepCustom:
		if step.Custom == nil || step.Custom.Fn == nil {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s has no callable", def.ID, step.ID)
		}
	case StepAgent:
		if step.Agent == nil {
			return stepConfigMismatch(def, step)
		}
		if step.Agent.Kind == "" {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s names no agent kind", def.ID, step.ID)
		}
	case StepSubworkflow:
		if step.Subworkflow == nil {
			return stepConfigMismatch(def, step)
		}
		if step.Subworkflow.WorkflowID == "" {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s names no subworkflow", def.ID, step.ID)
		}
	default:
		return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s has unknown type %q", def.ID, step.ID, step.Type)
	}

	switch step.OnFailure {
	case "", FailWorkflow, ContinueRun, SkipDependents:
	default:
		return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s has unknown on_failure %q",
			def.ID, step.ID, step.OnFailure)
	}

	if step.Retry != nil {
		r := step.Retry
		if r.MaxAttempts < 1 {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s retry max_attempts must be >= 1",
				def.ID, step.ID)
		}
		if r.InitialDelay < 0 || r.MaxDelay < 0 {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s retry delays must be non-negative",
				def.ID, step.ID)
		}
		if r.BackoffMultiplier < 1 {
			return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s retry multiplier must be >= 1",
				def.ID, step.ID)
		}
	}
	if step.Timeout < 0 {
		return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s timeout must be non-negative", def.ID, step.ID)
	}

	// Conditional branches must reference steps that depend on the
	// conditional, otherwise branch steering cannot hold them back.
	if step.Type == StepConditional {
		for _, branch := range []string{step.Conditional.Then, step.Conditional.Else} {
			if branch == "" {
				continue
			}
			found := false
			for i := range def.Steps {
				if def.Steps[i].ID != branch {
					continue
				}
				for _, dep := range def.Steps[i].Dependencies {
					if dep == step.ID {
						found = true
						break
					}
				}
			}
			if !found {
				return core.Errorf(core.KindInvalidWorkflow,
					"workflow %s: branch %s of conditional %s must declare a dependency on it",
					def.ID, branch, step.ID)
			}
		}
	}

	return nil
}

func stepConfigMismatch(def *WorkflowDefinition, step *WorkflowStep) error {
	return core.Errorf(core.KindInvalidWorkflow, "workflow %s: step %s config does not match type %q",
		def.ID, step.ID, step.Type)
}

// findStep returns the definition of a step by ID.
func (def *WorkflowDefinition) findStep(stepID string) *WorkflowStep {
	for i := range def.Steps {
		if def.Steps[i].ID == stepID {
			return &def.Steps[i]
		}
	}
	return nil
}

// stepIndex returns the declaration position of a step, for ordering
// ready siblings deterministically.
func (def *WorkflowDefinition) stepIndex(stepID string) int {
	for i := range def.Steps {
		if def.Steps[i].ID == stepID {
			return i
		}
	}
	return len(def.Steps)
}

func (def *WorkflowDefinition) String() string {
	return fmt.Sprintf("workflow %s (%d steps)", def.ID, len(def.Steps))
}
