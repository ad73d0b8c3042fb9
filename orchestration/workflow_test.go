package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/dimensigon/aishell/core"
)

func toolStep(id, tool string, deps ...string) WorkflowStep {
	return WorkflowStep{
		ID:           id,
		Type:         StepTool,
		Dependencies: deps,
		Tool:         &ToolStepConfig{Tool: tool},
	}
}

func TestValidateWorkflowZeroSteps(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{ID: "empty"})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Zero-step workflow must be invalid, got %v", err)
	}
}

func TestValidateWorkflowMissingID(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{Steps: []WorkflowStep{toolStep("a", "echo")}})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Workflow without id must be invalid, got %v", err)
	}
}

func TestValidateWorkflowDuplicateStepIDs(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{
		ID:    "dup",
		Steps: []WorkflowStep{toolStep("a", "echo"), toolStep("a", "echo")},
	})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Duplicate step ids must be invalid, got %v", err)
	}
}

func TestValidateWorkflowUnknownDependency(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{
		ID:    "dangling",
		Steps: []WorkflowStep{toolStep("a", "echo", "ghost")},
	})
	if core.KindOf(err) != core.KindUnknownStep {
		t.Errorf("Unknown dependency must be UnknownStep, got %v", err)
	}
}

// Cycle rejection happens at registration; no run is started.
func TestValidateWorkflowCycle(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{
		ID: "cyclic",
		Steps: []WorkflowStep{
			toolStep("a", "echo", "b"),
			toolStep("b", "echo", "a"),
		},
	})
	if core.KindOf(err) != core.KindCyclicDependency {
		t.Errorf("Expected CyclicDependency, got %v", err)
	}
}

func TestValidateWorkflowConfigTypeMismatch(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{
		ID: "mismatch",
		Steps: []WorkflowStep{{
			ID:   "a",
			Type: StepTool,
			// Agent config on a tool step.
			Agent: &AgentStepConfig{Kind: "x"},
		}},
	})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Config mismatch must be invalid, got %v", err)
	}
}

func TestValidateWorkflowMultipleConfigs(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{
		ID: "double",
		Steps: []WorkflowStep{{
			ID:    "a",
			Type:  StepTool,
			Tool:  &ToolStepConfig{Tool: "echo"},
			Agent: &AgentStepConfig{Kind: "x"},
		}},
	})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Multiple configs must be invalid, got %v", err)
	}
}

func TestValidateWorkflowRetryBounds(t *testing.T) {
	bad := []RetryPolicy{
		{MaxAttempts: 0, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
		{MaxAttempts: 3, InitialDelay: -time.Millisecond, BackoffMultiplier: 2},
		{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 0.5},
	}
	for i, policy := range bad {
		p := policy
		step := toolStep("a", "echo")
		step.Retry = &p
		err := ValidateWorkflow(&WorkflowDefinition{ID: "r", Steps: []WorkflowStep{step}})
		if core.KindOf(err) != core.KindInvalidWorkflow {
			t.Errorf("case %d: bad retry policy must be invalid, got %v", i, err)
		}
	}
}

func TestValidateWorkflowConditionalBranchDependency(t *testing.T) {
	// Branch step without a dependency on the conditional is invalid.
	err := ValidateWorkflow(&WorkflowDefinition{
		ID: "cond",
		Steps: []WorkflowStep{
			{ID: "check", Type: StepConditional, Conditional: &ConditionalStepConfig{If: "x", Then: "yes"}},
			toolStep("yes", "echo"), // missing dependency on check
		},
	})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Branch without dependency must be invalid, got %v", err)
	}
}

func TestValidateWorkflowCustomNeedsCallable(t *testing.T) {
	err := ValidateWorkflow(&WorkflowDefinition{
		ID:    "custom",
		Steps: []WorkflowStep{{ID: "a", Type: StepCustom, Custom: &CustomStepConfig{}}},
	})
	if core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Custom step without callable must be invalid, got %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          35 * time.Millisecond,
	}
	expected := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		35 * time.Millisecond, // capped from 40
		35 * time.Millisecond,
	}
	for i, want := range expected {
		if got := p.Delay(i + 1); got != want {
			t.Errorf("Delay(%d): expected %s, got %s", i+1, want, got)
		}
	}
}

func TestParseWorkflowYAMLRoundTrip(t *testing.T) {
	def := &WorkflowDefinition{
		ID:   "pipeline",
		Name: "pipeline",
		Steps: []WorkflowStep{
			{
				ID:   "fetch",
				Type: StepTool,
				Tool: &ToolStepConfig{Tool: "query", Params: map[string]interface{}{"statement": "SELECT 1"}},
				Retry: &RetryPolicy{
					MaxAttempts:       3,
					InitialDelay:      10 * time.Millisecond,
					BackoffMultiplier: 2,
					MaxDelay:          time.Second,
					RetryOn:           []core.ErrorKind{core.KindTransient},
				},
				Timeout: 5 * time.Second,
			},
			{
				ID:           "archive",
				Type:         StepAgent,
				Dependencies: []string{"fetch"},
				OnFailure:    ContinueRun,
				Agent:        &AgentStepConfig{Kind: "database_backup", Task: map[string]interface{}{"destination": "s3"}},
			},
		},
	}

	data, err := MarshalWorkflowYAML(def)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := ParseWorkflowYAML(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if parsed.ID != def.ID || len(parsed.Steps) != len(def.Steps) {
		t.Fatalf("Round trip lost structure: %+v", parsed)
	}
	if parsed.Steps[0].Tool.Tool != "query" || parsed.Steps[0].Retry.MaxAttempts != 3 {
		t.Errorf("Step 0 not preserved: %+v", parsed.Steps[0])
	}
	if parsed.Steps[1].Agent.Kind != "database_backup" || parsed.Steps[1].OnFailure != ContinueRun {
		t.Errorf("Step 1 not preserved: %+v", parsed.Steps[1])
	}
}

// Unknown fields are rejected fail-closed.
func TestParseWorkflowYAMLStrict(t *testing.T) {
	doc := []byte(`
id: strict
name: strict
steps:
  - id: a
    type: tool
    tool_config:
      tool: echo
    surprise_field: true
`)
	if _, err := ParseWorkflowYAML(doc); core.KindOf(err) != core.KindInvalidWorkflow {
		t.Errorf("Unknown fields must be rejected, got %v", err)
	}
}

func TestCustomStepContextSignature(t *testing.T) {
	// Compile-time shape check for the custom-callable contract.
	step := WorkflowStep{
		ID:   "c",
		Type: StepCustom,
		Custom: &CustomStepConfig{
			Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
				return sc.State, nil
			},
		},
	}
	if err := ValidateWorkflow(&WorkflowDefinition{ID: "w", Steps: []WorkflowStep{step}}); err != nil {
		t.Errorf("Custom step should validate: %v", err)
	}
}
