package agent

import (
	"context"
	"testing"
	"time"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/resilience"
)

// scriptedLLM returns canned answers in order, then repeats the last.
type scriptedLLM struct {
	answers []string
	calls   int
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, options *core.LLMOptions) (*core.LLMResponse, error) {
	idx := s.calls
	if idx >= len(s.answers) {
		idx = len(s.answers) - 1
	}
	s.calls++
	return &core.LLMResponse{Text: s.answers[idx], FinishReason: "stop"}, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, prompt string, options *core.LLMOptions) (<-chan core.LLMChunk, error) {
	ch := make(chan core.LLMChunk, 1)
	resp, _ := s.Generate(ctx, prompt, options)
	ch <- core.LLMChunk{Text: resp.Text}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0}, nil
}

const validPlanJSON = `{
  "summary": "backup then optimize",
  "subtasks": [
    {"id": "backup", "agent": "database_backup", "task": {"destination": "s3"}},
    {"id": "optimize", "agent": "database_optimizer", "task": {"query": "SELECT 1"}, "depends_on": ["backup"]}
  ]
}`

var testKinds = []string{"database_backup", "database_optimizer"}

func TestPlannerAcceptsValidPlan(t *testing.T) {
	p := NewPlanner(&scriptedLLM{answers: []string{validPlanJSON}}, 3, nil)

	plan, err := p.Plan(context.Background(), "nightly maintenance", testKinds)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Subtasks) != 2 {
		t.Fatalf("Expected 2 subtasks: %+v", plan)
	}
	if plan.Subtasks[1].Dependencies[0] != "backup" {
		t.Errorf("Dependencies lost: %+v", plan.Subtasks[1])
	}
}

func TestPlannerStripsProseAroundJSON(t *testing.T) {
	wrapped := "Here is the plan you asked for:\n```json\n" + validPlanJSON + "\n```\nLet me know!"
	p := NewPlanner(&scriptedLLM{answers: []string{wrapped}}, 3, nil)

	plan, err := p.Plan(context.Background(), "task", testKinds)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Subtasks) != 2 {
		t.Errorf("Unexpected plan: %+v", plan)
	}
}

func TestPlannerReinvokesOnInvalidOutput(t *testing.T) {
	llm := &scriptedLLM{answers: []string{
		`not json at all`,
		`{"subtasks": [{"id": "x", "agent": "made_up_agent", "task": {}}]}`,
		validPlanJSON,
	}}
	p := NewPlanner(llm, 3, nil)

	plan, err := p.Plan(context.Background(), "task", testKinds)
	if err != nil {
		t.Fatalf("Plan failed after correction: %v", err)
	}
	if llm.calls != 3 {
		t.Errorf("Expected 3 invocations, got %d", llm.calls)
	}
	if len(plan.Subtasks) != 2 {
		t.Errorf("Unexpected plan: %+v", plan)
	}
}

func TestPlannerFailsAfterBound(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`garbage`}}
	p := NewPlanner(llm, 2, nil)

	_, err := p.Plan(context.Background(), "task", testKinds)
	if core.KindOf(err) != core.KindPlanningFailed {
		t.Fatalf("Expected PlanningFailed, got %v", err)
	}
	if llm.calls != 2 {
		t.Errorf("Invocation bound not honored: %d calls", llm.calls)
	}
}

type deadLLM struct{ scriptedLLM }

func (d *deadLLM) Generate(ctx context.Context, prompt string, options *core.LLMOptions) (*core.LLMResponse, error) {
	d.calls++
	return nil, core.Errorf(core.KindTransient, "provider unreachable")
}

func TestPlannerBreakerShortCircuits(t *testing.T) {
	llm := &deadLLM{}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "llm",
		FailureThreshold: 2,
		SleepWindow:      time.Hour,
	})
	p := NewPlanner(llm, 5, nil).WithBreaker(breaker)

	_, err := p.Plan(context.Background(), "task", testKinds)
	if err == nil {
		t.Fatal("Dead provider must fail planning")
	}
	// The breaker opens after two failures; the remaining budget is
	// not spent on a dead backend.
	if llm.calls != 2 {
		t.Errorf("Expected 2 provider calls before the breaker opened, got %d", llm.calls)
	}
}

func TestParsePlanRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty subtasks", `{"subtasks": []}`},
		{"unknown agent", `{"subtasks": [{"id": "a", "agent": "nope", "task": {}}]}`},
		{"duplicate ids", `{"subtasks": [{"id": "a", "agent": "database_backup", "task": {}}, {"id": "a", "agent": "database_backup", "task": {}}]}`},
		{"missing id", `{"subtasks": [{"agent": "database_backup", "task": {}}]}`},
		{"dangling dependency", `{"subtasks": [{"id": "a", "agent": "database_backup", "task": {}, "depends_on": ["ghost"]}]}`},
		{"cyclic dependencies", `{"subtasks": [
			{"id": "a", "agent": "database_backup", "task": {}, "depends_on": ["b"]},
			{"id": "b", "agent": "database_backup", "task": {}, "depends_on": ["a"]}]}`},
		{"unknown fields", `{"subtasks": [{"id": "a", "agent": "database_backup", "task": {}, "surprise": 1}]}`},
	}

	for _, tc := range cases {
		if _, err := parsePlan(tc.raw, testKinds); err == nil {
			t.Errorf("%s: plan must be rejected", tc.name)
		}
	}
}
