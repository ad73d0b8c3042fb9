package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/resilience"
)

// Subtask is one planned unit of delegated work.
type Subtask struct {
	ID           string                 `json:"id"`
	AgentKind    string                 `json:"agent"`
	Task         map[string]interface{} `json:"task"`
	Dependencies []string               `json:"depends_on,omitempty"`
}

// TaskPlan is the validated output of the LLM planner.
type TaskPlan struct {
	Summary  string    `json:"summary,omitempty"`
	Subtasks []Subtask `json:"subtasks"`
}

// Planner turns a high-level task into a dependency-ordered set of
// subtasks bound to registered agent kinds. The LLM is untrusted: its
// output is validated structurally and re-requested on violations up
// to the invocation bound before the planner fails.
type Planner struct {
	llm            core.LLMClient
	breaker        *resilience.CircuitBreaker
	maxInvocations int
	logger         core.Logger
}

// WithBreaker protects LLM invocations with the given circuit breaker.
// Sustained provider failures then short-circuit planning instead of
// burning the invocation budget on a dead backend.
func (p *Planner) WithBreaker(cb *resilience.CircuitBreaker) *Planner {
	p.breaker = cb
	return p
}

// NewPlanner creates a planner.
func NewPlanner(llm core.LLMClient, maxInvocations int, logger core.Logger) *Planner {
	if maxInvocations <= 0 {
		maxInvocations = 3
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/agent")
	}
	return &Planner{llm: llm, maxInvocations: maxInvocations, logger: logger}
}

const plannerPromptTemplate = `You are a task planner for a database operations system.
Decompose the task below into subtasks for the available specialist agents.

Available agent kinds: %s

Respond with ONLY a JSON object of this exact shape:
{"summary": "...", "subtasks": [{"id": "unique-id", "agent": "<agent kind>", "task": {...}, "depends_on": ["other-id"]}]}

Rules:
- every "agent" must be one of the available kinds
- "depends_on" may only reference other subtask ids
- keep the plan minimal

Task: %s`

// Plan produces a validated plan for the task. Kinds restricts the
// agent kinds the plan may bind.
func (p *Planner) Plan(ctx context.Context, task string, kinds []string) (*TaskPlan, error) {
	if p.llm == nil {
		return nil, core.Errorf(core.KindPlanningFailed, "planner requires an LLM client")
	}
	if len(kinds) == 0 {
		return nil, core.Errorf(core.KindPlanningFailed, "planner has no agent kinds to bind")
	}

	prompt := fmt.Sprintf(plannerPromptTemplate, strings.Join(kinds, ", "), task)
	var lastErr error

	for attempt := 1; attempt <= p.maxInvocations; attempt++ {
		select {
		case <-ctx.Done():
			return nil, core.NewError("planner.Plan", core.KindCancelled, ctx.Err())
		default:
		}

		resp, err := p.generate(ctx, prompt)
		if err != nil {
			if core.KindOf(err) == core.KindTransient {
				lastErr = err
				continue
			}
			return nil, core.NewError("planner.Plan", core.KindPlanningFailed, err)
		}

		plan, verr := parsePlan(resp.Text, kinds)
		if verr == nil {
			return plan, nil
		}
		lastErr = verr
		p.logger.WarnWithContext(ctx, "Planner output rejected", map[string]interface{}{
			"attempt": attempt,
			"error":   verr.Error(),
		})
		// Feed the violation back so the next attempt can correct it.
		prompt = fmt.Sprintf("%s\n\nYour previous answer was rejected: %s\nReturn corrected JSON only.",
			prompt, verr.Error())
	}

	return nil, core.NewError("planner.Plan", core.KindPlanningFailed,
		fmt.Errorf("no valid plan after %d invocations: %w", p.maxInvocations, lastErr))
}

func (p *Planner) generate(ctx context.Context, prompt string) (*core.LLMResponse, error) {
	opts := &core.LLMOptions{
		MaxTokens:    2048,
		SystemPrompt: "You produce machine-readable JSON plans. Output nothing but JSON.",
	}
	if p.breaker == nil {
		return p.llm.Generate(ctx, prompt, opts)
	}
	var resp *core.LLMResponse
	err := p.breaker.Execute(ctx, func() error {
		r, gerr := p.llm.Generate(ctx, prompt, opts)
		if gerr != nil {
			return gerr
		}
		resp = r
		return nil
	})
	return resp, err
}

// parsePlan decodes and validates a raw planner answer. Validation is
// fail-closed: unknown kinds, dangling or cyclic dependencies, and
// duplicate IDs all reject the plan.
func parsePlan(raw string, kinds []string) (*TaskPlan, error) {
	raw = extractJSON(raw)
	if raw == "" {
		return nil, core.Errorf(core.KindSchemaViolation, "planner answer contains no JSON object")
	}

	var plan TaskPlan
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&plan); err != nil {
		return nil, core.NewError("planner.parse", core.KindSchemaViolation, err)
	}

	if len(plan.Subtasks) == 0 {
		return nil, core.Errorf(core.KindSchemaViolation, "plan has no subtasks")
	}

	known := make(map[string]bool, len(kinds))
	for _, kind := range kinds {
		known[kind] = true
	}

	ids := make(map[string]bool, len(plan.Subtasks))
	for i := range plan.Subtasks {
		st := &plan.Subtasks[i]
		if st.ID == "" {
			return nil, core.Errorf(core.KindSchemaViolation, "subtask %d has no id", i)
		}
		if ids[st.ID] {
			return nil, core.Errorf(core.KindSchemaViolation, "duplicate subtask id %q", st.ID)
		}
		ids[st.ID] = true
		if !known[st.AgentKind] {
			return nil, core.Errorf(core.KindSchemaViolation, "subtask %q binds unknown agent kind %q", st.ID, st.AgentKind)
		}
		if st.Task == nil {
			st.Task = map[string]interface{}{}
		}
	}

	for i := range plan.Subtasks {
		for _, dep := range plan.Subtasks[i].Dependencies {
			if !ids[dep] {
				return nil, core.Errorf(core.KindSchemaViolation, "subtask %q depends on unknown id %q",
					plan.Subtasks[i].ID, dep)
			}
		}
	}

	if hasCycle(plan.Subtasks) {
		return nil, core.Errorf(core.KindSchemaViolation, "plan dependencies contain a cycle")
	}

	return &plan, nil
}

// extractJSON pulls the outermost JSON object out of an answer that
// may carry prose or fencing around it.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func hasCycle(subtasks []Subtask) bool {
	deps := make(map[string][]string, len(subtasks))
	for i := range subtasks {
		deps[subtasks[i].ID] = subtasks[i].Dependencies
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}

	for id := range deps {
		if visit(id) {
			return true
		}
	}
	return false
}
