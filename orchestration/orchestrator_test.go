package orchestration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/safety"
)

// fakeTools scripts tool behavior without the full safety stack.
type fakeTools struct {
	mu       sync.Mutex
	handlers map[string]func(call safety.ToolCall) (interface{}, error)
	calls    []safety.ToolCall
}

func newFakeTools() *fakeTools {
	return &fakeTools{handlers: make(map[string]func(call safety.ToolCall) (interface{}, error))}
}

func (f *fakeTools) on(tool string, fn func(call safety.ToolCall) (interface{}, error)) {
	f.handlers[tool] = fn
}

func (f *fakeTools) Invoke(ctx context.Context, call safety.ToolCall) (*safety.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler, ok := f.handlers[call.Tool]
	f.mu.Unlock()
	if !ok {
		return nil, core.Errorf(core.KindSchemaViolation, "unknown tool %s", call.Tool)
	}
	output, err := handler(call)
	if err != nil {
		return nil, err
	}
	return &safety.ToolResult{Tool: call.Tool, Output: output, Decision: safety.DecisionAutoApproved}, nil
}

func (f *fakeTools) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

type fakeAgents struct {
	fn func(kind string, task map[string]interface{}) (interface{}, error)
}

func (f *fakeAgents) RunAgent(ctx context.Context, kind string, task map[string]interface{}) (interface{}, error) {
	return f.fn(kind, task)
}

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.DefaultInitialDelay = time.Millisecond
	cfg.DefaultMaxDelay = 10 * time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T, tools ToolInvoker, agents AgentRunner) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(OrchestratorConfig{
		Store:  NewInMemoryStateStore(),
		Tools:  tools,
		Agents: agents,
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

// Linear success: B consumes A's output through the state map.
func TestOrchestratorLinearSuccess(t *testing.T) {
	tools := newFakeTools()
	tools.on("echo", func(call safety.ToolCall) (interface{}, error) {
		s, _ := call.Params["s"].(string)
		return map[string]interface{}{"output": s}, nil
	})
	o := newTestOrchestrator(t, tools, nil)

	def := &WorkflowDefinition{
		ID: "linear",
		Steps: []WorkflowStep{
			{ID: "A", Type: StepTool, Tool: &ToolStepConfig{Tool: "echo", Params: map[string]interface{}{"s": "x"}}},
			{ID: "B", Type: StepCustom, Dependencies: []string{"A"}, Custom: &CustomStepConfig{
				Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
					a, _ := sc.State["A"].(map[string]interface{})
					out, _ := a["output"].(string)
					return out + "y", nil
				},
			}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, err := o.ExecuteWorkflow(context.Background(), "linear", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}

	a, _ := run.State["A"].(map[string]interface{})
	if a["output"] != "x" {
		t.Errorf("state[A].output: expected x, got %v", a["output"])
	}
	if run.State["B"] != "xy" {
		t.Errorf("state[B]: expected xy, got %v", run.State["B"])
	}
}

// Diamond with retry: B fails transiently twice, C runs concurrently,
// D joins after both.
func TestOrchestratorDiamondWithRetry(t *testing.T) {
	var mu sync.Mutex
	bAttempts := 0
	bRunning, cRan := false, false
	overlapped := false

	tools := newFakeTools()
	tools.on("a", func(call safety.ToolCall) (interface{}, error) { return "a", nil })
	tools.on("flaky", func(call safety.ToolCall) (interface{}, error) {
		mu.Lock()
		bAttempts++
		attempt := bAttempts
		bRunning = true
		mu.Unlock()
		defer func() { mu.Lock(); bRunning = false; mu.Unlock() }()

		time.Sleep(5 * time.Millisecond)
		if attempt < 3 {
			return nil, core.Errorf(core.KindTransient, "flaky backend")
		}
		return "b", nil
	})
	tools.on("c", func(call safety.ToolCall) (interface{}, error) {
		mu.Lock()
		cRan = true
		mu.Unlock()
		// Sample for overlap across B's retry window.
		for i := 0; i < 20; i++ {
			mu.Lock()
			if bRunning {
				overlapped = true
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
		}
		return "c", nil
	})
	tools.on("d", func(call safety.ToolCall) (interface{}, error) { return "d", nil })

	o := newTestOrchestrator(t, tools, nil)
	def := &WorkflowDefinition{
		ID: "diamond",
		Steps: []WorkflowStep{
			{ID: "A", Type: StepTool, Tool: &ToolStepConfig{Tool: "a"}},
			{ID: "B", Type: StepTool, Dependencies: []string{"A"}, Tool: &ToolStepConfig{Tool: "flaky"},
				Retry: &RetryPolicy{
					MaxAttempts:       3,
					InitialDelay:      10 * time.Millisecond,
					BackoffMultiplier: 2,
					MaxDelay:          time.Second,
					RetryOn:           []core.ErrorKind{core.KindTransient},
				}},
			{ID: "C", Type: StepTool, Dependencies: []string{"A"}, Tool: &ToolStepConfig{Tool: "c"}},
			{ID: "D", Type: StepTool, Dependencies: []string{"B", "C"}, Tool: &ToolStepConfig{Tool: "d"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	start := time.Now()
	run, err := o.ExecuteWorkflow(context.Background(), "diamond", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	elapsed := time.Since(start)

	if run.Status != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if run.Steps["B"].Attempt != 3 {
		t.Errorf("B must take 3 attempts, got %d", run.Steps["B"].Attempt)
	}
	// Backoff floor: 10ms + 20ms between the three attempts.
	if elapsed < 30*time.Millisecond {
		t.Errorf("Retry backoff must apply, elapsed %s", elapsed)
	}
	if !cRan || !overlapped {
		t.Errorf("B and C must execute concurrently (cRan=%v overlapped=%v)", cRan, overlapped)
	}
	if run.Steps["D"].Status != StepSucceeded {
		t.Errorf("D must run after the join, got %s", run.Steps["D"].Status)
	}
}

// Cycle rejection: registration fails, no run starts.
func TestOrchestratorCycleRejection(t *testing.T) {
	o := newTestOrchestrator(t, newFakeTools(), nil)
	err := o.RegisterWorkflow(&WorkflowDefinition{
		ID: "cyclic",
		Steps: []WorkflowStep{
			toolStep("A", "echo", "B"),
			toolStep("B", "echo", "A"),
		},
	})
	if core.KindOf(err) != core.KindCyclicDependency {
		t.Fatalf("Expected CyclicDependency, got %v", err)
	}
	if got := o.ListWorkflows(); len(got) != 0 {
		t.Errorf("Cyclic workflow must not be registered: %v", got)
	}
}

// Abort during backoff: cancellation pre-empts the retry sleep.
func TestOrchestratorAbortDuringBackoff(t *testing.T) {
	runIDs := make(chan string, 1)
	o := newTestOrchestrator(t, newFakeTools(), nil)

	def := &WorkflowDefinition{
		ID: "backoff",
		Steps: []WorkflowStep{{
			ID:   "X",
			Type: StepCustom,
			Custom: &CustomStepConfig{
				Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
					select {
					case runIDs <- sc.RunID:
					default:
					}
					return nil, core.Errorf(core.KindTransient, "try again")
				},
			},
			Retry: &RetryPolicy{
				MaxAttempts:       5,
				InitialDelay:      10 * time.Second, // abort lands inside this sleep
				BackoffMultiplier: 2,
				MaxDelay:          10 * time.Second,
				RetryOn:           []core.ErrorKind{core.KindTransient},
			},
		}},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	type outcome struct {
		run *WorkflowRun
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		run, err := o.ExecuteWorkflow(context.Background(), "backoff", nil)
		done <- outcome{run, err}
	}()

	runID := <-runIDs
	time.Sleep(20 * time.Millisecond) // let the step enter its backoff sleep
	abortAt := time.Now()
	if err := o.AbortRun(runID); err != nil {
		t.Fatalf("AbortRun failed: %v", err)
	}

	select {
	case result := <-done:
		if drain := time.Since(abortAt); drain > 200*time.Millisecond {
			t.Errorf("Abort must pre-empt the backoff, drained in %s", drain)
		}
		if result.run.Status != RunAborted {
			t.Errorf("Expected aborted, got %s", result.run.Status)
		}
		if result.run.Steps["X"].Status != StepCancelled {
			t.Errorf("X must be cancelled, got %s", result.run.Steps["X"].Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Aborted run did not drain")
	}
}

func TestOrchestratorOnFailureContinue(t *testing.T) {
	tools := newFakeTools()
	tools.on("ok", func(call safety.ToolCall) (interface{}, error) { return "ok", nil })
	tools.on("broken", func(call safety.ToolCall) (interface{}, error) {
		return nil, core.Errorf(core.KindInternal, "boom")
	})

	o := newTestOrchestrator(t, tools, nil)
	def := &WorkflowDefinition{
		ID: "continue",
		Steps: []WorkflowStep{
			{ID: "bad", Type: StepTool, OnFailure: ContinueRun, Tool: &ToolStepConfig{Tool: "broken"}},
			{ID: "dependent", Type: StepTool, Dependencies: []string{"bad"}, Tool: &ToolStepConfig{Tool: "ok"}},
			{ID: "independent", Type: StepTool, Tool: &ToolStepConfig{Tool: "ok"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, _ := o.ExecuteWorkflow(context.Background(), "continue", nil)
	if run.Status != RunFailed {
		t.Errorf("Run with a failed step ends failed, got %s", run.Status)
	}
	if run.Steps["bad"].Status != StepFailed || run.Steps["bad"].ErrorKind != string(core.KindInternal) {
		t.Errorf("bad: %+v", run.Steps["bad"])
	}
	if run.Steps["dependent"].Status != StepSkipped {
		t.Errorf("Dependent of a failed step is skipped, got %s", run.Steps["dependent"].Status)
	}
	if run.Steps["independent"].Status != StepSucceeded {
		t.Errorf("Independent step still runs, got %s", run.Steps["independent"].Status)
	}
}

func TestOrchestratorOnFailureFailWorkflow(t *testing.T) {
	tools := newFakeTools()
	tools.on("broken", func(call safety.ToolCall) (interface{}, error) {
		return nil, core.Errorf(core.KindInternal, "boom")
	})

	o := newTestOrchestrator(t, tools, nil)
	def := &WorkflowDefinition{
		ID: "failfast",
		Steps: []WorkflowStep{
			{ID: "slow", Type: StepCustom, Custom: &CustomStepConfig{
				Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			}},
			{ID: "bad", Type: StepTool, OnFailure: FailWorkflow, Tool: &ToolStepConfig{Tool: "broken"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, err := o.ExecuteWorkflow(context.Background(), "failfast", nil)
	if err == nil {
		t.Fatal("fail_workflow must surface an error")
	}
	if run.Status != RunFailed {
		t.Errorf("Expected failed, got %s", run.Status)
	}
	if run.Steps["slow"].Status != StepCancelled {
		t.Errorf("In-flight step must be recorded cancelled, got %s", run.Steps["slow"].Status)
	}
}

// maxAttempts=1 runs exactly once, never retried.
func TestOrchestratorSingleAttempt(t *testing.T) {
	tools := newFakeTools()
	tools.on("broken", func(call safety.ToolCall) (interface{}, error) {
		return nil, core.Errorf(core.KindTransient, "still broken")
	})

	o := newTestOrchestrator(t, tools, nil)
	def := &WorkflowDefinition{
		ID: "once",
		Steps: []WorkflowStep{{
			ID: "A", Type: StepTool, OnFailure: ContinueRun,
			Tool: &ToolStepConfig{Tool: "broken"},
			Retry: &RetryPolicy{
				MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2,
				RetryOn: []core.ErrorKind{core.KindTransient},
			},
		}},
	}
	_ = o.RegisterWorkflow(def)

	run, _ := o.ExecuteWorkflow(context.Background(), "once", nil)
	if tools.callCount("broken") != 1 {
		t.Errorf("maxAttempts=1 must run exactly once, ran %d times", tools.callCount("broken"))
	}
	if run.Steps["A"].Attempt != 1 {
		t.Errorf("Recorded attempt must be 1, got %d", run.Steps["A"].Attempt)
	}
}

func TestOrchestratorStepTimeout(t *testing.T) {
	o := newTestOrchestrator(t, newFakeTools(), nil)
	def := &WorkflowDefinition{
		ID: "slow",
		Steps: []WorkflowStep{{
			ID: "S", Type: StepCustom, Timeout: 30 * time.Millisecond, OnFailure: ContinueRun,
			Custom: &CustomStepConfig{
				Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
					select {
					case <-time.After(5 * time.Second):
						return "too late", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
			},
		}},
	}
	_ = o.RegisterWorkflow(def)

	run, _ := o.ExecuteWorkflow(context.Background(), "slow", nil)
	if run.Steps["S"].Status != StepFailed || run.Steps["S"].ErrorKind != string(core.KindTimeout) {
		t.Errorf("Expected Timeout failure, got %+v", run.Steps["S"])
	}
}

func TestOrchestratorConditionalSteering(t *testing.T) {
	tools := newFakeTools()
	tools.on("then", func(call safety.ToolCall) (interface{}, error) { return "then-ran", nil })
	tools.on("else", func(call safety.ToolCall) (interface{}, error) { return "else-ran", nil })

	o := newTestOrchestrator(t, tools, nil)
	def := &WorkflowDefinition{
		ID: "branching",
		Steps: []WorkflowStep{
			{ID: "seed", Type: StepCustom, Custom: &CustomStepConfig{
				Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
					return map[string]interface{}{"healthy": true}, nil
				},
			}},
			{ID: "check", Type: StepConditional, Dependencies: []string{"seed"},
				Conditional: &ConditionalStepConfig{If: "seed.healthy", Then: "happy", Else: "sad"}},
			{ID: "happy", Type: StepTool, Dependencies: []string{"check"}, Tool: &ToolStepConfig{Tool: "then"}},
			{ID: "sad", Type: StepTool, Dependencies: []string{"check"}, Tool: &ToolStepConfig{Tool: "else"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, err := o.ExecuteWorkflow(context.Background(), "branching", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}

	check, _ := run.State["check"].(map[string]interface{})
	if check["branch"] != true || check["next"] != "happy" {
		t.Errorf("Conditional result: %+v", check)
	}
	if run.Steps["happy"].Status != StepSucceeded {
		t.Errorf("Taken branch must run: %s", run.Steps["happy"].Status)
	}
	if run.Steps["sad"].Status != StepSkipped {
		t.Errorf("Untaken branch must be skipped: %s", run.Steps["sad"].Status)
	}
	if tools.callCount("else") != 0 {
		t.Error("Untaken branch tool must never be invoked")
	}
}

func TestOrchestratorAgentStep(t *testing.T) {
	agents := &fakeAgents{fn: func(kind string, task map[string]interface{}) (interface{}, error) {
		if kind != "database_backup" {
			return nil, fmt.Errorf("unexpected kind %s", kind)
		}
		return map[string]interface{}{"phase": "completed"}, nil
	}}

	o := newTestOrchestrator(t, newFakeTools(), agents)
	def := &WorkflowDefinition{
		ID: "delegate",
		Steps: []WorkflowStep{{
			ID: "backup", Type: StepAgent,
			Agent: &AgentStepConfig{Kind: "database_backup", Task: map[string]interface{}{"destination": "s3"}},
		}},
	}
	_ = o.RegisterWorkflow(def)

	run, err := o.ExecuteWorkflow(context.Background(), "delegate", nil)
	if err != nil || run.Status != RunSucceeded {
		t.Fatalf("Agent step failed: %v %v", run, err)
	}
	result, _ := run.State["backup"].(map[string]interface{})
	if result["phase"] != "completed" {
		t.Errorf("Agent result must surface as step result: %+v", result)
	}
}

func TestOrchestratorSubworkflow(t *testing.T) {
	tools := newFakeTools()
	tools.on("echo", func(call safety.ToolCall) (interface{}, error) {
		return map[string]interface{}{"output": call.Params["s"]}, nil
	})

	o := newTestOrchestrator(t, tools, nil)
	child := &WorkflowDefinition{
		ID:    "child",
		Steps: []WorkflowStep{{ID: "inner", Type: StepTool, Tool: &ToolStepConfig{Tool: "echo", Params: map[string]interface{}{"s": "nested"}}}},
	}
	parent := &WorkflowDefinition{
		ID:    "parent",
		Steps: []WorkflowStep{{ID: "sub", Type: StepSubworkflow, Subworkflow: &SubworkflowStepConfig{WorkflowID: "child"}}},
	}
	_ = o.RegisterWorkflow(child)
	_ = o.RegisterWorkflow(parent)

	run, err := o.ExecuteWorkflow(context.Background(), "parent", nil)
	if err != nil || run.Status != RunSucceeded {
		t.Fatalf("Subworkflow run failed: %v %v", run, err)
	}

	childState, _ := run.State["sub"].(map[string]interface{})
	inner, _ := childState["inner"].(map[string]interface{})
	if inner["output"] != "nested" {
		t.Errorf("Child state must surface as the step result: %+v", childState)
	}
}

// Resume after a simulated crash: terminal steps keep their outcome,
// the rest re-run.
func TestOrchestratorResumeSkipsTerminalSteps(t *testing.T) {
	tools := newFakeTools()
	tools.on("a", func(call safety.ToolCall) (interface{}, error) { return "a-result", nil })
	tools.on("b", func(call safety.ToolCall) (interface{}, error) { return "b-result", nil })

	store := NewInMemoryStateStore()
	o, err := NewOrchestrator(OrchestratorConfig{Store: store, Tools: tools, Config: testConfig()})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	def := &WorkflowDefinition{
		ID: "resumable",
		Steps: []WorkflowStep{
			toolStep("A", "a"),
			toolStep("B", "b", "A"),
		},
	}
	_ = o.RegisterWorkflow(def)

	// Simulate a crash after A succeeded: persist the partial view.
	started := time.Now().Add(-time.Minute)
	ended := started.Add(time.Second)
	crashed := &WorkflowRun{
		RunID:      "crashed-run",
		WorkflowID: "resumable",
		Status:     RunRunning,
		StartedAt:  started,
		Steps: map[string]*StepRecord{
			"A": {StepID: "A", Attempt: 1, Status: StepSucceeded, StartedAt: &started, EndedAt: &ended, Result: "a-result"},
			"B": {StepID: "B", Attempt: 1, Status: StepRunning, StartedAt: &ended},
		},
		State: map[string]interface{}{"A": "a-result"},
	}
	if err := store.SaveRun(context.Background(), crashed); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	run, err := o.ResumeRun(context.Background(), "crashed-run")
	if err != nil {
		t.Fatalf("ResumeRun failed: %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if tools.callCount("a") != 0 {
		t.Errorf("Succeeded step must not re-run, a ran %d times", tools.callCount("a"))
	}
	if tools.callCount("b") != 1 {
		t.Errorf("In-flight step must re-run once, b ran %d times", tools.callCount("b"))
	}
	if run.State["B"] != "b-result" {
		t.Errorf("Resumed run must complete B: %v", run.State["B"])
	}
}

func TestOrchestratorExecuteUnknownWorkflow(t *testing.T) {
	o := newTestOrchestrator(t, newFakeTools(), nil)
	_, err := o.ExecuteWorkflow(context.Background(), "ghost", nil)
	if err == nil {
		t.Error("Unknown workflow must fail")
	}
}

func TestOrchestratorActiveExecutionsCount(t *testing.T) {
	o := newTestOrchestrator(t, newFakeTools(), nil)
	release := make(chan struct{})

	def := &WorkflowDefinition{
		ID: "counting",
		Steps: []WorkflowStep{{ID: "wait", Type: StepCustom, Custom: &CustomStepConfig{
			Fn: func(ctx context.Context, sc *StepContext) (interface{}, error) {
				<-release
				return nil, nil
			},
		}}},
	}
	_ = o.RegisterWorkflow(def)

	done := make(chan struct{})
	go func() {
		_, _ = o.ExecuteWorkflow(context.Background(), "counting", nil)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for o.ActiveExecutions() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Active count never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	<-done
	if o.ActiveExecutions() != 0 {
		t.Errorf("Active count must drop to 0, got %d", o.ActiveExecutions())
	}
}

func TestOrchestratorRecordsEventLog(t *testing.T) {
	tools := newFakeTools()
	tools.on("echo", func(call safety.ToolCall) (interface{}, error) { return "x", nil })

	store := NewInMemoryStateStore()
	o, _ := NewOrchestrator(OrchestratorConfig{Store: store, Tools: tools, Config: testConfig()})
	_ = o.RegisterWorkflow(&WorkflowDefinition{ID: "logged", Steps: []WorkflowStep{toolStep("A", "echo")}})

	run, err := o.ExecuteWorkflow(context.Background(), "logged", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	events, _ := store.Events(context.Background(), run.RunID)
	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventRunStarted, EventStepStarted, EventStepCompleted, EventRunCompleted}
	if len(types) != len(want) {
		t.Fatalf("Expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}
