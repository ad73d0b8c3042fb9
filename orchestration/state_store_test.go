package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dimensigon/aishell/core"
)

func TestInMemoryStateStoreRoundTrip(t *testing.T) {
	store := NewInMemoryStateStore()
	ctx := context.Background()

	run := &WorkflowRun{
		RunID:      "r1",
		WorkflowID: "w1",
		Status:     RunRunning,
		StartedAt:  time.Now(),
		Steps:      map[string]*StepRecord{"A": {StepID: "A", Status: StepSucceeded, Result: "x"}},
		State:      map[string]interface{}{"A": "x"},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded.WorkflowID != "w1" || loaded.Steps["A"].Result != "x" {
		t.Errorf("Round trip lost data: %+v", loaded)
	}

	// The stored copy is isolated from caller mutation.
	run.State["A"] = "mutated"
	reloaded, _ := store.GetRun(ctx, "r1")
	if reloaded.State["A"] != "x" {
		t.Error("Store must hold a snapshot, not a shared reference")
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEventLogSequencing(t *testing.T) {
	store := NewInMemoryStateStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seq, err := store.AppendEvent(ctx, &Event{Type: EventStepStarted, RunID: "r1", Timestamp: time.Now()})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("Expected seq %d, got %d", i+1, seq)
		}
	}

	events, _ := store.Events(ctx, "r1")
	if len(events) != 3 || events[0].Seq != 1 || events[2].Seq != 3 {
		t.Errorf("Events must be totally ordered: %+v", events)
	}
}

// Replaying the log reproduces the terminal status of every step that
// finished before the crash.
func TestRecoverRunReplaysLog(t *testing.T) {
	store := NewInMemoryStateStore()
	ctx := context.Background()
	now := time.Now()

	appendAll := func(events ...*Event) {
		for _, e := range events {
			if _, err := store.AppendEvent(ctx, e); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}
		}
	}
	appendAll(
		&Event{Type: EventRunStarted, RunID: "r1", Timestamp: now,
			Payload: json.RawMessage(`{"workflow_id":"w1"}`)},
		&Event{Type: EventStepStarted, RunID: "r1", StepID: "A", Attempt: 1, Timestamp: now},
		&Event{Type: EventStepCompleted, RunID: "r1", StepID: "A", Attempt: 1, Timestamp: now,
			Payload: json.RawMessage(`{"result":"a-out"}`)},
		&Event{Type: EventStepStarted, RunID: "r1", StepID: "B", Attempt: 2, Timestamp: now},
		&Event{Type: EventStepFailed, RunID: "r1", StepID: "B", Attempt: 2, Timestamp: now,
			Payload: json.RawMessage(`{"error_kind":"transient","error_message":"backend down"}`)},
		&Event{Type: EventStepStarted, RunID: "r1", StepID: "C", Attempt: 1, Timestamp: now},
	)

	// No materialized view saved: recovery must replay the log.
	run, err := RecoverRun(ctx, store, "r1")
	if err != nil {
		t.Fatalf("RecoverRun failed: %v", err)
	}

	if run.WorkflowID != "w1" || run.Status != RunRunning {
		t.Errorf("Run header not recovered: %+v", run)
	}
	if run.Steps["A"].Status != StepSucceeded || run.State["A"] != "a-out" {
		t.Errorf("A must replay as succeeded with its result: %+v", run.Steps["A"])
	}
	if run.Steps["B"].Status != StepFailed || run.Steps["B"].ErrorKind != "transient" {
		t.Errorf("B must replay as failed: %+v", run.Steps["B"])
	}
	if run.Steps["C"].Status != StepRunning || run.Steps["C"].Attempt != 1 {
		t.Errorf("C must replay as in-flight: %+v", run.Steps["C"])
	}
}

func TestRecoverRunPrefersMaterializedView(t *testing.T) {
	store := NewInMemoryStateStore()
	ctx := context.Background()

	view := &WorkflowRun{RunID: "r1", WorkflowID: "w1", Status: RunSucceeded,
		Steps: map[string]*StepRecord{}, State: map[string]interface{}{}}
	_ = store.SaveRun(ctx, view)

	run, err := RecoverRun(ctx, store, "r1")
	if err != nil || run.Status != RunSucceeded {
		t.Errorf("View must win over the (empty) log: %+v %v", run, err)
	}
}

func TestRecoverRunNotFound(t *testing.T) {
	store := NewInMemoryStateStore()
	if _, err := RecoverRun(context.Background(), store, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBackendStateStore(t *testing.T) {
	store := NewBackendStateStore(core.NewMemoryBackend())
	ctx := context.Background()

	run := &WorkflowRun{RunID: "r1", WorkflowID: "w1", Status: RunRunning,
		Steps: map[string]*StepRecord{}, State: map[string]interface{}{}}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.GetRun(ctx, "r1")
	if err != nil || loaded.WorkflowID != "w1" {
		t.Errorf("GetRun: %+v %v", loaded, err)
	}

	seq1, _ := store.AppendEvent(ctx, &Event{Type: EventRunStarted, RunID: "r1", Timestamp: time.Now()})
	seq2, _ := store.AppendEvent(ctx, &Event{Type: EventRunCompleted, RunID: "r1", Timestamp: time.Now()})
	if seq2 != seq1+1 {
		t.Errorf("Sequences must increase: %d %d", seq1, seq2)
	}

	events, _ := store.Events(ctx, "r1")
	if len(events) != 2 || events[0].Type != EventRunStarted {
		t.Errorf("Unexpected events: %+v", events)
	}

	ids, _ := store.ListRuns(ctx)
	if len(ids) != 1 || ids[0] != "r1" {
		t.Errorf("ListRuns: %v", ids)
	}
}
