package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dimensigon/aishell/coordination"
	"github.com/dimensigon/aishell/core"
)

func succeedAfter(d time.Duration, value interface{}) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(d):
			return value, nil
		case <-ctx.Done():
			return nil, core.NewError("task", core.KindCancelled, ctx.Err())
		}
	}
}

func failAfter(d time.Duration) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(d):
			return nil, errors.New("task failed")
		case <-ctx.Done():
			return nil, core.NewError("task", core.KindCancelled, ctx.Err())
		}
	}
}

func TestParallelAllSucceeds(t *testing.T) {
	e := NewParallelExecutor(nil)
	result, err := e.Run(context.Background(), []ParallelTask{
		{ID: "a", Fn: succeedAfter(time.Millisecond, 1)},
		{ID: "b", Fn: succeedAfter(time.Millisecond, 2)},
		{ID: "c", Fn: succeedAfter(time.Millisecond, 3)},
	}, ParallelOptions{Aggregation: AggregateAll})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != AggregateSucceeded || result.Succeeded != 3 {
		t.Errorf("Expected all success: %+v", result)
	}
}

func TestParallelAllFailsOnAnyFailure(t *testing.T) {
	e := NewParallelExecutor(nil)
	result, _ := e.Run(context.Background(), []ParallelTask{
		{ID: "a", Fn: succeedAfter(time.Millisecond, 1)},
		{ID: "b", Fn: failAfter(time.Millisecond)},
	}, ParallelOptions{Aggregation: AggregateAll})
	if result.Status != AggregateFailed {
		t.Errorf("ALL with one failure must fail: %+v", result)
	}
	if len(result.Results) != 2 {
		t.Errorf("ALL must wait for every task: %+v", result.Results)
	}
}

// FIRST completes on the first success and cancels the rest.
func TestParallelFirstCancelsLosers(t *testing.T) {
	e := NewParallelExecutor(nil)
	var slowCancelled atomic.Bool

	result, err := e.Run(context.Background(), []ParallelTask{
		{ID: "fast", Fn: succeedAfter(5*time.Millisecond, "fast")},
		{ID: "slow", Fn: func(ctx context.Context) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return "slow", nil
			case <-ctx.Done():
				slowCancelled.Store(true)
				return nil, core.NewError("task", core.KindCancelled, ctx.Err())
			}
		}},
	}, ParallelOptions{Aggregation: AggregateFirst})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != AggregateSucceeded {
		t.Fatalf("FIRST must succeed: %+v", result)
	}
	if !slowCancelled.Load() {
		t.Error("Losing task must be cancelled")
	}
}

// MAJORITY at exactly half fails: strictly more than half required.
func TestParallelMajorityExactHalfFails(t *testing.T) {
	e := NewParallelExecutor(nil)
	result, _ := e.Run(context.Background(), []ParallelTask{
		{ID: "a", Fn: succeedAfter(time.Millisecond, 1)},
		{ID: "b", Fn: succeedAfter(time.Millisecond, 2)},
		{ID: "c", Fn: failAfter(time.Millisecond)},
		{ID: "d", Fn: failAfter(time.Millisecond)},
	}, ParallelOptions{Aggregation: AggregateMajority})
	if result.Status != AggregateFailed {
		t.Errorf("Exactly half must not satisfy MAJORITY: %+v", result)
	}
}

func TestParallelMajoritySucceeds(t *testing.T) {
	e := NewParallelExecutor(nil)
	result, _ := e.Run(context.Background(), []ParallelTask{
		{ID: "a", Fn: succeedAfter(time.Millisecond, 1)},
		{ID: "b", Fn: succeedAfter(time.Millisecond, 2)},
		{ID: "c", Fn: failAfter(time.Millisecond)},
	}, ParallelOptions{Aggregation: AggregateMajority})
	if result.Status != AggregateSucceeded {
		t.Errorf("2 of 3 must satisfy MAJORITY: %+v", result)
	}
}

func TestParallelThreshold(t *testing.T) {
	e := NewParallelExecutor(nil)
	tasks := []ParallelTask{
		{ID: "a", Fn: succeedAfter(time.Millisecond, 1)},
		{ID: "b", Fn: succeedAfter(time.Millisecond, 2)},
		{ID: "c", Fn: failAfter(time.Millisecond)},
	}

	result, _ := e.Run(context.Background(), tasks, ParallelOptions{Aggregation: AggregateThreshold, Threshold: 2})
	if result.Status != AggregateSucceeded {
		t.Errorf("Threshold 2 with 2 successes must pass: %+v", result)
	}

	result, _ = e.Run(context.Background(), tasks, ParallelOptions{Aggregation: AggregateThreshold, Threshold: 3})
	if result.Status != AggregateFailed {
		t.Errorf("Threshold 3 with 2 successes must fail: %+v", result)
	}

	if _, err := e.Run(context.Background(), tasks, ParallelOptions{Aggregation: AggregateThreshold}); err == nil {
		t.Error("Threshold aggregation without a threshold must be rejected")
	}
}

func TestParallelPerTaskTimeout(t *testing.T) {
	e := NewParallelExecutor(nil)
	result, _ := e.Run(context.Background(), []ParallelTask{
		{ID: "slow", Fn: succeedAfter(time.Second, "late")},
		{ID: "fast", Fn: succeedAfter(time.Millisecond, "ok")},
	}, ParallelOptions{Aggregation: AggregateAll, PerTaskTimeout: 30 * time.Millisecond})

	if result.Status != AggregateFailed {
		t.Fatalf("Timed-out task fails the ALL batch: %+v", result)
	}
	for _, r := range result.Results {
		if r.ID == "slow" && core.KindOf(r.Err) != core.KindTimeout {
			t.Errorf("Per-task timeout must be Timeout kind: %v", r.Err)
		}
		if r.ID == "fast" && r.Err != nil {
			t.Errorf("Other tasks must be unaffected: %v", r.Err)
		}
	}
}

// Higher priorities are scheduled first when concurrency is scarce.
func TestParallelPriorityScheduling(t *testing.T) {
	e := NewParallelExecutor(nil)
	var mu sync.Mutex
	var order []string

	record := func(id string) func(ctx context.Context) (interface{}, error) {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			return id, nil
		}
	}

	_, err := e.Run(context.Background(), []ParallelTask{
		{ID: "low", Priority: coordination.PriorityLow, Fn: record("low")},
		{ID: "critical", Priority: coordination.PriorityCritical, Fn: record("critical")},
		{ID: "normal", Priority: coordination.PriorityNormal, Fn: record("normal")},
	}, ParallelOptions{Aggregation: AggregateAll, MaxConcurrency: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "critical" || order[2] != "low" {
		t.Errorf("Priority order violated: %v", order)
	}
}

func TestParallelBatchCancellation(t *testing.T) {
	e := NewParallelExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, _ := e.Run(ctx, []ParallelTask{
		{ID: "a", Fn: succeedAfter(5*time.Second, 1)},
		{ID: "b", Fn: succeedAfter(5*time.Second, 2)},
	}, ParallelOptions{Aggregation: AggregateAll})

	if result.Status != AggregateCancelled {
		t.Errorf("Batch cancellation must resolve cancelled: %+v", result)
	}
}

func TestParallelEmptyBatch(t *testing.T) {
	e := NewParallelExecutor(nil)
	result, err := e.Run(context.Background(), nil, ParallelOptions{})
	if err != nil || result.Status != AggregateSucceeded {
		t.Errorf("Empty batch trivially succeeds: %+v %v", result, err)
	}
}
