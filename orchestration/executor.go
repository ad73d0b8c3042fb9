package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dimensigon/aishell/coordination"
	"github.com/dimensigon/aishell/core"
)

// Aggregation selects how a parallel batch resolves.
type Aggregation string

const (
	// AggregateAll completes when every task terminates; the batch
	// succeeds iff all tasks succeed.
	AggregateAll Aggregation = "all"
	// AggregateFirst completes on the first success; remaining tasks
	// are cancelled.
	AggregateFirst Aggregation = "first"
	// AggregateMajority succeeds when strictly more than half succeed.
	AggregateMajority Aggregation = "majority"
	// AggregateThreshold succeeds when at least Threshold succeed.
	AggregateThreshold Aggregation = "threshold"
)

// ParallelTask is one unit of a fan-out batch.
type ParallelTask struct {
	ID       string
	Priority coordination.Priority
	Fn       func(ctx context.Context) (interface{}, error)
}

// TaskRunResult is one task's outcome.
type TaskRunResult struct {
	ID       string
	Result   interface{}
	Err      error
	Duration time.Duration
}

// AggregateStatus is the batch outcome.
type AggregateStatus string

const (
	AggregateSucceeded AggregateStatus = "succeeded"
	AggregateFailed    AggregateStatus = "failed"
	AggregateCancelled AggregateStatus = "cancelled"
)

// AggregateResult is a finished batch. Results appear in completion
// order, which is non-deterministic among concurrent tasks.
type AggregateResult struct {
	Status    AggregateStatus
	Results   []TaskRunResult
	Succeeded int
	Failed    int
	Cancelled int
}

// ParallelOptions configures a batch.
type ParallelOptions struct {
	// MaxConcurrency bounds simultaneous tasks. Zero means the batch
	// size.
	MaxConcurrency int

	Aggregation Aggregation

	// Threshold is required for AggregateThreshold.
	Threshold int

	// PerTaskTimeout cancels an individual task without affecting the
	// rest of the batch.
	PerTaskTimeout time.Duration
}

// ParallelExecutor fans tasks out with bounded concurrency, priority
// scheduling, and an aggregation policy. The root assembly exposes it
// as Core.Executor; the orchestrator schedules workflow steps, including
// the coordinator's sub-agent dispatch, with its own run loop.
type ParallelExecutor struct {
	logger core.Logger
}

// NewParallelExecutor creates an executor.
func NewParallelExecutor(logger core.Logger) *ParallelExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/orchestration")
	}
	return &ParallelExecutor{logger: logger}
}

// Run executes the batch to a terminal aggregate status. Cancelling
// ctx cancels every in-flight task; the batch resolves cancelled.
func (e *ParallelExecutor) Run(ctx context.Context, tasks []ParallelTask, opts ParallelOptions) (*AggregateResult, error) {
	if len(tasks) == 0 {
		return &AggregateResult{Status: AggregateSucceeded}, nil
	}
	if opts.Aggregation == "" {
		opts.Aggregation = AggregateAll
	}
	if opts.Aggregation == AggregateThreshold && opts.Threshold <= 0 {
		return nil, core.Errorf(core.KindSchemaViolation, "threshold aggregation requires a positive threshold")
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(tasks)
	}

	// Higher priorities start first; FIFO within a priority by
	// declaration order.
	ordered := make([]ParallelTask, len(tasks))
	copy(ordered, tasks)
	order := make(map[string]int, len(tasks))
	for i := range tasks {
		order[tasks[i].ID] = i
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := priorityRank(ordered[i].Priority), priorityRank(ordered[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return order[ordered[i].ID] < order[ordered[j].ID]
	})

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	results := make(chan TaskRunResult, len(ordered))

	// The dispatcher claims a concurrency slot before spawning each
	// task, so starts follow the priority order strictly even when
	// slots are scarce.
	go func() {
		var wg sync.WaitGroup
		for i := range ordered {
			task := ordered[i]
			if err := sem.Acquire(batchCtx, 1); err != nil {
				results <- TaskRunResult{ID: task.ID, Err: core.NewError("parallel "+task.ID, core.KindCancelled, err)}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				taskCtx := batchCtx
				if opts.PerTaskTimeout > 0 {
					var tcancel context.CancelFunc
					taskCtx, tcancel = context.WithTimeout(batchCtx, opts.PerTaskTimeout)
					defer tcancel()
				}

				start := time.Now()
				result, err := task.Fn(taskCtx)
				if err != nil && taskCtx.Err() == context.DeadlineExceeded && batchCtx.Err() == nil {
					err = core.NewError("parallel "+task.ID, core.KindTimeout, context.DeadlineExceeded)
				}
				results <- TaskRunResult{ID: task.ID, Result: result, Err: err, Duration: time.Since(start)}
			}()
		}
		wg.Wait()
		close(results)
	}()

	aggregate := &AggregateResult{}
	total := len(ordered)
	needed := requiredSuccesses(opts, total)

	for result := range results {
		aggregate.Results = append(aggregate.Results, result)
		switch {
		case result.Err == nil:
			aggregate.Succeeded++
		case core.KindOf(result.Err) == core.KindCancelled:
			aggregate.Cancelled++
		default:
			aggregate.Failed++
		}

		if opts.Aggregation == AggregateFirst && aggregate.Succeeded > 0 {
			cancel()
		}
		// Short-circuit once the outcome is decided either way; the
		// remaining tasks are cancelled and drained.
		if needed > 0 && (aggregate.Succeeded >= needed || aggregate.Failed+aggregate.Cancelled > total-needed) {
			cancel()
		}
	}

	if ctx.Err() != nil {
		aggregate.Status = AggregateCancelled
		return aggregate, nil
	}
	aggregate.Status = resolveAggregate(opts, aggregate, total)
	return aggregate, nil
}

func priorityRank(p coordination.Priority) int {
	switch p {
	case coordination.PriorityCritical:
		return 3
	case coordination.PriorityHigh:
		return 2
	case coordination.PriorityLow:
		return 0
	default:
		return 1
	}
}

// requiredSuccesses returns the success count that decides the batch,
// or 0 when every task must finish regardless.
func requiredSuccesses(opts ParallelOptions, total int) int {
	switch opts.Aggregation {
	case AggregateFirst:
		return 1
	case AggregateMajority:
		return total/2 + 1
	case AggregateThreshold:
		return opts.Threshold
	default:
		return 0
	}
}

func resolveAggregate(opts ParallelOptions, aggregate *AggregateResult, total int) AggregateStatus {
	switch opts.Aggregation {
	case AggregateFirst:
		if aggregate.Succeeded >= 1 {
			return AggregateSucceeded
		}
	case AggregateMajority:
		if aggregate.Succeeded > total/2 {
			return AggregateSucceeded
		}
	case AggregateThreshold:
		if aggregate.Succeeded >= opts.Threshold {
			return AggregateSucceeded
		}
	default:
		if aggregate.Succeeded == total {
			return AggregateSucceeded
		}
	}
	return AggregateFailed
}
