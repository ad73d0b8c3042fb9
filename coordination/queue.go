package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/telemetry"
)

// Priority orders tasks in the queue. Higher priorities dequeue first;
// within a priority, tasks are FIFO by enqueue time, then task ID.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// TaskState tracks a task through the queue.
type TaskState string

const (
	TaskEnqueued   TaskState = "enqueued"
	TaskInFlight   TaskState = "in_flight"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskDeadLetter TaskState = "dead_letter"
)

// Task is a queued unit of work. Payload is opaque to the queue.
type Task struct {
	TaskID         string          `json:"task_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       Priority        `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	State          TaskState       `json:"state"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	VisibleAt      time.Time       `json:"visible_at,omitempty"`
	Deadline       time.Time       `json:"deadline,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// DequeueOptions configures a single dequeue.
type DequeueOptions struct {
	// VisibilityTimeout is how long the task stays invisible to other
	// consumers before the reaper restores it. Zero uses the queue
	// default.
	VisibilityTimeout time.Duration

	// WaitTimeout bounds how long Dequeue blocks on an empty queue.
	// Zero returns ErrQueueEmpty immediately.
	WaitTimeout time.Duration
}

// NackOptions configures a negative acknowledgement.
type NackOptions struct {
	// RequeueAfter delays redelivery. Zero applies exponential backoff
	// derived from the attempt count.
	RequeueAfter time.Duration

	// Reason is recorded on the task.
	Reason string

	// NonRetryable sends the task straight to the dead-letter
	// partition regardless of remaining attempts.
	NonRetryable bool
}

// TaskQueueConfig configures a TaskQueue.
type TaskQueueConfig struct {
	// Name isolates this queue's keys from other queues.
	// Default: "default"
	Name string

	// MaxSize bounds ready+delayed+in-flight items. Zero disables the queue:
	// every enqueue fails with ErrQueueFull. Negative means unbounded.
	MaxSize int

	// VisibilityTimeout is the default in-flight window.
	// Default: 30s
	VisibilityTimeout time.Duration

	// DefaultMaxAttempts applies to tasks that declare none.
	// Default: 3
	DefaultMaxAttempts int

	// NackBackoffBase seeds the exponential redelivery backoff.
	// Default: 1s
	NackBackoffBase time.Duration

	Logger core.Logger
}

// TaskQueue is a priority queue with visibility timeouts, retry with
// backoff, and a dead-letter partition. Delivery is at-least-once;
// consumers deduplicate via idempotency keys.
type TaskQueue struct {
	backend core.CoordinationBackend
	config  TaskQueueConfig
	logger  core.Logger
	nowFunc func() time.Time

	readyKey    string
	delayedKey  string
	inflightKey string
	tasksKey    string
	deadKey     string
	idemKey     string
}

// NewTaskQueue creates a queue over the given backend.
func NewTaskQueue(backend core.CoordinationBackend, config TaskQueueConfig) *TaskQueue {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	if config.NackBackoffBase <= 0 {
		config.NackBackoffBase = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/coordination")
	}

	prefix := "queue:" + config.Name
	return &TaskQueue{
		backend:     backend,
		config:      config,
		logger:      logger,
		nowFunc:     time.Now,
		readyKey:    prefix + ":ready",
		delayedKey:  prefix + ":delayed",
		inflightKey: prefix + ":inflight",
		tasksKey:    prefix + ":tasks",
		deadKey:     prefix + ":dead",
		idemKey:     prefix + ":idem",
	}
}

// readyScore builds the ordering key: (priority, enqueue time, id).
// Lower scores pop first, so higher priorities map to lower bands.
// The band width dwarfs any realistic millisecond timestamp, keeping
// priorities from interleaving; ties inside a band resolve by member
// order, i.e. the task ID.
func readyScore(p Priority, enqueuedAt time.Time) float64 {
	band := float64(3-p.rank()) * 1e13
	return band + float64(enqueuedAt.UnixMilli())
}

// Enqueue adds a task and returns its ID. A task whose idempotency key
// belongs to a task not yet acked is not added again; the original ID
// returns. Ack forgets the key, so a later enqueue with it is new.
func (q *TaskQueue) Enqueue(ctx context.Context, task *Task) (string, error) {
	if q.config.MaxSize == 0 {
		return "", core.NewError("queue.Enqueue", core.KindQueueFull, core.ErrQueueFull)
	}

	if task.IdempotencyKey != "" {
		if existing, err := q.backend.HGet(ctx, q.idemKey, task.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, core.ErrNotFound) {
			return "", err
		}
	}

	if q.config.MaxSize > 0 {
		ready, err := q.backend.ZCard(ctx, q.readyKey)
		if err != nil {
			return "", err
		}
		inflight, err := q.backend.ZCard(ctx, q.inflightKey)
		if err != nil {
			return "", err
		}
		delayed, err := q.backend.ZCard(ctx, q.delayedKey)
		if err != nil {
			return "", err
		}
		if ready+inflight+delayed >= int64(q.config.MaxSize) {
			return "", core.NewError("queue.Enqueue", core.KindQueueFull, core.ErrQueueFull)
		}
	}

	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.config.DefaultMaxAttempts
	}
	task.State = TaskEnqueued
	task.EnqueuedAt = q.nowFunc()

	if err := q.putTask(ctx, task); err != nil {
		return "", err
	}
	if err := q.backend.ZAdd(ctx, q.readyKey, readyScore(task.Priority, task.EnqueuedAt), task.TaskID); err != nil {
		return "", err
	}
	if task.IdempotencyKey != "" {
		if err := q.backend.HSet(ctx, q.idemKey, task.IdempotencyKey, task.TaskID); err != nil {
			return "", err
		}
	}

	telemetry.Counter(ctx, "aishell.queue.enqueued", attribute.String("priority", string(task.Priority)))
	q.logger.DebugWithContext(ctx, "Task enqueued", map[string]interface{}{
		"task_id":  task.TaskID,
		"priority": string(task.Priority),
		"queue":    q.config.Name,
	})
	return task.TaskID, nil
}

// Dequeue removes the highest-priority eligible task and makes it
// invisible to other consumers for the visibility timeout. Returns
// ErrQueueEmpty when nothing is eligible within WaitTimeout.
func (q *TaskQueue) Dequeue(ctx context.Context, opts DequeueOptions) (*Task, error) {
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = q.config.VisibilityTimeout
	}
	deadline := q.nowFunc().Add(opts.WaitTimeout)

	for {
		// Promote due delayed items and reap lost in-flight items so a
		// single consumer makes progress without a background reaper.
		if err := q.Reap(ctx); err != nil {
			return nil, err
		}

		taskID, _, err := q.backend.ZPopMin(ctx, q.readyKey)
		switch {
		case err == nil:
			task, err := q.getTask(ctx, taskID)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					// Body vanished (acked concurrently); take the next.
					continue
				}
				return nil, err
			}

			task.Attempts++
			task.State = TaskInFlight
			task.VisibleAt = q.nowFunc().Add(visibility)
			if err := q.putTask(ctx, task); err != nil {
				return nil, err
			}
			if err := q.backend.ZAdd(ctx, q.inflightKey, float64(task.VisibleAt.UnixMilli()), task.TaskID); err != nil {
				return nil, err
			}

			telemetry.Counter(ctx, "aishell.queue.dequeued", attribute.String("priority", string(task.Priority)))
			return task, nil

		case errors.Is(err, core.ErrNotFound):
			if opts.WaitTimeout <= 0 || q.nowFunc().After(deadline) {
				return nil, core.ErrQueueEmpty
			}
			timer := time.NewTimer(20 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}

		default:
			return nil, err
		}
	}
}

// Ack removes a task permanently. At most one ack per task takes
// effect; a second ack reports ErrNotFound.
func (q *TaskQueue) Ack(ctx context.Context, taskID string) error {
	task, err := q.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != TaskInFlight {
		return core.NewError("queue.Ack", core.KindNotOwner, core.ErrNotOwner)
	}

	if err := q.backend.ZRem(ctx, q.inflightKey, taskID); err != nil {
		return err
	}
	if err := q.backend.HDel(ctx, q.tasksKey, taskID); err != nil {
		return err
	}
	if task.IdempotencyKey != "" {
		_ = q.backend.HDel(ctx, q.idemKey, task.IdempotencyKey)
	}

	telemetry.Counter(ctx, "aishell.queue.acked")
	return nil
}

// Nack returns an in-flight task for redelivery, or dead-letters it
// when its attempt budget is exhausted or the failure is non-retryable.
func (q *TaskQueue) Nack(ctx context.Context, taskID string, opts NackOptions) error {
	task, err := q.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != TaskInFlight {
		return core.NewError("queue.Nack", core.KindNotOwner, core.ErrNotOwner)
	}

	if err := q.backend.ZRem(ctx, q.inflightKey, taskID); err != nil {
		return err
	}

	task.LastError = opts.Reason
	if opts.NonRetryable || task.Attempts >= task.MaxAttempts {
		return q.deadLetter(ctx, task)
	}

	delay := opts.RequeueAfter
	if delay <= 0 {
		delay = q.nackBackoff(task.Attempts)
	}
	task.State = TaskEnqueued
	task.VisibleAt = q.nowFunc().Add(delay)
	if err := q.putTask(ctx, task); err != nil {
		return err
	}

	telemetry.Counter(ctx, "aishell.queue.nacked")
	return q.backend.ZAdd(ctx, q.delayedKey, float64(task.VisibleAt.UnixMilli()), task.TaskID)
}

func (q *TaskQueue) nackBackoff(attempts int) time.Duration {
	backoff := float64(q.config.NackBackoffBase) * math.Pow(2, float64(attempts-1))
	if max := float64(5 * time.Minute); backoff > max {
		backoff = max
	}
	return time.Duration(backoff)
}

func (q *TaskQueue) deadLetter(ctx context.Context, task *Task) error {
	task.State = TaskDeadLetter
	if err := q.putTask(ctx, task); err != nil {
		return err
	}
	if err := q.backend.ZAdd(ctx, q.deadKey, float64(q.nowFunc().UnixMilli()), task.TaskID); err != nil {
		return err
	}
	telemetry.Counter(ctx, "aishell.queue.dead_lettered", attribute.String("priority", string(task.Priority)))
	q.logger.WarnWithContext(ctx, "Task dead-lettered", map[string]interface{}{
		"task_id":  task.TaskID,
		"attempts": task.Attempts,
		"reason":   task.LastError,
		"queue":    q.config.Name,
	})
	return nil
}

// Reap restores lost in-flight tasks whose visibility window elapsed
// and promotes delayed tasks that have become due. Restored tasks get
// an incremented attempt count; tasks out of attempts dead-letter.
// Reaping is at-least-once: the original consumer may still complete
// its work after restoration, so handlers must be idempotent.
func (q *TaskQueue) Reap(ctx context.Context) error {
	now := float64(q.nowFunc().UnixMilli())

	// Promote due delayed tasks back into the ready set.
	due, err := q.backend.ZRangeByScore(ctx, q.delayedKey, 0, now, 128)
	if err != nil {
		return err
	}
	for _, m := range due {
		task, err := q.getTask(ctx, m.Member)
		if err != nil {
			_ = q.backend.ZRem(ctx, q.delayedKey, m.Member)
			continue
		}
		if err := q.backend.ZAdd(ctx, q.readyKey, readyScore(task.Priority, task.EnqueuedAt), m.Member); err != nil {
			return err
		}
		if err := q.backend.ZRem(ctx, q.delayedKey, m.Member); err != nil {
			return err
		}
	}

	// Restore expired in-flight tasks.
	expired, err := q.backend.ZRangeByScore(ctx, q.inflightKey, 0, now, 128)
	if err != nil {
		return err
	}
	for _, m := range expired {
		if err := q.backend.ZRem(ctx, q.inflightKey, m.Member); err != nil {
			return err
		}
		task, err := q.getTask(ctx, m.Member)
		if err != nil {
			continue
		}

		task.Attempts++
		if task.Attempts > task.MaxAttempts {
			task.LastError = "visibility timeout exceeded with no attempts remaining"
			if err := q.deadLetter(ctx, task); err != nil {
				return err
			}
			continue
		}

		task.State = TaskEnqueued
		if err := q.putTask(ctx, task); err != nil {
			return err
		}
		if err := q.backend.ZAdd(ctx, q.readyKey, readyScore(task.Priority, task.EnqueuedAt), task.TaskID); err != nil {
			return err
		}
		telemetry.Counter(ctx, "aishell.queue.reaped")
		q.logger.WarnWithContext(ctx, "Task visibility expired, restored to ready", map[string]interface{}{
			"task_id":  task.TaskID,
			"attempts": task.Attempts,
			"queue":    q.config.Name,
		})
	}

	return nil
}

// StartReaper runs Reap on the given interval until the context ends.
// Deploy one per consumer group; concurrent reapers are safe but noisy.
func (q *TaskQueue) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Reap(ctx); err != nil && ctx.Err() == nil {
					q.logger.ErrorWithContext(ctx, "Reaper pass failed", map[string]interface{}{
						"queue": q.config.Name,
						"error": err.Error(),
					})
				}
			}
		}
	}()
}

// QueueStats is a point-in-time snapshot of queue depth.
type QueueStats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// Stats reports queue depth for monitoring.
func (q *TaskQueue) Stats(ctx context.Context) (*QueueStats, error) {
	ready, err := q.backend.ZCard(ctx, q.readyKey)
	if err != nil {
		return nil, err
	}
	delayed, err := q.backend.ZCard(ctx, q.delayedKey)
	if err != nil {
		return nil, err
	}
	inflight, err := q.backend.ZCard(ctx, q.inflightKey)
	if err != nil {
		return nil, err
	}
	dead, err := q.backend.ZCard(ctx, q.deadKey)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Ready: ready, Delayed: delayed, InFlight: inflight, Dead: dead}, nil
}

// ListDeadLetters returns dead-lettered tasks for operator inspection.
func (q *TaskQueue) ListDeadLetters(ctx context.Context, limit int64) ([]*Task, error) {
	members, err := q.backend.ZRangeByScore(ctx, q.deadKey, 0, math.MaxFloat64, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(members))
	for _, m := range members {
		task, err := q.getTask(ctx, m.Member)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Redrive re-submits a dead-lettered task with a fresh attempt budget.
func (q *TaskQueue) Redrive(ctx context.Context, taskID string) error {
	task, err := q.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != TaskDeadLetter {
		return core.Errorf(core.KindSchemaViolation, "task %s is not dead-lettered", taskID)
	}

	if err := q.backend.ZRem(ctx, q.deadKey, taskID); err != nil {
		return err
	}
	task.State = TaskEnqueued
	task.Attempts = 0
	task.LastError = ""
	task.EnqueuedAt = q.nowFunc()
	if err := q.putTask(ctx, task); err != nil {
		return err
	}
	return q.backend.ZAdd(ctx, q.readyKey, readyScore(task.Priority, task.EnqueuedAt), taskID)
}

func (q *TaskQueue) putTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return core.NewError("queue.putTask", core.KindInternal, err)
	}
	return q.backend.HSet(ctx, q.tasksKey, task.TaskID, string(data))
}

func (q *TaskQueue) getTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := q.backend.HGet(ctx, q.tasksKey, taskID)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, core.NewError("queue.getTask", core.KindInternal, err)
	}
	return &task, nil
}
