package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dimensigon/aishell/core"
)

// RunStatus is a workflow run's lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}

// StepStatus is a step's lifecycle state within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// StepRecord is the persisted outcome of one step.
type StepRecord struct {
	StepID       string      `json:"step_id"`
	Attempt      int         `json:"attempt"`
	Status       StepStatus  `json:"status"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	Result       interface{} `json:"result,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// WorkflowRun is the materialized view of one execution.
type WorkflowRun struct {
	RunID      string                 `json:"run_id"`
	WorkflowID string                 `json:"workflow_id"`
	Status     RunStatus              `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    *time.Time             `json:"ended_at,omitempty"`
	Steps      map[string]*StepRecord `json:"steps"`
	// State holds step results keyed by step ID; dependents read the
	// output of step X as State[X].
	State map[string]interface{} `json:"state"`
}

// EventType enumerates the append-only run log entries.
type EventType string

const (
	EventRunStarted             EventType = "RunStarted"
	EventRunCompleted           EventType = "RunCompleted"
	EventRunAborted             EventType = "RunAborted"
	EventStepStarted            EventType = "StepStarted"
	EventStepCompleted          EventType = "StepCompleted"
	EventStepFailed             EventType = "StepFailed"
	EventStepSkipped            EventType = "StepSkipped"
	EventStepCancelled          EventType = "StepCancelled"
	EventAgentCheckpointWritten EventType = "AgentCheckpointWritten"
)

// Event is one entry of a run's append-only log. Seq is assigned by
// the store and totally orders events within a run.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StateStore persists run state: a compact materialized view per run
// plus the append-only event log. The view is written on every status
// transition; recovery prefers the view and falls back to replaying
// the log.
type StateStore interface {
	SaveRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	ListRuns(ctx context.Context) ([]string, error)
	AppendEvent(ctx context.Context, event *Event) (int64, error)
	Events(ctx context.Context, runID string) ([]*Event, error)
}

// RecoverRun loads a run for resumption: the materialized view when
// present, otherwise a view rebuilt by replaying the event log.
func RecoverRun(ctx context.Context, store StateStore, runID string) (*WorkflowRun, error) {
	run, err := store.GetRun(ctx, runID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	events, err := store.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, core.ErrNotFound
	}
	return replayEvents(events), nil
}

// replayEvents rebuilds a materialized view from the log: step
// statuses, attempts, error details, and the results carried in
// StepCompleted payloads.
func replayEvents(events []*Event) *WorkflowRun {
	run := &WorkflowRun{
		Steps: make(map[string]*StepRecord),
		State: make(map[string]interface{}),
	}
	for _, event := range events {
		switch event.Type {
		case EventRunStarted:
			run.RunID = event.RunID
			run.Status = RunRunning
			run.StartedAt = event.Timestamp
			var p struct {
				WorkflowID string `json:"workflow_id"`
			}
			if json.Unmarshal(event.Payload, &p) == nil {
				run.WorkflowID = p.WorkflowID
			}
		case EventRunCompleted:
			var p struct {
				Status RunStatus `json:"status"`
			}
			_ = json.Unmarshal(event.Payload, &p)
			run.Status = p.Status
			ended := event.Timestamp
			run.EndedAt = &ended
		case EventRunAborted:
			run.Status = RunAborted
			ended := event.Timestamp
			run.EndedAt = &ended
		case EventStepStarted:
			record := run.Steps[event.StepID]
			if record == nil {
				record = &StepRecord{StepID: event.StepID}
				run.Steps[event.StepID] = record
			}
			record.Status = StepRunning
			record.Attempt = event.Attempt
			started := event.Timestamp
			record.StartedAt = &started
		case EventStepCompleted, EventStepFailed, EventStepSkipped, EventStepCancelled:
			record := run.Steps[event.StepID]
			if record == nil {
				record = &StepRecord{StepID: event.StepID}
				run.Steps[event.StepID] = record
			}
			record.Attempt = event.Attempt
			ended := event.Timestamp
			record.EndedAt = &ended
			switch event.Type {
			case EventStepCompleted:
				record.Status = StepSucceeded
				var p struct {
					Result interface{} `json:"result"`
				}
				if json.Unmarshal(event.Payload, &p) == nil && p.Result != nil {
					record.Result = p.Result
					run.State[event.StepID] = p.Result
				}
			case EventStepFailed:
				record.Status = StepFailed
				var p struct {
					ErrorKind    string `json:"error_kind"`
					ErrorMessage string `json:"error_message"`
				}
				if json.Unmarshal(event.Payload, &p) == nil {
					record.ErrorKind = p.ErrorKind
					record.ErrorMessage = p.ErrorMessage
				}
			case EventStepSkipped:
				record.Status = StepSkipped
			case EventStepCancelled:
				record.Status = StepCancelled
			}
		}
	}
	return run
}

// InMemoryStateStore keeps runs and events in process memory. Suitable
// for tests and single-process deployments without durability needs.
type InMemoryStateStore struct {
	mu     sync.RWMutex
	runs   map[string]*WorkflowRun
	events map[string][]*Event
	seq    map[string]int64
}

// NewInMemoryStateStore creates an empty store.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		runs:   make(map[string]*WorkflowRun),
		events: make(map[string][]*Event),
		seq:    make(map[string]int64),
	}
}

func (s *InMemoryStateStore) SaveRun(ctx context.Context, run *WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return core.NewError("statestore.SaveRun", core.KindInternal, err)
	}
	var copied WorkflowRun
	if err := json.Unmarshal(data, &copied); err != nil {
		return core.NewError("statestore.SaveRun", core.KindInternal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = &copied
	return nil
}

func (s *InMemoryStateStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, core.ErrNotFound
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, core.NewError("statestore.GetRun", core.KindInternal, err)
	}
	var copied WorkflowRun
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, core.NewError("statestore.GetRun", core.KindInternal, err)
	}
	return &copied, nil
}

func (s *InMemoryStateStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStateStore) AppendEvent(ctx context.Context, event *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[event.RunID]++
	event.Seq = s.seq[event.RunID]
	copied := *event
	s.events[event.RunID] = append(s.events[event.RunID], &copied)
	return event.Seq, nil
}

func (s *InMemoryStateStore) Events(ctx context.Context, runID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}

// BackendStateStore persists runs and events through the coordination
// backend, giving every core instance the same recovery view.
type BackendStateStore struct {
	backend core.CoordinationBackend
}

// NewBackendStateStore creates a store over the given backend.
func NewBackendStateStore(backend core.CoordinationBackend) *BackendStateStore {
	return &BackendStateStore{backend: backend}
}

const (
	runsHashKey    = "runs"
	eventKeyPrefix = "events:"
	eventSeqPrefix = "events:seq:"
)

func (s *BackendStateStore) SaveRun(ctx context.Context, run *WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return core.NewError("statestore.SaveRun", core.KindInternal, err)
	}
	return s.backend.HSet(ctx, runsHashKey, run.RunID, string(data))
}

func (s *BackendStateStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	data, err := s.backend.HGet(ctx, runsHashKey, runID)
	if err != nil {
		return nil, err
	}
	var run WorkflowRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, core.NewError("statestore.GetRun", core.KindInternal, err)
	}
	return &run, nil
}

func (s *BackendStateStore) ListRuns(ctx context.Context) ([]string, error) {
	all, err := s.backend.HGetAll(ctx, runsHashKey)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BackendStateStore) AppendEvent(ctx context.Context, event *Event) (int64, error) {
	seq, err := s.backend.Incr(ctx, eventSeqPrefix+event.RunID)
	if err != nil {
		return 0, err
	}
	event.Seq = seq
	data, err := json.Marshal(event)
	if err != nil {
		return 0, core.NewError("statestore.AppendEvent", core.KindInternal, err)
	}
	if err := s.backend.ZAdd(ctx, eventKeyPrefix+event.RunID, float64(seq), string(data)); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *BackendStateStore) Events(ctx context.Context, runID string) ([]*Event, error) {
	members, err := s.backend.ZRangeByScore(ctx, eventKeyPrefix+runID, 0, math.MaxFloat64, 0)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(members))
	for _, m := range members {
		var event Event
		if err := json.Unmarshal([]byte(m.Member), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
