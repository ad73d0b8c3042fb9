// Package agent provides the specialist agent state machine, its
// checkpointed execution loop, and the coordinator that decomposes
// high-level tasks into sub-agent dispatches.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dimensigon/aishell/core"
)

// Phase is an agent's state machine position.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseValidating Phase = "validating"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Checkpoint is the persisted agent state, written atomically at every
// phase transition. Recovery reconstitutes the agent from the latest
// version.
type Checkpoint struct {
	AgentID     string          `json:"agent_id"`
	RunID       string          `json:"run_id"`
	Phase       Phase           `json:"phase"`
	StepIndex   int             `json:"step_index"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	LastResult  json.RawMessage `json:"last_result,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	Replans     int             `json:"replans"`
	FailureKind string          `json:"failure_kind,omitempty"`
	Failure     string          `json:"failure,omitempty"`
	Version     int64           `json:"version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CheckpointStore persists agent checkpoints. The writing agent owns
// its checkpoint; readers get consistent snapshots via the version.
type CheckpointStore interface {
	// Save persists the checkpoint, assigning the next version.
	Save(ctx context.Context, cp *Checkpoint) error
	// Latest returns the most recent checkpoint for (agentID, runID),
	// or core.ErrNotFound.
	Latest(ctx context.Context, agentID, runID string) (*Checkpoint, error)
	// Delete removes a run's checkpoint after completion.
	Delete(ctx context.Context, agentID, runID string) error
}

// InMemoryCheckpointStore keeps checkpoints in process memory.
type InMemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

// NewInMemoryCheckpointStore creates an empty store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{data: make(map[string]*Checkpoint)}
}

func checkpointKey(agentID, runID string) string {
	return agentID + ":" + runID
}

func (s *InMemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(cp.AgentID, cp.RunID)
	if existing, ok := s.data[key]; ok {
		cp.Version = existing.Version + 1
	} else {
		cp.Version = 1
	}
	cp.UpdatedAt = time.Now()
	copied := *cp
	s.data[key] = &copied
	return nil
}

func (s *InMemoryCheckpointStore) Latest(ctx context.Context, agentID, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[checkpointKey(agentID, runID)]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

func (s *InMemoryCheckpointStore) Delete(ctx context.Context, agentID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, checkpointKey(agentID, runID))
	return nil
}

// BackendCheckpointStore persists checkpoints through the coordination
// backend so another process can resume a crashed agent.
type BackendCheckpointStore struct {
	backend core.CoordinationBackend
}

// NewBackendCheckpointStore creates a store over the given backend.
func NewBackendCheckpointStore(backend core.CoordinationBackend) *BackendCheckpointStore {
	return &BackendCheckpointStore{backend: backend}
}

const checkpointKeyPrefix = "agentcp:"

func (s *BackendCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	key := checkpointKeyPrefix + checkpointKey(cp.AgentID, cp.RunID)

	// Version bumps through CAS so concurrent writers never assign the
	// same version. A writer whose CAS fails re-reads the stored
	// checkpoint and writes again on top of it with the next version.
	for {
		var oldRaw string
		current, err := s.load(ctx, key)
		switch {
		case err == nil:
			cp.Version = current.Version + 1
			data, merr := json.Marshal(current)
			if merr != nil {
				return core.NewError("checkpoint.Save", core.KindInternal, merr)
			}
			oldRaw = string(data)
		case errors.Is(err, core.ErrNotFound):
			cp.Version = 1
		default:
			return err
		}

		cp.UpdatedAt = time.Now()
		newRaw, err := json.Marshal(cp)
		if err != nil {
			return core.NewError("checkpoint.Save", core.KindInternal, err)
		}

		ok, err := s.backend.CompareAndSet(ctx, key, oldRaw, string(newRaw), 0)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (s *BackendCheckpointStore) load(ctx context.Context, key string) (*Checkpoint, error) {
	raw, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, core.NewError("checkpoint.load", core.KindInternal, err)
	}
	return &cp, nil
}

func (s *BackendCheckpointStore) Latest(ctx context.Context, agentID, runID string) (*Checkpoint, error) {
	return s.load(ctx, checkpointKeyPrefix+checkpointKey(agentID, runID))
}

func (s *BackendCheckpointStore) Delete(ctx context.Context, agentID, runID string) error {
	return s.backend.Delete(ctx, checkpointKeyPrefix+checkpointKey(agentID, runID))
}
