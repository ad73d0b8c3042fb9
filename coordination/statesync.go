package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/dimensigon/aishell/core"
)

const (
	syncKeyPrefix     = "sync:"
	syncChannelPrefix = "syncevents:"

	// casRetryBudget bounds last-writer-wins retries when no expected
	// version was supplied.
	casRetryBudget = 16
)

// StateCell is a versioned value in a namespace. Versions increase
// monotonically per key; the higher version always prevails.
type StateCell struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChangeEvent notifies subscribers of a cell write. Delivery is
// at-least-once and may gap across reconnects; subscribers reconcile
// by re-reading current versions on resubscribe.
type ChangeEvent struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updated_by"`
}

// VersionConflictError carries the current cell back to a stale
// writer so it can merge and retry.
type VersionConflictError struct {
	Current *StateCell
}

func (e *VersionConflictError) Error() string {
	if e.Current == nil {
		return "version conflict: cell deleted concurrently"
	}
	return "version conflict: current version is " + strconv.FormatInt(e.Current.Version, 10)
}

func (e *VersionConflictError) Unwrap() error {
	return core.ErrVersionConflict
}

// StateSync replicates namespaced key/value cells across instances
// with optimistic versioning and change notifications.
type StateSync struct {
	backend core.CoordinationBackend
	updater string
	logger  core.Logger
	nowFunc func() time.Time
}

// StateSyncConfig configures a StateSync.
type StateSyncConfig struct {
	// Updater identifies this instance in cell metadata.
	Updater string

	Logger core.Logger
}

// NewStateSync creates a state sync layer over the backend.
func NewStateSync(backend core.CoordinationBackend, config StateSyncConfig) *StateSync {
	updater := config.Updater
	if updater == "" {
		updater = "aishell"
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/coordination")
	}
	return &StateSync{
		backend: backend,
		updater: updater,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func cellKey(ns, key string) string {
	return syncKeyPrefix + ns + ":" + key
}

func indexKey(ns string) string {
	return syncKeyPrefix + ns + ":~index"
}

// Get reads the current cell. Returns core.ErrNotFound for absent keys.
func (s *StateSync) Get(ctx context.Context, ns, key string) (*StateCell, error) {
	raw, err := s.backend.Get(ctx, cellKey(ns, key))
	if err != nil {
		return nil, err
	}
	var cell StateCell
	if err := json.Unmarshal([]byte(raw), &cell); err != nil {
		return nil, core.NewError("sync.Get", core.KindInternal, err)
	}
	return &cell, nil
}

// Set writes a cell. With expectedVersion >= 0, the write succeeds only
// when the current version matches; a stale writer receives a
// VersionConflictError carrying the current cell. With expectedVersion
// < 0, the write is last-writer-wins and retries internally on races.
// The new version is always current+1 (1 for a fresh key).
func (s *StateSync) Set(ctx context.Context, ns, key string, value json.RawMessage, expectedVersion int64) (*StateCell, error) {
	for attempt := 0; attempt < casRetryBudget; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var oldRaw string
		var currentVersion int64
		current, err := s.Get(ctx, ns, key)
		switch {
		case err == nil:
			currentVersion = current.Version
			data, merr := json.Marshal(current)
			if merr != nil {
				return nil, core.NewError("sync.Set", core.KindInternal, merr)
			}
			oldRaw = string(data)
		case errors.Is(err, core.ErrNotFound):
			currentVersion = 0
		default:
			return nil, err
		}

		if expectedVersion >= 0 && currentVersion != expectedVersion {
			return nil, &VersionConflictError{Current: current}
		}

		next := &StateCell{
			Namespace: ns,
			Key:       key,
			Value:     value,
			Version:   currentVersion + 1,
			UpdatedBy: s.updater,
			UpdatedAt: s.nowFunc(),
		}
		newRaw, err := json.Marshal(next)
		if err != nil {
			return nil, core.NewError("sync.Set", core.KindInternal, err)
		}

		ok, err := s.backend.CompareAndSet(ctx, cellKey(ns, key), oldRaw, string(newRaw), 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race. A writer with an expected version reports
			// conflict with the now-current cell; LWW writers retry.
			if expectedVersion >= 0 {
				current, gerr := s.Get(ctx, ns, key)
				if gerr != nil && !errors.Is(gerr, core.ErrNotFound) {
					return nil, gerr
				}
				return nil, &VersionConflictError{Current: current}
			}
			continue
		}

		if err := s.backend.HSet(ctx, indexKey(ns), key, ""); err != nil {
			return nil, err
		}
		s.publish(ctx, ns, next)
		return next, nil
	}

	return nil, core.Errorf(core.KindTransient, "sync.Set: contention on %s/%s exceeded retry budget", ns, key)
}

// Delete removes a cell. Absent keys are not an error.
func (s *StateSync) Delete(ctx context.Context, ns, key string) error {
	if err := s.backend.Delete(ctx, cellKey(ns, key)); err != nil {
		return err
	}
	return s.backend.HDel(ctx, indexKey(ns), key)
}

// GetAll snapshots every cell in a namespace. The snapshot is not
// atomic across keys; individual cells are consistent via version.
func (s *StateSync) GetAll(ctx context.Context, ns string) (map[string]*StateCell, error) {
	index, err := s.backend.HGetAll(ctx, indexKey(ns))
	if err != nil {
		return nil, err
	}
	cells := make(map[string]*StateCell, len(index))
	for key := range index {
		cell, err := s.Get(ctx, ns, key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, err
		}
		cells[key] = cell
	}
	return cells, nil
}

func (s *StateSync) publish(ctx context.Context, ns string, cell *StateCell) {
	event := ChangeEvent{
		Namespace: ns,
		Key:       cell.Key,
		Value:     cell.Value,
		Version:   cell.Version,
		UpdatedBy: cell.UpdatedBy,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.backend.Publish(ctx, syncChannelPrefix+ns+":"+cell.Key, string(payload)); err != nil {
		// Notification loss is tolerated: subscribers reconcile by
		// reading current versions.
		s.logger.WarnWithContext(ctx, "Change notification dropped", map[string]interface{}{
			"namespace": ns,
			"key":       cell.Key,
			"error":     err.Error(),
		})
	}
}

// Subscribe streams change events for keys in the namespace matching
// the glob pattern (e.g. "*" for everything).
func (s *StateSync) Subscribe(ctx context.Context, ns, pattern string) (<-chan ChangeEvent, func() error, error) {
	sub, err := s.backend.Subscribe(ctx, syncChannelPrefix+ns+":"+pattern)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan ChangeEvent, 64)
	go func() {
		defer close(events)
		for msg := range sub.Events() {
			var event ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, sub.Close, nil
}
