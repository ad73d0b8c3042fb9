// Package coordination provides the distributed primitives shared
// across core instances: named locks with fencing tokens, a priority
// task queue with visibility timeouts, and versioned state sync. All
// cross-instance mutation goes through the coordination backend's
// atomic operations.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/telemetry"
)

const (
	lockKeyPrefix  = "lock:"
	fenceKeyPrefix = "lock:fence:"

	// acquirePollInterval paces acquisition attempts while waiting for
	// a held lock to free up.
	acquirePollInterval = 25 * time.Millisecond
)

// LockHandle is proof of ownership of a distributed mutex. The fencing
// token is monotonically increasing across successful acquisitions of
// the same name; consumers needing strong mutual exclusion under
// partitions must present it to the protected resource.
type LockHandle struct {
	Name           string
	Owner          string
	Token          int64
	LeaseExpiresAt time.Time

	// value is the unique string stored in the backend; release and
	// extend are conditioned on it.
	value string
}

// LockOptions configures a single acquisition.
type LockOptions struct {
	// TTL is the lease duration. Must be positive.
	TTL time.Duration

	// WaitTimeout bounds how long Acquire blocks when the lock is
	// held. Zero means fail immediately.
	WaitTimeout time.Duration

	// Quorum enables Redlock-style acquisition across the manager's
	// quorum backends instead of the single primary.
	Quorum bool
}

// LockManager hands out named distributed mutexes with TTL leases and
// fencing tokens.
type LockManager struct {
	backend core.CoordinationBackend
	// quorumBackends are independent stores for quorum mode. The
	// primary backend is not implicitly included.
	quorumBackends []core.CoordinationBackend
	owner          string
	defaultTTL     time.Duration
	logger         core.Logger
	nowFunc        func() time.Time
}

// LockManagerConfig configures a LockManager.
type LockManagerConfig struct {
	// Owner identifies this instance in lock values. Defaults to a
	// generated identity.
	Owner string

	// DefaultTTL is used by With when the caller leaves LockOptions.TTL
	// unset. Acquire itself rejects a zero TTL.
	DefaultTTL time.Duration

	// QuorumBackends enables quorum mode when more than one is given.
	QuorumBackends []core.CoordinationBackend

	Logger core.Logger
}

// NewLockManager creates a lock manager over the given backend.
func NewLockManager(backend core.CoordinationBackend, config LockManagerConfig) *LockManager {
	owner := config.Owner
	if owner == "" {
		owner = "aishell-" + uuid.New().String()[:8]
	}
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/coordination")
	}
	return &LockManager{
		backend:        backend,
		quorumBackends: config.QuorumBackends,
		owner:          owner,
		defaultTTL:     ttl,
		logger:         logger,
		nowFunc:        time.Now,
	}
}

// Owner returns the identity this manager acquires locks as.
func (m *LockManager) Owner() string { return m.owner }

// Acquire obtains the named lock. It blocks up to opts.WaitTimeout
// waiting for a held lock, polling between attempts. A zero TTL is
// invalid.
func (m *LockManager) Acquire(ctx context.Context, name string, opts LockOptions) (*LockHandle, error) {
	if opts.TTL <= 0 {
		return nil, core.Errorf(core.KindSchemaViolation, "lock %q: ttl must be positive", name)
	}
	if opts.Quorum && len(m.quorumBackends) > 1 {
		return m.acquireQuorum(ctx, name, opts)
	}

	deadline := m.nowFunc().Add(opts.WaitTimeout)
	value := m.owner + ":" + uuid.New().String()

	for {
		acquired, err := m.backend.SetIfAbsent(ctx, lockKeyPrefix+name, value, opts.TTL)
		if err != nil {
			return nil, err
		}
		if acquired {
			token, err := m.backend.Incr(ctx, fenceKeyPrefix+name)
			if err != nil {
				// Roll the acquisition back; a lock without a fencing
				// token is unusable to callers that need one.
				_, _ = m.backend.DeleteIfEquals(ctx, lockKeyPrefix+name, value)
				return nil, err
			}

			handle := &LockHandle{
				Name:           name,
				Owner:          m.owner,
				Token:          token,
				LeaseExpiresAt: m.nowFunc().Add(opts.TTL),
				value:          value,
			}
			telemetry.AddSpanEvent(ctx, "lock_acquired",
				attribute.String("lock.name", name),
				attribute.Int64("lock.token", token),
			)
			m.logger.DebugWithContext(ctx, "Lock acquired", map[string]interface{}{
				"lock":  name,
				"token": token,
				"ttl":   opts.TTL.String(),
			})
			return handle, nil
		}

		if opts.WaitTimeout <= 0 || m.nowFunc().After(deadline) {
			return nil, core.NewError("lock.Acquire", core.KindTimeout, core.ErrLockNotAcquired)
		}

		timer := time.NewTimer(acquirePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// acquireQuorum attempts Redlock-style acquisition across independent
// backends. Success requires strictly more than half of them, and the
// lease must still have meaningful validity after subtracting the
// acquisition time and drift budget.
func (m *LockManager) acquireQuorum(ctx context.Context, name string, opts LockOptions) (*LockHandle, error) {
	value := m.owner + ":" + uuid.New().String()
	drift := time.Duration(float64(opts.TTL)*0.01) + 2*time.Millisecond

	start := m.nowFunc()
	var acquired []core.CoordinationBackend
	var maxToken int64

	for _, backend := range m.quorumBackends {
		ok, err := backend.SetIfAbsent(ctx, lockKeyPrefix+name, value, opts.TTL)
		if err != nil || !ok {
			continue
		}
		acquired = append(acquired, backend)
		if token, err := backend.Incr(ctx, fenceKeyPrefix+name); err == nil && token > maxToken {
			maxToken = token
		}
	}

	elapsed := m.nowFunc().Sub(start)
	validity := opts.TTL - elapsed - drift

	if len(acquired) <= len(m.quorumBackends)/2 || validity <= 0 {
		for _, backend := range acquired {
			_, _ = backend.DeleteIfEquals(ctx, lockKeyPrefix+name, value)
		}
		return nil, core.NewError("lock.Acquire", core.KindTimeout, core.ErrLockNotAcquired)
	}

	m.logger.DebugWithContext(ctx, "Quorum lock acquired", map[string]interface{}{
		"lock":     name,
		"backends": len(acquired),
		"of":       len(m.quorumBackends),
		"token":    maxToken,
	})

	return &LockHandle{
		Name:           name,
		Owner:          m.owner,
		Token:          maxToken,
		LeaseExpiresAt: start.Add(validity),
		value:          value,
	}, nil
}

// Extend renews the lease on a held lock. Returns ErrLeaseExpired when
// the lease has lapsed (the key is gone or another owner holds it
// after our expiry), ErrNotOwner when another owner holds it while our
// lease should still be live.
func (m *LockManager) Extend(ctx context.Context, handle *LockHandle, ttl time.Duration) error {
	if ttl <= 0 {
		return core.Errorf(core.KindSchemaViolation, "lock %q: ttl must be positive", handle.Name)
	}

	ok, err := m.backend.CompareAndSet(ctx, lockKeyPrefix+handle.Name, handle.value, handle.value, ttl)
	if err != nil {
		return err
	}
	if ok {
		handle.LeaseExpiresAt = m.nowFunc().Add(ttl)
		return nil
	}

	if m.nowFunc().After(handle.LeaseExpiresAt) {
		return core.NewError("lock.Extend", core.KindExpired, core.ErrLeaseExpired)
	}
	return core.NewError("lock.Extend", core.KindNotOwner, core.ErrNotOwner)
}

// Release frees a held lock. Releasing a lock owned by someone else
// (typically after lease expiry and reacquisition) returns ErrNotOwner.
func (m *LockManager) Release(ctx context.Context, handle *LockHandle) error {
	ok, err := m.backend.DeleteIfEquals(ctx, lockKeyPrefix+handle.Name, handle.value)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewError("lock.Release", core.KindNotOwner, core.ErrNotOwner)
	}
	telemetry.AddSpanEvent(ctx, "lock_released", attribute.String("lock.name", handle.Name))
	return nil
}

// ReleaseQuorum frees a quorum-acquired lock on every backend.
func (m *LockManager) ReleaseQuorum(ctx context.Context, handle *LockHandle) error {
	released := 0
	for _, backend := range m.quorumBackends {
		if ok, err := backend.DeleteIfEquals(ctx, lockKeyPrefix+handle.Name, handle.value); err == nil && ok {
			released++
		}
	}
	if released == 0 {
		return core.NewError("lock.ReleaseQuorum", core.KindNotOwner, core.ErrNotOwner)
	}
	return nil
}

// With runs fn while holding the named lock, guaranteeing release on
// every exit path including panics and cancellation. The handle passed
// to fn carries the fencing token.
func (m *LockManager) With(ctx context.Context, name string, opts LockOptions, fn func(ctx context.Context, handle *LockHandle) error) (err error) {
	if opts.TTL <= 0 {
		opts.TTL = m.defaultTTL
	}
	handle, err := m.Acquire(ctx, name, opts)
	if err != nil {
		return err
	}

	defer func() {
		releaseCtx := ctx
		if releaseCtx.Err() != nil {
			// The caller's context is gone; still release with a short
			// independent deadline so the lock frees before its TTL.
			var cancel context.CancelFunc
			releaseCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
		}
		var releaseErr error
		if opts.Quorum && len(m.quorumBackends) > 1 {
			releaseErr = m.ReleaseQuorum(releaseCtx, handle)
		} else {
			releaseErr = m.Release(releaseCtx, handle)
		}
		if releaseErr != nil && err == nil && core.KindOf(releaseErr) != core.KindNotOwner {
			err = releaseErr
		}
	}()

	return fn(ctx, handle)
}

// IsHeld reports whether any owner currently holds the named lock.
func (m *LockManager) IsHeld(ctx context.Context, name string) (bool, error) {
	_, err := m.backend.Get(ctx, lockKeyPrefix+name)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// String implements fmt.Stringer for log-friendly handles.
func (h *LockHandle) String() string {
	return fmt.Sprintf("%s@%d", h.Name, h.Token)
}
