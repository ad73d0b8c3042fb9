package safety

import (
	"context"

	"github.com/dimensigon/aishell/core"
)

// RateLimiter enforces per-tool, per-caller request caps using windowed
// atomic counters on the coordination backend, which keeps the limit
// correct across core instances.
type RateLimiter struct {
	backend core.CoordinationBackend
	logger  core.Logger
}

// NewRateLimiter creates a limiter over the given backend.
func NewRateLimiter(backend core.CoordinationBackend, logger core.Logger) *RateLimiter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/safety")
	}
	return &RateLimiter{backend: backend, logger: logger}
}

// Allow consumes one token for (tool, caller) against the limit.
// Returns ErrRateLimited when the window's budget is spent. A zero
// limit disables the check.
func (l *RateLimiter) Allow(ctx context.Context, tool, caller string, limit RateLimit) error {
	if limit.Requests <= 0 {
		return nil
	}

	key := "ratelimit:" + tool + ":" + caller
	count, err := l.backend.IncrWindow(ctx, key, limit.Window)
	if err != nil {
		return err
	}
	if count > int64(limit.Requests) {
		l.logger.WarnWithContext(ctx, "Rate limit exceeded", map[string]interface{}{
			"tool":   tool,
			"caller": caller,
			"count":  count,
			"limit":  limit.Requests,
			"window": limit.Window.String(),
		})
		return core.NewError("ratelimit.Allow", core.KindRateLimited, core.ErrRateLimited)
	}
	return nil
}
