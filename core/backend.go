package core

import (
	"context"
	"time"
)

// CoordinationBackend is the sole shared-mutable substrate across core
// instances. Locks, queues, rate limits, and state sync all build on
// its atomic primitives. Implementations are expected to be backed by a
// trusted shared key-value store; RedisBackend is the production
// implementation and MemoryBackend serves single-process deployments
// and tests.
//
// All keys are plain strings; implementations may namespace them.
// A zero ttl means no expiry.
type CoordinationBackend interface {
	// Plain keys
	Get(ctx context.Context, key string) (string, error) // ErrNotFound when absent
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndSet(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfEquals deletes key only when its current value equals
	// token. Returns false when the value did not match or the key was
	// already gone.
	DeleteIfEquals(ctx context.Context, key, token string) (bool, error)

	// Counters
	Incr(ctx context.Context, key string) (int64, error)
	// IncrWindow increments key and, on the first increment, starts a
	// TTL window. Used for windowed rate-limit counters.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Hashes
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error) // ErrNotFound when absent
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Ordered sets, scored ascending
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	// ZPopMin atomically removes and returns the lowest-scored member.
	// ErrNotFound when the set is empty.
	ZPopMin(ctx context.Context, key string) (string, float64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Pub/sub. Delivery is at-least-once with possible gaps across
	// reconnects; consumers reconcile by re-reading current state.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	Close() error
}

// ScoredMember is a member of an ordered set with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Subscription is an open pub/sub stream.
type Subscription interface {
	// Events yields messages until the subscription is closed.
	Events() <-chan BackendMessage
	Close() error
}

// BackendMessage is a single pub/sub delivery.
type BackendMessage struct {
	Channel string
	Payload string
}
