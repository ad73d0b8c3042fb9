// Package core provides the shared contracts of the orchestration core.
// This file implements CoordinationBackend on top of Redis with key
// namespacing, connection management, and Lua scripts for the atomic
// compare-and-set operations the lock and sync layers depend on.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lua scripts keep the conditional mutations atomic on the server.
var (
	// casScript sets key to ARGV[2] only when its current value equals
	// ARGV[1]. An empty ARGV[1] means "expect absent". ARGV[3] is the
	// TTL in milliseconds, 0 for none.
	casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
  if current then return 0 end
else
  if current ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1`)

	// deleteIfEqualsScript is the classic token-checked unlock.
	deleteIfEqualsScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

	// incrWindowScript increments and starts the TTL window on the
	// first increment only.
	incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count`)
)

// RedisBackendOptions configures the Redis coordination backend.
type RedisBackendOptions struct {
	// RedisURL is a standard redis:// connection URL
	RedisURL string

	// Namespace prefixes every key, e.g. "aishell:coord"
	// Default: "aishell"
	Namespace string

	// DB selects the Redis database for isolation
	DB int

	// DialTimeout for the initial connection check
	// Default: 5s
	DialTimeout time.Duration

	// Logger is optional
	Logger Logger
}

// RedisBackend implements CoordinationBackend using a shared Redis
// instance. All cross-instance mutation goes through server-side atomic
// operations; nothing is cached locally.
type RedisBackend struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisBackend connects to Redis and verifies the connection with a
// ping before returning.
func NewRedisBackend(opts RedisBackendOptions) (*RedisBackend, error) {
	if opts.RedisURL == "" {
		opts.RedisURL = "redis://localhost:6379"
	}
	if opts.Namespace == "" {
		opts.Namespace = "aishell"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	redisOpts.DB = opts.DB

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, NewError("backend.Connect", KindTransient, err)
	}

	logger := opts.Logger
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/backend")
	}

	logger.Info("Redis coordination backend connected", map[string]interface{}{
		"namespace": opts.Namespace,
		"db":        opts.DB,
	})

	return &RedisBackend{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
	}, nil
}

// NewRedisBackendFromClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewRedisBackendFromClient(client *redis.Client, namespace string, logger Logger) *RedisBackend {
	if namespace == "" {
		namespace = "aishell"
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisBackend{client: client, namespace: namespace, logger: logger}
}

func (b *RedisBackend) formatKey(key string) string {
	if strings.HasPrefix(key, b.namespace+":") {
		return key
	}
	return b.namespace + ":" + key
}

func (b *RedisBackend) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return ErrNotFound
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return NewError(op, KindTransient, err)
}

// Get retrieves a plain key.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, b.formatKey(key)).Result()
	if err != nil {
		return "", b.wrap("backend.Get", err)
	}
	return val, nil
}

// Set stores a plain key with optional TTL.
func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.wrap("backend.Set", b.client.Set(ctx, b.formatKey(key), value, ttl).Err())
}

// SetIfAbsent stores key only when it does not already exist.
func (b *RedisBackend) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.formatKey(key), value, ttl).Result()
	if err != nil {
		return false, b.wrap("backend.SetIfAbsent", err)
	}
	return ok, nil
}

// CompareAndSet atomically replaces old with new. An empty old value
// means the key must be absent.
func (b *RedisBackend) CompareAndSet(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, b.client, []string{b.formatKey(key)}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		return false, b.wrap("backend.CompareAndSet", err)
	}
	return res == 1, nil
}

// Delete removes a plain key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.wrap("backend.Delete", b.client.Del(ctx, b.formatKey(key)).Err())
}

// DeleteIfEquals removes the key only when its value matches token.
func (b *RedisBackend) DeleteIfEquals(ctx context.Context, key, token string) (bool, error) {
	res, err := deleteIfEqualsScript.Run(ctx, b.client, []string{b.formatKey(key)}, token).Int()
	if err != nil {
		return false, b.wrap("backend.DeleteIfEquals", err)
	}
	return res == 1, nil
}

// Incr increments a counter.
func (b *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.client.Incr(ctx, b.formatKey(key)).Result()
	if err != nil {
		return 0, b.wrap("backend.Incr", err)
	}
	return n, nil
}

// IncrWindow increments a counter and starts its expiry window on the
// first increment.
func (b *RedisBackend) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, b.client, []string{b.formatKey(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, b.wrap("backend.IncrWindow", err)
	}
	return n, nil
}

// HSet stores a hash field.
func (b *RedisBackend) HSet(ctx context.Context, key, field, value string) error {
	return b.wrap("backend.HSet", b.client.HSet(ctx, b.formatKey(key), field, value).Err())
}

// HGet retrieves a hash field.
func (b *RedisBackend) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := b.client.HGet(ctx, b.formatKey(key), field).Result()
	if err != nil {
		return "", b.wrap("backend.HGet", err)
	}
	return val, nil
}

// HDel removes hash fields.
func (b *RedisBackend) HDel(ctx context.Context, key string, fields ...string) error {
	return b.wrap("backend.HDel", b.client.HDel(ctx, b.formatKey(key), fields...).Err())
}

// HGetAll returns the full hash. An absent key yields an empty map.
func (b *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := b.client.HGetAll(ctx, b.formatKey(key)).Result()
	if err != nil {
		return nil, b.wrap("backend.HGetAll", err)
	}
	return m, nil
}

// ZAdd adds a member to an ordered set.
func (b *RedisBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.wrap("backend.ZAdd", b.client.ZAdd(ctx, b.formatKey(key), &redis.Z{Score: score, Member: member}).Err())
}

// ZRem removes a member from an ordered set.
func (b *RedisBackend) ZRem(ctx context.Context, key, member string) error {
	return b.wrap("backend.ZRem", b.client.ZRem(ctx, b.formatKey(key), member).Err())
}

// ZPopMin removes and returns the lowest-scored member.
func (b *RedisBackend) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	res, err := b.client.ZPopMin(ctx, b.formatKey(key), 1).Result()
	if err != nil {
		return "", 0, b.wrap("backend.ZPopMin", err)
	}
	if len(res) == 0 {
		return "", 0, ErrNotFound
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, nil
}

// ZRangeByScore returns members with min <= score <= max, lowest first.
func (b *RedisBackend) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	res, err := b.client.ZRangeByScoreWithScores(ctx, b.formatKey(key), opt).Result()
	if err != nil {
		return nil, b.wrap("backend.ZRangeByScore", err)
	}
	members := make([]ScoredMember, 0, len(res))
	for _, z := range res {
		m, _ := z.Member.(string)
		members = append(members, ScoredMember{Member: m, Score: z.Score})
	}
	return members, nil
}

// ZCard returns the ordered set's size.
func (b *RedisBackend) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := b.client.ZCard(ctx, b.formatKey(key)).Result()
	if err != nil {
		return 0, b.wrap("backend.ZCard", err)
	}
	return n, nil
}

// Publish sends a message to a channel.
func (b *RedisBackend) Publish(ctx context.Context, channel, payload string) error {
	return b.wrap("backend.Publish", b.client.Publish(ctx, b.formatKey(channel), payload).Err())
}

// Subscribe opens a pattern subscription. The returned subscription is
// closed by the caller; messages stop when the context is cancelled.
func (b *RedisBackend) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, b.formatKey(pattern))
	// Force the subscription to be established before returning so
	// callers do not miss events published immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, b.wrap("backend.Subscribe", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan BackendMessage, 64),
		prefix: b.namespace + ":",
	}
	go sub.pump(ctx)
	return sub, nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan BackendMessage
	prefix string
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event := BackendMessage{
				Channel: strings.TrimPrefix(msg.Channel, s.prefix),
				Payload: msg.Payload,
			}
			select {
			case s.events <- event:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan BackendMessage {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
