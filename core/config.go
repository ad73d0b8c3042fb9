package core

import (
	"os"
	"strconv"
	"time"
)

// Config carries the operational knobs of the core. Exact binding to
// flags or config files is owned by the hosting program; the core only
// reads environment variables as a convenience default.
type Config struct {
	// Name identifies this core instance in logs and lock ownership.
	Name string

	// RedisURL selects the coordination backend. Empty means the
	// in-process memory backend.
	RedisURL string

	// Namespace prefixes every backend key.
	Namespace string

	// DefaultConcurrency bounds parallel steps per workflow run.
	DefaultConcurrency int

	// Default retry policy applied to steps that declare none.
	DefaultMaxAttempts       int
	DefaultInitialDelay      time.Duration
	DefaultMaxDelay          time.Duration
	DefaultBackoffMultiplier float64

	// LockTTL is the default lease duration for distributed locks.
	LockTTL time.Duration

	// VisibilityTimeout is the default in-flight window for dequeued
	// tasks before the reaper restores them.
	VisibilityTimeout time.Duration

	// QueueMaxSize bounds the task queue. Zero disables the queue
	// entirely: every enqueue fails.
	QueueMaxSize int

	// ApprovalTimeout bounds how long a gated tool call waits for a
	// human decision.
	ApprovalTimeout time.Duration

	// AuditDestination names the audit sink for diagnostics only; the
	// sink itself is injected.
	AuditDestination string

	// PlannerMaxInvocations bounds LLM planner re-invocations on
	// schema-invalid output.
	PlannerMaxInvocations int

	// AgentMaxReplans bounds replanning after validation failures.
	AgentMaxReplans int
}

// Option mutates a Config during construction.
type Option func(*Config)

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:                     "aishell-core",
		Namespace:                "aishell",
		DefaultConcurrency:       5,
		DefaultMaxAttempts:       3,
		DefaultInitialDelay:      100 * time.Millisecond,
		DefaultMaxDelay:          5 * time.Second,
		DefaultBackoffMultiplier: 2.0,
		LockTTL:                  30 * time.Second,
		VisibilityTimeout:        30 * time.Second,
		QueueMaxSize:             10000,
		ApprovalTimeout:          5 * time.Minute,
		PlannerMaxInvocations:    3,
		AgentMaxReplans:          2,
	}
}

// NewConfig builds a Config from defaults, the environment, and the
// given options, in that order.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// LoadFromEnv overrides fields from AISHELL_* environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("AISHELL_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("AISHELL_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("AISHELL_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := envInt("AISHELL_CONCURRENCY"); v > 0 {
		c.DefaultConcurrency = v
	}
	if v := envInt("AISHELL_MAX_ATTEMPTS"); v > 0 {
		c.DefaultMaxAttempts = v
	}
	if v := envDuration("AISHELL_LOCK_TTL"); v > 0 {
		c.LockTTL = v
	}
	if v := envDuration("AISHELL_VISIBILITY_TIMEOUT"); v > 0 {
		c.VisibilityTimeout = v
	}
	if v := envDuration("AISHELL_APPROVAL_TIMEOUT"); v > 0 {
		c.ApprovalTimeout = v
	}
	if v, ok := envIntOK("AISHELL_QUEUE_MAX_SIZE"); ok {
		c.QueueMaxSize = v
	}
	if v := os.Getenv("AISHELL_AUDIT_DESTINATION"); v != "" {
		c.AuditDestination = v
	}
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	if c.DefaultConcurrency <= 0 {
		return Errorf(KindSchemaViolation, "default concurrency must be positive, got %d", c.DefaultConcurrency)
	}
	if c.DefaultMaxAttempts <= 0 {
		return Errorf(KindSchemaViolation, "default max attempts must be positive, got %d", c.DefaultMaxAttempts)
	}
	if c.LockTTL <= 0 {
		return Errorf(KindSchemaViolation, "lock TTL must be positive, got %s", c.LockTTL)
	}
	if c.VisibilityTimeout <= 0 {
		return Errorf(KindSchemaViolation, "visibility timeout must be positive, got %s", c.VisibilityTimeout)
	}
	if c.DefaultBackoffMultiplier < 1.0 {
		return Errorf(KindSchemaViolation, "backoff multiplier must be >= 1.0, got %f", c.DefaultBackoffMultiplier)
	}
	return nil
}

func envInt(name string) int {
	v, _ := envIntOK(name)
	return v
}

func envIntOK(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) time.Duration {
	s := os.Getenv(name)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Functional options

// WithName sets the instance name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithRedisURL selects the Redis coordination backend.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithNamespace sets the backend key namespace.
func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

// WithDefaultConcurrency bounds parallel steps per run.
func WithDefaultConcurrency(n int) Option {
	return func(c *Config) { c.DefaultConcurrency = n }
}

// WithDefaultRetry sets the default step retry policy.
func WithDefaultRetry(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.DefaultMaxAttempts = maxAttempts
		c.DefaultInitialDelay = initialDelay
		c.DefaultMaxDelay = maxDelay
		c.DefaultBackoffMultiplier = multiplier
	}
}

// WithLockTTL sets the default lock lease duration.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Config) { c.LockTTL = ttl }
}

// WithVisibilityTimeout sets the default queue visibility timeout.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Config) { c.VisibilityTimeout = d }
}

// WithQueueMaxSize bounds the task queue.
func WithQueueMaxSize(n int) Option {
	return func(c *Config) { c.QueueMaxSize = n }
}

// WithApprovalTimeout bounds gated-call approval waits.
func WithApprovalTimeout(d time.Duration) Option {
	return func(c *Config) { c.ApprovalTimeout = d }
}
