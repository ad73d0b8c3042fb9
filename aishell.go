// Package aishell assembles the agentic orchestration core: the
// workflow orchestrator, the coordinator and specialist agents, the
// safety-gated tool layer, and the distributed coordination
// primitives, all wired from collaborators the host injects.
package aishell

import (
	"github.com/dimensigon/aishell/agent"
	"github.com/dimensigon/aishell/coordination"
	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/orchestration"
	"github.com/dimensigon/aishell/resilience"
	"github.com/dimensigon/aishell/safety"
)

// Dependencies are the host-owned collaborators. Only the audit sink
// is effectively mandatory for gated tools; everything else degrades
// to reduced functionality when absent.
type Dependencies struct {
	LLM      core.LLMClient
	DB       core.DatabaseClient
	Vector   core.VectorStore
	Vault    core.CredentialVault
	Approval core.ApprovalSink
	Audit    core.AuditSink
	Logger   core.Logger

	// Backend overrides the coordination backend. When nil, the core
	// connects to Config.RedisURL, or falls back to the in-process
	// memory backend for single-instance deployments.
	Backend core.CoordinationBackend
}

// Core is the assembled orchestration core. The host owns the
// lifecycle: construct once, Close on shutdown.
type Core struct {
	Config       *core.Config
	Backend      core.CoordinationBackend
	Locks        *coordination.LockManager
	Queue        *coordination.TaskQueue
	Sync         *coordination.StateSync
	Tools        *safety.ToolRegistry
	Safety       *safety.SafetyController
	Agents       *agent.Registry
	Checkpoints  agent.CheckpointStore
	Coordinator  *agent.Coordinator
	Orchestrator *orchestration.Orchestrator
	Executor     *orchestration.ParallelExecutor
	Store        orchestration.StateStore

	logger      core.Logger
	ownsBackend bool
}

// New constructs the core from configuration and injected
// collaborators.
func New(cfg *core.Config, deps Dependencies) (*Core, error) {
	if cfg == nil {
		cfg = core.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = core.NewProductionLogger(cfg.Name, core.LogInfo)
	}

	backend := deps.Backend
	ownsBackend := false
	if backend == nil {
		if cfg.RedisURL != "" {
			redisBackend, err := core.NewRedisBackend(core.RedisBackendOptions{
				RedisURL:  cfg.RedisURL,
				Namespace: cfg.Namespace,
				Logger:    logger,
			})
			if err != nil {
				return nil, err
			}
			backend = redisBackend
			ownsBackend = true
		} else {
			backend = core.NewMemoryBackend()
			ownsBackend = true
		}
	}

	locks := coordination.NewLockManager(backend, coordination.LockManagerConfig{
		Owner:      cfg.Name,
		DefaultTTL: cfg.LockTTL,
		Logger:     logger,
	})
	queue := coordination.NewTaskQueue(backend, coordination.TaskQueueConfig{
		MaxSize:            cfg.QueueMaxSize,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		Logger:             logger,
	})
	stateSync := coordination.NewStateSync(backend, coordination.StateSyncConfig{
		Updater: cfg.Name,
		Logger:  logger,
	})

	tools := safety.NewToolRegistry(logger)
	limiter := safety.NewRateLimiter(backend, logger)

	audit := deps.Audit
	if audit == nil {
		// Without a real sink the audit trail is gone; the controller
		// still runs but gated tools should not be registered.
		logger.Warn("No audit sink configured, audit records are discarded", nil)
		audit = &core.NoOpAuditSink{}
	}

	controller, err := safety.NewSafetyController(tools, limiter, deps.Approval, audit, safety.ControllerConfig{
		ApprovalTimeout: cfg.ApprovalTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	checkpoints := agent.NewBackendCheckpointStore(backend)
	runner := agent.NewRunner(agent.RunnerConfig{
		Checkpoints: checkpoints,
		MaxReplans:  cfg.AgentMaxReplans,
		Logger:      logger,
	})
	agents := agent.NewRegistry(runner, agent.Context{
		LLM:    deps.LLM,
		DB:     deps.DB,
		Vector: deps.Vector,
		Vault:  deps.Vault,
		Sync:   stateSync,
		Logger: logger,
	})
	if err := agent.RegisterBuiltins(agents); err != nil {
		return nil, err
	}

	store := orchestration.NewBackendStateStore(backend)
	orchestrator, err := orchestration.NewOrchestrator(orchestration.OrchestratorConfig{
		Store:  store,
		Tools:  controller,
		Agents: agents,
		Locks:  locks,
		Queue:  queue,
		Sync:   stateSync,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	var coordinator *agent.Coordinator
	if deps.LLM != nil {
		llmBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "llm-planner",
			Logger: logger,
		})
		planner := agent.NewPlanner(deps.LLM, cfg.PlannerMaxInvocations, logger).WithBreaker(llmBreaker)
		coordinator, err = agent.NewCoordinator(agent.CoordinatorConfig{
			Planner:      planner,
			Registry:     agents,
			Orchestrator: orchestrator,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Info("Orchestration core assembled", map[string]interface{}{
		"name":        cfg.Name,
		"backend":     backendName(cfg, deps),
		"concurrency": cfg.DefaultConcurrency,
	})

	return &Core{
		Config:       cfg,
		Backend:      backend,
		Locks:        locks,
		Queue:        queue,
		Sync:         stateSync,
		Tools:        tools,
		Safety:       controller,
		Agents:       agents,
		Checkpoints:  checkpoints,
		Coordinator:  coordinator,
		Orchestrator: orchestrator,
		Executor:     orchestration.NewParallelExecutor(logger),
		Store:        store,
		logger:       logger,
		ownsBackend:  ownsBackend,
	}, nil
}

func backendName(cfg *core.Config, deps Dependencies) string {
	switch {
	case deps.Backend != nil:
		return "injected"
	case cfg.RedisURL != "":
		return "redis"
	default:
		return "memory"
	}
}

// Close releases resources the core owns. Injected collaborators stay
// open; their lifecycle belongs to the host.
func (c *Core) Close() error {
	if c.ownsBackend {
		return c.Backend.Close()
	}
	return nil
}
