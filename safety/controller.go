package safety

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dimensigon/aishell/core"
	"github.com/dimensigon/aishell/resilience"
	"github.com/dimensigon/aishell/telemetry"
)

// Decision is the controller's ruling on an intended invocation.
type Decision string

const (
	DecisionAutoApproved Decision = "auto_approved"
	DecisionApproved     Decision = "approved"
	DecisionDenied       Decision = "denied"
	DecisionTimeout      Decision = "approval_timeout"
	DecisionRateLimited  Decision = "rate_limited"
	DecisionRejected     Decision = "rejected" // schema or registry failure
)

// ToolCall is an intended tool invocation.
type ToolCall struct {
	Caller         string                 `json:"caller"`
	RunID          string                 `json:"run_id,omitempty"`
	StepID         string                 `json:"step_id,omitempty"`
	Tool           string                 `json:"tool"`
	Params         map[string]interface{} `json:"params"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
}

// ToolResult is the outcome of an approved, executed call.
type ToolResult struct {
	Tool       string      `json:"tool"`
	Output     interface{} `json:"output"`
	Decision   Decision    `json:"decision"`
	DurationMs int64       `json:"duration_ms"`
	Replayed   bool        `json:"replayed,omitempty"`
}

// ControllerConfig configures a SafetyController.
type ControllerConfig struct {
	// ApprovalTimeout bounds the wait for a human decision.
	// Default: 5m
	ApprovalTimeout time.Duration

	// IdempotencyCacheSize bounds the replay-dedup cache.
	// Default: 4096
	IdempotencyCacheSize int

	Logger core.Logger
}

// SafetyController gates every tool invocation. The decision table:
//
//	safe, low  -> auto-approve
//	medium     -> auto-approve unless the descriptor requires approval
//	high       -> human approval required
//	critical   -> human approval required, audited on every outcome
//
// Rate limits are checked before input validation so a flooding caller
// is rejected cheaply, and every invocation is audited with redacted
// inputs.
type SafetyController struct {
	registry *ToolRegistry
	limiter  *RateLimiter
	approval core.ApprovalSink
	audit    core.AuditSink
	config   ControllerConfig
	logger   core.Logger

	// dedup caches results by idempotency key so replayed calls
	// (crash recovery, queue redelivery) do not re-execute tools.
	dedup *lru.Cache[string, *ToolResult]

	nowFunc func() time.Time
}

// NewSafetyController wires the controller. The approval sink may be
// nil, in which case high and critical calls are denied outright.
func NewSafetyController(registry *ToolRegistry, limiter *RateLimiter, approval core.ApprovalSink, audit core.AuditSink, config ControllerConfig) (*SafetyController, error) {
	if registry == nil {
		return nil, core.Errorf(core.KindSchemaViolation, "safety controller requires a tool registry")
	}
	if audit == nil {
		return nil, core.Errorf(core.KindSchemaViolation, "safety controller requires an audit sink")
	}
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = 5 * time.Minute
	}
	if config.IdempotencyCacheSize <= 0 {
		config.IdempotencyCacheSize = 4096
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/safety")
	}

	dedup, err := lru.New[string, *ToolResult](config.IdempotencyCacheSize)
	if err != nil {
		return nil, core.NewError("safety.New", core.KindInternal, err)
	}

	return &SafetyController{
		registry: registry,
		limiter:  limiter,
		approval: approval,
		audit:    audit,
		config:   config,
		logger:   logger,
		dedup:    dedup,
		nowFunc:  time.Now,
	}, nil
}

// Invoke runs a tool call through the full gate. Errors carry the
// canonical kind for the caller's retry policy; Denied and
// ApprovalTimeout require human action and are never retried
// automatically.
func (c *SafetyController) Invoke(ctx context.Context, call ToolCall) (*ToolResult, error) {
	start := c.nowFunc()

	if call.IdempotencyKey != "" {
		if cached, ok := c.dedup.Get(call.IdempotencyKey); ok {
			replay := *cached
			replay.Replayed = true
			return &replay, nil
		}
	}

	tool, err := c.registry.Get(call.Tool)
	if err != nil {
		c.writeAudit(ctx, call, "", DecisionRejected, start, err)
		return nil, err
	}
	descriptor := tool.Descriptor

	// Rate limit before schema validation: when both would fail, the
	// rate-limit error wins to protect downstream.
	if c.limiter != nil {
		if err := c.limiter.Allow(ctx, call.Tool, call.Caller, descriptor.RateLimit); err != nil {
			if core.KindOf(err) == core.KindRateLimited {
				c.writeAudit(ctx, call, descriptor.RiskLevel, DecisionRateLimited, start, err)
			}
			return nil, err
		}
	}

	if err := ValidateInput(descriptor.InputSchema, call.Params); err != nil {
		c.writeAudit(ctx, call, descriptor.RiskLevel, DecisionRejected, start, err)
		return nil, err
	}

	decision, err := c.decide(ctx, call, descriptor)
	if err != nil {
		c.writeAudit(ctx, call, descriptor.RiskLevel, decision, start, err)
		return nil, err
	}

	output, execErr := c.execute(ctx, tool, call)
	duration := c.nowFunc().Sub(start)

	c.writeAudit(ctx, call, descriptor.RiskLevel, decision, start, execErr)

	if execErr != nil {
		return nil, execErr
	}

	result := &ToolResult{
		Tool:       call.Tool,
		Output:     output,
		Decision:   decision,
		DurationMs: duration.Milliseconds(),
	}
	if call.IdempotencyKey != "" {
		c.dedup.Add(call.IdempotencyKey, result)
	}
	return result, nil
}

// decide applies the risk decision table, requesting human approval
// where required.
func (c *SafetyController) decide(ctx context.Context, call ToolCall, descriptor ToolDescriptor) (Decision, error) {
	needsApproval := false
	switch descriptor.RiskLevel {
	case RiskSafe, RiskLow:
	case RiskMedium:
		needsApproval = descriptor.RequiresApproval
	case RiskHigh, RiskCritical:
		needsApproval = true
	}

	if !needsApproval {
		return DecisionAutoApproved, nil
	}

	if c.approval == nil {
		return DecisionDenied, core.NewError("safety.decide", core.KindDenied,
			fmt.Errorf("%w: no approval sink configured for %s-risk tool %s",
				core.ErrApprovalDenied, descriptor.RiskLevel, call.Tool))
	}

	deadline := c.nowFunc().Add(c.config.ApprovalTimeout)
	approvalCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req := core.ApprovalRequest{
		ID:            uuid.New().String(),
		Caller:        call.Caller,
		Tool:          call.Tool,
		RiskLevel:     string(descriptor.RiskLevel),
		RedactedInput: Redact(call.Params),
		Reason:        call.Reason,
		Deadline:      deadline,
	}

	telemetry.AddSpanEvent(ctx, "approval_requested",
		attribute.String("tool", call.Tool),
		attribute.String("risk_level", string(descriptor.RiskLevel)),
	)

	decision, err := c.approval.RequestApproval(approvalCtx, req)
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || approvalCtx.Err() == context.DeadlineExceeded):
		return DecisionTimeout, core.NewError("safety.decide", core.KindApprovalTimeout, core.ErrApprovalTimedOut)
	case err != nil:
		return DecisionDenied, core.NewError("safety.decide", core.KindDenied, err)
	}

	switch decision {
	case core.ApprovalApproved:
		return DecisionApproved, nil
	case core.ApprovalTimeout:
		return DecisionTimeout, core.NewError("safety.decide", core.KindApprovalTimeout, core.ErrApprovalTimedOut)
	default:
		return DecisionDenied, core.NewError("safety.decide", core.KindDenied, core.ErrApprovalDenied)
	}
}

// execute invokes the tool handler, mapping panics to Internal errors.
func (c *SafetyController) execute(ctx context.Context, tool *RegisteredTool, call ToolCall) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorWithContext(ctx, "Tool handler panic", map[string]interface{}{
				"tool":  call.Tool,
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			})
			output = nil
			err = core.Errorf(core.KindInternal, "tool %s panicked: %v", call.Tool, r)
		}
	}()

	return tool.Handler(ctx, call.Params)
}

// writeAudit records the invocation outcome. Audit writes are retried;
// a persistent failure is surfaced in the log and, for critical-risk
// calls, escalated to an error counter rather than dropped silently.
func (c *SafetyController) writeAudit(ctx context.Context, call ToolCall, risk RiskLevel, decision Decision, start time.Time, callErr error) {
	event := core.AuditEvent{
		Timestamp:     start,
		RunID:         call.RunID,
		StepID:        call.StepID,
		Actor:         call.Caller,
		Tool:          call.Tool,
		RiskLevel:     string(risk),
		Decision:      string(decision),
		DurationMs:    c.nowFunc().Sub(start).Milliseconds(),
		RedactedInput: Redact(call.Params),
	}
	if callErr != nil {
		event.ErrorKind = string(core.KindOf(callErr))
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	auditCtx := ctx
	if auditCtx.Err() != nil {
		// The call was cancelled; the audit record still has to land.
		var cancel context.CancelFunc
		auditCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}

	err := resilience.Retry(auditCtx, retryCfg, func() error {
		if werr := c.audit.Write(auditCtx, event); werr != nil {
			return core.NewError("audit.Write", core.KindTransient, werr)
		}
		return nil
	})
	if err != nil {
		telemetry.Counter(ctx, "aishell.audit.write_failures", attribute.String("tool", call.Tool))
		c.logger.ErrorWithContext(ctx, "Audit write failed after retries", map[string]interface{}{
			"tool":     call.Tool,
			"decision": string(decision),
			"error":    err.Error(),
		})
	}

	telemetry.Counter(ctx, "aishell.safety.decisions",
		attribute.String("decision", string(decision)),
		attribute.String("risk_level", string(risk)),
	)
}
