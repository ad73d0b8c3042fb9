package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	// Basic logging methods
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware methods for distributed tracing and request correlation
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component context support.
// This allows different parts of the core to have their own component
// identifier while sharing the same base configuration.
//
// Component naming convention:
//   - "core/backend"        - Coordination backend
//   - "core/orchestration"  - Workflow orchestrator
//   - "core/coordination"   - Locks, queue, state sync
//   - "core/safety"         - Tool registry and safety controller
//   - "core/agent"          - Agents and coordinator
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// LLMClient is the contract with the hosting program's LLM provider.
// The core never talks to a provider directly; planners and agents
// consume this interface only.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error)
	GenerateStream(ctx context.Context, prompt string, options *LLMOptions) (<-chan LLMChunk, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMOptions for generation requests.
type LLMOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse from a generation request.
type LLMResponse struct {
	Text         string
	FinishReason string
	Usage        TokenUsage
}

// LLMChunk is a single streamed fragment.
type LLMChunk struct {
	Text string
	Err  error
}

// TokenUsage reported by the provider.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// DatabaseClient is the uniform query interface the core consumes.
// Concrete drivers (PostgreSQL, Oracle, Mongo, ...) live in the host.
// All methods are cancellable through the context.
type DatabaseClient interface {
	Execute(ctx context.Context, statement string, params ...interface{}) (*ResultSet, error)
	ExecuteMany(ctx context.Context, statements []string) ([]*ResultSet, error)
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is an open database transaction.
type Tx interface {
	Execute(ctx context.Context, statement string, params ...interface{}) (*ResultSet, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ResultSet is a uniform query result.
type ResultSet struct {
	Columns      []string
	Rows         [][]interface{}
	RowsAffected int64
}

// VectorStore is the contract with the host's vector database.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]interface{}) error
	Search(ctx context.Context, query []float32, k int, filter map[string]interface{}) ([]VectorMatch, error)
}

// VectorMatch is a single similarity-search hit.
type VectorMatch struct {
	ID       string
	Score    float32
	Metadata map[string]interface{}
}

// CredentialVault resolves named secrets. Secrets are opaque byte
// strings; the core never logs them and audit records are redacted.
type CredentialVault interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// ApprovalDecision is the outcome of a human approval request.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
	ApprovalTimeout  ApprovalDecision = "timeout"
)

// ApprovalRequest describes a gated call awaiting human review.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	Caller        string                 `json:"caller"`
	Tool          string                 `json:"tool"`
	RiskLevel     string                 `json:"risk_level"`
	RedactedInput map[string]interface{} `json:"redacted_input"`
	Reason        string                 `json:"reason,omitempty"`
	Deadline      time.Time              `json:"deadline"`
}

// ApprovalSink collects approval requests and returns decisions.
// Implementations block until a decision is made or the deadline passes.
type ApprovalSink interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// AuditEvent is the persisted audit record schema.
type AuditEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	RunID         string                 `json:"run_id,omitempty"`
	StepID        string                 `json:"step_id,omitempty"`
	Actor         string                 `json:"actor"`
	Tool          string                 `json:"tool,omitempty"`
	RiskLevel     string                 `json:"risk_level,omitempty"`
	Decision      string                 `json:"decision"`
	DurationMs    int64                  `json:"duration_ms"`
	ErrorKind     string                 `json:"error_kind,omitempty"`
	RedactedInput map[string]interface{} `json:"redacted_input,omitempty"`
}

// AuditSink persists audit events. Writes are best-effort but a failed
// write must not be silently dropped: implementations either retry or
// surface the error to the caller.
type AuditSink interface {
	Write(ctx context.Context, event AuditEvent) error
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpAuditSink discards audit events. The safety controller accepts it
// like any other sink, so audit events of every risk level, critical
// included, are dropped.
type NoOpAuditSink struct{}

func (n *NoOpAuditSink) Write(ctx context.Context, event AuditEvent) error { return nil }
