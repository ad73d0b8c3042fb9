package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure into one of the canonical kinds the
// retry and failure-handling policies dispatch on. Policies compare
// kinds, never message strings.
type ErrorKind string

const (
	// Static / contract errors. Never retryable.
	KindInvalidWorkflow  ErrorKind = "invalid_workflow"
	KindCyclicDependency ErrorKind = "cyclic_dependency"
	KindUnknownStep      ErrorKind = "unknown_step"
	KindSchemaViolation  ErrorKind = "schema_violation"

	// Transient backend or network failures. Retryable.
	KindTransient ErrorKind = "transient"

	// Control-flow outcomes. Not retried unless a policy opts in.
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"

	// Optimistic concurrency. Caller merges and retries.
	KindVersionConflict ErrorKind = "version_conflict"

	// Backpressure. Retryable with caller-provided backoff; not
	// counted against step attempts.
	KindRateLimited ErrorKind = "rate_limited"

	// Safety layer. Requires human action to clear.
	KindDenied          ErrorKind = "denied"
	KindApprovalTimeout ErrorKind = "approval_timeout"

	// Lock / queue ownership violations. Recover by re-acquiring.
	KindNotOwner ErrorKind = "not_owner"
	KindExpired  ErrorKind = "expired"

	// Queue backpressure and terminal queue failure.
	KindQueueFull  ErrorKind = "queue_full"
	KindDeadLetter ErrorKind = "dead_letter"

	// Agent-loop errors. Bounded retry before Failed.
	KindPlanningFailed   ErrorKind = "planning_failed"
	KindValidationFailed ErrorKind = "validation_failed"

	// Anything unexpected. Non-retryable, logged with context.
	KindInternal ErrorKind = "internal"
)

// Sentinel errors for comparison with errors.Is(). Components wrap these
// with additional context via CoreError.
var (
	ErrNotFound         = errors.New("not found")
	ErrQueueEmpty       = errors.New("queue empty")
	ErrQueueFull        = errors.New("queue full")
	ErrLockNotAcquired  = errors.New("lock not acquired")
	ErrNotOwner         = errors.New("not lock owner")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrVersionConflict  = errors.New("version conflict")
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrToolNotFound     = errors.New("tool not found")
	ErrApprovalDenied   = errors.New("approval denied")
	ErrApprovalTimedOut = errors.New("approval timed out")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrBackendClosed    = errors.New("coordination backend closed")
)

// CoreError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CoreError struct {
	Op      string    // Operation that failed (e.g. "lock.Acquire")
	Kind    ErrorKind // Canonical kind for policy dispatch
	ID      string    // Optional ID of the entity involved
	Message string    // Human-readable message
	Err     error     // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *CoreError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewError creates a CoreError for the given operation and kind.
func NewError(op string, kind ErrorKind, err error) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: err}
}

// Errorf creates a CoreError with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...interface{}) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error into a canonical kind. Errors that carry
// no CoreError in their chain fall back to sentinel and context
// classification, and finally to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotOwner):
		return KindNotOwner
	case errors.Is(err, ErrLeaseExpired):
		return KindExpired
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrApprovalDenied):
		return KindDenied
	case errors.Is(err, ErrApprovalTimedOut):
		return KindApprovalTimeout
	}
	return KindInternal
}

// Retryable reports whether a kind is retried automatically by the
// orchestrator's default policy. Policies may widen this via RetryOn.
func Retryable(kind ErrorKind) bool {
	return kind == KindTransient
}

// IsTerminalKind reports whether a kind represents a static or contract
// error that no amount of retrying can fix.
func IsTerminalKind(kind ErrorKind) bool {
	switch kind {
	case KindInvalidWorkflow, KindCyclicDependency, KindUnknownStep,
		KindSchemaViolation, KindDenied, KindApprovalTimeout:
		return true
	}
	return false
}
