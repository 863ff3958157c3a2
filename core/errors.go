package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Plan-related errors
	ErrPlanNotFound   = errors.New("plan not found")
	ErrNoMatchingPlan = errors.New("no plan matches goal")
	ErrInvalidPlan    = errors.New("invalid plan definition")

	// ErrPlanMaterialization wraps graph construction failures while turning
	// a plan into an executable graph.
	ErrPlanMaterialization = errors.New("plan materialization failed")

	// Graph-related errors
	ErrInvalidGraph      = errors.New("invalid execution graph")
	ErrDuplicateNode     = errors.New("duplicate node id")
	ErrUnknownDependency = errors.New("dependency references unknown node")
	ErrGraphCycle        = errors.New("graph contains a cycle")
	ErrNoEntryNodes      = errors.New("graph has no entry nodes")
	ErrNoHandler         = errors.New("no handler registered for node type")

	// Bus-related errors
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrBusShuttingDown  = errors.New("message bus shutting down")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrNoRoute          = errors.New("no route to recipient")
	ErrInvalidMessage   = errors.New("message failed boundary validation")
	ErrAlreadyShutdown  = errors.New("already shut down")
	ErrAgentNotRegistered = errors.New("agent not registered")

	// Provider-related errors
	ErrNoProvidersEnabled = errors.New("no providers enabled")
	ErrProviderNotEnabled = errors.New("provider not enabled")
	ErrInvalidProvider    = errors.New("invalid provider name")
	ErrInvalidTemperature = errors.New("invalid temperature")
	ErrAllProvidersFailed = errors.New("all providers failed")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "factory.CreatePlan")
	Kind    string // Error kind (e.g., "plan", "graph", "bus", "provider")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError.
func NewOrchestratorError(op, kind string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error represents a transient condition worth
// retrying. Validation and state errors are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrNoMatchingPlan) ||
		errors.Is(err, ErrUnknownAgent) ||
		errors.Is(err, ErrNoRoute)
}

// IsValidation checks if an error is caller-fixable input validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.Is(err, ErrInvalidProvider) ||
		errors.Is(err, ErrInvalidTemperature) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidConfiguration)
}
