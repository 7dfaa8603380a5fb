package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Construction errors
	ErrInvalidArgument = errors.New("invalid argument")

	// Discovery errors
	ErrServiceNotFound = errors.New("service not found")

	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// Transport errors
	ErrTransport = errors.New("transport failure")

	// Dispatch errors
	ErrDuplicateOperation = errors.New("operation already registered")
	ErrUnknownOperation   = errors.New("unknown operation")
)

// MeshError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type MeshError struct {
	Op      string // Operation that failed (e.g., "registry.Discover")
	Kind    string // Error kind (e.g., "registry", "breaker", "transport")
	ID      string // Optional ID of the entity involved (service name, correlation id)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *MeshError) Error() string {
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

// Unwrap returns the underlying error for use with errors.Is/As
func (e *MeshError) Unwrap() error {
	return e.Err
}

// NewMeshError creates a new MeshError
func NewMeshError(op, kind string, err error) *MeshError {
	return &MeshError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsInvalidArgument checks if an error represents malformed construction input.
// These are programmer errors and are never retried.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrUnknownOperation)
}

// IsCircuitOpen checks if an error is a circuit breaker fast-fail
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
// Circuit-open rejections are excluded: the breaker has already decided
// the dependency is known-bad, so an immediate retry is pointless.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
