// Package errors provides structured error types for encloop operations.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// KindConfig represents configuration validation errors.
	KindConfig ErrorKind = iota
	// KindResourceExhaustion represents thread or memory allocation failures
	// while building the worker pool. Fatal to the encode.
	KindResourceExhaustion
	// KindDependencyPoisoned represents a frame whose references can never be
	// reconstructed because an upstream frame failed.
	KindDependencyPoisoned
	// KindMalformedGop represents a GOP whose reference graph is cyclic or
	// references pictures that are neither earlier in decode order nor
	// already reconstructed.
	KindMalformedGop
	// KindBlockCoder represents a fatal error reported by the block coder.
	KindBlockCoder
	// KindPoolClosed represents dispatch attempted after pool shutdown.
	KindPoolClosed
	// KindSink represents a failure of the access unit sink.
	KindSink
	// KindOperationFailed represents general operation failures.
	KindOperationFailed
	// KindCancelled represents cancelled operations.
	KindCancelled
)

// String returns a string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "Configuration error"
	case KindResourceExhaustion:
		return "Resource exhaustion"
	case KindDependencyPoisoned:
		return "Dependency poisoned"
	case KindMalformedGop:
		return "Malformed GOP"
	case KindBlockCoder:
		return "Block coder error"
	case KindPoolClosed:
		return "Worker pool closed"
	case KindSink:
		return "Sink error"
	case KindOperationFailed:
		return "Operation failed"
	case KindCancelled:
		return "Operation cancelled"
	default:
		return "Unknown error"
	}
}

// CoreError is the main error type for encloop operations.
type CoreError struct {
	Kind       ErrorKind
	Message    string
	Underlying error
}

func (e *CoreError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Underlying
}

// Is reports whether target matches this error's kind.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *CoreError {
	return &CoreError{Kind: KindConfig, Message: message}
}

// NewResourceExhaustionError creates an error for a failed thread or memory
// allocation.
func NewResourceExhaustionError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindResourceExhaustion, Message: message, Underlying: underlying}
}

// NewDependencyPoisonedError creates an error for a frame whose references
// were poisoned by an upstream failure.
func NewDependencyPoisonedError(poc int) *CoreError {
	return &CoreError{
		Kind:    KindDependencyPoisoned,
		Message: fmt.Sprintf("references of POC %d will never be reconstructed", poc),
	}
}

// NewMalformedGopError creates an error for an invalid reference graph.
func NewMalformedGopError(message string) *CoreError {
	return &CoreError{Kind: KindMalformedGop, Message: message}
}

// NewBlockCoderError creates an error for a fatal block coder failure.
func NewBlockCoderError(poc, block int, underlying error) *CoreError {
	return &CoreError{
		Kind:       KindBlockCoder,
		Message:    fmt.Sprintf("coding block %d of POC %d", block, poc),
		Underlying: underlying,
	}
}

// NewPoolClosedError creates an error for dispatch after shutdown.
func NewPoolClosedError() *CoreError {
	return &CoreError{Kind: KindPoolClosed, Message: "worker pool has been shut down"}
}

// NewSinkError creates an error for a failed access unit hand-off.
func NewSinkError(poc int, underlying error) *CoreError {
	return &CoreError{
		Kind:       KindSink,
		Message:    fmt.Sprintf("emitting access unit for POC %d", poc),
		Underlying: underlying,
	}
}

// NewOperationFailedError creates a new general operation failure error.
func NewOperationFailedError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindOperationFailed, Message: message, Underlying: underlying}
}

// NewCancelledError creates an error for cancelled operations.
func NewCancelledError(underlying error) *CoreError {
	return &CoreError{Kind: KindCancelled, Message: "operation was cancelled", Underlying: underlying}
}

// IsKind checks if the error has the specified kind.
func IsKind(err error, kind ErrorKind) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind == kind
	}
	return false
}

// IsCancelled checks if the error is a cancellation error.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// IsDependencyPoisoned checks if the error comes from a poisoned window.
func IsDependencyPoisoned(err error) bool {
	return IsKind(err, KindDependencyPoisoned)
}

// IsFatal reports whether the error must abort the encode session.
// Resource exhaustion is the only kind that cannot be recovered by starting a
// new window at the next intra picture.
func IsFatal(err error) bool {
	return IsKind(err, KindResourceExhaustion) || IsKind(err, KindPoolClosed)
}
