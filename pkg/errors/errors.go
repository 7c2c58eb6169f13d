// Package errors provides structured error handling for peakflow
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConstruction represents invalid dataset dimensions or names (fatal)
	ErrorTypeConstruction ErrorType = "construction"
	// ErrorTypeMutationAfterFinalize represents writes to a finalized dataset
	ErrorTypeMutationAfterFinalize ErrorType = "mutation_after_finalize"
	// ErrorTypeShapeMismatch represents measurement shape disagreements
	ErrorTypeShapeMismatch ErrorType = "shape_mismatch"
	// ErrorTypeDuplicateMeasurement represents an already-present measurement column
	ErrorTypeDuplicateMeasurement ErrorType = "duplicate_measurement"
	// ErrorTypeReferenceUnavailable represents missing reference context
	ErrorTypeReferenceUnavailable ErrorType = "reference_unavailable"
	// ErrorTypeRefinement represents a refinement step failure (aborts one frame)
	ErrorTypeRefinement ErrorType = "refinement"
	// ErrorTypeFrameDiscovery represents frame enumeration failures (fatal)
	ErrorTypeFrameDiscovery ErrorType = "frame_discovery"
	// ErrorTypeCacheCorruption represents unusable cache entries (non-fatal)
	ErrorTypeCacheCorruption ErrorType = "cache_corruption"
	// ErrorTypeStorage represents persistent store failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeConfig represents recipe/configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsFatal returns true if the error must abort the whole batch.
// Per-frame refinement failures and cache corruption are recoverable;
// construction, discovery, and config errors are not.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeConstruction, ErrorTypeFrameDiscovery, ErrorTypeConfig:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
