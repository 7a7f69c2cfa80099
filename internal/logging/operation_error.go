package logging

import (
	"fmt"
	"strings"
)

// OperationError annotates an infrastructure error with the step that failed.
type OperationError struct {
	Operation string
	RequestID string
	// Attempts is the number of tries made; zero or one means no retry.
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request_id=%s)", e.RequestID)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and request it belongs to.
// A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	return NewRetriedOperationError(operation, requestID, 1, err)
}

// NewRetriedOperationError is NewOperationError for a step that was tried
// attempts times.
func NewRetriedOperationError(operation, requestID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Attempts: attempts, Err: err}
}
