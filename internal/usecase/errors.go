package usecase

import (
	"errors"
	"fmt"
)

// FailureKind tags why an analysis did not produce a score.
type FailureKind string

// Content failures: the photo was processed but cannot be scored.
const (
	KindNoDetection        FailureKind = "no_detection"
	KindAmbiguousDetection FailureKind = "ambiguous_detection"
	KindNoTransition       FailureKind = "no_transition"
	KindInvalidImage       FailureKind = "invalid_image"
)

// Infrastructure failures.
const (
	KindFetchFailed   FailureKind = "fetch_failed"
	KindLocatorFailed FailureKind = "locator_failed"
	KindPublishFailed FailureKind = "publish_failed"
	KindStorageFailed FailureKind = "storage_failed"
)

var (
	// ErrResultPending reports a request that is still being analysed.
	ErrResultPending = errors.New("analysis still in progress")
	// ErrNotFound reports an unknown request id for the caller.
	ErrNotFound = errors.New("analysis not found")
	// ErrNotScored reports an analysis that failed and so cannot join a bar.
	ErrNotScored = errors.New("analysis has no score")
	// ErrInvalidBar reports a bar without an id or name.
	ErrInvalidBar = errors.New("bar id and name are required")
)

// IsContentFailure reports whether the kind describes the photo rather than
// a fault in a dependency. Content failures are deterministic and never retried.
func (k FailureKind) IsContentFailure() bool {
	switch k {
	case KindNoDetection, KindAmbiguousDetection, KindNoTransition, KindInvalidImage:
		return true
	}
	return false
}

// AnalysisError is the tagged error returned by Analyze.
type AnalysisError struct {
	Kind      FailureKind
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (request_id=%s): %v", e.Kind, e.RequestID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AnalysisError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the failure kind from err.
func KindOf(err error) (FailureKind, bool) {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
