package domain

import (
	"errors"
	"fmt"
	"time"
)

// ServiceErrorKind tags a failure returned by the summarization or publishing
// service boundary.
type ServiceErrorKind string

const (
	ServiceRateLimited ServiceErrorKind = "rate_limited"
	ServiceTransient   ServiceErrorKind = "transient"
	ServiceFatal       ServiceErrorKind = "fatal"
)

// ServiceError is a classified failure from an external service adapter.
type ServiceError struct {
	Service    string
	Kind       ServiceErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the rate limit and transient sentinels.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == ServiceRateLimited
	case ErrTransient:
		return e.Kind == ServiceTransient
	}
	return false
}

// NewServiceError builds a classified service error.
func NewServiceError(service string, kind ServiceErrorKind, status int, err error) *ServiceError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &ServiceError{Service: service, Kind: kind, StatusCode: status, Err: err}
}

// KindOf extracts the tag of a service error. Untagged errors are fatal.
func KindOf(err error) ServiceErrorKind {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return ServiceFatal
}

// ClassifyHTTPStatus maps an HTTP status code to a service error kind.
func ClassifyHTTPStatus(status int) ServiceErrorKind {
	switch {
	case status == 429:
		return ServiceRateLimited
	case status == 408, status >= 500:
		return ServiceTransient
	default:
		return ServiceFatal
	}
}

var (
	// ErrRateLimited matches RateLimitError and rate limited ServiceErrors.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient matches transient ServiceErrors.
	ErrTransient = errors.New("service temporarily unavailable")
	// ErrCompositionInvariant is wrapped by CompositionInvariantViolation.
	ErrCompositionInvariant = errors.New("composition invariant violated")
)

// SourceFetchError reports a network or parse failure reading a source.
type SourceFetchError struct {
	SourceID string
	Err      error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch source %s: %v", e.SourceID, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// RateLimitError aborts processing of the current source for this run.
type RateLimitError struct {
	SourceID string
	ItemID   string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source %s rate limited at item %s: %v", e.SourceID, e.ItemID, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// TransientServiceError marks exhausted retries against a temporarily
// unavailable service.
type TransientServiceError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

func (e *TransientServiceError) Is(target error) bool { return target == ErrTransient }

// CompositionInvariantViolation is returned when the fixed parts of a post
// cannot fit the length budget. It signals a configuration or programming
// defect.
type CompositionInvariantViolation struct {
	Length int
	Limit  int
}

func (e *CompositionInvariantViolation) Error() string {
	return fmt.Sprintf("composed post has %d characters, limit %d", e.Length, e.Limit)
}

func (e *CompositionInvariantViolation) Unwrap() error { return ErrCompositionInvariant }

// StateCorruptionError reports an unreadable durable state document.
type StateCorruptionError struct {
	Location string
	Err      error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state %s is corrupt: %v", e.Location, e.Err)
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }
