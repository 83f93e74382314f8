package scheduler

import (
	"errors"
	"fmt"
)

// HTTPError is a request that completed with a non-success status code.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Status)
}

// TimeoutError is a request that did not complete within its own timeout.
// It is distinct from context cancellation, which is never retried.
type TimeoutError struct {
	URL string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out", e.URL)
}

// NetworkError is a transport-level failure with no HTTP status.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IntegrityError is a response whose content failed validation.
type IntegrityError struct {
	URL    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("response from %s failed integrity check: %s", e.URL, e.Reason)
}

// RetryHint is a custom loader's own statement about retry eligibility.
type RetryHint int

const (
	// RetryHintUnknown defers the decision to the embedded transport error.
	RetryHintUnknown RetryHint = iota
	RetryHintYes
	RetryHintNo
)

// LoaderError is returned by custom resource loaders plugged in by the
// integrator. When the loader does not state retry eligibility itself, the
// embedded cause is classified instead.
type LoaderError struct {
	Message string
	Hint    RetryHint
	Cause   error
}

func (e *LoaderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loader error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("loader error: %s", e.Message)
}

func (e *LoaderError) Unwrap() error {
	return e.Cause
}

// ErrNoCdn is returned when no CDN can be selected at all.
var ErrNoCdn = errors.New("no CDN to request")

// ShouldRetry classifies an error as worth another attempt. HTTP status
// errors are retryable for server errors and for a few statuses known to
// be transient on some CDNs (404, 415, 412). Timeouts, transport failures
// and integrity failures are retryable. Anything else is not.
func ShouldRetry(err error) bool {
	var loaderErr *LoaderError
	if errors.As(err, &loaderErr) {
		switch loaderErr.Hint {
		case RetryHintYes:
			return true
		case RetryHintNo:
			return false
		default:
			if loaderErr.Cause == nil {
				return false
			}
			return shouldRetryTransport(loaderErr.Cause)
		}
	}
	return shouldRetryTransport(err)
}

func shouldRetryTransport(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= 500 {
			return true
		}
		switch httpErr.Status {
		case 404, 415, 412:
			return true
		}
		return false
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var integrityErr *IntegrityError
	return errors.As(err, &integrityErr)
}
