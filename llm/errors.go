package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures for retry policy.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindUnauthorized
	ErrKindRateLimited
	ErrKindModelNotFound
	ErrKindNetwork
)

// String returns a human-readable representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindUnauthorized:
		return "Unauthorized"
	case ErrKindRateLimited:
		return "RateLimited"
	case ErrKindModelNotFound:
		return "ModelNotFound"
	case ErrKindNetwork:
		return "NetworkError"
	default:
		return "Unknown"
	}
}

// ProviderError wraps a backend failure with retry metadata. RateLimited and
// Network failures are retryable with backoff; Unauthorized and ModelNotFound
// must surface immediately.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int // 0 for non-HTTP failures
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// classifyStatus maps an HTTP status to a ProviderError.
// 4xx client errors are terminal except 408 and 429; 5xx are retryable.
func classifyStatus(provider string, status int, body string) *ProviderError {
	kind := ErrKindUnknown
	retryable := false

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrKindUnauthorized
	case status == http.StatusNotFound:
		kind = ErrKindModelNotFound
	case status == http.StatusTooManyRequests:
		kind = ErrKindRateLimited
		retryable = true
	case status == http.StatusRequestTimeout:
		kind = ErrKindNetwork
		retryable = true
	case status >= 500:
		kind = ErrKindNetwork
		retryable = true
	}

	return &ProviderError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: status,
		Retryable:  retryable,
		Err:        fmt.Errorf("API error (status %d): %s", status, body),
	}
}

// networkError wraps a transport-level failure, which is always retryable
// unless it was a caller cancellation.
func networkError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{
		Provider:  provider,
		Kind:      ErrKindNetwork,
		Retryable: true,
		Err:       err,
	}
}
