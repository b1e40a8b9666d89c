package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a provider failure for retry and failover decisions.
type ErrorKind string

const (
	// KindUnavailable indicates the backend could not be reached at all.
	KindUnavailable ErrorKind = "unavailable"

	// KindTimeout indicates the request exceeded the adapter deadline.
	KindTimeout ErrorKind = "timeout"

	// KindAuthError indicates rejected credentials (HTTP 401, 403).
	KindAuthError ErrorKind = "auth_error"

	// KindModelNotFound indicates the requested model does not exist or is
	// not loaded (HTTP 404).
	KindModelNotFound ErrorKind = "model_not_found"

	// KindRateLimited indicates throttling (HTTP 429).
	KindRateLimited ErrorKind = "rate_limited"

	// KindServerError indicates a backend-side failure (HTTP 5xx).
	KindServerError ErrorKind = "server_error"

	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable reports whether retrying the same provider may succeed.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindUnavailable, KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the error warrants switching to a fallback
// provider instead of retrying the same one.
func (k ErrorKind) ShouldFailover() bool {
	switch k {
	case KindUnavailable, KindAuthError, KindModelNotFound:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM backend. The Kind drives
// the agent loop's RUN_FAILED reason and the host's failover policy.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the underlying kind is retryable.
func (e *ProviderError) Retryable() bool {
	return e.Kind.IsRetryable()
}

// NewProviderError wraps cause with provider context, classifying the kind
// from the cause's text. Use WithStatus when an HTTP status is available; it
// gives a more reliable classification.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = ClassifyError(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if k := classifyStatus(status); k != KindUnknown {
		e.Kind = k
	}
	return e
}

// WithCode records a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithKind forces the kind, overriding classification.
func (e *ProviderError) WithKind(kind ErrorKind) *ProviderError {
	e.Kind = kind
	return e
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Non-provider
// errors classify by inspection.
func KindOf(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ClassifyError(err)
}

// ClassifyError inspects an error and maps it onto an ErrorKind. It is a
// fallback for errors that carry no HTTP status.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"):
		return KindRateLimited
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "forbidden"),
		strings.Contains(s, "authentication"):
		return KindAuthError
	case strings.Contains(s, "model") && strings.Contains(s, "not found"):
		return KindModelNotFound
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "eof"):
		return KindUnavailable
	default:
		return KindUnknown
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthError
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}
