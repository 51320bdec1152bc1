package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a platform error independently of its HTTP status.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindUnauthenticated  Kind = "unauthenticated"
	KindUnauthorized     Kind = "unauthorized"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindPolicyDenied     Kind = "policy_denied"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindTimeout          Kind = "timeout"
	KindResourceLimit    Kind = "resource_limit"
	KindIntegrity        Kind = "integrity"
	KindInfrastructure   Kind = "infrastructure"
	KindUserError        Kind = "user_error"
	KindValidation       Kind = "validation"
	KindRateLimited      Kind = "rate_limited"
	KindOverloaded       Kind = "overloaded"
	KindCacheFull        Kind = "cache_full"
)

// PlatformError is an error that can be returned to clients.
type PlatformError struct {
	Code       int    `json:"code"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *PlatformError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *PlatformError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *PlatformError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &PlatformError{
		Code:    http.StatusNotFound,
		Kind:    KindNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &PlatformError{
		Code:    http.StatusMethodNotAllowed,
		Kind:    KindMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrUnauthorized = &PlatformError{
		Code:    http.StatusUnauthorized,
		Kind:    KindUnauthenticated,
		Message: "Unauthorized",
	}

	ErrForbidden = &PlatformError{
		Code:    http.StatusForbidden,
		Kind:    KindUnauthorized,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &PlatformError{
		Code:    http.StatusTooManyRequests,
		Kind:    KindRateLimited,
		Message: "Too Many Requests",
	}

	ErrPolicyDenied = &PlatformError{
		Code:    http.StatusBadGateway,
		Kind:    KindPolicyDenied,
		Message: "Outbound Connection Denied",
	}

	ErrQuotaExceeded = &PlatformError{
		Code:    http.StatusForbidden,
		Kind:    KindQuotaExceeded,
		Message: "Quota Exceeded",
	}

	ErrTimeout = &PlatformError{
		Code:    http.StatusInternalServerError,
		Kind:    KindTimeout,
		Message: "Execution Timed Out",
	}

	ErrServiceUnavailable = &PlatformError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindOverloaded,
		Message: "Service Unavailable",
	}

	// ErrCacheFull rejects a package fetch while the cache is at capacity
	// with every resident entry pinned by an active invocation.
	ErrCacheFull = &PlatformError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindCacheFull,
		Message: "Package Cache Full",
	}

	ErrBadRequest = &PlatformError{
		Code:    http.StatusBadRequest,
		Kind:    KindValidation,
		Message: "Bad Request",
	}

	// ErrInternalServer is the generic user-facing shape for infrastructure
	// failures; detail stays in the server logs.
	ErrInternalServer = &PlatformError{
		Code:    http.StatusInternalServerError,
		Kind:    KindInfrastructure,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*PlatformError][]byte

func init() {
	bases := []*PlatformError{
		ErrNotFound, ErrMethodNotAllowed, ErrUnauthorized, ErrForbidden,
		ErrTooManyRequests, ErrPolicyDenied, ErrQuotaExceeded, ErrTimeout,
		ErrServiceUnavailable, ErrCacheFull, ErrBadRequest, ErrInternalServer,
	}
	preSerialized = make(map[*PlatformError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new PlatformError.
func New(code int, kind Kind, message string) *PlatformError {
	return &PlatformError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a kind and client-facing message.
func Wrap(err error, code int, kind Kind, message string) *PlatformError {
	return &PlatformError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error.
func (e *PlatformError) WithDetails(details string) *PlatformError {
	return &PlatformError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error.
func (e *PlatformError) WithRequestID(requestID string) *PlatformError {
	return &PlatformError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsPlatformError checks if an error is a PlatformError.
func IsPlatformError(err error) (*PlatformError, bool) {
	if pe, ok := err.(*PlatformError); ok {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInfrastructure for foreign errors.
func KindOf(err error) Kind {
	if pe, ok := IsPlatformError(err); ok {
		return pe.Kind
	}
	return KindInfrastructure
}
