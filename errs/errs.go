// Package errs provides structured error types and helpers for GlowBack services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a gateway error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing run or optimization.
	CodeNotFound Code = "not_found"
	// CodeNotReady indicates a result requested before the job reached a
	// terminal state. Distinct from CodeNotFound: the record exists.
	CodeNotReady Code = "not_ready"
	// CodeEngine indicates a failure inside the backtest engine.
	CodeEngine Code = "engine_error"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the GlowBack stack.
type E struct {
	Scope   string
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		HTTP:    0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the gateway error code from err, or empty when err does not
// wrap an envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsNotReady reports whether err carries CodeNotReady.
func IsNotReady(err error) bool { return CodeOf(err) == CodeNotReady }

// HTTPStatus maps the envelope to an HTTP status code, honouring an explicit
// WithHTTP override first.
func HTTPStatus(err error) int {
	var envelope *E
	if !errors.As(err, &envelope) {
		return http.StatusInternalServerError
	}
	if envelope.HTTP > 0 {
		return envelope.HTTP
	}
	switch envelope.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotReady:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
