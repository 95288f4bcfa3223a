package errors

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure independently of its HTTP status.
type Kind string

const (
	KindConfig                Kind = "ConfigError"
	KindRouteNotFound         Kind = "RouteNotFound"
	KindRateLimitExceeded     Kind = "RateLimitExceeded"
	KindInterceptorResolution Kind = "InterceptorResolutionError"
	KindInterceptorExecution  Kind = "InterceptorExecutionError"
	KindUpstreamUnavailable   Kind = "UpstreamUnavailable"
	KindUpstreamProtocol      Kind = "UpstreamProtocolError"
	// KindRejected marks deliberate client-facing rejections produced by
	// interceptors (401, 403, 400...).
	KindRejected Kind = "Rejected"
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Kind       Kind   `json:"-"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is reports whether target is a *GatewayError of the same kind and status,
// so derived copies (WithDetails, Wrap) still match their sentinel.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
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
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
		Kind:    KindRouteNotFound,
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
		Kind:    KindRateLimitExceeded,
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		Kind:    KindUpstreamUnavailable,
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
		Kind:    KindUpstreamUnavailable,
	}

	ErrUpstreamProtocol = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		Kind:    KindUpstreamProtocol,
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		Kind:    KindInterceptorExecution,
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
		Kind:    KindRejected,
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
		Kind:    KindRejected,
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
		Kind:    KindRejected,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrTooManyRequests, ErrBadGateway, ErrGatewayTimeout,
		ErrUpstreamProtocol, ErrInternalServer, ErrUnauthorized, ErrForbidden,
		ErrBadRequest,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(kind Kind, code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, kind Kind, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		Kind:       kind,
		underlying: err,
	}
}

// Config builds a startup-time configuration error. These never reach a client.
func Config(format string, args ...any) *GatewayError {
	return &GatewayError{
		Code:       http.StatusInternalServerError,
		Message:    "invalid configuration",
		Kind:       KindConfig,
		underlying: fmt.Errorf(format, args...),
	}
}

// Resolution builds an interceptor resolution error for the named interceptor.
func Resolution(name string, err error) *GatewayError {
	return &GatewayError{
		Code:       http.StatusInternalServerError,
		Message:    fmt.Sprintf("interceptor %q", name),
		Kind:       KindInterceptorResolution,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		Kind:       e.Kind,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		Kind:       e.Kind,
		underlying: e.underlying,
	}
}

// WithCause returns a copy carrying err as the underlying cause.
func (e *GatewayError) WithCause(err error) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		Kind:       e.Kind,
		underlying: err,
	}
}

// AsGatewayError finds the first GatewayError in err's chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if goerrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the kind of the first GatewayError in err's chain, or "".
func KindOf(err error) Kind {
	if ge, ok := AsGatewayError(err); ok {
		return ge.Kind
	}
	return ""
}
