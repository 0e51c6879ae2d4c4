package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindConfiguration marks an invalid RouteMap. Fatal at startup.
	KindConfiguration Kind = "configuration"
	// KindResolution marks a request that matched no version or route.
	KindResolution Kind = "resolution"
	// KindUpstream marks a failed or refused upstream call.
	KindUpstream Kind = "upstream"
	// KindInternal marks a failure inside the gateway itself.
	KindInternal Kind = "internal"
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Code              int      `json:"code"`
	Kind              Kind     `json:"kind"`
	Message           string   `json:"message"`
	Details           string   `json:"details,omitempty"`
	RequestID         string   `json:"request_id,omitempty"`
	Method            string   `json:"method,omitempty"`
	Path              string   `json:"path,omitempty"`
	Version           *string  `json:"version,omitempty"`
	Service           string   `json:"service,omitempty"`
	SupportedVersions []string `json:"supported_versions,omitempty"`
	underlying        error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
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
	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    KindResolution,
		Message: "Bad Request",
	}

	ErrUnsupportedVersion = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    KindResolution,
		Message: "Unsupported API Version",
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    KindResolution,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Code:    http.StatusMethodNotAllowed,
		Kind:    KindResolution,
		Message: "Method Not Allowed",
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Kind:    KindResolution,
		Message: "Request Entity Too Large",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    KindResolution,
		Message: "Too Many Requests",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    KindUpstream,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindUpstream,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    KindUpstream,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    KindInternal,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrUnsupportedVersion, ErrNotFound, ErrMethodNotAllowed,
		ErrRequestEntityTooLarge, ErrTooManyRequests, ErrBadGateway,
		ErrServiceUnavailable, ErrGatewayTimeout, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	if e.SupportedVersions != nil {
		c.SupportedVersions = append([]string(nil), e.SupportedVersions...)
	}
	return &c
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithRequest records the method and path the client sent.
func (e *GatewayError) WithRequest(method, path string) *GatewayError {
	c := e.clone()
	c.Method = method
	c.Path = path
	return c
}

// WithVersion records the version that was tried. An empty version is
// still reported so clients can tell "no version" from "not relevant".
func (e *GatewayError) WithVersion(version string) *GatewayError {
	c := e.clone()
	c.Version = &version
	return c
}

// WithService records the upstream service involved.
func (e *GatewayError) WithService(service string) *GatewayError {
	c := e.clone()
	c.Service = service
	return c
}

// WithSupportedVersions lists the versions a client may use instead.
func (e *GatewayError) WithSupportedVersions(versions []string) *GatewayError {
	c := e.clone()
	c.SupportedVersions = append([]string(nil), versions...)
	return c
}

// WithCause attaches an underlying error. It is never serialized.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// ErrInvalidRouteMap is the sentinel every ConfigError unwraps to.
var ErrInvalidRouteMap = stderrors.New("invalid route map")

// ConfigError carries every problem found while validating a RouteMap.
type ConfigError struct {
	Problems []string
}

// NewConfigError returns a ConfigError for the given validation messages.
func NewConfigError(problems []string) *ConfigError {
	return &ConfigError{Problems: append([]string(nil), problems...)}
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 0 {
		return ErrInvalidRouteMap.Error()
	}
	return fmt.Sprintf("%s (%d problems): %s", ErrInvalidRouteMap, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidRouteMap
}

// Kind reports KindConfiguration.
func (e *ConfigError) Kind() Kind {
	return KindConfiguration
}
