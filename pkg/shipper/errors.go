package shipper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds surfaced to callers. Every error returned by a Shipper or by
// the orchestrator for a single carrier matches exactly one of them with
// errors.Is. A fan-out where every carrier failed joins their errors.
var (
	// ErrValidation indicates the request violates an invariant. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrAuth indicates credentials were missing or rejected.
	ErrAuth = errors.New("authentication failed")

	// ErrCarrierRejected indicates the carrier understood and declined the request.
	ErrCarrierRejected = errors.New("rejected by carrier")

	// ErrTransient indicates a network failure or a carrier-side 5xx.
	ErrTransient = errors.New("transient carrier failure")

	// ErrTimeout indicates the operation deadline was exceeded.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnknownCarrier indicates the carrier is not configured.
	ErrUnknownCarrier = errors.New("unknown carrier")
)

// Well known codes carried by ShipperError.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeNetwork            = "NETWORK"
	CodeTokenRejected      = "TOKEN_REJECTED"
	CodeMissingCredentials = "MISSING_CREDENTIALS"
	CodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
	CodeDecode             = "DECODE"
)

// ShipperError represents an error from a shipping carrier, already
// translated into one of the error kinds above.
type ShipperError struct {
	Carrier    string
	Kind       error
	Code       string
	Message    string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *ShipperError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error (%s): %s: %v", e.Carrier, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Carrier, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ShipperError) Unwrap() error {
	return e.Cause
}

// Is matches the error kind, or another ShipperError with the same code.
func (e *ShipperError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	t, ok := target.(*ShipperError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewShipperError creates a new ShipperError of the given kind.
func NewShipperError(carrier string, kind error, code, message string) *ShipperError {
	return &ShipperError{
		Carrier: carrier,
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WithCause adds a cause to the error.
func (e *ShipperError) WithCause(err error) *ShipperError {
	e.Cause = err
	return e
}

// WithStatusCode adds an HTTP status code to the error.
func (e *ShipperError) WithStatusCode(code int) *ShipperError {
	e.StatusCode = code
	return e
}

// Violation is one failed invariant on one field.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every violated field of a request.
type ValidationError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Reason
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Add records a violation.
func (e *ValidationError) Add(field, reason string) {
	e.Violations = append(e.Violations, Violation{Field: field, Reason: reason})
}

// Fields returns the violated field paths in order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		fields[i] = v.Field
	}
	return fields
}

// ErrOrNil returns e when it holds violations and nil otherwise.
func (e *ValidationError) ErrOrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// NewValidationError returns a ValidationError with a single violation.
func NewValidationError(field, reason string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, reason)
	return v
}

// ClassifyStatus maps a non-success HTTP status from a carrier to an error kind.
func ClassifyStatus(carrier string, status int, code, message string) *ShipperError {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	if message == "" {
		message = http.StatusText(status)
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuth
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		kind = ErrTransient
	case status == http.StatusNotFound:
		kind = ErrCarrierRejected
		code = CodeNotFound
	default:
		kind = ErrCarrierRejected
	}
	return NewShipperError(carrier, kind, code, message).WithStatusCode(status)
}

// NetworkError wraps a transport failure as a transient error. Expired
// deadlines become timeouts; a cancelled context stays recognizable with
// errors.Is(err, context.Canceled).
func NetworkError(carrier string, err error) *ShipperError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewShipperError(carrier, ErrTimeout, CodeDeadlineExceeded, "deadline exceeded").WithCause(err)
	}
	return NewShipperError(carrier, ErrTransient, CodeNetwork, "carrier unreachable").WithCause(err)
}

// IsRetryable returns true if the error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsTokenRejected reports whether a carrier refused a cached access token.
// The token has already been invalidated when this is true.
func IsTokenRejected(err error) bool {
	var shipperErr *ShipperError
	return errors.As(err, &shipperErr) && shipperErr.Code == CodeTokenRejected
}

// IsNotFound reports whether the carrier did not know the requested object.
func IsNotFound(err error) bool {
	var shipperErr *ShipperError
	return errors.As(err, &shipperErr) && shipperErr.Code == CodeNotFound
}

// KindName returns a short label for the error kind, for metrics and logs.
func KindName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrCarrierRejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrUnknownCarrier):
		return "unknown_carrier"
	default:
		return "internal"
	}
}
