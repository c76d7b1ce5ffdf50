// Package errors provides the relay's error taxonomy: typed, coded errors
// that carry their own log severity, retry hint and HTTP status.
package errors

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"runtime"
	"strings"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	TypeValidation  ErrorType = "VALIDATION"
	TypeNotFound    ErrorType = "NOT_FOUND"
	TypeInternal    ErrorType = "INTERNAL"
	TypeTimeout     ErrorType = "TIMEOUT"
	TypeCanceled    ErrorType = "CANCELED"
	TypeConflict    ErrorType = "CONFLICT"
	TypeUnavailable ErrorType = "UNAVAILABLE"
)

// Severity of an error, used to pick the log level.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// statusClientClosedRequest follows the nginx convention.
const statusClientClosedRequest = 499

const maxStackDepth = 10

// class holds the defaults an error type starts with.
type class struct {
	status    int
	severity  Severity
	retryable bool
}

var classes = map[ErrorType]class{
	TypeValidation:  {http.StatusBadRequest, SeverityLow, false},
	TypeNotFound:    {http.StatusNotFound, SeverityLow, false},
	TypeConflict:    {http.StatusConflict, SeverityLow, false},
	TypeCanceled:    {statusClientClosedRequest, SeverityLow, false},
	TypeTimeout:     {http.StatusGatewayTimeout, SeverityMedium, true},
	TypeUnavailable: {http.StatusServiceUnavailable, SeverityMedium, true},
	TypeInternal:    {http.StatusInternalServerError, SeverityHigh, false},
}

func classOf(t ErrorType) class {
	if c, ok := classes[t]; ok {
		return c
	}

	return class{http.StatusInternalServerError, SeverityMedium, false}
}

// RelayError is the base error type for everything the relay reports.
type RelayError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Stack      []string               `json:"stack,omitempty"`
	Severity   Severity               `json:"severity"`
	Retryable  bool                   `json:"retryable"`
	HTTPStatus int                    `json:"http_status,omitempty"`
	Component  string                 `json:"component,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
}

// Error renders "[component] operation: message: cause", omitting empty parts.
func (e *RelayError) Error() string {
	var b strings.Builder

	if e.Component != "" {
		fmt.Fprintf(&b, "[%s] ", e.Component)
	}

	if e.Operation != "" {
		b.WriteString(e.Operation + ": ")
	}

	b.WriteString(e.Message)

	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}

	return b.String()
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so constructors can be compared with errors.Is.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)

	return ok && e.Type == t.Type && e.Code == t.Code
}

// WithContext adds one key to the error context.
func (e *RelayError) WithContext(key string, value interface{}) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}

	e.Context[key] = value

	return e
}

func (e *RelayError) WithCode(code string) *RelayError {
	e.Code = code

	return e
}

func (e *RelayError) WithOperation(operation string) *RelayError {
	e.Operation = operation

	return e
}

func (e *RelayError) WithComponent(component string) *RelayError {
	e.Component = component

	return e
}

// WithHTTPStatus overrides the status the error type maps to.
func (e *RelayError) WithHTTPStatus(status int) *RelayError {
	e.HTTPStatus = status

	return e
}

// WithSeverity overrides the default severity for the error type.
func (e *RelayError) WithSeverity(severity Severity) *RelayError {
	e.Severity = severity

	return e
}

func (e *RelayError) AsRetryable() *RelayError {
	e.Retryable = true

	return e
}

func build(errType ErrorType, message string, cause error) *RelayError {
	c := classOf(errType)

	return &RelayError{
		Type:      errType,
		Message:   message,
		Cause:     cause,
		Stack:     captureStack(4),
		Severity:  c.severity,
		Retryable: c.retryable,
	}
}

// New creates a RelayError with the defaults of errType and a stack trace.
func New(errType ErrorType, message string) *RelayError {
	return build(errType, message, nil)
}

// Wrap adds message to err. A RelayError anywhere in the chain keeps its
// classification; context cancellation and deadlines are typed as such;
// anything else is internal.
func Wrap(err error, message string) *RelayError {
	if err == nil {
		return nil
	}

	var re *RelayError
	if errors.As(err, &re) {
		wrapped := *re
		wrapped.Message = message
		wrapped.Cause = err
		wrapped.Context = maps.Clone(re.Context)
		wrapped.Stack = captureStack(3)

		return &wrapped
	}

	switch {
	case errors.Is(err, context.Canceled):
		return build(TypeCanceled, message, err)
	case errors.Is(err, context.DeadlineExceeded):
		return build(TypeTimeout, message, err)
	default:
		return build(TypeInternal, message, err)
	}
}

// WrapWithType wraps err with an explicit type.
func WrapWithType(err error, errType ErrorType, message string) *RelayError {
	if err == nil {
		return nil
	}

	return build(errType, message, err)
}

// IsType reports whether the outermost RelayError in the chain has errType.
func IsType(err error, errType ErrorType) bool {
	var re *RelayError

	return errors.As(err, &re) && re.Type == errType
}

// HasCode reports whether any RelayError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var re *RelayError
		if !errors.As(err, &re) {
			return false
		}

		if re.Code == code {
			return true
		}

		err = re.Cause
	}

	return false
}

// GetHTTPStatus returns the status for err: an explicit override, else the
// status of its type, else 500.
func GetHTTPStatus(err error) int {
	var re *RelayError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}

	if re.HTTPStatus > 0 {
		return re.HTTPStatus
	}

	return classOf(re.Type).status
}

// captureStack records up to maxStackDepth frames, skipping skip callers
// as runtime.Callers counts them.
func captureStack(skip int) []string {
	pcs := make([]uintptr, maxStackDepth)

	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]string, 0, n)

	for {
		f, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Function))

		if !more {
			break
		}
	}

	return stack
}

// NewValidationError creates a bad-request error.
func NewValidationError(message string) *RelayError {
	return New(TypeValidation, message)
}
