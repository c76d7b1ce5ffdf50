package errors

import (
	"net/http"
	"strconv"
)

// Error codes for relay operations.
const (
	ErrCodeProbeFailed        = "DISCOVERY_PROBE_FAILED"
	ErrCodeSourceFailed       = "DISCOVERY_SOURCE_FAILED"
	ErrCodeConnectFailed      = "UPSTREAM_CONNECT_FAILED"
	ErrCodeRetriesExhausted   = "UPSTREAM_RETRIES_EXHAUSTED"
	ErrCodeUpstreamClosed     = "UPSTREAM_CLOSED"
	ErrCodeNotDelivered       = "UPSTREAM_NOT_DELIVERED"
	ErrCodeObserverFailed     = "OBSERVER_FAILED"
	ErrCodeInterceptorFailed  = "INTERCEPTOR_FAILED"
	ErrCodeServiceNotFound    = "SERVICE_NOT_FOUND"
	ErrCodeServiceNotReady    = "SERVICE_NOT_READY"
	ErrCodeInvalidServiceName = "INVALID_SERVICE_NAME"
	ErrCodeStoreFailed        = "STORE_FAILED"
	ErrCodeInvalidConfig      = "CONFIG_INVALID"
)

// Comparable markers for errors.Is; matching is by type and code.
var (
	ErrServiceNotFound    = &RelayError{Type: TypeNotFound, Code: ErrCodeServiceNotFound}
	ErrServiceNotReady    = &RelayError{Type: TypeUnavailable, Code: ErrCodeServiceNotReady}
	ErrInvalidServiceName = &RelayError{Type: TypeValidation, Code: ErrCodeInvalidServiceName}
	ErrNotDelivered       = &RelayError{Type: TypeUnavailable, Code: ErrCodeNotDelivered}
	ErrRetriesExhausted   = &RelayError{Type: TypeUnavailable, Code: ErrCodeRetriesExhausted}
)

// NewProbeError reports a failed TCP health probe. The service is degraded, never fatal.
func NewProbeError(service, address string, cause error) *RelayError {
	return wrapOrNew(cause, TypeUnavailable, "health probe failed for "+service).
		WithCode(ErrCodeProbeFailed).
		WithComponent("discovery").
		WithOperation("probe").
		WithSeverity(SeverityLow).
		WithContext("service", service).
		WithContext("address", address)
}

// NewSourceError reports a discovery source that failed to list or query.
func NewSourceError(source string, cause error) *RelayError {
	return wrapOrNew(cause, TypeUnavailable, "discovery source "+source+" failed").
		WithCode(ErrCodeSourceFailed).
		WithComponent("discovery").
		WithOperation("discover").
		WithContext("source", source)
}

// NewConnectError reports an upstream dial failure; recovered through backoff.
func NewConnectError(service, url string, cause error) *RelayError {
	return wrapOrNew(cause, TypeUnavailable, "cannot connect upstream for "+service).
		WithCode(ErrCodeConnectFailed).
		WithComponent("lifecycle").
		WithOperation("connect").
		WithContext("service", service).
		WithContext("url", url).
		AsRetryable()
}

// NewExhaustedRetriesError reports a session removed after the attempt cap.
func NewExhaustedRetriesError(service string, attempts int) *RelayError {
	err := New(TypeUnavailable, "reconnect attempts exhausted for "+service+" after "+strconv.Itoa(attempts)+" attempts").
		WithCode(ErrCodeRetriesExhausted).
		WithComponent("lifecycle").
		WithOperation("reconnect").
		WithContext("service", service).
		WithContext("attempts", attempts).
		WithHTTPStatus(http.StatusServiceUnavailable)
	err.Retryable = false

	return err
}

// NewUpstreamClosedError reports an unexpected upstream close or read error.
func NewUpstreamClosedError(service string, cause error) *RelayError {
	return wrapOrNew(cause, TypeUnavailable, "upstream for "+service+" closed unexpectedly").
		WithCode(ErrCodeUpstreamClosed).
		WithComponent("lifecycle").
		WithOperation("read").
		WithContext("service", service).
		AsRetryable()
}

// NewNotDeliveredError reports an observer frame dropped because the upstream was not open.
func NewNotDeliveredError(service string) *RelayError {
	return New(TypeUnavailable, "message not delivered: upstream for "+service+" is not open").
		WithCode(ErrCodeNotDelivered).
		WithComponent("relay").
		WithOperation("forward").
		WithSeverity(SeverityLow).
		WithContext("service", service).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

// NewObserverError reports a failure local to one observer.
func NewObserverError(service, observerID string, cause error) *RelayError {
	return wrapOrNew(cause, TypeInternal, "observer "+observerID+" failed").
		WithCode(ErrCodeObserverFailed).
		WithComponent("relay").
		WithOperation("observer").
		WithSeverity(SeverityLow).
		WithContext("service", service).
		WithContext("observer_id", observerID)
}

// NewInterceptorError reports a matcher or sink failure. These are logged and swallowed.
func NewInterceptorError(service, operation string, cause error) *RelayError {
	return wrapOrNew(cause, TypeInternal, "interceptor "+operation+" failed").
		WithCode(ErrCodeInterceptorFailed).
		WithComponent("intercept").
		WithOperation(operation).
		WithSeverity(SeverityLow).
		WithContext("service", service)
}

// NewServiceNotFoundError reports an unknown backend name.
func NewServiceNotFoundError(service string) *RelayError {
	return New(TypeNotFound, "service "+service+" not found").
		WithCode(ErrCodeServiceNotFound).
		WithContext("service", service).
		WithHTTPStatus(http.StatusNotFound)
}

// NewServiceNotReadyError reports an attach attempted while the upstream is not open.
func NewServiceNotReadyError(service string) *RelayError {
	return New(TypeUnavailable, "service not ready: "+service).
		WithCode(ErrCodeServiceNotReady).
		WithComponent("relay").
		WithOperation("attach").
		WithSeverity(SeverityLow).
		WithContext("service", service).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

// NewInvalidServiceNameError reports a malformed backend name.
func NewInvalidServiceNameError(service string) *RelayError {
	return New(TypeValidation, "invalid service name").
		WithCode(ErrCodeInvalidServiceName).
		WithContext("service", service).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewStoreError reports a key-value store failure.
func NewStoreError(operation, key string, cause error) *RelayError {
	return wrapOrNew(cause, TypeUnavailable, "store "+operation+" failed for key "+key).
		WithCode(ErrCodeStoreFailed).
		WithComponent("store").
		WithOperation(operation).
		WithContext("key", key)
}

// NewConfigError reports an invalid configuration value.
func NewConfigError(field, message string) *RelayError {
	return New(TypeValidation, field+": "+message).
		WithCode(ErrCodeInvalidConfig).
		WithComponent("config").
		WithContext("field", field)
}

func wrapOrNew(cause error, errType ErrorType, message string) *RelayError {
	if cause == nil {
		return New(errType, message)
	}

	return WrapWithType(cause, errType, message)
}
