package errors

import (
	"errors"

	"github.com/KennLDN/mc-panel-docker/internal/metrics"
)

const (
	// unknownValue is used when a metric label value is not available.
	unknownValue = "unknown"
)

// RecordErrorMetrics records error counters from RelayError details.
func RecordErrorMetrics(err *RelayError, registry *metrics.Registry) {
	if err == nil || registry == nil {
		return
	}

	code := err.Code
	if code == "" {
		code = unknownValue
	}

	component := err.Component
	if component == "" {
		component = unknownValue
	}

	operation := err.Operation
	if operation == "" {
		operation = unknownValue
	}

	registry.IncrementErrors(code, component, operation)
	registry.IncrementErrorsByType(string(err.Type))
	registry.IncrementErrorsByComponent(component)
	registry.IncrementRetryableErrors(err.Retryable)
	registry.IncrementErrorsBySeverity(string(err.Severity))
}

// RecordError is a helper to record error metrics if the error is a RelayError.
func RecordError(err error, registry *metrics.Registry) {
	var re *RelayError
	if errors.As(err, &re) {
		RecordErrorMetrics(re, registry)
	}
}
