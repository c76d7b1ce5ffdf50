package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	traceIDSize   = 16
	requestIDSize = 8
)

// scope is what an API request or relay connection carries into its log lines.
type scope struct {
	traceID    string
	requestID  string
	service    string
	observerID string
	remoteAddr string
	started    time.Time
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)

	return s
}

func (s scope) fields() []zap.Field {
	fields := make([]zap.Field, 0, 5)

	for _, f := range []struct{ key, value string }{
		{"request_id", s.requestID},
		{"trace_id", s.traceID},
		{"service_name", s.service},
		{"observer_id", s.observerID},
		{"remote_addr", s.remoteAddr},
	} {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}

	return fields
}

func randomID(size int, fallback string) string {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", fallback, time.Now().UnixNano())
	}

	return hex.EncodeToString(b)
}

// GenerateTraceID returns a random 128-bit hex id.
func GenerateTraceID() string { return randomID(traceIDSize, "trace") }

// GenerateRequestID returns a random 64-bit hex id.
func GenerateRequestID() string { return randomID(requestIDSize, "req") }

// ContextWithTracing starts the request scope. When an OpenTelemetry span is
// active its trace id replaces traceID, so log lines can be joined with traces.
func ContextWithTracing(ctx context.Context, traceID, requestID string) context.Context {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	s := scopeFrom(ctx)
	s.traceID, s.requestID, s.started = traceID, requestID, time.Now()

	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithObserver tags the scope with the relay target and the observer.
// Empty values leave the existing ones in place.
func ContextWithObserver(ctx context.Context, service, observerID, remoteAddr string) context.Context {
	s := scopeFrom(ctx)

	if service != "" {
		s.service = service
	}

	if observerID != "" {
		s.observerID = observerID
	}

	if remoteAddr != "" {
		s.remoteAddr = remoteAddr
	}

	return context.WithValue(ctx, scopeKey{}, s)
}

// LogRequestComplete logs the outcome of an API request. Failures go out at
// warn level; successes only at debug, relay traffic being the loud part.
func LogRequestComplete(ctx context.Context, logger *zap.Logger, statusCode int, err error) {
	s := scopeFrom(ctx)

	fields := append(s.fields(), zap.Int("status_code", statusCode))
	if !s.started.IsZero() {
		fields = append(fields, zap.Duration("duration", time.Since(s.started)))
	}

	if err != nil {
		logger.Warn("request failed", append(fields, WithError(err)...)...)

		return
	}

	logger.Debug("request completed", fields...)
}
