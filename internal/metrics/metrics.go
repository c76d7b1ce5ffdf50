// Package metrics provides Prometheus metrics collection for the relay.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// unknownValue is used when a metric label value is not available.
	unknownValue = "unknown"

	namespace = "mc_relay"
)

// Registry holds all Prometheus metrics.
type Registry struct {
	reg *prometheus.Registry

	// Upstream session metrics
	UpstreamSessions      *prometheus.GaugeVec
	ConnectAttemptsTotal  *prometheus.CounterVec
	ReconnectsScheduled   prometheus.Counter
	RetriesExhaustedTotal prometheus.Counter
	ReconnectDelaySeconds prometheus.Histogram
	UpstreamClosuresTotal *prometheus.CounterVec

	// Observer metrics
	ObserversActive         prometheus.Gauge
	ObserverRejectionsTotal *prometheus.CounterVec
	BroadcastSkipsTotal     prometheus.Counter
	UndeliveredTotal        prometheus.Counter

	// Relay traffic metrics
	MessagesRelayedTotal *prometheus.CounterVec
	BytesRelayedTotal    *prometheus.CounterVec

	// Interceptor metrics
	ChatMatchesTotal *prometheus.CounterVec
	SinkPostsTotal   *prometheus.CounterVec

	// Discovery metrics
	ProbeResultsTotal   *prometheus.CounterVec
	ProbeDuration       prometheus.Histogram
	DiscoveredTotal     *prometheus.CounterVec
	RegistryWritesTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal       *prometheus.CounterVec
	ErrorsByType      *prometheus.CounterVec
	ErrorsByComponent *prometheus.CounterVec
	ErrorRetryable    *prometheus.CounterVec
	ErrorsBySeverity  *prometheus.CounterVec
}

// InitializeMetricsRegistry creates and configures a metrics collection registry.
func InitializeMetricsRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	upstream := createUpstreamMetrics(factory)
	observers := createObserverMetrics(factory)
	traffic := createTrafficMetrics(factory)
	intercept := createInterceptMetrics(factory)
	discovery := createDiscoveryMetrics(factory)
	errs := createErrorMetrics(factory)

	return &Registry{
		reg:                     reg,
		UpstreamSessions:        upstream.sessions,
		ConnectAttemptsTotal:    upstream.attempts,
		ReconnectsScheduled:     upstream.scheduled,
		RetriesExhaustedTotal:   upstream.exhausted,
		ReconnectDelaySeconds:   upstream.delay,
		UpstreamClosuresTotal:   upstream.closures,
		ObserversActive:         observers.active,
		ObserverRejectionsTotal: observers.rejections,
		BroadcastSkipsTotal:     observers.skips,
		UndeliveredTotal:        observers.undelivered,
		MessagesRelayedTotal:    traffic.messages,
		BytesRelayedTotal:       traffic.bytes,
		ChatMatchesTotal:        intercept.matches,
		SinkPostsTotal:          intercept.posts,
		ProbeResultsTotal:       discovery.probes,
		ProbeDuration:           discovery.probeDuration,
		DiscoveredTotal:         discovery.discovered,
		RegistryWritesTotal:     discovery.writes,
		ErrorsTotal:             errs.total,
		ErrorsByType:            errs.byType,
		ErrorsByComponent:       errs.byComponent,
		ErrorRetryable:          errs.retryable,
		ErrorsBySeverity:        errs.bySeverity,
	}
}

// Handler returns an HTTP handler exposing the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

type upstreamMetricsSet struct {
	sessions  *prometheus.GaugeVec
	attempts  *prometheus.CounterVec
	scheduled prometheus.Counter
	exhausted prometheus.Counter
	delay     prometheus.Histogram
	closures  *prometheus.CounterVec
}

func createUpstreamMetrics(factory promauto.Factory) upstreamMetricsSet {
	return upstreamMetricsSet{
		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_sessions",
			Help:      "Number of upstream sessions by state",
		}, []string{"state"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_attempts_total",
			Help:      "Upstream connection attempts by result",
		}, []string{"result"}),
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_scheduled_total",
			Help:      "Reconnect timers scheduled after an unexpected close",
		}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_exhausted_total",
			Help:      "Sessions removed after hitting the reconnect attempt cap",
		}),
		delay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_reconnect_delay_seconds",
			Help:      "Computed reconnect delay",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
		}),
		closures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_closures_total",
			Help:      "Upstream socket closures by kind",
		}, []string{"kind"}),
	}
}

type observerMetricsSet struct {
	active      prometheus.Gauge
	rejections  *prometheus.CounterVec
	skips       prometheus.Counter
	undelivered prometheus.Counter
}

func createObserverMetrics(factory promauto.Factory) observerMetricsSet {
	return observerMetricsSet{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_active",
			Help:      "Number of attached observers across all services",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_rejections_total",
			Help:      "Observer attach requests rejected, by reason",
		}, []string{"reason"}),
		skips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_skips_total",
			Help:      "Broadcast frames skipped because the observer was not writable",
		}),
		undelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_messages_undelivered_total",
			Help:      "Observer messages dropped because the upstream was not open",
		}),
	}
}

type trafficMetricsSet struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

func createTrafficMetrics(factory promauto.Factory) trafficMetricsSet {
	return trafficMetricsSet{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Relayed WebSocket messages",
		}, []string{"direction", "type"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Relayed WebSocket payload bytes",
		}, []string{"direction"}),
	}
}

type interceptMetricsSet struct {
	matches *prometheus.CounterVec
	posts   *prometheus.CounterVec
}

func createInterceptMetrics(factory promauto.Factory) interceptMetricsSet {
	return interceptMetricsSet{
		matches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_matches_total",
			Help:      "Upstream text frames matched as chat events",
		}, []string{"service"}),
		posts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_posts_total",
			Help:      "Chat sink posts by result",
		}, []string{"result"}),
	}
}

type discoveryMetricsSet struct {
	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	discovered    *prometheus.CounterVec
	writes        *prometheus.CounterVec
}

func createDiscoveryMetrics(factory promauto.Factory) discoveryMetricsSet {
	return discoveryMetricsSet{
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "TCP health probe outcomes",
		}, []string{"result"}),
		probeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of a full health sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		discovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "services_discovered_total",
			Help:      "Service advertisements received, by source",
		}, []string{"source"}),
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_writes_total",
			Help:      "Registry persistence writes by result",
		}, []string{"result"}),
	}
}

type errorMetricsSet struct {
	total       *prometheus.CounterVec
	byType      *prometheus.CounterVec
	byComponent *prometheus.CounterVec
	retryable   *prometheus.CounterVec
	bySeverity  *prometheus.CounterVec
}

func createErrorMetrics(factory promauto.Factory) errorMetricsSet {
	return errorMetricsSet{
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by code and component",
		}, []string{"code", "component", "operation"}),
		byType: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_type_total",
			Help:      "Total number of errors by error type",
		}, []string{"type"}),
		byComponent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_component_total",
			Help:      "Total number of errors by component",
		}, []string{"component"}),
		retryable: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_retryable_total",
			Help:      "Total number of retryable vs non-retryable errors",
		}, []string{"retryable"}),
		bySeverity: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_severity_total",
			Help:      "Total number of errors by severity level",
		}, []string{"severity"}),
	}
}

// SetSessionsByState replaces the per-state session gauge values.
func (r *Registry) SetSessionsByState(counts map[string]int) {
	r.UpstreamSessions.Reset()

	for state, n := range counts {
		r.UpstreamSessions.WithLabelValues(state).Set(float64(n))
	}
}

// IncrementConnectAttempts counts a dial attempt by result ("success", "failure", "stale").
func (r *Registry) IncrementConnectAttempts(result string) {
	r.ConnectAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordReconnectScheduled counts a scheduled reconnect and its delay.
func (r *Registry) RecordReconnectScheduled(delaySeconds float64) {
	r.ReconnectsScheduled.Inc()
	r.ReconnectDelaySeconds.Observe(delaySeconds)
}

// IncrementRetriesExhausted counts a session given up on.
func (r *Registry) IncrementRetriesExhausted() {
	r.RetriesExhaustedTotal.Inc()
}

// IncrementUpstreamClosures counts an upstream closure ("intentional", "unexpected", "forced").
func (r *Registry) IncrementUpstreamClosures(kind string) {
	r.UpstreamClosuresTotal.WithLabelValues(kind).Inc()
}

// IncrementObservers increments the attached observer gauge.
func (r *Registry) IncrementObservers() {
	r.ObserversActive.Inc()
}

// DecrementObservers decrements the attached observer gauge.
func (r *Registry) DecrementObservers() {
	r.ObserversActive.Dec()
}

// IncrementObserverRejections counts a rejected attach.
func (r *Registry) IncrementObserverRejections(reason string) {
	r.ObserverRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncrementBroadcastSkips counts a frame not written to a busy observer.
func (r *Registry) IncrementBroadcastSkips() {
	r.BroadcastSkipsTotal.Inc()
}

// IncrementUndelivered counts an observer frame dropped on a closed upstream.
func (r *Registry) IncrementUndelivered() {
	r.UndeliveredTotal.Inc()
}

// RecordRelayed counts a relayed message and its payload size.
func (r *Registry) RecordRelayed(direction, msgType string, size int) {
	r.MessagesRelayedTotal.WithLabelValues(direction, msgType).Inc()
	r.BytesRelayedTotal.WithLabelValues(direction).Add(float64(size))
}

// IncrementChatMatches counts a matched chat line.
func (r *Registry) IncrementChatMatches(service string) {
	r.ChatMatchesTotal.WithLabelValues(service).Inc()
}

// IncrementSinkPosts counts a sink post by result ("ok", "error", "dropped", "throttled").
func (r *Registry) IncrementSinkPosts(result string) {
	r.SinkPostsTotal.WithLabelValues(result).Inc()
}

// IncrementProbeResults counts a probe outcome.
func (r *Registry) IncrementProbeResults(reachable bool) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}

	r.ProbeResultsTotal.WithLabelValues(result).Inc()
}

// IncrementDiscovered counts an advertisement from a discovery source.
func (r *Registry) IncrementDiscovered(source string) {
	if source == "" {
		source = unknownValue
	}

	r.DiscoveredTotal.WithLabelValues(source).Inc()
}

// IncrementRegistryWrites counts a registry persistence write.
func (r *Registry) IncrementRegistryWrites(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}

	r.RegistryWritesTotal.WithLabelValues(result).Inc()
}

// IncrementErrors increments error count with detailed labels.
func (r *Registry) IncrementErrors(code, component, operation string) {
	r.ErrorsTotal.WithLabelValues(code, component, operation).Inc()
}

// IncrementErrorsByType increments errors by type.
func (r *Registry) IncrementErrorsByType(errorType string) {
	r.ErrorsByType.WithLabelValues(errorType).Inc()
}

// IncrementErrorsByComponent increments errors by component.
func (r *Registry) IncrementErrorsByComponent(component string) {
	r.ErrorsByComponent.WithLabelValues(component).Inc()
}

// IncrementRetryableErrors increments retryable/non-retryable error count.
func (r *Registry) IncrementRetryableErrors(retryable bool) {
	r.ErrorRetryable.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

// IncrementErrorsBySeverity increments errors by severity level.
func (r *Registry) IncrementErrorsBySeverity(severity string) {
	r.ErrorsBySeverity.WithLabelValues(severity).Inc()
}
