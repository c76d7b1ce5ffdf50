package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
)

// ProbeConfig tunes the health loop.
type ProbeConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ProbeConfigFromConfig maps discovery settings onto the probe.
func ProbeConfigFromConfig(cfg config.DiscoveryConfig) ProbeConfig {
	return ProbeConfig{Interval: cfg.HealthInterval, Timeout: cfg.ProbeTimeout}
}

// DialFunc opens a TCP connection; net.Dialer.DialContext outside tests.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe runs the advertisement sources and the periodic TCP health loop.
// Both feed the registry and then the event handler.
type Probe struct {
	registry *registry.Registry
	sources  []Source
	config   ProbeConfig
	dial     DialFunc
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer

	handlerMu sync.RWMutex
	handler   EventHandler

	running atomic.Int32
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProbe creates a probe over reg.
func NewProbe(reg *registry.Registry, sources []Source, cfg ProbeConfig, logger *zap.Logger,
	m *metrics.Registry) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}

	return &Probe{
		registry: reg,
		sources:  sources,
		config:   cfg,
		dial:     dialer.DialContext,
		logger:   logger.With(zap.String("component", "discovery")),
		metrics:  m,
		tracer:   otel.Tracer("mc-relay/discovery"),
	}
}

// SetHandler installs the receiver of discovery events.
func (p *Probe) SetHandler(h EventHandler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()

	p.handler = h
}

// SetDialer replaces the TCP dialer used by health checks.
func (p *Probe) SetDialer(dial DialFunc) {
	p.dial = dial
}

// Start runs every source and the health loop until Stop.
func (p *Probe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return customerrors.New(customerrors.TypeConflict, "discovery probe already running").
			WithComponent("discovery")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for _, src := range p.sources {
		p.wg.Add(1)

		go p.runSource(ctx, src)
	}

	p.wg.Add(1)

	go p.healthLoop(ctx)

	p.logger.Info("discovery probe started",
		zap.Int("sources", len(p.sources)),
		zap.Duration("health_interval", p.config.Interval),
		zap.Duration("probe_timeout", p.config.Timeout))

	return nil
}

// Stop cancels sources and the health loop and waits for them.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()
	p.logger.Info("discovery probe stopped")
}

// RunningSources returns how many sources are currently running.
func (p *Probe) RunningSources() int {
	return int(p.running.Load())
}

// SourceNames lists the configured sources.
func (p *Probe) SourceNames() []string {
	names := make([]string, 0, len(p.sources))
	for _, src := range p.sources {
		names = append(names, src.Name())
	}

	return names
}

func (p *Probe) runSource(ctx context.Context, src Source) {
	defer p.wg.Done()

	p.running.Add(1)
	defer p.running.Add(-1)

	for {
		err := src.Run(ctx, func(info ServiceInfo) { p.Appear(ctx, info) })
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			logging.LogError(ctx, p.logger, "discovery source stopped", customerrors.NewSourceError(src.Name(), err))
		}

		if !sleepCtx(ctx, sourceErrorDelay) {
			return
		}
	}
}

// Appear records an advertisement and notifies the handler. New records are
// reachable until probed; an unchanged endpoint is not written again.
func (p *Probe) Appear(ctx context.Context, info ServiceInfo) {
	if !config.ValidServiceName(info.Name) || info.Address == "" || info.Port <= 0 || info.Port > 65535 {
		p.logger.Warn("ignoring invalid advertisement",
			zap.String("name", info.Name),
			zap.String("address", info.Address),
			zap.Int("port", info.Port),
			zap.String("source", info.Source))

		return
	}

	if p.metrics != nil {
		p.metrics.IncrementDiscovered(info.Source)
	}

	res, err := p.registry.Upsert(ctx, registry.ServiceRecord{Name: info.Name, Address: info.Address, Port: info.Port})
	if err != nil {
		logging.LogError(ctx, p.logger, "failed to persist advertisement", err, zap.String("service", info.Name))
	}

	if res != registry.Unchanged {
		p.logger.Info("service advertised",
			zap.String("service", info.Name),
			zap.String("address", net.JoinHostPort(info.Address, strconv.Itoa(info.Port))),
			zap.String("source", info.Source),
			zap.Stringer("result", res))
	}

	if h := p.eventHandler(); h != nil {
		h.ServiceAppeared(ctx, info)
	}
}

func (p *Probe) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

type probeResult struct {
	record    registry.ServiceRecord
	reachable bool
	err       error
}

// ProbeOnce TCP-probes every known record concurrently and applies the
// transitions. It returns how many records changed reachability.
func (p *Probe) ProbeOnce(ctx context.Context) int {
	ctx, span := p.tracer.Start(ctx, "discovery.probe")
	defer span.End()

	start := time.Now()
	records := p.registry.List()
	results := make([]probeResult, len(records))

	var wg sync.WaitGroup

	for i, rec := range records {
		wg.Add(1)

		go func(i int, rec registry.ServiceRecord) {
			defer wg.Done()

			err := p.check(ctx, rec)
			results[i] = probeResult{record: rec, reachable: err == nil, err: err}
		}(i, rec)
	}

	wg.Wait()

	if p.metrics != nil {
		p.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}

	changed := 0

	for _, res := range results {
		if p.metrics != nil {
			p.metrics.IncrementProbeResults(res.reachable)
		}

		if p.apply(ctx, res) {
			changed++
		}
	}

	span.SetAttributes(
		attribute.Int("probe.records", len(records)),
		attribute.Int("probe.changed", changed))

	return changed
}

func (p *Probe) check(ctx context.Context, rec registry.ServiceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", rec.HostPort())
	if err != nil {
		return customerrors.NewProbeError(rec.Name, rec.HostPort(), err)
	}

	_ = conn.Close()

	return nil
}

// apply persists a reachability transition and notifies the handler.
func (p *Probe) apply(ctx context.Context, res probeResult) bool {
	name := res.record.Name

	changed, err := p.registry.SetReachable(ctx, name, res.reachable)
	if err != nil {
		logging.LogError(ctx, p.logger, "failed to persist reachability", err, zap.String("service", name))
	}

	if !changed {
		return false
	}

	if res.reachable {
		p.logger.Info("service reachable again", zap.String("service", name))
	} else {
		logging.LogError(ctx, p.logger, "service unreachable", res.err, zap.String("service", name))
	}

	if h := p.eventHandler(); h != nil {
		h.ServiceHealthChanged(ctx, name, res.reachable)
	}

	return true
}

func (p *Probe) eventHandler() EventHandler {
	p.handlerMu.RLock()
	defer p.handlerMu.RUnlock()

	return p.handler
}
