// Package health reports process liveness and readiness from the state of
// the registry, the upstream sessions and the discovery sources.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/lifecycle"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
)

const (
	defaultCheckInterval = 10 * time.Second

	statusHealthy     = "healthy"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"

	SubsystemRegistry  = "registry"
	SubsystemUpstreams = "upstreams"
	SubsystemDiscovery = "discovery"
)

// Registry is the part of the service registry the checker reads.
type Registry interface {
	Loaded() bool
	List() []registry.ServiceRecord
}

// Sessions is the part of the lifecycle manager the checker reads.
type Sessions interface {
	Snapshot() []lifecycle.SessionInfo
}

// Discovery is the part of the discovery probe the checker reads.
type Discovery interface {
	RunningSources() int
	SourceNames() []string
}

// Status represents the health status.
type Status struct {
	Healthy    bool                 `json:"healthy"`
	Ready      bool                 `json:"ready"`
	Message    string               `json:"message"`
	Timestamp  time.Time            `json:"timestamp"`
	Version    string               `json:"version,omitempty"`
	Subsystems map[string]Subsystem `json:"subsystems"`
}

// Subsystem represents the health status of a subsystem.
type Subsystem struct {
	Name      string                 `json:"name"`
	Healthy   bool                   `json:"healthy"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// Checker performs health checks.
type Checker struct {
	registry  Registry
	sessions  Sessions
	discovery Discovery
	version   string
	logger    *zap.Logger

	statusMu sync.RWMutex
	status   Status
}

// NewChecker creates a checker. discovery may be nil when no source is configured.
func NewChecker(reg Registry, sessions Sessions, disc Discovery, version string, logger *zap.Logger) *Checker {
	return &Checker{
		registry:  reg,
		sessions:  sessions,
		discovery: disc,
		version:   version,
		logger:    logger.With(zap.String("component", "health")),
		status: Status{
			Message:    "Starting up",
			Timestamp:  time.Now(),
			Subsystems: make(map[string]Subsystem),
		},
	}
}

// GetStatus returns a copy of the last computed status.
func (c *Checker) GetStatus() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	status := c.status
	status.Timestamp = time.Now()

	status.Subsystems = make(map[string]Subsystem, len(c.status.Subsystems))
	for k, v := range c.status.Subsystems {
		metrics := make(map[string]interface{}, len(v.Metrics))
		for mk, mv := range v.Metrics {
			metrics[mk] = mv
		}

		v.Metrics = metrics
		status.Subsystems[k] = v
	}

	return status
}

// IsHealthy returns true if the system is healthy.
func (c *Checker) IsHealthy() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	return c.status.Healthy
}

// IsReady returns true once the service registry has been restored.
func (c *Checker) IsReady() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	return c.status.Ready
}

// RunChecks refreshes the status every interval until ctx ends.
func (c *Checker) RunChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// Refresh recomputes every subsystem and the overall status.
func (c *Checker) Refresh() Status {
	now := time.Now()

	subsystems := map[string]Subsystem{
		SubsystemRegistry:  c.checkRegistry(now),
		SubsystemUpstreams: c.checkUpstreams(now),
		SubsystemDiscovery: c.checkDiscovery(now),
	}

	var unhealthy []string

	for name, s := range subsystems {
		if !s.Healthy {
			unhealthy = append(unhealthy, name)
		}
	}

	c.statusMu.Lock()
	wasHealthy := c.status.Healthy
	c.status.Subsystems = subsystems
	c.status.Healthy = len(unhealthy) == 0
	c.status.Ready = subsystems[SubsystemRegistry].Healthy
	c.status.Version = c.version
	c.status.Timestamp = now

	if c.status.Healthy {
		c.status.Message = "All subsystems healthy"
	} else {
		c.status.Message = fmt.Sprintf("Unhealthy subsystems: %v", unhealthy)
	}

	message := c.status.Message
	healthy := c.status.Healthy
	c.statusMu.Unlock()

	if wasHealthy && !healthy {
		c.logger.Warn("Health check failed", zap.String("message", message))
	}

	return c.GetStatus()
}

func (c *Checker) checkRegistry(now time.Time) Subsystem {
	s := Subsystem{Name: SubsystemRegistry, LastCheck: now, Metrics: make(map[string]interface{})}

	if c.registry == nil || !c.registry.Loaded() {
		s.Status = statusUnavailable
		s.Message = "Service registry not restored"

		return s
	}

	records := c.registry.List()
	reachable := 0

	for _, rec := range records {
		if rec.Reachable {
			reachable++
		}
	}

	s.Healthy = true
	s.Status = statusHealthy
	s.Message = fmt.Sprintf("%d services, %d reachable", len(records), reachable)
	s.Metrics["services"] = len(records)
	s.Metrics["reachable"] = reachable

	return s
}

// checkUpstreams never fails the process: a backend being down is the
// normal condition the relay exists to ride out.
func (c *Checker) checkUpstreams(now time.Time) Subsystem {
	s := Subsystem{
		Name:      SubsystemUpstreams,
		Healthy:   true,
		Status:    statusHealthy,
		LastCheck: now,
		Metrics:   make(map[string]interface{}),
	}

	if c.sessions == nil {
		s.Message = "No session manager"

		return s
	}

	sessions := c.sessions.Snapshot()
	byState := make(map[string]int)
	open := 0

	for _, info := range sessions {
		byState[info.State]++

		if info.State == lifecycle.StateOpen.String() {
			open++
		}
	}

	if open < len(sessions) {
		s.Status = statusDegraded
	}

	s.Message = fmt.Sprintf("%d/%d upstreams open", open, len(sessions))
	s.Metrics["open"] = open
	s.Metrics["total"] = len(sessions)
	s.Metrics["by_state"] = byState

	return s
}

func (c *Checker) checkDiscovery(now time.Time) Subsystem {
	s := Subsystem{Name: SubsystemDiscovery, LastCheck: now, Metrics: make(map[string]interface{})}

	if c.discovery == nil {
		s.Healthy = true
		s.Status = statusHealthy
		s.Message = "Discovery not configured"

		return s
	}

	configured := c.discovery.SourceNames()
	running := c.discovery.RunningSources()

	s.Metrics["sources"] = configured
	s.Metrics["running"] = running

	if running < len(configured) {
		s.Status = statusUnavailable
		s.Message = fmt.Sprintf("%d/%d discovery sources running", running, len(configured))

		return s
	}

	s.Healthy = true
	s.Status = statusHealthy
	s.Message = fmt.Sprintf("%d discovery sources running", running)

	return s
}
