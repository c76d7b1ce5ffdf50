// Package fleet ties discovery, the service registry, upstream sessions,
// observer fan-out and the interceptor together.
package fleet

import (
	"context"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/discovery"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/intercept"
	"github.com/KennLDN/mc-panel-docker/internal/lifecycle"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
	"github.com/KennLDN/mc-panel-docker/internal/relay"
)

const sourceManual = "manual"

// ServiceStatus joins a registry record with its session and observers.
type ServiceStatus struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Observers int    `json:"observers"`
}

// Coordinator reacts to discovery events and upstream traffic.
// It implements discovery.EventHandler and lifecycle.Listener.
type Coordinator struct {
	registry    *registry.Registry
	sessions    *lifecycle.Manager
	relay       *relay.Relay
	interceptor *intercept.Interceptor
	logger      *zap.Logger
	metrics     *metrics.Registry
}

var (
	_ discovery.EventHandler = (*Coordinator)(nil)
	_ lifecycle.Listener     = (*Coordinator)(nil)
)

// New creates a coordinator and installs it as the session listener.
func New(reg *registry.Registry, sessions *lifecycle.Manager, rl *relay.Relay, ic *intercept.Interceptor,
	logger *zap.Logger, m *metrics.Registry) *Coordinator {
	c := &Coordinator{
		registry:    reg,
		sessions:    sessions,
		relay:       rl,
		interceptor: ic,
		logger:      logger.With(zap.String("component", "fleet")),
		metrics:     m,
	}

	sessions.SetListener(c)

	return c
}

// Restore loads the persisted registry, connects every backend not known to
// be unreachable and follows external edits of the stored list.
func (c *Coordinator) Restore(ctx context.Context) error {
	if err := c.registry.Load(ctx); err != nil {
		return err
	}

	records := c.registry.List()

	for _, rec := range records {
		if rec.Reachable {
			c.sessions.Initialize(rec)
		}
	}

	if err := c.registry.Watch(ctx, c.applyExternal); err != nil {
		return err
	}

	c.logger.Info("fleet restored", zap.Int("services", len(records)))

	return nil
}

// ServiceAppeared implements discovery.EventHandler. The registry has already
// recorded the advertisement. A backend with no session counts as reachable
// again, so an advertisement restarts a service whose retries ran out.
func (c *Coordinator) ServiceAppeared(ctx context.Context, info discovery.ServiceInfo) {
	rec, ok := c.registry.Get(info.Name)
	if !ok {
		return
	}

	if _, live := c.sessions.Record(rec.Name); !live && !rec.Reachable {
		if _, err := c.registry.SetReachable(ctx, rec.Name, true); err != nil {
			logging.LogError(ctx, c.logger, "failed to persist reachability", err, zap.String("service", rec.Name))
		}

		c.logger.Info("service advertised again, reconnecting", zap.String("service", rec.Name))

		rec.Reachable = true
	}

	c.reconcile(rec)
}

// ServiceHealthChanged implements discovery.EventHandler. Recovery restarts the
// session at once; loss closes observers and drops the socket, leaving the
// reconnect to the lifecycle manager.
func (c *Coordinator) ServiceHealthChanged(_ context.Context, name string, reachable bool) {
	if reachable {
		if rec, ok := c.registry.Get(name); ok {
			c.sessions.Initialize(rec)
		}

		return
	}

	c.relay.CloseAll(name, lifecycle.CloseAbnormal, "service "+name+" unreachable")
	c.sessions.ForceDisconnect(name, "health probe failed")
}

// UpstreamMessage implements lifecycle.Listener.
func (c *Coordinator) UpstreamMessage(name string, messageType int, data []byte) {
	c.interceptor.Tap(name, messageType, data)
	c.relay.Broadcast(name, messageType, data)
}

// SessionTerminated implements lifecycle.Listener.
func (c *Coordinator) SessionTerminated(name string, code int, reason string) {
	c.relay.CloseAll(name, code, reason)
}

// Register records a manually added backend and connects it.
func (c *Coordinator) Register(ctx context.Context, info discovery.ServiceInfo) (ServiceStatus, error) {
	if !config.ValidServiceName(info.Name) {
		return ServiceStatus{}, customerrors.NewInvalidServiceNameError(info.Name)
	}

	if info.Address == "" || (net.ParseIP(info.Address) == nil && !validHostname(info.Address)) {
		return ServiceStatus{}, customerrors.NewValidationError("invalid address " + strconv.Quote(info.Address)).
			WithComponent("fleet")
	}

	if info.Port <= 0 || info.Port > 65535 {
		return ServiceStatus{}, customerrors.NewValidationError("port must be between 1 and 65535").
			WithComponent("fleet").
			WithContext("port", info.Port)
	}

	if info.Source == "" {
		info.Source = sourceManual
	}

	res, err := c.registry.Upsert(ctx, registry.ServiceRecord{Name: info.Name, Address: info.Address, Port: info.Port})
	if err != nil {
		return ServiceStatus{}, err
	}

	c.logger.Info("service registered",
		zap.String("service", info.Name),
		zap.String("source", info.Source),
		zap.Stringer("result", res))

	c.ServiceAppeared(ctx, info)

	return c.Service(info.Name)
}

// Delete intentionally removes a backend: its session is closed, observers
// are told it was removed and its history and record are dropped.
func (c *Coordinator) Delete(ctx context.Context, name string) error {
	if !config.ValidServiceName(name) {
		return customerrors.NewInvalidServiceNameError(name)
	}

	_, known := c.registry.Get(name)
	closed := c.sessions.Close(name)

	if !known && !closed {
		return customerrors.NewServiceNotFoundError(name)
	}

	c.interceptor.Forget(name)

	if _, err := c.registry.Remove(ctx, name); err != nil {
		logging.LogError(ctx, c.logger, "failed to remove service record", err, zap.String("service", name))
		customerrors.RecordError(err, c.metrics)

		return err
	}

	c.logger.Info("service deleted", zap.String("service", name))

	return nil
}

// Service returns the status of one backend.
func (c *Coordinator) Service(name string) (ServiceStatus, error) {
	if !config.ValidServiceName(name) {
		return ServiceStatus{}, customerrors.NewInvalidServiceNameError(name)
	}

	rec, ok := c.registry.Get(name)
	if !ok {
		return ServiceStatus{}, customerrors.NewServiceNotFoundError(name)
	}

	return c.status(rec, c.sessionIndex()), nil
}

// Services lists every registered backend sorted by name.
func (c *Coordinator) Services() []ServiceStatus {
	index := c.sessionIndex()
	records := c.registry.List()

	out := make([]ServiceStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, c.status(rec, index))
	}

	return out
}

// Attach adds an observer to a registered backend whose upstream is open.
func (c *Coordinator) Attach(name string, obs relay.Observer) error {
	if _, err := c.Service(name); err != nil {
		return err
	}

	return c.relay.Attach(name, obs)
}

// Detach removes an observer. The upstream is unaffected.
func (c *Coordinator) Detach(name string, obs relay.Observer) {
	c.relay.Detach(name, obs)
}

// Forward sends an observer frame to the backend.
func (c *Coordinator) Forward(name string, messageType int, data []byte) error {
	return c.relay.Forward(name, messageType, data)
}

// IsOpen reports whether the upstream of name is open.
func (c *Coordinator) IsOpen(name string) bool {
	return c.sessions.IsOpen(name)
}

// History returns the interceptor window of a registered backend.
func (c *Coordinator) History(name string) ([]intercept.InterceptedMessage, error) {
	if _, err := c.Service(name); err != nil {
		return nil, err
	}

	return c.interceptor.History(name), nil
}

// reconcile starts a session for rec when none exists and restarts it when the
// endpoint moved. A repeated advertisement of a live backend changes nothing.
func (c *Coordinator) reconcile(rec registry.ServiceRecord) {
	current, ok := c.sessions.Record(rec.Name)

	switch {
	case !ok:
		if rec.Reachable {
			c.sessions.Initialize(rec)
		}
	case !current.SameEndpoint(rec):
		c.logger.Info("service endpoint moved",
			zap.String("service", rec.Name),
			zap.String("from", current.HostPort()),
			zap.String("to", rec.HostPort()))

		c.sessions.Close(rec.Name)

		if rec.Reachable {
			c.sessions.Initialize(rec)
		}
	}
}

// applyExternal follows edits of the stored list made by another process.
func (c *Coordinator) applyExternal(changed, removed []registry.ServiceRecord) {
	for _, rec := range changed {
		c.reconcile(rec)
	}

	for _, rec := range removed {
		c.sessions.Close(rec.Name)
		c.interceptor.Forget(rec.Name)
	}
}

func (c *Coordinator) sessionIndex() map[string]lifecycle.SessionInfo {
	snapshot := c.sessions.Snapshot()

	index := make(map[string]lifecycle.SessionInfo, len(snapshot))
	for _, s := range snapshot {
		index[s.Name] = s
	}

	return index
}

func (c *Coordinator) status(rec registry.ServiceRecord, index map[string]lifecycle.SessionInfo) ServiceStatus {
	st := ServiceStatus{
		Name:      rec.Name,
		Address:   rec.Address,
		Port:      rec.Port,
		Reachable: rec.Reachable,
		State:     lifecycle.StateRemoved.String(),
		Observers: c.relay.Count(rec.Name),
	}

	if s, ok := index[rec.Name]; ok {
		st.State = s.State
		st.Attempts = s.Attempts
	}

	return st
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}

	for _, r := range host {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '.') {
			return false
		}
	}

	return true
}
