// Package relay fans one upstream stream out to many observers and funnels
// observer input back onto the single upstream.
package relay

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
)

const (
	directionUpstream   = "upstream"
	directionDownstream = "downstream"
)

// Upstream is the part of the lifecycle manager the relay depends on.
type Upstream interface {
	IsOpen(name string) bool
	Send(name string, messageType int, data []byte) error
}

// Relay holds the observer set of every backend.
type Relay struct {
	upstream Upstream
	logger   *zap.Logger
	metrics  *metrics.Registry

	mu   sync.Mutex
	sets map[string]map[string]Observer
}

// New creates a relay in front of upstream.
func New(upstream Upstream, logger *zap.Logger, m *metrics.Registry) *Relay {
	return &Relay{
		upstream: upstream,
		logger:   logger.With(zap.String("component", "relay")),
		metrics:  m,
		sets:     make(map[string]map[string]Observer),
	}
}

// Attach adds obs to the observer set of name. It fails with a not-ready
// error unless the upstream is open; the observer is not queued.
func (r *Relay) Attach(name string, obs Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Checked under r.mu so a concurrent CloseAll either sees obs or Attach sees the closed upstream.
	if !r.upstream.IsOpen(name) {
		if r.metrics != nil {
			r.metrics.IncrementObserverRejections("not_ready")
		}

		return customerrors.NewServiceNotReadyError(name)
	}

	set, ok := r.sets[name]
	if !ok {
		set = make(map[string]Observer)
		r.sets[name] = set
	}

	if _, dup := set[obs.ID()]; dup {
		return nil
	}

	set[obs.ID()] = obs

	if r.metrics != nil {
		r.metrics.IncrementObservers()
	}

	r.logger.Debug("observer attached",
		zap.String("service", name),
		zap.String("observer_id", obs.ID()),
		zap.Int("observers", len(set)))

	return nil
}

// Detach removes obs from the observer set of name. The upstream is unaffected.
func (r *Relay) Detach(name string, obs Observer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[name]
	if !ok {
		return false
	}

	if _, ok := set[obs.ID()]; !ok {
		return false
	}

	delete(set, obs.ID())

	if len(set) == 0 {
		delete(r.sets, name)
	}

	if r.metrics != nil {
		r.metrics.DecrementObservers()
	}

	r.logger.Debug("observer detached", zap.String("service", name), zap.String("observer_id", obs.ID()))

	return true
}

// Broadcast offers one upstream frame to every observer of name and returns
// how many took it. Busy observers are skipped.
func (r *Relay) Broadcast(name string, messageType int, data []byte) int {
	observers := r.snapshot(name)

	delivered := 0

	for _, obs := range observers {
		if obs.Send(messageType, data) {
			delivered++

			continue
		}

		if r.metrics != nil {
			r.metrics.IncrementBroadcastSkips()
		}
	}

	if r.metrics != nil {
		r.metrics.RecordRelayed(directionDownstream, frameType(messageType), len(data))
	}

	return delivered
}

// Forward hands an observer frame to the upstream of name. It returns a
// not-delivered error when the upstream is not open.
func (r *Relay) Forward(name string, messageType int, data []byte) error {
	if err := r.upstream.Send(name, messageType, data); err != nil {
		if r.metrics != nil {
			r.metrics.IncrementUndelivered()
		}

		return err
	}

	if r.metrics != nil {
		r.metrics.RecordRelayed(directionUpstream, frameType(messageType), len(data))
	}

	return nil
}

// CloseAll closes and forgets every observer of name.
func (r *Relay) CloseAll(name string, code int, reason string) int {
	r.mu.Lock()
	set := r.sets[name]
	delete(r.sets, name)
	r.mu.Unlock()

	for _, obs := range set {
		obs.Close(code, reason)

		if r.metrics != nil {
			r.metrics.DecrementObservers()
		}
	}

	if len(set) > 0 {
		r.logger.Info("observers closed",
			zap.String("service", name),
			zap.Int("observers", len(set)),
			zap.Int("code", code),
			zap.String("reason", reason))
	}

	return len(set)
}

// Count returns the number of observers of name.
func (r *Relay) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sets[name])
}

// Counts returns the observer count of every backend with observers.
func (r *Relay) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.sets))
	for name, set := range r.sets {
		out[name] = len(set)
	}

	return out
}

// snapshot returns the observers of name in a stable order.
func (r *Relay) snapshot(name string) []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sets[name]
	out := make([]Observer, 0, len(set))

	for _, obs := range set {
		out = append(out, obs)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

func frameType(messageType int) string {
	if messageType == websocket.BinaryMessage {
		return "binary"
	}

	return "text"
}
