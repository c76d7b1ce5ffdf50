// Package lifecycle owns the single upstream connection per backend and
// reconnects it with exponential backoff after unexpected loss.
package lifecycle

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
)

const (
	// CloseNormal is sent to observers when a backend is removed on purpose.
	CloseNormal = websocket.CloseNormalClosure
	// CloseAbnormal is sent to observers when the upstream is lost for good.
	CloseAbnormal = websocket.CloseInternalServerErr

	defaultShutdownTimeout = 5 * time.Second
)

// Listener receives upstream traffic and terminal session events.
// Calls are never made while the manager lock is held.
type Listener interface {
	// UpstreamMessage is called from the session's single reader goroutine, in arrival order.
	UpstreamMessage(name string, messageType int, data []byte)
	// SessionTerminated is called once when a session is removed, for any reason.
	SessionTerminated(name string, code int, reason string)
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

type session struct {
	record registry.ServiceRecord
	state  State

	// gen identifies the current connect attempt. Async completions carrying
	// an older gen are stale and must not touch the session.
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc

	attempts             int
	timer                *time.Timer
	closingIntentionally bool
	backoff              *backoff.ExponentialBackOff

	// deliverMu is held while a frame is handed to the listener. Once
	// detached is set no further frame leaves the session.
	deliverMu sync.Mutex
	detached  bool
}

// Options configures a Manager.
type Options struct {
	Backoff         BackoffPolicy
	ShutdownTimeout time.Duration
}

// Manager keeps at most one live upstream per backend name.
type Manager struct {
	dialer   Dialer
	listener Listener
	policy   BackoffPolicy
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer

	shutdownTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	nextGen  uint64
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. SetListener must be called before the first Initialize.
func NewManager(dialer Dialer, opts Options, logger *zap.Logger, m *metrics.Registry) *Manager {
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = DefaultBackoffPolicy()
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		dialer:          dialer,
		listener:        nopListener{},
		policy:          opts.Backoff,
		logger:          logger.With(zap.String("component", "lifecycle")),
		metrics:         m,
		tracer:          otel.Tracer("mc-relay/lifecycle"),
		shutdownTimeout: opts.ShutdownTimeout,
		sessions:        make(map[string]*session),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetListener installs the receiver of upstream events.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listener = l
}

// Initialize makes sure a connection for rec is open or on its way.
// It is a no-op while a handle is connecting or open. A session waiting for a
// reconnect is restarted at once with its attempt counter reset.
func (m *Manager) Initialize(rec registry.ServiceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	s, ok := m.sessions[rec.Name]
	if !ok {
		s = &session{
			record:  rec,
			state:   StateIdle,
			backoff: m.policy.newBackOff(),
		}
		m.sessions[rec.Name] = s
		m.startConnectLocked(s)

		return
	}

	if !s.state.Terminal() {
		return
	}

	s.stopTimer()
	s.attempts = 0
	s.backoff.Reset()
	s.record = rec
	m.startConnectLocked(s)
}

// Close intentionally removes the session for name. Any pending timer is
// cancelled, the handle is closed normally and observers are told the
// service was removed. Once Close returns the listener receives no further
// frame from the session. It reports whether a session existed.
func (m *Manager) Close(name string) bool {
	m.mu.Lock()

	s, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()

		return false
	}

	conn := m.releaseLocked(s)
	listener := m.listener
	m.publishStatesLocked()
	m.mu.Unlock()

	s.detach()

	if conn != nil {
		_ = conn.Close(CloseNormal, "service removed")
	}

	if m.metrics != nil {
		m.metrics.IncrementUpstreamClosures("intentional")
	}

	m.logger.Info("upstream session closed", zap.String("service", name))
	listener.SessionTerminated(name, CloseNormal, "service "+name+" removed")

	return true
}

// ForceDisconnect drops the live socket for name without a close handshake.
// The loss is handled like any unexpected close, so a reconnect follows.
func (m *Manager) ForceDisconnect(name, reason string) bool {
	m.mu.Lock()

	s, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()

		return false
	}

	conn := s.conn
	cancelDial := s.cancelDial
	state := s.state
	m.mu.Unlock()

	switch state {
	case StateOpen:
		if conn != nil {
			_ = conn.Abort()
		}
	case StateConnecting:
		if cancelDial != nil {
			cancelDial()
		}
	default:
		return false
	}

	if m.metrics != nil {
		m.metrics.IncrementUpstreamClosures("forced")
	}

	m.logger.Info("upstream forcibly disconnected",
		zap.String("service", name),
		zap.String("reason", reason),
		zap.Stringer("state", state))

	return true
}

// Send writes one frame to the upstream for name. It fails with a
// not-delivered error unless the handle is open; nothing is queued.
func (m *Manager) Send(name string, messageType int, data []byte) error {
	m.mu.Lock()

	s, ok := m.sessions[name]
	if !ok || s.state != StateOpen || s.conn == nil {
		m.mu.Unlock()

		return customerrors.NewNotDeliveredError(name)
	}

	conn := s.conn
	m.mu.Unlock()

	if err := conn.WriteMessage(messageType, data); err != nil {
		return customerrors.Wrap(customerrors.NewNotDeliveredError(name), "upstream write failed").
			WithContext("cause", err.Error())
	}

	return nil
}

// IsOpen reports whether the upstream for name is open.
func (m *Manager) IsOpen(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]

	return ok && s.state == StateOpen
}

// State returns the session state for name.
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]
	if !ok {
		return StateRemoved, false
	}

	return s.state, true
}

// Record returns the backend record the session for name dials.
func (m *Manager) Record(name string) (registry.ServiceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]
	if !ok {
		return registry.ServiceRecord{}, false
	}

	return s.record, true
}

// Snapshot lists all sessions sorted by name.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for name, s := range m.sessions {
		out = append(out, SessionInfo{
			Name:     name,
			Address:  s.record.Address,
			Port:     s.record.Port,
			State:    s.state.String(),
			Attempts: s.attempts,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Shutdown closes every session intentionally and waits for in-flight dials
// and readers to finish. Later Initialize calls are ignored.
func (m *Manager) Shutdown() {
	m.mu.Lock()

	m.stopped = true

	type closing struct {
		name    string
		session *session
		conn    Conn
	}

	var all []closing

	for name, s := range m.sessions {
		all = append(all, closing{name: name, session: s, conn: m.releaseLocked(s)})
	}

	listener := m.listener
	m.publishStatesLocked()
	m.mu.Unlock()

	for _, c := range all {
		c.session.detach()

		if c.conn != nil {
			_ = c.conn.Close(CloseNormal, "relay shutting down")
		}

		listener.SessionTerminated(c.name, CloseNormal, "relay shutting down")
	}

	m.cancel()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("lifecycle manager stopped", zap.Int("sessions", len(all)))
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("timeout waiting for upstream goroutines to stop")
	}
}

// releaseLocked marks s intentional, cancels its timer and dial, removes it
// from the map and returns the handle the caller must close.
func (m *Manager) releaseLocked(s *session) Conn {
	s.closingIntentionally = true
	s.stopTimer()

	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	conn := s.conn
	s.conn = nil

	m.fire(s, EventClose)

	if s.state == StateClosing {
		m.fire(s, EventReleased)
	}

	delete(m.sessions, s.record.Name)

	return conn
}

func (m *Manager) startConnectLocked(s *session) {
	m.fire(s, EventConnect)

	m.nextGen++
	s.gen = m.nextGen

	ctx, cancel := context.WithCancel(m.ctx)
	s.cancelDial = cancel

	m.publishStatesLocked()

	m.wg.Add(1)

	go m.run(ctx, s, s.gen, s.record)
}

// run dials, then reads until the socket fails. One goroutine per attempt.
func (m *Manager) run(ctx context.Context, s *session, gen uint64, rec registry.ServiceRecord) {
	defer m.wg.Done()

	ctx, span := m.tracer.Start(ctx, "upstream.connect", trace.WithAttributes(
		attribute.String("service.name", rec.Name),
		attribute.String("service.address", rec.HostPort()),
	))

	conn, err := m.dialer.Dial(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
	}

	span.End()

	m.mu.Lock()

	if !m.currentLocked(s, gen, StateConnecting) {
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.IncrementConnectAttempts("stale")
		}

		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}

		return
	}

	s.cancelDial = nil

	if err != nil {
		if m.metrics != nil {
			m.metrics.IncrementConnectAttempts("failure")
		}

		m.lostLocked(s, connectFailure(rec, err))

		return
	}

	m.fire(s, EventOpened)
	s.conn = conn
	s.attempts = 0
	s.backoff.Reset()
	s.stopTimer()
	m.publishStatesLocked()

	listener := m.listener
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncrementConnectAttempts("success")
	}

	m.logger.Info("upstream connected", zap.String("service", rec.Name), zap.String("address", rec.HostPort()))

	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			err = rerr

			break
		}

		if !s.deliver(listener, rec.Name, mt, data) {
			break
		}
	}

	_ = conn.Abort()

	m.mu.Lock()

	if !m.currentLocked(s, gen, StateOpen) {
		m.mu.Unlock()

		return
	}

	s.conn = nil

	if m.metrics != nil {
		m.metrics.IncrementUpstreamClosures("unexpected")
	}

	m.lostLocked(s, customerrors.NewUpstreamClosedError(rec.Name, err))
}

// lostLocked handles an unexpected loss and releases the lock.
// It either arms one reconnect timer or gives up and removes the session.
func (m *Manager) lostLocked(s *session, cause error) {
	name := s.record.Name

	m.fire(s, EventLost)

	if s.attempts >= m.policy.MaxAttempts {
		m.fire(s, EventGiveUp)
		delete(m.sessions, name)
		m.publishStatesLocked()

		listener := m.listener
		attempts := s.attempts
		m.mu.Unlock()

		exhausted := customerrors.NewExhaustedRetriesError(name, attempts)
		logging.LogError(context.Background(), m.logger, "giving up on upstream", exhausted)

		if m.metrics != nil {
			m.metrics.IncrementRetriesExhausted()
			customerrors.RecordError(exhausted, m.metrics)
		}

		listener.SessionTerminated(name, CloseAbnormal, "upstream "+name+" lost: retries exhausted")

		return
	}

	delay := s.backoff.NextBackOff()
	s.attempts++
	attempt := s.attempts
	gen := s.gen

	m.fire(s, EventSchedule)
	s.stopTimer()
	s.timer = time.AfterFunc(delay, func() { m.retry(s, gen) })
	m.publishStatesLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordReconnectScheduled(delay.Seconds())
		customerrors.RecordError(cause, m.metrics)
	}

	m.logger.Warn("upstream lost, reconnect scheduled",
		zap.String("service", name),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
}

func (m *Manager) retry(s *session, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || !m.currentLocked(s, gen, StateReconnectScheduled) {
		return
	}

	s.timer = nil
	m.startConnectLocked(s)
}

// currentLocked reports whether s is still the live session for its name,
// on attempt gen, in state want.
func (m *Manager) currentLocked(s *session, gen uint64, want State) bool {
	return m.sessions[s.record.Name] == s && s.gen == gen && s.state == want && !s.closingIntentionally
}

// fire applies e to s. An illegal transition is a programming error; it is
// logged and the state is left unchanged.
func (m *Manager) fire(s *session, e Event) {
	next, err := transition(s.state, e)
	if err != nil {
		m.logger.Error("lifecycle state machine violation",
			zap.String("service", s.record.Name),
			zap.Error(err))

		return
	}

	s.state = next
}

func (m *Manager) publishStatesLocked() {
	if m.metrics == nil {
		return
	}

	counts := make(map[string]int)
	for _, s := range m.sessions {
		counts[s.state.String()]++
	}

	m.metrics.SetSessionsByState(counts)
}

// deliver hands one frame to l unless the session was closed on purpose.
func (s *session) deliver(l Listener, name string, messageType int, data []byte) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.detached {
		return false
	}

	l.UpstreamMessage(name, messageType, data)

	return true
}

// detach waits for a frame in delivery to finish and stops later ones.
func (s *session) detach() {
	s.deliverMu.Lock()
	s.detached = true
	s.deliverMu.Unlock()
}

// connectFailure keeps the dialer's own error when it already describes the failure.
func connectFailure(rec registry.ServiceRecord, err error) error {
	var re *customerrors.RelayError
	if stderrors.As(err, &re) {
		return err
	}

	return customerrors.NewConnectError(rec.Name, rec.HostPort(), err)
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

type nopListener struct{}

func (nopListener) UpstreamMessage(string, int, []byte)   {}
func (nopListener) SessionTerminated(string, int, string) {}
