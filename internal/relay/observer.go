package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

const (
	defaultObserverBuffer = 256
	defaultWriteWait      = 10 * time.Second
	defaultPingPeriod     = 30 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
	closeWait             = time.Second
)

// Observer is one downstream consumer of a backend's stream.
type Observer interface {
	ID() string
	// Send queues a frame without blocking. It returns false when the observer
	// cannot take the frame right now; the frame is then dropped for this observer.
	Send(messageType int, data []byte) bool
	// Close ends the observer with a close code and reason. Repeated calls are no-ops.
	Close(code int, reason string)
}

// ObserverConfig tunes a WebSocketObserver.
type ObserverConfig struct {
	Buffer         int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// ObserverConfigFromConfig maps relay settings onto observers.
func ObserverConfigFromConfig(cfg config.RelayConfig) ObserverConfig {
	return ObserverConfig{
		Buffer:         cfg.ObserverBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

func (c ObserverConfig) withDefaults() ObserverConfig {
	if c.Buffer <= 0 {
		c.Buffer = defaultObserverBuffer
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteWait
	}

	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingPeriod
	}

	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongWait
	}

	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	return c
}

type frame struct {
	messageType int
	data        []byte
}

// WebSocketObserver is an observer on a gorilla server-side connection.
// Frames are written by one goroutine; Send only enqueues.
type WebSocketObserver struct {
	id      string
	service string
	conn    *websocket.Conn
	config  ObserverConfig
	logger  *zap.Logger

	writeCh chan frame
	done    chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

// NewWebSocketObserver wraps an upgraded connection for the named backend.
func NewWebSocketObserver(service string, conn *websocket.Conn, cfg ObserverConfig, logger *zap.Logger) *WebSocketObserver {
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	return &WebSocketObserver{
		id:      id,
		service: service,
		conn:    conn,
		config:  cfg,
		logger: logger.With(
			zap.String("service", service),
			zap.String("observer_id", id),
			zap.String("remote_addr", conn.RemoteAddr().String())),
		writeCh: make(chan frame, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// ID returns the observer's unique id.
func (o *WebSocketObserver) ID() string {
	return o.id
}

// Send implements Observer.
func (o *WebSocketObserver) Send(messageType int, data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	select {
	case o.writeCh <- frame{messageType: messageType, data: data}:
		return true
	default:
		return false
	}
}

// Close implements Observer. The close frame is written by the writer goroutine.
func (o *WebSocketObserver) Close(code int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.closed = true
	o.closeCode = code
	o.closeReason = reason
	close(o.done)
}

// Done is closed once the observer has been closed.
func (o *WebSocketObserver) Done() <-chan struct{} {
	return o.done
}

// Run starts the writer and reads frames until the peer goes away or the
// observer is closed. Each inbound text or binary frame is passed to onMessage.
func (o *WebSocketObserver) Run(onMessage func(messageType int, data []byte)) error {
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		o.writeLoop()
	}()

	o.conn.SetReadLimit(o.config.MaxMessageSize)
	_ = o.conn.SetReadDeadline(time.Now().Add(o.config.PongTimeout))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(o.config.PongTimeout))
	})

	var readErr error

	for {
		mt, data, err := o.conn.ReadMessage()
		if err != nil {
			readErr = err

			break
		}

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		onMessage(mt, data)
	}

	o.mu.Lock()
	closedByRelay := o.closed
	o.mu.Unlock()

	o.Close(websocket.CloseNormalClosure, "")
	<-writerDone

	if closedByRelay {
		return nil
	}

	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return customerrors.NewObserverError(o.service, o.id, readErr)
	}

	return nil
}

func (o *WebSocketObserver) writeLoop() {
	ticker := time.NewTicker(o.config.PingInterval)
	defer ticker.Stop()
	defer func() { _ = o.conn.Close() }()

	for {
		select {
		case <-o.done:
			o.flush()

			o.mu.Lock()
			code, reason := o.closeCode, o.closeReason
			o.mu.Unlock()

			_ = o.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(closeWait))

			return

		case f := <-o.writeCh:
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.config.WriteTimeout))

			if err := o.conn.WriteMessage(f.messageType, f.data); err != nil {
				o.logger.Debug("observer write failed", zap.Error(err))
				o.Close(websocket.CloseAbnormalClosure, "write failed")

				return
			}

		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.config.WriteTimeout)); err != nil {
				o.logger.Debug("observer ping failed", zap.Error(err))
				o.Close(websocket.CloseAbnormalClosure, "ping failed")

				return
			}
		}
	}
}

// flush writes frames queued before the close so they precede the close frame.
func (o *WebSocketObserver) flush() {
	for {
		select {
		case f := <-o.writeCh:
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.config.WriteTimeout))
			if err := o.conn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}
