package lifecycle

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 60 * time.Second
	defaultMaxMessageSize   = 1 << 20
	defaultReadBufferSize   = 4096
	defaultWriteBufferSize  = 4096
	closeGracePeriod        = time.Second
)

// Conn is one upstream socket. ReadMessage is called from a single goroutine;
// the other methods are safe for concurrent use.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	// Close sends a close frame with code and reason, then releases the socket.
	Close(code int, reason string) error
	// Abort drops the socket without a close handshake.
	Abort() error
}

// Dialer opens upstream sockets.
type Dialer interface {
	Dial(ctx context.Context, rec registry.ServiceRecord) (Conn, error)
}

// WebSocketDialerConfig tunes the gorilla dialer and keepalive.
type WebSocketDialerConfig struct {
	Scheme           string
	Path             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64
	Headers          map[string]string
}

// DialerConfigFromConfig maps lifecycle settings onto the dialer.
func DialerConfigFromConfig(cfg config.LifecycleConfig) WebSocketDialerConfig {
	return WebSocketDialerConfig{
		Scheme:           cfg.UpstreamScheme,
		Path:             cfg.UpstreamPath,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		Headers:          cfg.UpstreamHeaders,
	}
}

func applyDialerDefaults(cfg WebSocketDialerConfig) WebSocketDialerConfig {
	if cfg.Scheme == "" {
		cfg.Scheme = "ws"
	}

	if cfg.Path == "" {
		cfg.Path = "/"
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	// A pong must be able to arrive before the read deadline lapses.
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return cfg
}

// WebSocketDialer dials backends over WebSocket.
type WebSocketDialer struct {
	config WebSocketDialerConfig
	dialer websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketDialer creates a dialer with defaults applied.
func NewWebSocketDialer(cfg WebSocketDialerConfig, logger *zap.Logger) *WebSocketDialer {
	cfg = applyDialerDefaults(cfg)

	return &WebSocketDialer{
		config: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
		},
		logger: logger.With(zap.String("component", "upstream_dialer")),
	}
}

// URL returns the upstream endpoint for a record.
func (d *WebSocketDialer) URL(rec registry.ServiceRecord) string {
	u := url.URL{
		Scheme: d.config.Scheme,
		Host:   rec.HostPort(),
		Path:   d.config.Path,
	}

	return u.String()
}

// Dial connects to the backend described by rec.
func (d *WebSocketDialer) Dial(ctx context.Context, rec registry.ServiceRecord) (Conn, error) {
	endpoint := d.URL(rec)

	headers := http.Header{}
	for k, v := range d.config.Headers {
		headers.Set(k, v)
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, headers)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	if err != nil {
		cerr := customerrors.NewConnectError(rec.Name, endpoint, err)
		if resp != nil {
			cerr = cerr.WithContext("status", strconv.Itoa(resp.StatusCode))
		}

		return nil, cerr
	}

	conn.SetReadLimit(d.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(d.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.config.PongTimeout))
	})

	wc := &wsConn{
		conn:         conn,
		writeTimeout: d.config.WriteTimeout,
		readWindow:   d.config.PongTimeout,
		done:         make(chan struct{}),
	}

	go wc.pingRoutine(d.config.PingInterval, d.logger.With(zap.String("service", rec.Name)))

	return wc, nil
}

// wsConn serializes writes on a gorilla connection and keeps it alive with pings.
type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	readWindow   time.Duration
	closeOnce    sync.Once
	done         chan struct{}
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err == nil {
		// Any inbound traffic proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readWindow))
	}

	return mt, data, err
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})

	return err
}

func (c *wsConn) Abort() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

func (c *wsConn) pingRoutine(interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()

			if err != nil {
				logger.Debug("upstream ping failed", zap.Error(err))

				return
			}
		}
	}
}
