// Package server exposes the relay endpoint and the control API over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/discovery"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/fleet"
	"github.com/KennLDN/mc-panel-docker/internal/intercept"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/relay"
	"github.com/KennLDN/mc-panel-docker/internal/tracing"
)

const (
	wsReadBufferSize  = 4096
	wsWriteBufferSize = 4096
)

// Fleet is the control surface the HTTP layer drives.
type Fleet interface {
	Services() []fleet.ServiceStatus
	Service(name string) (fleet.ServiceStatus, error)
	Register(ctx context.Context, info discovery.ServiceInfo) (fleet.ServiceStatus, error)
	Delete(ctx context.Context, name string) error
	Attach(name string, obs relay.Observer) error
	Detach(name string, obs relay.Observer)
	Forward(name string, messageType int, data []byte) error
	IsOpen(name string) bool
	History(name string) ([]intercept.InterceptedMessage, error)
}

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterRequest is the body of POST /api/services.
type RegisterRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// HistoryResponse is the body of GET /api/services/:name/messages.
type HistoryResponse struct {
	Service  string                         `json:"service"`
	Messages []intercept.InterceptedMessage `json:"messages"`
}

// Server is the public HTTP listener.
type Server struct {
	config   config.ServerConfig
	observer relay.ObserverConfig
	fleet    Fleet
	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New builds the echo instance and its routes. tracer may be nil.
func New(cfg *config.Config, f Fleet, tracer *tracing.Tracer, logger *zap.Logger, m *metrics.Registry) *Server {
	s := &Server{
		config:   cfg.Server,
		observer: relay.ObserverConfigFromConfig(cfg.Relay),
		fleet:    f,
		logger:   logger.With(zap.String("component", "server")),
		metrics:  m,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	if tracer != nil && tracer.Enabled() {
		e.Use(echo.WrapMiddleware(tracer.HTTPMiddleware))
	}

	e.Use(s.requestContext)

	e.GET("/relay/:name", s.handleRelay)

	api := e.Group("/api")
	api.GET("/services", s.handleListServices)
	api.POST("/services", s.handleRegisterService)
	api.GET("/services/:name", s.handleGetService)
	api.DELETE("/services/:name", s.handleDeleteService)
	api.GET("/services/:name/messages", s.handleHistory)

	s.echo = e

	return s
}

// Handler returns the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	// Only the header read is bounded; relay connections are long-lived and
	// manage their own deadlines.
	s.echo.Server.ReadHeaderTimeout = s.config.ReadTimeout

	s.logger.Info("HTTP server listening", zap.String("address", addr))

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return customerrors.Wrap(err, "HTTP server failed").WithComponent("server")
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight API calls.
// Hijacked relay connections are closed through the relay.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleRelay upgrades an observer connection for the named backend.
func (s *Server) handleRelay(c echo.Context) error {
	name := c.Param("name")

	if _, err := s.fleet.Service(name); err != nil {
		return err
	}

	if !s.fleet.IsOpen(name) {
		if s.metrics != nil {
			s.metrics.IncrementObserverRejections("not_ready")
		}

		return customerrors.NewServiceNotReadyError(name)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Debug("observer upgrade failed", zap.String("service", name), zap.Error(err))

		return nil
	}

	obs := relay.NewWebSocketObserver(name, conn, s.observer, s.logger)
	ctx := logging.ContextWithObserver(c.Request().Context(), name, obs.ID(), conn.RemoteAddr().String())

	// The upstream may have gone away between the check and the upgrade.
	if err := s.fleet.Attach(name, obs); err != nil {
		obs.Close(websocket.CloseTryAgainLater, "service "+name+" not ready")
		_ = obs.Run(func(int, []byte) {})

		logging.LogError(ctx, s.logger, "observer rejected after upgrade", err)

		return nil
	}

	s.logger.Info("observer connected",
		zap.String("service", name),
		zap.String("observer_id", obs.ID()),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	runErr := obs.Run(func(messageType int, data []byte) {
		if err := s.fleet.Forward(name, messageType, data); err != nil {
			s.logger.Debug("observer message not delivered",
				zap.String("service", name),
				zap.String("observer_id", obs.ID()),
				zap.Error(err))
		}
	})

	s.fleet.Detach(name, obs)

	if runErr != nil {
		logging.LogError(ctx, s.logger, "observer connection error", runErr)
	}

	s.logger.Info("observer disconnected", zap.String("service", name), zap.String("observer_id", obs.ID()))

	return nil
}

func (s *Server) handleListServices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.fleet.Services())
}

func (s *Server) handleGetService(c echo.Context) error {
	st, err := s.fleet.Service(c.Param("name"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleRegisterService(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return customerrors.NewValidationError("invalid request body").WithComponent("server")
	}

	st, err := s.fleet.Register(c.Request().Context(), discovery.ServiceInfo{
		Name:    req.Name,
		Address: req.Address,
		Port:    req.Port,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, st)
}

func (s *Server) handleDeleteService(c echo.Context) error {
	if err := s.fleet.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistory(c echo.Context) error {
	name := c.Param("name")

	messages, err := s.fleet.History(name)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, HistoryResponse{Service: name, Messages: messages})
}

// checkOrigin accepts requests without an Origin header and, when an allow
// list is configured, only the listed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	s.logger.Warn("rejected observer origin", zap.String("origin", origin))

	return false
}

// requestContext tags every request with trace and request ids and logs its outcome.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		requestID := req.Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}

		ctx := logging.ContextWithTracing(req.Context(), logging.GenerateTraceID(), requestID)
		c.SetRequest(req.WithContext(ctx))
		c.Response().Header().Set(echo.HeaderXRequestID, requestID)

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		logging.LogRequestComplete(ctx, s.logger, c.Response().Status, err)

		return nil
	}
}

// handleError maps errors to a status and an ErrorResponse body.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorResponse{Code: "INTERNAL_ERROR", Message: "an internal server error has occurred"}

	var (
		he *echo.HTTPError
		re *customerrors.RelayError
	)

	switch {
	case errors.As(err, &re):
		status = customerrors.GetHTTPStatus(re)
		body.Code = re.Code
		body.Message = re.Message

		if body.Code == "" {
			body.Code = string(re.Type)
		}

		customerrors.RecordError(re, s.metrics)
	case errors.As(err, &he):
		status = he.Code
		body.Code = http.StatusText(he.Code)

		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	default:
		s.logger.Error("unhandled request error", zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)

		return
	}

	_ = c.JSON(status, body)
}
