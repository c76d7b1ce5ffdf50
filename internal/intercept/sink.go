package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
)

const (
	defaultQueueSize   = 100
	defaultSinkTimeout = 5 * time.Second
	defaultRateLimit   = 1.0
	defaultBurst       = 5
	maxErrorBody       = 512
)

// Sink accepts chat events for delivery elsewhere. Offer never blocks.
type Sink interface {
	Offer(ev ChatEvent) bool
	Close()
}

// WebhookSinkConfig configures a WebhookSink.
type WebhookSinkConfig struct {
	URL       string
	RateLimit float64
	Burst     int
	QueueSize int
	Timeout   time.Duration
}

// WebhookSinkConfigFromConfig maps chat settings onto the sink.
func WebhookSinkConfigFromConfig(cfg config.ChatConfig) WebhookSinkConfig {
	return WebhookSinkConfig{
		URL:       cfg.WebhookURL,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout,
	}
}

type webhookPayload struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// WebhookSink posts chat events to a Discord-style webhook from a single worker.
type WebhookSink struct {
	config  WebhookSinkConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Registry

	queue  chan ChatEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookSink creates the sink and starts its worker.
func NewWebhookSink(cfg WebhookSinkConfig, logger *zap.Logger, m *metrics.Registry) *WebhookSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSinkTimeout
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}

	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &WebhookSink{
		config: cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger.With(zap.String("component", "chat_sink")),
		metrics: m,
		queue:   make(chan ChatEvent, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(1)

	go s.run()

	return s
}

// Offer queues ev. A full queue drops the event.
func (s *WebhookSink) Offer(ev ChatEvent) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.queue <- ev:
		return true
	default:
		s.count("dropped")
		s.logger.Warn("chat sink queue full, event dropped", zap.String("service", ev.Service))

		return false
	}
}

// Close stops the worker. Queued events are discarded.
func (s *WebhookSink) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *WebhookSink) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}

			if err := s.post(s.ctx, ev); err != nil {
				s.count("error")
				logging.LogError(s.ctx, s.logger, "chat sink post failed",
					customerrors.NewInterceptorError(ev.Service, "sink", err))

				continue
			}

			s.count("ok")
		}
	}
}

func (s *WebhookSink) post(ctx context.Context, ev ChatEvent) error {
	body, err := json.Marshal(webhookPayload{
		Username: ev.Player + "@" + ev.Service,
		Content:  ev.Message,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (s *WebhookSink) count(result string) {
	if s.metrics != nil {
		s.metrics.IncrementSinkPosts(result)
	}
}
