// Package intercept taps the upstream stream: it keeps a trailing window of
// frames per backend and bridges chat lines to an external sink.
package intercept

import (
	"encoding/base64"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/metrics"
)

// Interceptor is the synchronous tap run once per upstream frame before fan-out.
// It never blocks on the sink and never fails the caller.
type Interceptor struct {
	capacity int
	matcher  Matcher
	sink     Sink
	logger   *zap.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	mu    sync.RWMutex
	rings map[string]*Ring
}

// New creates an interceptor. matcher and sink may be nil to disable bridging.
func New(capacity int, matcher Matcher, sink Sink, logger *zap.Logger, m *metrics.Registry) *Interceptor {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}

	return &Interceptor{
		capacity: capacity,
		matcher:  matcher,
		sink:     sink,
		logger:   logger.With(zap.String("component", "interceptor")),
		metrics:  m,
		now:      time.Now,
		rings:    make(map[string]*Ring),
	}
}

// Tap records one upstream frame for name and offers chat matches to the sink.
func (i *Interceptor) Tap(name string, messageType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("interceptor panic recovered", zap.String("service", name), zap.Any("panic", r))
		}
	}()

	binary := messageType == websocket.BinaryMessage

	msg := InterceptedMessage{Timestamp: i.now(), IsBinary: binary}
	if binary {
		msg.Payload = base64.StdEncoding.EncodeToString(data)
	} else {
		msg.Payload = string(data)
	}

	i.ring(name).Push(msg)

	if binary || i.matcher == nil || i.sink == nil {
		return
	}

	if !utf8.Valid(data) {
		i.logger.Debug("skipping chat match on invalid utf-8 frame", zap.String("service", name))

		return
	}

	for _, ev := range i.matcher.Match(name, msg.Payload) {
		if i.metrics != nil {
			i.metrics.IncrementChatMatches(name)
		}

		i.sink.Offer(ev)
	}
}

// History returns the trailing window for name, oldest first.
func (i *Interceptor) History(name string) []InterceptedMessage {
	i.mu.RLock()
	r, ok := i.rings[name]
	i.mu.RUnlock()

	if !ok {
		return []InterceptedMessage{}
	}

	return r.Snapshot()
}

// Forget drops the window of a removed backend.
func (i *Interceptor) Forget(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.rings, name)
}

// Close stops the sink.
func (i *Interceptor) Close() {
	if i.sink != nil {
		i.sink.Close()
	}
}

func (i *Interceptor) ring(name string) *Ring {
	i.mu.RLock()
	r, ok := i.rings[name]
	i.mu.RUnlock()

	if ok {
		return r
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if r, ok = i.rings[name]; !ok {
		r = NewRing(i.capacity)
		i.rings[name] = r
	}

	return r
}
