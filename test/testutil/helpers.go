// Package testutil provides utility functions and helpers for testing.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	// BackendPath is where Backend accepts console connections.
	BackendPath = "/console"

	writeTimeout = time.Second
)

// NewTestLogger creates a test logger for use in tests.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()

	return zaptest.NewLogger(t)
}

// TempFile creates a temporary file with the given content for testing.
func TempFile(tb testing.TB, content string) string {
	tb.Helper()

	tmpFile, err := os.CreateTemp(tb.TempDir(), "mc-relay-*.yaml")
	if err != nil {
		tb.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		_ = tmpFile.Close()

		tb.Fatalf("Failed to write to temp file: %v", err)
	}

	if err := tmpFile.Close(); err != nil {
		tb.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpFile.Name()
}

// Backend is a stand-in for a game server console: it accepts websocket
// connections on BackendPath, records what it receives and can push frames.
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	received []string
	accepted int
}

// NewBackend starts a backend and registers its shutdown with tb.
func NewBackend(tb testing.TB) *Backend {
	tb.Helper()

	b := &Backend{conns: make(map[*websocket.Conn]struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc(BackendPath, b.serve)
	b.server = httptest.NewServer(mux)

	tb.Cleanup(b.Close)

	return b
}

// Host returns the listener IP.
func (b *Backend) Host() string {
	host, _, _ := net.SplitHostPort(b.server.Listener.Addr().String())

	return host
}

// Port returns the listener port.
func (b *Backend) Port() int {
	_, port, _ := net.SplitHostPort(b.server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)

	return p
}

// URL returns the ws:// base URL of the backend.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// Push writes a text frame to every connected relay.
func (b *Backend) Push(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0

	for conn := range b.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err == nil {
			sent++
		}
	}

	return sent
}

// Drop aborts every connection without a close handshake.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		_ = conn.UnderlyingConn().Close()
	}
}

// Connections returns how many relay connections are currently open.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}

// Accepted returns how many connections were ever accepted.
func (b *Backend) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.accepted
}

// Received returns the text frames received so far.
func (b *Backend) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.received...)
}

// Close drops every connection and stops the listener.
func (b *Backend) Close() {
	b.Drop()
	b.server.Close()
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.accepted++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()

		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		b.mu.Lock()
		b.received = append(b.received, string(data))
		b.mu.Unlock()
	}
}
