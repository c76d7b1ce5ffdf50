package intercept

import (
	"sync"
	"time"
)

// DefaultHistorySize is the per-backend window kept when none is configured.
const DefaultHistorySize = 500

// InterceptedMessage is one upstream frame as seen by the tap.
// Binary payloads are base64 encoded.
type InterceptedMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
	IsBinary  bool      `json:"isBinary"`
}

// Ring is a fixed-capacity buffer that evicts the oldest entry when full.
type Ring struct {
	mu    sync.Mutex
	buf   []InterceptedMessage
	start int
	size  int
}

// NewRing creates a ring holding at most capacity messages.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}

	return &Ring{buf: make([]InterceptedMessage, capacity)}
}

// Push appends m, evicting the oldest entry if the ring is full.
func (r *Ring) Push(m InterceptedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++

		return
	}

	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns the held messages oldest first.
func (r *Ring) Snapshot() []InterceptedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]InterceptedMessage, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}

	return out
}

// Len returns the number of held messages.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
