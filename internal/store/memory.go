package store

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process. Used for single-node setups and tests.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string]map[chan []byte]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		watchers: make(map[string]map[chan []byte]struct{}),
	}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}

	return append([]byte(nil), v...), nil
}

// Set stores value under key and notifies watchers.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)

	for ch := range m.watchers[key] {
		offer(ch, append([]byte(nil), value...))
	}

	return nil
}

// Watch subscribes to changes of key.
func (m *MemoryStore) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	ch := make(chan []byte, 1)

	m.mu.Lock()
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan []byte]struct{})
	}

	m.watchers[key][ch] = struct{}{}
	m.mu.Unlock()

	out := make(chan []byte)

	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers[key], ch)
			m.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case v := <-ch:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
