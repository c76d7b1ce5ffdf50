package store

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

// memEtcd is an in-process stand-in for the etcd KV and watch APIs.
type memEtcd struct {
	clientv3.KV
	clientv3.Watcher

	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string][]chan clientv3.WatchResponse
	fail     error
	closed   bool
}

func newMemEtcd() *memEtcd {
	return &memEtcd{data: make(map[string][]byte), watchers: make(map[string][]chan clientv3.WatchResponse)}
}

func (m *memEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}

	resp := &clientv3.GetResponse{}
	if v, ok := m.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: v}}
	}

	return resp, nil
}

func (m *memEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}

	m.data[key] = []byte(val)
	m.notifyLocked(key, &clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)}})

	return &clientv3.PutResponse{}, nil
}

func (m *memEtcd) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	m.notifyLocked(key, &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(key)}})

	return &clientv3.DeleteResponse{}, nil
}

func (m *memEtcd) Watch(ctx context.Context, key string, _ ...clientv3.OpOption) clientv3.WatchChan {
	ch := make(chan clientv3.WatchResponse, 16)

	m.mu.Lock()
	m.watchers[key] = append(m.watchers[key], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()

		m.mu.Lock()
		defer m.mu.Unlock()

		list := m.watchers[key]
		for i, c := range list {
			if c == ch {
				m.watchers[key] = append(list[:i], list[i+1:]...)
				close(ch)

				break
			}
		}
	}()

	return ch
}

func (m *memEtcd) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *memEtcd) notifyLocked(key string, ev *clientv3.Event) {
	for _, ch := range m.watchers[key] {
		ch <- clientv3.WatchResponse{Events: []*clientv3.Event{ev}}
	}
}

func TestEtcdStoreContract(t *testing.T) {
	t.Parallel()

	storeContract(t, NewEtcdStoreFromClient(newMemEtcd(), zaptest.NewLogger(t)))
}

func TestEtcdStoreWatchReportsDelete(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newMemEtcd()
	s := NewEtcdStoreFromClient(client, zaptest.NewLogger(t))

	require.NoError(t, s.Set(ctx, testKey, []byte("[]")))

	updates, err := s.Watch(ctx, testKey)
	require.NoError(t, err)

	_, err = client.Delete(ctx, testKey)
	require.NoError(t, err)

	select {
	case v := <-updates:
		assert.Nil(t, v)
	case <-time.After(watchWindow):
		t.Fatal("watch did not deliver the deletion")
	}

	_, err = s.Get(ctx, testKey)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEtcdStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newMemEtcd()
	client.fail = stderrors.New("etcdserver: request timed out")

	s := NewEtcdStoreFromClient(client, zaptest.NewLogger(t))

	_, err := s.Get(ctx, testKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, customerrors.HasCode(err, customerrors.ErrCodeStoreFailed))

	err = s.Set(ctx, testKey, []byte("[]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request timed out")

	require.NoError(t, s.Close())
	assert.True(t, client.closed)
}
