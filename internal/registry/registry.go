// Package registry keeps the durable list of known backends.
//
// The list is persisted as a single JSON array under one key of the
// configured store, so operators and other processes can read and edit it.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/store"
)

// ServiceRecord identifies a backend and its last known health.
type ServiceRecord struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
}

// HostPort returns the dialable address of the record.
func (r ServiceRecord) HostPort() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

// SameEndpoint reports whether two records point at the same address and port.
func (r ServiceRecord) SameEndpoint(o ServiceRecord) bool {
	return r.Address == o.Address && r.Port == o.Port
}

// UpsertResult describes what Upsert changed.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Created
	Moved // address or port changed
)

func (u UpsertResult) String() string {
	switch u {
	case Created:
		return "created"
	case Moved:
		return "moved"
	default:
		return "unchanged"
	}
}

// ChangeFunc receives records added or moved and records removed by an external edit.
type ChangeFunc func(changed, removed []ServiceRecord)

// Registry is the in-memory view of the persisted service list.
type Registry struct {
	store   store.Store
	key     string
	logger  *zap.Logger
	metrics *metrics.Registry

	mu      sync.RWMutex
	records map[string]ServiceRecord
	written [][]byte // recent self-writes, oldest first
	loaded  atomic.Bool
}

// recentWrites bounds how many of our own writes a watch echo is matched against.
const recentWrites = 16

// New creates a registry persisted under key.
func New(s store.Store, key string, logger *zap.Logger, m *metrics.Registry) *Registry {
	return &Registry{
		store:   s,
		key:     key,
		logger:  logger.With(zap.String("component", "registry")),
		metrics: m,
		records: make(map[string]ServiceRecord),
	}
}

// Load replaces the in-memory view with the persisted list.
func (r *Registry) Load(ctx context.Context) error {
	data, err := r.store.Get(ctx, r.key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return customerrors.Wrap(err, "failed to load service registry").
			WithComponent("registry").
			WithOperation("load")
	}

	records, err := decode(data)
	if err != nil {
		return customerrors.WrapWithType(err, customerrors.TypeInternal, "corrupt service registry").
			WithComponent("registry").
			WithOperation("load").
			WithContext("key", r.key)
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()

	r.loaded.Store(true)
	r.logger.Info("service registry loaded", zap.Int("services", len(records)))

	return nil
}

// Loaded reports whether Load has completed successfully.
func (r *Registry) Loaded() bool {
	return r.loaded.Load()
}

// List returns copies of all records sorted by name.
func (r *Registry) List() []ServiceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedRecords(r.records)
}

// Get returns a copy of the named record.
func (r *Registry) Get(name string) (ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]

	return rec, ok
}

// Upsert records an advertisement. New records are assumed reachable until probed.
// Nothing is written when the endpoint is unchanged. Mutations are rolled back
// when the store write fails, here and in SetReachable and Remove.
func (r *Registry) Upsert(ctx context.Context, rec ServiceRecord) (UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[rec.Name]
	if ok && existing.SameEndpoint(rec) {
		return Unchanged, nil
	}

	result := Created
	if ok {
		result = Moved
	}

	rec.Reachable = true
	r.records[rec.Name] = rec

	if err := r.persistLocked(ctx); err != nil {
		r.restoreLocked(rec.Name, existing, ok)

		return Unchanged, err
	}

	return result, nil
}

// SetReachable persists a health transition. It reports false, and writes
// nothing, when the flag already had that value or the service is unknown.
func (r *Registry) SetReachable(ctx context.Context, name string, reachable bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok || rec.Reachable == reachable {
		return false, nil
	}

	previous := rec
	rec.Reachable = reachable
	r.records[name] = rec

	if err := r.persistLocked(ctx); err != nil {
		r.restoreLocked(name, previous, true)

		return false, err
	}

	return true, nil
}

// Remove deletes the named record.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.records[name]
	if !ok {
		return false, nil
	}

	delete(r.records, name)

	if err := r.persistLocked(ctx); err != nil {
		r.restoreLocked(name, previous, true)

		return false, err
	}

	return true, nil
}

func (r *Registry) restoreLocked(name string, previous ServiceRecord, existed bool) {
	if existed {
		r.records[name] = previous
	} else {
		delete(r.records, name)
	}
}

// Watch applies external edits of the persisted list and reports the
// difference. Values this registry wrote itself produce no callback.
func (r *Registry) Watch(ctx context.Context, fn ChangeFunc) error {
	updates, err := r.store.Watch(ctx, r.key)
	if err != nil {
		return customerrors.Wrap(err, "failed to watch service registry").
			WithComponent("registry").
			WithOperation("watch")
	}

	go func() {
		for data := range updates {
			changed, removed, err := r.apply(data)
			if err != nil {
				r.logger.Warn("ignoring unreadable registry update", zap.Error(err))

				continue
			}

			if len(changed) > 0 || len(removed) > 0 {
				r.logger.Info("service registry changed externally",
					zap.Int("changed", len(changed)),
					zap.Int("removed", len(removed)))
				fn(changed, removed)
			}
		}
	}()

	return nil
}

func (r *Registry) apply(data []byte) (changed, removed []ServiceRecord, err error) {
	next, err := decode(data)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.written {
		if bytes.Equal(data, w) {
			return nil, nil, nil
		}
	}

	for name, rec := range next {
		if old, ok := r.records[name]; !ok || !old.SameEndpoint(rec) {
			changed = append(changed, rec)
		}
	}

	for name, rec := range r.records {
		if _, ok := next[name]; !ok {
			removed = append(removed, rec)
		}
	}

	r.records = next

	return changed, removed, nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(sortedRecords(r.records))
	if err != nil {
		return customerrors.Wrap(err, "failed to encode service registry").WithComponent("registry")
	}

	if err := r.store.Set(ctx, r.key, data); err != nil {
		if r.metrics != nil {
			r.metrics.IncrementRegistryWrites(false)
		}

		return customerrors.Wrap(err, "failed to persist service registry").
			WithComponent("registry").
			WithOperation("persist")
	}

	r.written = append(r.written, data)
	if len(r.written) > recentWrites {
		r.written = r.written[len(r.written)-recentWrites:]
	}

	if r.metrics != nil {
		r.metrics.IncrementRegistryWrites(true)
	}

	return nil
}

func decode(data []byte) (map[string]ServiceRecord, error) {
	records := make(map[string]ServiceRecord)
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}

	var list []ServiceRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	for _, rec := range list {
		if rec.Name == "" {
			continue
		}

		records[rec.Name] = rec
	}

	return records, nil
}

func sortedRecords(m map[string]ServiceRecord) []ServiceRecord {
	out := make([]ServiceRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

