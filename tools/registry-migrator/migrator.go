package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
)

// backupVersion is bumped when the backup layout changes.
const backupVersion = 1

// Backup is the on-disk form of a service registry.
type Backup struct {
	Version    int             `yaml:"version"`
	Key        string          `yaml:"key"`
	ExportedAt time.Time       `yaml:"exported_at"`
	Services   []BackupService `yaml:"services"`
}

// BackupService is one backend in a backup. Reachability is not kept; the
// relay probes every imported backend again.
type BackupService struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Plan lists what an import changes.
type Plan struct {
	Create  []string
	Move    []string
	Remove  []string
	Skipped int
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Move) == 0 && len(p.Remove) == 0
}

// Migrator moves the service list between a registry and backup files.
type Migrator struct {
	registry *registry.Registry
	key      string
	now      func() time.Time
}

// NewMigrator wraps a registry persisted under key.
func NewMigrator(reg *registry.Registry, key string) *Migrator {
	return &Migrator{registry: reg, key: key, now: time.Now}
}

// Export writes the current list as YAML.
func (m *Migrator) Export(ctx context.Context, w io.Writer) (int, error) {
	if err := m.registry.Load(ctx); err != nil {
		return 0, err
	}

	records := m.registry.List()

	b := Backup{
		Version:    backupVersion,
		Key:        m.key,
		ExportedAt: m.now().UTC(),
		Services:   make([]BackupService, 0, len(records)),
	}

	for _, rec := range records {
		b.Services = append(b.Services, BackupService{Name: rec.Name, Address: rec.Address, Port: rec.Port})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(b); err != nil {
		return 0, fmt.Errorf("failed to encode backup: %w", err)
	}

	return len(b.Services), enc.Close()
}

// ReadBackup decodes and validates a backup.
func ReadBackup(r io.Reader) (*Backup, error) {
	var b Backup
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode backup: %w", err)
	}

	if b.Version != backupVersion {
		return nil, fmt.Errorf("unsupported backup version %d", b.Version)
	}

	seen := make(map[string]bool, len(b.Services))

	for i, s := range b.Services {
		switch {
		case !config.ValidServiceName(s.Name):
			return nil, fmt.Errorf("services[%d]: invalid name %q", i, s.Name)
		case s.Address == "":
			return nil, fmt.Errorf("services[%d]: address is required", i)
		case s.Port <= 0 || s.Port > 65535:
			return nil, fmt.Errorf("services[%d]: invalid port %d", i, s.Port)
		case seen[s.Name]:
			return nil, fmt.Errorf("services[%d]: duplicate name %q", i, s.Name)
		}

		seen[s.Name] = true
	}

	return &b, nil
}

// Import applies b to the registry. With replace, backends missing from b
// are removed. With dryRun, only the plan is computed.
func (m *Migrator) Import(ctx context.Context, b *Backup, replace, dryRun bool) (Plan, error) {
	if err := m.registry.Load(ctx); err != nil {
		return Plan{}, err
	}

	var plan Plan

	wanted := make(map[string]bool, len(b.Services))

	for _, s := range b.Services {
		wanted[s.Name] = true

		existing, ok := m.registry.Get(s.Name)

		switch {
		case !ok:
			plan.Create = append(plan.Create, s.Name)
		case existing.Address != s.Address || existing.Port != s.Port:
			plan.Move = append(plan.Move, s.Name)
		default:
			plan.Skipped++

			continue
		}

		if dryRun {
			continue
		}

		rec := registry.ServiceRecord{Name: s.Name, Address: s.Address, Port: s.Port}
		if _, err := m.registry.Upsert(ctx, rec); err != nil {
			return plan, err
		}
	}

	if replace {
		for _, rec := range m.registry.List() {
			if wanted[rec.Name] {
				continue
			}

			plan.Remove = append(plan.Remove, rec.Name)

			if dryRun {
				continue
			}

			if _, err := m.registry.Remove(ctx, rec.Name); err != nil {
				return plan, err
			}
		}
	}

	sort.Strings(plan.Remove)

	return plan, nil
}
