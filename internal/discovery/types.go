// Package discovery learns which backends exist and whether they answer.
package discovery

import (
	"context"
	"time"
)

// Common constants for service discovery.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultProbeTimeout   = 2 * time.Second

	DefaultMDNSService       = "_mcpanel._tcp"
	DefaultMDNSDomain        = "local"
	DefaultMDNSQueryInterval = 30 * time.Second
	DefaultMDNSQueryTimeout  = 2 * time.Second

	DefaultConsulService  = "mc-panel"
	DefaultConsulWaitTime = 5 * time.Minute
	consulErrorDelay      = 5 * time.Second

	DefaultKubernetesPortName    = "relay"
	DefaultKubernetesRefreshRate = 30 * time.Second
	kubernetesNameLabel          = "mc-panel/name"

	sourceErrorDelay = 5 * time.Second
)

// ServiceInfo is one advertisement of a backend.
type ServiceInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Source  string `json:"source"`
}

// EventHandler receives discovery events.
type EventHandler interface {
	ServiceAppeared(ctx context.Context, info ServiceInfo)
	ServiceHealthChanged(ctx context.Context, name string, reachable bool)
}

// Source produces advertisements until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(ServiceInfo)) error
}

// sleepCtx waits for d or until ctx ends, reporting whether the wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
