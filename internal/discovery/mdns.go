package discovery

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
)

const (
	sourceMDNS        = "mdns"
	mdnsEntriesBuffer = 32
)

// MDNSSource browses the LAN for backend advertisements.
type MDNSSource struct {
	config config.MDNSDiscoveryConfig
	logger *zap.Logger

	// query is mdns.Query outside tests.
	query func(*mdns.QueryParam) error
}

// NewMDNSSource creates an mDNS browser with defaults applied.
func NewMDNSSource(cfg config.MDNSDiscoveryConfig, logger *zap.Logger) *MDNSSource {
	if cfg.Service == "" {
		cfg.Service = DefaultMDNSService
	}

	if cfg.Domain == "" {
		cfg.Domain = DefaultMDNSDomain
	}

	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = DefaultMDNSQueryInterval
	}

	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultMDNSQueryTimeout
	}

	return &MDNSSource{
		config: cfg,
		logger: logger.With(zap.String("source", sourceMDNS)),
		query:  mdns.Query,
	}
}

// Name implements Source.
func (s *MDNSSource) Name() string { return sourceMDNS }

// Run implements Source. A query is issued immediately and then every query interval.
func (s *MDNSSource) Run(ctx context.Context, emit func(ServiceInfo)) error {
	s.logger.Info("starting mDNS discovery",
		zap.String("service", s.config.Service),
		zap.String("domain", s.config.Domain))

	for {
		if err := s.queryOnce(ctx, emit); err != nil {
			s.logger.Warn("mDNS query failed", logging.WithError(customerrors.NewSourceError(sourceMDNS, err))...)
		}

		if !sleepCtx(ctx, s.config.QueryInterval) {
			return nil
		}
	}
}

func (s *MDNSSource) queryOnce(ctx context.Context, emit func(ServiceInfo)) error {
	entries := make(chan *mdns.ServiceEntry, mdnsEntriesBuffer)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for entry := range entries {
			if info, ok := s.entryToInfo(entry); ok {
				emit(info)
			}
		}
	}()

	params := mdns.DefaultParams(s.config.Service)
	params.Domain = s.config.Domain
	params.Timeout = s.config.QueryTimeout
	params.Entries = entries
	params.DisableIPv6 = s.config.DisableIPv6

	err := s.query(params)
	close(entries)
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	return err
}

// entryToInfo maps an mDNS answer to an advertisement. A TXT "name=" record
// overrides the instance name; IPv4 is preferred.
func (s *MDNSSource) entryToInfo(entry *mdns.ServiceEntry) (ServiceInfo, bool) {
	if entry == nil || entry.Port == 0 {
		return ServiceInfo{}, false
	}

	info := ServiceInfo{Port: entry.Port, Source: sourceMDNS}

	switch {
	case entry.AddrV4 != nil:
		info.Address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		info.Address = entry.AddrV6.String()
	default:
		return ServiceInfo{}, false
	}

	for _, field := range entry.InfoFields {
		if key, value, ok := strings.Cut(field, "="); ok && key == "name" {
			info.Name = value
		}
	}

	if info.Name == "" {
		suffix := "." + strings.Trim(s.config.Service, ".") + "." + strings.Trim(s.config.Domain, ".") + "."
		info.Name = strings.TrimSuffix(entry.Name, suffix)
		info.Name = strings.ReplaceAll(info.Name, `\ `, "-")
	}

	return info, info.Name != ""
}

