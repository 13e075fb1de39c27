package proxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratumgate/stratumgate/pkg/config"
	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/metrics"
	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/schedule"
	"github.com/stratumgate/stratumgate/pkg/storage"
)

// Fabric manages the set of tenant port servers. Ports start and stop as a
// unit; targeted reloads swap a single port's server for one built from the
// current database state.
type Fabric struct {
	mu      sync.Mutex
	servers map[int]*PortServer

	store    storage.Store
	resolver *schedule.Resolver
	cfg      *config.Config
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewFabric creates the fabric. Nothing listens until StartAll or ReloadPort.
func NewFabric(store storage.Store, resolver *schedule.Resolver, cfg *config.Config, notifier notify.Notifier) *Fabric {
	return &Fabric{
		servers:  make(map[int]*PortServer),
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		notifier: notifier,
		logger:   log.WithComponent("fabric"),
	}
}

// StartAll opens a listener for every tenant. Per-port failures are logged
// and skipped so one broken port does not block the rest.
func (f *Fabric) StartAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tenants, err := f.store.ListTenants()
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(tenants) == 0 {
		f.logger.Warn().Msg("no tenants configured, nothing to serve")
		return nil
	}

	for _, t := range tenants {
		if err := f.startPortLocked(t.Port); err != nil {
			f.logger.Error().Err(err).Int("port", t.Port).
				Msg("failed to start port server")
		}
	}
	return nil
}

// StopAll stops every port server. Safe to call more than once.
func (f *Fabric) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for port, srv := range f.servers {
		srv.Stop()
		delete(f.servers, port)
	}
}

// ReloadPort tears down the server on port (if any) and brings up a fresh
// one from current tenant, mode and schedule state.
func (f *Fabric) ReloadPort(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if srv, ok := f.servers[port]; ok {
		srv.Stop()
		delete(f.servers, port)
	}
	if err := f.startPortLocked(port); err != nil {
		return err
	}
	metrics.PortReloadsTotal.Inc()
	return nil
}

// Ports returns the ports currently served, for introspection and tests.
func (f *Fabric) Ports() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	ports := make([]int, 0, len(f.servers))
	for p := range f.servers {
		ports = append(ports, p)
	}
	return ports
}

func (f *Fabric) startPortLocked(port int) error {
	if _, ok := f.servers[port]; ok {
		f.logger.Warn().Int("port", port).Msg("port server already running")
		return nil
	}

	tenant, err := f.store.GetTenantByPort(port)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Port freed since the reload was requested; nothing to serve.
			f.logger.Warn().Int("port", port).Msg("no tenant on port, leaving it closed")
			return nil
		}
		return fmt.Errorf("failed to look up tenant for port %d: %w", port, err)
	}

	mode, err := f.resolver.Resolve(tenant)
	if err != nil {
		return fmt.Errorf("failed to resolve mode for tenant %d: %w", tenant.ID, err)
	}
	snap := SnapshotFor(tenant, mode)

	logger := log.WithComponent("proxy").With().
		Int("port", port).Int64("tenant_id", tenant.ID).Logger()

	srv, err := newPortServer(f.cfg.ProxyHost, port, snap, f.store, f.notifier, f.cfg.DialTimeout, logger)
	if err != nil {
		return err
	}
	f.servers[port] = srv

	logger.Info().Bool("sleep", snap.Sleep).Str("mode", snap.ModeName).Msg("port server started")
	return nil
}
