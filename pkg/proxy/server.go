package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratumgate/stratumgate/pkg/metrics"
	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/types"
)

// Snapshot is the routing decision a port server captures at start. Every
// connection accepted by that server uses the same snapshot; changing the
// tenant's mode requires a port reload. Only routing state lives here; the
// subscription is read fresh per connection so payments take effect without
// a reload.
type Snapshot struct {
	TenantID int64
	TgID     int64
	Login    string

	// Sleep short-circuits the pipeline: no upstream is dialled.
	Sleep bool

	Host     string
	PoolPort int
	Alias    string
	ModeName string
}

// SnapshotFor builds the routing snapshot for a tenant given the mode in
// effect. A nil or Sleep mode yields a sleeping snapshot.
func SnapshotFor(tenant *types.Tenant, mode *types.Mode) Snapshot {
	snap := Snapshot{
		TenantID: tenant.ID,
		TgID:     tenant.TgID,
		Login:    tenant.Login,
	}
	if mode == nil || mode.IsSleep() {
		snap.Sleep = true
		if mode != nil {
			snap.ModeName = mode.Name
		}
		return snap
	}
	snap.Host = mode.Host
	snap.PoolPort = mode.Port
	snap.Alias = mode.Alias
	snap.ModeName = mode.Name
	return snap
}

// PortServer owns one tenant listener: it accepts miner connections and
// spawns a pipeline per connection, all sharing one worker registry.
type PortServer struct {
	port int
	snap Snapshot

	store    storage.Store
	registry *WorkerRegistry
	notifier notify.Notifier

	dialTimeout time.Duration
	log         zerolog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newPortServer(bindHost string, port int, snap Snapshot, store storage.Store, notifier notify.Notifier, dialTimeout time.Duration, logger zerolog.Logger) (*PortServer, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindHost, port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &PortServer{
		port:        port,
		snap:        snap,
		store:       store,
		registry:    NewWorkerRegistry(),
		notifier:    notifier,
		dialTimeout: dialTimeout,
		log:         logger,
		listener:    l,
		cancel:      cancel,
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	metrics.PortServers.Inc()
	return s, nil
}

func (s *PortServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed on Stop
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}

		pl := newPipeline(s.snap, conn, s.store, s.registry, s.notifier, s.dialTimeout, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			pl.Run(ctx)
		}()
	}
}

// Stop closes the listener, cancels every pipeline and waits for them.
func (s *PortServer) Stop() {
	s.listener.Close()
	s.cancel()
	s.wg.Wait()
	metrics.PortServers.Dec()
	s.log.Info().Msg("port server stopped")
}
