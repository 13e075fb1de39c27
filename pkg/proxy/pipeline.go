package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratumgate/stratumgate/pkg/metrics"
	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/stratum"
)

// Connection outcomes reported in metrics.
const (
	outcomeProxied     = "proxied"
	outcomeSleep       = "sleep"
	outcomeExpired     = "expired"
	outcomeDialError   = "dial_error"
	outcomePassthrough = "tls_passthrough"
	outcomeInternal    = "internal_error"
)

// Messages written to the miner before closing. The sleep reply is a valid
// Stratum line so stock firmware logs it instead of looping on reconnect.
const (
	sleepReply     = `{"id":null,"result":null,"error":{"code":-1,"message":"proxy sleep"}}` + "\n"
	expiredReply   = "Подписка истекла. Обратитесь к администратору.\n"
	dialErrorReply = "Ошибка подключения\n"
)

// tlsPoolPorts are upstream ports dialled with TLS.
var tlsPoolPorts = map[int]bool{443: true, 3334: true, 4444: true}

// Pipeline shuttles bytes between one miner socket and its upstream pool,
// rewriting mining.authorize on the way up and observing error replies on
// the way down.
type Pipeline struct {
	id       string
	snap     Snapshot
	miner    net.Conn
	store    storage.Store
	registry *WorkerRegistry
	notifier notify.Notifier

	dialTimeout time.Duration
	log         zerolog.Logger

	// now is injectable for tests
	now func() time.Time

	// worker holds the last original worker seen on an authorize line. It is
	// written only by the miner-to-pool goroutine and read after both
	// directions have settled.
	worker string
}

func newPipeline(snap Snapshot, miner net.Conn, store storage.Store, registry *WorkerRegistry, notifier notify.Notifier, dialTimeout time.Duration, logger zerolog.Logger) *Pipeline {
	id := uuid.New().String()
	return &Pipeline{
		id:          id,
		snap:        snap,
		miner:       miner,
		store:       store,
		registry:    registry,
		notifier:    notifier,
		dialTimeout: dialTimeout,
		log:         logger.With().Str("conn_id", id).Str("remote", miner.RemoteAddr().String()).Logger(),
		now:         time.Now,
	}
}

// Run drives the pipeline to completion. It returns when either side of the
// connection closes or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()
	defer p.miner.Close()

	// The subscription is checked against current state, not the snapshot,
	// so an extension lets the next connection through without a reload.
	tenant, err := p.store.GetTenant(p.snap.TenantID)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to load tenant state")
		metrics.MinerConnectionsTotal.WithLabelValues(outcomeInternal).Inc()
		return
	}
	if !tenant.SubscriptionActive(p.now()) {
		p.log.Info().Msg("subscription expired, rejecting miner")
		metrics.MinerConnectionsTotal.WithLabelValues(outcomeExpired).Inc()
		p.miner.Write([]byte(expiredReply))
		return
	}

	if p.snap.Sleep {
		p.log.Info().Msg("port in sleep mode, replying and closing")
		metrics.MinerConnectionsTotal.WithLabelValues(outcomeSleep).Inc()
		p.miner.Write([]byte(sleepReply))
		return
	}

	pool, err := p.dialUpstream(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("host", p.snap.Host).Int("pool_port", p.snap.PoolPort).
			Msg("failed to reach pool")
		metrics.MinerConnectionsTotal.WithLabelValues(outcomeDialError).Inc()
		p.miner.Write([]byte(dialErrorReply))
		return
	}
	defer pool.Close()

	p.log.Info().Str("host", p.snap.Host).Int("pool_port", p.snap.PoolPort).
		Str("mode", p.snap.ModeName).Msg("miner connected, pool dialled")

	var passthrough atomic.Bool

	// Closing both sockets is the only way to unblock the copy loops, both
	// on cancellation and when one direction finishes first.
	settled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-settled:
		}
		p.miner.Close()
		pool.Close()
	}()

	firstDone := make(chan struct{}, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.forwardToPool(pool, &passthrough)
		firstDone <- struct{}{}
	}()
	go func() {
		defer wg.Done()
		p.forwardToMiner(pool, &passthrough)
		firstDone <- struct{}{}
	}()

	<-firstDone
	p.miner.Close()
	pool.Close()
	wg.Wait()
	close(settled)

	if passthrough.Load() {
		metrics.MinerConnectionsTotal.WithLabelValues(outcomePassthrough).Inc()
	} else {
		metrics.MinerConnectionsTotal.WithLabelValues(outcomeProxied).Inc()
	}

	p.cleanup()
}

// dialUpstream connects to the pool, with TLS on ports pools conventionally
// serve TLS on.
func (p *Pipeline) dialUpstream(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(p.snap.Host, strconv.Itoa(p.snap.PoolPort))
	dialer := &net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}

	if tlsPoolPorts[p.snap.PoolPort] {
		td := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: p.snap.Host},
		}
		return td.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// forwardToPool moves miner bytes upstream. The first two bytes decide the
// regime: a TLS record header switches the whole connection to opaque
// passthrough, otherwise lines are read and rewritten one by one.
func (p *Pipeline) forwardToPool(pool net.Conn, passthrough *atomic.Bool) {
	br := bufio.NewReader(p.miner)

	head, err := br.Peek(2)
	if err != nil {
		p.logStreamEnd("miner", err)
		return
	}
	if stratum.IsTLSClientHello(head) {
		passthrough.Store(true)
		metrics.TLSPassthroughTotal.Inc()
		p.log.Warn().Msg("TLS handshake from miner, switching to opaque passthrough")
		if _, err := io.Copy(pool, br); err != nil {
			p.logStreamEnd("miner", err)
		}
		return
	}

	rw := &stratum.Rewriter{
		Alias:  p.snap.Alias,
		ConnID: p.id,
		Uniq:   p.registry,
		Log:    p.log,
		OnAuthorize: func(worker string) {
			p.worker = worker
			if err := p.store.UpsertDevice(p.snap.TenantID, worker, p.now()); err != nil {
				p.log.Error().Err(err).Str("worker", worker).Msg("failed to record device")
			}
		},
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if out := rw.Process(line); out != nil {
				if _, werr := pool.Write(out); werr != nil {
					p.logStreamEnd("pool", werr)
					return
				}
			}
		}
		if err != nil {
			p.logStreamEnd("miner", err)
			return
		}
	}
}

// forwardToMiner relays pool bytes verbatim, feeding each chunk to the error
// observer unless the connection went opaque.
func (p *Pipeline) forwardToMiner(pool net.Conn, passthrough *atomic.Bool) {
	obs := &stratum.Observer{Log: p.log}
	buf := make([]byte, 4096)
	for {
		n, err := pool.Read(buf)
		if n > 0 {
			if _, werr := p.miner.Write(buf[:n]); werr != nil {
				p.logStreamEnd("miner", werr)
				return
			}
			if !passthrough.Load() {
				obs.Observe(buf[:n])
			}
		}
		if err != nil {
			p.logStreamEnd("pool", err)
			return
		}
	}
}

// cleanup releases the uniquification claim and, when this was the last
// pipeline using the worker, marks the device offline.
func (p *Pipeline) cleanup() {
	base, last := p.registry.Release(p.id)
	p.log.Info().Msg("pipeline closed")
	if base == "" || !last || p.worker == "" {
		return
	}

	now := p.now()
	if err := p.store.MarkDeviceOffline(p.snap.TenantID, p.worker, now); err != nil {
		p.log.Error().Err(err).Str("worker", p.worker).Msg("failed to mark device offline")
	}
	if p.notifier != nil {
		msg := "Устройство " + p.worker + " отключилось от прокси."
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.notifier.Notify(ctx, p.snap.TgID, msg); err != nil {
			p.log.Warn().Err(err).Msg("failed to deliver offline notification")
		}
	}
}

// logStreamEnd logs why a direction stopped. Ordinary disconnects stay at
// info level.
func (p *Pipeline) logStreamEnd(side string, err error) {
	if isExpectedClose(err) {
		p.log.Info().Str("side", side).Msg("connection closed")
		return
	}
	p.log.Warn().Err(err).Str("side", side).Msg("stream error")
}

func isExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
