package proxy

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/types"
)

func newProxyTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTenant(t *testing.T, store storage.Store, until time.Time) *types.Tenant {
	t.Helper()
	tenant := &types.Tenant{
		TgID: 100, Port: 4001, Login: "tenantlogin", Timezone: "UTC",
		SubscriptionUntil: until,
	}
	require.NoError(t, store.CreateTenant(tenant))
	return tenant
}

func liveSnapshot(tenant *types.Tenant, host string, port int, alias string) Snapshot {
	return Snapshot{
		TenantID: tenant.ID,
		TgID:     tenant.TgID,
		Login:    tenant.Login,
		Host:     host,
		PoolPort: port,
		Alias:    alias,
		ModeName: "Test",
	}
}

func runPipeline(t *testing.T, p *Pipeline) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()
	return done
}

func TestPipelineSleepReply(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(24*time.Hour))

	minerEnd, proxyEnd := net.Pipe()
	defer minerEnd.Close()

	snap := liveSnapshot(tenant, "", 0, "")
	snap.Sleep = true

	p := newPipeline(snap, proxyEnd, store, NewWorkerRegistry(), notify.Nop{}, time.Second, zerolog.Nop())
	done := runPipeline(t, p)

	reply, err := bufio.NewReader(minerEnd).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"id":null,"result":null,"error":{"code":-1,"message":"proxy sleep"}}`+"\n", reply)

	<-done
}

func TestPipelineExpiredSubscription(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(-time.Hour))

	minerEnd, proxyEnd := net.Pipe()
	defer minerEnd.Close()

	p := newPipeline(liveSnapshot(tenant, "pool.example", 3333, "acct"), proxyEnd,
		store, NewWorkerRegistry(), notify.Nop{}, time.Second, zerolog.Nop())
	done := runPipeline(t, p)

	reply, err := bufio.NewReader(minerEnd).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "Подписка истекла")

	<-done
}

func TestPipelineSubscriptionReadPerConnection(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(-time.Hour))
	addr, got := fakePool(t, `{"id":1,"result":true,"error":null}`+"\n")

	snap := liveSnapshot(tenant, "127.0.0.1", addr.Port, "poolacct")

	// First connection is refused while the subscription is lapsed.
	minerEnd, proxyEnd := net.Pipe()
	p := newPipeline(snap, proxyEnd, store, NewWorkerRegistry(), notify.Nop{}, 2*time.Second, zerolog.Nop())
	done := runPipeline(t, p)
	reply, err := bufio.NewReader(minerEnd).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "Подписка истекла")
	minerEnd.Close()
	<-done

	// The tenant pays; the same port snapshot must let the next connection
	// through without any reload.
	tenant.SubscriptionUntil = time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, store.UpdateTenant(tenant))

	minerEnd, proxyEnd = net.Pipe()
	p = newPipeline(snap, proxyEnd, store, NewWorkerRegistry(), notify.Nop{}, 2*time.Second, zerolog.Nop())
	done = runPipeline(t, p)

	_, err = minerEnd.Write([]byte(`{"id":1,"method":"mining.authorize","params":["user.rig01","x"]}` + "\n"))
	require.NoError(t, err)
	select {
	case line := <-got:
		assert.Contains(t, line, "poolacct.rig01")
	case <-time.After(3 * time.Second):
		t.Fatal("paid-up tenant was not proxied")
	}

	minerEnd.Close()
	<-done
}

func TestPipelineDialFailure(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(24*time.Hour))

	minerEnd, proxyEnd := net.Pipe()
	defer minerEnd.Close()

	// Nothing listens here.
	p := newPipeline(liveSnapshot(tenant, "127.0.0.1", 1, "acct"), proxyEnd,
		store, NewWorkerRegistry(), notify.Nop{}, 500*time.Millisecond, zerolog.Nop())
	done := runPipeline(t, p)

	reply, err := bufio.NewReader(minerEnd).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "Ошибка подключения")

	<-done
}

// fakePool accepts one connection, records the first line and answers it.
func fakePool(t *testing.T, reply string) (addr *net.TCPAddr, got chan string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	got = make(chan string, 4)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				got <- line
				conn.Write([]byte(reply))
				// Hold the socket open until the miner goes away.
				buf := make([]byte, 256)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return l.Addr().(*net.TCPAddr), got
}

func TestPipelineRewritesAuthorizeEndToEnd(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(24*time.Hour))
	addr, got := fakePool(t, `{"id":1,"result":true,"error":null}`+"\n")

	minerEnd, proxyEnd := net.Pipe()
	snap := liveSnapshot(tenant, "127.0.0.1", addr.Port, "poolacct")

	p := newPipeline(snap, proxyEnd, store, NewWorkerRegistry(), notify.Nop{}, 2*time.Second, zerolog.Nop())
	done := runPipeline(t, p)

	_, err := minerEnd.Write([]byte(`{"id":1,"method":"mining.authorize","params":["user.rig01","x"]}` + "\n"))
	require.NoError(t, err)

	select {
	case line := <-got:
		assert.Contains(t, line, `"poolacct.rig01"`)
		assert.NotContains(t, line, "user.rig01")
	case <-time.After(3 * time.Second):
		t.Fatal("pool never received the authorize line")
	}

	// The pool reply comes back to the miner untouched.
	reply, err := bufio.NewReader(minerEnd).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"result":true,"error":null}`+"\n", reply)

	// The rig is now tracked online.
	dev, err := store.GetDevice(snap.TenantID, "rig01")
	require.NoError(t, err)
	assert.True(t, dev.IsOnline)

	minerEnd.Close()
	<-done

	// Last pipeline for the worker marks the device offline.
	dev, err = store.GetDevice(snap.TenantID, "rig01")
	require.NoError(t, err)
	assert.False(t, dev.IsOnline)
}

func TestPipelineConcurrentWorkersUniquified(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(24*time.Hour))
	addr, got := fakePool(t, `{"id":1,"result":true,"error":null}`+"\n")

	snap := liveSnapshot(tenant, "127.0.0.1", addr.Port, "poolacct")
	registry := NewWorkerRegistry()
	authorize := []byte(`{"id":1,"method":"mining.authorize","params":["user.rig01","x"]}` + "\n")

	miner1, proxy1 := net.Pipe()
	p1 := newPipeline(snap, proxy1, store, registry, notify.Nop{}, 2*time.Second, zerolog.Nop())
	done1 := runPipeline(t, p1)

	_, err := miner1.Write(authorize)
	require.NoError(t, err)
	select {
	case line := <-got:
		assert.Contains(t, line, `"poolacct.rig01"`)
	case <-time.After(3 * time.Second):
		t.Fatal("pool never saw the first authorize")
	}

	// Second rig with the same worker name while the first is still live.
	miner2, proxy2 := net.Pipe()
	p2 := newPipeline(snap, proxy2, store, registry, notify.Nop{}, 2*time.Second, zerolog.Nop())
	done2 := runPipeline(t, p2)

	_, err = miner2.Write(authorize)
	require.NoError(t, err)
	select {
	case line := <-got:
		assert.Contains(t, line, `"poolacct.rig01-2"`)
	case <-time.After(3 * time.Second):
		t.Fatal("pool never saw the second authorize")
	}

	// The first rig disconnecting leaves the worker online: its twin still is.
	miner1.Close()
	<-done1
	dev, err := store.GetDevice(snap.TenantID, "rig01")
	require.NoError(t, err)
	assert.True(t, dev.IsOnline)

	miner2.Close()
	<-done2
	dev, err = store.GetDevice(snap.TenantID, "rig01")
	require.NoError(t, err)
	assert.False(t, dev.IsOnline)
}

func TestPipelineTLSPassthrough(t *testing.T) {
	store := newProxyTestStore(t)
	tenant := seedTenant(t, store, time.Now().Add(24*time.Hour))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	got := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		got <- buf[:n]
	}()

	minerEnd, proxyEnd := net.Pipe()
	snap := liveSnapshot(tenant, "127.0.0.1", l.Addr().(*net.TCPAddr).Port, "poolacct")

	p := newPipeline(snap, proxyEnd, store, NewWorkerRegistry(), notify.Nop{}, 2*time.Second, zerolog.Nop())
	done := runPipeline(t, p)

	// TLS record header, then opaque bytes. Nothing may be rewritten.
	payload := []byte{0x16, 0x03, 0x01, 0x00, 0x05, 0xde, 0xad, 0xbe, 0xef}
	_, err = minerEnd.Write(payload)
	require.NoError(t, err)

	select {
	case forwarded := <-got:
		assert.Equal(t, payload, forwarded)
	case <-time.After(3 * time.Second):
		t.Fatal("pool never received the handshake bytes")
	}

	minerEnd.Close()
	<-done
}
