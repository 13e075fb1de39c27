package proxy

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumgate/stratumgate/pkg/config"
	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/schedule"
	"github.com/stratumgate/stratumgate/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// freePort grabs an ephemeral port and releases it for the fabric to take.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func dialMiner(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
		if err == nil {
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("failed to reach port %d: %v", port, err)
	return nil
}

func TestFabricServesSleepAndReload(t *testing.T) {
	store := newProxyTestStore(t)
	port := freePort(t)

	tenant := &types.Tenant{
		TgID: 500, Port: port, Login: "tenant", Timezone: "UTC",
		SubscriptionUntil: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, store.CreateTenant(tenant))
	sleep := types.SleepMode(tenant.ID)
	require.NoError(t, store.CreateMode(sleep))

	cfg := config.Default()
	cfg.ProxyHost = "127.0.0.1"

	fabric := NewFabric(store, schedule.NewResolver(store), cfg, notify.Nop{})
	require.NoError(t, fabric.StartAll())
	defer fabric.StopAll()
	assert.Equal(t, []int{port}, fabric.Ports())

	// Sleep mode answers with the sentinel line and hangs up.
	conn := dialMiner(t, port)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "proxy sleep")
	conn.Close()

	// Activate a live mode; the snapshot only changes after a reload.
	poolAddr, got := fakePool(t, `{"id":1,"result":true,"error":null}`+"\n")
	live := &types.Mode{
		TenantID: tenant.ID, Name: "Live", Host: "127.0.0.1",
		Port: poolAddr.Port, Alias: "poolacct",
	}
	require.NoError(t, store.CreateMode(live))
	require.NoError(t, store.SetActiveMode(tenant.ID, live.ID))
	require.NoError(t, fabric.ReloadPort(port))

	conn = dialMiner(t, port)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"id":1,"method":"mining.authorize","params":["user.rig01","x"]}` + "\n"))
	require.NoError(t, err)

	select {
	case line := <-got:
		assert.Contains(t, line, "poolacct.rig01")
	case <-time.After(3 * time.Second):
		t.Fatal("pool never saw the authorize line")
	}
}

func TestFabricReloadFreedPort(t *testing.T) {
	store := newProxyTestStore(t)
	port := freePort(t)

	cfg := config.Default()
	cfg.ProxyHost = "127.0.0.1"
	fabric := NewFabric(store, schedule.NewResolver(store), cfg, notify.Nop{})
	defer fabric.StopAll()

	// No tenant on the port: the reload leaves it closed.
	require.NoError(t, fabric.ReloadPort(port))
	assert.Empty(t, fabric.Ports())
}

func TestSnapshotFor(t *testing.T) {
	tenant := &types.Tenant{ID: 1, TgID: 2, Login: "l", SubscriptionUntil: time.Now()}

	snap := SnapshotFor(tenant, nil)
	assert.True(t, snap.Sleep)

	snap = SnapshotFor(tenant, types.SleepMode(1))
	assert.True(t, snap.Sleep)

	snap = SnapshotFor(tenant, &types.Mode{Name: "Live", Host: "pool.example", Port: 3333, Alias: "a"})
	assert.False(t, snap.Sleep)
	assert.Equal(t, "pool.example", snap.Host)
	assert.Equal(t, 3333, snap.PoolPort)
}
