package scheduler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/schedule"
	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeReloader struct {
	ports []int
}

func (f *fakeReloader) ReloadPort(port int) error {
	f.ports = append(f.ports, port)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ int64, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store, *fakeReloader, *fakeNotifier) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reloader := &fakeReloader{}
	notifier := &fakeNotifier{}
	resolver := schedule.NewResolver(store)
	s := New(store, resolver, reloader, notifier, time.Minute)

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return at }
	resolver.Now = s.Now
	return s, store, reloader, notifier
}

func TestTickActivatesScheduledMode(t *testing.T) {
	s, store, reloader, _ := newTestScheduler(t)

	tenant := &types.Tenant{
		TgID: 100, Port: 4001, Login: "l", Timezone: "UTC",
		SubscriptionUntil: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateTenant(tenant))

	a := &types.Mode{TenantID: tenant.ID, Name: "A", Host: "a.example", Port: 3333}
	b := &types.Mode{TenantID: tenant.ID, Name: "B", Host: "b.example", Port: 3333}
	require.NoError(t, store.CreateMode(a))
	require.NoError(t, store.CreateMode(b))
	require.NoError(t, store.SetActiveMode(tenant.ID, a.ID))

	// All-day window selecting B.
	require.NoError(t, store.CreateSchedule(&types.Schedule{
		TenantID: tenant.ID, ModeID: b.ID, StartTime: "00:00", EndTime: "00:00",
	}))

	s.tick()

	active, err := store.ActiveMode(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)
	assert.Equal(t, []int{tenant.Port}, reloader.ports)

	// A second tick sees the persisted state already matching and stays quiet.
	s.tick()
	assert.Equal(t, []int{tenant.Port}, reloader.ports)
}

func TestTickLeavesManualChoiceAlone(t *testing.T) {
	s, store, reloader, _ := newTestScheduler(t)

	tenant := &types.Tenant{
		TgID: 100, Port: 4001, Login: "l", Timezone: "UTC",
		SubscriptionUntil: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateTenant(tenant))

	a := &types.Mode{TenantID: tenant.ID, Name: "A", Host: "a.example", Port: 3333}
	require.NoError(t, store.CreateMode(a))
	require.NoError(t, store.SetActiveMode(tenant.ID, a.ID))

	// No schedules: the active mode stands and nothing reloads.
	s.tick()
	assert.Empty(t, reloader.ports)
}

func TestRemindersDeduplicatedPerDay(t *testing.T) {
	s, store, _, notifier := newTestScheduler(t)

	tenant := &types.Tenant{
		TgID: 100, Port: 4001, Login: "l", Timezone: "UTC",
		// Expires in 2 days relative to the fixed clock.
		SubscriptionUntil: time.Date(2026, 4, 3, 23, 59, 59, 0, time.UTC),
	}
	require.NoError(t, store.CreateTenant(tenant))

	s.tick()
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "2")

	// Same day, same days-left: no repeat.
	s.tick()
	assert.Len(t, notifier.messages, 1)

	// Next local day the countdown moved to 1 and a new reminder goes out.
	s.Now = func() time.Time { return time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC) }
	s.tick()
	assert.Len(t, notifier.messages, 2)
}

func TestNoReminderOutsideWindow(t *testing.T) {
	s, store, _, notifier := newTestScheduler(t)

	far := &types.Tenant{
		TgID: 100, Port: 4001, Login: "l", Timezone: "UTC",
		SubscriptionUntil: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	expired := &types.Tenant{
		TgID: 101, Port: 4002, Login: "m", Timezone: "UTC",
		SubscriptionUntil: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateTenant(far))
	require.NoError(t, store.CreateTenant(expired))

	s.tick()
	assert.Empty(t, notifier.messages)
}

func TestStartStop(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	s.Start()
	s.Stop()
	// Stop is idempotent.
	s.Stop()
}
