// Package scheduler runs the periodic background work of the proxy: putting
// scheduled modes into effect and reminding tenants about expiring
// subscriptions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/metrics"
	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/schedule"
	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/types"
)

// PortReloader restarts a tenant port so a new routing snapshot takes effect.
type PortReloader interface {
	ReloadPort(port int) error
}

// reminderDays are how many days before expiry a reminder goes out.
var reminderDays = map[int]bool{1: true, 2: true, 3: true}

// Scheduler evaluates tenant schedules on a fixed interval and reloads the
// ports whose effective mode changed. It also sends subscription-expiry
// reminders, at most once per day per tenant per remaining-days value.
type Scheduler struct {
	store    storage.Store
	resolver *schedule.Resolver
	fabric   PortReloader
	notifier notify.Notifier
	interval time.Duration

	logger zerolog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// notified[tenantID][localDate][daysLeft] marks delivered reminders.
	notified map[int64]map[string]map[int]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler. Start must be called to begin ticking.
func New(store storage.Store, resolver *schedule.Resolver, fabric PortReloader, notifier notify.Notifier, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		resolver: resolver,
		fabric:   fabric,
		notifier: notifier,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		Now:      time.Now,
		notified: make(map[int64]map[string]map[int]bool),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop in a goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one evaluation pass. Ticks never overlap because the loop is
// single-goroutine.
func (s *Scheduler) tick() {
	metrics.SchedulerTicksTotal.Inc()

	tenants, err := s.store.ListTenants()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list tenants")
		return
	}

	s.applySchedules(tenants)
	s.sendReminders(tenants)
}

// applySchedules brings the persisted active mode in line with what the
// schedules say, then reloads each affected port once.
func (s *Scheduler) applySchedules(tenants []*types.Tenant) {
	dirty := make(map[int]bool)

	for _, t := range tenants {
		select {
		case <-s.stopCh:
			return
		default:
		}

		effective, err := s.resolver.Resolve(t)
		if err != nil {
			s.logger.Error().Err(err).Int64("tenant_id", t.ID).Msg("failed to resolve mode")
			continue
		}
		if effective == nil {
			continue
		}

		active, err := s.store.ActiveMode(t.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Int64("tenant_id", t.ID).Msg("failed to read active mode")
			continue
		}
		if active != nil && active.ID == effective.ID {
			continue
		}

		if err := s.store.SetActiveMode(t.ID, effective.ID); err != nil {
			s.logger.Error().Err(err).Int64("tenant_id", t.ID).Int64("mode_id", effective.ID).
				Msg("failed to activate scheduled mode")
			continue
		}
		s.logger.Info().Int64("tenant_id", t.ID).Str("mode", effective.Name).
			Int("port", t.Port).Msg("schedule switched active mode")
		dirty[t.Port] = true
	}

	for port := range dirty {
		if err := s.fabric.ReloadPort(port); err != nil {
			s.logger.Error().Err(err).Int("port", port).Msg("failed to reload port after mode switch")
		}
	}
}

// sendReminders notifies tenants whose subscription ends in 1-3 days, once
// per local day per remaining-days value.
func (s *Scheduler) sendReminders(tenants []*types.Tenant) {
	for _, t := range tenants {
		loc := t.Location()
		now := s.Now().In(loc)
		days := daysUntil(now, t.SubscriptionUntil.In(loc))
		if !reminderDays[days] {
			continue
		}

		today := now.Format("2006-01-02")
		if s.alreadyNotified(t.ID, today, days) {
			continue
		}

		msg := fmt.Sprintf("Ваша подписка заканчивается через %d дн. Продлите её, чтобы прокси продолжил работать.", days)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.notifier.Notify(ctx, t.TgID, msg)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Int64("tenant_id", t.ID).Msg("failed to send expiry reminder")
			continue
		}

		s.markNotified(t.ID, today, days)
		metrics.RemindersSentTotal.Inc()
		s.logger.Info().Int64("tenant_id", t.ID).Int("days_left", days).Msg("expiry reminder sent")
	}
}

func (s *Scheduler) alreadyNotified(tenantID int64, date string, days int) bool {
	return s.notified[tenantID][date][days]
}

func (s *Scheduler) markNotified(tenantID int64, date string, days int) {
	byDate, ok := s.notified[tenantID]
	if !ok {
		byDate = make(map[string]map[int]bool)
		s.notified[tenantID] = byDate
	}
	// Drop older days so the map does not grow without bound.
	for d := range byDate {
		if d != date {
			delete(byDate, d)
		}
	}
	if byDate[date] == nil {
		byDate[date] = make(map[int]bool)
	}
	byDate[date][days] = true
}

// daysUntil counts whole calendar days from now's date to expiry's date,
// both taken in the same location.
func daysUntil(now, expiry time.Time) int {
	d0 := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	d1 := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, expiry.Location())
	return int(d1.Sub(d0).Hours() / 24)
}
