// Package control implements the administrative operations behind the HTTP
// API: tenant lifecycle, mode and schedule management, subscription
// arithmetic and targeted port reloads.
package control

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratumgate/stratumgate/pkg/config"
	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/schedule"
	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/types"
)

// subscriptionDateLayout is the admin-facing date format.
const subscriptionDateLayout = "02.01.2006"

// trialDays is how long a freshly added tenant can mine before paying.
const trialDays = 30

// PortReloader restarts a tenant port after a routing change.
type PortReloader interface {
	ReloadPort(port int) error
}

// Service is the control-plane business layer. All mutating operations go
// through it; HTTP handlers only translate requests and responses.
type Service struct {
	store    storage.Store
	reloader PortReloader
	cfg      *config.Config
	logger   zerolog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewService creates the control service.
func NewService(store storage.Store, reloader PortReloader, cfg *config.Config) *Service {
	return &Service{
		store:    store,
		reloader: reloader,
		cfg:      cfg,
		logger:   log.WithComponent("control"),
		Now:      time.Now,
	}
}

// AddTenant registers a new tenant on the given port with a trial
// subscription and a Sleep mode as the active one.
func (s *Service) AddTenant(tgID int64, username string, port int, login string) (*types.Tenant, error) {
	if login == "" {
		return nil, E(KindValidation, "login must not be empty")
	}
	if !s.cfg.PortRange.Contains(port) {
		return nil, E(KindValidation, "port %d outside allowed range [%d, %d]",
			port, s.cfg.PortRange.Lo, s.cfg.PortRange.Hi)
	}

	tenant := &types.Tenant{
		TgID:              tgID,
		Username:          username,
		Role:              types.RoleUser,
		Port:              port,
		Login:             login,
		Timezone:          "UTC",
		SubscriptionUntil: s.Now().AddDate(0, 0, trialDays),
	}
	if _, err := s.store.CreateTenantWithSleepMode(tenant); err != nil {
		return nil, wrapStore("failed to create tenant", err)
	}

	s.logger.Info().Int64("tg_id", tgID).Int("port", port).Msg("tenant added")
	return tenant, nil
}

// SetPortResult reports a completed port move. ReloadWarning carries reload
// failures; the port change itself is already committed.
type SetPortResult struct {
	OldPort       int
	NewPort       int
	ReloadWarning string
}

// SetPort moves the tenant to a new listening port and reloads both the old
// and the new port.
func (s *Service) SetPort(tgID int64, newPort int) (*SetPortResult, error) {
	if !s.cfg.PortRange.Contains(newPort) {
		return nil, E(KindValidation, "port %d outside allowed range [%d, %d]",
			newPort, s.cfg.PortRange.Lo, s.cfg.PortRange.Hi)
	}

	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return nil, wrapStore("failed to find tenant", err)
	}
	oldPort := tenant.Port
	if oldPort == newPort {
		return &SetPortResult{OldPort: oldPort, NewPort: newPort}, nil
	}

	tenant.Port = newPort
	if err := s.store.UpdateTenant(tenant); err != nil {
		return nil, wrapStore("failed to change port", err)
	}

	res := &SetPortResult{OldPort: oldPort, NewPort: newPort}
	for _, port := range []int{oldPort, newPort} {
		if err := s.reloader.ReloadPort(port); err != nil {
			s.logger.Error().Err(err).Int("port", port).Msg("reload after port change failed")
			res.ReloadWarning = fmt.Sprintf("reload of port %d failed: %v", port, err)
		}
	}

	s.logger.Info().Int64("tg_id", tgID).Int("old_port", oldPort).Int("new_port", newPort).
		Msg("tenant port changed")
	return res, nil
}

// SetSubscription sets the subscription to end at 23:59:59 of the given
// "DD.MM.YYYY" date in the tenant's timezone.
func (s *Service) SetSubscription(tgID int64, date string) (time.Time, error) {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return time.Time{}, wrapStore("failed to find tenant", err)
	}

	loc := tenant.Location()
	day, err := time.ParseInLocation(subscriptionDateLayout, date, loc)
	if err != nil {
		return time.Time{}, E(KindValidation, "invalid date %q, want DD.MM.YYYY", date)
	}

	until := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc)
	tenant.SubscriptionUntil = until
	if err := s.store.UpdateTenant(tenant); err != nil {
		return time.Time{}, wrapStore("failed to update subscription", err)
	}

	s.logger.Info().Int64("tg_id", tgID).Time("until", until).Msg("subscription set")
	return until, nil
}

// ExtendSubscription pushes the subscription out by whole months from
// whichever is later, the current expiry or now.
func (s *Service) ExtendSubscription(tgID int64, months int) (time.Time, error) {
	if months <= 0 {
		return time.Time{}, E(KindValidation, "months must be positive")
	}

	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return time.Time{}, wrapStore("failed to find tenant", err)
	}

	loc := tenant.Location()
	base := tenant.SubscriptionUntil.In(loc)
	if now := s.Now().In(loc); now.After(base) {
		base = now
	}

	until := addMonthsClamped(base, months)
	tenant.SubscriptionUntil = until
	if err := s.store.UpdateTenant(tenant); err != nil {
		return time.Time{}, wrapStore("failed to update subscription", err)
	}

	s.logger.Info().Int64("tg_id", tgID).Int("months", months).Time("until", until).
		Msg("subscription extended")
	return until, nil
}

// SetLogin changes the miner-facing login part of the tenant credential.
func (s *Service) SetLogin(tgID int64, login string) error {
	if login == "" {
		return E(KindValidation, "login must not be empty")
	}
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return wrapStore("failed to find tenant", err)
	}
	tenant.Login = login
	if err := s.store.UpdateTenant(tenant); err != nil {
		return wrapStore("failed to change login", err)
	}
	s.logger.Info().Int64("tg_id", tgID).Msg("tenant login changed")
	return nil
}

// ListTenants returns every tenant.
func (s *Service) ListTenants() ([]*types.Tenant, error) {
	tenants, err := s.store.ListTenants()
	if err != nil {
		return nil, wrapStore("failed to list tenants", err)
	}
	return tenants, nil
}

// ListModes returns the tenant's modes.
func (s *Service) ListModes(tgID int64) ([]*types.Mode, error) {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return nil, wrapStore("failed to find tenant", err)
	}
	modes, err := s.store.ListModesByTenant(tenant.ID)
	if err != nil {
		return nil, wrapStore("failed to list modes", err)
	}
	return modes, nil
}

// AddMode creates a mode for the tenant. A zero port or the host "sleep"
// makes it a Sleep mode.
func (s *Service) AddMode(tgID int64, name, host string, port int, alias string) (*types.Mode, error) {
	if name == "" {
		return nil, E(KindValidation, "mode name must not be empty")
	}
	if host == "" {
		return nil, E(KindValidation, "mode host must not be empty")
	}
	if port < 0 || port > 65535 {
		return nil, E(KindValidation, "invalid pool port %d", port)
	}

	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return nil, wrapStore("failed to find tenant", err)
	}

	mode := &types.Mode{
		TenantID: tenant.ID,
		Name:     name,
		Host:     host,
		Port:     port,
		Alias:    alias,
	}
	if err := s.store.CreateMode(mode); err != nil {
		return nil, wrapStore("failed to create mode", err)
	}

	s.logger.Info().Int64("tg_id", tgID).Str("mode", name).Msg("mode added")
	return mode, nil
}

// ActivateMode makes the mode the tenant's active one and reloads the
// tenant's port so it takes effect immediately. Reload failures are returned
// as a warning; the activation itself is committed.
func (s *Service) ActivateMode(tgID, modeID int64) (reloadWarning string, err error) {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return "", wrapStore("failed to find tenant", err)
	}
	mode, err := s.store.GetMode(modeID)
	if err != nil {
		return "", wrapStore("failed to find mode", err)
	}
	if mode.TenantID != tenant.ID {
		return "", E(KindNotFound, "mode %d does not belong to tenant", modeID)
	}

	if err := s.store.SetActiveMode(tenant.ID, modeID); err != nil {
		return "", wrapStore("failed to activate mode", err)
	}

	if err := s.reloader.ReloadPort(tenant.Port); err != nil {
		s.logger.Error().Err(err).Int("port", tenant.Port).Msg("reload after activation failed")
		reloadWarning = fmt.Sprintf("reload of port %d failed: %v", tenant.Port, err)
	}

	s.logger.Info().Int64("tg_id", tgID).Str("mode", mode.Name).Msg("mode activated")
	return reloadWarning, nil
}

// DeleteMode removes the mode and every schedule pointing at it.
func (s *Service) DeleteMode(tgID, modeID int64) error {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return wrapStore("failed to find tenant", err)
	}
	mode, err := s.store.GetMode(modeID)
	if err != nil {
		return wrapStore("failed to find mode", err)
	}
	if mode.TenantID != tenant.ID {
		return E(KindNotFound, "mode %d does not belong to tenant", modeID)
	}

	schedules, err := s.store.ListSchedulesByTenant(tenant.ID)
	if err != nil {
		return wrapStore("failed to list schedules", err)
	}
	for _, sch := range schedules {
		if sch.ModeID != modeID {
			continue
		}
		if err := s.store.DeleteSchedule(sch.ID); err != nil {
			return wrapStore("failed to delete dependent schedule", err)
		}
	}

	if err := s.store.DeleteMode(modeID); err != nil {
		return wrapStore("failed to delete mode", err)
	}
	s.logger.Info().Int64("tg_id", tgID).Str("mode", mode.Name).Msg("mode deleted")
	return nil
}

// ListSchedules returns the tenant's schedules in evaluation order.
func (s *Service) ListSchedules(tgID int64) ([]*types.Schedule, error) {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return nil, wrapStore("failed to find tenant", err)
	}
	schedules, err := s.store.ListSchedulesByTenant(tenant.ID)
	if err != nil {
		return nil, wrapStore("failed to list schedules", err)
	}
	return schedules, nil
}

// AddSchedule creates a time window selecting one of the tenant's modes.
func (s *Service) AddSchedule(tgID, modeID int64, startTime, endTime string) (*types.Schedule, error) {
	if !schedule.ValidTime(startTime) || !schedule.ValidTime(endTime) {
		return nil, E(KindValidation, "times must be HH:MM")
	}

	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return nil, wrapStore("failed to find tenant", err)
	}
	mode, err := s.store.GetMode(modeID)
	if err != nil {
		return nil, wrapStore("failed to find mode", err)
	}
	if mode.TenantID != tenant.ID {
		return nil, E(KindNotFound, "mode %d does not belong to tenant", modeID)
	}

	sch := &types.Schedule{
		TenantID:  tenant.ID,
		ModeID:    modeID,
		StartTime: startTime,
		EndTime:   endTime,
	}
	if err := s.store.CreateSchedule(sch); err != nil {
		return nil, wrapStore("failed to create schedule", err)
	}

	s.logger.Info().Int64("tg_id", tgID).Str("mode", mode.Name).
		Str("window", startTime+"-"+endTime).Msg("schedule added")
	return sch, nil
}

// DeleteSchedule removes one of the tenant's schedules.
func (s *Service) DeleteSchedule(tgID, scheduleID int64) error {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return wrapStore("failed to find tenant", err)
	}
	sch, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return wrapStore("failed to find schedule", err)
	}
	if sch.TenantID != tenant.ID {
		return E(KindNotFound, "schedule %d does not belong to tenant", scheduleID)
	}
	if err := s.store.DeleteSchedule(scheduleID); err != nil {
		return wrapStore("failed to delete schedule", err)
	}
	return nil
}

// ListDevices returns the rigs seen on the tenant's port.
func (s *Service) ListDevices(tgID int64) ([]*types.Device, error) {
	tenant, err := s.store.GetTenantByTgID(tgID)
	if err != nil {
		return nil, wrapStore("failed to find tenant", err)
	}
	devices, err := s.store.ListDevicesByTenant(tenant.ID)
	if err != nil {
		return nil, wrapStore("failed to list devices", err)
	}
	return devices, nil
}

// FreePorts lists the ports of the configured range not taken by any tenant,
// ascending.
func (s *Service) FreePorts() ([]int, error) {
	tenants, err := s.store.ListTenants()
	if err != nil {
		return nil, wrapStore("failed to list tenants", err)
	}

	used := make(map[int]bool, len(tenants))
	for _, t := range tenants {
		used[t.Port] = true
	}

	free := make([]int, 0)
	for p := s.cfg.PortRange.Lo; p <= s.cfg.PortRange.Hi; p++ {
		if !used[p] {
			free = append(free, p)
		}
	}
	sort.Ints(free)
	return free, nil
}

// ListPendingPayments returns payment requests awaiting review, oldest first.
func (s *Service) ListPendingPayments() ([]*types.PaymentRequest, error) {
	reqs, err := s.store.ListPaymentRequestsByStatus(types.PaymentPending)
	if err != nil {
		return nil, wrapStore("failed to list payment requests", err)
	}
	return reqs, nil
}

// UpdatePayment approves or rejects a payment request.
func (s *Service) UpdatePayment(id int64, action string) error {
	var status types.PaymentStatus
	switch action {
	case "approve":
		status = types.PaymentApproved
	case "reject":
		status = types.PaymentRejected
	default:
		return E(KindValidation, "action must be approve or reject")
	}

	if err := s.store.UpdatePaymentStatus(id, status); err != nil {
		return wrapStore("failed to update payment request", err)
	}
	s.logger.Info().Int64("payment_id", id).Str("status", string(status)).Msg("payment reviewed")
	return nil
}

// ReloadPort restarts one tenant listener from current state.
func (s *Service) ReloadPort(port int) error {
	if err := s.reloader.ReloadPort(port); err != nil {
		return &Error{Kind: KindInternal, Msg: fmt.Sprintf("failed to reload port %d", port), Err: err}
	}
	return nil
}

// addMonthsClamped adds months to t, clamping the day to the target month's
// last day instead of letting it spill over, and pins the clock to 23:59:59.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, months, 0)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 23, 59, 59, 0, t.Location())
}
