package storage

import (
	"errors"
	"time"

	"github.com/stratumgate/stratumgate/pkg/types"
)

// Sentinel errors surfaced to the control plane for status mapping.
var (
	ErrNotFound  = errors.New("not found")
	ErrPortInUse = errors.New("port already in use")
	ErrTgIDInUse = errors.New("tg_id already in use")
)

// Store defines the interface for proxy state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Tenants
	CreateTenant(tenant *types.Tenant) error
	// CreateTenantWithSleepMode creates the tenant and its initial active
	// Sleep mode in one transaction, so a tenant never exists without a
	// resolvable mode.
	CreateTenantWithSleepMode(tenant *types.Tenant) (*types.Mode, error)
	GetTenant(id int64) (*types.Tenant, error)
	GetTenantByTgID(tgID int64) (*types.Tenant, error)
	GetTenantByPort(port int) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	UpdateTenant(tenant *types.Tenant) error
	DeleteTenant(id int64) error

	// Modes
	CreateMode(mode *types.Mode) error
	GetMode(id int64) (*types.Mode, error)
	ListModesByTenant(tenantID int64) ([]*types.Mode, error)
	ActiveMode(tenantID int64) (*types.Mode, error)
	SetActiveMode(tenantID, modeID int64) error
	UpdateMode(mode *types.Mode) error
	DeleteMode(id int64) error

	// Schedules
	CreateSchedule(schedule *types.Schedule) error
	GetSchedule(id int64) (*types.Schedule, error)
	ListSchedulesByTenant(tenantID int64) ([]*types.Schedule, error)
	DeleteSchedule(id int64) error

	// Devices
	UpsertDevice(tenantID int64, worker string, now time.Time) error
	MarkDeviceOffline(tenantID int64, worker string, now time.Time) error
	GetDevice(tenantID int64, worker string) (*types.Device, error)
	ListDevicesByTenant(tenantID int64) ([]*types.Device, error)

	// Payment requests
	CreatePaymentRequest(req *types.PaymentRequest) error
	GetPaymentRequest(id int64) (*types.PaymentRequest, error)
	ListPaymentRequestsByStatus(status types.PaymentStatus) ([]*types.PaymentRequest, error)
	UpdatePaymentStatus(id int64, status types.PaymentStatus) error

	// Utility
	Close() error
}
