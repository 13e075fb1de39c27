package types

import (
	"strings"
	"time"
)

// Tenant represents an end-user of the proxy. Each tenant owns one listening
// port, one miner-facing login, a timezone and a set of modes and schedules.
type Tenant struct {
	ID                int64      `json:"id"`
	TgID              int64      `json:"tg_id"`
	Username          string     `json:"username,omitempty"`
	Role              TenantRole `json:"role"`
	Port              int        `json:"port"`
	Login             string     `json:"login"`
	Timezone          string     `json:"timezone"`
	SubscriptionUntil time.Time  `json:"subscription_until"`
}

// TenantRole defines the role of a tenant
type TenantRole string

const (
	RoleUser       TenantRole = "user"
	RoleAdmin      TenantRole = "admin"
	RoleSuperAdmin TenantRole = "superadmin"
)

// SubscriptionActive reports whether the tenant's subscription covers now.
func (t *Tenant) SubscriptionActive(now time.Time) bool {
	return !now.After(t.SubscriptionUntil)
}

// Location resolves the tenant's IANA timezone, falling back to UTC when the
// zone string does not parse.
func (t *Tenant) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// SleepHost is the sentinel upstream host denoting "no upstream".
const SleepHost = "sleep"

// Mode is a named upstream configuration a tenant may activate: pool host,
// pool port and the pool-account login (alias) presented upstream.
type Mode struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenant_id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Alias    string `json:"alias"`
	IsActive bool   `json:"is_active"`
}

// IsSleep reports whether the mode is the Sleep sentinel.
func (m *Mode) IsSleep() bool {
	return strings.EqualFold(m.Host, SleepHost) || m.Port == 0
}

// SleepMode returns the Sleep mode every fresh tenant starts with.
func SleepMode(tenantID int64) *Mode {
	return &Mode{
		TenantID: tenantID,
		Name:     "Sleep",
		Host:     SleepHost,
		Port:     0,
		Alias:    "",
		IsActive: true,
	}
}

// Schedule is a local-time window that selects a mode while it matches.
// Start and end are "HH:MM" strings in the owning tenant's timezone.
type Schedule struct {
	ID        int64  `json:"id"`
	TenantID  int64  `json:"tenant_id"`
	ModeID    int64  `json:"mode_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Device is a per-tenant record of one mining rig, keyed by the worker
// suffix of the miner credential.
type Device struct {
	TenantID        int64     `json:"tenant_id"`
	Worker          string    `json:"worker"`
	Suffix          int       `json:"suffix,omitempty"`
	Name            string    `json:"name"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	IsOnline        bool      `json:"is_online"`
}

// PaymentMethod identifies how a tenant paid
type PaymentMethod string

const (
	PaymentBEP20 PaymentMethod = "bep20"
	PaymentTRC20 PaymentMethod = "trc20"
	PaymentCard  PaymentMethod = "card"
)

// PaymentStatus is the review state of a payment request
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

// PaymentRequest is an uploaded payment proof awaiting admin review. The
// proxy stores it opaquely and never interprets the file.
type PaymentRequest struct {
	ID        int64         `json:"id"`
	TenantID  int64         `json:"tenant_id"`
	Method    PaymentMethod `json:"method"`
	FileID    string        `json:"file_id"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// SplitCredential splits a miner credential "login.worker" on the first dot.
// The worker part may be empty.
func SplitCredential(cred string) (login, worker string) {
	if i := strings.IndexByte(cred, '.'); i >= 0 {
		return cred[:i], cred[i+1:]
	}
	return cred, ""
}
