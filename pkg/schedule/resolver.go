package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/stratumgate/stratumgate/pkg/storage"
	"github.com/stratumgate/stratumgate/pkg/types"
)

// Resolver chooses the mode currently in effect for a tenant: the first
// matching schedule wins, then the explicitly active mode, then none.
type Resolver struct {
	store storage.Store

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store, Now: time.Now}
}

// Resolve returns the mode to serve now, or nil when the tenant has neither
// a matching schedule nor an active mode. Schedules referencing deleted or
// foreign modes are skipped; malformed windows never match.
func (r *Resolver) Resolve(tenant *types.Tenant) (*types.Mode, error) {
	now := r.Now().In(tenant.Location()).Format("15:04")

	schedules, err := r.store.ListSchedulesByTenant(tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	for _, sch := range schedules {
		if !TimeInRange(now, sch.StartTime, sch.EndTime) {
			continue
		}
		mode, err := r.store.GetMode(sch.ModeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if mode.TenantID != tenant.ID {
			continue
		}
		return mode, nil
	}

	mode, err := r.store.ActiveMode(tenant.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return mode, nil
}
