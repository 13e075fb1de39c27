package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stratumgate/stratumgate/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTenants   = []byte("tenants")
	bucketModes     = []byte("modes")
	bucketSchedules = []byte("schedules")
	bucketDevices   = []byte("devices")
	bucketPayments  = []byte("payments")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and ensures buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketModes,
			bucketSchedules,
			bucketDevices,
			bucketPayments,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes a bolt sequence number as a sortable key.
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// Tenant operations

func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createTenantTx(tx, tenant)
	})
}

// CreateTenantWithSleepMode writes the tenant and its active Sleep mode in a
// single transaction. A conflict rolls back both, leaving no orphan mode.
func (s *BoltStore) CreateTenantWithSleepMode(tenant *types.Tenant) (*types.Mode, error) {
	var mode *types.Mode
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := createTenantTx(tx, tenant); err != nil {
			return err
		}
		mode = types.SleepMode(tenant.ID)
		b := tx.Bucket(bucketModes)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		mode.ID = int64(seq)
		data, err := json.Marshal(mode)
		if err != nil {
			return err
		}
		return b.Put(itob(mode.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return mode, nil
}

func createTenantTx(tx *bolt.Tx, tenant *types.Tenant) error {
	b := tx.Bucket(bucketTenants)
	var conflict error
	err := b.ForEach(func(k, v []byte) error {
		var t types.Tenant
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if t.Port == tenant.Port {
			conflict = ErrPortInUse
		}
		if t.TgID == tenant.TgID {
			conflict = ErrTgIDInUse
		}
		return nil
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		return conflict
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	tenant.ID = int64(seq)
	data, err := json.Marshal(tenant)
	if err != nil {
		return err
	}
	return b.Put(itob(tenant.ID), data)
}

func (s *BoltStore) GetTenant(id int64) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get(itob(id))
		if data == nil {
			return fmt.Errorf("tenant %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) GetTenantByTgID(tgID int64) (*types.Tenant, error) {
	return s.findTenant(func(t *types.Tenant) bool { return t.TgID == tgID })
}

func (s *BoltStore) GetTenantByPort(port int) (*types.Tenant, error) {
	return s.findTenant(func(t *types.Tenant) bool { return t.Port == port })
}

func (s *BoltStore) findTenant(match func(*types.Tenant) bool) (*types.Tenant, error) {
	var found *types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if found == nil && match(&t) {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("tenant: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tenants = append(tenants, &t)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) UpdateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get(itob(tenant.ID)) == nil {
			return fmt.Errorf("tenant %d: %w", tenant.ID, ErrNotFound)
		}
		var conflict error
		err := b.ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ID == tenant.ID {
				return nil
			}
			if t.Port == tenant.Port {
				conflict = ErrPortInUse
			}
			if t.TgID == tenant.TgID {
				conflict = ErrTgIDInUse
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return b.Put(itob(tenant.ID), data)
	})
}

func (s *BoltStore) DeleteTenant(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).Delete(itob(id))
	})
}

// Mode operations

func (s *BoltStore) CreateMode(mode *types.Mode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModes)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		mode.ID = int64(seq)
		data, err := json.Marshal(mode)
		if err != nil {
			return err
		}
		return b.Put(itob(mode.ID), data)
	})
}

func (s *BoltStore) GetMode(id int64) (*types.Mode, error) {
	var mode types.Mode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketModes).Get(itob(id))
		if data == nil {
			return fmt.Errorf("mode %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &mode)
	})
	if err != nil {
		return nil, err
	}
	return &mode, nil
}

func (s *BoltStore) ListModesByTenant(tenantID int64) ([]*types.Mode, error) {
	var modes []*types.Mode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModes).ForEach(func(k, v []byte) error {
			var m types.Mode
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.TenantID == tenantID {
				modes = append(modes, &m)
			}
			return nil
		})
	})
	return modes, err
}

// ActiveMode returns the tenant's mode with is_active set, or ErrNotFound.
func (s *BoltStore) ActiveMode(tenantID int64) (*types.Mode, error) {
	var found *types.Mode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModes).ForEach(func(k, v []byte) error {
			var m types.Mode
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if found == nil && m.TenantID == tenantID && m.IsActive {
				found = &m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active mode for tenant %d: %w", tenantID, ErrNotFound)
	}
	return found, nil
}

// SetActiveMode atomically clears the tenant's other active flags and sets
// the given mode active. Readers observe either the old or the new state.
func (s *BoltStore) SetActiveMode(tenantID, modeID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModes)

		target := b.Get(itob(modeID))
		if target == nil {
			return fmt.Errorf("mode %d: %w", modeID, ErrNotFound)
		}
		var mode types.Mode
		if err := json.Unmarshal(target, &mode); err != nil {
			return err
		}
		if mode.TenantID != tenantID {
			return fmt.Errorf("mode %d does not belong to tenant %d: %w", modeID, tenantID, ErrNotFound)
		}

		type update struct {
			key  []byte
			mode types.Mode
		}
		var updates []update
		err := b.ForEach(func(k, v []byte) error {
			var m types.Mode
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.TenantID != tenantID {
				return nil
			}
			want := m.ID == modeID
			if m.IsActive != want {
				m.IsActive = want
				key := make([]byte, len(k))
				copy(key, k)
				updates = append(updates, update{key: key, mode: m})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			data, err := json.Marshal(&u.mode)
			if err != nil {
				return err
			}
			if err := b.Put(u.key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpdateMode(mode *types.Mode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModes)
		if b.Get(itob(mode.ID)) == nil {
			return fmt.Errorf("mode %d: %w", mode.ID, ErrNotFound)
		}
		data, err := json.Marshal(mode)
		if err != nil {
			return err
		}
		return b.Put(itob(mode.ID), data)
	})
}

func (s *BoltStore) DeleteMode(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModes).Delete(itob(id))
	})
}

// Schedule operations

func (s *BoltStore) CreateSchedule(schedule *types.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		schedule.ID = int64(seq)
		data, err := json.Marshal(schedule)
		if err != nil {
			return err
		}
		return b.Put(itob(schedule.ID), data)
	})
}

func (s *BoltStore) GetSchedule(id int64) (*types.Schedule, error) {
	var schedule types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get(itob(id))
		if data == nil {
			return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &schedule)
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// ListSchedulesByTenant returns the tenant's schedules ordered by id, so
// resolution ties break on the lowest schedule id.
func (s *BoltStore) ListSchedulesByTenant(tenantID int64) ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sch types.Schedule
			if err := json.Unmarshal(v, &sch); err != nil {
				return err
			}
			if sch.TenantID == tenantID {
				schedules = append(schedules, &sch)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

func (s *BoltStore) DeleteSchedule(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete(itob(id))
	})
}

// Device operations

func deviceKey(tenantID int64, worker string) []byte {
	return []byte(fmt.Sprintf("%d/%s", tenantID, worker))
}

// UpsertDevice records a successful authorize for (tenant, worker): the
// device comes online and both timestamps advance.
func (s *BoltStore) UpsertDevice(tenantID int64, worker string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		key := deviceKey(tenantID, worker)

		var dev types.Device
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &dev); err != nil {
				return err
			}
		} else {
			dev = types.Device{
				TenantID: tenantID,
				Worker:   worker,
				Name:     worker,
				Suffix:   parseWorkerSuffix(worker),
			}
		}
		dev.IsOnline = true
		dev.LastConnectedAt = now
		dev.LastSeenAt = now

		data, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// MarkDeviceOffline flips the device offline and refreshes last_seen_at.
// Unknown devices are ignored.
func (s *BoltStore) MarkDeviceOffline(tenantID int64, worker string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		key := deviceKey(tenantID, worker)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var dev types.Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		dev.IsOnline = false
		dev.LastSeenAt = now
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) GetDevice(tenantID int64, worker string) (*types.Device, error) {
	var dev types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get(deviceKey(tenantID, worker))
		if data == nil {
			return fmt.Errorf("device %d/%s: %w", tenantID, worker, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) ListDevicesByTenant(tenantID int64) ([]*types.Device, error) {
	var devices []*types.Device
	prefix := []byte(fmt.Sprintf("%d/", tenantID))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDevices).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var dev types.Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
		}
		return nil
	})
	return devices, err
}

// parseWorkerSuffix pulls a trailing numeric suffix out of a worker name,
// e.g. "rig01" -> 1, "rig-12" -> 12. Zero means no suffix.
func parseWorkerSuffix(worker string) int {
	i := len(worker)
	for i > 0 && worker[i-1] >= '0' && worker[i-1] <= '9' {
		i--
	}
	if i == len(worker) {
		return 0
	}
	n, err := strconv.Atoi(worker[i:])
	if err != nil {
		return 0
	}
	return n
}

// Payment request operations

func (s *BoltStore) CreatePaymentRequest(req *types.PaymentRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayments)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		req.ID = int64(seq)
		if req.Status == "" {
			req.Status = types.PaymentPending
		}
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return b.Put(itob(req.ID), data)
	})
}

func (s *BoltStore) GetPaymentRequest(id int64) (*types.PaymentRequest, error) {
	var req types.PaymentRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPayments).Get(itob(id))
		if data == nil {
			return fmt.Errorf("payment request %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListPaymentRequestsByStatus returns matching requests oldest first.
func (s *BoltStore) ListPaymentRequestsByStatus(status types.PaymentStatus) ([]*types.PaymentRequest, error) {
	var reqs []*types.PaymentRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayments).ForEach(func(k, v []byte) error {
			var r types.PaymentRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Status == status {
				reqs = append(reqs, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs, nil
}

func (s *BoltStore) UpdatePaymentStatus(id int64, status types.PaymentStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayments)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("payment request %d: %w", id, ErrNotFound)
		}
		var req types.PaymentRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		req.Status = status
		out, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}
