// Package locks implements the Ring-1 advisory lock layer. Money-touching
// operations take a short-lived lease on their task or user before reaching
// the storage lock; storage-level FOR UPDATE remains the final authority.
package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBusy is returned when a resource is leased by another transaction.
var ErrBusy = errors.New("locks: resource busy")

// ErrNotOwner is returned when a release names a txID that does not hold the lease.
var ErrNotOwner = errors.New("locks: lease owned by another transaction")

// DefaultTTL bounds a lease when the caller passes zero.
const DefaultTTL = 30 * time.Second

// Lease is a granted lock.
type Lease struct {
	ResourceID string
	TxID       string
	ExpiresAt  time.Time
}

type entry struct {
	txID    string
	expires time.Time
}

// Manager hands out TTL-bounded leases keyed by resource ID.
type Manager struct {
	mu    sync.Mutex
	held  map[string]entry
	now   func() time.Time
	sweep time.Duration
}

// New constructs a lock manager.
func New() *Manager {
	return &Manager{
		held:  make(map[string]entry),
		now:   time.Now,
		sweep: 5 * time.Second,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Acquire grants a lease on resourceID to txID, or ErrBusy if another live
// lease holds it. Re-acquiring an owned lease extends it.
func (m *Manager) Acquire(resourceID, txID string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(resourceID, txID, ttl)
}

func (m *Manager) acquireLocked(resourceID, txID string, ttl time.Duration) (Lease, error) {
	now := m.now()
	if cur, ok := m.held[resourceID]; ok && cur.expires.After(now) && cur.txID != txID {
		return Lease{}, ErrBusy
	}
	expires := now.Add(ttl)
	m.held[resourceID] = entry{txID: txID, expires: expires}
	return Lease{ResourceID: resourceID, TxID: txID, ExpiresAt: expires}, nil
}

// AcquireBatch grants leases on every resource or none. Resources are locked
// in lexicographic order so concurrent batch acquirers cannot deadlock.
func (m *Manager) AcquireBatch(resourceIDs []string, txID string, ttl time.Duration) ([]Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sorted := make([]string, len(resourceIDs))
	copy(sorted, resourceIDs)
	sort.Strings(sorted)

	m.mu.Lock()
	defer m.mu.Unlock()
	leases := make([]Lease, 0, len(sorted))
	for i, id := range sorted {
		lease, err := m.acquireLocked(id, txID, ttl)
		if err != nil {
			// Fail closed: give back everything granted in this batch.
			for _, granted := range leases[:i] {
				delete(m.held, granted.ResourceID)
			}
			return nil, ErrBusy
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// Release frees a lease. Only the owning txID may release; expired leases are
// released unconditionally.
func (m *Manager) Release(resourceID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[resourceID]
	if !ok {
		return nil
	}
	if cur.txID != txID && cur.expires.After(m.now()) {
		return ErrNotOwner
	}
	delete(m.held, resourceID)
	return nil
}

// Held reports how many live leases exist. Expired leases are not counted.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, cur := range m.held {
		if cur.expires.After(now) {
			n++
		}
	}
	return n
}

// Run garbage-collects expired leases until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.gc()
		}
	}
}

func (m *Manager) gc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, cur := range m.held {
		if !cur.expires.After(now) {
			delete(m.held, id)
		}
	}
}
