// Package admin carries the operator control plane: the killswitch and
// SafeMode flags the saga consults before moving money, the denylist that
// hard-blocks privileged principals, and the force/backfill operations that
// run the saga protocol under an operator identity.
package admin

import (
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coreerrors "hustlexp/core/errors"
	"hustlexp/native/escrow"
	"hustlexp/storage"
)

// Control flag rows consulted before money movement.
const (
	FlagKillswitch = "killswitch"
	FlagSafeMode   = "safemode"
)

// CacheTTL bounds how stale a cached flag read may be. Flag writes are rare
// and a short window of staleness is acceptable for a fail-fast gate.
const CacheTTL = 5 * time.Second

type cachedFlag struct {
	flag      storage.ControlFlag
	fetchedAt time.Time
}

// Controls reads and writes the killswitch and SafeMode flags. Reads go
// through a short-TTL in-process cache so the saga hot path does not hit the
// flags table on every request. It implements saga.Controls.
type Controls struct {
	db  *gorm.DB
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedFlag
}

// NewControls constructs the flag gate over the shared database handle.
func NewControls(db *gorm.DB) *Controls {
	return &Controls{db: db, now: time.Now, cache: make(map[string]cachedFlag)}
}

// SetNowFunc overrides the clock, for tests.
func (c *Controls) SetNowFunc(fn func() time.Time) { c.now = fn }

// CheckMoneyAllowed fails fast when the killswitch is active, or when
// SafeMode is active and the action is outbound (transfers and refunds).
// Inbound captures still settle under SafeMode so provider truth is recorded.
func (c *Controls) CheckMoneyAllowed(tx *gorm.DB, action string) error {
	kill, err := c.flag(tx, FlagKillswitch)
	if err != nil {
		return err
	}
	if kill.Active {
		return coreerrors.New(coreerrors.KindExternalProvider, "KILLSWITCH_ACTIVE",
			"admin: money movement is disabled by the killswitch").
			With("reason", kill.Reason).With("action", action)
	}
	safe, err := c.flag(tx, FlagSafeMode)
	if err != nil {
		return err
	}
	if safe.Active && outboundActions[action] {
		return coreerrors.New(coreerrors.KindExternalProvider, "SAFEMODE_ACTIVE",
			"admin: outbound money movement is suspended by SafeMode").
			With("reason", safe.Reason).With("action", action)
	}
	return nil
}

var outboundActions = map[string]bool{
	escrow.ActionReleasePayout:  true,
	escrow.ActionRefundEscrow:   true,
	escrow.ActionDisputeResolve: true,
}

// Activate turns a flag on and records the admin action in the same
// transaction. The cache entry is dropped so the change takes effect on the
// next read rather than after the TTL.
func (c *Controls) Activate(name, reason, adminID string) error {
	return c.write(name, true, reason, adminID, "control_flag.activate")
}

// Deactivate turns a flag off and records the admin action.
func (c *Controls) Deactivate(name, adminID string) error {
	return c.write(name, false, "", adminID, "control_flag.deactivate")
}

func (c *Controls) write(name string, active bool, reason, adminID, action string) error {
	if name != FlagKillswitch && name != FlagSafeMode {
		return coreerrors.Validation("UNKNOWN_FLAG", "admin: unknown control flag "+name)
	}
	if adminID == "" {
		return coreerrors.Validation("ADMIN_REQUIRED", "admin: control flag writes require an admin id")
	}
	now := c.now().UTC()
	err := c.db.Transaction(func(tx *gorm.DB) error {
		flag := storage.ControlFlag{Name: name, Active: active, Reason: reason, UpdatedAt: now}
		if active {
			flag.ActivatedAt = &now
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&flag).Error; err != nil {
			return storage.MapError(err)
		}
		record := storage.AdminAction{
			AdminID:    adminID,
			Action:     action,
			TargetType: "control_flag",
			TargetID:   name,
			Payload:    reason,
			CreatedAt:  now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return storage.MapError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
	return nil
}

// flag returns the cached row when fresh, otherwise reads through. A missing
// row means the flag has never been set and reads as inactive.
func (c *Controls) flag(tx *gorm.DB, name string) (storage.ControlFlag, error) {
	now := c.now()
	c.mu.Lock()
	if entry, ok := c.cache[name]; ok && now.Sub(entry.fetchedAt) < CacheTTL {
		c.mu.Unlock()
		return entry.flag, nil
	}
	c.mu.Unlock()

	var flag storage.ControlFlag
	err := tx.First(&flag, "name = ?", name).Error
	if err != nil {
		mapped := storage.MapError(err)
		if coreerrors.KindOf(mapped) != coreerrors.KindNotFound {
			return storage.ControlFlag{}, mapped
		}
		flag = storage.ControlFlag{Name: name}
	}
	c.mu.Lock()
	c.cache[name] = cachedFlag{flag: flag, fetchedAt: now}
	c.mu.Unlock()
	return flag, nil
}
