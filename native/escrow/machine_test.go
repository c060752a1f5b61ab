package escrow

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "escrow.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := storage.ApplyConstitution(db); err != nil {
		t.Fatalf("constitution: %v", err)
	}
	return db
}

func TestValidateEdges(t *testing.T) {
	valid := [][2]string{
		{storage.EscrowPending, storage.EscrowFunded},
		{storage.EscrowFunded, storage.EscrowReleased},
		{storage.EscrowFunded, storage.EscrowRefunded},
		{storage.EscrowFunded, storage.EscrowHeld},
		{storage.EscrowFunded, storage.EscrowPendingDispute},
		{storage.EscrowHeld, storage.EscrowReleased},
		{storage.EscrowPendingDispute, storage.EscrowRefunded},
	}
	for _, edge := range valid {
		if err := Validate(edge[0], edge[1]); err != nil {
			t.Fatalf("%s -> %s should pass: %v", edge[0], edge[1], err)
		}
	}
	invalid := [][2]string{
		{storage.EscrowPending, storage.EscrowReleased},
		{storage.EscrowReleased, storage.EscrowFunded},
		{storage.EscrowRefunded, storage.EscrowFunded},
		{storage.EscrowPendingDispute, storage.EscrowHeld},
	}
	for _, edge := range invalid {
		if err := Validate(edge[0], edge[1]); err == nil {
			t.Fatalf("%s -> %s should be rejected", edge[0], edge[1])
		}
	}
}

func TestPermits(t *testing.T) {
	lock := &storage.MoneyStateLock{NextAllowedEvents: `["RELEASE_PAYOUT","REFUND_ESCROW"]`}
	if !Permits(lock, ActionReleasePayout) {
		t.Fatalf("release should be allowed")
	}
	if Permits(lock, ActionHoldEscrow) {
		t.Fatalf("hold should not be allowed")
	}
}

func TestAdvanceMovesLockEscrowAndLog(t *testing.T) {
	db := testDB(t)
	if err := db.Create(&storage.Escrow{TaskID: "t-1", State: storage.EscrowPending, AmountCents: 2500}).Error; err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	if err := db.Transaction(func(tx *gorm.DB) error { return EnsureLock(tx, "t-1") }); err != nil {
		t.Fatalf("ensure lock: %v", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		lock, err := LockForUpdate(tx, "t-1")
		if err != nil {
			return err
		}
		if !Permits(lock, ActionHoldEscrow) {
			t.Fatalf("pending lock must permit HOLD_ESCROW")
		}
		return Advance(tx, lock, storage.EscrowFunded, `{"event":"pi.succeeded"}`)
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	var esc storage.Escrow
	if err := db.First(&esc, "task_id = ?", "t-1").Error; err != nil {
		t.Fatalf("load escrow: %v", err)
	}
	if esc.State != storage.EscrowFunded || esc.Version != 1 {
		t.Fatalf("escrow not advanced: %+v", esc)
	}
	var lock storage.MoneyStateLock
	if err := db.First(&lock, "task_id = ?", "t-1").Error; err != nil {
		t.Fatalf("load lock: %v", err)
	}
	if lock.CurrentState != storage.EscrowFunded || lock.Version != 1 {
		t.Fatalf("lock not advanced: %+v", lock)
	}
	if Permits(&lock, ActionHoldEscrow) || !Permits(&lock, ActionReleasePayout) {
		t.Fatalf("next allowed events not rotated: %s", lock.NextAllowedEvents)
	}
	var count int64
	if err := db.Model(&storage.StateTransition{}).Where("machine = ?", "escrow").Count(&count).Error; err != nil || count != 1 {
		t.Fatalf("state log rows: %d err=%v", count, err)
	}
}

func TestAdvanceRejectsTerminal(t *testing.T) {
	db := testDB(t)
	lock := &storage.MoneyStateLock{TaskID: "t-2", CurrentState: storage.EscrowReleased, NextAllowedEvents: "[]"}
	err := db.Transaction(func(tx *gorm.DB) error {
		return Advance(tx, lock, storage.EscrowFunded, "")
	})
	if coreerrors.KindOf(err) != coreerrors.KindIllegalTransition {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}
