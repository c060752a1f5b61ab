package task

import (
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "task.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := storage.ApplyConstitution(db); err != nil {
		t.Fatalf("constitution: %v", err)
	}
	return db
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		g        Guards
		ok       bool
	}{
		{storage.TaskOpen, storage.TaskAccepted, Guards{WorkerID: "u-2", EscrowState: storage.EscrowFunded}, true},
		{storage.TaskOpen, storage.TaskAccepted, Guards{WorkerID: "u-2", EscrowState: storage.EscrowPending}, false},
		{storage.TaskOpen, storage.TaskAccepted, Guards{EscrowState: storage.EscrowFunded}, false},
		{storage.TaskOpen, storage.TaskCancelled, Guards{}, true},
		{storage.TaskOpen, storage.TaskCompleted, Guards{}, false},
		{storage.TaskAccepted, storage.TaskProofSubmitted, Guards{ProofID: "p-1"}, true},
		{storage.TaskAccepted, storage.TaskProofSubmitted, Guards{}, false},
		{storage.TaskProofSubmitted, storage.TaskCompleted, Guards{ProofState: storage.ProofVerified, EscrowState: storage.EscrowFunded}, true},
		{storage.TaskProofSubmitted, storage.TaskCompleted, Guards{ProofState: storage.ProofRejected, EscrowState: storage.EscrowFunded}, false},
		{storage.TaskProofSubmitted, storage.TaskDisputed, Guards{Reason: "damaged"}, true},
		{storage.TaskProofSubmitted, storage.TaskDisputed, Guards{}, false},
		{storage.TaskDisputed, storage.TaskCompleted, Guards{AdminID: "a-1"}, true},
		{storage.TaskDisputed, storage.TaskCancelled, Guards{}, false},
		{storage.TaskCompleted, storage.TaskOpen, Guards{}, false},
		{storage.TaskCancelled, storage.TaskAccepted, Guards{AdminID: "a-1"}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.from, tc.to, tc.g)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s should pass, got %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestApplyWritesStateLogAndBumpsVersion(t *testing.T) {
	db := testDB(t)
	row := storage.Task{ID: "t-1", PosterID: "u-1", PriceCents: 2500, State: storage.TaskOpen}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return Apply(tx, &row, storage.TaskAccepted, Guards{WorkerID: "u-2", EscrowState: storage.EscrowFunded}, `{"worker":"u-2"}`)
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if row.State != storage.TaskAccepted || row.Version != 1 {
		t.Fatalf("in-memory row not advanced: %+v", row)
	}
	var log storage.StateTransition
	if err := db.First(&log, "machine = ? AND entity_id = ?", "task", "t-1").Error; err != nil {
		t.Fatalf("state log missing: %v", err)
	}
	if log.FromState != storage.TaskOpen || log.ToState != storage.TaskAccepted {
		t.Fatalf("bad log row: %+v", log)
	}
	var stored storage.Task
	if err := db.First(&stored, "id = ?", "t-1").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.WorkerID == nil || *stored.WorkerID != "u-2" {
		t.Fatalf("worker not recorded")
	}
}

func TestApplyVersionConflict(t *testing.T) {
	db := testDB(t)
	row := storage.Task{ID: "t-1", PosterID: "u-1", PriceCents: 2500, State: storage.TaskOpen}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	stale := row
	if err := db.Transaction(func(tx *gorm.DB) error {
		return Apply(tx, &row, storage.TaskCancelled, Guards{}, "")
	}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return Apply(tx, &stale, storage.TaskExpired, Guards{}, "")
	})
	if !errors.Is(err, coreerrors.ErrConcurrencyConflict) && !errors.Is(err, coreerrors.ErrInvariantViolation) {
		t.Fatalf("expected conflict or terminal rejection, got %v", err)
	}
}
