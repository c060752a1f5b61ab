package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, storage.ApplyConstitution(db))
	return db
}

func holdInput(taskID, key string, cents int64) TxInput {
	return TxInput{
		Type:           "HOLD_ESCROW",
		IdempotencyKey: key,
		Currency:       CurrencyUSD,
		Metadata:       map[string]any{MetaBodyHash: "abc", MetaTaskID: taskID},
		Entries: []EntryInput{
			{Owner: Owner{Type: OwnerPlatform}, Template: "platform_cash", Direction: Debit, AmountCents: cents},
			{Owner: Owner{Type: OwnerTask, ID: taskID}, Template: "task_escrow", Direction: Credit, AmountCents: cents},
		},
	}
}

func TestDeterministicAccountID(t *testing.T) {
	a := AccountID(Owner{Type: OwnerTask, ID: "t-1"}, "task_escrow")
	b := AccountID(Owner{Type: OwnerTask, ID: "t-1"}, "task_escrow")
	c := AccountID(Owner{Type: OwnerTask, ID: "t-2"}, "task_escrow")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 36)
}

func TestTemplateScopeMismatch(t *testing.T) {
	db := testDB(t)
	svc := New()
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.GetOrCreateAccount(tx, Owner{Type: OwnerUser, ID: "u-1"}, "platform_cash")
		return err
	})
	require.ErrorIs(t, err, coreerrors.ErrValidation)
}

func TestPrepareCommitMovesBalances(t *testing.T) {
	db := testDB(t)
	svc := New()
	var txID string
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		row, err := svc.PrepareTransaction(tx, holdInput("t-1", "hold:t-1:e-1", 2500))
		if err != nil {
			return err
		}
		txID = row.ID
		if err := svc.SetExecuting(tx, txID); err != nil {
			return err
		}
		return svc.Commit(tx, txID, map[string]any{"stripe_id": "pi_1"})
	}))

	var cash, escrow storage.LedgerAccount
	require.NoError(t, db.First(&cash, "id = ?", AccountID(Owner{Type: OwnerPlatform}, "platform_cash")).Error)
	require.NoError(t, db.First(&escrow, "id = ?", AccountID(Owner{Type: OwnerTask, ID: "t-1"}, "task_escrow")).Error)
	require.EqualValues(t, 2500, cash.BalanceCents)
	require.EqualValues(t, 2500, escrow.BalanceCents)

	var seq storage.LedgerSequence
	require.NoError(t, db.First(&seq, "tx_id = ?", txID).Error)
	require.Len(t, seq.TxHash, 32)

	require.NoError(t, VerifySnapshot(db, cash.ID))
	require.NoError(t, VerifySnapshot(db, escrow.ID))
	if _, err := GhostMoneyCheck(db); err != nil {
		t.Fatalf("ghost money: %v", err)
	}
}

func TestZeroSumRejectedBeforeWrite(t *testing.T) {
	db := testDB(t)
	svc := New()
	in := holdInput("t-1", "bad", 2500)
	in.Entries[1].AmountCents = 2501
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.PrepareTransaction(tx, in)
		return err
	})
	require.ErrorIs(t, err, coreerrors.ErrInvariantViolation)
	require.Equal(t, "INV-4", coreerrors.CodeOf(err))

	var count int64
	require.NoError(t, db.Model(&storage.LedgerTransaction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCardinalityAndCurrency(t *testing.T) {
	svc := New()
	db := testDB(t)

	single := holdInput("t-1", "one-leg", 100)
	single.Entries = single.Entries[:1]
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.PrepareTransaction(tx, single)
		return err
	})
	require.Equal(t, "INV-4", coreerrors.CodeOf(err))

	euro := holdInput("t-1", "euro", 100)
	euro.Currency = "EUR"
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.PrepareTransaction(tx, euro)
		return err
	})
	require.Equal(t, "INV-CURRENCY", coreerrors.CodeOf(err))
}

func TestMonotonicityPerAccount(t *testing.T) {
	db := testDB(t)
	svc := New()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.PrepareTransaction(tx, holdInput("t-1", "k1", 100))
		return err
	}))

	// A ULID at or before the account baseline is time travel.
	var account storage.LedgerAccount
	require.NoError(t, db.First(&account, "id = ?", AccountID(Owner{Type: OwnerTask, ID: "t-1"}, "task_escrow")).Error)
	require.NotNil(t, account.BaselineULID)
	err := ValidateMonotonicity(account.BaselineULID, *account.BaselineULID)
	require.Equal(t, "INV-MONOTONIC", coreerrors.CodeOf(err))
	require.NoError(t, ValidateMonotonicity(account.BaselineULID, svc.NewULID()))
}

func TestULIDsStrictlyIncrease(t *testing.T) {
	svc := New()
	svc.SetNowFunc(func() time.Time { return time.Unix(1700000000, 0) })
	prev := svc.NewULID()
	for i := 0; i < 100; i++ {
		next := svc.NewULID()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestReplayMatch(t *testing.T) {
	existing := &storage.LedgerTransaction{
		ID:             "01A",
		IdempotencyKey: "release:t-1:e-1",
		Metadata:       `{"body_hash":"h1"}`,
	}
	require.NoError(t, ReplayMatch(existing, "release:t-1:e-1", "h1"))
	err := ReplayMatch(existing, "release:t-1:e-1", "h2")
	require.Equal(t, "REPLAY_MISMATCH", coreerrors.CodeOf(err))
}

func TestMarkFailedIsTerminal(t *testing.T) {
	db := testDB(t)
	svc := New()
	var txID string
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		row, err := svc.PrepareTransaction(tx, holdInput("t-9", "fail-me", 100))
		if err != nil {
			return err
		}
		txID = row.ID
		return svc.MarkFailed(tx, txID, "provider timeout")
	}))
	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.SetExecuting(tx, txID)
	})
	require.ErrorIs(t, err, coreerrors.ErrIllegalTransition)

	// Balances never moved.
	var escrow storage.LedgerAccount
	require.NoError(t, db.First(&escrow, "id = ?", AccountID(Owner{Type: OwnerTask, ID: "t-9"}, "task_escrow")).Error)
	require.Zero(t, escrow.BalanceCents)
}
