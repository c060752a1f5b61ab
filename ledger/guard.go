package ledger

import (
	"fmt"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// validateInput enforces the ledger invariants before anything touches the
// database: cardinality (>=2, even), zero-sum in integer cents, USD only,
// strictly positive amounts, valid directions.
func validateInput(in TxInput) error {
	if in.Type == "" {
		return coreerrors.Validation("BAD_TX_TYPE", "transaction type required")
	}
	if in.IdempotencyKey == "" {
		return coreerrors.Validation("BAD_IDEMPOTENCY_KEY", "idempotency key required")
	}
	if in.Currency != "" && in.Currency != CurrencyUSD {
		return coreerrors.InvariantViolation("INV-CURRENCY",
			fmt.Sprintf("unsupported currency %s; the ledger is USD-only", in.Currency))
	}
	n := len(in.Entries)
	if n < 2 || n%2 != 0 {
		return coreerrors.InvariantViolation("INV-4",
			fmt.Sprintf("INV-4: transaction carries %d entries; need an even count >= 2", n))
	}
	var debits, credits int64
	for _, entry := range in.Entries {
		if entry.AmountCents <= 0 {
			return coreerrors.InvariantViolation("INV-4",
				"INV-4: entry amounts must be strictly positive integer cents")
		}
		switch entry.Direction {
		case Debit:
			debits += entry.AmountCents
		case Credit:
			credits += entry.AmountCents
		default:
			return coreerrors.Validation("BAD_DIRECTION", "entry direction must be debit or credit")
		}
	}
	if debits != credits {
		return coreerrors.InvariantViolation("INV-4",
			fmt.Sprintf("INV-4: debits %d != credits %d", debits, credits)).
			With("debits", debits).With("credits", credits)
	}
	return nil
}

// GhostMoneyCheck verifies the accounting identity over all account balances:
// assets plus expenses equal liabilities plus equity. Run as a cross-check
// outside the triggers; a non-zero result means money appeared or vanished.
func GhostMoneyCheck(db *gorm.DB) (int64, error) {
	var accounts []storage.LedgerAccount
	if err := db.Find(&accounts).Error; err != nil {
		return 0, storage.MapError(err)
	}
	var sum int64
	for _, account := range accounts {
		switch account.Type {
		case TypeAsset, TypeExpense:
			sum += account.BalanceCents
		case TypeLiability, TypeEquity:
			sum -= account.BalanceCents
		}
	}
	if sum != 0 {
		return sum, coreerrors.InvariantViolation("INV-GHOST",
			fmt.Sprintf("ledger out of balance by %d cents", sum))
	}
	return 0, nil
}

// VerifySnapshot recomputes and compares an account's snapshot hash.
func VerifySnapshot(db *gorm.DB, accountID string) error {
	var snapshot storage.LedgerSnapshot
	if err := db.First(&snapshot, "account_id = ?", accountID).Error; err != nil {
		return storage.MapError(err)
	}
	want := SnapshotHash(snapshot.AccountID, snapshot.BalanceCents, snapshot.LastTxULID)
	if snapshot.SnapshotHash != want {
		return coreerrors.InvariantViolation("INV-SNAPSHOT", "snapshot hash mismatch for account "+accountID)
	}
	return nil
}
