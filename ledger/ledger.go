// Package ledger provides transactional double-entry bookkeeping with
// deterministic account identity and monotonic ULID ordering. All operations
// run inside a caller-provided database transaction; callers wrap them with
// storage.RunSerializable so serialization failures retry as a unit.
package ledger

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// CurrencyUSD is the only currency the core supports.
const CurrencyUSD = "USD"

// Metadata keys the saga and reconciler rely on.
const (
	MetaBodyHash = "body_hash"
	MetaAction   = "action"
	MetaTaskID   = "task_id"
	MetaEventID  = "event_id"
)

// EntryInput is one leg of a prepared transaction.
type EntryInput struct {
	Owner       Owner
	Template    string
	Direction   string
	AmountCents int64
}

// TxInput describes a transaction to prepare.
type TxInput struct {
	Type           string
	IdempotencyKey string
	Currency       string
	Metadata       map[string]any
	Entries        []EntryInput
}

// Service issues ULIDs and runs the ledger operations.
type Service struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New constructs a ledger service with a monotonic ULID source.
func New() *Service {
	return &Service{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// NewULID allocates a time-seeded, process-monotonic ULID.
func (s *Service) NewULID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// ValidateMonotonicity rejects a write whose ULID does not strictly exceed the
// last ULID seen on the account ("time travel").
func ValidateMonotonicity(lastSeen *string, newULID string) error {
	if lastSeen == nil || *lastSeen == "" {
		return nil
	}
	if newULID <= *lastSeen {
		return coreerrors.InvariantViolation("INV-MONOTONIC",
			fmt.Sprintf("INV-MONOTONIC: ulid %s does not advance past %s", newULID, *lastSeen)).
			With("new_ulid", newULID).With("last_ulid", *lastSeen)
	}
	return nil
}

// PrepareTransaction validates the input, allocates a ULID, writes the
// transaction row with status=pending plus all entries, and advances each
// touched account's baseline ULID. Balances do not move until Commit.
func (s *Service) PrepareTransaction(tx *gorm.DB, in TxInput) (*storage.LedgerTransaction, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	id := s.NewULID()

	// Lock accounts in sorted ID order to keep concurrent prepares deadlock-free.
	type leg struct {
		account *storage.LedgerAccount
		entry   EntryInput
	}
	legs := make([]leg, 0, len(in.Entries))
	for _, entry := range in.Entries {
		account, err := s.GetOrCreateAccount(tx, entry.Owner, entry.Template)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg{account: account, entry: entry})
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].account.ID < legs[j].account.ID })

	for _, l := range legs {
		if err := ValidateMonotonicity(l.account.BaselineULID, id); err != nil {
			return nil, err
		}
	}

	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, coreerrors.Validation("BAD_METADATA", "metadata not serializable")
	}
	row := storage.LedgerTransaction{
		ID:             id,
		Type:           in.Type,
		Status:         storage.TxPending,
		IdempotencyKey: in.IdempotencyKey,
		Metadata:       string(metaJSON),
		CreatedAt:      s.now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, storage.MapError(err)
	}
	for _, l := range legs {
		entry := storage.LedgerEntry{
			TxID:        id,
			AccountID:   l.account.ID,
			Direction:   l.entry.Direction,
			AmountCents: l.entry.AmountCents,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return nil, storage.MapError(err)
		}
		if err := tx.Model(&storage.LedgerAccount{}).Where("id = ?", l.account.ID).
			Update("baseline_ul_id", id).Error; err != nil {
			return nil, storage.MapError(err)
		}
	}
	return &row, nil
}

// SetExecuting advances pending -> executing.
func (s *Service) SetExecuting(tx *gorm.DB, txID string) error {
	return s.advance(tx, txID, storage.TxPending, storage.TxExecuting, nil)
}

// Commit advances executing -> committed, applies balance deltas, appends the
// global sequence row and refreshes the snapshot of every touched account.
func (s *Service) Commit(tx *gorm.DB, txID string, metadata map[string]any) error {
	row, err := s.lockTransaction(tx, txID)
	if err != nil {
		return err
	}
	if row.Status != storage.TxExecuting {
		return coreerrors.IllegalTransition("ledger_tx", row.Status, storage.TxCommitted).With("tx_id", txID)
	}
	var entries []storage.LedgerEntry
	if err := tx.Where("tx_id = ?", txID).Order("account_id").Find(&entries).Error; err != nil {
		return storage.MapError(err)
	}
	if len(entries) < 2 {
		return coreerrors.InvariantViolation("INV-4", "INV-4: committed transaction must carry entries")
	}

	now := s.now().UTC()
	for _, entry := range entries {
		var account storage.LedgerAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&account, "id = ?", entry.AccountID).Error; err != nil {
			return storage.MapError(err)
		}
		balance := account.BalanceCents + NormalBalanceDelta(account.Type, entry.Direction, entry.AmountCents)
		if err := tx.Model(&storage.LedgerAccount{}).Where("id = ?", account.ID).
			Updates(map[string]any{"balance_cents": balance, "updated_at": now}).Error; err != nil {
			return storage.MapError(err)
		}
		snapshot := storage.LedgerSnapshot{
			AccountID:    account.ID,
			BalanceCents: balance,
			LastTxULID:   txID,
			SnapshotHash: SnapshotHash(account.ID, balance, txID),
			UpdatedAt:    now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance_cents", "last_tx_ul_id", "snapshot_hash", "updated_at"}),
		}).Create(&snapshot).Error; err != nil {
			return storage.MapError(err)
		}
	}

	updates := map[string]any{"status": storage.TxCommitted, "committed_at": now}
	if len(metadata) > 0 {
		merged := map[string]any{}
		_ = json.Unmarshal([]byte(row.Metadata), &merged)
		for k, v := range metadata {
			merged[k] = v
		}
		metaJSON, _ := json.Marshal(merged)
		updates["metadata"] = string(metaJSON)
	}
	if err := tx.Model(&storage.LedgerTransaction{}).Where("id = ?", txID).Updates(updates).Error; err != nil {
		return storage.MapError(err)
	}

	seq := storage.LedgerSequence{
		TxID:      txID,
		TxHash:    txHash(txID, row.CreatedAt, row.Type),
		CreatedAt: now,
	}
	if err := tx.Create(&seq).Error; err != nil {
		return storage.MapError(err)
	}
	return nil
}

// MarkFailed advances pending|executing -> failed. Terminal; no balances move.
func (s *Service) MarkFailed(tx *gorm.DB, txID, reason string) error {
	row, err := s.lockTransaction(tx, txID)
	if err != nil {
		return err
	}
	if row.Status != storage.TxPending && row.Status != storage.TxExecuting {
		return coreerrors.IllegalTransition("ledger_tx", row.Status, storage.TxFailed).With("tx_id", txID)
	}
	return storage.MapError(tx.Model(&storage.LedgerTransaction{}).Where("id = ?", txID).
		Updates(map[string]any{"status": storage.TxFailed, "failure_reason": reason}).Error)
}

// Confirm advances committed -> confirmed once the webhook reconciler has
// matched the provider's record.
func (s *Service) Confirm(tx *gorm.DB, txID string) error {
	return s.advance(tx, txID, storage.TxCommitted, storage.TxConfirmed, nil)
}

// ReplayMatch checks a replayed request against an existing transaction: the
// idempotency key may be reused only with an identical body hash.
func ReplayMatch(existing *storage.LedgerTransaction, idempotencyKey, bodyHash string) error {
	if existing.IdempotencyKey != idempotencyKey {
		return coreerrors.Validation("REPLAY_MISMATCH", "idempotency key does not match existing transaction")
	}
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(existing.Metadata), &meta)
	stored, _ := meta[MetaBodyHash].(string)
	if stored != bodyHash {
		return coreerrors.New(coreerrors.KindValidation, "REPLAY_MISMATCH",
			"replayed request body differs from the original").
			With("tx_id", existing.ID)
	}
	return nil
}

// FindByIdempotencyKey loads a transaction by its unique idempotency key.
func FindByIdempotencyKey(tx *gorm.DB, key string) (*storage.LedgerTransaction, error) {
	var row storage.LedgerTransaction
	if err := tx.First(&row, "idempotency_key = ?", key).Error; err != nil {
		return nil, storage.MapError(err)
	}
	return &row, nil
}

// SnapshotHash fingerprints an account snapshot. Auditors recompute and compare.
func SnapshotHash(accountID string, balanceCents int64, lastTxULID string) string {
	sum := sha256.Sum256([]byte(accountID + strconv.FormatInt(balanceCents, 10) + lastTxULID))
	return hex.EncodeToString(sum[:])
}

func txHash(id string, createdAt time.Time, txType string) string {
	sum := md5.Sum([]byte(id + createdAt.UTC().Format(time.RFC3339Nano) + txType))
	return hex.EncodeToString(sum[:])
}

func (s *Service) lockTransaction(tx *gorm.DB, txID string) (*storage.LedgerTransaction, error) {
	var row storage.LedgerTransaction
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", txID).Error; err != nil {
		return nil, storage.MapError(err)
	}
	return &row, nil
}

func (s *Service) advance(tx *gorm.DB, txID, from, to string, extra map[string]any) error {
	row, err := s.lockTransaction(tx, txID)
	if err != nil {
		return err
	}
	if row.Status != from {
		return coreerrors.IllegalTransition("ledger_tx", row.Status, to).With("tx_id", txID)
	}
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	return storage.MapError(tx.Model(&storage.LedgerTransaction{}).Where("id = ?", txID).Updates(updates).Error)
}
