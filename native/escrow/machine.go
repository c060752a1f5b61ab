// Package escrow implements the escrow state machine and the money state lock,
// the canonical FOR UPDATE pointer every money movement serializes through.
package escrow

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// Saga actions gated by the money state lock.
const (
	ActionHoldEscrow     = "HOLD_ESCROW"
	ActionCapture        = "CAPTURE"
	ActionReleasePayout  = "RELEASE_PAYOUT"
	ActionRefundEscrow   = "REFUND_ESCROW"
	ActionDisputeOpen    = "DISPUTE_OPEN"
	ActionDisputeResolve = "DISPUTE_RESOLVE"
)

var terminal = map[string]bool{
	storage.EscrowReleased: true,
	storage.EscrowRefunded: true,
}

// IsTerminal reports whether the escrow state admits no further transitions.
func IsTerminal(state string) bool { return terminal[state] }

var transitions = map[string][]string{
	storage.EscrowPending:        {storage.EscrowFunded},
	storage.EscrowFunded:         {storage.EscrowHeld, storage.EscrowReleased, storage.EscrowRefunded, storage.EscrowPendingDispute},
	storage.EscrowHeld:           {storage.EscrowReleased, storage.EscrowRefunded},
	storage.EscrowPendingDispute: {storage.EscrowReleased, storage.EscrowRefunded},
}

// Validate checks the edge from -> to against the transition table.
func Validate(from, to string) error {
	if IsTerminal(from) {
		return coreerrors.IllegalTransition("escrow", from, to).With("reason", "terminal state")
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return coreerrors.IllegalTransition("escrow", from, to)
}

// AllowedEvents maps a money state to the saga actions it admits.
func AllowedEvents(state string) []string {
	switch state {
	case storage.EscrowPending:
		return []string{ActionHoldEscrow, ActionCapture}
	case storage.EscrowFunded:
		return []string{ActionReleasePayout, ActionRefundEscrow, ActionDisputeOpen}
	case storage.EscrowHeld:
		return []string{ActionReleasePayout, ActionRefundEscrow}
	case storage.EscrowPendingDispute:
		return []string{ActionDisputeResolve}
	default:
		return nil
	}
}

// EnsureLock creates the money state lock row for a task if absent.
func EnsureLock(tx *gorm.DB, taskID string) error {
	events, _ := json.Marshal(AllowedEvents(storage.EscrowPending))
	lock := storage.MoneyStateLock{
		TaskID:            taskID,
		CurrentState:      storage.EscrowPending,
		NextAllowedEvents: string(events),
		UpdatedAt:         time.Now().UTC(),
	}
	return storage.MapError(tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error)
}

// LockForUpdate loads the task's money state lock FOR UPDATE. The caller's
// transaction holds the row until it commits, serializing all money movement
// on the task.
func LockForUpdate(tx *gorm.DB, taskID string) (*storage.MoneyStateLock, error) {
	var lock storage.MoneyStateLock
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&lock, "task_id = ?", taskID).Error; err != nil {
		return nil, storage.MapError(err)
	}
	return &lock, nil
}

// Permits reports whether the lock's next_allowed_events admits the action.
func Permits(lock *storage.MoneyStateLock, action string) bool {
	var events []string
	if err := json.Unmarshal([]byte(lock.NextAllowedEvents), &events); err != nil {
		return false
	}
	for _, event := range events {
		if event == action {
			return true
		}
	}
	return false
}

// Advance moves the lock and the escrow row to the new state, writing the
// state log and bumping both versions. Requires the lock to be held FOR UPDATE.
func Advance(tx *gorm.DB, lock *storage.MoneyStateLock, to, contextJSON string) error {
	if err := Validate(lock.CurrentState, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	events, _ := json.Marshal(AllowedEvents(to))
	res := tx.Model(&storage.MoneyStateLock{}).
		Where("task_id = ? AND version = ?", lock.TaskID, lock.Version).
		Updates(map[string]any{
			"current_state":       to,
			"next_allowed_events": string(events),
			"version":             lock.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return storage.MapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.New(coreerrors.KindConcurrencyConflict, "VERSION_CONFLICT",
			"money state lock version moved underneath the transition").With("task_id", lock.TaskID)
	}
	if err := tx.Model(&storage.Escrow{}).Where("task_id = ?", lock.TaskID).
		Updates(map[string]any{"state": to, "version": gorm.Expr("version + 1"), "updated_at": now}).Error; err != nil {
		return storage.MapError(err)
	}
	log := storage.StateTransition{
		Machine:   "escrow",
		EntityID:  lock.TaskID,
		FromState: lock.CurrentState,
		ToState:   to,
		Context:   contextJSON,
		CreatedAt: now,
	}
	if err := tx.Create(&log).Error; err != nil {
		return storage.MapError(err)
	}
	lock.CurrentState = to
	lock.NextAllowedEvents = string(events)
	lock.Version++
	return nil
}
