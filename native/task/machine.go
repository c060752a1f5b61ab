// Package task implements the task lifecycle state machine. Transitions are a
// static table plus per-edge guards; every accepted edge appends a row to the
// state transition log and bumps the task's optimistic-concurrency version.
package task

import (
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// Guards carries the facts the transition table checks on each edge.
type Guards struct {
	WorkerID    string
	EscrowState string
	ProofID     string
	ProofState  string
	Reason      string
	AdminID     string
}

var terminal = map[string]bool{
	storage.TaskCompleted: true,
	storage.TaskCancelled: true,
	storage.TaskExpired:   true,
}

// IsTerminal reports whether state admits no further transitions.
func IsTerminal(state string) bool { return terminal[state] }

type guardFn func(g Guards) error

var transitions = map[string]map[string]guardFn{
	storage.TaskOpen: {
		storage.TaskAccepted: func(g Guards) error {
			if g.WorkerID == "" {
				return coreerrors.Validation("WORKER_REQUIRED", "accepting a task requires a worker")
			}
			if g.EscrowState != storage.EscrowFunded {
				return coreerrors.IllegalTransition("task", storage.TaskOpen, storage.TaskAccepted).
					With("reason", "escrow not funded").With("escrow_state", g.EscrowState)
			}
			return nil
		},
		storage.TaskCancelled: nil,
		storage.TaskExpired:   nil,
	},
	storage.TaskAccepted: {
		storage.TaskProofSubmitted: func(g Guards) error {
			if g.ProofID == "" {
				return coreerrors.Validation("PROOF_REQUIRED", "proof id required")
			}
			return nil
		},
		storage.TaskCancelled: nil,
		storage.TaskExpired:   nil,
	},
	storage.TaskProofSubmitted: {
		storage.TaskCompleted: func(g Guards) error {
			if g.ProofState != storage.ProofVerified && g.ProofState != storage.ProofLocked {
				return coreerrors.IllegalTransition("task", storage.TaskProofSubmitted, storage.TaskCompleted).
					With("reason", "proof not verified").With("proof_state", g.ProofState)
			}
			if g.EscrowState != storage.EscrowFunded {
				return coreerrors.IllegalTransition("task", storage.TaskProofSubmitted, storage.TaskCompleted).
					With("reason", "escrow not funded").With("escrow_state", g.EscrowState)
			}
			return nil
		},
		storage.TaskDisputed: func(g Guards) error {
			if g.Reason == "" {
				return coreerrors.Validation("REASON_REQUIRED", "disputes require a reason")
			}
			return nil
		},
	},
	storage.TaskDisputed: {
		storage.TaskCompleted: requireAdmin,
		storage.TaskCancelled: requireAdmin,
	},
}

func requireAdmin(g Guards) error {
	if g.AdminID == "" {
		return coreerrors.Validation("ADMIN_REQUIRED", "resolving a dispute requires an admin")
	}
	return nil
}

// Validate checks the edge from -> to against the table and guards.
func Validate(from, to string, g Guards) error {
	if IsTerminal(from) {
		return coreerrors.IllegalTransition("task", from, to).With("reason", "terminal state")
	}
	edges, ok := transitions[from]
	if !ok {
		return coreerrors.IllegalTransition("task", from, to)
	}
	guard, ok := edges[to]
	if !ok {
		return coreerrors.IllegalTransition("task", from, to)
	}
	if guard != nil {
		return guard(g)
	}
	return nil
}

// Apply validates and persists the transition inside the caller's database
// transaction, writing the append-only state log row.
func Apply(tx *gorm.DB, t *storage.Task, to string, g Guards, contextJSON string) error {
	if err := Validate(t.State, to, g); err != nil {
		return err
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"state":      to,
		"version":    t.Version + 1,
		"updated_at": now,
	}
	if to == storage.TaskCompleted {
		updates["completed_at"] = now
	}
	if to == storage.TaskAccepted && g.WorkerID != "" {
		updates["worker_id"] = g.WorkerID
	}
	res := tx.Model(&storage.Task{}).
		Where("id = ? AND version = ?", t.ID, t.Version).
		Updates(updates)
	if res.Error != nil {
		return storage.MapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.New(coreerrors.KindConcurrencyConflict, "VERSION_CONFLICT",
			"task version moved underneath the transition").With("task_id", t.ID)
	}
	log := storage.StateTransition{
		Machine:   "task",
		EntityID:  t.ID,
		FromState: t.State,
		ToState:   to,
		Context:   contextJSON,
		CreatedAt: now,
	}
	if err := tx.Create(&log).Error; err != nil {
		return storage.MapError(err)
	}
	t.State = to
	t.Version++
	return nil
}
