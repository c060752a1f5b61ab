// Package proof implements the proof-of-completion state machine.
package proof

import (
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// Guards carries the facts checked on proof edges.
type Guards struct {
	AdminID string
}

// adminOnly marks edges only an admin may take.
var adminOnly = map[[2]string]bool{
	{storage.ProofEscalated, storage.ProofVerified}: true,
	{storage.ProofEscalated, storage.ProofRejected}: true,
}

var transitions = map[string][]string{
	storage.ProofRequested: {storage.ProofSubmitted},
	storage.ProofSubmitted: {storage.ProofAnalyzing},
	storage.ProofAnalyzing: {storage.ProofVerified, storage.ProofRejected, storage.ProofEscalated},
	storage.ProofVerified:  {storage.ProofLocked},
	storage.ProofRejected:  {storage.ProofRequested},
	storage.ProofEscalated: {storage.ProofVerified, storage.ProofRejected},
}

// IsTerminal reports whether the proof state is final.
func IsTerminal(state string) bool { return state == storage.ProofLocked }

// Validate checks the edge from -> to.
func Validate(from, to string, g Guards) error {
	if IsTerminal(from) {
		return coreerrors.IllegalTransition("proof", from, to).With("reason", "terminal state")
	}
	allowed := false
	for _, next := range transitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return coreerrors.IllegalTransition("proof", from, to)
	}
	if adminOnly[[2]string{from, to}] && g.AdminID == "" {
		return coreerrors.Validation("ADMIN_REQUIRED", "escalated proofs are decided by admins")
	}
	return nil
}

// Apply validates and persists the transition, writing the state log row.
func Apply(tx *gorm.DB, p *storage.Proof, to string, g Guards, contextJSON string) error {
	if err := Validate(p.State, to, g); err != nil {
		return err
	}
	now := time.Now().UTC()
	updates := map[string]any{"state": to}
	if to == storage.ProofVerified || to == storage.ProofRejected {
		updates["decided_at"] = now
	}
	if err := tx.Model(&storage.Proof{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		return storage.MapError(err)
	}
	log := storage.StateTransition{
		Machine:   "proof",
		EntityID:  p.ID,
		FromState: p.State,
		ToState:   to,
		Context:   contextJSON,
		CreatedAt: now,
	}
	if err := tx.Create(&log).Error; err != nil {
		return storage.MapError(err)
	}
	p.State = to
	return nil
}
