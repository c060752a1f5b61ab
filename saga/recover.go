package saga

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/ledger"
	"hustlexp/storage"
)

// RecoveryReport summarizes one sweep of the stuck-transaction recovery.
type RecoveryReport struct {
	Scanned   int
	Completed int
	Failed    int
	Skipped   int
}

// Recover finds ledger transactions stuck in pending or executing past the
// threshold and resolves them against provider truth. A pending transaction
// never reached the provider and fails outright. An executing transfer is
// looked up by its transfer_group (the ledger ULID): if the provider has it,
// the crash happened between the call and the commit, so the commit is
// replayed; if not, the call never landed and the transaction fails.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := e.now().Add(-e.stuckAfter)

	var stuck []storage.LedgerTransaction
	err := e.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{storage.TxPending, storage.TxExecuting}, cutoff).
		Order("id").Find(&stuck).Error
	if err != nil {
		return report, storage.MapError(err)
	}
	report.Scanned = len(stuck)

	for _, row := range stuck {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		switch e.recoverOne(ctx, row) {
		case recoveredCommitted:
			report.Completed++
		case recoveredFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	if report.Scanned > 0 {
		e.log.Info("saga recovery sweep",
			"scanned", report.Scanned, "completed", report.Completed,
			"failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}

type recoveryOutcome uint8

const (
	recoveredSkipped recoveryOutcome = iota
	recoveredCommitted
	recoveredFailed
)

func (e *Engine) recoverOne(ctx context.Context, row storage.LedgerTransaction) recoveryOutcome {
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(row.Metadata), &meta)
	action, _ := meta[ledger.MetaAction].(string)
	taskID, _ := meta[ledger.MetaTaskID].(string)
	eventID, _ := meta[ledger.MetaEventID].(string)
	req := Request{Action: action, TaskID: taskID, EventID: eventID}

	if row.Status == storage.TxPending {
		e.markStuckFailed(ctx, row.ID, req, "stuck in pending before the provider call")
		return recoveredFailed
	}

	transfer, err := e.provider.FindTransferByGroup(ctx, row.ID)
	if err != nil {
		if coreerrors.KindOf(err) == coreerrors.KindNotFound {
			e.markStuckFailed(ctx, row.ID, req, "no provider record for outbound key")
			return recoveredFailed
		}
		e.log.Warn("saga recovery: provider lookup failed",
			"ledger_tx_id", row.ID, "error", err)
		return recoveredSkipped
	}

	// The provider executed the transfer before the crash. Replay the commit.
	req.Destination = transfer.Destination
	resolved := plan{
		action:      action,
		targetState: storage.EscrowReleased,
		outbound:    "transfer",
		eventType:   "escrow.released",
	}
	if err := e.commit(ctx, req, resolved, row.ID, transfer.ID); err != nil {
		e.log.Error("saga recovery: commit replay failed",
			"ledger_tx_id", row.ID, "task_id", taskID, "error", err)
		e.markStuckFailed(ctx, row.ID, req, "commit replay failed: "+err.Error())
		return recoveredFailed
	}
	e.log.Info("saga recovery: completed from provider truth",
		"ledger_tx_id", row.ID, "task_id", taskID, "transfer", transfer.ID)
	return recoveredCommitted
}

func (e *Engine) markStuckFailed(ctx context.Context, ledgerTxID string, req Request, reason string) {
	err := storage.RunSerializable(ctx, e.db, func(tx *gorm.DB) error {
		return e.ledger.MarkFailed(tx, ledgerTxID, reason)
	})
	if err != nil {
		e.log.Error("saga recovery: mark failed", "ledger_tx_id", ledgerTxID, "error", err)
		return
	}
	cause := coreerrors.New(coreerrors.KindStuckRecovery, "STUCK_TRANSACTION", reason).
		With("ledger_tx_id", ledgerTxID)
	e.routeFailure(ctx, req, IdempotencyKey(req.Action, req.TaskID, req.EventID), cause)
}

// StuckThreshold exposes the configured recovery window, for the scheduler.
func (e *Engine) StuckThreshold() time.Duration { return e.stuckAfter }
