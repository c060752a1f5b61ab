// Package saga orchestrates one business money event across the ledger, the
// payment provider, and the outbox. The protocol is two-phase: guard and
// prepare inside one database transaction, the external call outside any
// transaction, then a commit transaction that advances the money state,
// releases outbox events, and moves balances atomically. The ledger
// transaction ULID doubles as the provider idempotency key, so a crashed or
// retried saga resolves to the same provider object.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/ledger"
	"hustlexp/locks"
	"hustlexp/native/escrow"
	"hustlexp/native/task"
	"hustlexp/native/xp"
	"hustlexp/outbox"
	"hustlexp/storage"
	"hustlexp/stripe"
)

// Controls gates money movement on operator flags. The admin package supplies
// the implementation backed by killswitch and SafeMode rows.
type Controls interface {
	// CheckMoneyAllowed returns a typed failure when the killswitch or a
	// SafeMode scope blocks the action.
	CheckMoneyAllowed(tx *gorm.DB, action string) error
}

// Option configures the engine.
type Option func(*Engine)

// WithControls wires the killswitch/SafeMode gate.
func WithControls(c Controls) Option { return func(e *Engine) { e.controls = c } }

// WithPayoutsEnabled toggles outbound transfers. Off routes payouts to the DLQ.
func WithPayoutsEnabled(enabled bool) Option {
	return func(e *Engine) { e.payoutsEnabled = enabled }
}

// WithLockManager wires the advisory lease layer. Concurrent runs against
// the same task fail fast instead of queueing on the row lock.
func WithLockManager(m *locks.Manager) Option {
	return func(e *Engine) { e.lockMgr = m }
}

// WithStuckThreshold overrides how old a pending/executing ledger transaction
// must be before the recovery sweep picks it up.
func WithStuckThreshold(d time.Duration) Option {
	return func(e *Engine) { e.stuckAfter = d }
}

// Engine runs the saga protocol.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Service
	provider stripe.Client
	controls Controls
	lockMgr  *locks.Manager
	log      *slog.Logger

	payoutsEnabled bool
	stuckAfter     time.Duration
	now            func() time.Time
}

// New constructs a saga engine. Payouts default to enabled and the stuck
// threshold to ten minutes.
func New(db *gorm.DB, ledgerSvc *ledger.Service, provider stripe.Client, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		db:             db,
		ledger:         ledgerSvc,
		provider:       provider,
		log:            log,
		payoutsEnabled: true,
		stuckAfter:     10 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.now = fn }

// lease takes the Ring-1 advisory lock on the task. The storage row lock
// remains the final authority; the lease only fails competing runs fast.
func (e *Engine) lease(taskID, txID string) (func(), error) {
	if e.lockMgr == nil {
		return func() {}, nil
	}
	if _, err := e.lockMgr.Acquire("task:"+taskID, txID, 0); err != nil {
		if errors.Is(err, locks.ErrBusy) {
			return nil, coreerrors.New(coreerrors.KindConcurrencyConflict, "TASK_BUSY",
				"another money operation holds the task").With("task_id", taskID)
		}
		return nil, err
	}
	return func() { _ = e.lockMgr.Release("task:"+taskID, txID) }, nil
}

// Request is one money action against a task.
type Request struct {
	Action   string
	TaskID   string
	EventID  string
	BodyHash string

	// ProviderRef carries the provider object id for inbound-driven actions
	// (the webhook already did the money movement at the provider).
	ProviderRef string

	// Destination is the connected account for outbound transfers.
	Destination string

	// Outcome resolves a dispute: "release" or "refund".
	Outcome string

	// Bypass skips the next_allowed_events guard. Admin force operations
	// only; the state machine edge itself is still validated.
	Bypass  bool
	ActorID string

	// CompleteTask finishes the task in the same commit that releases the
	// escrow, awarding XP to the worker.
	CompleteTask bool
	ProofID      string
	ProofState   string
	StreakDays   int
}

// Result is the committed outcome of a saga run.
type Result struct {
	LedgerTxID  string
	ProviderRef string
	Replayed    bool
}

// IdempotencyKey derives the stable key for a request. Replays of the same
// webhook or admin action always land on the same key.
func IdempotencyKey(action, taskID, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", action, taskID, eventID)
}

// plan is the resolved shape of one action: ledger legs, target money state,
// and whether the provider is called outbound.
type plan struct {
	action      string
	targetState string
	entries     []ledger.EntryInput
	outbound    string // "", "transfer" or "refund"
	eventType   string
}

// Execute runs the full protocol for one request.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	key := IdempotencyKey(req.Action, req.TaskID, req.EventID)

	release, err := e.lease(req.TaskID, key)
	if err != nil {
		return nil, err
	}
	defer release()

	if req.Action == escrow.ActionDisputeOpen {
		return e.executeStateOnly(ctx, req, key)
	}

	var (
		prepared *storage.LedgerTransaction
		resolved plan
		replayed *Result
	)
	err = storage.RunSerializable(ctx, e.db, func(tx *gorm.DB) error {
		prepared, resolved, replayed = nil, plan{}, nil

		if e.controls != nil {
			if err := e.controls.CheckMoneyAllowed(tx, req.Action); err != nil {
				return err
			}
		}

		existing, err := ledger.FindByIdempotencyKey(tx, key)
		if err == nil {
			result, replayErr := e.resolveReplay(existing, key, req.BodyHash)
			if replayErr != nil {
				return replayErr
			}
			replayed = result
			return nil
		}
		if coreerrors.KindOf(err) != coreerrors.KindNotFound {
			return err
		}

		lock, escrowRow, taskRow, err := e.guard(tx, req)
		if err != nil {
			return err
		}
		resolved, err = e.plan(req, lock, escrowRow, taskRow)
		if err != nil {
			return err
		}
		// The edge table binds even under Bypass. Rejecting here keeps the
		// provider out of reach for transitions that could never commit.
		if err := escrow.Validate(lock.CurrentState, resolved.targetState); err != nil {
			return err
		}

		prepared, err = e.ledger.PrepareTransaction(tx, ledger.TxInput{
			Type:           req.Action,
			IdempotencyKey: key,
			Currency:       ledger.CurrencyUSD,
			Metadata: map[string]any{
				ledger.MetaAction:   req.Action,
				ledger.MetaTaskID:   req.TaskID,
				ledger.MetaEventID:  req.EventID,
				ledger.MetaBodyHash: req.BodyHash,
			},
			Entries: resolved.entries,
		})
		if err != nil {
			return err
		}
		return e.ledger.SetExecuting(tx, prepared.ID)
	})
	if err != nil {
		e.routeFailure(ctx, req, key, err)
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	providerRef, err := e.callProvider(ctx, req, resolved, prepared.ID)
	if err != nil {
		e.failPrepared(ctx, prepared.ID, req, err)
		return nil, err
	}

	if err := e.commit(ctx, req, resolved, prepared.ID, providerRef); err != nil {
		e.failPrepared(ctx, prepared.ID, req, err)
		return nil, err
	}
	return &Result{LedgerTxID: prepared.ID, ProviderRef: providerRef}, nil
}

// executeStateOnly handles DISPUTE_OPEN, which moves the money state and
// freezes the escrow without touching balances or the provider.
func (e *Engine) executeStateOnly(ctx context.Context, req Request, key string) (*Result, error) {
	var replayed bool
	err := storage.RunSerializable(ctx, e.db, func(tx *gorm.DB) error {
		replayed = false
		if e.controls != nil {
			if err := e.controls.CheckMoneyAllowed(tx, req.Action); err != nil {
				return err
			}
		}
		lock, _, _, err := e.guard(tx, req)
		if err != nil {
			if coreerrors.KindOf(err) == coreerrors.KindIllegalTransition && e.alreadyDisputed(tx, req.TaskID) {
				replayed = true
				return nil
			}
			return err
		}
		contextJSON := stateContext(req, "")
		if err := escrow.Advance(tx, lock, storage.EscrowPendingDispute, contextJSON); err != nil {
			return err
		}
		return outbox.Append(tx, outbox.Event{
			AggregateType:  "escrow",
			AggregateID:    req.TaskID,
			EventType:      "escrow.disputed",
			Payload:        map[string]any{"task_id": req.TaskID, "event_id": req.EventID},
			Queue:          outbox.QueueCriticalPayments,
			IdempotencyKey: key,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Result{Replayed: replayed}, nil
}

func (e *Engine) alreadyDisputed(tx *gorm.DB, taskID string) bool {
	var lock storage.MoneyStateLock
	if err := tx.First(&lock, "task_id = ?", taskID).Error; err != nil {
		return false
	}
	return lock.CurrentState == storage.EscrowPendingDispute
}

// guard loads the money state lock FOR UPDATE and checks the action against
// next_allowed_events. Bypass skips the event list but never the edge table.
func (e *Engine) guard(tx *gorm.DB, req Request) (*storage.MoneyStateLock, *storage.Escrow, *storage.Task, error) {
	if err := escrow.EnsureLock(tx, req.TaskID); err != nil {
		return nil, nil, nil, err
	}
	lock, err := escrow.LockForUpdate(tx, req.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !req.Bypass && !escrow.Permits(lock, req.Action) {
		return nil, nil, nil, coreerrors.IllegalTransition("money_state", lock.CurrentState, req.Action).
			With("task_id", req.TaskID).With("allowed", lock.NextAllowedEvents)
	}
	var escrowRow storage.Escrow
	if err := tx.First(&escrowRow, "task_id = ?", req.TaskID).Error; err != nil {
		return nil, nil, nil, storage.MapError(err)
	}
	var taskRow storage.Task
	if err := tx.First(&taskRow, "id = ?", req.TaskID).Error; err != nil {
		return nil, nil, nil, storage.MapError(err)
	}
	return lock, &escrowRow, &taskRow, nil
}

// plan resolves ledger legs and the target state for the action. The worker's
// receivable account is keyed by the internal user id; the provider
// destination account only appears on the outbound transfer.
func (e *Engine) plan(req Request, lock *storage.MoneyStateLock, escrowRow *storage.Escrow, taskRow *storage.Task) (plan, error) {
	amount := escrowRow.AmountCents
	platform := ledger.Owner{Type: ledger.OwnerPlatform}
	taskOwner := ledger.Owner{Type: ledger.OwnerTask, ID: req.TaskID}
	workerID := ""
	if taskRow.WorkerID != nil {
		workerID = *taskRow.WorkerID
	}

	hold := []ledger.EntryInput{
		{Owner: platform, Template: ledger.TemplatePlatformCash, Direction: ledger.Debit, AmountCents: amount},
		{Owner: taskOwner, Template: ledger.TemplateTaskEscrow, Direction: ledger.Credit, AmountCents: amount},
	}
	release := func() []ledger.EntryInput {
		return []ledger.EntryInput{
			{Owner: taskOwner, Template: ledger.TemplateTaskEscrow, Direction: ledger.Debit, AmountCents: amount},
			{Owner: ledger.Owner{Type: ledger.OwnerUser, ID: workerID}, Template: ledger.TemplateUserReceivable, Direction: ledger.Credit, AmountCents: amount},
		}
	}
	refund := []ledger.EntryInput{
		{Owner: taskOwner, Template: ledger.TemplateTaskEscrow, Direction: ledger.Debit, AmountCents: amount},
		{Owner: platform, Template: ledger.TemplatePlatformCash, Direction: ledger.Credit, AmountCents: amount},
	}

	switch req.Action {
	case escrow.ActionHoldEscrow, escrow.ActionCapture:
		return plan{action: req.Action, targetState: storage.EscrowFunded, entries: hold, eventType: "escrow.funded"}, nil
	case escrow.ActionReleasePayout:
		if req.Destination == "" {
			return plan{}, coreerrors.Validation("DESTINATION_REQUIRED", "saga: payout requires a destination account")
		}
		if workerID == "" {
			return plan{}, coreerrors.Validation("WORKER_REQUIRED", "saga: payout requires an assigned worker")
		}
		return plan{action: req.Action, targetState: storage.EscrowReleased, entries: release(), outbound: "transfer", eventType: "escrow.released"}, nil
	case escrow.ActionRefundEscrow:
		return plan{action: req.Action, targetState: storage.EscrowRefunded, entries: refund, outbound: "refund", eventType: "escrow.refunded"}, nil
	case escrow.ActionDisputeResolve:
		switch req.Outcome {
		case "release":
			if req.Destination == "" {
				return plan{}, coreerrors.Validation("DESTINATION_REQUIRED", "saga: payout requires a destination account")
			}
			if workerID == "" {
				return plan{}, coreerrors.Validation("WORKER_REQUIRED", "saga: payout requires an assigned worker")
			}
			return plan{action: req.Action, targetState: storage.EscrowReleased, entries: release(), outbound: "transfer", eventType: "escrow.released"}, nil
		case "refund":
			return plan{action: req.Action, targetState: storage.EscrowRefunded, entries: refund, outbound: "refund", eventType: "escrow.refunded"}, nil
		default:
			return plan{}, coreerrors.Validation("OUTCOME_REQUIRED", "saga: dispute resolution requires outcome release or refund")
		}
	default:
		return plan{}, coreerrors.Validation("UNKNOWN_ACTION", "saga: unknown action "+req.Action)
	}
}

// callProvider performs the external leg with the ledger ULID as the provider
// idempotency key. A request that already carries a provider ref (webhook
// deliveries and provider-truth backfills) skips the wire entirely.
func (e *Engine) callProvider(ctx context.Context, req Request, resolved plan, ledgerTxID string) (string, error) {
	if req.ProviderRef != "" {
		return req.ProviderRef, nil
	}
	switch resolved.outbound {
	case "":
		return req.ProviderRef, nil
	case "transfer":
		if !e.payoutsEnabled {
			return "", coreerrors.New(coreerrors.KindExternalProvider, "PAYOUTS_DISABLED",
				"saga: outbound payouts are disabled")
		}
		var escrowRow storage.Escrow
		if err := e.db.First(&escrowRow, "task_id = ?", req.TaskID).Error; err != nil {
			return "", storage.MapError(err)
		}
		transfer, err := e.provider.CreateTransfer(ctx, ledgerTxID, &stripe.TransferRequest{
			AmountCents: escrowRow.AmountCents,
			Currency:    ledger.CurrencyUSD,
			Destination: req.Destination,
			Group:       ledgerTxID,
			TaskID:      req.TaskID,
		})
		if err != nil {
			return "", err
		}
		return transfer.ID, nil
	case "refund":
		var escrowRow storage.Escrow
		if err := e.db.First(&escrowRow, "task_id = ?", req.TaskID).Error; err != nil {
			return "", storage.MapError(err)
		}
		refund, err := e.provider.CreateRefund(ctx, ledgerTxID, &stripe.RefundRequest{
			PaymentIntentID: escrowRow.StripePaymentIntentID,
			AmountCents:     escrowRow.AmountCents,
			TaskID:          req.TaskID,
		})
		if err != nil {
			return "", err
		}
		return refund.ID, nil
	default:
		return "", coreerrors.Validation("UNKNOWN_OUTBOUND", "saga: unknown outbound kind "+resolved.outbound)
	}
}

// commit is phase two: one transaction that records the outbound call, moves
// the money state and balances, completes the task when asked, awards XP, and
// releases the outbox events. The escrow and proof rows are written before the
// task row so the completion triggers see the final money state.
func (e *Engine) commit(ctx context.Context, req Request, resolved plan, ledgerTxID, providerRef string) error {
	key := IdempotencyKey(req.Action, req.TaskID, req.EventID)
	return storage.RunSerializable(ctx, e.db, func(tx *gorm.DB) error {
		lock, err := escrow.LockForUpdate(tx, req.TaskID)
		if err != nil {
			return err
		}
		var escrowRow storage.Escrow
		if err := tx.First(&escrowRow, "task_id = ?", req.TaskID).Error; err != nil {
			return storage.MapError(err)
		}
		escrowStateBefore := lock.CurrentState

		if resolved.outbound != "" {
			payload, _ := json.Marshal(map[string]any{
				"task_id": req.TaskID, "provider_ref": providerRef, "amount_cents": escrowRow.AmountCents,
			})
			outboundLog := storage.StripeOutboundLog{
				IdempotencyKey: ledgerTxID,
				StripeID:       providerRef,
				Type:           resolved.action,
				Payload:        string(payload),
				CreatedAt:      e.now().UTC(),
			}
			if err := tx.Create(&outboundLog).Error; err != nil {
				return storage.MapError(err)
			}
		}

		if err := escrow.Advance(tx, lock, resolved.targetState, stateContext(req, providerRef)); err != nil {
			return err
		}
		if resolved.targetState == storage.EscrowFunded && req.ProviderRef != "" {
			if err := tx.Model(&storage.Escrow{}).Where("task_id = ?", req.TaskID).
				Update("stripe_payment_intent_id", req.ProviderRef).Error; err != nil {
				return storage.MapError(err)
			}
		}

		if req.CompleteTask && resolved.targetState == storage.EscrowReleased {
			if err := e.completeTask(tx, req, key, escrowStateBefore, escrowRow.AmountCents); err != nil {
				return err
			}
		}

		if err := e.ledger.Commit(tx, ledgerTxID, map[string]any{"provider_ref": providerRef}); err != nil {
			return err
		}

		return outbox.Append(tx, outbox.Event{
			AggregateType:  "escrow",
			AggregateID:    req.TaskID,
			EventType:      resolved.eventType,
			Payload: map[string]any{
				"task_id":      req.TaskID,
				"event_id":     req.EventID,
				"ledger_tx_id": ledgerTxID,
				"provider_ref": providerRef,
				"amount_cents": escrowRow.AmountCents,
			},
			Queue:          outbox.QueueCriticalPayments,
			IdempotencyKey: key,
		})
	})
}

// completeTask advances the task to COMPLETED and awards the per-escrow XP
// inside the commit transaction.
func (e *Engine) completeTask(tx *gorm.DB, req Request, key, escrowStateBefore string, amountCents int64) error {
	var taskRow storage.Task
	if err := tx.First(&taskRow, "id = ?", req.TaskID).Error; err != nil {
		return storage.MapError(err)
	}
	guards := task.Guards{
		ProofID:     req.ProofID,
		ProofState:  req.ProofState,
		EscrowState: escrowStateBefore,
		AdminID:     req.ActorID,
	}
	if err := task.Apply(tx, &taskRow, storage.TaskCompleted, guards, stateContext(req, "")); err != nil {
		return err
	}
	if taskRow.WorkerID == nil || *taskRow.WorkerID == "" {
		return coreerrors.InvariantViolation("INV-2", "INV-2: completed task has no worker")
	}
	var worker storage.User
	if err := tx.First(&worker, "id = ?", *taskRow.WorkerID).Error; err != nil {
		return storage.MapError(err)
	}
	award, err := xp.AwardForEscrow(tx, worker.ID, req.TaskID, amountCents, worker.TotalXP, req.StreakDays)
	if err != nil {
		return err
	}
	return outbox.Append(tx, outbox.Event{
		AggregateType: "task",
		AggregateID:   req.TaskID,
		EventType:     "task.completed",
		Payload: map[string]any{
			"task_id":   req.TaskID,
			"worker_id": worker.ID,
			"final_xp":  award.FinalXP,
		},
		Queue:          outbox.QueueUserNotifications,
		IdempotencyKey: "task.completed:" + key,
	})
}

// resolveReplay maps an existing transaction under the same idempotency key to
// a replay result or a typed failure.
func (e *Engine) resolveReplay(existing *storage.LedgerTransaction, key, bodyHash string) (*Result, error) {
	if err := ledger.ReplayMatch(existing, key, bodyHash); err != nil {
		return nil, err
	}
	switch existing.Status {
	case storage.TxCommitted, storage.TxConfirmed:
		meta := map[string]any{}
		_ = json.Unmarshal([]byte(existing.Metadata), &meta)
		ref, _ := meta["provider_ref"].(string)
		return &Result{LedgerTxID: existing.ID, ProviderRef: ref, Replayed: true}, nil
	case storage.TxFailed:
		return nil, coreerrors.New(coreerrors.KindExternalProvider, "REPLAY_OF_FAILED",
			"saga: original attempt failed terminally").With("tx_id", existing.ID)
	default:
		return nil, coreerrors.New(coreerrors.KindConcurrencyConflict, "SAGA_IN_FLIGHT",
			"saga: transaction still pending or executing").With("tx_id", existing.ID)
	}
}

// failPrepared terminates a prepared ledger transaction after a provider or
// commit failure and routes the request to the DLQ.
func (e *Engine) failPrepared(ctx context.Context, ledgerTxID string, req Request, cause error) {
	err := storage.RunSerializable(ctx, e.db, func(tx *gorm.DB) error {
		return e.ledger.MarkFailed(tx, ledgerTxID, cause.Error())
	})
	if err != nil {
		e.log.Error("saga: mark failed", "ledger_tx_id", ledgerTxID, "error", err)
	}
	e.routeFailure(ctx, req, IdempotencyKey(req.Action, req.TaskID, req.EventID), cause)
}

// routeFailure appends a DLQ row for failures that require follow-up. Guard
// rejections and validation failures are terminal by design and skip the DLQ.
func (e *Engine) routeFailure(ctx context.Context, req Request, key string, cause error) {
	switch coreerrors.KindOf(cause) {
	case coreerrors.KindValidation, coreerrors.KindIllegalTransition, coreerrors.KindConcurrencyConflict:
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"action":   req.Action,
		"task_id":  req.TaskID,
		"event_id": req.EventID,
		"key":      key,
	})
	dead := storage.DeadLetter{
		Queue:         outbox.QueueCriticalPayments,
		Payload:       string(payload),
		LastError:     cause.Error(),
		Attempts:      1,
		FirstFailedAt: e.now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&dead).Error; err != nil {
		e.log.Error("saga: dead letter append", "task_id", req.TaskID, "error", err)
	}
	e.log.Warn("saga failed", "action", req.Action, "task_id", req.TaskID,
		"event_id", req.EventID, "error", cause)
}

func validateRequest(req Request) error {
	if req.Action == "" || req.TaskID == "" || req.EventID == "" {
		return coreerrors.Validation("MISSING_FIELDS", "saga: action, task_id and event_id are required")
	}
	return nil
}

func stateContext(req Request, providerRef string) string {
	ctx := map[string]any{"action": req.Action, "event_id": req.EventID}
	if req.ActorID != "" {
		ctx["actor_id"] = req.ActorID
	}
	if providerRef != "" {
		ctx["provider_ref"] = providerRef
	}
	raw, _ := json.Marshal(ctx)
	return string(raw)
}
