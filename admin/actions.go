package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/native/escrow"
	"hustlexp/saga"
	"hustlexp/storage"
	"hustlexp/stripe"
)

// Service runs operator money actions. Every call writes an admin_actions row
// whose deletion the constitution forbids, then drives the same saga protocol
// as the normal path; the guard bypass never relaxes ledger invariants or the
// state machine edge table.
type Service struct {
	db       *gorm.DB
	saga     *saga.Engine
	provider stripe.Client
	denylist *Denylist
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires the operator action surface.
func NewService(db *gorm.DB, engine *saga.Engine, provider stripe.Client, denylist *Denylist, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, saga: engine, provider: provider, denylist: denylist, log: log, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(fn func() time.Time) { s.now = fn }

// ForcePayout releases the escrow for a task under an operator identity,
// bypassing the next_allowed_events guard. eventID must be stable per
// operator intent so retries replay instead of double-paying.
func (s *Service) ForcePayout(ctx context.Context, adminID, taskID, destination, eventID, reason string) (*saga.Result, error) {
	if err := s.authorize(adminID); err != nil {
		return nil, err
	}
	result, err := s.saga.Execute(ctx, saga.Request{
		Action:      escrow.ActionReleasePayout,
		TaskID:      taskID,
		EventID:     eventID,
		Destination: destination,
		Bypass:      true,
		ActorID:     adminID,
	})
	s.record(adminID, "force_payout", taskID, map[string]any{
		"event_id": eventID, "reason": reason, "error": errString(err),
	})
	return result, err
}

// ForceRefund returns the escrow to the poster under an operator identity.
func (s *Service) ForceRefund(ctx context.Context, adminID, taskID, eventID, reason string) (*saga.Result, error) {
	if err := s.authorize(adminID); err != nil {
		return nil, err
	}
	result, err := s.saga.Execute(ctx, saga.Request{
		Action:  escrow.ActionRefundEscrow,
		TaskID:  taskID,
		EventID: eventID,
		Bypass:  true,
		ActorID: adminID,
	})
	s.record(adminID, "force_refund", taskID, map[string]any{
		"event_id": eventID, "reason": reason, "error": errString(err),
	})
	return result, err
}

// BackfillItem is the outcome of one replayed provider object.
type BackfillItem struct {
	Action      string `json:"action"`
	ProviderRef string `json:"provider_ref"`
	Applied     bool   `json:"applied"`
	Skipped     bool   `json:"skipped"`
	Error       string `json:"error,omitempty"`
}

// BackfillReport summarises one provider-truth reconstruction.
type BackfillReport struct {
	TaskID  string         `json:"task_id"`
	Items   []BackfillItem `json:"items"`
	Applied int            `json:"applied"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
}

// Backfill reconstructs a task's internal money records from the provider's
// objects. Each object replays the matching saga action with a key derived
// from the provider id, so backfill after a partial webhook history converges
// on the same ledger the webhooks would have produced. Objects whose state
// transition is already recorded surface as illegal transitions and are
// counted as skipped.
func (s *Service) Backfill(ctx context.Context, adminID, taskID string) (*BackfillReport, error) {
	if err := s.authorize(adminID); err != nil {
		return nil, err
	}
	report := &BackfillReport{TaskID: taskID}

	intents, err := s.provider.ListPaymentIntents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, intent := range intents {
		if intent.Status != "succeeded" {
			continue
		}
		s.replay(ctx, report, saga.Request{
			Action:      escrow.ActionCapture,
			TaskID:      taskID,
			EventID:     "backfill:" + intent.ID,
			ProviderRef: intent.ID,
			Bypass:      true,
			ActorID:     adminID,
		}, intent.ID)

		refunds, err := s.provider.ListRefunds(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
		for _, refund := range refunds {
			s.replay(ctx, report, saga.Request{
				Action:      escrow.ActionRefundEscrow,
				TaskID:      taskID,
				EventID:     "backfill:" + refund.ID,
				ProviderRef: refund.ID,
				Bypass:      true,
				ActorID:     adminID,
			}, refund.ID)
		}
	}

	transfers, err := s.provider.ListTransfers(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, transfer := range transfers {
		if transfer.Metadata["task_id"] != taskID {
			continue
		}
		s.replay(ctx, report, saga.Request{
			Action:      escrow.ActionReleasePayout,
			TaskID:      taskID,
			EventID:     "backfill:" + transfer.ID,
			ProviderRef: transfer.ID,
			Destination: transfer.Destination,
			Bypass:      true,
			ActorID:     adminID,
		}, transfer.ID)
	}

	s.record(adminID, "backfill", taskID, map[string]any{
		"applied": report.Applied, "skipped": report.Skipped, "failed": report.Failed,
	})
	return report, nil
}

// replay executes one backfill action and folds the outcome into the report.
func (s *Service) replay(ctx context.Context, report *BackfillReport, req saga.Request, providerRef string) {
	item := BackfillItem{Action: req.Action, ProviderRef: providerRef}
	result, err := s.saga.Execute(ctx, req)
	switch {
	case err == nil && result != nil && result.Replayed:
		item.Skipped = true
		report.Skipped++
	case err == nil:
		item.Applied = true
		report.Applied++
	case coreerrors.KindOf(err) == coreerrors.KindIllegalTransition:
		item.Skipped = true
		report.Skipped++
	default:
		item.Error = err.Error()
		report.Failed++
		s.log.Warn("admin: backfill item failed", "task_id", req.TaskID,
			"provider_ref", providerRef, "error", err)
	}
	report.Items = append(report.Items, item)
}

// authorize rejects denylisted operators. JWT validity is checked at the
// gateway; the denylist wins even over a valid token.
func (s *Service) authorize(adminID string) error {
	if adminID == "" {
		return coreerrors.Validation("ADMIN_REQUIRED", "admin: operator actions require an admin id")
	}
	if s.denylist == nil {
		return nil
	}
	blocked, entry, err := s.denylist.Blocked(adminID)
	if err != nil {
		return err
	}
	if blocked {
		return coreerrors.New(coreerrors.KindValidation, "ADMIN_DENYLISTED",
			"admin: operator is denylisted").With("reason", entry.Reason)
	}
	return nil
}

// record appends the append-only audit row. Audit failures are logged, never
// surfaced; the money action's own result is authoritative.
func (s *Service) record(adminID, action, taskID string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	row := storage.AdminAction{
		AdminID:    adminID,
		Action:     action,
		TargetType: "task",
		TargetID:   taskID,
		Payload:    string(raw),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Error("admin: audit append", "action", action, "task_id", taskID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
