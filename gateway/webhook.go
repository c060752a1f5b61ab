package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coreerrors "hustlexp/core/errors"
	"hustlexp/ledger"
	"hustlexp/native/escrow"
	"hustlexp/outbox"
	"hustlexp/saga"
	"hustlexp/storage"
	"hustlexp/stripe"
)

// TemporalTolerance is the clock skew the temporal guard forgives before
// declaring an event out of order.
const TemporalTolerance = 5 * time.Minute

// WebhookStuckTimeout bounds how long a processing claim may sit before the
// maintenance sweep releases it.
const WebhookStuckTimeout = 10 * time.Minute

// stripeEvent is the inbound webhook envelope. The provider's schema is its
// own; the gate only relies on id, type, livemode, created, and the object.
type stripeEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Livemode bool   `json:"livemode"`
	Created  int64  `json:"created"`
	Data     struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Destination   string            `json:"destination"`
	TransferGroup string            `json:"transfer_group"`
	AmountCents   int64             `json:"amount"`
	Metadata      map[string]string `json:"metadata"`
}

// HandleStripeWebhook runs the ordering gate. The source guard is the only
// stage that returns 4xx so the provider retries; every later guard answers
// 200 so a poisoned event cannot wedge the provider's delivery queue.
func (s *Server) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "BODY_READ_FAILED", "could not read request body")
		return
	}

	// Source guard: signature and environment.
	if err := stripe.VerifySignature(body, r.Header.Get("Stripe-Signature"), s.webhookSecret, s.now()); err != nil {
		s.metrics.RecordWebhookFailure("source")
		s.writeError(w, r, http.StatusBadRequest, "INVALID_SIGNATURE", "webhook signature verification failed")
		return
	}
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" {
		s.metrics.RecordWebhookFailure("source")
		s.writeError(w, r, http.StatusBadRequest, "MALFORMED_EVENT", "webhook payload is not a stripe event")
		return
	}
	if s.strictLivemode && event.Livemode != s.livemode {
		s.metrics.RecordWebhookFailure("source")
		s.writeError(w, r, http.StatusBadRequest, "LIVEMODE_MISMATCH", "event livemode does not match environment")
		return
	}

	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])

	// Replay guard: single claim per event id.
	claimed, prior, err := s.claimWebhook(event.ID, bodyHash)
	if err != nil {
		s.log.Error("gateway: webhook claim", "event_id", event.ID, "error", err)
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "retry"})
		return
	}
	if !claimed {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": prior})
		return
	}

	result, errMsg := s.processEvent(r, event, bodyHash)
	s.finalizeWebhook(event.ID, result, errMsg)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": result})
}

// processEvent runs the temporal and settlement guards and dispatches to the
// saga. It returns the processed_webhooks result and an error message.
func (s *Server) processEvent(r *http.Request, event stripeEvent, bodyHash string) (string, string) {
	// Settlement guard: payout.* is bank-side movement outside the internal
	// liability model. Only payout.failed demands operator attention.
	if strings.HasPrefix(event.Type, "payout.") {
		if event.Type == "payout.failed" {
			s.parkPayoutFailure(event)
		}
		return "ok", ""
	}

	req, dispatch := s.mapEvent(event)
	if !dispatch {
		return "ok", ""
	}
	if req.TaskID == "" {
		s.metrics.RecordWebhookFailure("dispatch")
		return "failed", "event carries no task reference"
	}

	// Temporal guard: the event may not predate the newest committed ledger
	// transaction on the task.
	if stale, err := s.outOfOrder(event, req.TaskID); err != nil {
		s.log.Error("gateway: temporal guard", "event_id", event.ID, "error", err)
		return "failed", err.Error()
	} else if stale {
		s.metrics.RecordWebhookFailure("temporal")
		s.log.Warn("gateway: out-of-order webhook dropped",
			"event_id", event.ID, "task_id", req.TaskID, "type", event.Type)
		return "failed", "event is older than the task's latest committed transaction"
	}

	req.BodyHash = bodyHash
	if _, err := s.saga.Execute(r.Context(), req); err != nil {
		kind := coreerrors.KindOf(err)
		if kind == coreerrors.KindIllegalTransition || kind == coreerrors.KindValidation {
			// Already-applied or inapplicable event: acknowledged, not retried.
			return "ok", ""
		}
		s.metrics.RecordWebhookFailure("saga")
		return "failed", err.Error()
	}
	return "ok", ""
}

// mapEvent translates a provider event into the saga action it implies.
func (s *Server) mapEvent(event stripeEvent) (saga.Request, bool) {
	object := event.Data.Object
	taskID := object.Metadata["task_id"]
	base := saga.Request{TaskID: taskID, EventID: event.ID}

	switch event.Type {
	case "payment_intent.amount_capturable_updated":
		base.Action = escrow.ActionHoldEscrow
		base.ProviderRef = object.ID
		return base, true
	case "payment_intent.succeeded":
		base.Action = escrow.ActionCapture
		base.ProviderRef = object.ID
		return base, true
	case "charge.refunded":
		base.Action = escrow.ActionRefundEscrow
		base.ProviderRef = object.ID
		return base, true
	case "charge.dispute.created":
		base.Action = escrow.ActionDisputeOpen
		return base, true
	case "transfer.created", "transfer.paid":
		// Normally committed synchronously by the outbound saga; dispatching
		// here closes the crash window between provider call and commit.
		base.Action = escrow.ActionReleasePayout
		base.ProviderRef = object.ID
		base.Destination = object.Destination
		return base, true
	default:
		return saga.Request{}, false
	}
}

// outOfOrder compares the event clock against the ULID timestamp of the
// task's newest committed ledger transaction.
func (s *Server) outOfOrder(event stripeEvent, taskID string) (bool, error) {
	if event.Created == 0 {
		return false, nil
	}
	var latest storage.LedgerTransaction
	err := s.db.Where("status IN ? AND metadata LIKE ?",
		[]string{storage.TxCommitted, storage.TxConfirmed},
		`%"`+ledger.MetaTaskID+`":"`+taskID+`"%`).
		Order("id DESC").First(&latest).Error
	if err != nil {
		if coreerrors.KindOf(storage.MapError(err)) == coreerrors.KindNotFound {
			return false, nil
		}
		return false, storage.MapError(err)
	}
	parsed, err := ulid.Parse(latest.ID)
	if err != nil {
		return false, nil
	}
	latestAt := time.UnixMilli(int64(parsed.Time()))
	eventAt := time.Unix(event.Created, 0)
	return eventAt.Add(TemporalTolerance).Before(latestAt), nil
}

// claimWebhook inserts the single processing claim for an event. When the row
// exists, the stored result is returned instead: in-flight claims and failed
// rows are not re-entered by the gate (the maintenance sweep owns retries).
func (s *Server) claimWebhook(eventID, bodyHash string) (bool, string, error) {
	now := s.now().UTC()
	claim := storage.ProcessedWebhook{
		EventID:   eventID,
		Source:    "stripe",
		BodyHash:  bodyHash,
		Result:    "processing",
		ClaimedAt: &now,
		CreatedAt: now,
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
	if res.Error != nil {
		return false, "", storage.MapError(res.Error)
	}
	if res.RowsAffected == 1 {
		return true, "", nil
	}

	var existing storage.ProcessedWebhook
	if err := s.db.First(&existing, "event_id = ?", eventID).Error; err != nil {
		return false, "", storage.MapError(err)
	}
	if existing.Result == "processing" && existing.ClaimedAt == nil {
		// Released by the stuck sweep; take over the claim.
		update := s.db.Model(&storage.ProcessedWebhook{}).
			Where("event_id = ? AND claimed_at IS NULL", eventID).
			Update("claimed_at", now)
		if update.Error != nil {
			return false, "", storage.MapError(update.Error)
		}
		if update.RowsAffected == 1 {
			return true, "", nil
		}
	}
	status := existing.Result
	if status == "processing" {
		status = "in_flight"
	}
	return false, status, nil
}

func (s *Server) finalizeWebhook(eventID, result, errMsg string) {
	now := s.now().UTC()
	err := s.db.Model(&storage.ProcessedWebhook{}).Where("event_id = ?", eventID).
		Updates(map[string]any{
			"result":        result,
			"error_message": errMsg,
			"processed_at":  now,
		}).Error
	if err != nil {
		s.log.Error("gateway: webhook finalize", "event_id", eventID, "error", err)
	}
}

// parkPayoutFailure records a failed bank payout for operator follow-up.
func (s *Server) parkPayoutFailure(event stripeEvent) {
	payload, _ := json.Marshal(map[string]any{
		"event_id": event.ID,
		"type":     event.Type,
		"payout":   event.Data.Object.ID,
	})
	dead := storage.DeadLetter{
		Queue:         outbox.QueueCriticalPayments,
		Payload:       string(payload),
		LastError:     "provider payout failed",
		Attempts:      1,
		FirstFailedAt: s.now().UTC(),
	}
	if err := s.db.Create(&dead).Error; err != nil {
		s.log.Error("gateway: payout failure park", "event_id", event.ID, "error", err)
	}
	s.log.Warn("provider payout failed", "event_id", event.ID, "payout", event.Data.Object.ID)
}

// ReclaimStuckWebhooks releases processing claims older than the timeout so
// the provider's redelivery can take over.
func ReclaimStuckWebhooks(db *gorm.DB, olderThan time.Duration, now time.Time) (int64, error) {
	res := db.Model(&storage.ProcessedWebhook{}).
		Where("result = ? AND processed_at IS NULL AND claimed_at < ?", "processing", now.Add(-olderThan)).
		Update("claimed_at", nil)
	return res.RowsAffected, storage.MapError(res.Error)
}
