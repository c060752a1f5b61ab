package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/exports"
	"hustlexp/ledger"
	"hustlexp/native/trust"
	"hustlexp/observability"
	"hustlexp/outbox"
	"hustlexp/saga"
	"hustlexp/storage"
)

// paymentEventHandler delivers escrow settlement events. The payload is already
// durable in the outbox row; delivery here is the structured feed downstream
// settlement consumers tail.
func paymentEventHandler(log *slog.Logger) outbox.Handler {
	return func(ctx context.Context, event storage.OutboxEvent) error {
		log.Info("settlement event",
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"idempotency_key", event.IdempotencyKey,
		)
		return nil
	}
}

type taskCompletedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	FinalXP  int64  `json:"final_xp"`
}

// notificationHandler fans task lifecycle events out to user notifications.
// Completion events additionally run the trust ladder for the worker.
func notificationHandler(db *gorm.DB, engine *trust.Engine, log *slog.Logger) outbox.Handler {
	return func(ctx context.Context, event storage.OutboxEvent) error {
		if event.EventType != "task.completed" {
			return nil
		}
		var payload taskCompletedPayload
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.EventType, err)
		}
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			stats, err := workerStats(tx, payload.WorkerID)
			if err != nil {
				return err
			}
			change, err := engine.EvaluateUpgrade(tx, payload.WorkerID, payload.TaskID, stats)
			if err != nil {
				return err
			}
			notes := []storage.Notification{{
				UserID:    payload.WorkerID,
				Kind:      "task.completed",
				Payload:   event.Payload,
				CreatedAt: time.Now().UTC(),
			}}
			if change != nil && !change.Suppressed {
				body, _ := json.Marshal(map[string]any{
					"task_id":  payload.TaskID,
					"old_tier": change.OldTier,
					"new_tier": change.NewTier,
				})
				notes = append(notes, storage.Notification{
					UserID:    payload.WorkerID,
					Kind:      "trust.upgraded",
					Payload:   string(body),
					CreatedAt: time.Now().UTC(),
				})
			}
			if err := tx.Create(&notes).Error; err != nil {
				return storage.MapError(err)
			}
			return nil
		})
	}
}

type fraudFlagPayload struct {
	ProofID  string `json:"proof_id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// fraudHandler consumes scanner flags: one minor downgrade per flagged proof,
// with the worker notified.
func fraudHandler(db *gorm.DB, engine *trust.Engine, log *slog.Logger) outbox.Handler {
	return func(ctx context.Context, event storage.OutboxEvent) error {
		var payload fraudFlagPayload
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.EventType, err)
		}
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			taskID := payload.TaskID
			change, err := engine.Downgrade(tx, payload.WorkerID, payload.Reason,
				"fraud-scanner", &taskID, trust.SeverityMinor)
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]any{
				"proof_id": payload.ProofID,
				"task_id":  payload.TaskID,
				"reason":   payload.Reason,
				"new_tier": change.NewTier,
			})
			note := storage.Notification{
				UserID:    payload.WorkerID,
				Kind:      "trust.downgraded",
				Payload:   string(body),
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(&note).Error; err != nil {
				return storage.MapError(err)
			}
			log.Warn("fraud downgrade applied", "worker_id", payload.WorkerID,
				"proof_id", payload.ProofID, "new_tier", change.NewTier)
			return nil
		})
	}
}

// workerStats derives the ladder inputs from completed and disputed task
// volume. There is no review feed yet, so every worker carries the maximum
// rating and the volume and dispute gates decide.
func workerStats(tx *gorm.DB, workerID string) (trust.Stats, error) {
	var completed, disputed int64
	if err := tx.Model(&storage.Task{}).
		Where("worker_id = ? AND state = ?", workerID, storage.TaskCompleted).
		Count(&completed).Error; err != nil {
		return trust.Stats{}, storage.MapError(err)
	}
	if err := tx.Model(&storage.Task{}).
		Where("worker_id = ? AND state = ?", workerID, storage.TaskDisputed).
		Count(&disputed).Error; err != nil {
		return trust.Stats{}, storage.MapError(err)
	}
	stats := trust.Stats{CompletedTasks: int(completed), Rating: 5.0}
	if completed+disputed > 0 {
		stats.DisputeRate = float64(disputed) / float64(completed+disputed)
	}
	return stats, nil
}

type deadLetterPayload struct {
	Action  string `json:"action"`
	TaskID  string `json:"task_id"`
	EventID string `json:"event_id"`
}

// dlqRetryHandler replays saga dead letters under their original idempotency
// key. Letters without a retriable shape, like provider payout failures, wait
// for operator resolution.
func dlqRetryHandler(engine *saga.Engine) outbox.DLQHandler {
	return func(ctx context.Context, item storage.DeadLetter) error {
		var payload deadLetterPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return fmt.Errorf("decode dead letter %d: %w", item.ID, err)
		}
		if payload.Action == "" || payload.TaskID == "" || payload.EventID == "" {
			return fmt.Errorf("dead letter %d needs operator resolution", item.ID)
		}
		_, err := engine.Execute(ctx, saga.Request{
			Action:  payload.Action,
			TaskID:  payload.TaskID,
			EventID: payload.EventID,
			ActorID: "dlq-processor",
		})
		switch coreerrors.KindOf(err) {
		case coreerrors.KindValidation, coreerrors.KindIllegalTransition:
			// Retrying cannot change the outcome; the state already moved on.
			return nil
		}
		return err
	}
}

// queueHealthSweep pushes queue gauges and pages when letters go terminal.
func queueHealthSweep(db *gorm.DB, metrics *observability.MoneyMetrics, alerter *observability.Alerter) outbox.SweepFunc {
	var lastTerminal int64
	queues := []string{outbox.QueueCriticalPayments, outbox.QueueUserNotifications, outbox.QueueFraudDetection}
	return func(ctx context.Context) error {
		now := time.Now().UTC()
		for _, queue := range queues {
			depth, err := outbox.Depth(db, queue)
			if err != nil {
				return err
			}
			metrics.SetOutboxDepth(queue, depth)
			age, err := outbox.OldestUnpublishedAge(db, queue, now)
			if err != nil {
				return err
			}
			metrics.SetOutboxAge(queue, age)
		}
		depth, err := outbox.DLQDepth(db)
		if err != nil {
			return err
		}
		metrics.SetDLQDepth("dead_letters", depth)
		terminal, err := outbox.TerminalDepth(db)
		if err != nil {
			return err
		}
		if terminal > lastTerminal {
			alerter.Fire(ctx, observability.Alert{
				Severity: observability.SeverityCritical,
				Title:    "dead letters exhausted retries",
				Message:  "items on the dead letter queue are past the retry budget and need an operator",
				Context:  map[string]any{"terminal": terminal},
				At:       now,
			})
		}
		lastTerminal = terminal
		return nil
	}
}

// ghostMoneySweep measures committed-ledger drift. Any nonzero drift is a
// stop-the-world signal.
func ghostMoneySweep(db *gorm.DB, metrics *observability.MoneyMetrics, alerter *observability.Alerter, log *slog.Logger) outbox.SweepFunc {
	return func(ctx context.Context) error {
		drift, err := ledger.GhostMoneyCheck(db)
		if err != nil {
			return err
		}
		if drift == 0 {
			return nil
		}
		metrics.RecordInvariantViolation("INV-1")
		log.Error("ledger drift detected", "drift_cents", drift)
		alerter.Fire(ctx, observability.Alert{
			Severity: observability.SeverityCritical,
			Title:    "ledger drift detected",
			Message:  "committed ledger entries no longer sum to zero",
			Context:  map[string]any{"drift_cents": drift},
			At:       time.Now().UTC(),
		})
		return nil
	}
}

// exportSweep runs the previous day's ledger export once per day at the
// configured hour. The hourly cadence means a missed window is retried within
// the hour rather than lost until tomorrow.
func exportSweep(exporter *exports.Exporter, runHour int, log *slog.Logger) outbox.SweepFunc {
	var lastExported string
	return func(ctx context.Context) error {
		now := time.Now().UTC()
		if now.Hour() != runHour {
			return nil
		}
		day := now.AddDate(0, 0, -1)
		key := day.Format("2006-01-02")
		if key == lastExported {
			return nil
		}
		result, err := exporter.Run(ctx, day)
		if err != nil {
			return err
		}
		lastExported = key
		log.Info("ledger export complete", "day", key,
			"rows", result.Rows, "removed", result.Removed)
		return nil
	}
}
