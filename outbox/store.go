// Package outbox persists side effects inside the business transaction that
// caused them and publishes them asynchronously. Claims use FOR UPDATE SKIP
// LOCKED on postgres so competing workers never block each other.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hustlexp/storage"
)

// Queue names. Payment events ride a dedicated queue so a notification backlog
// never delays money movement.
const (
	QueueCriticalPayments  = "critical_payments"
	QueueUserNotifications = "user_notifications"
	QueueFraudDetection    = "fraud-detection"
)

// MaxAttempts is the delivery budget before an event moves to the DLQ.
const MaxAttempts = 8

// Event is one side effect to record.
type Event struct {
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        any
	Queue          string
	IdempotencyKey string
	SchemaVersion  int
}

// Append writes the event row inside the caller's transaction. A replayed
// business transaction hits the unique idempotency key and is a no-op.
func Append(tx *gorm.DB, event Event) error {
	if event.Queue == "" {
		event.Queue = QueueUserNotifications
	}
	if event.SchemaVersion == 0 {
		event.SchemaVersion = 1
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload for %s: %w", event.EventType, err)
	}
	row := storage.OutboxEvent{
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        string(payload),
		IdempotencyKey: event.IdempotencyKey,
		QueueName:      event.Queue,
		SchemaVersion:  event.SchemaVersion,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		if storage.IsDuplicateKey(err) {
			return nil
		}
		return storage.MapError(err)
	}
	return nil
}

// ClaimBatch marks up to limit due events on the queue as claimed and returns
// them. Runs in its own transaction; on postgres competing claimers skip
// locked rows instead of queueing behind them.
func ClaimBatch(db *gorm.DB, queue string, limit int, now time.Time) ([]storage.OutboxEvent, error) {
	var claimed []storage.OutboxEvent
	err := db.Transaction(func(tx *gorm.DB) error {
		query := tx.Where("queue_name = ? AND published_at IS NULL AND claimed_at IS NULL", queue).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			Order("id").Limit(limit)
		if storage.IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&claimed).Error; err != nil {
			return storage.MapError(err)
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uint64, 0, len(claimed))
		for _, event := range claimed {
			ids = append(ids, event.ID)
		}
		return storage.MapError(tx.Model(&storage.OutboxEvent{}).
			Where("id IN ?", ids).Update("claimed_at", now).Error)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkPublished finishes a delivered event.
func MarkPublished(db *gorm.DB, eventID uint64, now time.Time) error {
	return storage.MapError(db.Model(&storage.OutboxEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"published_at": now, "claimed_at": nil}).Error)
}

// MarkFailed releases the claim and schedules the next attempt with capped
// exponential backoff. At the attempts budget the event moves to the DLQ.
func MarkFailed(db *gorm.DB, event *storage.OutboxEvent, deliverErr error, now time.Time) error {
	attempts := event.Attempts + 1
	if attempts >= MaxAttempts {
		return db.Transaction(func(tx *gorm.DB) error {
			dead := storage.DeadLetter{
				Queue:         event.QueueName,
				Payload:       event.Payload,
				LastError:     truncateError(deliverErr),
				Attempts:      attempts,
				FirstFailedAt: now,
			}
			if err := tx.Create(&dead).Error; err != nil {
				return storage.MapError(err)
			}
			return storage.MapError(tx.Model(&storage.OutboxEvent{}).
				Where("id = ?", event.ID).
				Updates(map[string]any{
					"attempts":   attempts,
					"last_error": truncateError(deliverErr),
					// Poisoned events park as published so claimers skip them;
					// the DLQ row is now the work item.
					"published_at": now,
					"claimed_at":   nil,
				}).Error)
		})
	}
	delay := retryDelay(attempts)
	next := now.Add(delay)
	return storage.MapError(db.Model(&storage.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"attempts":        attempts,
			"last_error":      truncateError(deliverErr),
			"claimed_at":      nil,
			"next_attempt_at": next,
		}).Error)
}

// ReclaimStuck releases claims older than cutoff, covering workers that died
// mid-delivery.
func ReclaimStuck(db *gorm.DB, olderThan time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-olderThan)
	res := db.Model(&storage.OutboxEvent{}).
		Where("published_at IS NULL AND claimed_at IS NOT NULL AND claimed_at < ?", cutoff).
		Update("claimed_at", nil)
	return res.RowsAffected, storage.MapError(res.Error)
}

// Depth reports unpublished events on a queue, for gauges and readiness.
func Depth(db *gorm.DB, queue string) (int64, error) {
	var count int64
	err := db.Model(&storage.OutboxEvent{}).
		Where("queue_name = ? AND published_at IS NULL", queue).Count(&count).Error
	return count, storage.MapError(err)
}

// OldestUnpublishedAge is the age of the oldest pending event, zero when the
// queue is drained.
func OldestUnpublishedAge(db *gorm.DB, queue string, now time.Time) (time.Duration, error) {
	var event storage.OutboxEvent
	err := db.Where("queue_name = ? AND published_at IS NULL", queue).
		Order("created_at").First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, storage.MapError(err)
	}
	return now.Sub(event.CreatedAt), nil
}

func retryDelay(attempt int) time.Duration {
	delay := time.Second << uint(attempt)
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
