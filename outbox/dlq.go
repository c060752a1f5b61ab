package outbox

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// TerminalAttempts is the DLQ retry budget; beyond it an item waits for manual
// resolution through the admin surface.
const TerminalAttempts = 12

// DLQHandler retries one dead item. A nil error resolves it.
type DLQHandler func(ctx context.Context, item storage.DeadLetter) error

// DLQProcessor replays dead letters with capped backoff.
type DLQProcessor struct {
	db      *gorm.DB
	log     *slog.Logger
	handler DLQHandler
	now     func() time.Time
}

func NewDLQProcessor(db *gorm.DB, log *slog.Logger, handler DLQHandler) *DLQProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &DLQProcessor{db: db, log: log, handler: handler, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (d *DLQProcessor) SetNowFunc(fn func() time.Time) { d.now = fn }

// Process runs one pass over due, unresolved, non-terminal items. Returns how
// many resolved and how many were rescheduled.
func (d *DLQProcessor) Process(ctx context.Context) (resolved, rescheduled int, err error) {
	now := d.now()
	var items []storage.DeadLetter
	findErr := d.db.WithContext(ctx).
		Where("resolved_at IS NULL AND attempts < ?", TerminalAttempts).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("id").Limit(100).Find(&items).Error
	if findErr != nil {
		return 0, 0, storage.MapError(findErr)
	}
	for _, item := range items {
		select {
		case <-ctx.Done():
			return resolved, rescheduled, ctx.Err()
		default:
		}
		if handleErr := d.handler(ctx, item); handleErr != nil {
			attempts := item.Attempts + 1
			next := now.Add(dlqDelay(attempts))
			updates := map[string]any{
				"attempts":        attempts,
				"last_error":      truncateError(handleErr),
				"next_attempt_at": next,
			}
			if updateErr := d.db.Model(&storage.DeadLetter{}).Where("id = ?", item.ID).Updates(updates).Error; updateErr != nil {
				d.log.Error("dlq reschedule failed", "id", item.ID, "error", updateErr)
			}
			rescheduled++
			continue
		}
		if updateErr := d.db.Model(&storage.DeadLetter{}).Where("id = ?", item.ID).
			Updates(map[string]any{"resolved_at": now, "resolved_by": "dlq-processor"}).Error; updateErr != nil {
			d.log.Error("dlq resolve failed", "id", item.ID, "error", updateErr)
			continue
		}
		resolved++
	}
	return resolved, rescheduled, nil
}

// Resolve closes a dead letter by hand, recording who did it.
func Resolve(db *gorm.DB, id uint64, adminID string, now time.Time) error {
	res := db.Model(&storage.DeadLetter{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{"resolved_at": now, "resolved_by": adminID})
	if res.Error != nil {
		return storage.MapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.NotFound("dead_letter", strconv.FormatUint(id, 10))
	}
	return nil
}

// DLQDepth counts unresolved items, for gauges and the detailed health view.
func DLQDepth(db *gorm.DB) (int64, error) {
	var count int64
	err := db.Model(&storage.DeadLetter{}).Where("resolved_at IS NULL").Count(&count).Error
	return count, storage.MapError(err)
}

// TerminalDepth counts items past the retry budget awaiting an operator.
func TerminalDepth(db *gorm.DB) (int64, error) {
	var count int64
	err := db.Model(&storage.DeadLetter{}).
		Where("resolved_at IS NULL AND attempts >= ?", TerminalAttempts).Count(&count).Error
	return count, storage.MapError(err)
}

func dlqDelay(attempt int) time.Duration {
	delay := 30 * time.Second << uint(attempt/2)
	if delay > 30*time.Minute {
		delay = 30 * time.Minute
	}
	return delay
}
