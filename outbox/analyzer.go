package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"hustlexp/storage"
)

// SafeModeFlag is the control flag the analyzer raises. The saga's controls
// gate consults it alongside the killswitch.
const SafeModeFlag = "safemode"

// Analyzer thresholds. The rate only counts once enough samples exist to mean
// something.
const (
	analyzerWindow     = 24 * time.Hour
	analyzerMinSamples = 5
)

// OutcomeAnalyzer watches processed webhook outcomes and trips SafeMode when
// the failure rate over the window crosses the threshold.
type OutcomeAnalyzer struct {
	db        *gorm.DB
	log       *slog.Logger
	threshold float64
	now       func() time.Time
}

func NewOutcomeAnalyzer(db *gorm.DB, log *slog.Logger, threshold float64) *OutcomeAnalyzer {
	if log == nil {
		log = slog.Default()
	}
	if threshold <= 0 {
		threshold = 0.25
	}
	return &OutcomeAnalyzer{db: db, log: log, threshold: threshold, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (a *OutcomeAnalyzer) SetNowFunc(fn func() time.Time) { a.now = fn }

// Analyze runs one pass. It activates SafeMode when the negative rate crosses
// the threshold and stands it down once the rate recovers.
func (a *OutcomeAnalyzer) Analyze(ctx context.Context) error {
	now := a.now()
	since := now.Add(-analyzerWindow)

	var total, failed int64
	db := a.db.WithContext(ctx)
	if err := db.Model(&storage.ProcessedWebhook{}).
		Where("processed_at IS NOT NULL AND processed_at > ?", since).
		Count(&total).Error; err != nil {
		return storage.MapError(err)
	}
	if err := db.Model(&storage.ProcessedWebhook{}).
		Where("processed_at IS NOT NULL AND processed_at > ? AND result = ?", since, "failed").
		Count(&failed).Error; err != nil {
		return storage.MapError(err)
	}

	if total < analyzerMinSamples {
		return nil
	}
	rate := float64(failed) / float64(total)
	if rate > a.threshold {
		return a.setSafeMode(ctx, true, rate, now)
	}
	return a.setSafeMode(ctx, false, rate, now)
}

func (a *OutcomeAnalyzer) setSafeMode(ctx context.Context, active bool, rate float64, now time.Time) error {
	var flag storage.ControlFlag
	err := a.db.WithContext(ctx).First(&flag, "name = ?", SafeModeFlag).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		flag = storage.ControlFlag{Name: SafeModeFlag}
	case err != nil:
		return storage.MapError(err)
	}
	if flag.Active == active {
		return nil
	}
	flag.Active = active
	flag.UpdatedAt = now
	if active {
		flag.Reason = "outcome analyzer: negative rate above threshold"
		flag.ActivatedAt = &now
		a.log.Error("safemode activated", "rate", rate, "threshold", a.threshold)
	} else {
		flag.Reason = "outcome analyzer: rate recovered"
		a.log.Info("safemode cleared", "rate", rate, "threshold", a.threshold)
	}
	return storage.MapError(a.db.WithContext(ctx).Save(&flag).Error)
}
