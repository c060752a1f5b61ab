// Package trust moves users between reliability tiers. Every tier change is
// one append-only trust_ledger row with a deterministic idempotency key, so a
// replayed completion or dispute event settles on the same row instead of
// moving the tier twice.
package trust

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// Tier bounds and names. Tiers gate take-rate and task eligibility elsewhere.
const (
	TierVerified = 1
	TierTrusted  = 2
	TierProven   = 3
	TierElite    = 4
)

// DowngradeCooldown is the floor between two downgrades for one user.
const DowngradeCooldown = 30 * 24 * time.Hour

// Severity controls how many tiers a downgrade removes.
type Severity int

const (
	SeverityMinor  Severity = 1
	SeveritySevere Severity = 2
)

// TierPolicy is the entry bar for one tier.
type TierPolicy struct {
	Tier           int     `yaml:"tier"`
	MinCompleted   int     `yaml:"min_completed"`
	MaxDisputeRate float64 `yaml:"max_dispute_rate"`
	MinRating      float64 `yaml:"min_rating"`
}

// Policy is the full upgrade ladder, ordered by tier.
type Policy struct {
	Tiers []TierPolicy `yaml:"tiers"`
}

// DefaultPolicy mirrors the launch ladder; a YAML policy file overrides it.
func DefaultPolicy() Policy {
	return Policy{Tiers: []TierPolicy{
		{Tier: TierVerified, MinCompleted: 0, MaxDisputeRate: 1.00, MinRating: 0},
		{Tier: TierTrusted, MinCompleted: 5, MaxDisputeRate: 0.10, MinRating: 4.0},
		{Tier: TierProven, MinCompleted: 25, MaxDisputeRate: 0.05, MinRating: 4.3},
		{Tier: TierElite, MinCompleted: 100, MaxDisputeRate: 0.02, MinRating: 4.6},
	}}
}

// LoadPolicy reads a YAML ladder from disk.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("trust: read policy %s: %w", path, err)
	}
	var policy Policy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("trust: parse policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate rejects ladders with out-of-range or unordered tiers.
func (p Policy) Validate() error {
	last := 0
	for _, tier := range p.Tiers {
		if tier.Tier < TierVerified || tier.Tier > TierElite {
			return fmt.Errorf("trust: policy tier %d out of range", tier.Tier)
		}
		if tier.Tier <= last {
			return fmt.Errorf("trust: policy tiers must be strictly ascending")
		}
		last = tier.Tier
	}
	return nil
}

func (p Policy) forTier(tier int) (TierPolicy, bool) {
	for _, candidate := range p.Tiers {
		if candidate.Tier == tier {
			return candidate, true
		}
	}
	return TierPolicy{}, false
}

// Stats is the user performance snapshot the ladder is evaluated against.
type Stats struct {
	CompletedTasks int
	DisputeRate    float64
	Rating         float64
	OpenSLABreach  bool
}

// Engine applies the ladder. All writes run inside the caller's transaction.
type Engine struct {
	policy Policy
	log    *slog.Logger
	now    func() time.Time
}

func NewEngine(policy Policy, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{policy: policy, log: log, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.now = fn }

// Change is the applied (or suppressed) tier movement.
type Change struct {
	OldTier    int
	NewTier    int
	Suppressed bool
}

// EvaluateUpgrade is called after every completion. It moves the user up at
// most one tier per evaluation when the next tier's bar is met and no SLA
// breach is open.
func (e *Engine) EvaluateUpgrade(tx *gorm.DB, userID, taskID string, stats Stats) (*Change, error) {
	user, err := loadUser(tx, userID)
	if err != nil {
		return nil, err
	}
	if user.TrustTier >= TierElite {
		return &Change{OldTier: user.TrustTier, NewTier: user.TrustTier}, nil
	}
	if stats.OpenSLABreach {
		return &Change{OldTier: user.TrustTier, NewTier: user.TrustTier}, nil
	}
	next, ok := e.policy.forTier(user.TrustTier + 1)
	if !ok || !meets(stats, next) {
		return &Change{OldTier: user.TrustTier, NewTier: user.TrustTier}, nil
	}
	key := fmt.Sprintf("trust:%s:upgrade:%d:%d:%s", userID, user.TrustTier, next.Tier, taskID)
	return e.apply(tx, user, next.Tier, "tier_threshold_met", "system", &taskID, key)
}

// Downgrade records a reliability failure. Within the cooldown window the
// movement is suppressed and only logged; the tier never drops below 1.
func (e *Engine) Downgrade(tx *gorm.DB, userID, reason, triggeredBy string, taskID *string, severity Severity) (*Change, error) {
	if reason == "" {
		return nil, coreerrors.Validation("MISSING_REASON", "trust: downgrade requires a reason")
	}
	user, err := loadUser(tx, userID)
	if err != nil {
		return nil, err
	}
	if user.TrustTier <= TierVerified {
		return &Change{OldTier: user.TrustTier, NewTier: user.TrustTier}, nil
	}

	last, err := lastDowngradeAt(tx, userID)
	if err != nil {
		return nil, err
	}
	if last != nil && e.now().Sub(*last) < DowngradeCooldown {
		e.log.Warn("trust downgrade suppressed by cooldown",
			"user_id", userID,
			"reason", reason,
			"current_tier", user.TrustTier,
			"last_downgrade_at", last.Format(time.RFC3339))
		return &Change{OldTier: user.TrustTier, NewTier: user.TrustTier, Suppressed: true}, nil
	}

	target := user.TrustTier - int(severity)
	if target < TierVerified {
		target = TierVerified
	}
	ref := triggeredBy
	if taskID != nil {
		ref = *taskID
	}
	key := fmt.Sprintf("trust:%s:%s:%d:%d:%s", userID, reason, user.TrustTier, target, ref)
	return e.apply(tx, user, target, reason, triggeredBy, taskID, key)
}

func (e *Engine) apply(tx *gorm.DB, user *storage.User, newTier int, reason, triggeredBy string, taskID *string, key string) (*Change, error) {
	row := storage.TrustChange{
		UserID:         user.ID,
		OldTier:        user.TrustTier,
		NewTier:        newTier,
		Reason:         reason,
		TriggeredBy:    triggeredBy,
		TaskID:         taskID,
		IdempotencyKey: key,
		CreatedAt:      e.now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		if storage.IsDuplicateKey(err) {
			// Replay of the same cause: the tier already moved.
			return &Change{OldTier: user.TrustTier, NewTier: user.TrustTier}, nil
		}
		return nil, storage.MapError(err)
	}
	if err := tx.Model(&storage.User{}).Where("id = ?", user.ID).
		Update("trust_tier", newTier).Error; err != nil {
		return nil, storage.MapError(err)
	}
	change := &Change{OldTier: user.TrustTier, NewTier: newTier}
	user.TrustTier = newTier
	return change, nil
}

func meets(stats Stats, bar TierPolicy) bool {
	return stats.CompletedTasks >= bar.MinCompleted &&
		stats.DisputeRate <= bar.MaxDisputeRate &&
		stats.Rating >= bar.MinRating
}

func loadUser(tx *gorm.DB, userID string) (*storage.User, error) {
	var user storage.User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		return nil, storage.MapError(err)
	}
	return &user, nil
}

func lastDowngradeAt(tx *gorm.DB, userID string) (*time.Time, error) {
	var row storage.TrustChange
	err := tx.Where("user_id = ? AND new_tier < old_tier", userID).
		Order("created_at DESC").First(&row).Error
	if err != nil {
		if coreerrors.KindOf(storage.MapError(err)) == coreerrors.KindNotFound {
			return nil, nil
		}
		return nil, storage.MapError(err)
	}
	return &row.CreatedAt, nil
}
