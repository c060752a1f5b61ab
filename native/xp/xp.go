// Package xp computes and persists the per-escrow XP award. The unique index
// on xp_ledger.escrow_id is the idempotency primitive: an escrow grants XP at
// most once, inside the same database transaction that releases it.
package xp

import (
	"math"
	"math/big"
	"time"

	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// Scale is the fixed-point scale for decay and streak factors (4 decimals).
const Scale = 10_000

// LevelThresholds is the cumulative XP needed for each level, level 1 first.
var LevelThresholds = []int64{0, 100, 300, 700, 1500, 2700, 4500, 7000, 10500, 18500}

// Award is a computed XP grant before persistence. DecayFactor and StreakMult
// are fixed-point, scaled by Scale.
type Award struct {
	BaseXP      int64
	DecayFactor int64
	StreakMult  int64
	FinalXP     int64
}

// Compute derives the award for a released escrow.
//
//	base_xp    = max(10, floor(price_dollars))
//	decay      = 1 / (1 + log10(1 + total_xp_before/1000)), stored to 4 decimals
//	streak     = 1.0 / 1.1 / 1.2 / 1.3 / 1.5 by streak-day tier
//	final_xp   = floor(base * decay * streak)
//
// The multiplication runs in integer fixed point so the floor is exact.
func Compute(priceCents, totalXPBefore int64, streakDays int) Award {
	base := priceCents / 100
	if base < 10 {
		base = 10
	}
	decay := decayFactor(totalXPBefore)
	streak := streakMult(streakDays)

	// base * decay * streak with both factors scaled by 1e4; divide once,
	// truncating toward zero. Values stay far inside big.Int range.
	product := new(big.Int).SetInt64(base)
	product.Mul(product, big.NewInt(decay))
	product.Mul(product, big.NewInt(streak))
	product.Quo(product, big.NewInt(Scale*Scale))

	return Award{
		BaseXP:      base,
		DecayFactor: decay,
		StreakMult:  streak,
		FinalXP:     product.Int64(),
	}
}

func decayFactor(totalXPBefore int64) int64 {
	if totalXPBefore <= 0 {
		return Scale
	}
	decay := 1.0 / (1.0 + math.Log10(1.0+float64(totalXPBefore)/1000.0))
	scaled := int64(math.Floor(decay * Scale))
	if scaled > Scale {
		scaled = Scale
	}
	if scaled < 0 {
		scaled = 0
	}
	return scaled
}

func streakMult(streakDays int) int64 {
	switch {
	case streakDays >= 30:
		return 15_000
	case streakDays >= 14:
		return 13_000
	case streakDays >= 7:
		return 12_000
	case streakDays >= 3:
		return 11_000
	default:
		return 10_000
	}
}

// LevelForXP returns the 1-based level for a cumulative XP total.
func LevelForXP(totalXP int64) int {
	level := 1
	for i, threshold := range LevelThresholds {
		if totalXP >= threshold {
			level = i + 1
		}
	}
	return level
}

// AwardForEscrow computes and persists the XP row for a released escrow and
// rolls the final XP into the user's running total. A second call for the same
// escrow fails with INV-5.
func AwardForEscrow(tx *gorm.DB, userID, escrowID string, priceCents, totalXPBefore int64, streakDays int) (*storage.XPAward, error) {
	award := Compute(priceCents, totalXPBefore, streakDays)
	row := storage.XPAward{
		UserID:      userID,
		EscrowID:    escrowID,
		BaseXP:      award.BaseXP,
		DecayFactor: award.DecayFactor,
		StreakMult:  award.StreakMult,
		FinalXP:     award.FinalXP,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		if storage.IsDuplicateKey(err) {
			return nil, coreerrors.InvariantViolation("INV-5",
				"INV-5: escrow "+escrowID+" already granted XP").With("escrow_id", escrowID)
		}
		return nil, storage.MapError(err)
	}
	if err := tx.Model(&storage.User{}).Where("id = ?", userID).
		Update("total_xp", gorm.Expr("total_xp + ?", award.FinalXP)).Error; err != nil {
		return nil, storage.MapError(err)
	}
	return &row, nil
}
