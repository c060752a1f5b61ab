package xp

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "xp.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := storage.ApplyConstitution(db); err != nil {
		t.Fatalf("constitution: %v", err)
	}
	return db
}

func TestComputeFreshUser(t *testing.T) {
	award := Compute(2500, 0, 0)
	require.Equal(t, int64(25), award.BaseXP)
	require.Equal(t, int64(Scale), award.DecayFactor)
	require.Equal(t, int64(Scale), award.StreakMult)
	require.Equal(t, int64(25), award.FinalXP)
}

func TestComputeBaseFloor(t *testing.T) {
	award := Compute(350, 0, 0)
	require.Equal(t, int64(10), award.BaseXP, "cheap tasks still grant the base minimum")
	require.Equal(t, int64(10), award.FinalXP)
}

func TestComputeDecayTruncates(t *testing.T) {
	// 1000 XP on the book: decay = 1/(1+log10(2)) = 0.76862..., kept to 4dp.
	award := Compute(2500, 1000, 0)
	require.Equal(t, int64(7686), award.DecayFactor)
	// floor(25 * 0.7686) = 19
	require.Equal(t, int64(19), award.FinalXP)
}

func TestComputeStreakTiers(t *testing.T) {
	cases := []struct {
		days int
		mult int64
	}{
		{0, 10_000},
		{2, 10_000},
		{3, 11_000},
		{6, 11_000},
		{7, 12_000},
		{13, 12_000},
		{14, 13_000},
		{29, 13_000},
		{30, 15_000},
		{90, 15_000},
	}
	for _, tc := range cases {
		require.Equal(t, tc.mult, Compute(2500, 0, tc.days).StreakMult, "days=%d", tc.days)
	}
}

func TestLevelForXP(t *testing.T) {
	require.Equal(t, 1, LevelForXP(0))
	require.Equal(t, 1, LevelForXP(99))
	require.Equal(t, 2, LevelForXP(100))
	require.Equal(t, 4, LevelForXP(700))
	require.Equal(t, 10, LevelForXP(18500))
	require.Equal(t, 10, LevelForXP(1_000_000))
}

func TestAwardForEscrowOncePerEscrow(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Create(&storage.User{ID: "hustler-1", Email: "h1@example.com", Role: "hustler", TrustTier: 1}).Error)

	row, err := AwardForEscrow(db, "hustler-1", "task-1", 2500, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(25), row.FinalXP)

	var user storage.User
	require.NoError(t, db.First(&user, "id = ?", "hustler-1").Error)
	require.Equal(t, int64(25), user.TotalXP)

	_, err = AwardForEscrow(db, "hustler-1", "task-1", 2500, 25, 1)
	require.Error(t, err)
	require.Equal(t, coreerrors.KindInvariantViolation, coreerrors.KindOf(err))
	require.Equal(t, "INV-5", coreerrors.CodeOf(err))

	require.NoError(t, db.First(&user, "id = ?", "hustler-1").Error)
	require.Equal(t, int64(25), user.TotalXP, "rejected award must not touch the running total")
}
