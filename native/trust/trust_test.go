package trust

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := storage.ApplyConstitution(db); err != nil {
		t.Fatalf("constitution: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, tier int) string {
	t.Helper()
	user := storage.User{ID: "u-" + t.Name(), Email: t.Name() + "@example.com", Role: "hustler", TrustTier: tier}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func TestEvaluateUpgradeOneTierPerPass(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, TierVerified)
	engine := NewEngine(DefaultPolicy(), nil)

	// Stats good enough for Proven, but one evaluation moves one tier.
	stats := Stats{CompletedTasks: 40, DisputeRate: 0.01, Rating: 4.8}
	change, err := engine.EvaluateUpgrade(db, userID, "task-1", stats)
	require.NoError(t, err)
	require.Equal(t, TierVerified, change.OldTier)
	require.Equal(t, TierTrusted, change.NewTier)

	var user storage.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	require.Equal(t, TierTrusted, user.TrustTier)

	var rows []storage.TrustChange
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "tier_threshold_met", rows[0].Reason)
}

func TestEvaluateUpgradeBlockedBySLABreach(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, TierTrusted)
	engine := NewEngine(DefaultPolicy(), nil)

	stats := Stats{CompletedTasks: 40, DisputeRate: 0.01, Rating: 4.8, OpenSLABreach: true}
	change, err := engine.EvaluateUpgrade(db, userID, "task-1", stats)
	require.NoError(t, err)
	require.Equal(t, change.OldTier, change.NewTier)
}

func TestEvaluateUpgradeReplaySameTask(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, TierVerified)
	engine := NewEngine(DefaultPolicy(), nil)
	stats := Stats{CompletedTasks: 10, DisputeRate: 0, Rating: 4.5}

	_, err := engine.EvaluateUpgrade(db, userID, "task-1", stats)
	require.NoError(t, err)

	// Roll the tier back to fabricate a replay of the same completion event.
	require.NoError(t, db.Model(&storage.User{}).Where("id = ?", userID).Update("trust_tier", TierVerified).Error)
	change, err := engine.EvaluateUpgrade(db, userID, "task-1", stats)
	require.NoError(t, err)
	require.Equal(t, change.OldTier, change.NewTier, "replayed cause must not move the tier again")

	var rows []storage.TrustChange
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
}

func TestDowngradeCooldown(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, TierProven)
	engine := NewEngine(DefaultPolicy(), nil)

	day0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.SetNowFunc(func() time.Time { return day0 })

	taskA := "task-a"
	change, err := engine.Downgrade(db, userID, "dispute_lost", "saga", &taskA, SeverityMinor)
	require.NoError(t, err)
	require.Equal(t, TierProven, change.OldTier)
	require.Equal(t, TierTrusted, change.NewTier)

	// Day 15: suppressed, no row, tier untouched.
	engine.SetNowFunc(func() time.Time { return day0.Add(15 * 24 * time.Hour) })
	taskB := "task-b"
	change, err = engine.Downgrade(db, userID, "dispute_lost", "saga", &taskB, SeverityMinor)
	require.NoError(t, err)
	require.True(t, change.Suppressed)
	require.Equal(t, TierTrusted, change.NewTier)

	var count int64
	require.NoError(t, db.Model(&storage.TrustChange{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	// Day 31: cooldown elapsed, downgrade applies.
	engine.SetNowFunc(func() time.Time { return day0.Add(31 * 24 * time.Hour) })
	taskC := "task-c"
	change, err = engine.Downgrade(db, userID, "dispute_lost", "saga", &taskC, SeverityMinor)
	require.NoError(t, err)
	require.False(t, change.Suppressed)
	require.Equal(t, TierVerified, change.NewTier)
}

func TestDowngradeFloorsAtTierOne(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, TierTrusted)
	engine := NewEngine(DefaultPolicy(), nil)

	change, err := engine.Downgrade(db, userID, "fraud_confirmed", "admin-1", nil, SeveritySevere)
	require.NoError(t, err)
	require.Equal(t, TierVerified, change.NewTier)

	// Already at the floor: nothing to record.
	change, err = engine.Downgrade(db, userID, "fraud_confirmed", "admin-1", nil, SeveritySevere)
	require.NoError(t, err)
	require.Equal(t, TierVerified, change.OldTier)
	require.Equal(t, TierVerified, change.NewTier)
}

func TestTrustLedgerAppendOnly(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, TierProven)
	engine := NewEngine(DefaultPolicy(), nil)

	task := "task-a"
	_, err := engine.Downgrade(db, userID, "dispute_lost", "saga", &task, SeverityMinor)
	require.NoError(t, err)

	var row storage.TrustChange
	require.NoError(t, db.First(&row).Error)
	require.Error(t, db.Delete(&row).Error, "trust_ledger rows are append-only")
}

func TestPolicyValidate(t *testing.T) {
	bad := Policy{Tiers: []TierPolicy{{Tier: 2}, {Tier: 1}}}
	require.Error(t, bad.Validate())
	require.Error(t, Policy{Tiers: []TierPolicy{{Tier: 9}}}.Validate())
	require.NoError(t, DefaultPolicy().Validate())
}
