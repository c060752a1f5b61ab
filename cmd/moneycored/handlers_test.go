package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"hustlexp/native/trust"
	"hustlexp/storage"
)

func handlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	require.NoError(t, storage.ApplyConstitution(db))
	return db
}

func seedWorker(t *testing.T, db *gorm.DB, id string, tier int, completed int) {
	t.Helper()
	require.NoError(t, db.Create(&storage.User{
		ID: id, Email: id + "@x.test", Role: "hustler", TrustTier: tier,
	}).Error)
	poster := storage.User{ID: id + "-poster", Email: id + "-poster@x.test", Role: "poster"}
	require.NoError(t, db.Create(&poster).Error)
	for i := 0; i < completed; i++ {
		worker := id
		require.NoError(t, db.Create(&storage.Task{
			ID:         fmt.Sprintf("%s-done-%d", id, i),
			PosterID:   poster.ID,
			WorkerID:   &worker,
			PriceCents: 1000,
			State:      storage.TaskCompleted,
		}).Error)
	}
}

func TestNotificationHandlerUpgradesAndNotifies(t *testing.T) {
	db := handlerDB(t)
	seedWorker(t, db, "worker-1", trust.TierVerified, 6)
	engine := trust.NewEngine(trust.DefaultPolicy(), nil)

	payload, _ := json.Marshal(map[string]any{
		"task_id": "worker-1-done-0", "worker_id": "worker-1", "final_xp": 120,
	})
	handle := notificationHandler(db, engine, slog.Default())
	err := handle(context.Background(), storage.OutboxEvent{
		EventType: "task.completed",
		Payload:   string(payload),
	})
	require.NoError(t, err)

	var user storage.User
	require.NoError(t, db.First(&user, "id = ?", "worker-1").Error)
	require.Equal(t, trust.TierTrusted, user.TrustTier)

	var kinds []string
	require.NoError(t, db.Model(&storage.Notification{}).
		Where("user_id = ?", "worker-1").Order("id").Pluck("kind", &kinds).Error)
	require.Equal(t, []string{"task.completed", "trust.upgraded"}, kinds)
}

func TestNotificationHandlerIgnoresOtherEvents(t *testing.T) {
	db := handlerDB(t)
	handle := notificationHandler(db, trust.NewEngine(trust.DefaultPolicy(), nil), slog.Default())

	err := handle(context.Background(), storage.OutboxEvent{
		EventType: "escrow.funded",
		Payload:   `{"task_id":"task-1"}`,
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&storage.Notification{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestFraudHandlerDowngradesWorker(t *testing.T) {
	db := handlerDB(t)
	seedWorker(t, db, "worker-1", trust.TierTrusted, 1)
	engine := trust.NewEngine(trust.DefaultPolicy(), nil)

	payload, _ := json.Marshal(map[string]any{
		"proof_id": "proof-1", "task_id": "worker-1-done-0",
		"worker_id": "worker-1", "reason": "forensics payload reused across tasks",
	})
	handle := fraudHandler(db, engine, slog.Default())
	err := handle(context.Background(), storage.OutboxEvent{
		EventType: "proof.fraud_flagged",
		Payload:   string(payload),
	})
	require.NoError(t, err)

	var user storage.User
	require.NoError(t, db.First(&user, "id = ?", "worker-1").Error)
	require.Equal(t, trust.TierVerified, user.TrustTier)

	var note storage.Notification
	require.NoError(t, db.First(&note, "user_id = ? AND kind = ?", "worker-1", "trust.downgraded").Error)
	require.Contains(t, note.Payload, "proof-1")
}

func TestWorkerStatsDisputeRate(t *testing.T) {
	db := handlerDB(t)
	seedWorker(t, db, "worker-1", trust.TierVerified, 3)
	worker := "worker-1"
	require.NoError(t, db.Create(&storage.Task{
		ID: "disputed-1", PosterID: "worker-1-poster", WorkerID: &worker,
		PriceCents: 1000, State: storage.TaskDisputed,
	}).Error)

	stats, err := workerStats(db, "worker-1")
	require.NoError(t, err)
	require.Equal(t, 3, stats.CompletedTasks)
	require.InDelta(t, 0.25, stats.DisputeRate, 1e-9)
}

func TestDLQHandlerRejectsOperatorOnlyLetters(t *testing.T) {
	handle := dlqRetryHandler(nil)
	err := handle(context.Background(), storage.DeadLetter{
		ID:      7,
		Payload: `{"event_id":"evt_1","type":"payout.failed","payout":"po_1"}`,
	})
	require.ErrorContains(t, err, "operator resolution")
}
