package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := storage.ApplyConstitution(db); err != nil {
		t.Fatalf("constitution: %v", err)
	}
	return db
}

func appendEvent(t *testing.T, db *gorm.DB, key string) {
	t.Helper()
	require.NoError(t, Append(db, Event{
		AggregateType:  "escrow",
		AggregateID:    "task-1",
		EventType:      "escrow.released",
		Payload:        map[string]string{"task_id": "task-1"},
		Queue:          QueueCriticalPayments,
		IdempotencyKey: key,
	}))
}

func TestAppendIsIdempotent(t *testing.T) {
	db := testDB(t)
	appendEvent(t, db, "k-1")
	appendEvent(t, db, "k-1")

	var count int64
	require.NoError(t, db.Model(&storage.OutboxEvent{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestClaimPublishCycle(t *testing.T) {
	db := testDB(t)
	appendEvent(t, db, "k-1")
	appendEvent(t, db, "k-2")
	now := time.Now().UTC()

	claimed, err := ClaimBatch(db, QueueCriticalPayments, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Claimed events are invisible to a second claimer.
	again, err := ClaimBatch(db, QueueCriticalPayments, 10, now)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, MarkPublished(db, claimed[0].ID, now))
	depth, err := Depth(db, QueueCriticalPayments)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestMarkFailedBacksOffThenDeadLetters(t *testing.T) {
	db := testDB(t)
	appendEvent(t, db, "k-1")
	now := time.Now().UTC()

	claimed, err := ClaimBatch(db, QueueCriticalPayments, 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	event := claimed[0]

	require.NoError(t, MarkFailed(db, &event, errors.New("downstream down"), now))
	var row storage.OutboxEvent
	require.NoError(t, db.First(&row, "id = ?", event.ID).Error)
	require.Equal(t, 1, row.Attempts)
	require.Nil(t, row.ClaimedAt)
	require.NotNil(t, row.NextAttemptAt)
	require.True(t, row.NextAttemptAt.After(now))

	// Backed-off events are not claimable before their next attempt.
	again, err := ClaimBatch(db, QueueCriticalPayments, 1, now)
	require.NoError(t, err)
	require.Empty(t, again)

	// Burn the budget: the event parks and a dead letter appears.
	row.Attempts = MaxAttempts - 1
	require.NoError(t, MarkFailed(db, &row, errors.New("still down"), now))
	var dead int64
	require.NoError(t, db.Model(&storage.DeadLetter{}).Count(&dead).Error)
	require.Equal(t, int64(1), dead)

	depth, err := Depth(db, QueueCriticalPayments)
	require.NoError(t, err)
	require.Zero(t, depth, "poisoned event no longer counts as pending")
}

func TestReclaimStuck(t *testing.T) {
	db := testDB(t)
	appendEvent(t, db, "k-1")
	now := time.Now().UTC()

	claimed, err := ClaimBatch(db, QueueCriticalPayments, 1, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := ReclaimStuck(db, 5*time.Minute, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)

	again, err := ClaimBatch(db, QueueCriticalPayments, 1, now)
	require.NoError(t, err)
	require.Len(t, again, 1)
}

func TestWorkerPoolDeliversAndDrains(t *testing.T) {
	db := testDB(t)
	appendEvent(t, db, "k-1")
	appendEvent(t, db, "k-2")

	var mu sync.Mutex
	delivered := map[string]bool{}
	pool := NewWorkerPool(db, nil, WithWorkers(2), WithPollInterval(10*time.Millisecond))
	pool.Register(QueueCriticalPayments, func(ctx context.Context, event storage.OutboxEvent) error {
		mu.Lock()
		delivered[event.IdempotencyKey] = true
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		depth, err := Depth(db, QueueCriticalPayments)
		return err == nil && depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, delivered["k-1"])
	require.True(t, delivered["k-2"])
}

func TestWorkerPoolPause(t *testing.T) {
	db := testDB(t)
	pool := NewWorkerPool(db, nil, WithPollInterval(10*time.Millisecond))
	var mu sync.Mutex
	count := 0
	pool.Register(QueueCriticalPayments, func(ctx context.Context, event storage.OutboxEvent) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	pool.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	appendEvent(t, db, "k-1")
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Zero(t, count, "paused pool must not claim")
	mu.Unlock()

	pool.Resume()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDLQProcessorResolvesAndParks(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&storage.DeadLetter{
		Queue: QueueCriticalPayments, Payload: `{"a":1}`, LastError: "x",
		Attempts: 1, FirstFailedAt: now,
	}).Error)
	require.NoError(t, db.Create(&storage.DeadLetter{
		Queue: QueueCriticalPayments, Payload: `{"b":2}`, LastError: "x",
		Attempts: TerminalAttempts, FirstFailedAt: now,
	}).Error)

	processor := NewDLQProcessor(db, nil, func(ctx context.Context, item storage.DeadLetter) error {
		return nil
	})
	resolved, rescheduled, err := processor.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resolved, "terminal items wait for an operator")
	require.Zero(t, rescheduled)

	terminal, err := TerminalDepth(db)
	require.NoError(t, err)
	require.Equal(t, int64(1), terminal)

	// Manual resolution clears the terminal item.
	var parked storage.DeadLetter
	require.NoError(t, db.First(&parked, "attempts >= ?", TerminalAttempts).Error)
	require.NoError(t, Resolve(db, parked.ID, "admin-1", now))
	depth, err := DLQDepth(db)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestDLQProcessorReschedulesFailures(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&storage.DeadLetter{
		Queue: QueueCriticalPayments, Payload: `{"a":1}`, Attempts: 1, FirstFailedAt: now,
	}).Error)

	processor := NewDLQProcessor(db, nil, func(ctx context.Context, item storage.DeadLetter) error {
		return errors.New("still broken")
	})
	resolved, rescheduled, err := processor.Process(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Equal(t, 1, rescheduled)

	var item storage.DeadLetter
	require.NoError(t, db.First(&item).Error)
	require.Equal(t, 2, item.Attempts)
	require.NotNil(t, item.NextAttemptAt)
}

func TestOutcomeAnalyzerTripsAndClearsSafeMode(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	analyzer := NewOutcomeAnalyzer(db, nil, 0.25)
	analyzer.SetNowFunc(func() time.Time { return now })

	seed := func(id, result string) {
		processed := now.Add(-time.Hour)
		require.NoError(t, db.Create(&storage.ProcessedWebhook{
			EventID: id, Source: "stripe", BodyHash: "h", Result: result,
			ProcessedAt: &processed, CreatedAt: processed,
		}).Error)
	}
	// Four samples: below the minimum, no flag.
	seed("e1", "failed")
	seed("e2", "failed")
	seed("e3", "ok")
	seed("e4", "ok")
	require.NoError(t, analyzer.Analyze(context.Background()))
	var flag storage.ControlFlag
	require.Error(t, db.First(&flag, "name = ?", SafeModeFlag).Error)

	// Fifth sample pushes the rate to 40%: SafeMode trips.
	seed("e5", "failed")
	require.NoError(t, analyzer.Analyze(context.Background()))
	require.NoError(t, db.First(&flag, "name = ?", SafeModeFlag).Error)
	require.True(t, flag.Active)
	require.NotNil(t, flag.ActivatedAt)

	// Healthy traffic dilutes the rate below threshold: SafeMode clears.
	for i := 0; i < 10; i++ {
		seed("ok-"+string(rune('a'+i)), "ok")
	}
	require.NoError(t, analyzer.Analyze(context.Background()))
	require.NoError(t, db.First(&flag, "name = ?", SafeModeFlag).Error)
	require.False(t, flag.Active)
}
