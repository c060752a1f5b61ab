package exports

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"hustlexp/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "exports.db"))
	require.NoError(t, err)
	require.NoError(t, storage.ApplyConstitution(db))
	return db
}

func seedCommittedTx(t *testing.T, db *gorm.DB, committedAt time.Time, amount int64) string {
	t.Helper()
	id := ulid.MustNew(ulid.Timestamp(committedAt), ulid.DefaultEntropy()).String()
	require.NoError(t, db.Create(&storage.LedgerAccount{
		ID: "acct_a_" + id, OwnerType: "platform", Type: "cash",
	}).Error)
	require.NoError(t, db.Create(&storage.LedgerAccount{
		ID: "acct_b_" + id, OwnerType: "platform", Type: "liability",
	}).Error)
	require.NoError(t, db.Create(&storage.LedgerTransaction{
		ID: id, Type: "CAPTURE", Status: storage.TxCommitted,
		IdempotencyKey: "key-" + id, Metadata: `{"task_id":"task-1"}`,
		CreatedAt: committedAt, CommittedAt: &committedAt,
	}).Error)
	require.NoError(t, db.Create(&storage.LedgerEntry{
		TxID: id, AccountID: "acct_a_" + id, Direction: "debit", AmountCents: amount,
	}).Error)
	require.NoError(t, db.Create(&storage.LedgerEntry{
		TxID: id, AccountID: "acct_b_" + id, Direction: "credit", AmountCents: amount,
	}).Error)
	return id
}

func TestDailyExportWritesEntryRows(t *testing.T) {
	db := testDB(t)
	day := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	txID := seedCommittedTx(t, db, day, 2500)
	// A transaction from the next day stays out of the report.
	seedCommittedTx(t, db, day.Add(26*time.Hour), 900)

	outDir := t.TempDir()
	exporter := New(Config{DB: db, OutputDir: outDir, Now: func() time.Time { return day }})
	result, err := exporter.Run(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, "2026-03-14", result.Day)
	require.Equal(t, 2, result.Rows)

	file, err := os.Open(result.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + two entry legs
	require.Equal(t, txID, records[1][0])
	require.Equal(t, "debit", records[1][8])
	require.Equal(t, "credit", records[2][8])
	require.Equal(t, "0", records[1][10])

	info, err := os.Stat(result.ParquetPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestExportEmptyDay(t *testing.T) {
	db := testDB(t)
	outDir := t.TempDir()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exporter := New(Config{DB: db, OutputDir: outDir, Now: func() time.Time { return day }})
	result, err := exporter.Run(context.Background(), day)
	require.NoError(t, err)
	require.Zero(t, result.Rows)
	_, err = os.Stat(result.ParquetPath)
	require.NoError(t, err)
}

func TestRetentionCleanup(t *testing.T) {
	db := testDB(t)
	outDir := t.TempDir()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	old := filepath.Join(outDir, "ledger_2026-06-01.parquet")
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0o644))
	oldCSV := filepath.Join(outDir, "ledger_2026-06-01.csv")
	require.NoError(t, os.WriteFile(oldCSV, []byte("stale"), 0o644))
	fresh := filepath.Join(outDir, "ledger_2026-08-20.parquet")
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
	unrelated := filepath.Join(outDir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o644))

	exporter := New(Config{DB: db, OutputDir: outDir, Now: func() time.Time { return now }})
	removed, err := exporter.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(unrelated)
	require.NoError(t, err)
}
