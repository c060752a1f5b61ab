// Package exports materialises the daily ledger report files auditors and
// finance pull. Each run writes one CSV and one parquet file for a single
// UTC day of committed transactions, then prunes reports past retention.
package exports

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"hustlexp/ledger"
	"hustlexp/storage"
)

// ReportRetentionDays specifies how long generated ledger reports remain on
// disk before the cleanup sweep deletes them.
const ReportRetentionDays = 30

const fileTimeLayout = "2006-01-02"

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	Now       func() time.Time
	Log       *slog.Logger
}

// Exporter writes the per-day ledger report files.
type Exporter struct {
	db        *gorm.DB
	outputDir string
	now       func() time.Time
	log       *slog.Logger
}

// New constructs an Exporter from cfg, defaulting the clock and logger.
func New(cfg Config) *Exporter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{db: cfg.DB, outputDir: cfg.OutputDir, now: now, log: log}
}

// Result summarises one export run.
type Result struct {
	Day         string
	CSVPath     string
	ParquetPath string
	Rows        int
	Removed     int
}

// ReportRow is one ledger entry joined with its transaction envelope. Rows
// are entry-grained so the report sums to zero per transaction.
type ReportRow struct {
	TxID           string
	TxType         string
	Status         string
	IdempotencyKey string
	Metadata       string
	CommittedAt    time.Time
	EntryID        uint64
	AccountID      string
	Direction      string
	AmountCents    int64
}

// Run exports the UTC day containing day, then prunes expired reports. The
// drift gauge is computed over the full ledger so a broken day surfaces in
// the report even when its own rows balance.
func (e *Exporter) Run(ctx context.Context, day time.Time) (*Result, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	var txs []storage.LedgerTransaction
	err := e.db.WithContext(ctx).
		Where("status IN ? AND committed_at >= ? AND committed_at < ?",
			[]string{storage.TxCommitted, storage.TxConfirmed}, start, end).
		Order("id").Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("exports: load transactions: %w", err)
	}

	rows := make([]*ReportRow, 0, len(txs)*2)
	for _, tx := range txs {
		var entries []storage.LedgerEntry
		if err := e.db.WithContext(ctx).Where("tx_id = ?", tx.ID).Order("id").Find(&entries).Error; err != nil {
			return nil, fmt.Errorf("exports: load entries for %s: %w", tx.ID, err)
		}
		committedAt := start
		if tx.CommittedAt != nil {
			committedAt = tx.CommittedAt.UTC()
		}
		for _, entry := range entries {
			rows = append(rows, &ReportRow{
				TxID:           tx.ID,
				TxType:         tx.Type,
				Status:         tx.Status,
				IdempotencyKey: tx.IdempotencyKey,
				Metadata:       tx.Metadata,
				CommittedAt:    committedAt,
				EntryID:        entry.ID,
				AccountID:      entry.AccountID,
				Direction:      entry.Direction,
				AmountCents:    entry.AmountCents,
			})
		}
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("exports: create output dir: %w", err)
	}
	drift, err := ledger.GhostMoneyCheck(e.db)
	if err != nil {
		return nil, fmt.Errorf("exports: ghost money check: %w", err)
	}
	if drift != 0 {
		e.log.Error("exports: ledger drift detected", "drift_cents", drift, "day", start.Format(fileTimeLayout))
	}

	filename := "ledger_" + start.Format(fileTimeLayout)
	csvPath := filepath.Join(e.outputDir, filename+".csv")
	if err := writeCSV(csvPath, rows, drift); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(e.outputDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows, drift); err != nil {
		return nil, err
	}
	e.log.Info("exports: wrote daily ledger report",
		"day", start.Format(fileTimeLayout), "rows", len(rows), "path", parquetPath)

	removed, err := e.Cleanup()
	if err != nil {
		return nil, err
	}
	return &Result{
		Day:         start.Format(fileTimeLayout),
		CSVPath:     csvPath,
		ParquetPath: parquetPath,
		Rows:        len(rows),
		Removed:     removed,
	}, nil
}

// Cleanup deletes report files older than the retention window. Files whose
// names do not carry a report date are left alone.
func (e *Exporter) Cleanup() (int, error) {
	entries, err := os.ReadDir(e.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("exports: read output dir: %w", err)
	}
	cutoff := e.now().UTC().AddDate(0, 0, -ReportRetentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := reportDay(entry.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(e.outputDir, entry.Name())); err != nil {
			e.log.Warn("exports: retention delete failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.log.Info("exports: retention cleanup", "removed", removed)
	}
	return removed, nil
}

func reportDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, "ledger_") {
		return time.Time{}, false
	}
	ext := filepath.Ext(name)
	if ext != ".csv" && ext != ".parquet" {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "ledger_"), ext)
	day, err := time.Parse(fileTimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func writeCSV(path string, rows []*ReportRow, drift int64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"tx_id", "tx_type", "status", "idempotency_key", "metadata",
		"committed_at", "entry_id", "account_id", "direction", "amount_cents", "ledger_drift_cents",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TxID,
			row.TxType,
			row.Status,
			row.IdempotencyKey,
			row.Metadata,
			row.CommittedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", row.EntryID),
			row.AccountID,
			row.Direction,
			fmt.Sprintf("%d", row.AmountCents),
			fmt.Sprintf("%d", drift),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TxID             string `parquet:"name=tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxType           string `parquet:"name=tx_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	IdempotencyKey   string `parquet:"name=idempotency_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Metadata         string `parquet:"name=metadata, type=BYTE_ARRAY, convertedtype=UTF8"`
	CommittedAt      string `parquet:"name=committed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntryID          int64  `parquet:"name=entry_id, type=INT64"`
	AccountID        string `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction        string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountCents      int64  `parquet:"name=amount_cents, type=INT64"`
	LedgerDriftCents int64  `parquet:"name=ledger_drift_cents, type=INT64"`
}

func writeParquet(path string, rows []*ReportRow, drift int64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			TxID:             row.TxID,
			TxType:           row.TxType,
			Status:           row.Status,
			IdempotencyKey:   row.IdempotencyKey,
			Metadata:         row.Metadata,
			CommittedAt:      row.CommittedAt.Format(time.RFC3339),
			EntryID:          int64(row.EntryID),
			AccountID:        row.AccountID,
			Direction:        row.Direction,
			AmountCents:      row.AmountCents,
			LedgerDriftCents: drift,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
