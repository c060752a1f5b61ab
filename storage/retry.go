package storage

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	coreerrors "hustlexp/core/errors"
)

const (
	retryAttempts = 5
	retryBase     = 50 * time.Millisecond
	retryMax      = 2000 * time.Millisecond
)

// RunSerializable executes fn inside a SERIALIZABLE transaction and retries on
// serialization failures (SQLSTATE 40001) and deadlocks (40P01) with jittered
// exponential backoff. Exhausted retries surface as a ConcurrencyConflict.
func RunSerializable(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if IsPostgres(db) {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		err := db.WithContext(ctx).Transaction(fn, opts...)
		if err == nil {
			return nil
		}
		if !IsSerializationFailure(err) {
			return MapError(err)
		}
		lastErr = err
	}
	return coreerrors.Wrap(coreerrors.KindConcurrencyConflict, "SERIALIZATION_RETRIES_EXHAUSTED",
		"transaction could not be serialized", lastErr)
}

func backoff(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryMax {
		d = retryMax
	}
	// Full jitter keeps concurrent retriers from colliding again.
	return time.Duration(rand.Int63n(int64(d)) + int64(retryBase)/2)
}

// IsSerializationFailure reports whether err is a retriable conflict.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := errString(err)
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// MapError converts database failures into the core taxonomy. Constitution
// triggers embed their invariant code in the exception message; unique index
// violations map to a conflict so callers can resolve them as replays.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var taxonomy *coreerrors.Error
	if errors.As(err, &taxonomy) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return coreerrors.Wrap(coreerrors.KindNotFound, "NOT_FOUND", "record not found", err)
	}
	msg := errString(err)
	if code := invariantCode(msg); code != "" {
		return coreerrors.Wrap(coreerrors.KindInvariantViolation, code, msg, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return coreerrors.Wrap(coreerrors.KindConcurrencyConflict, "DUPLICATE_KEY", pgErr.Message, err).
				With("constraint", pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "23"):
			return coreerrors.Wrap(coreerrors.KindInvariantViolation, "CONSTRAINT_"+pgErr.ConstraintName, pgErr.Message, err)
		}
	}
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed") {
		if strings.Contains(msg, "UNIQUE") {
			return coreerrors.Wrap(coreerrors.KindConcurrencyConflict, "DUPLICATE_KEY", msg, err)
		}
		return coreerrors.Wrap(coreerrors.KindInvariantViolation, "CONSTRAINT", msg, err)
	}
	return err
}

// IsDuplicateKey reports whether err is a unique index violation.
func IsDuplicateKey(err error) bool {
	mapped := MapError(err)
	var taxonomy *coreerrors.Error
	if errors.As(mapped, &taxonomy) {
		return taxonomy.Code == "DUPLICATE_KEY"
	}
	return false
}

var invariantCodes = []string{
	"INV-TERMINAL", "INV-AMOUNT-IMMUTABLE", "INV-APPEND-ONLY", "INV-STATUS",
	"INV-2", "INV-3", "INV-4", "INV-5", "INV-MONOTONIC",
}

func invariantCode(msg string) string {
	for _, code := range invariantCodes {
		if strings.Contains(msg, code+":") {
			return code
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
