// Package gateway is the HTTP surface of the money core: task lifecycle
// endpoints, the Stripe webhook ordering gate, operator routes, and the
// idempotency layer that caches state-changing responses.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ResponseTTL bounds how long a cached idempotent response is replayed.
const ResponseTTL = 24 * time.Hour

// ErrIdempotencyMismatch is returned when a key is reused with a different request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrIdempotencyInFlight is returned when a concurrent request holds the key.
var ErrIdempotencyInFlight = errors.New("idempotency key claimed by an in-flight request")

// IdempotencyStore manages idempotency keys and the gateway audit log. It is
// a process-local sqlite database, deliberately separate from the primary
// store so response caching adds no load to the money path.
type IdempotencyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyStore opens (and migrates) the sqlite-backed store.
func NewIdempotencyStore(path string) (*IdempotencyStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	store := &IdempotencyStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *IdempotencyStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            idempotency_key TEXT PRIMARY KEY,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL DEFAULT 0,
            response_body BLOB,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            actor TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the sqlite handle.
func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock, for tests.
func (s *IdempotencyStore) SetNowFunc(fn func() time.Time) { s.now = fn }

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// Claim takes ownership of a key or resolves it against prior use. It returns
// the cached response for a completed key, ErrIdempotencyInFlight when a
// concurrent request holds the key, and ErrIdempotencyMismatch when the key is
// reused with a different body. Expired entries are pruned and reclaimed.
func (s *IdempotencyStore) Claim(ctx context.Context, key, requestHash string) (*StoredResponse, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys(idempotency_key, request_hash, created_at) VALUES (?, ?, ?)`,
		key, requestHash, now)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body, created_at FROM idempotency_keys WHERE idempotency_key = ?`,
		key)
	var (
		storedHash string
		status     int
		body       []byte
		createdAt  time.Time
	)
	if err := row.Scan(&storedHash, &status, &body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Raced with an expiry prune; try again.
			return s.Claim(ctx, key, requestHash)
		}
		return nil, err
	}
	if now.Sub(createdAt) > ResponseTTL {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE idempotency_key = ?`, key); err != nil {
			return nil, err
		}
		return s.Claim(ctx, key, requestHash)
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	if status == 0 {
		return nil, ErrIdempotencyInFlight
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// Save records the response for a claimed key.
func (s *IdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET response_status = ?, response_body = ? WHERE idempotency_key = ?`,
		status, body, key)
	return err
}

// Release abandons a claim after a handler panic or transport failure so the
// client's retry is not locked out for the TTL.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE idempotency_key = ? AND response_status = 0`, key)
	return err
}

// PruneExpired drops cached responses past the TTL. Returns rows removed.
func (s *IdempotencyStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`, s.now().UTC().Add(-ResponseTTL))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AuditEntry is one authenticated admin request.
type AuditEntry struct {
	Actor          string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	Timestamp      time.Time
}

// InsertAudit appends one audit row.
func (s *IdempotencyStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(occurred_at, actor, method, path, request_body, response_status) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Actor, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus)
	return err
}
