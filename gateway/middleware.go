package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// IdempotencyHeader is required on every state-changing endpoint.
const IdempotencyHeader = "X-Idempotency-Key"

const maxBodyBytes = 1 << 20

// requestID assigns each request a correlation id, honoring an inbound
// X-Request-ID when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseRecorder captures the response for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

// withIdempotency enforces the idempotency key contract on state-changing
// routes: a repeated key within the TTL replays the cached response, a
// concurrent duplicate returns 409, and a key reused with a different body is
// rejected.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			s.writeError(w, r, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED",
				IdempotencyHeader+" header is required")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "BODY_READ_FAILED", "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := sha256.Sum256(append([]byte(r.Method+" "+r.URL.Path+"\n"), body...))
		requestHash := hex.EncodeToString(hash[:])

		cached, err := s.idempotency.Claim(r.Context(), key, requestHash)
		switch {
		case errors.Is(err, ErrIdempotencyInFlight):
			s.writeError(w, r, http.StatusConflict, "IDEMPOTENCY_CONFLICT",
				"a request with this key is still in flight")
			return
		case errors.Is(err, ErrIdempotencyMismatch):
			s.writeError(w, r, http.StatusConflict, "IDEMPOTENCY_REUSE",
				"idempotency key was used with a different request")
			return
		case err != nil:
			s.log.Error("gateway: idempotency claim", "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "idempotency store failed")
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if err := s.idempotency.Save(r.Context(), key, status, recorder.buf.Bytes()); err != nil {
			s.log.Error("gateway: idempotency save", "error", err)
			_ = s.idempotency.Release(r.Context(), key)
		}
	})
}

// auditAdmin records every authenticated admin request in the gateway audit log.
func (s *Server) auditAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		r.Body = io.NopCloser(bytes.NewReader(body))

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		claims, _ := FromContext(r.Context())
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if err := s.idempotency.InsertAudit(r.Context(), AuditEntry{
			Actor:          claims.Subject,
			Method:         r.Method,
			Path:           r.URL.Path,
			RequestBody:    body,
			ResponseStatus: status,
		}); err != nil {
			s.log.Error("gateway: audit append", "path", r.URL.Path, "error", err)
		}
	})
}

// rateLimiter throttles per client IP with a token bucket per identifier.
type rateLimiter struct {
	perMinute float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newRateLimiter(perMinute float64, burst int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &rateLimiter{perMinute: perMinute, burst: burst, visitors: make(map[string]*rate.Limiter)}
}

func (rl *rateLimiter) allow(id string) bool {
	rl.mu.Lock()
	limiter, ok := rl.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.perMinute/60.0), rl.burst)
		rl.visitors[id] = limiter
		if len(rl.visitors) > 10000 {
			// Bounded memory: drop the map and let buckets refill.
			rl.visitors = map[string]*rate.Limiter{id: limiter}
		}
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) rateLimit(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(clientID(r)) {
				s.writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext returns the correlation id assigned at ingress.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
