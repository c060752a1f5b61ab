package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"hustlexp/admin"
	coreerrors "hustlexp/core/errors"
	"hustlexp/ledger"
	"hustlexp/native/escrow"
	"hustlexp/saga"
	"hustlexp/storage"
	"hustlexp/stripe"
)

const (
	testJWTSecret     = "gateway-test-secret"
	testWebhookSecret = "whsec_gateway_test"
)

type fakeProvider struct {
	transfers     map[string]*stripe.Transfer
	transferCalls int
	refundCalls   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{transfers: map[string]*stripe.Transfer{}}
}

func (f *fakeProvider) CreatePaymentIntent(ctx context.Context, idemKey string, req *stripe.PaymentIntentRequest) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: "pi_" + idemKey, AmountCents: req.AmountCents}, nil
}

func (f *fakeProvider) CapturePaymentIntent(ctx context.Context, idemKey, piID string) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: piID, Status: "succeeded"}, nil
}

func (f *fakeProvider) CreateTransfer(ctx context.Context, idemKey string, req *stripe.TransferRequest) (*stripe.Transfer, error) {
	f.transferCalls++
	transfer := &stripe.Transfer{
		ID: "tr_" + idemKey, AmountCents: req.AmountCents,
		Destination: req.Destination, Group: req.Group,
	}
	f.transfers[req.Group] = transfer
	return transfer, nil
}

func (f *fakeProvider) CreateRefund(ctx context.Context, idemKey string, req *stripe.RefundRequest) (*stripe.Refund, error) {
	f.refundCalls++
	return &stripe.Refund{ID: "re_" + idemKey, PaymentIntentID: req.PaymentIntentID, AmountCents: req.AmountCents}, nil
}

func (f *fakeProvider) FindTransferByGroup(ctx context.Context, group string) (*stripe.Transfer, error) {
	if transfer, ok := f.transfers[group]; ok {
		return transfer, nil
	}
	return nil, coreerrors.NotFound("transfer", group)
}

func (f *fakeProvider) ListPaymentIntents(ctx context.Context, taskID string) ([]stripe.PaymentIntent, error) {
	return nil, nil
}
func (f *fakeProvider) ListCharges(ctx context.Context, piID string) ([]stripe.Charge, error) {
	return nil, nil
}
func (f *fakeProvider) ListTransfers(ctx context.Context, group string) ([]stripe.Transfer, error) {
	return nil, nil
}
func (f *fakeProvider) ListRefunds(ctx context.Context, piID string) ([]stripe.Refund, error) {
	return nil, nil
}

type testEnv struct {
	server   *Server
	db       *gorm.DB
	engine   *saga.Engine
	provider *fakeProvider
	denylist *admin.Denylist
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "gateway.db"))
	require.NoError(t, err)
	require.NoError(t, storage.ApplyConstitution(db))

	provider := newFakeProvider()
	controls := admin.NewControls(db)
	engine := saga.New(db, ledger.New(), provider, nil, saga.WithControls(controls))

	denylist, err := admin.OpenDenylist(filepath.Join(dir, "denylist.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = denylist.Close() })

	idem, err := NewIdempotencyStore(filepath.Join(dir, "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idem.Close() })

	adminSvc := admin.NewService(db, engine, provider, denylist, nil)
	server := New(Config{
		DB:               db,
		Saga:             engine,
		Admin:            adminSvc,
		Controls:         controls,
		Denylist:         denylist,
		Idempotency:      idem,
		JWTSecret:        []byte(testJWTSecret),
		WebhookSecret:    testWebhookSecret,
		WebhookRateLimit: 6000,
		AdminRateLimit:   6000,
	})
	return &testEnv{server: server, db: db, engine: engine, provider: provider, denylist: denylist}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, bearer, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seedUsers(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&storage.User{ID: "poster-1", Email: "p@example.com", Role: "poster", TrustTier: 1}).Error)
	require.NoError(t, db.Create(&storage.User{ID: "worker-1", Email: "w@example.com", Role: "hustler", TrustTier: 1}).Error)
	require.NoError(t, db.Create(&storage.User{ID: "admin-1", Email: "a@example.com", Role: "admin", TrustTier: 3}).Error)
}

func (e *testEnv) fund(t *testing.T, taskID string) {
	t.Helper()
	_, err := e.engine.Execute(context.Background(), saga.Request{
		Action: escrow.ActionCapture, TaskID: taskID,
		EventID: "evt_fund_" + taskID, ProviderRef: "pi_" + taskID,
	})
	require.NoError(t, err)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)
	poster := token(t, "poster-1", RolePoster)
	hustler := token(t, "worker-1", RoleHustler)
	adminTok := token(t, "admin-1", RoleAdmin)

	rec := env.do(t, http.MethodPost, "/tasks", poster, "idem-create", map[string]any{
		"task_id": "task-1", "price_cents": 2500, "category": "delivery",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var escrowRow storage.Escrow
	require.NoError(t, env.db.First(&escrowRow, "task_id = ?", "task-1").Error)
	require.Equal(t, storage.EscrowPending, escrowRow.State)

	// Accepting before the escrow is funded is rejected by the guard.
	rec = env.do(t, http.MethodPost, "/tasks/task-1/accept", hustler, "idem-accept-early", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	env.fund(t, "task-1")

	rec = env.do(t, http.MethodPost, "/tasks/task-1/accept", hustler, "idem-accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/tasks/task-1/proof", hustler, "idem-proof", map[string]any{
		"proof_id": "proof-1", "forensics": `{"exif":"ok"}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, env.db.Model(&storage.Proof{}).Where("id = ?", "proof-1").
		Update("state", storage.ProofVerified).Error)

	rec = env.do(t, http.MethodPost, "/tasks/task-1/complete", adminTok, "idem-complete", map[string]any{
		"destination": "acct_worker",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.NotEmpty(t, body["ledger_tx_id"])
	require.Equal(t, 1, env.provider.transferCalls)

	require.NoError(t, env.db.First(&escrowRow, "task_id = ?", "task-1").Error)
	require.Equal(t, storage.EscrowReleased, escrowRow.State)
	var taskRow storage.Task
	require.NoError(t, env.db.First(&taskRow, "id = ?", "task-1").Error)
	require.Equal(t, storage.TaskCompleted, taskRow.State)

	rec = env.do(t, http.MethodGet, "/tasks/task-1", poster, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	require.Contains(t, detail, "escrow")
	require.Contains(t, detail, "proofs")
}

func TestAuthAndRoleEnforcement(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)

	rec := env.do(t, http.MethodPost, "/tasks", "", "idem-1", map[string]any{"price_cents": 100})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "UNAUTHENTICATED", decodeBody(t, rec)["code"])

	// A hustler cannot post tasks.
	rec = env.do(t, http.MethodPost, "/tasks", token(t, "worker-1", RoleHustler), "idem-2",
		map[string]any{"price_cents": 100})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// A poster cannot hit the admin surface.
	rec = env.do(t, http.MethodPost, "/admin/killswitch", token(t, "poster-1", RolePoster), "",
		map[string]any{"active": true, "reason": "nope"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIdempotentReplayReturnsCachedResponse(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)
	poster := token(t, "poster-1", RolePoster)
	payload := map[string]any{"task_id": "task-1", "price_cents": 2500}

	first := env.do(t, http.MethodPost, "/tasks", poster, "same-key", payload)
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.do(t, http.MethodPost, "/tasks", poster, "same-key", payload)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	var count int64
	require.NoError(t, env.db.Model(&storage.Task{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	// Same key with a different body is a client bug, not a replay.
	reuse := env.do(t, http.MethodPost, "/tasks", poster, "same-key",
		map[string]any{"task_id": "task-2", "price_cents": 9900})
	require.Equal(t, http.StatusConflict, reuse.Code)
	require.Equal(t, "IDEMPOTENCY_REUSE", decodeBody(t, reuse)["code"])

	missing := env.do(t, http.MethodPost, "/tasks", poster, "", payload)
	require.Equal(t, http.StatusBadRequest, missing.Code)
	require.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", decodeBody(t, missing)["code"])
}

func TestDisputeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)
	poster := token(t, "poster-1", RolePoster)
	hustler := token(t, "worker-1", RoleHustler)

	rec := env.do(t, http.MethodPost, "/tasks", poster, "idem-create", map[string]any{
		"task_id": "task-1", "price_cents": 2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	env.fund(t, "task-1")
	rec = env.do(t, http.MethodPost, "/tasks/task-1/accept", hustler, "idem-accept", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/tasks/task-1/proof", hustler, "idem-proof", map[string]any{
		"proof_id": "proof-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/tasks/task-1/dispute", poster, "idem-dispute", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "REASON_REQUIRED", decodeBody(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/tasks/task-1/dispute", poster, "idem-dispute-2", map[string]any{
		"reason": "item never arrived",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var escrowRow storage.Escrow
	require.NoError(t, env.db.First(&escrowRow, "task_id = ?", "task-1").Error)
	require.Equal(t, storage.EscrowPendingDispute, escrowRow.State)
	var taskRow storage.Task
	require.NoError(t, env.db.First(&taskRow, "id = ?", "task-1").Error)
	require.Equal(t, storage.TaskDisputed, taskRow.State)
}

func TestKillswitchOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)
	adminTok := token(t, "admin-1", RoleAdmin)
	poster := token(t, "poster-1", RolePoster)
	hustler := token(t, "worker-1", RoleHustler)

	rec := env.do(t, http.MethodPost, "/tasks", poster, "idem-create", map[string]any{
		"task_id": "task-1", "price_cents": 2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	env.fund(t, "task-1")
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPost, "/tasks/task-1/accept", hustler, "idem-accept", nil).Code)
	require.Equal(t, http.StatusCreated,
		env.do(t, http.MethodPost, "/tasks/task-1/proof", hustler, "idem-proof",
			map[string]any{"proof_id": "proof-1"}).Code)
	require.NoError(t, env.db.Model(&storage.Proof{}).Where("id = ?", "proof-1").
		Update("state", storage.ProofVerified).Error)

	rec = env.do(t, http.MethodPost, "/admin/killswitch", adminTok, "", map[string]any{
		"active": true, "reason": "incident-42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/tasks/task-1/complete", adminTok, "idem-complete",
		map[string]any{"destination": "acct_worker"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "KILLSWITCH_ACTIVE", decodeBody(t, rec)["code"])
	require.Zero(t, env.provider.transferCalls)

	rec = env.do(t, http.MethodPost, "/admin/killswitch", adminTok, "", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/tasks/task-1/complete", adminTok, "idem-complete-2",
		map[string]any{"destination": "acct_worker"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Operator toggles and the admin request itself are audited.
	var audits int64
	require.NoError(t, env.db.Model(&storage.AdminAction{}).
		Where("action LIKE ?", "control_flag.%").Count(&audits).Error)
	require.EqualValues(t, 2, audits)
}

func TestDenylistedAdminRejected(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)
	require.NoError(t, env.denylist.Add("admin-1", "compromised credentials", "sec-oncall", true, 0))

	rec := env.do(t, http.MethodPost, "/admin/workers/pause", token(t, "admin-1", RoleAdmin), "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "ADMIN_DENYLISTED", decodeBody(t, rec)["code"])
}

func TestAdminDenylistEndpoints(t *testing.T) {
	env := newTestEnv(t)
	seedUsers(t, env.db)
	adminTok := token(t, "admin-1", RoleAdmin)

	rec := env.do(t, http.MethodPost, "/admin/denylist", adminTok, "", map[string]any{
		"user_id": "worker-1", "reason": "chargeback ring", "ttl_minutes": 60,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	blocked, entry, err := env.denylist.Blocked("worker-1")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, "admin-1", entry.AddedBy)

	rec = env.do(t, http.MethodDelete, "/admin/denylist/worker-1", adminTok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blocked, _, err = env.denylist.Blocked("worker-1")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health/live", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/ready", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	require.Equal(t, "ok", detail["status"])
	require.Contains(t, detail, "outbox")
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))

	rec2 := env.do(t, http.MethodGet, "/health/live", "", "", nil)
	require.NotEmpty(t, rec2.Header().Get("X-Request-ID"))
}
