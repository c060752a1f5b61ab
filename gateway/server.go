package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hustlexp/admin"
	coreerrors "hustlexp/core/errors"
	"hustlexp/native/escrow"
	"hustlexp/native/task"
	"hustlexp/observability"
	"hustlexp/outbox"
	"hustlexp/saga"
	"hustlexp/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Saga        *saga.Engine
	Admin       *admin.Service
	Controls    *admin.Controls
	Denylist    *admin.Denylist
	Pool        *outbox.WorkerPool
	Idempotency *IdempotencyStore
	Log         *slog.Logger

	JWTSecret      []byte
	WebhookSecret  string
	Livemode       bool
	StrictLivemode bool

	// Requests per minute per client, for the webhook and admin surfaces.
	WebhookRateLimit float64
	AdminRateLimit   float64
}

// Server is the HTTP surface of the money core.
type Server struct {
	db          *gorm.DB
	saga        *saga.Engine
	admin       *admin.Service
	controls    *admin.Controls
	denylist    *admin.Denylist
	pool        *outbox.WorkerPool
	idempotency *IdempotencyStore
	log         *slog.Logger
	metrics     *observability.MoneyMetrics

	jwtSecret      []byte
	webhookSecret  string
	livemode       bool
	strictLivemode bool

	webhookLimiter *rateLimiter
	adminLimiter   *rateLimiter

	now    func() time.Time
	router http.Handler
}

// New constructs the configured router.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		db:             cfg.DB,
		saga:           cfg.Saga,
		admin:          cfg.Admin,
		controls:       cfg.Controls,
		denylist:       cfg.Denylist,
		pool:           cfg.Pool,
		idempotency:    cfg.Idempotency,
		log:            log,
		metrics:        observability.Money(),
		jwtSecret:      cfg.JWTSecret,
		webhookSecret:  cfg.WebhookSecret,
		livemode:       cfg.Livemode,
		strictLivemode: cfg.StrictLivemode,
		webhookLimiter: newRateLimiter(cfg.WebhookRateLimit, 20),
		adminLimiter:   newRateLimiter(cfg.AdminRateLimit, 5),
		now:            time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// SetNowFunc overrides the clock, for tests.
func (s *Server) SetNowFunc(fn func() time.Time) { s.now = fn }

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.HealthDetailed)
	r.Get("/health/live", s.HealthLive)
	r.Get("/health/ready", s.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(s.rateLimit(s.webhookLimiter)).Post("/webhooks/stripe", s.HandleStripeWebhook)

	r.Group(func(protected chi.Router) {
		protected.Use(s.authenticate)
		protected.Use(s.withIdempotency)

		protected.With(s.requireRole(RolePoster, RoleAdmin)).Post("/tasks", s.CreateTask)
		protected.With(s.requireRole(RoleHustler)).Post("/tasks/{id}/accept", s.AcceptTask)
		protected.With(s.requireRole(RoleHustler)).Post("/tasks/{id}/proof", s.SubmitProof)
		protected.With(s.requireRole(RoleAdmin, RoleSystem)).Post("/tasks/{id}/complete", s.CompleteTask)
		protected.With(s.requireRole(RolePoster, RoleHustler, RoleAdmin)).Post("/tasks/{id}/dispute", s.DisputeTask)
	})

	r.Group(func(readonly chi.Router) {
		readonly.Use(s.authenticate)
		readonly.Get("/tasks/{id}", s.GetTask)
	})

	r.Route("/admin", func(ops chi.Router) {
		ops.Use(s.rateLimit(s.adminLimiter))
		ops.Use(s.authenticate)
		ops.Use(s.requireRole(RoleAdmin))
		ops.Use(s.denylistGate)
		ops.Use(s.auditAdmin)

		ops.With(s.withIdempotency).Post("/tasks/{id}/force-payout", s.ForcePayout)
		ops.With(s.withIdempotency).Post("/tasks/{id}/force-refund", s.ForceRefund)
		ops.Post("/tasks/{id}/backfill", s.Backfill)
		ops.Post("/killswitch", s.SetKillswitch)
		ops.Post("/safemode", s.SetSafeMode)
		ops.Post("/denylist", s.AddDenylist)
		ops.Delete("/denylist/{userID}", s.RemoveDenylist)
		ops.Post("/workers/pause", s.PauseWorkers)
		ops.Post("/workers/resume", s.ResumeWorkers)
		ops.Post("/dlq/{id}/resolve", s.ResolveDeadLetter)
	})

	return r
}

// CreateTask opens a task with its pending escrow and money state lock.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	var req struct {
		TaskID     string `json:"task_id"`
		PriceCents int64  `json:"price_cents"`
		Category   string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	if req.PriceCents <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "PRICE_REQUIRED", "price_cents must be positive")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	now := s.now().UTC()
	taskRow := storage.Task{
		ID:         req.TaskID,
		PosterID:   claims.Subject,
		PriceCents: req.PriceCents,
		State:      storage.TaskOpen,
		Category:   req.Category,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&taskRow).Error; err != nil {
			return storage.MapError(err)
		}
		escrowRow := storage.Escrow{
			TaskID:      taskRow.ID,
			State:       storage.EscrowPending,
			AmountCents: taskRow.PriceCents,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&escrowRow).Error; err != nil {
			return storage.MapError(err)
		}
		return escrow.EnsureLock(tx, taskRow.ID)
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, taskRow)
}

// AcceptTask assigns the calling worker and moves the task to ACCEPTED. The
// escrow must already be funded.
func (s *Server) AcceptTask(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	taskID := chi.URLParam(r, "id")

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var taskRow storage.Task
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&taskRow, "id = ?", taskID).Error; err != nil {
			return storage.MapError(err)
		}
		var escrowRow storage.Escrow
		if err := tx.First(&escrowRow, "task_id = ?", taskID).Error; err != nil {
			return storage.MapError(err)
		}
		guards := task.Guards{WorkerID: claims.Subject, EscrowState: escrowRow.State}
		return task.Apply(tx, &taskRow, storage.TaskAccepted, guards,
			stateContextJSON(map[string]any{"worker_id": claims.Subject}))
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": storage.TaskAccepted})
}

// SubmitProof records completion evidence and moves the task to
// PROOF_SUBMITTED. Only the assigned worker may submit.
func (s *Server) SubmitProof(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	taskID := chi.URLParam(r, "id")
	var req struct {
		ProofID   string `json:"proof_id"`
		Forensics string `json:"forensics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	if req.ProofID == "" {
		req.ProofID = uuid.NewString()
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var taskRow storage.Task
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&taskRow, "id = ?", taskID).Error; err != nil {
			return storage.MapError(err)
		}
		if taskRow.WorkerID == nil || *taskRow.WorkerID != claims.Subject {
			return coreerrors.Validation("NOT_ASSIGNED", "proof must come from the assigned worker")
		}
		proofRow := storage.Proof{
			ID:          req.ProofID,
			TaskID:      taskID,
			WorkerID:    claims.Subject,
			State:       storage.ProofSubmitted,
			Forensics:   req.Forensics,
			SubmittedAt: s.now().UTC(),
		}
		if err := tx.Create(&proofRow).Error; err != nil {
			return storage.MapError(err)
		}
		return task.Apply(tx, &taskRow, storage.TaskProofSubmitted,
			task.Guards{ProofID: req.ProofID},
			stateContextJSON(map[string]any{"proof_id": req.ProofID}))
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"proof_id": req.ProofID, "status": storage.TaskProofSubmitted,
	})
}

// CompleteTask releases the escrow and completes the task in one saga run.
func (s *Server) CompleteTask(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	taskID := chi.URLParam(r, "id")
	var req struct {
		Destination string `json:"destination"`
		StreakDays  int    `json:"streak_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	var proofRow storage.Proof
	if err := s.db.Where("task_id = ? AND state IN ?", taskID,
		[]string{storage.ProofVerified, storage.ProofLocked}).
		Order("submitted_at DESC").First(&proofRow).Error; err != nil {
		s.writeDomainError(w, r, coreerrors.Wrap(coreerrors.KindIllegalTransition,
			"PROOF_NOT_VERIFIED", "completion requires a verified proof", err))
		return
	}
	result, err := s.saga.Execute(r.Context(), saga.Request{
		Action:       escrow.ActionReleasePayout,
		TaskID:       taskID,
		EventID:      r.Header.Get(IdempotencyHeader),
		Destination:  req.Destination,
		ActorID:      claims.Subject,
		CompleteTask: true,
		ProofID:      proofRow.ID,
		ProofState:   proofRow.State,
		StreakDays:   req.StreakDays,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       storage.TaskCompleted,
		"ledger_tx_id": result.LedgerTxID,
		"provider_ref": result.ProviderRef,
		"replayed":     result.Replayed,
	})
}

// DisputeTask freezes the escrow and marks the task DISPUTED.
func (s *Server) DisputeTask(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	taskID := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	if req.Reason == "" {
		s.writeError(w, r, http.StatusBadRequest, "REASON_REQUIRED", "disputes require a reason")
		return
	}
	if _, err := s.saga.Execute(r.Context(), saga.Request{
		Action:  escrow.ActionDisputeOpen,
		TaskID:  taskID,
		EventID: r.Header.Get(IdempotencyHeader),
		ActorID: claims.Subject,
	}); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var taskRow storage.Task
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&taskRow, "id = ?", taskID).Error; err != nil {
			return storage.MapError(err)
		}
		if taskRow.State == storage.TaskDisputed {
			return nil
		}
		return task.Apply(tx, &taskRow, storage.TaskDisputed,
			task.Guards{Reason: req.Reason},
			stateContextJSON(map[string]any{"reason": req.Reason, "actor_id": claims.Subject}))
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": storage.TaskDisputed})
}

// GetTask returns the task with its escrow and proofs.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var taskRow storage.Task
	if err := s.db.First(&taskRow, "id = ?", taskID).Error; err != nil {
		s.writeDomainError(w, r, storage.MapError(err))
		return
	}
	var escrowRow storage.Escrow
	_ = s.db.First(&escrowRow, "task_id = ?", taskID).Error
	var proofs []storage.Proof
	_ = s.db.Where("task_id = ?", taskID).Order("submitted_at").Find(&proofs).Error
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task": taskRow, "escrow": escrowRow, "proofs": proofs,
	})
}

// HealthLive always answers ok while the process is up.
func (s *Server) HealthLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady answers ok when the database is reachable.
func (s *Server) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := storage.Ping(s.db); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "database": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDetailed reports per-subsystem statuses and key gauges.
func (s *Server) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	detail := map[string]any{"status": "ok"}
	if err := storage.Ping(s.db); err != nil {
		detail["status"] = "degraded"
		detail["database"] = err.Error()
	} else {
		detail["database"] = "ok"
	}

	queues := map[string]any{}
	for _, queue := range []string{outbox.QueueCriticalPayments, outbox.QueueUserNotifications, outbox.QueueFraudDetection} {
		depth, err := outbox.Depth(s.db, queue)
		if err != nil {
			queues[queue] = "error"
			continue
		}
		queues[queue] = depth
		s.metrics.SetOutboxDepth(queue, depth)
	}
	detail["outbox"] = queues

	var dlqDepth int64
	if err := s.db.Model(&storage.DeadLetter{}).Where("resolved_at IS NULL").Count(&dlqDepth).Error; err == nil {
		detail["dlq_depth"] = dlqDepth
	}
	if s.pool != nil {
		detail["workers_paused"] = s.pool.Paused()
	}

	var flags []storage.ControlFlag
	if err := s.db.Find(&flags).Error; err == nil {
		flagState := map[string]bool{}
		for _, flag := range flags {
			flagState[flag.Name] = flag.Active
		}
		detail["control_flags"] = flagState
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope with the request correlation id.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":      message,
		"code":       code,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

// writeDomainError maps a taxonomy error onto the envelope.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := coreerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("gateway: request failed", "path", r.URL.Path, "error", err)
	}
	s.writeError(w, r, status, coreerrors.CodeOf(err), err.Error())
}

func stateContextJSON(fields map[string]any) string {
	raw, _ := json.Marshal(fields)
	return string(raw)
}
