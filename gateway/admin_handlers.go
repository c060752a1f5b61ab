package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"hustlexp/admin"
	coreerrors "hustlexp/core/errors"
	"hustlexp/outbox"
)

// ForcePayout runs a bypass release payout on behalf of an operator.
func (s *Server) ForcePayout(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	taskID := chi.URLParam(r, "id")
	var req struct {
		Destination string `json:"destination"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	if req.Reason == "" {
		s.writeError(w, r, http.StatusBadRequest, "REASON_REQUIRED", "force actions require a reason")
		return
	}
	result, err := s.admin.ForcePayout(r.Context(), claims.Subject, taskID,
		req.Destination, r.Header.Get(IdempotencyHeader), req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ForceRefund runs a bypass refund on behalf of an operator.
func (s *Server) ForceRefund(w http.ResponseWriter, r *http.Request) {
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
		s.writeError(w, r, http.StatusBadRequest, "REASON_REQUIRED", "force actions require a reason")
		return
	}
	result, err := s.admin.ForceRefund(r.Context(), claims.Subject, taskID,
		r.Header.Get(IdempotencyHeader), req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// Backfill rebuilds a task's money state from provider truth.
func (s *Server) Backfill(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	taskID := chi.URLParam(r, "id")
	report, err := s.admin.Backfill(r.Context(), claims.Subject, taskID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) setControlFlag(w http.ResponseWriter, r *http.Request, flag string) {
	claims, _ := FromContext(r.Context())
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	var err error
	if req.Active {
		err = s.controls.Activate(flag, req.Reason, claims.Subject)
	} else {
		err = s.controls.Deactivate(flag, claims.Subject)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"flag": flag, "active": req.Active})
}

// SetKillswitch toggles the global money stop.
func (s *Server) SetKillswitch(w http.ResponseWriter, r *http.Request) {
	s.setControlFlag(w, r, admin.FlagKillswitch)
}

// SetSafeMode toggles the outbound-only money stop.
func (s *Server) SetSafeMode(w http.ResponseWriter, r *http.Request) {
	s.setControlFlag(w, r, admin.FlagSafeMode)
}

// AddDenylist blocks a user from money operations.
func (s *Server) AddDenylist(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	var req struct {
		UserID     string `json:"user_id"`
		Reason     string `json:"reason"`
		Emergency  bool   `json:"emergency"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if err := s.denylist.Add(req.UserID, req.Reason, claims.Subject, req.Emergency, ttl); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"user_id": req.UserID, "emergency": req.Emergency,
	})
}

// RemoveDenylist lifts a denylist entry.
func (s *Server) RemoveDenylist(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.denylist.Remove(userID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "removed"})
}

// PauseWorkers stops outbox delivery without losing queued work.
func (s *Server) PauseWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "POOL_UNAVAILABLE", "worker pool is not attached")
		return
	}
	s.pool.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeWorkers restarts outbox delivery.
func (s *Server) ResumeWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "POOL_UNAVAILABLE", "worker pool is not attached")
		return
	}
	s.pool.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// ResolveDeadLetter marks a DLQ entry as handled by an operator.
func (s *Server) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeDomainError(w, r, coreerrors.Validation("DLQ_ID_INVALID", "dead letter id must be numeric"))
		return
	}
	if err := outbox.Resolve(s.db, id, claims.Subject, s.now().UTC()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "resolved"})
}
