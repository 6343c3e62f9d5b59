package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/auth"
	"guestpost-automation/internal/lifecycle"
	"guestpost-automation/internal/models"
	"guestpost-automation/internal/store"
)

type approveRequest struct {
	WPPostID *int64 `json:"wp_post_id"`
}

type rejectRequest struct {
	ReasonCode  string `json:"reason_code"`
	OtherReason string `json:"other_reason"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	jobs, err := s.deps.Jobs.ListPendingApproval(r.Context(), limit)
	if err != nil {
		s.log.Error("api.pending_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": jobs})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	id, by, ok := s.adminAction(w, r, &body)
	if !ok {
		return
	}
	job, err := s.deps.Approvals.Approve(r.Context(), id, by, body.WPPostID)
	s.writeTransition(w, job, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body rejectRequest
	id, by, ok := s.adminAction(w, r, &body)
	if !ok {
		return
	}
	job, err := s.deps.Approvals.Reject(r.Context(), id, by, body.ReasonCode, body.OtherReason)
	s.writeTransition(w, job, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	id, by, ok := s.adminAction(w, r, &body)
	if !ok {
		return
	}
	job, err := s.deps.Approvals.Cancel(r.Context(), id, by, body.Reason)
	s.writeTransition(w, job, err)
}

// adminAction parses the job id and an optional JSON body into dst.
func (s *Server) adminAction(w http.ResponseWriter, r *http.Request, dst any) (uuid.UUID, lifecycle.Approver, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "job id must be a uuid")
		return uuid.Nil, lifecycle.Approver{}, false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return uuid.Nil, lifecycle.Approver{}, false
	}
	caller := auth.FromContext(r.Context())
	return id, lifecycle.Approver{ID: caller.UserID, Name: caller.Name}, true
}

func (s *Server) writeTransition(w http.ResponseWriter, job models.Job, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("api.transition_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
	}
}
