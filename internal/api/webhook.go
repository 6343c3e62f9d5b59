package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/auth"
	"guestpost-automation/internal/intake"
	"guestpost-automation/internal/status"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	contentType := r.Header.Get("Content-Type")
	req, err := decodeRequest(r, raw, contentType)
	if err != nil {
		s.writeIntakeError(w, err)
		return
	}

	resp, err := s.deps.Intake.Submit(r.Context(), auth.FromContext(r.Context()), req, raw, contentType)
	if err != nil {
		s.writeIntakeError(w, err)
		return
	}
	code := http.StatusAccepted
	if resp.Result != nil {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func decodeRequest(r *http.Request, raw []byte, contentType string) (intake.Request, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = io.NopCloser(bytes.NewReader(raw))
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(int64(len(raw)) + 1)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return intake.Request{}, &intake.Error{Status: http.StatusBadRequest, Message: "malformed form body"}
		}
		return intake.DecodeForm(r.PostForm)
	default:
		return intake.DecodeJSON(raw)
	}
}

func (s *Server) writeIntakeError(w http.ResponseWriter, err error) {
	var ie *intake.Error
	if errors.As(err, &ie) {
		writeError(w, ie.Status, ie.Message)
		return
	}
	s.log.Error("api.intake_failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := status.Query{IdempotencyKey: strings.TrimSpace(params.Get("idempotency_key"))}
	for name, dst := range map[string]**uuid.UUID{"job_id": &q.JobID, "submission_id": &q.SubmissionID} {
		v := strings.TrimSpace(params.Get(name))
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, name+" must be a uuid")
			return
		}
		*dst = &id
	}

	caller := auth.FromContext(r.Context())
	if caller.Authenticated && !caller.IsAdmin() {
		if caller.ClientID == nil {
			writeError(w, http.StatusForbidden, "token is not bound to a client")
			return
		}
		q.ClientID = caller.ClientID
	}

	view, err := s.deps.Status.Status(r.Context(), q)
	switch {
	case errors.Is(err, status.ErrInvalidQuery):
		writeError(w, http.StatusUnprocessableEntity, "provide idempotency_key, job_id or submission_id")
	case errors.Is(err, status.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "found": false})
	case err != nil:
		s.log.Error("api.status_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "status": view})
	}
}
