// Package api exposes intake, status and approver endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/auth"
	"guestpost-automation/internal/intake"
	"guestpost-automation/internal/lifecycle"
	"guestpost-automation/internal/models"
	"guestpost-automation/internal/status"
	"guestpost-automation/internal/telemetry"
)

// Submitter accepts publish requests. *intake.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, caller auth.Caller, req intake.Request, raw []byte, contentType string) (intake.Response, error)
}

// StatusReader answers progress queries. *status.Service satisfies it.
type StatusReader interface {
	Status(ctx context.Context, q status.Query) (status.View, error)
}

// Approvals applies approver decisions. *lifecycle.Machine satisfies it.
type Approvals interface {
	Approve(ctx context.Context, jobID uuid.UUID, by lifecycle.Approver, postID *int64) (models.Job, error)
	Reject(ctx context.Context, jobID uuid.UUID, by lifecycle.Approver, code, text string) (models.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID, by lifecycle.Approver, reason string) (models.Job, error)
}

// JobLister lists jobs waiting for an approver. *store.Store satisfies it.
type JobLister interface {
	ListPendingApproval(ctx context.Context, limit int) ([]models.Job, error)
}

// Limiter throttles intake per key. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Limiter and DB may be nil.
type Deps struct {
	Intake    Submitter
	Status    StatusReader
	Approvals Approvals
	Jobs      JobLister
	Verifier  *auth.Verifier
	Limiter   Limiter
	DB        Pinger
	Logger    *zap.Logger
	// MaxBodyBytes bounds webhook bodies. Zero means 10 MiB.
	MaxBodyBytes int64
}

type Server struct {
	deps Deps
	log  *zap.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 10 << 20
	}
	return &Server{deps: deps, log: deps.Logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/automation", func(r chi.Router) {
		r.Use(s.deps.Verifier.Optional)
		r.With(s.rateLimit).Post("/guest-post-webhook", s.handleWebhook)
		r.Get("/status", s.handleStatus)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Use(s.deps.Verifier.RequireAdmin)
		r.Get("/pending", s.handlePending)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/reject", s.handleReject)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			s.log.Warn("api.health_db_failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimit keys the bucket by tenant when known, else by user, else by
// remote address. Limiter errors fail open.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := limitKey(r)
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), key)
		if err != nil {
			s.log.Warn("api.rate_limit_error", zap.String("key", key), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitKey(r *http.Request) string {
	caller := auth.FromContext(r.Context())
	switch {
	case caller.ClientID != nil:
		return "client:" + caller.ClientID.String()
	case caller.Authenticated:
		return "user:" + caller.UserID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Info("api.request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}
