package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/auth"
	"guestpost-automation/internal/models"
	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/store"
	"guestpost-automation/internal/telemetry"
)

// Store is what intake needs from the job store.
type Store interface {
	Directory
	Enqueue(ctx context.Context, p store.EnqueueParams) (store.EnqueueResult, error)
}

// Runner executes a pipeline inline for sync requests.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, rec pipeline.Recorder) (pipeline.Result, error)
}

// SyncResult is the outcome of an inline run.
type SyncResult struct {
	SourceURL      string    `json:"source_url"`
	SiteID         uuid.UUID `json:"site_id"`
	CredentialID   uuid.UUID `json:"site_credential_id"`
	PublishingSite string    `json:"publishing_site"`
	ImageURL       string    `json:"generated_image_url,omitempty"`
	MediaID        int64     `json:"wp_media_id,omitempty"`
	PostID         int64     `json:"wp_post_id"`
	PostURL        string    `json:"wp_post_url,omitempty"`
}

// Response is returned to the webhook caller.
type Response struct {
	OK               bool             `json:"ok"`
	ExecutionMode    string           `json:"execution_mode"`
	Deduplicated     bool             `json:"deduplicated"`
	SubmissionID     *uuid.UUID       `json:"submission_id,omitempty"`
	JobID            *uuid.UUID       `json:"job_id,omitempty"`
	JobStatus        models.JobStatus `json:"job_status,omitempty"`
	Kind             models.Kind      `json:"submission_kind"`
	ShadowDispatched bool             `json:"shadow_dispatched"`
	Result           *SyncResult      `json:"result,omitempty"`
}

type Service struct {
	store  Store
	runner Runner
	shadow *ShadowForwarder
	opts   Options
	logger *zap.Logger
}

func NewService(st Store, runner Runner, shadow *ShadowForwarder, opts Options, logger *zap.Logger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Service{store: st, runner: runner, shadow: shadow, opts: opts, logger: logger}
}

// Submit validates req and either runs it inline or enqueues it. raw is the
// original request body, forwarded as-is in shadow mode.
func (s *Service) Submit(ctx context.Context, caller auth.Caller, req Request, raw []byte, contentType string) (Response, error) {
	res, err := Resolve(ctx, s.store, s.opts, caller, req)
	if err != nil {
		return Response{}, err
	}
	s.logger.Info("intake.received",
		zap.String("mode", res.Mode),
		zap.String("kind", string(res.Kind.Kind)),
		zap.String("site_id", res.Site.ID.String()),
	)

	if res.Mode == ModeSync {
		return s.runSync(ctx, res)
	}

	out, err := s.store.Enqueue(ctx, store.EnqueueParams{
		ClientID:          res.Client.ID,
		SiteID:            res.Site.ID,
		Kind:              res.Kind,
		BacklinkPlacement: res.Placement,
		PostStatus:        res.PostStatus,
		Notes:             res.Notes,
		RequiresApproval:  res.RequiresApproval,
		MaxAttempts:       s.opts.MaxAttempts,
	})
	if errors.Is(err, store.ErrIdempotencyConflict) {
		return Response{}, errorf(http.StatusConflict, "idempotency_key is already used for a different source")
	}
	if err != nil {
		return Response{}, fmt.Errorf("enqueue: %w", err)
	}

	shadowed := false
	if res.Mode == ModeShadow {
		shadowed = s.shadow.Forward(ctx, raw, contentType)
	}
	telemetry.SubmissionsTotal.WithLabelValues(res.Mode, strconv.FormatBool(out.Deduplicated)).Inc()
	s.logger.Info("intake.enqueued",
		zap.String("mode", res.Mode),
		zap.String("submission_id", out.Submission.ID.String()),
		zap.String("job_id", out.Job.ID.String()),
		zap.String("job_status", string(out.Job.Status)),
		zap.Bool("deduplicated", out.Deduplicated),
		zap.Bool("shadow_dispatched", shadowed),
	)

	subID, jobID := out.Submission.ID, out.Job.ID
	return Response{
		OK:               true,
		ExecutionMode:    res.Mode,
		Deduplicated:     out.Deduplicated,
		SubmissionID:     &subID,
		JobID:            &jobID,
		JobStatus:        out.Job.Status,
		Kind:             res.Kind.Kind,
		ShadowDispatched: shadowed,
	}, nil
}

func (s *Service) runSync(ctx context.Context, res Resolved) (Response, error) {
	if s.runner == nil {
		return Response{}, errorf(http.StatusServiceUnavailable, "sync execution is not available")
	}
	runID := uuid.New()
	out, err := s.runner.Run(ctx, pipeline.Input{
		JobID:          runID,
		Attempt:        1,
		Kind:           res.Kind,
		Site:           pipeline.TargetFor(res.Site, res.Credential),
		PublishingSite: res.PublishingHost,
		PostStatus:     res.PostStatus,
		AuthorID:       res.AuthorID,
		CategoryIDs:    res.Categories,
	}, pipeline.Discard)
	if err != nil {
		s.logger.Warn("intake.sync_failed", zap.String("run_id", runID.String()), zap.Error(err))
		return Response{}, errorf(http.StatusBadGateway, "%s", err.Error())
	}
	telemetry.SubmissionsTotal.WithLabelValues(ModeSync, "false").Inc()
	s.logger.Info("intake.sync_succeeded", zap.String("site_id", res.Site.ID.String()), zap.Int64("wp_post_id", out.PostID))

	return Response{
		OK:            true,
		ExecutionMode: ModeSync,
		Kind:          res.Kind.Kind,
		Result: &SyncResult{
			SourceURL:      res.Kind.Source.URL,
			SiteID:         res.Site.ID,
			CredentialID:   res.Credential.ID,
			PublishingSite: res.PublishingHost,
			ImageURL:       out.ImageURL,
			MediaID:        out.MediaID,
			PostID:         out.PostID,
			PostURL:        out.PostURL,
		},
	}, nil
}

// ShadowForwarder copies raw webhook bodies to a secondary endpoint.
type ShadowForwarder struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

func NewShadowForwarder(url string, logger *zap.Logger) *ShadowForwarder {
	return &ShadowForwarder{url: url, http: &http.Client{Timeout: 10 * time.Second}, logger: logger}
}

// Forward posts body and reports whether the endpoint accepted it. Failures
// are logged and never fail the request.
func (f *ShadowForwarder) Forward(ctx context.Context, body []byte, contentType string) bool {
	if f == nil || f.url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		f.logger.Warn("intake.shadow_dispatch_failed", zap.Error(err))
		return false
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.Warn("intake.shadow_dispatch_failed", zap.Error(err))
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		f.logger.Warn("intake.shadow_dispatch_rejected", zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}
