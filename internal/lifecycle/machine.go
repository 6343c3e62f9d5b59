// Package lifecycle decides job status transitions after a pipeline run or
// an approver action and writes them back through the job store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/models"
	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/store"
	"guestpost-automation/internal/telemetry"
)

const maxErrorLen = 2000

// ErrInvalidTransition is returned when the job's current status does not
// allow the requested action.
var ErrInvalidTransition = errors.New("invalid job transition")

// Mutator is the row-locked read-modify-write the machine needs.
// *store.Store satisfies it.
type Mutator interface {
	MutateJob(ctx context.Context, id uuid.UUID, fn func(job *models.Job) (store.JobMutation, error)) (models.Job, error)
}

// Decision is the status a run outcome leads to.
type Decision struct {
	Status    models.JobStatus
	WillRetry bool
	Retryable bool
}

// Decide maps a run outcome to the next status. A nil cause is success;
// permanent causes fail at once; other causes retry until the attempt count
// reaches maxAttempts.
func Decide(job models.Job, cause error, maxAttempts int) Decision {
	if cause == nil {
		return Decision{Status: models.StatusSucceeded}
	}
	if pipeline.IsPermanent(cause) {
		return Decision{Status: models.StatusFailed}
	}
	if job.AttemptCount < maxAttempts {
		return Decision{Status: models.StatusRetrying, WillRetry: true, Retryable: true}
	}
	return Decision{Status: models.StatusFailed, Retryable: true}
}

// Approver identifies the admin acting on a job.
type Approver struct {
	ID   uuid.UUID
	Name string
}

type Machine struct {
	store              Mutator
	defaultMaxAttempts int
	logger             *zap.Logger
	now                func() time.Time
}

func New(st Mutator, defaultMaxAttempts int, logger *zap.Logger) *Machine {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 1
	}
	return &Machine{store: st, defaultMaxAttempts: defaultMaxAttempts, logger: logger, now: time.Now}
}

func (m *Machine) maxAttempts(job models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return m.defaultMaxAttempts
}

// Succeed marks a processing job succeeded and stores the resulting post.
func (m *Machine) Succeed(ctx context.Context, jobID uuid.UUID, res pipeline.Result) (models.Job, error) {
	job, err := m.store.MutateJob(ctx, jobID, func(job *models.Job) (store.JobMutation, error) {
		if job.Status != models.StatusProcessing {
			return store.JobMutation{}, fmt.Errorf("%w: succeed from %s", ErrInvalidTransition, job.Status)
		}
		job.Status = models.StatusSucceeded
		job.LastError = nil
		if res.PostID > 0 {
			id, url := res.PostID, res.PostURL
			job.WPPostID = &id
			job.WPPostURL = &url
		}
		return store.JobMutation{}, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Status)).Inc()
	m.logger.Info("lifecycle.succeeded", zap.String("job_id", jobID.String()), zap.Int("attempt", job.AttemptCount))
	return job, nil
}

// Fail records a failed run, choosing between retrying and failed, and
// appends a failed event describing the decision.
func (m *Machine) Fail(ctx context.Context, jobID uuid.UUID, cause error) (models.Job, Decision, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	var decision Decision
	job, err := m.store.MutateJob(ctx, jobID, func(job *models.Job) (store.JobMutation, error) {
		if job.Status != models.StatusProcessing {
			return store.JobMutation{}, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, job.Status)
		}
		maxAttempts := m.maxAttempts(*job)
		decision = Decide(*job, cause, maxAttempts)
		msg := truncate(cause.Error(), maxErrorLen)
		job.Status = decision.Status
		job.LastError = &msg

		payload := map[string]any{
			"error":        msg,
			"attempt":      job.AttemptCount,
			"max_attempts": maxAttempts,
			"will_retry":   decision.WillRetry,
			"retryable":    decision.Retryable,
		}
		if stage, ok := pipeline.FailedStage(cause); ok {
			payload["stage"] = string(stage)
		}
		return store.JobMutation{Event: &store.EventDraft{Type: models.EventFailed, Payload: payload}}, nil
	})
	if err != nil {
		return models.Job{}, Decision{}, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Status)).Inc()
	m.logger.Warn("lifecycle.failed",
		zap.String("job_id", jobID.String()),
		zap.String("status", string(job.Status)),
		zap.Int("attempt", job.AttemptCount),
		zap.Bool("will_retry", decision.WillRetry),
		zap.Error(cause),
	)
	return job, decision, nil
}

// Approve releases a pending job to the queue. Approval fields already set
// are kept, so repeating the call is a no-op. postID attaches the draft post
// a manual order publishes.
func (m *Machine) Approve(ctx context.Context, jobID uuid.UUID, by Approver, postID *int64) (models.Job, error) {
	if postID != nil && *postID <= 0 {
		return models.Job{}, fmt.Errorf("%w: post id must be positive", ErrInvalidTransition)
	}
	changed := false
	job, err := m.store.MutateJob(ctx, jobID, func(job *models.Job) (store.JobMutation, error) {
		switch {
		case job.Status == models.StatusPendingApproval:
			job.Status = models.StatusQueued
			changed = true
		case job.Approved():
		default:
			return store.JobMutation{}, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, job.Status)
		}

		if job.RequiresAdminApproval {
			if job.ApprovedBy == nil {
				id := by.ID
				job.ApprovedBy = &id
				changed = true
			}
			if job.ApprovedByNameSnapshot == nil && by.Name != "" {
				name := by.Name
				job.ApprovedByNameSnapshot = &name
				changed = true
			}
			if job.ApprovedAt == nil {
				at := m.now().UTC()
				job.ApprovedAt = &at
				changed = true
			}
			if postID != nil && job.WPPostID == nil && !job.Status.Terminal() {
				id := *postID
				job.WPPostID = &id
				changed = true
			}
		}
		return store.JobMutation{}, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	if changed {
		m.logger.Info("lifecycle.approved", zap.String("job_id", jobID.String()), zap.String("approved_by", by.ID.String()))
	}
	return job, nil
}

// RejectionReasons labels the reason codes an approver may pick.
var RejectionReasons = map[string]string{
	"quality_below_standard":     "Content quality below publishing standard",
	"policy_or_compliance_issue": "Policy or compliance issue",
	"seo_or_link_issue":          "SEO or link placement issue",
	"format_or_structure_issue":  "Formatting or structure issue",
	"other":                      "Other",
}

// ReasonSummary renders the label for code, followed by text when given.
// Unknown codes fall back to "Other".
func ReasonSummary(code, text string) string {
	label, ok := RejectionReasons[code]
	if !ok {
		label = RejectionReasons["other"]
	}
	if text == "" {
		return label
	}
	return label + ": " + text
}

// Reject closes a pending job and marks its submission rejected.
func (m *Machine) Reject(ctx context.Context, jobID uuid.UUID, by Approver, code, text string) (models.Job, error) {
	summary := ReasonSummary(code, text)
	job, err := m.store.MutateJob(ctx, jobID, func(job *models.Job) (store.JobMutation, error) {
		if !job.RequiresAdminApproval || job.Status != models.StatusPendingApproval {
			return store.JobMutation{}, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, job.Status)
		}
		now := m.now().UTC()
		msg := truncate(fmt.Sprintf("Rejected by admin (%s): %s", approverLabel(by), summary), maxErrorLen)
		job.Status = models.StatusRejected
		job.LastError = &msg

		var reasonText any
		if text != "" {
			reasonText = text
		}
		return store.JobMutation{
			Event: &store.EventDraft{Type: models.EventFailed, Payload: map[string]any{
				"action":           "admin_reject",
				"reason_code":      code,
				"reason_label":     ReasonSummary(code, ""),
				"reason_text":      reasonText,
				"reason_summary":   summary,
				"rejected_by":      by.ID.String(),
				"rejected_by_name": by.Name,
				"rejected_at":      now.Format(time.RFC3339),
			}},
			SubmissionStatus: models.SubmissionRejected,
			RejectionReason:  &summary,
		}, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Status)).Inc()
	m.logger.Info("lifecycle.rejected", zap.String("job_id", jobID.String()), zap.String("reason_code", code))
	return job, nil
}

// Cancel stops a job that is waiting to run. Processing jobs cannot be
// canceled.
func (m *Machine) Cancel(ctx context.Context, jobID uuid.UUID, by Approver, reason string) (models.Job, error) {
	job, err := m.store.MutateJob(ctx, jobID, func(job *models.Job) (store.JobMutation, error) {
		switch job.Status {
		case models.StatusQueued, models.StatusRetrying, models.StatusPendingApproval, models.StatusFailed:
		default:
			return store.JobMutation{}, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, job.Status)
		}
		from := job.Status
		job.Status = models.StatusCanceled
		payload := map[string]any{
			"from_status":      string(from),
			"canceled_by":      by.ID.String(),
			"canceled_by_name": by.Name,
		}
		if reason != "" {
			payload["reason"] = reason
		}
		return store.JobMutation{Event: &store.EventDraft{Type: models.EventCanceled, Payload: payload}}, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Status)).Inc()
	m.logger.Info("lifecycle.canceled", zap.String("job_id", jobID.String()))
	return job, nil
}

func approverLabel(by Approver) string {
	if by.Name != "" {
		return by.Name
	}
	return by.ID.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
