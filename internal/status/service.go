// Package status answers read-only progress queries for submissions and jobs.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"guestpost-automation/internal/models"
	"guestpost-automation/internal/store"
)

var (
	ErrNotFound     = errors.New("status: not found")
	ErrInvalidQuery = errors.New("status: provide idempotency_key, job_id or submission_id")
)

// Reader is the slice of the job store the service reads.
type Reader interface {
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error)
	FindSubmissionByIdempotencyKey(ctx context.Context, key string, clientID *uuid.UUID) (models.Submission, error)
	LatestJob(ctx context.Context, submissionID uuid.UUID) (models.Job, error)
	ListEvents(ctx context.Context, jobID uuid.UUID) ([]models.JobEvent, error)
	ListAssets(ctx context.Context, jobID uuid.UUID) ([]models.Asset, error)
}

// Query selects a submission. JobID wins over SubmissionID, which wins over
// IdempotencyKey. ClientID, when set, restricts results to that tenant.
type Query struct {
	IdempotencyKey string
	JobID          *uuid.UUID
	SubmissionID   *uuid.UUID
	ClientID       *uuid.UUID
}

// Event is one audit entry in a View.
type Event struct {
	Type      models.EventType `json:"event_type"`
	Payload   map[string]any   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// View is the progress of a submission and its latest job.
type View struct {
	IdempotencyKey   string                  `json:"idempotency_key,omitempty"`
	SubmissionID     uuid.UUID               `json:"submission_id"`
	SubmissionStatus models.SubmissionStatus `json:"submission_status"`
	RejectionReason  *string                 `json:"rejection_reason,omitempty"`
	Kind             models.Kind             `json:"submission_kind"`
	ClientID         uuid.UUID               `json:"client_id"`
	SiteID           uuid.UUID               `json:"site_id"`

	JobID                  *uuid.UUID       `json:"job_id,omitempty"`
	JobStatus              models.JobStatus `json:"job_status,omitempty"`
	AttemptCount           *int             `json:"attempt_count,omitempty"`
	MaxAttempts            *int             `json:"max_attempts,omitempty"`
	LastError              *string          `json:"last_error,omitempty"`
	RequiresAdminApproval  bool             `json:"requires_admin_approval"`
	ApprovedBy             *uuid.UUID       `json:"approved_by,omitempty"`
	ApprovedByNameSnapshot *string          `json:"approved_by_name_snapshot,omitempty"`
	ApprovedAt             *time.Time       `json:"approved_at,omitempty"`
	WPPostID               *int64           `json:"wp_post_id,omitempty"`
	WPPostURL              *string          `json:"wp_post_url,omitempty"`
	Events                 []Event          `json:"events"`
	Assets                 []models.Asset   `json:"assets"`
}

type Service struct {
	reader Reader
}

func NewService(r Reader) *Service {
	return &Service{reader: r}
}

// Status resolves the submission named by q together with a job and that
// job's ordered events and assets. A JobID query reports that job; the other
// selectors report the submission's latest job.
func (s *Service) Status(ctx context.Context, q Query) (View, error) {
	sub, queried, err := s.submission(ctx, q)
	if err != nil {
		return View{}, err
	}
	if q.ClientID != nil && sub.ClientID != *q.ClientID {
		return View{}, ErrNotFound
	}

	view := View{
		IdempotencyKey:   sub.Notes.IdempotencyKey,
		SubmissionID:     sub.ID,
		SubmissionStatus: sub.Status,
		RejectionReason:  sub.RejectionReason,
		Kind:             sub.Kind.Kind,
		ClientID:         sub.ClientID,
		SiteID:           sub.SiteID,
		Events:           []Event{},
		Assets:           []models.Asset{},
	}

	var job models.Job
	if queried != nil {
		job = *queried
	} else {
		job, err = s.reader.LatestJob(ctx, sub.ID)
		if errors.Is(err, store.ErrNotFound) {
			return view, nil
		}
		if err != nil {
			return View{}, fmt.Errorf("latest job: %w", err)
		}
	}

	jobID, attempts, maxAttempts := job.ID, job.AttemptCount, job.MaxAttempts
	view.JobID = &jobID
	view.JobStatus = job.Status
	view.AttemptCount = &attempts
	view.MaxAttempts = &maxAttempts
	view.LastError = job.LastError
	view.RequiresAdminApproval = job.RequiresAdminApproval
	view.ApprovedBy = job.ApprovedBy
	view.ApprovedByNameSnapshot = job.ApprovedByNameSnapshot
	view.ApprovedAt = job.ApprovedAt
	view.WPPostID = job.WPPostID
	view.WPPostURL = job.WPPostURL

	events, err := s.reader.ListEvents(ctx, job.ID)
	if err != nil {
		return View{}, fmt.Errorf("list events: %w", err)
	}
	for _, ev := range events {
		view.Events = append(view.Events, Event{Type: ev.Type, Payload: ev.Payload, CreatedAt: ev.CreatedAt})
	}
	assets, err := s.reader.ListAssets(ctx, job.ID)
	if err != nil {
		return View{}, fmt.Errorf("list assets: %w", err)
	}
	view.Assets = append(view.Assets, assets...)
	return view, nil
}

func (s *Service) submission(ctx context.Context, q Query) (models.Submission, *models.Job, error) {
	var (
		sub     models.Submission
		queried *models.Job
		err     error
	)
	switch {
	case q.JobID != nil:
		var job models.Job
		job, err = s.reader.GetJob(ctx, *q.JobID)
		if err == nil {
			queried = &job
			sub, err = s.reader.GetSubmission(ctx, job.SubmissionID)
		}
	case q.SubmissionID != nil:
		sub, err = s.reader.GetSubmission(ctx, *q.SubmissionID)
	default:
		key := strings.TrimSpace(q.IdempotencyKey)
		if key == "" {
			return models.Submission{}, nil, ErrInvalidQuery
		}
		sub, err = s.reader.FindSubmissionByIdempotencyKey(ctx, key, q.ClientID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return models.Submission{}, nil, ErrNotFound
	}
	if err != nil {
		return models.Submission{}, nil, fmt.Errorf("load submission: %w", err)
	}
	return sub, queried, nil
}
