package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"guestpost-automation/internal/models"
)

// EnqueueParams collects a validated submission and its job settings.
type EnqueueParams struct {
	ClientID          uuid.UUID
	SiteID            uuid.UUID
	Kind              models.SubmissionKind
	BacklinkPlacement string
	PostStatus        string
	Notes             models.Notes
	RequiresApproval  bool
	MaxAttempts       int
}

// EnqueueResult is the submission/job pair returned by Enqueue.
type EnqueueResult struct {
	Submission   models.Submission
	Job          models.Job
	Deduplicated bool
}

var errLostRace = errors.New("idempotency insert lost race")

// Enqueue creates a submission and job, or reuses the ones already recorded
// under the same (client, site, idempotency key). Lookup and insert run in
// one transaction; a concurrent insert of the same key is resolved by the
// unique index and re-read.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if p.Notes.IdempotencyKey == "" {
		return EnqueueResult{}, errors.New("idempotency key is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	res, err := s.enqueueOnce(ctx, p)
	if errors.Is(err, errLostRace) {
		res, err = s.enqueueOnce(ctx, p)
	}
	return res, err
}

func (s *Store) enqueueOnce(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	var res EnqueueResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanSubmission(tx.QueryRow(ctx, `
			SELECT `+submissionColumns+` FROM submissions
			WHERE client_id = $1 AND site_id = $2 AND notes->>'idempotency_key' = $3
			FOR UPDATE
		`, p.ClientID, p.SiteID, p.Notes.IdempotencyKey))
		switch {
		case err == nil:
			return reuseSubmission(ctx, tx, existing, p, &res)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("lookup submission: %w", err)
		}

		sub, err := insertSubmission(ctx, tx, p)
		if err != nil {
			return err
		}
		job, err := insertJob(ctx, tx, sub, p)
		if err != nil {
			return err
		}
		res = EnqueueResult{Submission: sub, Job: job}
		return nil
	})
	return res, err
}

func reuseSubmission(ctx context.Context, tx pgx.Tx, sub models.Submission, p EnqueueParams, res *EnqueueResult) error {
	if !sameSource(sub.Kind, p.Kind) {
		return fmt.Errorf("key %q: %w", p.Notes.IdempotencyKey, ErrIdempotencyConflict)
	}
	res.Submission = sub
	res.Deduplicated = true

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE submission_id = $1
		ORDER BY created_at DESC LIMIT 1
		FOR UPDATE
	`, sub.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		job, err = insertJob(ctx, tx, sub, p)
		if err != nil {
			return err
		}
		res.Job = job
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}

	next, changed := reuseJob(job, p.RequiresApproval)
	if changed {
		if err := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2, last_error = $3, requires_admin_approval = $4, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, next.ID, next.Status, next.LastError, next.RequiresAdminApproval).Scan(&next.UpdatedAt); err != nil {
			return fmt.Errorf("reuse job: %w", err)
		}
	}
	res.Job = next
	return nil
}

// reuseJob applies the resubmission rules to the latest job of a duplicate
// submission and reports whether anything changed.
func reuseJob(job models.Job, requiresApproval bool) (models.Job, bool) {
	before := job
	switch job.Status {
	case models.StatusSucceeded, models.StatusRejected, models.StatusCanceled:
		return job, false
	case models.StatusProcessing:
		job.RequiresAdminApproval = requiresApproval
	case models.StatusFailed:
		job.RequiresAdminApproval = requiresApproval
		job.LastError = nil
		job.Status = models.StatusRetrying
		if !job.Approved() {
			job.Status = models.StatusPendingApproval
		}
	default:
		job.RequiresAdminApproval = requiresApproval
		switch {
		case !job.Approved():
			job.Status = models.StatusPendingApproval
		case job.Status == models.StatusPendingApproval:
			job.Status = models.StatusQueued
		}
	}
	changed := job.Status != before.Status ||
		job.RequiresAdminApproval != before.RequiresAdminApproval ||
		(before.LastError != nil && job.LastError == nil)
	return job, changed
}

func sameSource(a, b models.SubmissionKind) bool {
	if a.Kind != b.Kind || a.HasDocument() != b.HasDocument() {
		return false
	}
	return !a.HasDocument() || *a.Source == *b.Source
}

func insertSubmission(ctx context.Context, tx pgx.Tx, p EnqueueParams) (models.Submission, error) {
	notesJSON, err := json.Marshal(p.Notes)
	if err != nil {
		return models.Submission{}, fmt.Errorf("marshal notes: %w", err)
	}
	var sourceKind, sourceURL *string
	if p.Kind.HasDocument() {
		k := string(p.Kind.Source.Kind)
		sourceKind, sourceURL = &k, &p.Kind.Source.URL
	}

	now := time.Now().UTC()
	sub := models.Submission{
		ID:                uuid.New(),
		ClientID:          p.ClientID,
		SiteID:            p.SiteID,
		Kind:              p.Kind,
		BacklinkPlacement: p.BacklinkPlacement,
		PostStatus:        p.PostStatus,
		Notes:             p.Notes,
		Status:            models.SubmissionQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO submissions (id, client_id, site_id, request_kind, submission_kind, source_kind, source_url,
			backlink_placement, post_status, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (client_id, site_id, (notes->>'idempotency_key')) DO NOTHING
	`, sub.ID, sub.ClientID, sub.SiteID, p.Kind.RequestKind(), p.Kind.Kind, sourceKind, sourceURL,
		emptyToNil(p.BacklinkPlacement), p.PostStatus, notesJSON, sub.Status, now)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Submission{}, errLostRace
	}
	return sub, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, sub models.Submission, p EnqueueParams) (models.Job, error) {
	status := models.StatusQueued
	if p.RequiresApproval {
		status = models.StatusPendingApproval
	}
	job := models.Job{
		ID:                    uuid.New(),
		SubmissionID:          sub.ID,
		ClientID:              sub.ClientID,
		SiteID:                sub.SiteID,
		Status:                status,
		MaxAttempts:           p.MaxAttempts,
		RequiresAdminApproval: p.RequiresApproval,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, submission_id, client_id, site_id, status, attempt_count, max_attempts, requires_admin_approval)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		RETURNING created_at, updated_at
	`, job.ID, job.SubmissionID, job.ClientID, job.SiteID, job.Status, job.MaxAttempts, job.RequiresAdminApproval).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Job{}, fmt.Errorf("submission %s already has an active job: %w", sub.ID, err)
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

const submissionColumns = `id, client_id, site_id, submission_kind, source_kind, source_url, backlink_placement,
	post_status, notes, status, rejection_reason, created_at, updated_at`

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var sub models.Submission
	var kind, status string
	var sourceKind, sourceURL, placement, reason pgtype.Text
	var notesJSON []byte
	if err := row.Scan(&sub.ID, &sub.ClientID, &sub.SiteID, &kind, &sourceKind, &sourceURL, &placement,
		&sub.PostStatus, &notesJSON, &status, &reason, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return models.Submission{}, err
	}
	if err := json.Unmarshal(notesJSON, &sub.Notes); err != nil {
		return models.Submission{}, fmt.Errorf("unmarshal notes: %w", err)
	}
	sub.Kind = models.SubmissionKind{Kind: models.Kind(kind)}
	if sourceKind.Valid && sourceURL.Valid {
		sub.Kind.Source = &models.DocumentSource{Kind: models.SourceKind(sourceKind.String), URL: sourceURL.String}
	}
	sub.BacklinkPlacement = placement.String
	sub.Status = models.SubmissionStatus(status)
	sub.RejectionReason = textPtr(reason)
	return sub, nil
}

// GetSubmission fetches a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// FindSubmissionByIdempotencyKey returns the most recent submission recorded
// under key. A non-nil clientID limits the lookup to that tenant.
func (s *Store) FindSubmissionByIdempotencyKey(ctx context.Context, key string, clientID *uuid.UUID) (models.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE notes->>'idempotency_key' = $1
			AND ($2::uuid IS NULL OR client_id = $2)
		ORDER BY created_at DESC LIMIT 1
	`, key, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("idempotency key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("find submission: %w", err)
	}
	return sub, nil
}
