package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"guestpost-automation/internal/models"
)

const jobColumns = `id, submission_id, client_id, site_id, status, attempt_count, max_attempts, last_error,
	requires_admin_approval, approved_by, approved_by_name_snapshot, approved_at, wp_post_id, wp_post_url,
	created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var lastErr, approverName, postURL pgtype.Text
	var approvedBy pgtype.UUID
	var approvedAt pgtype.Timestamptz
	var postID pgtype.Int8
	if err := row.Scan(&job.ID, &job.SubmissionID, &job.ClientID, &job.SiteID, &status, &job.AttemptCount,
		&job.MaxAttempts, &lastErr, &job.RequiresAdminApproval, &approvedBy, &approverName, &approvedAt,
		&postID, &postURL, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.LastError = textPtr(lastErr)
	job.ApprovedByNameSnapshot = textPtr(approverName)
	job.WPPostID = int8Ptr(postID)
	job.WPPostURL = textPtr(postURL)
	if approvedBy.Valid {
		id := uuid.UUID(approvedBy.Bytes)
		job.ApprovedBy = &id
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		job.ApprovedAt = &t
	}
	return job, nil
}

// ClaimNext atomically takes the oldest claimable job, marks it processing
// and increments its attempt count. Rows locked by other workers are
// skipped. ok is false when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context) (job models.Job, ok bool, err error) {
	job, err = scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('queued', 'retrying')
			  AND (NOT requires_admin_approval OR approved_at IS NOT NULL)
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// LatestJob returns the most recent job of a submission.
func (s *Store) LatestJob(ctx context.Context, submissionID uuid.UUID) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE submission_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, submissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job for submission %s: %w", submissionID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get latest job: %w", err)
	}
	return job, nil
}

// ListPendingApproval returns jobs waiting for an approver, oldest first.
func (s *Store) ListPendingApproval(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending_approval'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// EventDraft is an event to append as part of a job mutation.
type EventDraft struct {
	Type    models.EventType
	Payload map[string]any
}

// JobMutation lists the side effects committed together with a job update.
type JobMutation struct {
	Event            *EventDraft
	SubmissionStatus models.SubmissionStatus
	RejectionReason  *string
}

// MutateJob locks the job row, lets fn modify it and persists the mutable
// fields plus any side effects in the same transaction. An error from fn
// aborts the transaction and is returned unchanged.
func (s *Store) MutateJob(ctx context.Context, id uuid.UUID, fn func(job *models.Job) (JobMutation, error)) (models.Job, error) {
	var out models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		before := job
		mut, err := fn(&job)
		if err != nil {
			return err
		}
		if !job.Status.Valid() {
			return fmt.Errorf("invalid job status %q", job.Status)
		}
		if job.AttemptCount < before.AttemptCount {
			return fmt.Errorf("attempt count cannot decrease (%d -> %d)", before.AttemptCount, job.AttemptCount)
		}

		if err := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2, attempt_count = $3, last_error = $4, requires_admin_approval = $5,
				approved_by = $6, approved_by_name_snapshot = $7, approved_at = $8,
				wp_post_id = $9, wp_post_url = $10, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, job.ID, job.Status, job.AttemptCount, job.LastError, job.RequiresAdminApproval,
			job.ApprovedBy, job.ApprovedByNameSnapshot, job.ApprovedAt, job.WPPostID, job.WPPostURL).
			Scan(&job.UpdatedAt); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		if mut.Event != nil {
			if err := insertEvent(ctx, tx, job.ID, mut.Event.Type, mut.Event.Payload); err != nil {
				return err
			}
		}
		if mut.SubmissionStatus != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE submissions
				SET status = $2, rejection_reason = COALESCE($3, rejection_reason), updated_at = NOW()
				WHERE id = $1
			`, job.SubmissionID, mut.SubmissionStatus, mut.RejectionReason); err != nil {
				return fmt.Errorf("update submission: %w", err)
			}
		}
		out = job
		return nil
	})
	return out, err
}

// RecordPost stores the published post reference on the job together with
// its post event, so a later attempt updates the same post.
func (s *Store) RecordPost(ctx context.Context, jobID uuid.UUID, postID int64, postURL string, eventType models.EventType, payload map[string]any) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET wp_post_id = $2, wp_post_url = $3, updated_at = NOW() WHERE id = $1
		`, jobID, postID, emptyToNil(postURL))
		if err != nil {
			return fmt.Errorf("record post: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return insertEvent(ctx, tx, jobID, eventType, payload)
	})
}

// AppendEvent adds an audit event to a job.
func (s *Store) AppendEvent(ctx context.Context, jobID uuid.UUID, eventType models.EventType, payload map[string]any) error {
	return insertEvent(ctx, s.pool, jobID, eventType, payload)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, jobID uuid.UUID, eventType models.EventType, payload map[string]any) error {
	if !eventType.Valid() {
		return fmt.Errorf("invalid event type %q", eventType)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO job_events (id, job_id, event_type, payload) VALUES ($1, $2, $3, $4)
	`, uuid.New(), jobID, eventType, payloadJSON); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events in insertion order.
func (s *Store) ListEvents(ctx context.Context, jobID uuid.UUID) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event_type, payload, created_at FROM job_events
		WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var eventType string
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &eventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = models.EventType(eventType)
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertAsset records an artifact produced for a job.
func (s *Store) InsertAsset(ctx context.Context, a models.Asset) (models.Asset, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Meta == nil {
		a.Meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(a.Meta)
	if err != nil {
		return models.Asset{}, fmt.Errorf("marshal asset meta: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO assets (id, job_id, asset_type, provider, source_url, storage_url, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, a.ID, a.JobID, a.Type, a.Provider, a.SourceURL, a.StorageURL, metaJSON).Scan(&a.CreatedAt); err != nil {
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return a, nil
}

// ListAssets returns a job's assets oldest first.
func (s *Store) ListAssets(ctx context.Context, jobID uuid.UUID) ([]models.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, asset_type, provider, source_url, storage_url, meta, created_at
		FROM assets WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		var a models.Asset
		var assetType string
		var metaJSON []byte
		if err := rows.Scan(&a.ID, &a.JobID, &assetType, &a.Provider, &a.SourceURL, &a.StorageURL, &metaJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		a.Type = models.AssetType(assetType)
		if err := json.Unmarshal(metaJSON, &a.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal asset meta: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// JobContext bundles everything the pipeline needs to execute a job.
type JobContext struct {
	Job        models.Job
	Submission models.Submission
	Site       models.Site
	Credential models.SiteCredential
	Categories []int64
}

// LoadJobContext resolves a claimed job's submission, site and credential.
func (s *Store) LoadJobContext(ctx context.Context, jobID uuid.UUID) (JobContext, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return JobContext{}, err
	}
	sub, err := s.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return JobContext{}, err
	}
	site, err := s.GetActiveSite(ctx, job.SiteID)
	if err != nil {
		return JobContext{}, err
	}
	cred, err := s.LatestEnabledCredential(ctx, job.SiteID)
	if err != nil {
		return JobContext{}, err
	}
	cats, err := s.DefaultCategoryIDs(ctx, job.SiteID)
	if err != nil {
		return JobContext{}, err
	}
	return JobContext{Job: job, Submission: sub, Site: site, Credential: cred, Categories: cats}, nil
}
