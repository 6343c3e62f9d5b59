package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusProcessing      JobStatus = "processing"
	StatusPendingApproval JobStatus = "pending_approval"
	StatusRejected        JobStatus = "rejected"
	StatusSucceeded       JobStatus = "succeeded"
	StatusFailed          JobStatus = "failed"
	StatusRetrying        JobStatus = "retrying"
	StatusCanceled        JobStatus = "canceled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusPendingApproval, StatusRejected,
		StatusSucceeded, StatusFailed, StatusRetrying, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusRejected || s == StatusCanceled
}

// Claimable reports whether the scheduler may pick up a job in status s.
func (s JobStatus) Claimable() bool {
	return s == StatusQueued || s == StatusRetrying
}

// Job is one execution attempt-series for a submission.
type Job struct {
	ID                     uuid.UUID  `json:"id"`
	SubmissionID           uuid.UUID  `json:"submission_id"`
	ClientID               uuid.UUID  `json:"client_id"`
	SiteID                 uuid.UUID  `json:"site_id"`
	Status                 JobStatus  `json:"status"`
	AttemptCount           int        `json:"attempt_count"`
	MaxAttempts            int        `json:"max_attempts"`
	LastError              *string    `json:"last_error,omitempty"`
	RequiresAdminApproval  bool       `json:"requires_admin_approval"`
	ApprovedBy             *uuid.UUID `json:"approved_by,omitempty"`
	ApprovedByNameSnapshot *string    `json:"approved_by_name_snapshot,omitempty"`
	ApprovedAt             *time.Time `json:"approved_at,omitempty"`
	WPPostID               *int64     `json:"wp_post_id,omitempty"`
	WPPostURL              *string    `json:"wp_post_url,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Approved reports whether the approval gate, if any, has been passed.
func (j Job) Approved() bool {
	return !j.RequiresAdminApproval || j.ApprovedAt != nil
}

// EventType enumerates the audit events a job may record.
type EventType string

const (
	EventCalledConverter EventType = "called-converter"
	EventConverterOK     EventType = "converter-ok"
	EventImagePromptOK   EventType = "image-prompt-ok"
	EventImageGenerated  EventType = "image-generated"
	EventPostCreated     EventType = "post-created"
	EventPostUpdated     EventType = "post-updated"
	EventFailed          EventType = "failed"
	EventPhaseMarker     EventType = "phase-marker"
	EventCanceled        EventType = "canceled"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCalledConverter, EventConverterOK, EventImagePromptOK, EventImageGenerated,
		EventPostCreated, EventPostUpdated, EventFailed, EventPhaseMarker, EventCanceled:
		return true
	}
	return false
}

// JobEvent is an append-only audit record.
type JobEvent struct {
	ID        uuid.UUID      `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	Type      EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// AssetType enumerates artifacts attached to a job.
type AssetType string

const AssetFeaturedImage AssetType = "featured_image"

// Asset records an artifact produced for a job.
type Asset struct {
	ID         uuid.UUID      `json:"id"`
	JobID      uuid.UUID      `json:"job_id"`
	Type       AssetType      `json:"asset_type"`
	Provider   string         `json:"provider"`
	SourceURL  string         `json:"source_url"`
	StorageURL string         `json:"storage_url"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  time.Time      `json:"created_at"`
}
