package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestKind is the coarse request category supplied by the caller.
type RequestKind string

const (
	RequestGuestPost RequestKind = "guest_post"
	RequestOrder     RequestKind = "order"
)

// SourceKind identifies how the source document is referenced.
type SourceKind string

const (
	SourceDocLink    SourceKind = "doc-link"
	SourceFileUpload SourceKind = "file-upload"
)

// Kind discriminates SubmissionKind.
type Kind string

const (
	KindGuestPost     Kind = "guest_post"
	KindDocumentOrder Kind = "document_order"
	KindManualOrder   Kind = "manual_order"
	KindCreatorOrder  Kind = "creator_order"
)

// DocumentSource references the caller's content document.
type DocumentSource struct {
	Kind SourceKind `json:"kind"`
	URL  string     `json:"url"`
}

// SubmissionKind is resolved once at intake. Source is set for the document
// kinds and nil for manual and creator orders; use the constructors.
type SubmissionKind struct {
	Kind   Kind
	Source *DocumentSource
}

func GuestPost(src DocumentSource) SubmissionKind {
	return SubmissionKind{Kind: KindGuestPost, Source: &src}
}

func DocumentOrder(src DocumentSource) SubmissionKind {
	return SubmissionKind{Kind: KindDocumentOrder, Source: &src}
}

func ManualOrder() SubmissionKind { return SubmissionKind{Kind: KindManualOrder} }

func CreatorOrder() SubmissionKind { return SubmissionKind{Kind: KindCreatorOrder} }

// HasDocument reports whether the kind carries a source document.
func (k SubmissionKind) HasDocument() bool { return k.Source != nil }

// RequestKind maps the union back to the persisted request category.
func (k SubmissionKind) RequestKind() RequestKind {
	if k.Kind == KindGuestPost {
		return RequestGuestPost
	}
	return RequestOrder
}

// SubmissionStatus enumerates intake states of a submission.
type SubmissionStatus string

const (
	SubmissionReceived  SubmissionStatus = "received"
	SubmissionValidated SubmissionStatus = "validated"
	SubmissionRejected  SubmissionStatus = "rejected"
	SubmissionQueued    SubmissionStatus = "queued"
)

// Notes is the structured side-channel stored with a submission.
type Notes struct {
	IdempotencyKey string `json:"idempotency_key"`
	PostStatus     string `json:"post_status,omitempty"`
	AuthorID       int64  `json:"author_id,omitempty"`
	TargetSite     string `json:"target_site,omitempty"`
	Anchor         string `json:"anchor,omitempty"`
	Topic          string `json:"topic,omitempty"`
	TargetURL      string `json:"target_url,omitempty"`
	ExecutionMode  string `json:"execution_mode,omitempty"`
}

// Submission is an immutable intake record.
type Submission struct {
	ID                uuid.UUID        `json:"id"`
	ClientID          uuid.UUID        `json:"client_id"`
	SiteID            uuid.UUID        `json:"site_id"`
	Kind              SubmissionKind   `json:"-"`
	BacklinkPlacement string           `json:"backlink_placement,omitempty"`
	PostStatus        string           `json:"post_status"`
	Notes             Notes            `json:"notes"`
	Status            SubmissionStatus `json:"status"`
	RejectionReason   *string          `json:"rejection_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Post status values accepted by the target site.
const (
	PostStatusDraft   = "draft"
	PostStatusPublish = "publish"
)

// Backlink placements.
const (
	PlacementIntro      = "intro"
	PlacementConclusion = "conclusion"
)
