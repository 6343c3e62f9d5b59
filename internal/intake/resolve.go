package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"guestpost-automation/internal/auth"
	"guestpost-automation/internal/models"
	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/store"
)

const maxKeyLen = 200

// Directory is the read-only view of clients, sites and credentials.
type Directory interface {
	GetActiveClient(ctx context.Context, id uuid.UUID) (models.Client, error)
	FindActiveClientsByName(ctx context.Context, name string) ([]models.Client, error)
	GetActiveSite(ctx context.Context, id uuid.UUID) (models.Site, error)
	ListActiveSites(ctx context.Context) ([]models.Site, error)
	LatestEnabledCredential(ctx context.Context, siteID uuid.UUID) (models.SiteCredential, error)
	DefaultCategoryIDs(ctx context.Context, siteID uuid.UUID) ([]int64, error)
	HasSiteAccess(ctx context.Context, clientID, siteID uuid.UUID) (bool, error)
}

// Options are the deployment defaults intake falls back on.
type Options struct {
	DefaultClientID   *uuid.UUID
	EnforceSiteAccess bool
	DefaultAuthorID   int64
	DefaultPostStatus string
	MaxAttempts       int
}

// Resolved is a validated request with its tenant and site context.
type Resolved struct {
	Mode             string
	Client           models.Client
	Site             models.Site
	Credential       models.SiteCredential
	Categories       []int64
	Kind             models.SubmissionKind
	PostStatus       string
	AuthorID         int64
	Placement        string
	PublishingHost   string
	Notes            models.Notes
	RequiresApproval bool
}

// Resolve validates req for caller. Failures are *Error values.
func Resolve(ctx context.Context, dir Directory, opts Options, caller auth.Caller, req Request) (Resolved, error) {
	mode := strings.ToLower(strings.TrimSpace(req.ExecutionMode))
	if mode == "" {
		mode = ModeAsync
	}
	if mode != ModeSync && mode != ModeAsync && mode != ModeShadow {
		return Resolved{}, errorf(http.StatusUnprocessableEntity, "execution_mode must be sync, async or shadow")
	}

	kind, err := resolveKind(req)
	if err != nil {
		return Resolved{}, err
	}

	postStatus := strings.ToLower(strings.TrimSpace(req.PostStatus))
	if postStatus == "" {
		postStatus = opts.DefaultPostStatus
		if postStatus != models.PostStatusDraft && postStatus != models.PostStatusPublish {
			return Resolved{}, errorf(http.StatusInternalServerError, "AUTOMATION_POST_STATUS must be draft or publish")
		}
	}
	if postStatus != models.PostStatusDraft && postStatus != models.PostStatusPublish {
		return Resolved{}, errorf(http.StatusUnprocessableEntity, "post_status must be draft or publish")
	}

	placement := strings.ToLower(strings.TrimSpace(req.BacklinkPlacement))
	if placement == "" {
		placement = models.PlacementIntro
	}
	if placement != models.PlacementIntro && placement != models.PlacementConclusion {
		return Resolved{}, errorf(http.StatusUnprocessableEntity, "backlink_placement must be intro or conclusion")
	}

	site, err := resolveSite(ctx, dir, req.TargetSite)
	if err != nil {
		return Resolved{}, err
	}
	cred, err := dir.LatestEnabledCredential(ctx, site.ID)
	if errors.Is(err, store.ErrNoCredential) {
		return Resolved{}, errorf(http.StatusBadRequest, "no enabled site credential found for target site")
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("load credential: %w", err)
	}
	cats, err := dir.DefaultCategoryIDs(ctx, site.ID)
	if err != nil {
		return Resolved{}, fmt.Errorf("load categories: %w", err)
	}

	authorID, err := resolveAuthor(req.Author, cred.AuthorID, opts.DefaultAuthorID)
	if err != nil {
		return Resolved{}, err
	}

	res := Resolved{
		Mode:             mode,
		Site:             site,
		Credential:       cred,
		Categories:       cats,
		Kind:             kind,
		PostStatus:       postStatus,
		AuthorID:         authorID,
		Placement:        placement,
		PublishingHost:   pipeline.PublishingHost(req.TargetSite, site.SiteURL),
		RequiresApproval: (caller.Authenticated && !caller.IsAdmin()) || !kind.HasDocument(),
	}

	if mode == ModeSync {
		if !kind.HasDocument() {
			return Resolved{}, errorf(http.StatusBadRequest, "sync mode is not supported for orders without a document")
		}
		if res.RequiresApproval {
			return Resolved{}, errorf(http.StatusBadRequest, "sync mode is not available for requests that require admin approval")
		}
		return res, nil
	}

	client, err := resolveClient(ctx, dir, opts, caller, req)
	if err != nil {
		return Resolved{}, err
	}
	res.Client = client

	if opts.EnforceSiteAccess {
		ok, err := dir.HasSiteAccess(ctx, client.ID, site.ID)
		if err != nil {
			return Resolved{}, fmt.Errorf("check site access: %w", err)
		}
		if !ok {
			return Resolved{}, errorf(http.StatusBadRequest, "client does not have enabled access to this site")
		}
	}

	res.Notes = models.Notes{
		IdempotencyKey: idempotencyKey(req, client.ID, site.ID, kind),
		PostStatus:     postStatus,
		AuthorID:       authorID,
		TargetSite:     strings.TrimSpace(req.TargetSite),
		Anchor:         strings.TrimSpace(req.Anchor),
		Topic:          strings.TrimSpace(req.Topic),
		TargetURL:      strings.TrimSpace(req.TargetURL),
		ExecutionMode:  mode,
	}
	return res, nil
}

// resolveKind collapses request_kind, source_type and the creator flag into
// one submission kind. The creator flag wins over a manual order.
func resolveKind(req Request) (models.SubmissionKind, error) {
	requestKind := models.RequestKind(strings.ToLower(strings.TrimSpace(req.RequestKind)))
	if requestKind == "" {
		requestKind = models.RequestGuestPost
	}
	if requestKind != models.RequestGuestPost && requestKind != models.RequestOrder {
		return models.SubmissionKind{}, errorf(http.StatusUnprocessableEntity, "request_kind must be guest_post or order")
	}

	var src *models.DocumentSource
	switch sourceType := strings.ToLower(strings.TrimSpace(req.SourceType)); sourceType {
	case "google-doc":
		u, err := normalizeHTTPURL(req.DocURL, "doc_url")
		if err != nil {
			return models.SubmissionKind{}, err
		}
		src = &models.DocumentSource{Kind: models.SourceDocLink, URL: u}
	case "word-doc", "docx-upload":
		if strings.TrimSpace(req.DocxFile) == "" {
			return models.SubmissionKind{}, errorf(http.StatusUnprocessableEntity, "docx_file is required for source_type %s", sourceType)
		}
		u, err := normalizeHTTPURL(documentURL(req.DocxFile), "docx_file URL")
		if err != nil {
			return models.SubmissionKind{}, err
		}
		src = &models.DocumentSource{Kind: models.SourceFileUpload, URL: u}
	case "":
		if requestKind != models.RequestOrder {
			return models.SubmissionKind{}, errorf(http.StatusUnprocessableEntity, "source_type is required for guest posts")
		}
	default:
		return models.SubmissionKind{}, errorf(http.StatusUnprocessableEntity, "source_type must be one of google-doc, word-doc, docx-upload")
	}

	switch {
	case requestKind == models.RequestGuestPost:
		return models.GuestPost(*src), nil
	case src != nil:
		return models.DocumentOrder(*src), nil
	case req.Creator:
		if _, err := normalizeHTTPURL(req.TargetURL, "target_url"); err != nil {
			return models.SubmissionKind{}, err
		}
		return models.CreatorOrder(), nil
	default:
		return models.ManualOrder(), nil
	}
}

func resolveSite(ctx context.Context, dir Directory, target string) (models.Site, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return models.Site{}, errorf(http.StatusUnprocessableEntity, "target_site is required")
	}
	if id, err := uuid.Parse(target); err == nil {
		site, err := dir.GetActiveSite(ctx, id)
		if err == nil {
			return site, nil
		}
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrInactive) {
			return models.Site{}, fmt.Errorf("get site: %w", err)
		}
		return models.Site{}, errorf(http.StatusNotFound, "no active site matches target_site")
	}

	want := hostVariants(pipeline.NormalizeHost(target))
	if len(want) == 0 {
		return models.Site{}, errorf(http.StatusUnprocessableEntity, "target_site is invalid")
	}
	sites, err := dir.ListActiveSites(ctx)
	if err != nil {
		return models.Site{}, fmt.Errorf("list sites: %w", err)
	}
	for _, site := range sites {
		for _, have := range hostVariants(pipeline.NormalizeHost(site.SiteURL)) {
			for _, w := range want {
				if have == w {
					return site, nil
				}
			}
		}
	}
	return models.Site{}, errorf(http.StatusNotFound, "no active site matches target_site")
}

func resolveAuthor(requested, credential *int64, fallback int64) (int64, error) {
	if requested != nil {
		if *requested <= 0 {
			return 0, errorf(http.StatusUnprocessableEntity, "author must be a positive integer")
		}
		return *requested, nil
	}
	if credential != nil && *credential > 0 {
		return *credential, nil
	}
	if fallback <= 0 {
		return 0, errorf(http.StatusInternalServerError, "no valid author id; set site_credentials.author_id or AUTOMATION_POST_AUTHOR_ID")
	}
	return fallback, nil
}

func resolveClient(ctx context.Context, dir Directory, opts Options, caller auth.Caller, req Request) (models.Client, error) {
	if caller.Authenticated && !caller.IsAdmin() {
		if caller.ClientID == nil {
			return models.Client{}, errorf(http.StatusForbidden, "caller is not associated with a client")
		}
		if raw := strings.TrimSpace(req.ClientID); raw != "" && raw != caller.ClientID.String() {
			return models.Client{}, errorf(http.StatusForbidden, "client_id does not match the authenticated client")
		}
		return activeClient(ctx, dir, *caller.ClientID)
	}

	if raw := strings.TrimSpace(req.ClientID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.Client{}, errorf(http.StatusUnprocessableEntity, "client_id must be a UUID")
		}
		return activeClient(ctx, dir, id)
	}

	if name := strings.TrimSpace(req.ClientName); name != "" {
		matches, err := dir.FindActiveClientsByName(ctx, name)
		if err != nil {
			return models.Client{}, fmt.Errorf("find client: %w", err)
		}
		switch len(matches) {
		case 0:
			return models.Client{}, errorf(http.StatusBadRequest, "no active client matches client_name %q", name)
		case 1:
			return matches[0], nil
		default:
			return models.Client{}, errorf(http.StatusConflict, "multiple active clients match client_name %q; provide client_id instead", name)
		}
	}

	if opts.DefaultClientID == nil {
		return models.Client{}, errorf(http.StatusBadRequest, "client_id or client_name is required for async/shadow mode, or set AUTOMATION_DEFAULT_CLIENT_ID")
	}
	return activeClient(ctx, dir, *opts.DefaultClientID)
}

func activeClient(ctx context.Context, dir Directory, id uuid.UUID) (models.Client, error) {
	client, err := dir.GetActiveClient(ctx, id)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInactive) {
		return models.Client{}, errorf(http.StatusBadRequest, "client is not active")
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

// idempotencyKey returns the caller's key, or one derived from the tenant,
// site and source. Document-less orders use their brief as the locator.
// A derived key that would exceed maxKeyLen carries a sha256 of the locator.
func idempotencyKey(req Request, clientID, siteID uuid.UUID, kind models.SubmissionKind) string {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		sourceKind, locator := string(kind.Kind), strings.Join([]string{
			strings.TrimSpace(req.Anchor), strings.TrimSpace(req.Topic), strings.TrimSpace(req.TargetURL),
		}, "|")
		if kind.Source != nil {
			sourceKind, locator = string(kind.Source.Kind), kind.Source.URL
		}
		key = fmt.Sprintf("%s:%s:%s:%s", clientID, siteID, sourceKind, locator)
		if len(key) > maxKeyLen {
			sum := sha256.Sum256([]byte(locator))
			key = fmt.Sprintf("%s:%s:%s:sha256:%s", clientID, siteID, sourceKind, hex.EncodeToString(sum[:]))
		}
		return key
	}
	return truncateKey(key)
}

func truncateKey(key string) string {
	if len(key) <= maxKeyLen {
		return key
	}
	key = key[:maxKeyLen]
	for !utf8.ValidString(key) {
		key = key[:len(key)-1]
	}
	return key
}
