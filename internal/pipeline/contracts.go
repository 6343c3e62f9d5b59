package pipeline

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"guestpost-automation/internal/models"
)

// ConvertRequest asks the converter to turn a source document into post content.
type ConvertRequest struct {
	SourceURL      string
	PublishingSite string
}

// Conversion is the converter's structured output.
type Conversion struct {
	Title       string
	Slug        string
	HTML        string
	Excerpt     string
	ImagePrompt string
}

type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (Conversion, error)
}

// ImageRequest asks the image generator for Count images of the given size.
type ImageRequest struct {
	Prompt string
	Width  int
	Height int
	Count  int
}

// GeneratedImage points at a generated image hosted by the provider.
type GeneratedImage struct {
	URL          string
	Provider     string
	Model        string
	GenerationID string
}

type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) (GeneratedImage, error)
}

// Image is downloaded image content.
type Image struct {
	Data        []byte
	FileName    string
	ContentType string
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (Image, error)
}

// Shrinker re-encodes an image to fit within width x height.
type Shrinker interface {
	Shrink(img Image, width, height int) (Image, error)
}

// Archiver keeps a copy of a featured image outside the target site.
type Archiver interface {
	Archive(ctx context.Context, key string, img Image) (string, error)
}

// SiteTarget addresses a publishing site and the credential used for it.
type SiteTarget struct {
	SiteURL     string
	RestBase    string
	Username    string
	AppPassword string
}

// TargetFor builds the publishing target of a site and its credential.
func TargetFor(site models.Site, cred models.SiteCredential) SiteTarget {
	return SiteTarget{
		SiteURL:     site.SiteURL,
		RestBase:    site.WPRestBase,
		Username:    cred.Username,
		AppPassword: cred.AppPassword,
	}
}

// PublishingHost returns the lower-cased host the converter writes for:
// the caller's target_site hint when it is a host, else the site URL's host.
func PublishingHost(targetSite, siteURL string) string {
	if _, err := uuid.Parse(strings.TrimSpace(targetSite)); err != nil {
		if h := NormalizeHost(targetSite); h != "" {
			return h
		}
	}
	return NormalizeHost(siteURL)
}

// NormalizeHost extracts the lower-cased host of a URL or bare host name.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimRight(strings.ToLower(u.Hostname()), ".")
}

// MediaUpload is an image to attach to the target site's media library.
type MediaUpload struct {
	Image
	Title   string
	AltText string
}

// Media is an uploaded media item.
type Media struct {
	ID  int64
	URL string
}

// Post is the content written to the target site.
type Post struct {
	Title           string
	Content         string
	Excerpt         string
	Slug            string
	Status          string
	AuthorID        int64
	FeaturedMediaID int64
	CategoryIDs     []int64
}

// PublishedPost identifies a post on the target site.
type PublishedPost struct {
	ID  int64
	URL string
}

type Publisher interface {
	UploadMedia(ctx context.Context, m MediaUpload) (Media, error)
	CreatePost(ctx context.Context, p Post) (PublishedPost, error)
	UpdatePost(ctx context.Context, id int64, p Post) (PublishedPost, error)
	SetPostStatus(ctx context.Context, id int64, status string) (PublishedPost, error)
}

// PublisherFactory builds a Publisher bound to one site and credential.
type PublisherFactory func(SiteTarget) Publisher

// CreatorRequest asks the creator service to draft an article from a brief.
type CreatorRequest struct {
	TargetSiteURL     string
	PublishingSiteURL string
	Anchor            string
	Topic             string
}

// CreatorImage is an image chosen by the creator service.
type CreatorImage struct {
	Kind string
	URL  string
}

const (
	CreatorImageFeatured  = "featured"
	CreatorImageInContent = "in_content"
)

// CreatorOutput is the drafted article and the phases the creator ran.
type CreatorOutput struct {
	Title          string
	Slug           string
	Excerpt        string
	HTML           string
	FeaturedAlt    string
	FeaturedPrompt string
	Images         []CreatorImage
	Phases         []string
}

// Image returns the first image of the given kind.
func (o CreatorOutput) Image(kind string) (CreatorImage, bool) {
	for _, img := range o.Images {
		if img.Kind == kind && img.URL != "" {
			return img, true
		}
	}
	return CreatorImage{}, false
}

type Creator interface {
	Create(ctx context.Context, req CreatorRequest) (CreatorOutput, error)
}

// Recorder persists the audit trail of a run. *store.Store satisfies it.
type Recorder interface {
	AppendEvent(ctx context.Context, jobID uuid.UUID, eventType models.EventType, payload map[string]any) error
	InsertAsset(ctx context.Context, a models.Asset) (models.Asset, error)
	RecordPost(ctx context.Context, jobID uuid.UUID, postID int64, postURL string, eventType models.EventType, payload map[string]any) error
}

// Discard is a Recorder that drops everything; sync runs use it.
var Discard Recorder = discard{}

type discard struct{}

func (discard) AppendEvent(context.Context, uuid.UUID, models.EventType, map[string]any) error {
	return nil
}

func (discard) InsertAsset(_ context.Context, a models.Asset) (models.Asset, error) { return a, nil }

func (discard) RecordPost(context.Context, uuid.UUID, int64, string, models.EventType, map[string]any) error {
	return nil
}
