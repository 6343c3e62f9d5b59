// Package pipeline executes a claimed job against the converter, image
// generator, creator and publishing collaborators, recording one event per
// completed stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/models"
	"guestpost-automation/internal/telemetry"
)

// Size is an image bounding box.
type Size struct {
	Width  int
	Height int
}

// DefaultDownscaleLadder is tried in order when a site rejects an upload with 413.
var DefaultDownscaleLadder = []Size{{768, 432}, {640, 360}, {512, 288}}

// Deps are the collaborators a run talks to. Creator, Shrinker and Archiver may be nil.
type Deps struct {
	Converter  Converter
	Images     ImageGenerator
	Creator    Creator
	Fetcher    Fetcher
	Shrinker   Shrinker
	Archiver   Archiver
	Publishers PublisherFactory
}

// Options tune image generation.
type Options struct {
	ImageWidth      int
	ImageHeight     int
	DownscaleLadder []Size
}

// Input describes one run.
type Input struct {
	JobID          uuid.UUID
	Attempt        int
	Kind           models.SubmissionKind
	Site           SiteTarget
	PublishingSite string
	PostStatus     string
	AuthorID       int64
	CategoryIDs    []int64
	ExistingPostID *int64
	Anchor         string
	Topic          string
	TargetURL      string
}

// Result summarizes a successful run.
type Result struct {
	PostID    int64
	PostURL   string
	PostEvent models.EventType
	MediaID   int64
	ImageURL  string
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.ImageWidth <= 0 {
		opts.ImageWidth = 1024
	}
	if opts.ImageHeight <= 0 {
		opts.ImageHeight = 576
	}
	if opts.DownscaleLadder == nil {
		opts.DownscaleLadder = DefaultDownscaleLadder
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger}
}

// Run dispatches on the submission kind. Failures are returned as *StageError.
func (o *Orchestrator) Run(ctx context.Context, in Input, rec Recorder) (Result, error) {
	if rec == nil {
		rec = Discard
	}
	switch in.Kind.Kind {
	case models.KindGuestPost, models.KindDocumentOrder:
		if !in.Kind.HasDocument() {
			return Result{}, &StageError{Stage: StageConvert, Err: Permanent(errors.New("document submission has no source"))}
		}
		return o.runDocument(ctx, in, rec)
	case models.KindCreatorOrder:
		return o.runCreator(ctx, in, rec)
	case models.KindManualOrder:
		return o.runManual(ctx, in, rec)
	default:
		return Result{}, Permanent(fmt.Errorf("unknown submission kind %q", in.Kind.Kind))
	}
}

func (o *Orchestrator) runDocument(ctx context.Context, in Input, rec Recorder) (Result, error) {
	src := in.Kind.Source
	if err := rec.AppendEvent(ctx, in.JobID, models.EventCalledConverter, map[string]any{
		"source_url":  src.URL,
		"target_site": in.PublishingSite,
		"attempt":     in.Attempt,
	}); err != nil {
		return Result{}, fmt.Errorf("record event: %w", err)
	}

	var conv Conversion
	err := o.stage(StageConvert, func() error {
		if o.deps.Converter == nil {
			return fmt.Errorf("%w: converter", ErrNotConfigured)
		}
		var err error
		conv, err = o.deps.Converter.Convert(ctx, ConvertRequest{SourceURL: src.URL, PublishingSite: in.PublishingSite})
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if err := rec.AppendEvent(ctx, in.JobID, models.EventConverterOK, map[string]any{
		"title": conv.Title,
		"slug":  conv.Slug,
	}); err != nil {
		return Result{}, fmt.Errorf("record event: %w", err)
	}
	if err := rec.AppendEvent(ctx, in.JobID, models.EventImagePromptOK, map[string]any{
		"image_prompt": conv.ImagePrompt,
	}); err != nil {
		return Result{}, fmt.Errorf("record event: %w", err)
	}

	pub := o.deps.Publishers(in.Site)
	feat, err := o.featuredImage(ctx, in, pub, featuredRequest{prompt: conv.ImagePrompt, title: conv.Title, alt: conv.Title})
	if err != nil {
		return Result{}, err
	}
	if err := o.recordImage(ctx, in, rec, feat); err != nil {
		return Result{}, err
	}

	return o.publish(ctx, in, rec, pub, Post{
		Title:           conv.Title,
		Content:         conv.HTML,
		Excerpt:         conv.Excerpt,
		Slug:            conv.Slug,
		Status:          in.PostStatus,
		AuthorID:        in.AuthorID,
		FeaturedMediaID: feat.media.ID,
		CategoryIDs:     in.CategoryIDs,
	}, feat)
}

type featuredRequest struct {
	prompt      string
	title       string
	alt         string
	providedURL string
}

type featured struct {
	sourceURL  string
	provider   string
	model      string
	archiveURL string
	media      Media
}

// featuredImage generates (unless providedURL is set), downloads and uploads the featured image.
func (o *Orchestrator) featuredImage(ctx context.Context, in Input, pub Publisher, req featuredRequest) (featured, error) {
	feat := featured{sourceURL: req.providedURL, provider: "creator"}
	if feat.sourceURL == "" {
		err := o.stage(StageGenerateImage, func() error {
			if o.deps.Images == nil {
				return fmt.Errorf("%w: image generator", ErrNotConfigured)
			}
			if strings.TrimSpace(req.prompt) == "" {
				return errors.New("image prompt is empty")
			}
			gen, err := o.deps.Images.Generate(ctx, ImageRequest{
				Prompt: req.prompt,
				Width:  o.opts.ImageWidth,
				Height: o.opts.ImageHeight,
				Count:  1,
			})
			if err != nil {
				return err
			}
			feat.sourceURL, feat.provider, feat.model = gen.URL, gen.Provider, gen.Model
			return nil
		})
		if err != nil {
			return featured{}, err
		}
	}

	err := o.stage(StageUploadMedia, func() error {
		img, err := o.deps.Fetcher.Fetch(ctx, feat.sourceURL)
		if err != nil {
			return fmt.Errorf("download image: %w", err)
		}
		feat.media, err = o.upload(ctx, pub, MediaUpload{Image: img, Title: req.title, AltText: req.alt})
		if err != nil {
			return err
		}
		feat.archiveURL = o.archive(ctx, in, img)
		return nil
	})
	if err != nil {
		return featured{}, err
	}
	return feat, nil
}

// upload retries with progressively smaller renditions while the site answers 413.
func (o *Orchestrator) upload(ctx context.Context, pub Publisher, m MediaUpload) (Media, error) {
	media, err := pub.UploadMedia(ctx, m)
	for _, size := range o.opts.DownscaleLadder {
		if !errors.Is(err, ErrPayloadTooLarge) || o.deps.Shrinker == nil {
			break
		}
		o.logger.Info("pipeline.upload_downscale",
			zap.Int("width", size.Width), zap.Int("height", size.Height), zap.Int("bytes", len(m.Data)))
		smaller, serr := o.deps.Shrinker.Shrink(m.Image, size.Width, size.Height)
		if serr != nil {
			return Media{}, fmt.Errorf("downscale image: %w", serr)
		}
		media, err = pub.UploadMedia(ctx, MediaUpload{Image: smaller, Title: m.Title, AltText: m.AltText})
	}
	if err != nil {
		return Media{}, fmt.Errorf("upload media: %w", err)
	}
	return media, nil
}

func (o *Orchestrator) archive(ctx context.Context, in Input, img Image) string {
	if o.deps.Archiver == nil {
		return ""
	}
	prefix := "sync/" + uuid.NewString()
	if in.JobID != uuid.Nil {
		prefix = "jobs/" + in.JobID.String()
	}
	url, err := o.deps.Archiver.Archive(ctx, path.Join(prefix, img.FileName), img)
	if err != nil {
		o.logger.Warn("pipeline.archive_failed", zap.String("job_id", in.JobID.String()), zap.Error(err))
		return ""
	}
	return url
}

func (o *Orchestrator) recordImage(ctx context.Context, in Input, rec Recorder, feat featured) error {
	if err := rec.AppendEvent(ctx, in.JobID, models.EventImageGenerated, map[string]any{
		"image_url": feat.sourceURL,
		"media_id":  feat.media.ID,
		"media_url": feat.media.URL,
	}); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	meta := map[string]any{"media_id": feat.media.ID}
	if feat.model != "" {
		meta["model_id"] = feat.model
	}
	if feat.archiveURL != "" {
		meta["archive_url"] = feat.archiveURL
	}
	if _, err := rec.InsertAsset(ctx, models.Asset{
		JobID:      in.JobID,
		Type:       models.AssetFeaturedImage,
		Provider:   feat.provider,
		SourceURL:  feat.sourceURL,
		StorageURL: feat.media.URL,
		Meta:       meta,
	}); err != nil {
		return fmt.Errorf("record asset: %w", err)
	}
	return nil
}

// publish creates the post, or updates the one recorded by an earlier attempt.
func (o *Orchestrator) publish(ctx context.Context, in Input, rec Recorder, pub Publisher, post Post, feat featured) (Result, error) {
	var published PublishedPost
	event := models.EventPostCreated
	err := o.stage(StagePublishPost, func() error {
		var err error
		if in.ExistingPostID != nil {
			event = models.EventPostUpdated
			published, err = pub.UpdatePost(ctx, *in.ExistingPostID, post)
		} else {
			published, err = pub.CreatePost(ctx, post)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if err := rec.RecordPost(ctx, in.JobID, published.ID, published.URL, event, map[string]any{
		"wp_post_id":   published.ID,
		"wp_post_url":  published.URL,
		"status":       post.Status,
		"category_ids": post.CategoryIDs,
	}); err != nil {
		return Result{}, fmt.Errorf("record post: %w", err)
	}
	return Result{
		PostID:    published.ID,
		PostURL:   published.URL,
		PostEvent: event,
		MediaID:   feat.media.ID,
		ImageURL:  feat.sourceURL,
	}, nil
}

// stage runs fn, observes its latency and wraps any error in a *StageError.
func (o *Orchestrator) stage(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.StageDuration.WithLabelValues(string(stage), outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}
