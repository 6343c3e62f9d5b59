package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"guestpost-automation/internal/models"
)

// runCreator drafts a document-less order through the creator service.
func (o *Orchestrator) runCreator(ctx context.Context, in Input, rec Recorder) (Result, error) {
	if err := rec.AppendEvent(ctx, in.JobID, models.EventPhaseMarker, map[string]any{
		"phase":       "creator_called",
		"target_site": in.PublishingSite,
		"attempt":     in.Attempt,
	}); err != nil {
		return Result{}, fmt.Errorf("record event: %w", err)
	}

	var out CreatorOutput
	err := o.stage(StageCreateContent, func() error {
		if o.deps.Creator == nil {
			return fmt.Errorf("%w: creator service", ErrNotConfigured)
		}
		var err error
		out, err = o.deps.Creator.Create(ctx, CreatorRequest{
			TargetSiteURL:     in.TargetURL,
			PublishingSiteURL: in.Site.SiteURL,
			Anchor:            in.Anchor,
			Topic:             in.Topic,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}

	for _, phase := range out.Phases {
		if err := rec.AppendEvent(ctx, in.JobID, models.EventPhaseMarker, map[string]any{"phase": phase}); err != nil {
			return Result{}, fmt.Errorf("record event: %w", err)
		}
	}

	prompt := out.FeaturedPrompt
	if prompt == "" {
		prompt = out.Title
	}
	req := featuredRequest{prompt: prompt, title: out.Title, alt: out.FeaturedAlt}
	if req.alt == "" {
		req.alt = out.Title
	}
	if img, ok := out.Image(CreatorImageFeatured); ok {
		req.providedURL = img.URL
	} else if err := rec.AppendEvent(ctx, in.JobID, models.EventImagePromptOK, map[string]any{
		"image_prompt": prompt,
	}); err != nil {
		return Result{}, fmt.Errorf("record event: %w", err)
	}

	pub := o.deps.Publishers(in.Site)
	feat, err := o.featuredImage(ctx, in, pub, req)
	if err != nil {
		return Result{}, err
	}
	if err := o.recordImage(ctx, in, rec, feat); err != nil {
		return Result{}, err
	}

	content := out.HTML
	if img, ok := out.Image(CreatorImageInContent); ok {
		err := o.stage(StageUploadMedia, func() error {
			fetched, err := o.deps.Fetcher.Fetch(ctx, img.URL)
			if err != nil {
				return fmt.Errorf("download in-content image: %w", err)
			}
			media, err := o.upload(ctx, pub, MediaUpload{Image: fetched, Title: out.Title, AltText: req.alt})
			if err != nil {
				return err
			}
			content = insertAfterFirstH2(content, figureHTML(media.URL, req.alt))
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	return o.publish(ctx, in, rec, pub, Post{
		Title:           out.Title,
		Content:         content,
		Excerpt:         out.Excerpt,
		Slug:            out.Slug,
		Status:          in.PostStatus,
		AuthorID:        in.AuthorID,
		FeaturedMediaID: feat.media.ID,
		CategoryIDs:     in.CategoryIDs,
	}, feat)
}

// runManual publishes the draft post an approver attached to a manual order.
func (o *Orchestrator) runManual(ctx context.Context, in Input, rec Recorder) (Result, error) {
	if in.ExistingPostID == nil {
		return Result{}, &StageError{
			Stage: StagePublishPost,
			Err:   Permanent(errors.New("manual order has no draft post attached; approve it with a post id")),
		}
	}
	pub := o.deps.Publishers(in.Site)

	var published PublishedPost
	err := o.stage(StagePublishPost, func() error {
		var err error
		published, err = pub.SetPostStatus(ctx, *in.ExistingPostID, in.PostStatus)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	o.logger.Info("pipeline.manual_published", zap.String("job_id", in.JobID.String()), zap.Int64("wp_post_id", published.ID))

	if err := rec.RecordPost(ctx, in.JobID, published.ID, published.URL, models.EventPostUpdated, map[string]any{
		"wp_post_id":  published.ID,
		"wp_post_url": published.URL,
		"status":      in.PostStatus,
		"action":      "manual_publish",
	}); err != nil {
		return Result{}, fmt.Errorf("record post: %w", err)
	}
	return Result{PostID: published.ID, PostURL: published.URL, PostEvent: models.EventPostUpdated}, nil
}

func figureHTML(src, alt string) string {
	return fmt.Sprintf(`<figure class="wp-block-image"><img src="%s" alt="%s"/></figure>`,
		html.EscapeString(src), html.EscapeString(alt))
}

// insertAfterFirstH2 places snippet after the first closing </h2>, or at the
// top when the article has none.
func insertAfterFirstH2(content, snippet string) string {
	idx := strings.Index(strings.ToLower(content), "</h2>")
	if idx < 0 {
		return snippet + content
	}
	cut := idx + len("</h2>")
	return content[:cut] + snippet + content[cut:]
}
