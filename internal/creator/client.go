// Package creator calls the article creator service that drafts a post from
// an order brief.
package creator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/remote"
)

type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     remote.NewHTTPClient(timeout),
		timeout:  timeout,
	}
}

type createRequest struct {
	TargetSiteURL     string `json:"target_site_url"`
	PublishingSiteURL string `json:"publishing_site_url"`
	Anchor            string `json:"anchor,omitempty"`
	Topic             string `json:"topic,omitempty"`
}

type articlePhase struct {
	MetaTitle   string `json:"meta_title"`
	Title       string `json:"title"`
	Excerpt     string `json:"excerpt"`
	Slug        string `json:"slug"`
	ArticleHTML string `json:"article_html"`
}

type imageMeta struct {
	AltText string `json:"alt_text"`
	Prompt  string `json:"prompt"`
}

type imagePhase struct {
	FeaturedImage  *imageMeta `json:"featured_image"`
	InContentImage *imageMeta `json:"in_content_image"`
}

type imageRef struct {
	Type    string `json:"type"`
	IDOrURL string `json:"id_or_url"`
}

// Create asks the creator to draft an article and validates the draft.
func (c *Client) Create(ctx context.Context, req pipeline.CreatorRequest) (pipeline.CreatorOutput, error) {
	if c.endpoint == "" {
		return pipeline.CreatorOutput{}, fmt.Errorf("%w: AUTOMATION_CREATOR_ENDPOINT is not set", pipeline.ErrNotConfigured)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var raw map[string]json.RawMessage
	if err := remote.DoJSON(ctx, c.http, http.MethodPost, c.endpoint+"/create", nil, createRequest{
		TargetSiteURL:     req.TargetSiteURL,
		PublishingSiteURL: req.PublishingSiteURL,
		Anchor:            strings.TrimSpace(req.Anchor),
		Topic:             strings.TrimSpace(req.Topic),
	}, &raw); err != nil {
		return pipeline.CreatorOutput{}, fmt.Errorf("creator: %w", err)
	}
	return parseOutput(raw)
}

func parseOutput(raw map[string]json.RawMessage) (pipeline.CreatorOutput, error) {
	var article articlePhase
	if err := decodeOptional(raw["phase5"], &article); err != nil {
		return pipeline.CreatorOutput{}, fmt.Errorf("creator phase5: %w", err)
	}
	var images imagePhase
	if err := decodeOptional(raw["phase6"], &images); err != nil {
		return pipeline.CreatorOutput{}, fmt.Errorf("creator phase6: %w", err)
	}
	var refs []imageRef
	if err := decodeOptional(raw["images"], &refs); err != nil {
		return pipeline.CreatorOutput{}, fmt.Errorf("creator images: %w", err)
	}

	title := strings.TrimSpace(article.MetaTitle)
	if title == "" {
		title = strings.TrimSpace(article.Title)
	}
	out := pipeline.CreatorOutput{
		Title:   title,
		Slug:    strings.TrimSpace(article.Slug),
		Excerpt: strings.TrimSpace(article.Excerpt),
		HTML:    strings.TrimSpace(article.ArticleHTML),
		Phases:  phaseNames(raw),
	}
	if out.Title == "" || out.HTML == "" {
		return pipeline.CreatorOutput{}, fmt.Errorf("creator output is missing title or article_html")
	}
	if images.FeaturedImage != nil {
		out.FeaturedAlt = strings.TrimSpace(images.FeaturedImage.AltText)
		out.FeaturedPrompt = strings.TrimSpace(images.FeaturedImage.Prompt)
	}
	for _, ref := range refs {
		url := strings.TrimSpace(ref.IDOrURL)
		if url == "" {
			continue
		}
		out.Images = append(out.Images, pipeline.CreatorImage{Kind: ref.Type, URL: url})
	}
	return out, nil
}

func decodeOptional(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// phaseNames lists the phaseN keys of the response in numeric order.
func phaseNames(raw map[string]json.RawMessage) []string {
	type phase struct {
		name string
		n    int
	}
	var phases []phase
	for key := range raw {
		suffix, ok := strings.CutPrefix(key, "phase")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		phases = append(phases, phase{name: key, n: n})
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].n < phases[j].n })
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.name
	}
	return names
}

// Health reports whether the creator service answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	if c.endpoint == "" {
		return fmt.Errorf("%w: AUTOMATION_CREATOR_ENDPOINT is not set", pipeline.ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var out map[string]any
	return remote.DoJSON(ctx, c.http, http.MethodGet, c.endpoint+"/health", nil, nil, &out)
}
