// Package wordpress publishes media and posts through the WordPress REST API
// using application-password basic auth.
package wordpress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/remote"
)

const defaultRestBase = "/wp-json/wp/v2"

type Client struct {
	apiBase  string
	username string
	password string
	http     *http.Client
	timeout  time.Duration
	now      func() time.Time
}

func New(target pipeline.SiteTarget, hc *http.Client, timeout time.Duration) *Client {
	return &Client{
		apiBase:  APIBase(target.SiteURL, target.RestBase),
		username: target.Username,
		password: target.AppPassword,
		http:     hc,
		timeout:  timeout,
		now:      time.Now,
	}
}

// NewFactory returns a pipeline.PublisherFactory sharing one redirect-refusing HTTP client.
func NewFactory(timeout time.Duration) pipeline.PublisherFactory {
	hc := remote.NewHTTPClient(timeout)
	return func(target pipeline.SiteTarget) pipeline.Publisher {
		return New(target, hc, timeout)
	}
}

// APIBase joins a site URL with its REST base path.
func APIBase(siteURL, restBase string) string {
	base := strings.TrimSpace(restBase)
	if base == "" {
		base = defaultRestBase
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimRight(siteURL, "/") + strings.TrimRight(base, "/")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) authHeader() http.Header {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(c.username, c.password)
	return req.Header
}

type mediaResponse struct {
	ID        int64  `json:"id"`
	SourceURL string `json:"source_url"`
	GUID      struct {
		Rendered string `json:"rendered"`
	} `json:"guid"`
}

func (m mediaResponse) url() string {
	if m.SourceURL != "" {
		return m.SourceURL
	}
	return m.GUID.Rendered
}

// UploadMedia uploads raw image bytes and then sets the media title and alt
// text. A 413 answer is reported as pipeline.ErrPayloadTooLarge.
func (c *Client) UploadMedia(ctx context.Context, m pipeline.MediaUpload) (pipeline.Media, error) {
	if c.username == "" || c.password == "" {
		return pipeline.Media{}, fmt.Errorf("%w: site credential is incomplete", pipeline.ErrNotConfigured)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/media", bytes.NewReader(m.Data))
	if err != nil {
		return pipeline.Media{}, fmt.Errorf("build media request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(m.FileName, `"`, "")))

	var created mediaResponse
	if err := remote.Do(c.http, req, &created); err != nil {
		if remote.StatusCode(err) == http.StatusRequestEntityTooLarge {
			return pipeline.Media{}, fmt.Errorf("upload %d bytes: %w: %v", len(m.Data), pipeline.ErrPayloadTooLarge, err)
		}
		return pipeline.Media{}, fmt.Errorf("upload media: %w", err)
	}
	if created.ID <= 0 {
		return pipeline.Media{}, errors.New("media upload response has no id")
	}

	meta := map[string]string{"title": m.Title}
	if m.AltText != "" {
		meta["alt_text"] = m.AltText
	}
	var updated mediaResponse
	if err := remote.DoJSON(ctx, c.http, http.MethodPost, fmt.Sprintf("%s/media/%d", c.apiBase, created.ID),
		c.authHeader(), meta, &updated); err != nil {
		return pipeline.Media{}, fmt.Errorf("update media %d: %w", created.ID, err)
	}

	url := updated.url()
	if url == "" {
		url = created.url()
	}
	return pipeline.Media{ID: created.ID, URL: url}, nil
}

type postPayload struct {
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	Excerpt       string  `json:"excerpt"`
	Slug          string  `json:"slug"`
	Status        string  `json:"status"`
	Author        int64   `json:"author"`
	FeaturedMedia int64   `json:"featured_media"`
	Format        string  `json:"format"`
	Date          string  `json:"date"`
	Categories    []int64 `json:"categories,omitempty"`
}

type postResponse struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
}

func (c *Client) payload(p pipeline.Post) postPayload {
	return postPayload{
		Title:         p.Title,
		Content:       p.Content,
		Excerpt:       p.Excerpt,
		Slug:          p.Slug,
		Status:        p.Status,
		Author:        p.AuthorID,
		FeaturedMedia: p.FeaturedMediaID,
		Format:        "standard",
		Date:          c.now().UTC().Format(time.RFC3339),
		Categories:    p.CategoryIDs,
	}
}

// CreatePost creates a new post.
func (c *Client) CreatePost(ctx context.Context, p pipeline.Post) (pipeline.PublishedPost, error) {
	return c.writePost(ctx, c.apiBase+"/posts", c.payload(p))
}

// UpdatePost overwrites an existing post.
func (c *Client) UpdatePost(ctx context.Context, id int64, p pipeline.Post) (pipeline.PublishedPost, error) {
	return c.writePost(ctx, fmt.Sprintf("%s/posts/%d", c.apiBase, id), c.payload(p))
}

// SetPostStatus changes only the status of an existing post.
func (c *Client) SetPostStatus(ctx context.Context, id int64, status string) (pipeline.PublishedPost, error) {
	return c.writePost(ctx, fmt.Sprintf("%s/posts/%d", c.apiBase, id), map[string]string{"status": status})
}

func (c *Client) writePost(ctx context.Context, url string, body any) (pipeline.PublishedPost, error) {
	if c.username == "" || c.password == "" {
		return pipeline.PublishedPost{}, fmt.Errorf("%w: site credential is incomplete", pipeline.ErrNotConfigured)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var resp postResponse
	if err := remote.DoJSON(ctx, c.http, http.MethodPost, url, c.authHeader(), body, &resp); err != nil {
		return pipeline.PublishedPost{}, fmt.Errorf("write post: %w", err)
	}
	if resp.ID <= 0 {
		return pipeline.PublishedPost{}, errors.New("post response has no id")
	}
	return pipeline.PublishedPost{ID: resp.ID, URL: resp.Link}, nil
}
