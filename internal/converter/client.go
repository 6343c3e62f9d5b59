// Package converter calls the document-to-article conversion service.
package converter

import (
	"context"
	"fmt"
	"net/http"
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
		endpoint: strings.TrimSpace(endpoint),
		http:     remote.NewHTTPClient(timeout),
		timeout:  timeout,
	}
}

type convertRequest struct {
	SourceURL      string `json:"source_url"`
	PublishingSite string `json:"publishing_site"`
}

type convertResponse struct {
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	CleanHTML   string `json:"clean_html"`
	Excerpt     string `json:"excerpt"`
	ImagePrompt string `json:"image_prompt"`
}

// Convert posts the source document to the converter and validates the result.
func (c *Client) Convert(ctx context.Context, req pipeline.ConvertRequest) (pipeline.Conversion, error) {
	if c.endpoint == "" {
		return pipeline.Conversion{}, fmt.Errorf("%w: AUTOMATION_CONVERTER_ENDPOINT is not set", pipeline.ErrNotConfigured)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var resp convertResponse
	if err := remote.DoJSON(ctx, c.http, http.MethodPost, c.endpoint, nil, convertRequest{
		SourceURL:      req.SourceURL,
		PublishingSite: req.PublishingSite,
	}, &resp); err != nil {
		return pipeline.Conversion{}, fmt.Errorf("converter: %w", err)
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"title", resp.Title},
		{"slug", resp.Slug},
		{"clean_html", resp.CleanHTML},
		{"excerpt", resp.Excerpt},
		{"image_prompt", resp.ImagePrompt},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return pipeline.Conversion{}, fmt.Errorf("converter response missing fields: %s", strings.Join(missing, ", "))
	}

	return pipeline.Conversion{
		Title:       strings.TrimSpace(resp.Title),
		Slug:        strings.TrimSpace(resp.Slug),
		HTML:        resp.CleanHTML,
		Excerpt:     strings.TrimSpace(resp.Excerpt),
		ImagePrompt: strings.TrimSpace(resp.ImagePrompt),
	}, nil
}
