// Package imagegen generates featured images through a Leonardo-style REST API:
// create a generation, then poll it until an image URL appears.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/remote"
)

const provider = "leonardo"

// Options configure the client. Zero durations fall back to defaults.
type Options struct {
	APIKey         string
	BaseURL        string
	ModelID        string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
}

type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 90 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{opts: opts, http: remote.NewHTTPClient(opts.RequestTimeout), logger: logger}
}

type createRequest struct {
	Prompt    string `json:"prompt"`
	ModelID   string `json:"modelId"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	NumImages int    `json:"num_images"`
}

// Generate creates a generation and waits for its first image URL.
func (c *Client) Generate(ctx context.Context, req pipeline.ImageRequest) (pipeline.GeneratedImage, error) {
	if c.opts.APIKey == "" {
		return pipeline.GeneratedImage{}, fmt.Errorf("%w: LEONARDO_API_KEY is not set", pipeline.ErrNotConfigured)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	header := http.Header{"Authorization": {"Bearer " + c.opts.APIKey}}

	var created map[string]any
	if err := remote.DoJSON(ctx, c.http, http.MethodPost, c.opts.BaseURL+"/generations", header, createRequest{
		Prompt:    req.Prompt,
		ModelID:   c.opts.ModelID,
		Width:     req.Width,
		Height:    req.Height,
		NumImages: count,
	}, &created); err != nil {
		return pipeline.GeneratedImage{}, fmt.Errorf("create generation: %w", err)
	}

	out := pipeline.GeneratedImage{Provider: provider, Model: c.opts.ModelID}
	if url := findImageURL(created); url != "" {
		out.URL = url
		return out, nil
	}
	out.GenerationID = findString(created, "generationId", "generation_id")
	if out.GenerationID == "" {
		return pipeline.GeneratedImage{}, errors.New("generation response has neither an image url nor a generation id")
	}

	url, err := c.poll(ctx, out.GenerationID, header)
	if err != nil {
		return pipeline.GeneratedImage{}, err
	}
	out.URL = url
	return out, nil
}

func (c *Client) poll(ctx context.Context, id string, header http.Header) (string, error) {
	deadline := time.Now().Add(c.opts.PollTimeout)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var body map[string]any
		if err := remote.DoJSON(ctx, c.http, http.MethodGet, c.opts.BaseURL+"/generations/"+id, header, nil, &body); err != nil {
			return "", fmt.Errorf("poll generation %s: %w", id, err)
		}
		if url := findImageURL(body); url != "" {
			return url, nil
		}
		if status := findString(body, "status"); strings.EqualFold(status, "FAILED") {
			return "", fmt.Errorf("generation %s failed", id)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("generation %s: no image after %s", id, c.opts.PollTimeout)
		}
		c.logger.Debug("imagegen.poll_pending", zap.String("generation_id", id))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// findImageURL searches the response tree for generated_images[].url, falling
// back to generations[].url or imageUrl.
func findImageURL(v any) string {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range []string{"generated_images", "generations"} {
			if items, ok := t[key].([]any); ok {
				for _, item := range items {
					if m, ok := item.(map[string]any); ok {
						if url := firstString(m, "url", "imageUrl"); url != "" {
							return url
						}
					}
				}
			}
		}
		for _, child := range t {
			if url := findImageURL(child); url != "" {
				return url
			}
		}
	case []any:
		for _, child := range t {
			if url := findImageURL(child); url != "" {
				return url
			}
		}
	}
	return ""
}

// findString returns the first non-empty string value stored under any of keys, at any depth.
func findString(v any, keys ...string) string {
	switch t := v.(type) {
	case map[string]any:
		if s := firstString(t, keys...); s != "" {
			return s
		}
		for _, child := range t {
			if s := findString(child, keys...); s != "" {
				return s
			}
		}
	case []any:
		for _, child := range t {
			if s := findString(child, keys...); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
