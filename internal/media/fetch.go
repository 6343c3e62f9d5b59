// Package media downloads, shrinks, and archives featured images.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"guestpost-automation/internal/pipeline"
)

const defaultMaxBytes = 25 * 1024 * 1024

// Fetcher downloads images over HTTP with a size cap.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch downloads rawURL and names the file after its URL path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (pipeline.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return pipeline.Image{}, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return pipeline.Image{}, fmt.Errorf("image too large (>%d bytes)", f.maxBytes)
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	return pipeline.Image{
		Data:        body,
		FileName:    fileName(rawURL, contentType),
		ContentType: contentType,
	}, nil
}

func mediaType(header string) string {
	ct, _, _ := strings.Cut(header, ";")
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func fileName(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return "generated_image" + ext
}
